package swarm

import "time"

// Config configures a Torrent's swarm behavior. Defaults follow the engine's
// documented connection and choking parameters.
type Config struct {
	// MaxConnections is the maximum number of established peer connections.
	MaxConnections int `yaml:"max_connections"`

	// MaxHalfOpen is the maximum number of simultaneous in-flight (pending)
	// connection attempts, outbound dials and inbound accepts alike.
	MaxHalfOpen int `yaml:"max_half_open"`

	// MaxMutualConnections caps how many connections a peer may already have
	// in common with us before we refuse a new one.
	MaxMutualConnections int `yaml:"max_mutual_conn"`

	// FailedConnRetryDelay is how long a failed endpoint is excluded from
	// reconnection attempts.
	FailedConnRetryDelay time.Duration `yaml:"failed_conn_retry_delay"`

	// MaxKnownPeers bounds the FIFO-evicted set of known-but-unconnected
	// peers retained per torrent.
	MaxKnownPeers int `yaml:"max_known_peers"`

	// MaxUnchokedRatio and MaxUnchokedMin drive the dynamic max-unchoked
	// calculation: 80% of connected peers, at least MaxUnchokedMin and at
	// most the connected count, or all peers while at or below
	// MaxUnchokedAllBelow connections. There is no separate upper cap on
	// the unchoked count.
	MaxUnchokedRatio    float64 `yaml:"max_unchoked_ratio"`
	MaxUnchokedMin      int     `yaml:"max_unchoked_min"`
	MaxUnchokedAllBelow int     `yaml:"max_unchoked_all_below"`

	// ChokeInterval is how often the choke controller re-evaluates.
	ChokeInterval time.Duration `yaml:"choke_interval"`

	// OptimisticUnchokeEvery rotates one additional optimistically-unchoked
	// peer every N choke intervals.
	OptimisticUnchokeEvery int `yaml:"optimistic_unchoke_every"`

	// MaxPendingRequestsPerPeer caps in-flight block requests per peer.
	MaxPendingRequestsPerPeer int `yaml:"max_pending_requests_per_peer"`

	// RequestTimeout is how long a block request may go unanswered before
	// being considered stale and re-issued elsewhere.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// GCInterval is the cadence of the stale-request/piece GC pass while
	// downloading; GCIntervalSeeding applies once the torrent completes.
	GCInterval        time.Duration `yaml:"gc_interval"`
	GCIntervalSeeding time.Duration `yaml:"gc_interval_seeding"`

	// MaxOutstandingBlocksPerPiece, MaxPieceTimingEntries, and
	// MaxReceivedBlocksPerPiece bound a single piece-state's bookkeeping,
	// evicting the oldest entry by timestamp once exceeded.
	MaxOutstandingBlocksPerPiece int `yaml:"max_outstanding_blocks_per_piece"`
	MaxPieceTimingEntries        int `yaml:"max_piece_timing_entries"`
	MaxReceivedBlocksPerPiece    int `yaml:"max_received_blocks_per_piece"`

	// PieceStuckTimeout resets a piece that has spent this long in progress
	// with fewer than half its blocks received, freeing it to be re-picked.
	PieceStuckTimeout time.Duration `yaml:"piece_stuck_timeout"`

	// MaxPieceStates caps the number of in-progress piece-states retained at
	// once; past this, idle piece-states (no outstanding requests, no
	// received blocks, older than PieceIdleEvictAge) are evicted oldest
	// first.
	MaxPieceStates    int           `yaml:"max_piece_states"`
	PieceIdleEvictAge time.Duration `yaml:"piece_idle_evict_age"`

	// EnablePEX enables BEP 11 peer exchange with peers that negotiate the
	// ut_pex extension.
	EnablePEX bool `yaml:"enable_pex"`
}

func (c Config) applyDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 200
	}
	if c.MaxHalfOpen == 0 {
		c.MaxHalfOpen = 50
	}
	if c.MaxMutualConnections == 0 {
		c.MaxMutualConnections = c.MaxConnections
	}
	if c.FailedConnRetryDelay == 0 {
		c.FailedConnRetryDelay = 60 * time.Second
	}
	if c.MaxKnownPeers == 0 {
		c.MaxKnownPeers = 500
	}
	if c.MaxUnchokedRatio == 0 {
		c.MaxUnchokedRatio = 0.8
	}
	if c.MaxUnchokedMin == 0 {
		c.MaxUnchokedMin = 4
	}
	if c.MaxUnchokedAllBelow == 0 {
		c.MaxUnchokedAllBelow = 10
	}
	if c.ChokeInterval == 0 {
		c.ChokeInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeEvery == 0 {
		c.OptimisticUnchokeEvery = 3
	}
	if c.MaxPendingRequestsPerPeer == 0 {
		c.MaxPendingRequestsPerPeer = 128
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.GCInterval == 0 {
		c.GCInterval = 3 * time.Second
	}
	if c.GCIntervalSeeding == 0 {
		c.GCIntervalSeeding = 5 * time.Second
	}
	if c.MaxOutstandingBlocksPerPiece == 0 {
		c.MaxOutstandingBlocksPerPiece = 500
	}
	if c.MaxPieceTimingEntries == 0 {
		c.MaxPieceTimingEntries = 2000
	}
	if c.MaxReceivedBlocksPerPiece == 0 {
		c.MaxReceivedBlocksPerPiece = 5000
	}
	if c.PieceStuckTimeout == 0 {
		c.PieceStuckTimeout = 3 * time.Minute
	}
	if c.MaxPieceStates == 0 {
		c.MaxPieceStates = 100
	}
	if c.PieceIdleEvictAge == 0 {
		c.PieceIdleEvictAge = 15 * time.Second
	}
	return c
}
