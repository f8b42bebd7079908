package swarm

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"

	"github.com/riftwire/torrent/core"
	"github.com/riftwire/torrent/peerwire"
)

// blockRequest identifies one in-flight 16 KiB block request.
type blockRequest struct {
	piece  int
	begin  uint32
	length uint32
	sentAt time.Time
}

// peer consolidates bookkeeping for one remote connection within a
// torrent's swarm: its wire, its advertised pieces, and its in-flight
// request/serving state, adapted from dispatch.peer's bookkeeping to the
// block-pipelined request model of this engine.
type peer struct {
	id   core.PeerID
	addr string // remote "ip:port", set once admitted; used to key admission
	conn *peerwire.Conn
	clk  clock.Clock

	mu             sync.Mutex
	bitfield       *bitset.BitSet
	numPieces      int
	pending        map[string]*blockRequest // keyed by piece:begin
	lastActivity   time.Time
	optimistic     bool
	chokedUs       bool // peer has us choked
	weChokedThem   bool
	peerInterested bool // peer has told us it is interested in our pieces

	stats peerStats
}

func newPeer(id core.PeerID, conn *peerwire.Conn, numPieces int, clk clock.Clock) *peer {
	return &peer{
		id:           id,
		conn:         conn,
		clk:          clk,
		bitfield:     bitset.New(uint(numPieces)),
		numPieces:    numPieces,
		pending:      make(map[string]*blockRequest),
		lastActivity: clk.Now(),
		chokedUs:     true,
		weChokedThem: true,
	}
}

func reqKey(piece int, begin uint32) string {
	return itoa(piece) + ":" + itoa(int(begin))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (p *peer) HasPiece(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield.Test(uint(i))
}

func (p *peer) SetHasPiece(i int) {
	p.mu.Lock()
	p.bitfield.Set(uint(i))
	p.mu.Unlock()
}

func (p *peer) SetBitfield(raw []byte) {
	b, err := core.NewBitfieldFromBytes(raw, p.numPieces)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.bitfield = b.RawBitSet()
	p.mu.Unlock()
}

func (p *peer) Candidates() *bitset.BitSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield.Clone()
}

func (p *peer) Touch() {
	p.mu.Lock()
	p.lastActivity = p.clk.Now()
	p.mu.Unlock()
}

func (p *peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

func (p *peer) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *peer) AddPending(piece int, begin, length uint32) {
	p.mu.Lock()
	p.pending[reqKey(piece, begin)] = &blockRequest{piece: piece, begin: begin, length: length, sentAt: p.clk.Now()}
	p.mu.Unlock()
}

func (p *peer) ClearPending(piece int, begin uint32) {
	p.mu.Lock()
	delete(p.pending, reqKey(piece, begin))
	p.mu.Unlock()
}

// StaleRequests returns requests outstanding longer than timeout.
func (p *peer) StaleRequests(timeout time.Duration) []blockRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clk.Now()
	var stale []blockRequest
	for k, r := range p.pending {
		if now.Sub(r.sentAt) > timeout {
			stale = append(stale, *r)
			delete(p.pending, k)
		}
	}
	return stale
}

func (p *peer) SetChokedUs(v bool) {
	p.mu.Lock()
	p.chokedUs = v
	p.mu.Unlock()
}

func (p *peer) ChokedUs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chokedUs
}

func (p *peer) SetWeChokedThem(v bool) {
	p.mu.Lock()
	p.weChokedThem = v
	p.mu.Unlock()
}

func (p *peer) WeChokedThem() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weChokedThem
}

func (p *peer) SetOptimistic(v bool) {
	p.mu.Lock()
	p.optimistic = v
	p.mu.Unlock()
}

func (p *peer) Optimistic() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.optimistic
}

// SetPeerInterested records the remote peer's interested/not-interested
// state, mirrored here (rather than read off conn) so the choke controller
// can be exercised against peers with no live wire connection.
func (p *peer) SetPeerInterested(v bool) {
	p.mu.Lock()
	p.peerInterested = v
	p.mu.Unlock()
}

func (p *peer) PeerInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

// SampleDownloadRate refreshes the peer's measured download rate; see
// peerStats.sampleDownloadRate.
func (p *peer) SampleDownloadRate(dt time.Duration) {
	p.stats.sampleDownloadRate(dt)
}

// DownloadRate returns the most recently sampled download rate in bytes/sec.
func (p *peer) DownloadRate() float64 {
	return p.stats.DownloadRate()
}

// peerStats wraps per-peer byte/piece counters, adapted from
// dispatch.peerStats to track bytes instead of whole pieces, since requests
// are block-granular here.
type peerStats struct {
	mu                  sync.Mutex
	bytesDownloaded     int64
	bytesUploaded       int64
	goodPieces          int
	duplicatePieces     int
	prevBytesDownloaded int64
	downloadRate        float64 // bytes/sec, sampled once per choke tick
}

func (s *peerStats) addDownloaded(n int64) {
	s.mu.Lock()
	s.bytesDownloaded += n
	s.mu.Unlock()
}

func (s *peerStats) addUploaded(n int64) {
	s.mu.Lock()
	s.bytesUploaded += n
	s.mu.Unlock()
}

func (s *peerStats) Downloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesDownloaded
}

func (s *peerStats) Uploaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesUploaded
}

func (s *peerStats) incrGoodPiece() {
	s.mu.Lock()
	s.goodPieces++
	s.mu.Unlock()
}

func (s *peerStats) incrDuplicatePiece() {
	s.mu.Lock()
	s.duplicatePieces++
	s.mu.Unlock()
}

// sampleDownloadRate recomputes the bytes/sec downloaded from this peer
// since the last sample, intended to be called once per choke tick.
func (s *peerStats) sampleDownloadRate(dt time.Duration) {
	s.mu.Lock()
	delta := s.bytesDownloaded - s.prevBytesDownloaded
	s.prevBytesDownloaded = s.bytesDownloaded
	if dt > 0 {
		s.downloadRate = float64(delta) / dt.Seconds()
	} else {
		s.downloadRate = 0
	}
	s.mu.Unlock()
}

func (s *peerStats) DownloadRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadRate
}
