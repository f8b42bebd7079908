package torrentd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/riftwire/torrent/core"
	"github.com/riftwire/torrent/dht"
	"github.com/riftwire/torrent/discovery"
	"github.com/riftwire/torrent/lsd"
	"github.com/riftwire/torrent/metrics"
	"github.com/riftwire/torrent/peerwire"
	"github.com/riftwire/torrent/pex"
	"github.com/riftwire/torrent/ratelimit"
	"github.com/riftwire/torrent/storage"
	"github.com/riftwire/torrent/swarm"
	"github.com/riftwire/torrent/tracker"
)

// State is a torrent's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateDownloading
	StateSeeding
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Callbacks is the external notification surface for a Torrent's lifecycle
// and progress, exposed verbatim from the underlying swarm.Torrent plus the
// state-transition hook.
type Callbacks struct {
	OnProgress         func(downloaded, total int64)
	OnPieceCompleted   func(index int)
	OnDownloadCompleted func()
	OnStateChanged     func(State)
	OnError            func(error)
}

// Torrent supervises one torrent's full lifecycle: storage, swarm, tracker
// announces, and (optionally) DHT/LSD/PEX discovery, all feeding a single
// discovery.Aggregator that drives outbound connection attempts.
type Torrent struct {
	config    Config
	meta      *core.Metadata
	store     *storage.Torrent
	swarm     *swarm.Torrent
	handshake *peerwire.Handshaker
	callbacks Callbacks
	logger    *zap.SugaredLogger

	aggregator *discovery.Aggregator
	trackerMgr *tracker.Manager
	dhtClient  *dht.Client
	lsdClient  *lsd.Client

	statsCloser io.Closer

	mu    sync.Mutex
	state State

	done chan struct{}
	once sync.Once
}

// New opens storage for meta under dir, verifies any existing data, and
// constructs (but does not start) a supervised Torrent.
func New(
	config Config,
	meta *core.Metadata,
	dir string,
	localPeerID core.PeerID,
	callbacks Callbacks,
	clk clock.Clock,
	logger *zap.SugaredLogger) (*Torrent, error) {

	config = config.applyDefaults()

	store, err := storage.Open(dir, meta)
	if err != nil {
		return nil, fmt.Errorf("torrentd: open storage: %s", err)
	}
	if _, err := store.VerifyExisting(); err != nil {
		return nil, fmt.Errorf("torrentd: verify existing: %s", err)
	}

	reserved := peerwire.NewReserved(true, config.EnableDHT, false)
	handshake := peerwire.NewHandshaker(localPeerID, reserved)

	config.Swarm.EnablePEX = config.EnablePEX

	down := ratelimit.New(config.Down)
	up := ratelimit.New(config.Up)

	stats, statsCloser, err := metrics.New(config.Metrics)
	if err != nil {
		return nil, fmt.Errorf("torrentd: init metrics: %s", err)
	}
	stats = stats.Tagged(map[string]string{"info_hash": meta.InfoHash.String()})

	t := &Torrent{
		config:      config,
		meta:        meta,
		store:       store,
		handshake:   handshake,
		callbacks:   callbacks,
		logger:      logger,
		aggregator:  discovery.New(meta.InfoHash),
		state:       StateStopped,
		statsCloser: statsCloser,
		done:        make(chan struct{}),
	}

	t.swarm = swarm.New(config.Swarm, clk, store, handshake, down, up, swarm.Callbacks{
		OnProgress:         callbacks.OnProgress,
		OnPieceCompleted:   callbacks.OnPieceCompleted,
		OnDownloadComplete: t.onDownloadComplete,
		OnPexPeers:         t.onPexPeers,
		OnError:            callbacks.OnError,
	}, logger, stats)

	t.aggregator.OnPeer = func(c discovery.Contact) {
		t.swarm.Connect(net.JoinHostPort(c.IP.String(), itoa(c.Port)))
	}

	t.trackerMgr = tracker.NewManager(
		meta.Trackers, meta.InfoHash, localPeerID, uint16(config.ListenPort),
		t.trackerStats, clk, logger, stats)
	t.trackerMgr.OnPeers = func(peers []tracker.PeerAddr) {
		contacts := make([]discovery.Contact, len(peers))
		for i, p := range peers {
			contacts[i] = discovery.Contact{IP: p.IP, Port: int(p.Port), Source: discovery.SourceTracker}
		}
		t.aggregator.Submit(contacts)
	}

	if config.EnableDHT {
		if dc, err := dht.New(localPeerID, logger); err == nil {
			t.dhtClient = dc
		}
	}
	if config.EnableLSD {
		if lc, err := lsd.New(config.ListenPort, localPeerID.String()); err == nil {
			lc.OnPeer = func(p lsd.Peer) {
				if p.InfoHash != meta.InfoHash {
					return
				}
				t.aggregator.Submit([]discovery.Contact{{IP: p.IP, Port: p.Port, Source: discovery.SourceLSD}})
			}
			lc.Track(meta.InfoHash)
			t.lsdClient = lc
		}
	}

	t.setState(StateStopped)
	return t, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (t *Torrent) trackerStats() (downloaded, left, uploaded int64) {
	bf := t.store.Bitfield()
	var done int64
	for i := 0; i < t.store.NumPieces(); i++ {
		if bf.Get(i) {
			done += t.store.PieceLength(i)
		}
	}
	return done, t.store.Length() - done, 0
}

// Start begins announcing and accepting/initiating connections.
func (t *Torrent) Start() {
	t.setState(t.stateForCompletion())
	t.trackerMgr.Start()
	if t.dhtClient != nil {
		go t.dhtClient.Bootstrap()
		go t.dhtLoop()
	}
	if t.lsdClient != nil {
		go t.lsdClient.Run()
	}
}

func (t *Torrent) dhtLoop() {
	ticker := time.NewTicker(t.config.DHTLookupTTL * 6)
	defer ticker.Stop()
	lookup := func() {
		contacts := t.dhtClient.FindPeers(t.meta.InfoHash, t.config.DHTLookupTTL)
		out := make([]discovery.Contact, len(contacts))
		for i, c := range contacts {
			out[i] = discovery.Contact{IP: c.IP, Port: c.Port, Source: discovery.SourceDHT}
		}
		t.aggregator.Submit(out)
	}
	lookup()
	for {
		select {
		case <-ticker.C:
			lookup()
		case <-t.done:
			return
		}
	}
}

// onPexPeers submits peers learned from ut_pex (BEP 11) to the discovery
// aggregator, same as any other source.
func (t *Torrent) onPexPeers(peers []pex.Peer) {
	contacts := make([]discovery.Contact, len(peers))
	for i, p := range peers {
		contacts[i] = discovery.Contact{IP: p.IP, Port: int(p.Port), Source: discovery.SourcePEX}
	}
	t.aggregator.Submit(contacts)
}

func (t *Torrent) onDownloadComplete() {
	t.setState(StateSeeding)
	if t.callbacks.OnDownloadCompleted != nil {
		t.callbacks.OnDownloadCompleted()
	}
}

func (t *Torrent) stateForCompletion() State {
	if t.store.Complete() {
		return StateSeeding
	}
	return StateDownloading
}

func (t *Torrent) setState(s State) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed && t.callbacks.OnStateChanged != nil {
		t.callbacks.OnStateChanged(s)
	}
}

// State returns the current lifecycle state.
func (t *Torrent) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Accept admits an inbound PendingConn already matched to this torrent's
// info hash.
func (t *Torrent) Accept(pc *peerwire.PendingConn) {
	t.swarm.Accept(pc)
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.meta.InfoHash
}

// Stop tears down the swarm, discovery sources, and storage handles.
func (t *Torrent) Stop() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.trackerMgr.Stop()
		if t.dhtClient != nil {
			t.dhtClient.Close()
		}
		if t.lsdClient != nil {
			t.lsdClient.Close()
		}
		t.swarm.Stop()
		err = t.store.Close()
		if t.statsCloser != nil {
			t.statsCloser.Close()
		}
		t.setState(StateStopped)
	})
	if err != nil {
		return errors.New("torrentd: " + err.Error())
	}
	return nil
}
