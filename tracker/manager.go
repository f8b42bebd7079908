package tracker

import (
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/riftwire/torrent/core"
)

// announcer is satisfied by both HTTPTracker and UDPTracker.
type announcer interface {
	Announce(req AnnounceRequest) (*AnnounceResponse, error)
}

func newAnnouncer(rawURL string, timeout time.Duration) announcer {
	if strings.HasPrefix(rawURL, "udp://") {
		addr := strings.TrimPrefix(rawURL, "udp://")
		addr = strings.TrimSuffix(addr, "/announce")
		return NewUDPTracker(addr, timeout)
	}
	return NewHTTPTracker(rawURL, timeout)
}

// Manager fans an announce out in parallel across every tracker URL in a
// torrent's tracker list, on the engine's fixed cadence: immediately, again
// at +5s and +10s, then every 15s thereafter. Discovered peers are
// deduplicated and delivered to OnPeers as they arrive.
type Manager struct {
	clk       clock.Clock
	logger    *zap.SugaredLogger
	trackers  []announcer
	infoHash  core.InfoHash
	peerID    core.PeerID
	port      uint16
	getStats  func() (downloaded, left, uploaded int64)
	stats     tally.Scope
	OnPeers   func([]PeerAddr)

	mu   sync.Mutex
	seen map[string]bool
	fifo []string

	done chan struct{}
	once sync.Once
}

const maxSeenPeers = 5000

// NewManager creates a Manager for the given list of tracker announce URLs.
func NewManager(
	urls []string,
	infoHash core.InfoHash,
	peerID core.PeerID,
	port uint16,
	getStats func() (downloaded, left, uploaded int64),
	clk clock.Clock,
	logger *zap.SugaredLogger,
	stats tally.Scope) *Manager {

	if stats == nil {
		stats = tally.NoopScope
	}

	trackers := make([]announcer, 0, len(urls))
	for _, u := range urls {
		trackers = append(trackers, newAnnouncer(u, 15*time.Second))
	}

	return &Manager{
		clk:      clk,
		logger:   logger,
		trackers: trackers,
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		getStats: getStats,
		stats:    stats,
		seen:     make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Start launches the announce cadence loop in a new goroutine.
func (m *Manager) Start() {
	go m.run()
}

// Stop halts further announces.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *Manager) run() {
	m.announceAll(EventStarted)

	// Successive waits between warm-up announces: +5s, then +10s from start.
	schedule := []time.Duration{5 * time.Second, 5 * time.Second}
	for _, d := range schedule {
		select {
		case <-m.clk.After(d):
			m.announceAll(EventNone)
		case <-m.done:
			return
		}
	}

	ticker := m.clk.Tick(15 * time.Second)
	for {
		select {
		case <-ticker:
			m.announceAll(EventNone)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) announceAll(event string) {
	downloaded, left, uploaded := m.getStats()
	req := AnnounceRequest{
		InfoHash:   m.infoHash,
		PeerID:     m.peerID,
		Port:       m.port,
		Downloaded: downloaded,
		Left:       left,
		Uploaded:   uploaded,
		Event:      event,
		NumWant:    50,
	}

	var wg sync.WaitGroup
	for _, t := range m.trackers {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := t.Announce(req)
			if err != nil {
				m.stats.Counter("announce_failures").Inc(1)
				if m.logger != nil {
					m.logger.Warnf("Tracker announce failed: %s", err)
				}
				return
			}
			m.stats.Counter("announce_successes").Inc(1)
			m.deliver(resp.Peers)
		}()
	}
	wg.Wait()
}

func (m *Manager) deliver(peers []PeerAddr) {
	m.mu.Lock()
	var fresh []PeerAddr
	for _, p := range peers {
		key := p.String()
		if m.seen[key] {
			continue
		}
		if len(m.fifo) >= maxSeenPeers {
			oldest := m.fifo[0]
			m.fifo = m.fifo[1:]
			delete(m.seen, oldest)
		}
		m.seen[key] = true
		m.fifo = append(m.fifo, key)
		fresh = append(fresh, p)
	}
	m.mu.Unlock()

	m.stats.Counter("peers_discovered").Inc(int64(len(fresh)))
	if len(fresh) > 0 && m.OnPeers != nil {
		m.OnPeers(fresh)
	}
}
