// Package discovery fans in peer candidates from the tracker, DHT, LSD, and
// PEX sources into a single deduplicated stream per torrent.
package discovery

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/riftwire/torrent/core"
)

const maxDiscovered = 10000

// Source names a discovery channel, for logging/metrics only.
type Source string

const (
	SourceTracker Source = "tracker"
	SourceDHT     Source = "dht"
	SourceLSD     Source = "lsd"
	SourcePEX     Source = "pex"
)

// Contact is one discovered peer endpoint.
type Contact struct {
	IP     net.IP
	Port   int
	Source Source
}

func contactHash(c Contact) uint64 {
	buf := make([]byte, 0, 18)
	if ip4 := c.IP.To4(); ip4 != nil {
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, c.IP.To16()...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(c.Port))
	buf = append(buf, portBuf[:]...)
	return murmur3.Sum64(buf)
}

// Aggregator is the single sink for all discovery sources feeding one
// torrent: it deduplicates endpoints via a bounded, FIFO-evicted set keyed
// by a murmur3 hash of (ip, port), and guards against overlapping tracker
// announce batches.
type Aggregator struct {
	infoHash core.InfoHash
	OnPeer   func(Contact)

	mu       sync.Mutex
	seen     map[uint64]bool
	fifo     []uint64
	trackerBusy bool
}

// New creates an Aggregator for infoHash.
func New(infoHash core.InfoHash) *Aggregator {
	return &Aggregator{
		infoHash: infoHash,
		seen:     make(map[uint64]bool),
	}
}

// Submit delivers a batch of newly discovered contacts from one source,
// filtering out anything already seen.
func (a *Aggregator) Submit(contacts []Contact) {
	a.mu.Lock()
	var fresh []Contact
	for _, c := range contacts {
		h := contactHash(c)
		if a.seen[h] {
			continue
		}
		if len(a.fifo) >= maxDiscovered {
			oldest := a.fifo[0]
			a.fifo = a.fifo[1:]
			delete(a.seen, oldest)
		}
		a.seen[h] = true
		a.fifo = append(a.fifo, h)
		fresh = append(fresh, c)
	}
	a.mu.Unlock()

	if a.OnPeer != nil {
		for _, c := range fresh {
			a.OnPeer(c)
		}
	}
}

// TryBeginTrackerBatch reports whether a tracker announce batch may start;
// it returns false if one is already in flight, preventing overlapping
// announces from racing each other's peer delivery.
func (a *Aggregator) TryBeginTrackerBatch() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.trackerBusy {
		return false
	}
	a.trackerBusy = true
	return true
}

// EndTrackerBatch releases the tracker-batch reentrancy guard.
func (a *Aggregator) EndTrackerBatch() {
	a.mu.Lock()
	a.trackerBusy = false
	a.mu.Unlock()
}
