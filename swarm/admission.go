// Package swarm schedules peer connections and piece exchange for a single
// torrent, adapted from connstate.State's pending/active connection
// bookkeeping and scheduler.Scheduler's single-owner event loop.
package swarm

import (
	"errors"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/riftwire/torrent/core"
)

// Admission errors.
var (
	ErrAtCapacity         = errors.New("swarm: connection capacity reached")
	ErrAlreadyPending     = errors.New("swarm: connection already pending")
	ErrAlreadyConnected   = errors.New("swarm: already connected to endpoint")
	ErrTooManyMutualConns = errors.New("swarm: peer has too many mutual connections")
	ErrRecentlyFailed     = errors.New("swarm: endpoint recently failed, retry delayed")
	ErrLocalPeer          = errors.New("swarm: refusing to connect to self")
	ErrTooManyHalfOpen    = errors.New("swarm: too many half-open connection attempts")
)

type connStatus int

const (
	statusPending connStatus = iota
	statusActive
)

type admissionEntry struct {
	status connStatus
	peerID core.PeerID
}

type failedEntry struct {
	at time.Time
}

// admission tracks, per torrent, which endpoints are pending/active and
// which have recently failed, enforcing connection and half-open caps. It
// is keyed by "ip:port" rather than peer id, since an endpoint is known
// before the handshake completes but a peer id is not: keying by peer id
// would let a new outbound dial to an already-connected endpoint slip
// through while its peer id is still unknown. Not thread-safe: the owning
// Torrent serializes access to it via its event loop.
type admission struct {
	config      Config
	clk         clock.Clock
	localPeerID core.PeerID

	conns    map[string]admissionEntry
	halfOpen int

	failed  map[string]failedEntry
	known   []core.PeerID
	knownOK map[core.PeerID]bool
}

func newAdmission(config Config, clk clock.Clock, localPeerID core.PeerID) *admission {
	return &admission{
		config:      config,
		clk:         clk,
		localPeerID: localPeerID,
		conns:       make(map[string]admissionEntry),
		failed:      make(map[string]failedEntry),
		knownOK:     make(map[core.PeerID]bool),
	}
}

func (a *admission) numMutual(neighbors []core.PeerID) int {
	if len(neighbors) == 0 {
		return 0
	}
	want := make(map[core.PeerID]bool, len(neighbors))
	for _, id := range neighbors {
		want[id] = true
	}
	var n int
	for _, e := range a.conns {
		if want[e.peerID] {
			n++
		}
	}
	return n
}

// CanAttempt reports whether addr is eligible for a fresh connection
// attempt: not already pending or active, and not within its failed-retry
// delay.
func (a *admission) CanAttempt(addr string) error {
	if _, ok := a.conns[addr]; ok {
		return ErrAlreadyConnected
	}
	if e, ok := a.failed[addr]; ok {
		if a.clk.Now().Sub(e.at) < a.config.FailedConnRetryDelay {
			return ErrRecentlyFailed
		}
		delete(a.failed, addr)
	}
	return nil
}

// AddPending reserves capacity for an attempt to addr, counting it as
// half-open until Activate or DeletePending resolves it. peerID may be the
// zero value when not yet known (an outbound dial reserves before its
// handshake completes); neighbors is the peer's advertised neighbor list,
// used for the mutual-connection cap, and may be nil when unknown.
func (a *admission) AddPending(addr string, peerID core.PeerID, neighbors []core.PeerID) error {
	if peerID != (core.PeerID{}) && peerID == a.localPeerID {
		return ErrLocalPeer
	}
	if _, ok := a.conns[addr]; ok {
		return ErrAlreadyPending
	}
	if len(a.conns) >= a.config.MaxConnections {
		return ErrAtCapacity
	}
	if a.halfOpen >= a.config.MaxHalfOpen {
		return ErrTooManyHalfOpen
	}
	if a.numMutual(neighbors) > a.config.MaxMutualConnections {
		return ErrTooManyMutualConns
	}
	a.conns[addr] = admissionEntry{status: statusPending, peerID: peerID}
	a.halfOpen++
	return nil
}

// DeletePending releases a reservation that never became active, e.g. a
// failed dial or handshake.
func (a *admission) DeletePending(addr string) {
	if e, ok := a.conns[addr]; ok && e.status == statusPending {
		delete(a.conns, addr)
		a.halfOpen--
	}
}

// Activate transitions addr's reservation to active, recording its now-known
// peer id.
func (a *admission) Activate(addr string, peerID core.PeerID) error {
	if peerID == a.localPeerID {
		return ErrLocalPeer
	}
	if e, ok := a.conns[addr]; ok && e.status == statusPending {
		a.halfOpen--
	}
	a.conns[addr] = admissionEntry{status: statusActive, peerID: peerID}
	return nil
}

// Remove drops addr from the connection set entirely.
func (a *admission) Remove(addr string) {
	if e, ok := a.conns[addr]; ok {
		if e.status == statusPending {
			a.halfOpen--
		}
		delete(a.conns, addr)
	}
}

// Count returns the number of pending plus active connections.
func (a *admission) Count() int {
	return len(a.conns)
}

// HalfOpen returns the number of connections still in the pending state.
func (a *admission) HalfOpen() int {
	return a.halfOpen
}

// MarkFailed records that addr failed to connect, so it is excluded from
// reattempts for FailedConnRetryDelay.
func (a *admission) MarkFailed(addr string) {
	a.failed[addr] = failedEntry{at: a.clk.Now()}
}

// AddKnown appends peerID to the bounded FIFO of known-but-unconnected
// peers, evicting the oldest entry if at capacity.
func (a *admission) AddKnown(peerID core.PeerID) {
	if a.knownOK[peerID] {
		return
	}
	if len(a.known) >= a.config.MaxKnownPeers {
		oldest := a.known[0]
		a.known = a.known[1:]
		delete(a.knownOK, oldest)
	}
	a.known = append(a.known, peerID)
	a.knownOK[peerID] = true
}

// KnownPeers returns a snapshot of known-but-unconnected peers.
func (a *admission) KnownPeers() []core.PeerID {
	out := make([]core.PeerID, len(a.known))
	copy(out, a.known)
	return out
}
