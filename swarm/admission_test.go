package swarm

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/riftwire/torrent/core"
)

func newTestAdmission(t *testing.T, clk clock.Clock, config Config) (*admission, core.PeerID) {
	t.Helper()
	local, err := core.RandomPeerID()
	require.NoError(t, err)
	return newAdmission(config.applyDefaults(), clk, local), local
}

func TestAdmissionRefusesSelf(t *testing.T) {
	clk := clock.NewMock()
	a, local := newTestAdmission(t, clk, Config{})
	require.ErrorIs(t, a.AddPending("10.0.0.1:6881", local, nil), ErrLocalPeer)
}

func TestAdmissionActivateRefusesSelf(t *testing.T) {
	clk := clock.NewMock()
	a, local := newTestAdmission(t, clk, Config{})
	require.NoError(t, a.AddPending("10.0.0.1:6881", core.PeerID{}, nil))
	require.ErrorIs(t, a.Activate("10.0.0.1:6881", local), ErrLocalPeer)
}

func TestAdmissionEnforcesCapacity(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	config := Config{MaxConnections: 1}
	a, _ := newTestAdmission(t, clk, config)

	p1, err := core.RandomPeerID()
	require.NoError(err)
	p2, err := core.RandomPeerID()
	require.NoError(err)

	require.NoError(a.AddPending("10.0.0.1:6881", p1, nil))
	require.ErrorIs(a.AddPending("10.0.0.2:6881", p2, nil), ErrAtCapacity)
}

func TestAdmissionRejectsDuplicatePending(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	a, _ := newTestAdmission(t, clk, Config{MaxConnections: 10})

	p1, err := core.RandomPeerID()
	require.NoError(err)

	require.NoError(a.AddPending("10.0.0.1:6881", p1, nil))
	require.ErrorIs(a.AddPending("10.0.0.1:6881", p1, nil), ErrAlreadyPending)
}

func TestAdmissionRejectsConnectAttemptToConnectedEndpoint(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	a, _ := newTestAdmission(t, clk, Config{MaxConnections: 10})

	p1, err := core.RandomPeerID()
	require.NoError(err)

	require.NoError(a.CanAttempt("10.0.0.1:6881"))
	require.NoError(a.AddPending("10.0.0.1:6881", p1, nil))
	require.NoError(a.Activate("10.0.0.1:6881", p1))

	// A different peer id behind the same endpoint must still be refused:
	// admission keys on the endpoint, not the (not-yet-known) peer id.
	require.ErrorIs(a.CanAttempt("10.0.0.1:6881"), ErrAlreadyConnected)
}

func TestAdmissionEnforcesMaxHalfOpen(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	config := Config{MaxConnections: 10, MaxHalfOpen: 1}
	a, _ := newTestAdmission(t, clk, config)

	require.NoError(a.AddPending("10.0.0.1:6881", core.PeerID{}, nil))
	require.Equal(1, a.HalfOpen())

	err := a.AddPending("10.0.0.2:6881", core.PeerID{}, nil)
	require.ErrorIs(err, ErrTooManyHalfOpen)

	// Activating the first reservation frees its half-open slot.
	p1, err := core.RandomPeerID()
	require.NoError(err)
	require.NoError(a.Activate("10.0.0.1:6881", p1))
	require.Equal(0, a.HalfOpen())

	require.NoError(a.AddPending("10.0.0.2:6881", core.PeerID{}, nil))
}

func TestAdmissionDeletePendingFreesHalfOpenSlot(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	config := Config{MaxConnections: 10, MaxHalfOpen: 1}
	a, _ := newTestAdmission(t, clk, config)

	require.NoError(a.AddPending("10.0.0.1:6881", core.PeerID{}, nil))
	a.DeletePending("10.0.0.1:6881")
	require.Equal(0, a.HalfOpen())
	require.Equal(0, a.Count())

	require.NoError(a.AddPending("10.0.0.2:6881", core.PeerID{}, nil))
}

func TestAdmissionLifecycle(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	a, _ := newTestAdmission(t, clk, Config{MaxConnections: 10})

	p1, err := core.RandomPeerID()
	require.NoError(err)

	require.NoError(a.AddPending("10.0.0.1:6881", p1, nil))
	require.Equal(1, a.Count())
	require.NoError(a.Activate("10.0.0.1:6881", p1))
	require.Equal(1, a.Count())
	a.Remove("10.0.0.1:6881")
	require.Equal(0, a.Count())
}

func TestAdmissionFailedEndpointRetryDelay(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	config := Config{MaxConnections: 10, FailedConnRetryDelay: time.Minute}
	a, _ := newTestAdmission(t, clk, config)

	addr := "10.0.0.1:6881"
	a.MarkFailed(addr)
	require.ErrorIs(a.CanAttempt(addr), ErrRecentlyFailed)

	clk.Add(2 * time.Minute)
	require.NoError(a.CanAttempt(addr))
}

func TestAdmissionKnownPeersBoundedFIFO(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	config := Config{MaxConnections: 10, MaxKnownPeers: 2}
	a, _ := newTestAdmission(t, clk, config)

	p1, _ := core.RandomPeerID()
	p2, _ := core.RandomPeerID()
	p3, _ := core.RandomPeerID()

	a.AddKnown(p1)
	a.AddKnown(p2)
	a.AddKnown(p3)

	known := a.KnownPeers()
	require.Len(known, 2)
	require.NotContains(known, p1)
	require.Contains(known, p2)
	require.Contains(known, p3)
}

func TestAdmissionTooManyMutualConns(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	config := Config{MaxConnections: 10, MaxMutualConnections: 1}
	a, _ := newTestAdmission(t, clk, config)

	n1, _ := core.RandomPeerID()
	n2, _ := core.RandomPeerID()
	n3, _ := core.RandomPeerID()
	require.NoError(a.AddPending("10.0.0.1:6881", n1, nil))
	require.NoError(a.Activate("10.0.0.1:6881", n1))
	require.NoError(a.AddPending("10.0.0.2:6881", n2, nil))
	require.NoError(a.Activate("10.0.0.2:6881", n2))

	newPeerID, _ := core.RandomPeerID()
	err := a.AddPending("10.0.0.3:6881", newPeerID, []core.PeerID{n1, n2, n3})
	require.ErrorIs(err, ErrTooManyMutualConns)
}
