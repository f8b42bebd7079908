package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
)

// udpConnectTimeout is the per-attempt deadline BEP 15 specifies for the
// connect phase; udpConnectRetries is how many additional attempts follow
// a timed-out or short connect response.
const (
	udpConnectTimeout = 5 * time.Second
	udpConnectRetries = 2
)

// protocolID is the magic constant BEP 15 uses to distinguish a connect
// request from garbage UDP traffic.
const protocolID uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// ErrTrackerError is returned when the tracker replies with an error
// packet; the message is included.
type ErrTrackerError string

func (e ErrTrackerError) Error() string { return "tracker: " + string(e) }

// UDPTracker announces to a single BEP 15 UDP tracker endpoint.
type UDPTracker struct {
	addr    string
	timeout time.Duration
}

// NewUDPTracker creates a UDPTracker for the given "host:port" endpoint.
func NewUDPTracker(addr string, timeout time.Duration) *UDPTracker {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &UDPTracker{addr: addr, timeout: timeout}
}

// Announce performs the connect+announce round trip defined by BEP 15.
func (t *UDPTracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	conn, err := net.DialTimeout("udp", t.addr, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial: %s", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.timeout))

	connID, err := udpConnect(conn)
	if err != nil {
		return nil, err
	}

	return udpAnnounce(conn, connID, req)
}

func randomTransactionID() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// udpConnect runs the BEP 15 connect phase, retrying up to udpConnectRetries
// times with a udpConnectTimeout deadline per attempt. A tracker error
// packet is permanent and is never retried.
func udpConnect(conn net.Conn) (uint64, error) {
	var connID uint64
	attempt := func() error {
		conn.SetDeadline(time.Now().Add(udpConnectTimeout))
		id, err := udpConnectOnce(conn)
		if err != nil {
			if _, ok := err.(ErrTrackerError); ok {
				return backoff.Permanent(err)
			}
			return err
		}
		connID = id
		return nil
	}

	policy := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, udpConnectRetries)
	if err := backoff.Retry(attempt, policy); err != nil {
		if perr, ok := err.(*backoff.PermanentError); ok {
			return 0, perr.Err
		}
		return 0, err
	}
	return connID, nil
}

func udpConnectOnce(conn net.Conn) (uint64, error) {
	txID := randomTransactionID()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("tracker: write connect: %s", err)
	}

	resp := make([]byte, 1024)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, fmt.Errorf("tracker: read connect: %s", err)
	}
	if n < 8 {
		return 0, errors.New("tracker: short connect response")
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return 0, errors.New("tracker: transaction id mismatch")
	}
	if action == actionError {
		return 0, ErrTrackerError(string(resp[8:n]))
	}
	if action != actionConnect {
		return 0, fmt.Errorf("tracker: unexpected action %d", action)
	}
	if n < 16 {
		return 0, errors.New("tracker: short connect response")
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(conn net.Conn, connID uint64, req AnnounceRequest) (*AnnounceResponse, error) {
	txID := randomTransactionID()

	key := randomTransactionID()
	numWant := int32(req.NumWant)
	if numWant == 0 {
		numWant = -1
	}

	pkt := make([]byte, 98)
	binary.BigEndian.PutUint64(pkt[0:8], connID)
	binary.BigEndian.PutUint32(pkt[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:16], txID)
	copy(pkt[16:36], req.InfoHash.Bytes())
	copy(pkt[36:56], req.PeerID.Bytes())
	binary.BigEndian.PutUint64(pkt[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(pkt[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(pkt[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(pkt[80:84], udpEventCode(req.Event))
	// IP address: 0 means "use the sender's source address".
	binary.BigEndian.PutUint32(pkt[84:88], 0)
	binary.BigEndian.PutUint32(pkt[88:92], key)
	binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(pkt[96:98], req.Port)

	if _, err := conn.Write(pkt); err != nil {
		return nil, fmt.Errorf("tracker: write announce: %s", err)
	}

	buf := make([]byte, 20+6*1000)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tracker: read announce: %s", err)
	}
	if n < 8 {
		return nil, errors.New("tracker: short announce response")
	}

	action := binary.BigEndian.Uint32(buf[0:4])
	gotTxID := binary.BigEndian.Uint32(buf[4:8])
	if gotTxID != txID {
		return nil, errors.New("tracker: transaction id mismatch")
	}
	if action == actionError {
		return nil, ErrTrackerError(string(buf[8:n]))
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("tracker: unexpected action %d", action)
	}
	if n < 20 {
		return nil, errors.New("tracker: short announce response")
	}

	resp := &AnnounceResponse{
		Interval:   time.Duration(binary.BigEndian.Uint32(buf[8:12])) * time.Second,
		Incomplete: int(binary.BigEndian.Uint32(buf[12:16])),
		Complete:   int(binary.BigEndian.Uint32(buf[16:20])),
		Peers:      decodeCompactPeers(string(buf[20:n]), 4),
	}
	return resp, nil
}

func udpEventCode(event string) uint32 {
	switch event {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}
