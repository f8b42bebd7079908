package peerwire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/riftwire/torrent/core"
	"github.com/riftwire/torrent/lib/torrent/bencode"
)

// Events is implemented by the owner of a Conn (the swarm) to observe its
// lifecycle.
type Events interface {
	ConnClosed(*Conn)
}

// Conn is a single peer-wire connection: one reader goroutine delivering
// messages in wire order, one sender goroutine serializing writes so
// partial frames never interleave, matching conn.Conn's shape but speaking
// the real BEP 3 wire format instead of protobuf.
type Conn struct {
	nc          net.Conn
	peerID      core.PeerID
	infoHash    core.InfoHash
	reserved    Reserved
	createdAt   time.Time

	mu           sync.Mutex
	amChoking    bool
	amInterested bool
	peerChoking  bool
	peerInterested bool
	lastActivity time.Time
	pexExtID     byte
	pexNegotiated bool
	closeErr     error

	sender   chan *Message
	receiver chan *Message
	closed   *atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup

	events Events
}

func newConn(nc net.Conn, peerID core.PeerID, infoHash core.InfoHash, remoteReserved Reserved, ourBitfield []byte) (*Conn, error) {
	c := &Conn{
		nc:           nc,
		peerID:       peerID,
		infoHash:     infoHash,
		reserved:     remoteReserved,
		createdAt:    time.Now(),
		amChoking:    true,
		peerChoking:  true,
		lastActivity: time.Now(),
		sender:       make(chan *Message, 128),
		receiver:     make(chan *Message, 128),
		closed:       atomic.NewBool(false),
		done:         make(chan struct{}),
	}

	if remoteReserved.SupportsExtension() {
		if err := c.sendRaw(extensionHandshakeMessage()); err != nil {
			nc.Close()
			return nil, err
		}
	}
	// Always send our bitfield, even if empty.
	if err := c.sendRaw(NewBitfield(ourBitfield)); err != nil {
		nc.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// SetEvents wires the owner's lifecycle observer. Must be called before the
// connection can close meaningfully; safe to call once.
func (c *Conn) SetEvents(e Events) {
	c.events = e
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID {
	return c.peerID
}

// RemoteAddr returns the underlying socket's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Err returns the error that caused the connection to close, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// InfoHash returns the torrent info hash this connection belongs to.
func (c *Conn) InfoHash() core.InfoHash {
	return c.infoHash
}

// AmChoking, AmInterested, PeerChoking, PeerInterested report local protocol
// state.
func (c *Conn) AmChoking() bool      { c.mu.Lock(); defer c.mu.Unlock(); return c.amChoking }
func (c *Conn) AmInterested() bool   { c.mu.Lock(); defer c.mu.Unlock(); return c.amInterested }
func (c *Conn) PeerChoking() bool    { c.mu.Lock(); defer c.mu.Unlock(); return c.peerChoking }
func (c *Conn) PeerInterested() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.peerInterested }

func (c *Conn) setAmChoking(v bool)      { c.mu.Lock(); c.amChoking = v; c.mu.Unlock() }
func (c *Conn) setAmInterested(v bool)   { c.mu.Lock(); c.amInterested = v; c.mu.Unlock() }
func (c *Conn) setPeerChoking(v bool)    { c.mu.Lock(); c.peerChoking = v; c.mu.Unlock() }
func (c *Conn) setPeerInterested(v bool) { c.mu.Lock(); c.peerInterested = v; c.mu.Unlock() }

// PexExtID returns the negotiated ut_pex extension id and whether one was
// negotiated.
func (c *Conn) PexExtID() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pexExtID, c.pexNegotiated
}

// LastActivity returns the time of the last frame read (including
// keep-alives).
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Send enqueues msg for serialized delivery. Safe for concurrent use.
func (c *Conn) Send(msg *Message) error {
	if c.closed.Load() {
		return errors.New("peerwire: connection closed")
	}
	select {
	case c.sender <- msg:
		switch msg.ID {
		case MsgChoke:
			c.setAmChoking(true)
		case MsgUnchoke:
			c.setAmChoking(false)
		case MsgInterested:
			c.setAmInterested(true)
		case MsgNotInterested:
			c.setAmInterested(false)
		}
		return nil
	case <-c.done:
		return errors.New("peerwire: connection closed")
	}
}

// Receiver returns the channel of messages delivered in wire order.
func (c *Conn) Receiver() <-chan *Message {
	return c.receiver
}

// Close tears down the connection exactly once and notifies Events.
func (c *Conn) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	c.nc.Close()
	c.wg.Wait()
	close(c.receiver)
	if c.events != nil {
		c.events.ConnClosed(c)
	}
}

func (c *Conn) sendRaw(msg *Message) error {
	_, err := c.nc.Write(msg.encode())
	return err
}

func (c *Conn) setCloseErr(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.sender:
			if err := c.sendRaw(msg); err != nil {
				c.setCloseErr(err)
				go c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.readFrame()
		if err != nil {
			c.setCloseErr(err)
			go c.Close()
			return
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		if msg.KeepAlive {
			continue
		}

		switch msg.ID {
		case MsgChoke:
			c.setPeerChoking(true)
		case MsgUnchoke:
			c.setPeerChoking(false)
		case MsgInterested:
			c.setPeerInterested(true)
		case MsgNotInterested:
			c.setPeerInterested(false)
		case MsgExtended:
			if msg.ExtID == ExtHandshakeID {
				c.handleExtensionHandshake(msg.ExtPayload)
				continue
			}
		}

		select {
		case c.receiver <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readFrame() (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.nc, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxFrameLength {
		return nil, errOversizeFrame
	}
	if length == 0 {
		return &Message{KeepAlive: true}, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, err
	}
	return decodeBody(length, body)
}

type extHandshakePayload struct {
	M map[string]int `bencode:"m"`
}

func extensionHandshakeMessage() *Message {
	payload, _ := bencode.Marshal(extHandshakePayload{M: map[string]int{"ut_pex": 1}})
	return NewExtended(ExtHandshakeID, payload)
}

func (c *Conn) handleExtensionHandshake(payload []byte) {
	var eh extHandshakePayload
	if err := bencode.Unmarshal(payload, &eh); err != nil {
		return
	}
	if id, ok := eh.M["ut_pex"]; ok && id != 0 {
		c.mu.Lock()
		c.pexExtID = byte(id)
		c.pexNegotiated = true
		c.mu.Unlock()
	}
}
