package dht

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riftwire/torrent/core"
)

// bootstrapRouters are well-known DHT bootstrap nodes used to seed an empty
// table on startup.
var bootstrapRouters = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

const maxPendingQueries = 500
const pendingStaleAfter = 30 * time.Second

type pendingQuery struct {
	sentAt time.Time
	onResp func(message)
}

// Client is a minimal DHT client: it can bootstrap its node table and
// locate peers for a given info hash via get_peers, but does not answer
// incoming queries or serve as a routing hop for other nodes.
type Client struct {
	selfID nodeID
	conn   *net.UDPConn
	logger *zap.SugaredLogger

	table *table

	mu      sync.Mutex
	pending map[uint16]*pendingQuery
	nextTx  uint16

	done chan struct{}
	once sync.Once
}

// New creates a Client bound to an ephemeral UDP port.
func New(selfID core.PeerID, logger *zap.SugaredLogger) (*Client, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	var id nodeID
	copy(id[:], selfID.Bytes())

	c := &Client{
		selfID:  id,
		conn:    conn,
		logger:  logger,
		table:   newTable(),
		pending: make(map[uint16]*pendingQuery),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.evictStaleLoop()
	return c, nil
}

// Close shuts the client down.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NumNodes returns the size of the node table.
func (c *Client) NumNodes() int {
	return c.table.Len()
}

func (c *Client) nextTxID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTx++
	return c.nextTx
}

func (c *Client) send(addr string, m message, onResp func(message)) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}

	txID := c.nextTxID()
	var txBuf [2]byte
	binary.BigEndian.PutUint16(txBuf[:], txID)
	m.T = string(txBuf[:])

	data, err := encodeMessage(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if len(c.pending) >= maxPendingQueries {
		c.evictOldestLocked()
	}
	c.pending[txID] = &pendingQuery{sentAt: time.Now(), onResp: onResp}
	c.mu.Unlock()

	_, err = c.conn.WriteToUDP(data, raddr)
	return err
}

func (c *Client) evictOldestLocked() {
	var oldestTx uint16
	var oldestAt time.Time
	first := true
	for tx, q := range c.pending {
		if first || q.sentAt.Before(oldestAt) {
			oldestTx, oldestAt, first = tx, q.sentAt, false
		}
	}
	if !first {
		delete(c.pending, oldestTx)
	}
}

func (c *Client) evictStaleLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for tx, q := range c.pending {
				if now.Sub(q.sentAt) > pendingStaleAfter {
					delete(c.pending, tx)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
				continue
			}
		}
		m, err := decodeMessage(buf[:n])
		if err != nil || len(m.T) != 2 {
			continue
		}
		txID := binary.BigEndian.Uint16([]byte(m.T))

		c.mu.Lock()
		q, ok := c.pending[txID]
		if ok {
			delete(c.pending, txID)
		}
		c.mu.Unlock()

		if ok && q.onResp != nil {
			q.onResp(m)
		}
	}
}

func randomTarget() nodeID {
	var id nodeID
	rand.Read(id[:])
	return id
}

// Bootstrap seeds the node table from the well-known routers, then runs a
// self find_node lookup against each (200ms apart) to pull in their
// neighbors.
func (c *Client) Bootstrap() {
	for i, addr := range bootstrapRouters {
		if i > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		c.findNode(addr, c.selfID)
	}
}

func (c *Client) findNode(addr string, target nodeID) {
	m := message{
		Y: typeQuery,
		Q: methodFindNode,
		A: &queryArgs{ID: string(c.selfID[:]), Target: string(target[:])},
	}
	c.send(addr, m, func(resp message) {
		if resp.R == nil {
			return
		}
		for _, n := range decodeCompactNodes(resp.R.Nodes) {
			c.table.Add(n)
		}
	})
}

// FindPeers runs a get_peers lookup against up to 100 known nodes (10ms
// apart) for infoHash, returning within timeout with whatever peers
// responded in time.
func (c *Client) FindPeers(infoHash core.InfoHash, timeout time.Duration) []PeerContact {
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	nodes := c.table.Snapshot()
	if len(nodes) > 100 {
		nodes = nodes[:100]
	}

	var mu sync.Mutex
	var found []PeerContact
	var wg sync.WaitGroup

	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n Node) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)

			done := make(chan struct{})
			m := message{
				Y: typeQuery,
				Q: methodGetPeers,
				A: &queryArgs{ID: string(c.selfID[:]), InfoHash: string(infoHash[:])},
			}
			c.send(n.addr(), m, func(resp message) {
				defer close(done)
				if resp.R == nil {
					return
				}
				for _, n := range decodeCompactNodes(resp.R.Nodes) {
					c.table.Add(n)
				}
				mu.Lock()
				for _, v := range resp.R.Values {
					if p, ok := decodeCompactPeer(v); ok {
						found = append(found, p)
					}
				}
				mu.Unlock()
			})

			select {
			case <-done:
			case <-time.After(timeout):
			}
		}(i, n)
	}

	wait := make(chan struct{})
	go func() { wg.Wait(); close(wait) }()
	select {
	case <-wait:
	case <-time.After(timeout):
	}

	mu.Lock()
	defer mu.Unlock()
	return found
}

// PeerContact is a peer endpoint discovered via get_peers.
type PeerContact struct {
	IP   net.IP
	Port int
}

func decodeCompactPeer(raw string) (PeerContact, bool) {
	if len(raw) != 6 {
		return PeerContact{}, false
	}
	b := []byte(raw)
	ip := net.IP(append([]byte(nil), b[0:4]...))
	port := int(b[4])<<8 | int(b[5])
	return PeerContact{IP: ip, Port: port}, true
}
