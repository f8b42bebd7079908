package torrentd

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/riftwire/torrent/core"
	"github.com/riftwire/torrent/peerwire"
)

// Client listens for inbound peer connections on one TCP port and routes
// each handshake to whichever supervised Torrent matches its info hash,
// shared across every torrent this process is serving.
type Client struct {
	localPeerID core.PeerID
	handshake   *peerwire.Handshaker
	listener    net.Listener
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	torrents map[core.InfoHash]*Torrent

	done chan struct{}
	once sync.Once
}

// NewClient creates a Client identified by localPeerID, listening on port.
func NewClient(port int, localPeerID core.PeerID, logger *zap.SugaredLogger) (*Client, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("torrentd: listen: %s", err)
	}
	c := &Client{
		localPeerID: localPeerID,
		handshake:   peerwire.NewHandshaker(localPeerID, peerwire.NewReserved(true, true, false)),
		listener:    ln,
		logger:      logger,
		torrents:    make(map[core.InfoHash]*Torrent),
		done:        make(chan struct{}),
	}
	go c.acceptLoop()
	return c, nil
}

// Register adds t to the set of torrents this Client will route inbound
// handshakes to.
func (c *Client) Register(t *Torrent) {
	c.mu.Lock()
	c.torrents[t.InfoHash()] = t
	c.mu.Unlock()
}

// Unregister removes a torrent, e.g. after it is stopped.
func (c *Client) Unregister(infoHash core.InfoHash) {
	c.mu.Lock()
	delete(c.torrents, infoHash)
	c.mu.Unlock()
}

func (c *Client) acceptLoop() {
	for {
		nc, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
				continue
			}
		}
		go c.handle(nc)
	}
}

func (c *Client) handle(nc net.Conn) {
	pc, err := c.handshake.Accept(nc)
	if err != nil {
		nc.Close()
		return
	}

	c.mu.Lock()
	t, ok := c.torrents[pc.InfoHash()]
	c.mu.Unlock()

	if !ok {
		pc.Close()
		return
	}
	t.Accept(pc)
}

// Close stops accepting new connections.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.listener.Close()
	})
	return err
}
