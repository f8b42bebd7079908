// Package swarm schedules peer connections, piece requests, and choking for
// a single torrent, adapted from scheduler.scheduler's single-owner event
// loop: all swarm state is only ever touched from one goroutine, reached by
// funneling every external call through an internal event channel instead
// of guarding fields with locks scattered across methods.
package swarm

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/riftwire/torrent/core"
	"github.com/riftwire/torrent/peerwire"
	"github.com/riftwire/torrent/pex"
	"github.com/riftwire/torrent/ratelimit"
	"github.com/riftwire/torrent/storage"
	"github.com/riftwire/torrent/swarm/picker"
	"github.com/riftwire/torrent/utils/syncutil"
)

// Callbacks is the external notification surface a Torrent reports its
// lifecycle events to.
type Callbacks struct {
	OnProgress         func(downloaded, total int64)
	OnPieceCompleted   func(index int)
	OnDownloadComplete func()
	OnPeerConnected    func(core.PeerID)
	OnPeerDisconnected func(core.PeerID)
	OnPexPeers         func([]pex.Peer)
	OnError            func(error)
}

// Torrent owns one torrent's swarm of peer connections, its piece picker,
// and its choke policy. All exported methods are safe for concurrent use:
// they enqueue work onto the single event-loop goroutine rather than
// mutating state directly.
type Torrent struct {
	config    Config
	clk       clock.Clock
	logger    *zap.SugaredLogger
	store     *storage.Torrent
	handshake *peerwire.Handshaker
	picker    *picker.Picker
	down      *ratelimit.Limiter
	up        *ratelimit.Limiter
	callbacks Callbacks
	stats     tally.Scope

	admission  *admission
	peers      map[core.PeerID]*peer
	assemblers map[int]*pieceAssembler

	numPeersByPiece syncutil.Counters

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Torrent and starts its event loop.
func New(
	config Config,
	clk clock.Clock,
	store *storage.Torrent,
	handshake *peerwire.Handshaker,
	down, up *ratelimit.Limiter,
	callbacks Callbacks,
	logger *zap.SugaredLogger,
	stats tally.Scope) *Torrent {

	config = config.applyDefaults()

	if stats == nil {
		stats = tally.NoopScope
	}

	t := &Torrent{
		config:          config,
		clk:             clk,
		logger:          logger,
		store:           store,
		handshake:       handshake,
		picker:          picker.New(nil),
		down:            down,
		up:              up,
		callbacks:       callbacks,
		stats:           stats,
		admission:       newAdmission(config, clk, handshake.LocalPeerID()),
		peers:           make(map[core.PeerID]*peer),
		assemblers:      make(map[int]*pieceAssembler),
		numPeersByPiece: syncutil.NewCounters(store.NumPieces()),
		events:          make(chan func(), 256),
		done:            make(chan struct{}),
	}

	t.wg.Add(1)
	go t.run()

	return t
}

// Stop shuts down the event loop and closes all active connections.
func (t *Torrent) Stop() {
	t.once.Do(func() {
		close(t.done)
		t.wg.Wait()
	})
}

func (t *Torrent) send(f func()) {
	select {
	case t.events <- f:
	case <-t.done:
	}
}

func (t *Torrent) run() {
	defer t.wg.Done()

	chokeTick := t.clk.Tick(t.config.ChokeInterval)
	requestTick := t.clk.Tick(1 * time.Second)
	gcTick := t.clk.Tick(t.config.GCInterval)

	var pexTick <-chan time.Time
	if t.config.EnablePEX {
		pexTick = t.clk.Tick(pex.MinInterval)
	}

	optimisticCounter := 0

	for {
		select {
		case f := <-t.events:
			f()
		case <-chokeTick:
			t.runChoke(&optimisticCounter)
		case <-requestTick:
			t.issueRequestsAll()
		case <-gcTick:
			t.gc()
		case <-pexTick:
			t.runPex()
		case <-t.done:
			for _, p := range t.peers {
				p.conn.Close()
			}
			return
		}
	}
}

// Connect dials addr and, on success, admits the resulting connection into
// the swarm. The admission reservation is made and released through the
// event loop so it stays consistent with every other read of admission
// state, even though the dial and handshake themselves run on the calling
// goroutine.
func (t *Torrent) Connect(addr string) {
	reserved := make(chan error, 1)
	t.send(func() {
		if err := t.admission.CanAttempt(addr); err != nil {
			reserved <- err
			return
		}
		reserved <- t.admission.AddPending(addr, core.PeerID{}, nil)
	})
	if err := <-reserved; err != nil {
		return
	}

	conn, err := t.handshake.Initialize(addr, t.store.InfoHash(), t.store.Bitfield().Bytes())
	if err != nil {
		t.send(func() {
			t.admission.MarkFailed(addr)
			t.admission.DeletePending(addr)
		})
		return
	}
	t.send(func() { t.admit(addr, conn) })
}

// Accept admits an already-handshaken PendingConn known to belong to this
// torrent.
func (t *Torrent) Accept(pc *peerwire.PendingConn) {
	addr := pc.RemoteAddr().String()
	reserved := make(chan error, 1)
	t.send(func() { reserved <- t.admission.AddPending(addr, pc.PeerID(), nil) })
	if err := <-reserved; err != nil {
		pc.Close()
		return
	}

	conn, err := t.handshake.Establish(pc, t.store.InfoHash(), t.store.Bitfield().Bytes())
	if err != nil {
		t.send(func() { t.admission.DeletePending(addr) })
		return
	}
	t.send(func() { t.admit(addr, conn) })
}

func (t *Torrent) admit(addr string, conn *peerwire.Conn) {
	if err := t.admission.Activate(addr, conn.PeerID()); err != nil {
		t.admission.Remove(addr)
		conn.Close()
		return
	}

	p := newPeer(conn.PeerID(), conn, t.store.NumPieces(), t.clk)
	p.addr = addr
	t.peers[conn.PeerID()] = p
	conn.SetEvents(connEvents{t})
	t.stats.Counter("peers_connected").Inc(1)
	t.stats.Gauge("peers_active").Update(float64(len(t.peers)))

	if t.callbacks.OnPeerConnected != nil {
		t.callbacks.OnPeerConnected(conn.PeerID())
	}

	t.wg.Add(1)
	go t.pump(p)
}

// connEvents bridges peerwire.Conn's lifecycle notification back onto the
// event loop.
type connEvents struct{ t *Torrent }

func (e connEvents) ConnClosed(c *peerwire.Conn) {
	e.t.send(func() { e.t.onConnClosed(c.PeerID(), c.Err()) })
}

func (t *Torrent) onConnClosed(peerID core.PeerID, closeErr error) {
	p, ok := t.peers[peerID]
	if !ok {
		return
	}
	if closeErr != nil {
		t.logger.Warnw("peer connection closed", "peer", peerID.String(), "error", closeErr)
	}
	for i, ok := p.bitfield.NextSet(0); ok; i, ok = p.bitfield.NextSet(i + 1) {
		t.numPeersByPiece.Decrement(int(i))
	}
	delete(t.peers, peerID)
	t.admission.Remove(p.addr)
	t.stats.Counter("peers_disconnected").Inc(1)
	t.stats.Gauge("peers_active").Update(float64(len(t.peers)))
	if t.callbacks.OnPeerDisconnected != nil {
		t.callbacks.OnPeerDisconnected(peerID)
	}
}

// pump relays messages off one peer's receiver channel onto the event loop,
// one goroutine per connection, matching the reader/owner split in
// conn.Conn's design.
func (t *Torrent) pump(p *peer) {
	defer t.wg.Done()
	for msg := range p.conn.Receiver() {
		m := msg
		t.send(func() { t.onMessage(p, m) })
	}
}

func (t *Torrent) onMessage(p *peer, msg *peerwire.Message) {
	if _, ok := t.peers[p.id]; !ok {
		return
	}
	p.Touch()

	switch msg.ID {
	case peerwire.MsgBitfield:
		p.SetBitfield(msg.BitfieldBytes)
		for i, ok := p.bitfield.NextSet(0); ok; i, ok = p.bitfield.NextSet(i + 1) {
			t.numPeersByPiece.Increment(int(i))
		}
	case peerwire.MsgHave:
		if !p.HasPiece(int(msg.Index)) {
			p.SetHasPiece(int(msg.Index))
			t.numPeersByPiece.Increment(int(msg.Index))
		}
	case peerwire.MsgChoke:
		p.SetChokedUs(true)
	case peerwire.MsgUnchoke:
		p.SetChokedUs(false)
		t.issueRequests(p)
	case peerwire.MsgInterested:
		p.SetPeerInterested(true)
	case peerwire.MsgNotInterested:
		p.SetPeerInterested(false)
	case peerwire.MsgRequest:
		t.serveRequest(p, msg)
	case peerwire.MsgPiece:
		t.onBlock(p, msg)
	case peerwire.MsgCancel:
		// Best-effort: the send queue may already have dequeued it.
	case peerwire.MsgExtended:
		t.onExtended(p, msg)
	}
}

// onExtended dispatches an extended-protocol message to the handler for its
// negotiated extension id; currently only ut_pex (BEP 11) is understood.
func (t *Torrent) onExtended(p *peer, msg *peerwire.Message) {
	if !t.config.EnablePEX {
		return
	}
	id, ok := p.conn.PexExtID()
	if !ok || msg.ExtID != id {
		return
	}
	added, _, err := pex.Decode(msg.ExtPayload)
	if err != nil {
		return
	}
	if t.callbacks.OnPexPeers != nil && len(added) > 0 {
		t.callbacks.OnPexPeers(added)
	}
}

// runPex sends every peer an ut_pex message listing all other connected
// peers' endpoints, the simplest correct BEP 11 policy (no added/dropped
// delta tracking between rounds).
func (t *Torrent) runPex() {
	if len(t.peers) < 2 {
		return
	}
	addrs := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		addrs = append(addrs, p)
	}
	for _, p := range addrs {
		extID, ok := p.conn.PexExtID()
		if !ok {
			continue
		}
		var others []pex.Peer
		for _, other := range addrs {
			if other == p {
				continue
			}
			host, portStr, err := net.SplitHostPort(other.addr)
			if err != nil {
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				continue
			}
			others = append(others, pex.Peer{IP: net.ParseIP(host), Port: uint16(port)})
		}
		if len(others) == 0 {
			continue
		}
		msg, err := pex.Message(extID, others, nil)
		if err != nil {
			continue
		}
		p.conn.Send(msg)
	}
}

func (t *Torrent) serveRequest(p *peer, msg *peerwire.Message) {
	if p.WeChokedThem() {
		return
	}
	if !t.up.TryConsume(int(msg.Length)) {
		return
	}
	piece, err := t.store.ReadPiece(int(msg.Index))
	if err != nil {
		return
	}
	end := msg.Begin + msg.Length
	if end > uint32(len(piece)) {
		return
	}
	block := piece[msg.Begin:end]
	if err := p.conn.Send(peerwire.NewPiece(msg.Index, msg.Begin, block)); err != nil {
		t.logger.Warnw("failed to send block, disconnecting peer", "peer", p.id.String(), "error", err)
		p.conn.Close()
		return
	}
	p.stats.addUploaded(int64(len(block)))
	t.stats.Counter("bytes_uploaded").Inc(int64(len(block)))
}

func (t *Torrent) onBlock(p *peer, msg *peerwire.Message) {
	p.ClearPending(int(msg.Index), msg.Begin)
	p.stats.addDownloaded(int64(len(msg.Block)))
	t.stats.Counter("bytes_downloaded").Inc(int64(len(msg.Block)))

	complete, err := t.assembler(int(msg.Index)).addBlock(msg.Begin, msg.Block, t.clk.Now())
	if err != nil || !complete {
		if err != nil {
			t.reportError(err)
		}
		t.issueRequests(p)
		return
	}

	data, err := t.assembler(int(msg.Index)).bytes()
	if err != nil {
		t.reportError(err)
		return
	}

	if err := t.store.WritePiece(int(msg.Index), data); err != nil {
		if errors.Is(err, storage.ErrHashMismatch) {
			p.stats.incrDuplicatePiece()
			t.stats.Counter("piece_hash_mismatches").Inc(1)
			t.logger.Warnw("piece hash mismatch", "piece", msg.Index, "peer", p.id.String())
		}
		t.dropAssembler(int(msg.Index))
		t.issueRequests(p)
		return
	}
	p.stats.incrGoodPiece()
	t.stats.Counter("pieces_completed").Inc(1)
	t.dropAssembler(int(msg.Index))

	if t.callbacks.OnPieceCompleted != nil {
		t.callbacks.OnPieceCompleted(int(msg.Index))
	}
	if t.callbacks.OnProgress != nil {
		t.callbacks.OnProgress(t.downloadedBytes(), t.store.Length())
	}

	for _, peer := range t.peers {
		peer.conn.Send(peerwire.NewHave(uint32(msg.Index)))
	}

	if t.store.Complete() && t.callbacks.OnDownloadComplete != nil {
		t.callbacks.OnDownloadComplete()
	}

	t.issueRequests(p)
}

func (t *Torrent) downloadedBytes() int64 {
	var n int64
	bf := t.store.Bitfield()
	for i := 0; i < t.store.NumPieces(); i++ {
		if bf.Get(i) {
			n += t.store.PieceLength(i)
		}
	}
	return n
}

func (t *Torrent) reportError(err error) {
	if t.callbacks.OnError != nil {
		t.callbacks.OnError(err)
	}
}

func (t *Torrent) issueRequestsAll() {
	for _, p := range t.peers {
		if !p.ChokedUs() {
			t.issueRequests(p)
		}
	}
}

func (t *Torrent) issueRequests(p *peer) {
	if p.ChokedUs() {
		return
	}
	slots := t.config.MaxPendingRequestsPerPeer - p.PendingCount()
	if slots <= 0 {
		return
	}

	have := t.store.Bitfield()
	candidates := p.Candidates()
	for i := 0; i < t.store.NumPieces(); i++ {
		if have.Get(i) {
			candidates.Clear(uint(i))
		}
	}

	valid := func(pieceIdx int) bool { return true }
	pieces, err := t.picker.Select(slots, candidates, valid, t.numPeersByPiece)
	if err != nil || len(pieces) == 0 {
		return
	}

	for _, idx := range pieces {
		if slots <= 0 {
			break
		}
		a := t.assembler(idx)
		for _, begin := range a.missingBlocks() {
			if slots <= 0 {
				break
			}
			length := a.blockLength(begin)
			if err := p.conn.Send(peerwire.NewRequest(uint32(idx), begin, length)); err != nil {
				t.logger.Warnw("failed to send request, disconnecting peer", "peer", p.id.String(), "error", err)
				p.conn.Close()
				return
			}
			p.AddPending(idx, begin, length)
			a.markOutstanding(begin, t.clk.Now())
			slots--
		}
	}
}

func (t *Torrent) runChoke(optimisticCounter *int) {
	*optimisticCounter++
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		p.SampleDownloadRate(t.config.ChokeInterval)
		peers = append(peers, p)
	}
	slots := maxUnchoked(t.config, len(peers))
	optIdx := -1
	if *optimisticCounter%t.config.OptimisticUnchokeEvery == 0 {
		optIdx = *optimisticCounter / t.config.OptimisticUnchokeEvery
	}
	unchoke, choke := chokeDecision(peers, slots, optIdx, t.store.Complete())
	for _, p := range unchoke {
		if p.WeChokedThem() {
			p.SetWeChokedThem(false)
			p.conn.Send(peerwire.NewSimple(peerwire.MsgUnchoke))
		}
	}
	for _, p := range choke {
		if !p.WeChokedThem() {
			p.SetWeChokedThem(true)
			p.conn.Send(peerwire.NewSimple(peerwire.MsgChoke))
		}
	}
}

// gc reissues stale per-peer block requests and runs the piece-state
// bookkeeping pass: resetting pieces stuck in progress and evicting idle
// piece-states once too many accumulate.
func (t *Torrent) gc() {
	for _, p := range t.peers {
		stale := p.StaleRequests(t.config.RequestTimeout)
		if len(stale) > 0 {
			t.issueRequests(p)
		}
	}

	now := t.clk.Now()
	for i, a := range t.assemblers {
		if now.Sub(a.createdAt) > t.config.PieceStuckTimeout && len(a.blocks) < a.numBlocks()/2 {
			t.dropAssembler(i)
		}
	}

	if len(t.assemblers) <= t.config.MaxPieceStates {
		return
	}
	type idleState struct {
		index     int
		createdAt time.Time
	}
	var idle []idleState
	for i, a := range t.assemblers {
		if len(a.outstanding) == 0 && len(a.blocks) == 0 && now.Sub(a.createdAt) > t.config.PieceIdleEvictAge {
			idle = append(idle, idleState{i, a.createdAt})
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].createdAt.Before(idle[j].createdAt) })
	for _, s := range idle {
		if len(t.assemblers) <= t.config.MaxPieceStates {
			break
		}
		t.dropAssembler(s.index)
	}
}

// pieceAssembler buffers partially-downloaded pieces until every block has
// arrived, at which point the caller assembles and verifies them via
// storage.Torrent.WritePiece. It also tracks enough per-block timing to
// support gc's stuck-piece reset and idle eviction, each bounded so a
// pathological piece can't grow its bookkeeping without limit.
type pieceAssembler struct {
	length    int64
	createdAt time.Time

	maxOutstanding int
	maxTiming      int
	maxReceived    int

	blocks      map[uint32][]byte
	receivedAt  map[uint32]time.Time
	outstanding map[uint32]time.Time
	timing      []time.Time
}

func (t *Torrent) assembler(i int) *pieceAssembler {
	a, ok := t.assemblers[i]
	if !ok {
		a = &pieceAssembler{
			length:         t.store.PieceLength(i),
			createdAt:      t.clk.Now(),
			maxOutstanding: t.config.MaxOutstandingBlocksPerPiece,
			maxTiming:      t.config.MaxPieceTimingEntries,
			maxReceived:    t.config.MaxReceivedBlocksPerPiece,
			blocks:         make(map[uint32][]byte),
			receivedAt:     make(map[uint32]time.Time),
			outstanding:    make(map[uint32]time.Time),
		}
		t.assemblers[i] = a
	}
	return a
}

func (t *Torrent) dropAssembler(i int) {
	delete(t.assemblers, i)
}

func (a *pieceAssembler) numBlocks() int {
	n := int(a.length / peerwire.BlockSize)
	if a.length%peerwire.BlockSize != 0 {
		n++
	}
	return n
}

func (a *pieceAssembler) missingBlocks() []uint32 {
	var out []uint32
	for begin := uint32(0); int64(begin) < a.length; begin += peerwire.BlockSize {
		if _, ok := a.blocks[begin]; !ok {
			out = append(out, begin)
		}
	}
	return out
}

func (a *pieceAssembler) blockLength(begin uint32) uint32 {
	remaining := a.length - int64(begin)
	if remaining > peerwire.BlockSize {
		return peerwire.BlockSize
	}
	return uint32(remaining)
}

// markOutstanding records begin as requested-but-not-yet-received, evicting
// the oldest outstanding entry if the per-piece cap is exceeded.
func (a *pieceAssembler) markOutstanding(begin uint32, now time.Time) {
	a.outstanding[begin] = now
	if len(a.outstanding) > a.maxOutstanding {
		evictOldestTime(a.outstanding)
	}
}

func (a *pieceAssembler) addBlock(begin uint32, data []byte, now time.Time) (complete bool, err error) {
	if int64(begin) >= a.length {
		return false, fmt.Errorf("swarm: block begin %d exceeds piece length %d", begin, a.length)
	}
	delete(a.outstanding, begin)

	cp := make([]byte, len(data))
	copy(cp, data)
	a.blocks[begin] = cp
	a.receivedAt[begin] = now
	if len(a.blocks) > a.maxReceived {
		evictOldestTime(a.receivedAt)
		for k := range a.blocks {
			if _, ok := a.receivedAt[k]; !ok {
				delete(a.blocks, k)
				break
			}
		}
	}

	a.timing = append(a.timing, now)
	if len(a.timing) > a.maxTiming {
		a.timing = a.timing[len(a.timing)-a.maxTiming:]
	}

	return len(a.missingBlocks()) == 0, nil
}

// evictOldestTime drops the oldest entry from a begin->timestamp map.
func evictOldestTime(m map[uint32]time.Time) {
	var oldestKey uint32
	var oldestAt time.Time
	first := true
	for k, at := range m {
		if first || at.Before(oldestAt) {
			oldestKey, oldestAt, first = k, at, false
		}
	}
	if !first {
		delete(m, oldestKey)
	}
}

func (a *pieceAssembler) bytes() ([]byte, error) {
	buf := make([]byte, a.length)
	for begin := uint32(0); int64(begin) < a.length; begin += peerwire.BlockSize {
		block, ok := a.blocks[begin]
		if !ok {
			return nil, errors.New("swarm: piece assembled with missing block")
		}
		copy(buf[begin:], block)
	}
	return buf, nil
}
