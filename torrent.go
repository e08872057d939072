package torrent

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-i2p/metainfo"
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	requestStrategy "github.com/anacrolix/torrent-i2p/request-strategy"
	"github.com/anacrolix/torrent-i2p/storage"
	"github.com/anacrolix/torrent-i2p/types"
)

// Maintains state of torrent within a Client. Everything about peer connections, piece
// availability and requesting is owned by the torrent's hub goroutine. Other goroutines hand work
// to the hub with post and do.
type Torrent struct {
	cl       *Client
	logger   log.Logger
	infoHash metainfo.Hash
	metainfo *metainfo.MetaInfo
	info     *metainfo.Info
	files    []metainfo.FileInfo
	// Client-unique identifier used for persistence keys.
	id string

	// Guarded by cl.mu.
	dataPath string

	store storage.Store

	events   chan func()
	closed   chansync.SetOnce
	hubDone  chansync.SetOnce
	complete chansync.SetOnce
	// Incoming handshakes are accepted.
	active atomic.Bool

	running       bool
	conns         map[*PeerConn]struct{}
	connsByPeerID map[types.PeerID]*PeerConn
	connsByAddr   map[string]*PeerConn

	have roaring.Bitmap
	// Pieces no wanted file overlaps.
	unwanted     roaring.Bitmap
	haveDirty    bool
	availability *requestStrategy.PieceAvailability
	scheduler    *requestStrategy.Scheduler
	superSeeder  superSeeder
	filePrio     []filePriority
	rates        rateSampler

	stats         ConnStats
	bytesLeft     atomic.Int64
	progressBytes atomic.Int64

	pool      *peerPool
	dialer    *dialer
	announcer *trackerAnnouncer
}

func (cl *Client) newTorrent(mi *metainfo.MetaInfo, info *metainfo.Info, dataPath string, store storage.Store) *Torrent {
	ih := mi.HashInfoBytes()
	t := &Torrent{
		cl:            cl,
		infoHash:      ih,
		metainfo:      mi,
		info:          info,
		files:         info.UpvertedFiles(),
		id:            ih.HexString(),
		dataPath:      dataPath,
		store:         store,
		events:        make(chan func(), 64),
		conns:         make(map[*PeerConn]struct{}),
		connsByPeerID: make(map[types.PeerID]*PeerConn),
		connsByAddr:   make(map[string]*PeerConn),
		pool:          newPeerPool(cl.config.PeerPoolMaxAttempts, cl.config.PeerPoolMaxAge),
	}
	t.logger = cl.logger.WithContextText(fmt.Sprintf("torrent %v", t.id)).WithNames("torrent")
	t.availability = requestStrategy.NewPieceAvailability(info.NumPieces())
	t.scheduler = requestStrategy.NewScheduler(requestStrategy.SchedulerConfig{
		Depth:                  cl.config.RequestDepth,
		ChunkSize:              cl.config.ChunkSize,
		StrictAvailabilityPrio: cl.config.StrictAvailabilityPrio,
		PieceLength:            t.pieceLength,
	}, t.availability)
	t.superSeeder.t = t
	t.filePrio = make([]filePriority, len(t.files))
	for i := range t.filePrio {
		t.filePrio[i] = filePriority{Priority: types.PiecePriorityNormal, Wanted: true}
	}
	t.bytesLeft.Store(info.TotalLength())
	t.dialer = newDialer(t)
	t.announcer = newTrackerAnnouncer(t, mi.UpvertedAnnounceList())
	return t
}

func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

func (t *Torrent) Name() string {
	return t.info.Name
}

func (t *Torrent) Info() *metainfo.Info {
	return t.info
}

func (t *Torrent) Metainfo() metainfo.MetaInfo {
	return *t.metainfo
}

func (t *Torrent) String() string {
	return fmt.Sprintf("%v (%v)", t.info.Name, t.id)
}

// Closed when the torrent has been removed from its client.
func (t *Torrent) Closed() events.Done {
	return t.hubDone.Done()
}

func (t *Torrent) numPieces() int {
	return t.info.NumPieces()
}

func (t *Torrent) pieceLength(i int) int64 {
	return t.info.Piece(i).Length()
}

func (t *Torrent) seeding() bool {
	return t.have.GetCardinality() == uint64(t.numPieces())
}

// The hub loop. Runs until the torrent is closed.
func (t *Torrent) run() {
	defer t.hubDone.Set()
	ticker := time.NewTicker(t.cl.config.HubTick)
	defer ticker.Stop()
	for {
		select {
		case f := <-t.events:
			f()
		case <-ticker.C:
			t.onTick()
		case <-t.closed.Done():
			t.shutdown()
			return
		}
	}
}

// Queues f to run on the hub. Returns false if the hub has exited.
func (t *Torrent) post(f func()) bool {
	select {
	case t.events <- f:
		return true
	case <-t.hubDone.Done():
		return false
	}
}

// Runs f on the hub and waits for it. Must not be called from the hub.
func (t *Torrent) do(f func()) error {
	done := make(chan struct{})
	if !t.post(func() {
		defer close(done)
		f()
	}) {
		return ErrTorrentClosed
	}
	select {
	case <-done:
		return nil
	case <-t.hubDone.Done():
		select {
		case <-done:
			return nil
		default:
			return ErrTorrentClosed
		}
	}
}

func (t *Torrent) onTick() {
	now := time.Now()
	cfg := t.cl.config
	for c := range t.conns {
		if c.idleSince(&c.lastRecv, now) > cfg.ReceiveIdleTimeout {
			t.dropConn(c, errReceiveIdle, true)
		} else if c.idleSince(&c.lastSend, now) > cfg.SendIdleTimeout {
			t.dropConn(c, errSendIdle, true)
		}
	}
	t.flushHave()
	t.rates.sample(now, &t.stats)
}

// Registers a connection whose handshake has completed.
func (t *Torrent) addConn(conn net.Conn, peerID types.PeerID, addr string, outgoing bool) (*PeerConn, error) {
	if !t.running {
		return nil, errNotRunning
	}
	if peerID == t.cl.peerID {
		connsToSelf.Add(1)
		return nil, errConnToSelf
	}
	if _, ok := t.connsByPeerID[peerID]; ok {
		duplicateClientConns.Add(1)
		return nil, fmt.Errorf("%w: peer id %v", ErrDuplicatePeer, peerID)
	}
	if _, ok := t.connsByAddr[addr]; ok {
		return nil, fmt.Errorf("%w: address %v", ErrDuplicatePeer, addr)
	}
	c := newPeerConn(t, conn, peerID, addr, outgoing)
	torrent.Add("conns added", 1)
	t.conns[c] = struct{}{}
	t.connsByPeerID[peerID] = c
	t.connsByAddr[addr] = c
	t.pool.Promote(addr)
	c.start(t.cl.uploadLimiter, t.cl.downloadLimiter)
	if t.superSeeder.enabled {
		t.superSeeder.onHandshake(c)
	} else if !t.have.IsEmpty() {
		c.write(pp.Message{
			Type:     pp.Bitfield,
			Bitfield: pp.MarshalBitfield(&t.have, t.numPieces()),
		})
		c.sentHaves.Or(&t.have)
	}
	c.logger.Levelf(log.Debug, "added connection (outgoing=%v)", outgoing)
	return c, nil
}

// Removes the connection from the torrent. Outgoing connections are returned to the pool of
// possible peers if repool is set.
func (t *Torrent) dropConn(c *PeerConn, err error, repool bool) {
	if c.dropped {
		return
	}
	c.dropped = true
	torrent.Add("conns dropped", 1)
	c.logger.Levelf(log.Info, "dropping connection: %v", err)
	c.failRequests()
	t.scheduler.OnPeerGone(c)
	t.availability.DecBitmap(&c.peerHave)
	t.superSeeder.onDisconnect(c)
	c.peerRequests.Init()
	delete(t.conns, c)
	delete(t.connsByPeerID, c.PeerID)
	delete(t.connsByAddr, c.RemoteAddr)
	if errors.Is(err, errMutualSeed) {
		// Let queued HAVEs and NOT_INTERESTED out first.
		c.messageWriter.closeAfterFlush()
	} else {
		c.close()
	}
	t.pool.Disconnected(c.RemoteAddr, repool && c.outgoing)
}

func (t *Torrent) verifyPiece(i int) {
	ok, err := storage.VerifyPiece(t.store, t.info, i)
	if err != nil {
		t.logger.Levelf(log.Error, "reading piece %d to verify: %v", i, err)
	}
	t.onPieceVerified(i, ok)
}

func (t *Torrent) onPieceVerified(i int, ok bool) {
	if !ok {
		pieceHashedNotCorrect.Add(1)
		t.stats.PiecesDirtiedBad.Add(1)
		t.logger.Levelf(log.Warning, "piece %d failed hash check", i)
		t.scheduler.OnPieceVerified(i, false)
		return
	}
	pieceHashedCorrect.Add(1)
	t.stats.PiecesDirtiedGood.Add(1)
	t.progressBytes.Add(t.pieceLength(i))
	t.setHave(i)
	t.scheduler.OnPieceVerified(i, true)
	t.broadcastHave(i)
	for c := range t.conns {
		c.updateInterest()
	}
	if t.seeding() {
		t.onSeeding()
	}
}

func (t *Torrent) setHave(i int) {
	panicif.True(t.have.Contains(uint32(i)))
	t.have.Add(uint32(i))
	t.bytesLeft.Add(-t.pieceLength(i))
	t.haveDirty = true
}

func (t *Torrent) unsetHave(i int) {
	if !t.have.CheckedRemove(uint32(i)) {
		return
	}
	t.bytesLeft.Add(t.pieceLength(i))
	t.haveDirty = true
}

// Every connection hears about a piece exactly once. While super-seeding pieces are only
// advertised through offers.
func (t *Torrent) broadcastHave(i int) {
	if t.superSeeder.enabled {
		return
	}
	msg := pp.MakeHaveMessage(pp.Integer(i))
	for c := range t.conns {
		if c.sentHaves.CheckedAdd(uint32(i)) {
			c.write(msg)
		}
	}
}

func (t *Torrent) onSeeding() {
	t.logger.Levelf(log.Info, "have all %d pieces", t.numPieces())
	t.complete.Set()
	t.scheduler.ClearWaiting()
	t.flushHave()
	t.announcer.completed()
	if !t.cl.config.DropMutuallyCompletePeers {
		return
	}
	for c := range t.conns {
		if c.peerIsSeed() {
			t.dropConn(c, errMutualSeed, false)
		}
	}
}

// Restores completion from a persisted bitfield, trusting it.
func (t *Torrent) restoreHave(bm *roaring.Bitmap) {
	bm.Iterate(func(x uint32) bool {
		i := int(x)
		t.setHave(i)
		t.scheduler.MarkHave(i)
		return true
	})
	t.haveDirty = false
	if t.seeding() {
		t.complete.Set()
	}
}

// Rehashes every piece, correcting what we claim to have. Pieces we had that fail are requested
// again. Runs on the hub.
func (t *Torrent) verifyData() (changed int) {
	for i := range t.numPieces() {
		ok, err := storage.VerifyPiece(t.store, t.info, i)
		if err != nil {
			t.logger.Levelf(log.Debug, "verifying piece %d: %v", i, err)
		}
		had := t.have.Contains(uint32(i))
		if ok == had {
			continue
		}
		changed++
		if ok {
			t.setHave(i)
			t.scheduler.MarkHave(i)
			t.broadcastHave(i)
		} else {
			t.logger.Levelf(log.Warning, "piece %d no longer passes hash check", i)
			t.unsetHave(i)
			t.scheduler.OnPieceVerified(i, false)
		}
	}
	for c := range t.conns {
		c.updateInterest()
		c.fill()
	}
	if changed != 0 && t.seeding() {
		t.onSeeding()
	}
	return
}

// Writes our completion to the persister if it changed.
func (t *Torrent) flushHave() {
	if !t.haveDirty {
		return
	}
	t.haveDirty = false
	if err := t.cl.persistBitfield(t); err != nil {
		t.logger.Levelf(log.Error, "persisting completion: %v", err)
	}
}

// Begins connecting and announcing. Runs on the hub.
func (t *Torrent) start() {
	if t.running {
		return
	}
	t.running = true
	t.active.Store(true)
	t.dialer.start()
	t.announcer.start()
	t.logger.Levelf(log.Info, "started")
}

// Drops every connection and stops connecting and announcing. Runs on the hub.
func (t *Torrent) stop() {
	if !t.running {
		return
	}
	t.running = false
	t.active.Store(false)
	for c := range t.conns {
		t.dropConn(c, errStopped, true)
	}
	t.dialer.stop()
	t.announcer.stop()
	t.flushHave()
	t.logger.Levelf(log.Info, "stopped")
}

func (t *Torrent) shutdown() {
	t.stop()
	if err := t.store.Close(); err != nil {
		t.logger.Levelf(log.Warning, "closing storage: %v", err)
	}
}

func (t *Torrent) close() {
	t.closed.Set()
	<-t.hubDone.Done()
}

// Learns peer addresses, for example from a tracker, and wakes the dialer if any are new.
func (t *Torrent) AddPeers(addrs ...string) (added int) {
	for _, addr := range addrs {
		if t.pool.Add(addr) {
			added++
		}
	}
	if added != 0 {
		t.dialer.wake()
	}
	return
}

// Number of connected peers.
func (t *Torrent) NumConns() (n int) {
	t.do(func() { n = len(t.conns) })
	return
}

// Whether every piece is complete.
func (t *Torrent) Seeding() (ret bool) {
	t.do(func() { ret = t.seeding() })
	return
}

func (t *Torrent) BytesCompleted() int64 {
	return t.info.TotalLength() - t.bytesLeft.Load()
}

// The torrent's aggregate connection stats.
func (t *Torrent) ConnStats() ConnStats {
	return t.stats.Copy()
}

// Closed once every piece is complete.
func (t *Torrent) Complete() events.Done {
	return t.complete.Done()
}
