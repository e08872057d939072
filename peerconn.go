package torrent

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	list "github.com/bahlo/generic-list-go"
	"github.com/pkg/errors"

	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/ratelimit"
	requestStrategy "github.com/anacrolix/torrent-i2p/request-strategy"
	"github.com/anacrolix/torrent-i2p/types"
)

type (
	Request   = types.Request
	ChunkSpec = types.ChunkSpec
)

const readBufferSize = 1 << 15

var (
	errConnClosed  = errors.New("connection closed")
	errConnToSelf  = errors.New("connection to self")
	errMutualSeed  = errors.New("peer and us are both seeds")
	errSendIdle    = errors.New("nothing sent within idle timeout")
	errReceiveIdle = errors.New("nothing received within idle timeout")
	errNotRunning  = errors.New("torrent not running")
	errStopped     = errors.New("torrent stopped")
)

// A peer connection on a Torrent, established after a completed handshake. Fields below the
// stats are owned by the torrent's hub goroutine.
type PeerConn struct {
	t                  *Torrent
	conn               net.Conn
	logger             log.Logger
	PeerID             types.PeerID
	RemoteAddr         string
	outgoing           bool
	completedHandshake time.Time

	// Unix nanos of the last transport read and write.
	lastRecv atomic.Int64
	lastSend atomic.Int64

	stats ConnStats

	closed    chansync.SetOnce
	unlimited chansync.BroadcastCond
	// Reader and writer.
	goroutines    sync.WaitGroup
	messageWriter peerConnMsgWriter

	amInterested   bool
	peerInterested bool
	amChoking      bool
	peerChoking    bool
	// Any non-keepalive frame has arrived. A bitfield is only valid before this.
	receivedMessage bool
	dropped         bool

	peerHave  roaring.Bitmap
	sentHaves roaring.Bitmap
	// Pieces currently advertised to the peer while super-seeding.
	offered roaring.Bitmap
	// Our outstanding requests to the peer.
	requests map[Request]struct{}
	// Requests from the peer waiting for their piece to be sent.
	peerRequests  list.List[Request]
	pieceInFlight g.Option[Request]
}

var _ requestStrategy.Peer = (*PeerConn)(nil)

func newPeerConn(t *Torrent, conn net.Conn, peerID types.PeerID, addr string, outgoing bool) *PeerConn {
	c := &PeerConn{
		t:                  t,
		conn:               conn,
		PeerID:             peerID,
		RemoteAddr:         addr,
		outgoing:           outgoing,
		completedHandshake: time.Now(),
		amChoking:          true,
		peerChoking:        true,
		requests:           make(map[Request]struct{}),
	}
	c.logger = t.logger.WithContextText(fmt.Sprintf("conn %v", c))
	c.peerRequests.Init()
	now := time.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSend.Store(now)
	return c
}

func (c *PeerConn) String() string {
	addr := c.RemoteAddr
	if len(addr) > 24 {
		addr = addr[:24] + "…"
	}
	return fmt.Sprintf("%v %v", addr, c.PeerID)
}

func (c *PeerConn) readBytes(n int64) {
	if n == 0 {
		return
	}
	c.allStats(add(n, func(cs *ConnStats) *Count { return &cs.BytesRead }))
	c.lastRecv.Store(time.Now().UnixNano())
}

func (c *PeerConn) wroteBytes(n int64) {
	if n == 0 {
		return
	}
	c.allStats(add(n, func(cs *ConnStats) *Count { return &cs.BytesWritten }))
	c.lastSend.Store(time.Now().UnixNano())
}

func (c *PeerConn) idleSince(last *atomic.Int64, now time.Time) time.Duration {
	return now.Sub(time.Unix(0, last.Load()))
}

// Starts the reader and writer. The connection is registered with the rate limiters until both
// have exited.
func (c *PeerConn) start(limiters ...ratelimit.Interface) {
	for _, l := range limiters {
		l.Register(c, c.onRateLimit)
	}
	c.initMessageWriter()
	c.goroutines.Add(2)
	go func() {
		defer c.goroutines.Done()
		c.messageWriterRunner()
	}()
	go func() {
		defer c.goroutines.Done()
		c.readLoop()
	}()
	go func() {
		c.goroutines.Wait()
		for _, l := range limiters {
			l.Unregister(c)
		}
	}()
}

func (c *PeerConn) onRateLimit(unlimited bool) {
	if unlimited {
		c.unlimited.Broadcast()
	}
}

// Claims up to n bytes from l, waiting while the connection is limited. Returns zero if the
// connection closed.
func (c *PeerConn) claim(l ratelimit.Interface, n int) int {
	for {
		signaled := c.unlimited.Signaled()
		if granted := l.Claim(c, n); granted != 0 {
			return granted
		}
		select {
		case <-signaled:
		case <-c.closed.Done():
			return 0
		}
	}
}

func (c *PeerConn) claimUpload(n int) bool {
	for n > 0 {
		granted := c.claim(c.t.cl.uploadLimiter, n)
		if granted == 0 {
			return false
		}
		n -= granted
	}
	return true
}

func (c *PeerConn) close() {
	if !c.closed.Set() {
		return
	}
	c.conn.Close()
}

// Asks the hub to drop the connection. Called from the reader and writer.
func (c *PeerConn) postDrop(err error, repool bool) {
	if !c.t.post(func() { c.t.dropConn(c, err, repool) }) {
		c.close()
	}
}

func (c *PeerConn) readLoop() {
	dec := pp.Decoder{MaxLength: pp.Integer(c.t.cl.config.MaxFrameLength)}
	r := connStatsReadWriter{c.conn, c}
	buf := make([]byte, readBufferSize)
	for {
		n := c.claim(c.t.cl.downloadLimiter, len(buf))
		if n == 0 {
			return
		}
		nr, err := r.Read(buf[:n])
		dec.Write(buf[:nr])
		for {
			var msg pp.Message
			ok, decErr := dec.Next(&msg)
			if decErr != nil {
				// Malformed frames aren't worth reconnecting for.
				c.postDrop(fmt.Errorf("decoding frame: %w", decErr), false)
				return
			}
			if !ok {
				break
			}
			if !c.t.post(func() { c.t.onMessage(c, &msg) }) {
				c.close()
				return
			}
		}
		if err != nil {
			if !c.closed.IsSet() {
				c.postDrop(fmt.Errorf("reading: %w", err), true)
			}
			return
		}
	}
}

// The rest is called from the hub.

func (c *PeerConn) write(msg pp.Message) {
	c.messageWriter.write(msg)
}

func (c *PeerConn) PeerHas(i int) bool {
	return c.peerHave.Contains(uint32(i))
}

func (c *PeerConn) peerIsSeed() bool {
	return c.peerHave.GetCardinality() == uint64(c.t.numPieces())
}

func (c *PeerConn) NumRequests() int {
	return len(c.requests)
}

func (c *PeerConn) HasRequest(r Request) bool {
	_, ok := c.requests[r]
	return ok
}

// Sends a request unless the peer is choking us or we aren't interested.
func (c *PeerConn) Request(r Request) bool {
	if c.dropped || c.peerChoking || !c.amInterested {
		return false
	}
	c.requests[r] = struct{}{}
	c.write(r.ToMsg(pp.Request))
	return true
}

func (c *PeerConn) Cancel(r Request) {
	if _, ok := c.requests[r]; !ok {
		return
	}
	delete(c.requests, r)
	c.write(r.ToMsg(pp.Cancel))
}

// Whether the peer has a piece we still want.
func (c *PeerConn) wantsAny() bool {
	x := roaring.AndNot(&c.peerHave, &c.t.have)
	x.AndNot(&c.t.unwanted)
	return !x.IsEmpty()
}

func (c *PeerConn) setInterested(interested bool) {
	if c.amInterested == interested {
		return
	}
	c.amInterested = interested
	if interested {
		c.write(pp.Message{Type: pp.Interested})
	} else {
		c.write(pp.Message{Type: pp.NotInterested})
		c.t.scheduler.OnPeerGone(c)
	}
}

func (c *PeerConn) updateInterest() {
	c.setInterested(c.wantsAny())
}

// Tops up our requests to the peer.
func (c *PeerConn) fill() {
	if c.dropped || !c.amInterested || c.peerChoking {
		return
	}
	c.t.scheduler.Fill(c)
}

// Fails all our outstanding requests, letting the scheduler reassign them.
func (c *PeerConn) failRequests() {
	reqs := make([]Request, 0, len(c.requests))
	for r := range c.requests {
		reqs = append(reqs, r)
	}
	clear(c.requests)
	for _, r := range reqs {
		c.t.scheduler.OnFail(c, r)
	}
}

func (c *PeerConn) findPeerRequest(r Request) *list.Element[Request] {
	for e := c.peerRequests.Front(); e != nil; e = e.Next() {
		if e.Value == r {
			return e
		}
	}
	return nil
}

func (c *PeerConn) unchoke() {
	if !c.amChoking {
		return
	}
	c.amChoking = false
	c.write(pp.Message{Type: pp.Unchoke})
}

// Sends the next queued piece, if none is in flight.
func (c *PeerConn) maybeSendPiece() {
	if c.dropped || c.pieceInFlight.Ok || c.amChoking {
		return
	}
	front := c.peerRequests.Front()
	if front == nil {
		return
	}
	r := c.peerRequests.Remove(front)
	c.pieceInFlight = g.Some(r)
	c.messageWriter.push(outItem{pieceReply: g.Some(r)})
}

// Called from the writer.
func (c *PeerConn) readPieceReply(r Request) (msg pp.Message, err error) {
	b := make([]byte, r.Length)
	n, err := c.t.store.ReadChunk(int(r.Index), int64(r.Begin), b)
	if n == len(b) {
		err = nil
	} else if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return
	}
	return pp.Message{
		Type:  pp.Piece,
		Index: r.Index,
		Begin: r.Begin,
		Piece: b,
	}, nil
}

// Called from the writer once a reply is written or couldn't be read.
func (c *PeerConn) pieceReplyDone(r Request, err error) {
	c.t.post(func() {
		if c.dropped {
			return
		}
		c.pieceInFlight.SetNone()
		if err != nil {
			c.logger.Levelf(log.Error, "reading %v for reply: %v", r, err)
		}
		c.maybeSendPiece()
	})
}
