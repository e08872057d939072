package torrent

import (
	"io"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	list "github.com/bahlo/generic-list-go"

	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
)

// An item in a connection's outbound FIFO.
type outItem struct {
	msg pp.Message
	// A PIECE reply, whose data is read from storage when it reaches the front.
	pieceReply g.Option[Request]
	// Close the connection once everything before this is written.
	closeAfter bool
}

type peerConnMsgWriter struct {
	c      *PeerConn
	closed *chansync.SetOnce
	logger log.Logger
	w      io.Writer

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	queue     list.List[outItem]
}

func (c *PeerConn) initMessageWriter() {
	c.messageWriter = peerConnMsgWriter{
		c:      c,
		closed: &c.closed,
		logger: c.logger,
		w:      connStatsReadWriter{c.conn, c},
	}
	c.messageWriter.queue.Init()
}

func (c *PeerConn) messageWriterRunner() {
	defer c.close()
	c.messageWriter.run(c.t.cl.config.KeepAliveInterval)
}

func (cn *peerConnMsgWriter) push(item outItem) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.queue.PushBack(item)
	cn.writeCond.Broadcast()
}

func (cn *peerConnMsgWriter) write(msg pp.Message) {
	cn.push(outItem{msg: msg})
}

func (cn *peerConnMsgWriter) closeAfterFlush() {
	cn.push(outItem{closeAfter: true})
}

// Number of items not yet written.
func (cn *peerConnMsgWriter) queued() int {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.queue.Len()
}

// Routine that writes to the peer. Everything to write is queued by the connection hub, and
// written here in order.
func (cn *peerConnMsgWriter) run(keepAliveInterval time.Duration) {
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(keepAliveInterval)
	defer keepAliveTimer.Stop()
	for {
		if cn.closed.IsSet() {
			return
		}
		cn.mu.Lock()
		front := cn.queue.Front()
		if front == nil {
			if time.Since(lastWrite) >= keepAliveInterval {
				cn.queue.PushBack(outItem{msg: pp.Message{Keepalive: true}})
				writtenKeepalives.Add(1)
				cn.mu.Unlock()
				continue
			}
			writeCond := cn.writeCond.Signaled()
			cn.mu.Unlock()
			select {
			case <-cn.closed.Done():
			case <-writeCond:
			case <-keepAliveTimer.C:
			}
			continue
		}
		item := cn.queue.Remove(front)
		cn.mu.Unlock()
		if item.closeAfter {
			return
		}
		msg := item.msg
		if item.pieceReply.Ok {
			var err error
			msg, err = cn.c.readPieceReply(item.pieceReply.Value)
			if err != nil {
				cn.c.pieceReplyDone(item.pieceReply.Value, err)
				continue
			}
		}
		if err := cn.writeMsg(&msg); err != nil {
			cn.logger.WithDefaultLevel(log.Debug).Printf("error writing: %v", err)
			cn.c.postDrop(err, true)
			return
		}
		if item.pieceReply.Ok {
			cn.c.pieceReplyDone(item.pieceReply.Value, nil)
		}
		lastWrite = time.Now()
		keepAliveTimer.Reset(keepAliveInterval)
	}
}

func (cn *peerConnMsgWriter) writeMsg(msg *pp.Message) error {
	b := msg.MustMarshalBinary()
	if !cn.c.claimUpload(len(b)) {
		return errConnClosed
	}
	n, err := cn.w.Write(b)
	if err == nil && n != len(b) {
		panic("expected full write")
	}
	if err != nil {
		return err
	}
	if !msg.Keepalive {
		messageTypesSent.Add(msg.Type.String(), 1)
	}
	cn.c.allStats(func(cs *ConnStats) { cs.wroteMsg(msg) })
	return nil
}
