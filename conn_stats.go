package torrent

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync/atomic"

	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
)

// ConnStats various connection-level metrics. At the Torrent level these are aggregates. Data is
// PIECE payload; BytesReadData only counts payload that matched one of our outstanding requests.
// Written is things sent to the peer, and Read is stuff received from them.
type ConnStats struct {
	// Total bytes on the wire, including the handshake and message framing.
	BytesWritten     Count
	BytesWrittenData Count

	BytesRead           Count
	BytesReadData       Count
	BytesReadUsefulData Count

	ChunksWritten Count

	ChunksRead       Count
	ChunksReadUseful Count
	ChunksReadWasted Count

	// Number of pieces data was written to, that subsequently passed verification.
	PiecesDirtiedGood Count
	// Number of pieces data was written to, that subsequently failed verification. Note that a
	// connection may not have been the sole dirtier of a piece.
	PiecesDirtiedBad Count
}

// Copy returns a copy of the connection stats.
func (t *ConnStats) Copy() (ret ConnStats) {
	for i := 0; i < reflect.TypeOf(ConnStats{}).NumField(); i++ {
		n := reflect.ValueOf(t).Elem().Field(i).Addr().Interface().(*Count).Int64()
		reflect.ValueOf(&ret).Elem().Field(i).Addr().Interface().(*Count).Add(n)
	}
	return
}

type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

func (t *Count) Add(n int64) {
	atomic.AddInt64(&t.n, n)
}

func (t *Count) Int64() int64 {
	return atomic.LoadInt64(&t.n)
}

func (t *Count) String() string {
	return fmt.Sprintf("%v", t.Int64())
}

func (t *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Int64())
}

func (t *ConnStats) wroteMsg(msg *pp.Message) {
	switch msg.Type {
	case pp.Piece:
		t.ChunksWritten.Add(1)
		t.BytesWrittenData.Add(int64(len(msg.Piece)))
	}
}

func (t *ConnStats) readMsg(msg *pp.Message) {
	switch msg.Type {
	case pp.Piece:
		t.ChunksRead.Add(1)
	}
}

// Applies f to the connection's stats and the torrent's aggregate.
func (cn *PeerConn) allStats(f func(*ConnStats)) {
	f(&cn.stats)
	f(&cn.t.stats)
}

func add(n int64, f func(*ConnStats) *Count) func(*ConnStats) {
	return func(cs *ConnStats) {
		p := f(cs)
		p.Add(n)
	}
}

// The handshake is exchanged before the connection is wrapped for counting.
func (cn *PeerConn) countHandshake() {
	cn.allStats(add(int64(pp.HandshakeLen), func(cs *ConnStats) *Count { return &cs.BytesRead }))
	cn.allStats(add(int64(pp.HandshakeLen), func(cs *ConnStats) *Count { return &cs.BytesWritten }))
}

type connStatsReadWriter struct {
	rw io.ReadWriter
	c  *PeerConn
}

func (me connStatsReadWriter) Write(b []byte) (n int, err error) {
	n, err = me.rw.Write(b)
	me.c.wroteBytes(int64(n))
	return
}

func (me connStatsReadWriter) Read(b []byte) (n int, err error) {
	n, err = me.rw.Read(b)
	me.c.readBytes(int64(n))
	return
}
