package torrent

// Helpers for testing

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"os"
	"testing"
	"time"

	"github.com/anacrolix/sync"
	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-i2p/metainfo"
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/storage"
	"github.com/anacrolix/torrent-i2p/types"
)

func newTestingClient(t testing.TB, cfg *ClientConfig) *Client {
	cl, err := NewClient(cfg)
	qt.Assert(t, qt.IsNil(err))
	t.Cleanup(func() {
		cl.Close()
	})
	return cl
}

func randomData(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

// Fills in the piece hashes for data and wraps the info in a metainfo.
func testMetainfo(t testing.TB, info metainfo.Info, data []byte) *metainfo.MetaInfo {
	var err error
	info.Pieces, err = metainfo.GeneratePieces(bytes.NewReader(data), info.PieceLength)
	require.NoError(t, err)
	mi := &metainfo.MetaInfo{}
	require.NoError(t, mi.SetInfo(&info))
	return mi
}

func singleFileMetainfo(t testing.TB, pieceLength int64, data []byte) *metainfo.MetaInfo {
	return testMetainfo(t, metainfo.Info{
		Name:        "data",
		PieceLength: pieceLength,
		Length:      int64(len(data)),
	}, data)
}

// Opens memory stores holding seed, remembering the last one opened.
type memoryStorage struct {
	seed []byte

	mu    sync.Mutex
	store *storage.MemoryStore
}

func (me *memoryStorage) open(info *metainfo.Info, _ string) (storage.Store, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.store = storage.NewMemoryStoreFromBytes(info, me.seed)
	return me.store, nil
}

func (me *memoryStorage) bytes() []byte {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.store.Bytes()
}

func addStartedTorrent(t testing.TB, cl *Client, mi *metainfo.MetaInfo) *Torrent {
	tor, err := cl.AddTorrent(mi, "")
	require.NoError(t, err)
	require.NoError(t, cl.StartTorrent(tor.InfoHash()))
	return tor
}

// The remote end of a connection handed straight to a torrent, skipping the handshake.
type wirePeer struct {
	t    testing.TB
	conn net.Conn
	dec  pp.Decoder
	buf  []byte
}

func connectWirePeer(t testing.TB, tor *Torrent, id string) (*wirePeer, *PeerConn) {
	ours, theirs := net.Pipe()
	var peerID types.PeerID
	copy(peerID[:], id)
	var (
		c   *PeerConn
		err error
	)
	require.NoError(t, tor.do(func() {
		c, err = tor.addConn(ours, peerID, id, false)
	}))
	require.NoError(t, err)
	theirs.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { theirs.Close() })
	return &wirePeer{t: t, conn: theirs, buf: make([]byte, 1<<16)}, c
}

func (p *wirePeer) send(msg pp.Message) {
	_, err := p.conn.Write(msg.MustMarshalBinary())
	require.NoError(p.t, err)
}

// Returns the next frame, including keepalives.
func (p *wirePeer) next() (msg pp.Message, err error) {
	for {
		var ok bool
		ok, err = p.dec.Next(&msg)
		if err != nil || ok {
			return
		}
		var n int
		n, err = p.conn.Read(p.buf)
		p.dec.Write(p.buf[:n])
		if err != nil {
			return
		}
	}
}

func (p *wirePeer) recv() (msg pp.Message, err error) {
	for {
		msg, err = p.next()
		if err != nil || !msg.Keepalive {
			return
		}
	}
}

// Fails unless the next message matches want in type and integer fields. For PIECE the payload is
// compared instead of the length, unless want has none.
func (p *wirePeer) expect(want pp.Message) pp.Message {
	p.t.Helper()
	msg, err := p.recv()
	require.NoError(p.t, err)
	require.Equal(p.t, want.Type, msg.Type, "got %v, want %v", msg, want)
	require.Equal(p.t, want.Index, msg.Index, "got %v, want %v", msg, want)
	require.Equal(p.t, want.Begin, msg.Begin, "got %v, want %v", msg, want)
	if msg.Type == pp.Piece {
		if want.Piece != nil {
			require.True(p.t, bytes.Equal(want.Piece, msg.Piece), "got %v, want %v", msg, want)
		}
	} else {
		require.Equal(p.t, want.Length, msg.Length, "got %v, want %v", msg, want)
	}
	return msg
}

func (p *wirePeer) expectEOF() {
	p.t.Helper()
	msg, err := p.recv()
	require.ErrorIs(p.t, err, io.EOF, "got %v", msg)
}

// Fails if anything other than a keepalive arrives within d.
func (p *wirePeer) expectSilence(d time.Duration) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(d))
	msg, err := p.recv()
	require.ErrorIs(p.t, err, os.ErrDeadlineExceeded, "got %v", msg)
	p.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
}
