package torrent

import (
	"net"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-i2p/metainfo"
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/types"
)

func TestDownloadPieceFromSeed(t *testing.T) {
	data := randomData(32 << 10)
	mi := singleFileMetainfo(t, 32<<10, data)
	ms := &memoryStorage{}
	cfg := TestingConfig(t)
	cfg.DefaultStorage = ms.open
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)

	p, _ := connectWirePeer(t, tor, "seeder")
	p.send(pp.Message{Type: pp.Bitfield, Bitfield: []byte{0x80}})
	p.expect(pp.Message{Type: pp.Interested})
	p.send(pp.Message{Type: pp.Unchoke})
	p.expect(pp.Message{Type: pp.Request, Index: 0, Begin: 0, Length: 16 << 10})
	p.expect(pp.Message{Type: pp.Request, Index: 0, Begin: 16 << 10, Length: 16 << 10})
	p.send(pp.Message{Type: pp.Piece, Index: 0, Begin: 0, Piece: data[:16<<10]})
	p.send(pp.Message{Type: pp.Piece, Index: 0, Begin: 16 << 10, Piece: data[16<<10:]})
	p.expect(pp.MakeHaveMessage(0))
	p.expect(pp.Message{Type: pp.NotInterested})
	// Both sides are seeds now.
	p.expectEOF()

	<-tor.Complete()
	st, err := cl.Stats(tor.InfoHash(), StatsSelector{Torrent: true})
	require.NoError(t, err)
	qt.Check(t, qt.Equals(st.Torrent.InPayloadBytes, int64(len(data))))
	qt.Check(t, qt.Equals(st.Torrent.OutPayloadBytes, int64(0)))
	qt.Check(t, qt.Equals(st.Torrent.ProgressBytes, int64(len(data))))
	qt.Check(t, qt.Equals(st.Torrent.BytesLeft, int64(0)))
	qt.Check(t, qt.IsTrue(st.Torrent.Seeding))
	qt.Check(t, qt.DeepEquals(ms.bytes(), data))
}

func TestCorruptPieceIsRequestedAgain(t *testing.T) {
	data := randomData(16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	ms := &memoryStorage{}
	cfg := TestingConfig(t)
	cfg.DefaultStorage = ms.open
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)

	p, _ := connectWirePeer(t, tor, "liar")
	p.send(pp.Message{Type: pp.Bitfield, Bitfield: []byte{0x80}})
	p.expect(pp.Message{Type: pp.Interested})
	p.send(pp.Message{Type: pp.Unchoke})
	req := pp.Message{Type: pp.Request, Index: 0, Begin: 0, Length: 16 << 10}
	p.expect(req)
	p.send(pp.Message{Type: pp.Piece, Index: 0, Begin: 0, Piece: make([]byte, 16<<10)})
	p.expect(req)
	p.send(pp.Message{Type: pp.Piece, Index: 0, Begin: 0, Piece: data})
	p.expect(pp.MakeHaveMessage(0))

	st, err := cl.Stats(tor.InfoHash(), StatsSelector{Torrent: true})
	require.NoError(t, err)
	qt.Check(t, qt.Equals(st.Torrent.ConnStats.PiecesDirtiedBad.Int64(), int64(1)))
	qt.Check(t, qt.Equals(st.Torrent.ConnStats.PiecesDirtiedGood.Int64(), int64(1)))
	qt.Check(t, qt.Equals(st.Torrent.ProgressBytes, int64(len(data))))
}

func TestServePiecesToLeecher(t *testing.T) {
	data := randomData(3 * 16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{seed: data}).open
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)

	p, _ := connectWirePeer(t, tor, "leecher")
	p.expect(pp.Message{Type: pp.Bitfield})
	// Requests before we unchoke are ignored.
	p.send(pp.Message{Type: pp.Request, Index: 1, Begin: 0, Length: 16 << 10})
	p.send(pp.Message{Type: pp.Interested})
	p.expect(pp.Message{Type: pp.Unchoke})
	p.send(pp.Message{Type: pp.Request, Index: 1, Begin: 0, Length: 16 << 10})
	p.send(pp.Message{Type: pp.Request, Index: 2, Begin: 1 << 10, Length: 1 << 10})
	p.expect(pp.Message{Type: pp.Piece, Index: 1, Begin: 0, Piece: data[16<<10 : 32<<10]})
	p.expect(pp.Message{Type: pp.Piece, Index: 2, Begin: 1 << 10, Piece: data[33<<10 : 34<<10]})

	st, err := cl.Stats(tor.InfoHash(), StatsSelector{Peers: true})
	require.NoError(t, err)
	require.Len(t, st.Peers, 1)
	qt.Check(t, qt.IsTrue(st.Peers[0].PeerInterested))
	qt.Check(t, qt.IsFalse(st.Peers[0].AmChoking))
}

func TestSuperSeedingOffersLeastOfferedPieces(t *testing.T) {
	data := randomData(10 * 16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{seed: data}).open
	cl := newTestingClient(t, cfg)
	tor, err := cl.AddTorrent(mi, "")
	require.NoError(t, err)
	require.NoError(t, cl.SetSuperSeeding(tor.InfoHash(), true))
	require.NoError(t, cl.StartTorrent(tor.InfoHash()))

	p, _ := connectWirePeer(t, tor, "leecher")
	// No bitfield while super-seeding, just offers.
	p.expect(pp.MakeHaveMessage(0))
	p.expect(pp.MakeHaveMessage(1))
	p.send(pp.MakeHaveMessage(0))
	p.expect(pp.MakeHaveMessage(2))

	require.NoError(t, tor.do(func() {
		qt.Check(t, qt.Equals(tor.availability.Offered(0), 0))
		qt.Check(t, qt.Equals(tor.availability.Offered(1), 1))
		qt.Check(t, qt.Equals(tor.availability.Offered(2), 1))
	}))

	// Disabling advertises everything that was held back.
	require.NoError(t, cl.SetSuperSeeding(tor.InfoHash(), false))
	for i := 3; i < 10; i++ {
		p.expect(pp.MakeHaveMessage(pp.Integer(i)))
	}
	require.NoError(t, tor.do(func() {
		for i := range 10 {
			qt.Check(t, qt.Equals(tor.availability.Offered(i), 0))
		}
	}))
}

func TestCheckMessage(t *testing.T) {
	data := randomData(2 * 16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{seed: data}).open
	cl := newTestingClient(t, cfg)
	tor, err := cl.AddTorrent(mi, "")
	require.NoError(t, err)
	ours, theirs := net.Pipe()
	t.Cleanup(func() {
		ours.Close()
		theirs.Close()
	})
	var c *PeerConn
	require.NoError(t, tor.do(func() {
		c = newPeerConn(tor, ours, types.PeerID{1}, "peer", false)
	}))

	check := func(msg pp.Message) (err error) {
		require.NoError(t, tor.do(func() { err = checkMessage(c, &msg) }))
		return
	}
	for _, tc := range []struct {
		msg  pp.Message
		want error
	}{
		{pp.Message{Type: pp.Choke}, errOutOfState},
		{pp.Message{Type: pp.Unchoke}, nil},
		{pp.Message{Type: pp.Interested}, nil},
		{pp.Message{Type: pp.NotInterested}, errOutOfState},
		{pp.MakeHaveMessage(0), nil},
		{pp.MakeHaveMessage(2), errBadPieceIndex},
		{pp.Message{Type: pp.Bitfield, Bitfield: []byte{0xc0}}, nil},
		{pp.Message{Type: pp.Bitfield, Bitfield: []byte{0xe0}}, pp.ErrBitfieldPadding},
		{pp.Message{Type: pp.Bitfield, Bitfield: []byte{0xc0, 0}}, pp.ErrBitfieldLength},
		{pp.Message{Type: pp.Request, Index: 0, Begin: 0, Length: 16 << 10}, errOutOfState},
		{pp.Message{Type: pp.Request, Index: 0, Begin: 16 << 10, Length: 1}, errBadChunk},
		{pp.Message{Type: pp.Request, Index: 0, Begin: 0, Length: 0}, errBadChunk},
		{pp.Message{Type: pp.Request, Index: 5, Begin: 0, Length: 1}, errBadPieceIndex},
		{pp.Message{Type: pp.Request, Index: 0, Begin: 0, Length: pp.MaxRequestLength + 1}, errOversizeRequest},
		{pp.Message{Type: pp.Piece, Index: 0, Begin: 0, Piece: []byte{1}}, errOutOfState},
		{pp.MakeCancelMessage(0, 0, 16<<10), errOutOfState},
	} {
		err := check(tc.msg)
		if tc.want == nil {
			assert.NoError(t, err, "%v", tc.msg)
		} else {
			assert.ErrorIs(t, err, tc.want, "%v", tc.msg)
		}
	}

	// Once unchoked, requests for pieces we have are accepted, but only once.
	req := pp.Message{Type: pp.Request, Index: 1, Begin: 0, Length: 16 << 10}
	require.NoError(t, tor.do(func() {
		c.amChoking = false
		c.receivedMessage = true
	}))
	assert.NoError(t, check(req))
	// Begin+Length wraps in 32 bits.
	assert.ErrorIs(t, check(pp.Message{Type: pp.Request, Index: 0, Begin: 0xFFFFC000, Length: 0x4000}), errBadChunk)
	assert.ErrorIs(t, check(pp.Message{Type: pp.Request, Index: 1, Begin: 0xFFFFFFFF, Length: 2}), errBadChunk)
	require.NoError(t, tor.do(func() {
		c.peerRequests.PushBack(types.RequestFromMessage(&req))
	}))
	assert.ErrorIs(t, check(req), errOutOfState)
	assert.NoError(t, check(pp.MakeCancelMessage(1, 0, 16<<10)))
	assert.ErrorIs(t, check(pp.Message{Type: pp.Bitfield, Bitfield: []byte{0xc0}}), errOutOfState)
}

func TestFileWantedExcludesPieces(t *testing.T) {
	data := randomData(4 * 16 << 10)
	// The middle piece is shared by both files.
	mi := testMetainfo(t, metainfo.Info{
		Name:        "dir",
		PieceLength: 16 << 10,
		Files: []metainfo.FileInfo{
			{Length: 24 << 10, Path: []string{"a"}},
			{Length: 40 << 10, Path: []string{"b"}},
		},
	}, data)
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{}).open
	cl := newTestingClient(t, cfg)
	tor, err := cl.AddTorrent(mi, "")
	require.NoError(t, err)
	ih := tor.InfoHash()

	require.NoError(t, cl.SetFileWanted(ih, 1, false))
	require.NoError(t, tor.do(func() {
		qt.Check(t, qt.IsTrue(tor.availability.Requestable(0)))
		qt.Check(t, qt.IsTrue(tor.availability.Requestable(1)))
		qt.Check(t, qt.IsFalse(tor.availability.Requestable(2)))
		qt.Check(t, qt.IsFalse(tor.availability.Requestable(3)))
		qt.Check(t, qt.DeepEquals(tor.unwanted.ToArray(), []uint32{2, 3}))
	}))

	require.NoError(t, cl.SetFilePriority(ih, 0, types.PiecePriorityHigh))
	require.NoError(t, cl.SetFileWanted(ih, 1, true))
	require.NoError(t, tor.do(func() {
		qt.Check(t, qt.Equals(tor.availability.Priority(1), types.PiecePriorityHigh))
		qt.Check(t, qt.Equals(tor.availability.Priority(3), types.PiecePriorityNormal))
		qt.Check(t, qt.IsTrue(tor.unwanted.IsEmpty()))
	}))

	qt.Check(t, qt.ErrorIs(cl.SetFilePriority(ih, 0, 7), ErrInvalidPriority))
	qt.Check(t, qt.ErrorIs(cl.SetFileWanted(ih, 2, true), ErrFileIndex))

	st, err := cl.Stats(ih, StatsSelector{Files: true})
	require.NoError(t, err)
	require.Len(t, st.Files, 2)
	qt.Check(t, qt.Equals(st.Files[0].Path, "a"))
	qt.Check(t, qt.Equals(st.Files[0].Priority, types.PiecePriorityHigh))
	qt.Check(t, qt.Equals(st.Files[1].BytesCompleted, int64(0)))
}

func TestVerifyDataFindsMissingPieces(t *testing.T) {
	data := randomData(4 * 16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	ms := &memoryStorage{seed: data}
	cfg := TestingConfig(t)
	cfg.DefaultStorage = ms.open
	cl := newTestingClient(t, cfg)
	tor, err := cl.AddTorrent(mi, "")
	require.NoError(t, err)
	qt.Assert(t, qt.IsTrue(tor.Seeding()))

	require.NoError(t, ms.store.WriteChunk(2, 0, make([]byte, 16)))
	changed, err := cl.VerifyData(tor.InfoHash())
	require.NoError(t, err)
	qt.Check(t, qt.Equals(changed, 1))
	qt.Check(t, qt.IsFalse(tor.Seeding()))
	qt.Check(t, qt.Equals(tor.BytesCompleted(), int64(3*16<<10)))
}

// Starts serving three requests to a leecher. The first reply is held in flight until the
// returned peer reads it, and the rest stay queued.
func queueThreeRequests(t *testing.T) (*Torrent, *wirePeer, *PeerConn, []byte, []pp.Message) {
	data := randomData(3 * 16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{seed: data}).open
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)
	p, c := connectWirePeer(t, tor, "leecher")
	p.expect(pp.Message{Type: pp.Bitfield})
	p.send(pp.Message{Type: pp.Interested})
	p.expect(pp.Message{Type: pp.Unchoke})
	var reqs []pp.Message
	for i := range 3 {
		req := pp.Message{Type: pp.Request, Index: pp.Integer(i), Begin: 0, Length: 16 << 10}
		p.send(req)
		reqs = append(reqs, req)
	}
	waitQueuedReplies(t, tor, c, 2)
	return tor, p, c, data, reqs
}

func waitQueuedReplies(t *testing.T, tor *Torrent, c *PeerConn, n int) {
	require.Eventually(t, func() (ok bool) {
		tor.do(func() { ok = c.peerRequests.Len() == n && c.pieceInFlight.Ok })
		return
	}, 10*time.Second, time.Millisecond)
}

func TestCancelRemovesQueuedReply(t *testing.T) {
	tor, p, c, data, reqs := queueThreeRequests(t)
	p.send(pp.MakeCancelMessage(1, 0, 16<<10))
	waitQueuedReplies(t, tor, c, 1)
	p.expect(pp.Message{Type: pp.Piece, Index: 0, Piece: data[:16<<10]})
	p.expect(pp.Message{Type: pp.Piece, Index: 2, Piece: data[32<<10:]})
	p.expectSilence(200 * time.Millisecond)
	// Cancelling a reply that was already sent is out of state, and changes nothing.
	p.send(pp.MakeCancelMessage(reqs[0].Index, reqs[0].Begin, reqs[0].Length))
	p.expectSilence(100 * time.Millisecond)
	qt.Check(t, qt.Equals(tor.NumConns(), 1))
}

func TestNotInterestedDropsQueuedReplies(t *testing.T) {
	tor, p, c, data, _ := queueThreeRequests(t)
	p.send(pp.Message{Type: pp.NotInterested})
	require.Eventually(t, func() (ok bool) {
		tor.do(func() { ok = !c.peerInterested && c.peerRequests.Len() == 0 })
		return
	}, 10*time.Second, time.Millisecond)
	// Only the reply already in flight is delivered.
	p.expect(pp.Message{Type: pp.Piece, Index: 0, Piece: data[:16<<10]})
	p.expectSilence(200 * time.Millisecond)
	cs := tor.ConnStats()
	qt.Check(t, qt.Equals(cs.ChunksWritten.Int64(), int64(1)))
}

func TestReceiveIdleTimeoutDropsConn(t *testing.T) {
	mi := singleFileMetainfo(t, 16<<10, randomData(16<<10))
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{}).open
	cfg.ReceiveIdleTimeout = 300 * time.Millisecond
	cfg.HubTick = 20 * time.Millisecond
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)
	started := time.Now()
	p, _ := connectWirePeer(t, tor, "quiet")
	p.expectEOF()
	qt.Check(t, qt.IsTrue(time.Since(started) >= cfg.ReceiveIdleTimeout))
	require.Eventually(t, func() bool { return tor.NumConns() == 0 }, 10*time.Second, 10*time.Millisecond)
}

func TestSendIdleTimeoutDropsConn(t *testing.T) {
	mi := singleFileMetainfo(t, 16<<10, randomData(16<<10))
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{}).open
	cfg.SendIdleTimeout = 300 * time.Millisecond
	cfg.HubTick = 20 * time.Millisecond
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)
	started := time.Now()
	p, _ := connectWirePeer(t, tor, "chatty")
	// The peer keeps the receive side alive, but we have nothing to send it.
	go func() {
		keepalive := pp.Message{Keepalive: true}.MustMarshalBinary()
		for {
			if _, err := p.conn.Write(keepalive); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()
	p.expectEOF()
	qt.Check(t, qt.IsTrue(time.Since(started) >= cfg.SendIdleTimeout))
	require.Eventually(t, func() bool { return tor.NumConns() == 0 }, 10*time.Second, 10*time.Millisecond)
}
