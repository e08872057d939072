package torrent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/sync"
	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-i2p/bencode"
	"github.com/anacrolix/torrent-i2p/metainfo"
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/ratelimit"
	"github.com/anacrolix/torrent-i2p/sockets"
	"github.com/anacrolix/torrent-i2p/types"
)

func TestClientDefaultConfigListens(t *testing.T) {
	cfg := NewDefaultClientConfig()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	qt.Check(t, qt.IsNotNil(cl.ListenAddr()))
	id := cl.PeerID()
	qt.Check(t, qt.IsTrue(strings.HasPrefix(string(id[:]), cfg.Bep20)))
	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())
}

func TestAddTorrentErrors(t *testing.T) {
	data := randomData(16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{}).open
	cl := newTestingClient(t, cfg)
	tor, err := cl.AddTorrent(mi, "")
	require.NoError(t, err)
	_, err = cl.AddTorrent(mi, "")
	qt.Check(t, qt.ErrorIs(err, ErrTorrentExists))
	qt.Check(t, qt.ErrorIs(cl.StartTorrent(metainfo.Hash{1}), ErrUnknownTorrent))
	_, err = cl.Stats(metainfo.Hash{1}, AllStats)
	qt.Check(t, qt.ErrorIs(err, ErrUnknownTorrent))

	require.NoError(t, cl.StartTorrent(tor.InfoHash()))
	qt.Check(t, qt.ErrorIs(cl.MoveTorrent(tor.InfoHash(), t.TempDir()), ErrTorrentRunning))

	require.NoError(t, cl.RemoveTorrent(tor.InfoHash()))
	<-tor.Closed()
	qt.Check(t, qt.HasLen(cl.Torrents(), 0))
	qt.Check(t, qt.ErrorIs(cl.RemoveTorrent(tor.InfoHash()), ErrUnknownTorrent))

	require.NoError(t, cl.Close())
	_, err = cl.AddTorrent(mi, "")
	qt.Check(t, qt.ErrorIs(err, ErrClientClosed))
}

func TestMoveStoppedTorrent(t *testing.T) {
	data := randomData(2 * 16 << 10)
	mi := testMetainfo(t, metainfo.Info{
		Name:        "dir",
		PieceLength: 16 << 10,
		Files: []metainfo.FileInfo{
			{Length: 10 << 10, Path: []string{"a"}},
			{Length: 22 << 10, Path: []string{"sub", "b"}},
		},
	}, data)
	cfg := TestingConfig(t)
	cl := newTestingClient(t, cfg)
	tor, err := cl.AddTorrent(mi, "")
	require.NoError(t, err)
	// Written straight to the files, behind the torrent's back.
	for i := range 2 {
		require.NoError(t, tor.store.WriteChunk(i, 0, data[i*16<<10:(i+1)*16<<10]))
	}
	dest := t.TempDir()
	require.NoError(t, cl.MoveTorrent(tor.InfoHash(), dest))
	changed, err := cl.VerifyData(tor.InfoHash())
	require.NoError(t, err)
	qt.Check(t, qt.Equals(changed, 2))
	st, err := cl.Stats(tor.InfoHash(), StatsSelector{Torrent: true})
	require.NoError(t, err)
	qt.Check(t, qt.Equals(st.Torrent.DataPath, dest))
	qt.Check(t, qt.IsTrue(st.Torrent.Seeding))
}

// Two clients over loopback: the leecher learns the seeder's address and downloads everything.
func TestClientTransferLoopback(t *testing.T) {
	data := randomData(8 * 32 << 10)
	mi := singleFileMetainfo(t, 32<<10, data)

	seederCfg := TestingConfig(t)
	seederCfg.DefaultStorage = (&memoryStorage{seed: data}).open
	seeder := newTestingClient(t, seederCfg)
	seederTorrent := addStartedTorrent(t, seeder, mi)
	qt.Assert(t, qt.IsTrue(seederTorrent.Seeding()))

	leecherStorage := &memoryStorage{}
	leecherCfg := TestingConfig(t)
	leecherCfg.DefaultStorage = leecherStorage.open
	leecher := newTestingClient(t, leecherCfg)
	leecherTorrent := addStartedTorrent(t, leecher, mi)
	qt.Check(t, qt.Equals(leecherTorrent.AddPeers(seeder.ListenAddr().String()), 1))

	select {
	case <-leecherTorrent.Complete():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for download")
	}
	qt.Check(t, qt.DeepEquals(leecherStorage.bytes(), data))
	qt.Check(t, qt.Equals(leecherTorrent.BytesCompleted(), int64(len(data))))
	leecherStats := leecherTorrent.ConnStats()
	qt.Check(t, qt.Equals(leecherStats.BytesReadUsefulData.Int64(), int64(len(data))))
	// Mutually complete peers are dropped.
	require.Eventually(t, func() bool {
		return leecherTorrent.NumConns() == 0 && seederTorrent.NumConns() == 0
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		seederStats := seederTorrent.ConnStats()
		return seederStats.BytesWrittenData.Int64() == int64(len(data))
	}, 10*time.Second, 10*time.Millisecond)
	cs := seeder.ClientStats()
	qt.Check(t, qt.Equals(cs.NumTorrents, 1))
	qt.Check(t, qt.Equals(cs.NumRunning, 1))
}

func TestConnStatsCountHandshake(t *testing.T) {
	mi := singleFileMetainfo(t, 16<<10, randomData(16<<10))
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{}).open
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)

	conn, err := net.Dial("tcp", cl.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = pp.InitiateHandshake(context.Background(), conn, tor.InfoHash(), types.PeerID{1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tor.NumConns() == 1 }, 10*time.Second, 10*time.Millisecond)
	// Nothing has been exchanged since: the torrent has no pieces to advertise.
	cs := tor.ConnStats()
	qt.Check(t, qt.Equals(cs.BytesRead.Int64(), int64(pp.HandshakeLen)))
	qt.Check(t, qt.Equals(cs.BytesWritten.Int64(), int64(pp.HandshakeLen)))
}

func testDest(c byte) string {
	return strings.Repeat(string(c), 512) + "AAAA"
}

// A tracker recording announced events, returning a single peer.
type testTracker struct {
	mu     sync.Mutex
	events []string
}

func (me *testTracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/announce" {
		http.NotFound(w, r)
		return
	}
	me.mu.Lock()
	me.events = append(me.events, r.URL.Query().Get("event"))
	me.mu.Unlock()
	w.Write(bencode.MustMarshal(map[string]interface{}{
		"interval": int64(1800),
		"peers": []interface{}{
			map[string]interface{}{"ip": testDest('B'), "port": int64(6889)},
			map[string]interface{}{"ip": testDest('A') + ".i2p", "port": int64(6889)},
		},
	}))
}

func (me *testTracker) announced(event string) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return slices.Contains(me.events, event)
}

func TestTrackerAnnounceLifecycle(t *testing.T) {
	tr := &testTracker{}
	srv := httptest.NewServer(tr)
	defer srv.Close()

	data := randomData(16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	mi.Announce = srv.URL + "/announce"
	s, err := sockets.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.SetOwnAddress(testDest('A'))
	cfg := TestingConfig(t)
	cfg.Transport = s
	cfg.DisableTrackers = false
	cfg.DefaultStorage = (&memoryStorage{}).open
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)
	ih := tor.InfoHash()

	require.Eventually(t, func() bool {
		ti, err := cl.TrackerInfo(ih)
		return err == nil && ti.Started && ti.PeersReceived == 1
	}, 10*time.Second, 10*time.Millisecond)
	qt.Check(t, qt.IsTrue(tr.announced("started")))
	ti, err := cl.TrackerInfo(ih)
	require.NoError(t, err)
	qt.Check(t, qt.DeepEquals(ti.Tiers[0], []string{mi.Announce}))
	qt.Check(t, qt.Equals(ti.LastError, ""))
	qt.Check(t, qt.IsTrue(ti.NextAnnounce.After(time.Now().Add(time.Minute))))

	require.NoError(t, cl.StopTorrent(ih))
	require.Eventually(t, func() bool {
		ti, err := cl.TrackerInfo(ih)
		return err == nil && !ti.Started && tr.announced("stopped")
	}, 10*time.Second, 10*time.Millisecond)
}

func TestAnnounceWaitsForOwnAddress(t *testing.T) {
	tr := &testTracker{}
	srv := httptest.NewServer(tr)
	defer srv.Close()

	data := randomData(16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	mi.Announce = srv.URL + "/announce"
	s, err := sockets.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.ClearOwnAddress()
	cfg := TestingConfig(t)
	cfg.Transport = s
	cfg.DisableTrackers = false
	cfg.AnnounceRetryInterval = 20 * time.Millisecond
	cfg.DefaultStorage = (&memoryStorage{}).open
	cl := newTestingClient(t, cfg)
	tor := addStartedTorrent(t, cl, mi)

	require.Eventually(t, func() bool {
		ti, _ := cl.TrackerInfo(tor.InfoHash())
		return ti.LastError == errOwnAddressUnknown.Error()
	}, 10*time.Second, 10*time.Millisecond)
	qt.Check(t, qt.IsFalse(tr.announced("started")))
	s.SetOwnAddress(testDest('A'))
	require.Eventually(t, func() bool {
		ti, _ := cl.TrackerInfo(tor.InfoHash())
		return ti.Started
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSetTrackerTiersPersists(t *testing.T) {
	data := randomData(16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)
	cfg := TestingConfig(t)
	cfg.DefaultStorage = (&memoryStorage{}).open
	cl := newTestingClient(t, cfg)
	tor, err := cl.AddTorrent(mi, "")
	require.NoError(t, err)
	tiers := [][]string{{"http://a.i2p/announce", "http://b.i2p/announce"}, {"http://c.i2p/announce"}}
	require.NoError(t, cl.SetTrackerTiers(tor.InfoHash(), tiers))
	qt.Check(t, qt.ErrorMatches(cl.SetTrackerTiers(tor.InfoHash(), [][]string{{}}), "empty tracker tier"))

	ti, err := cl.TrackerInfo(tor.InfoHash())
	require.NoError(t, err)
	qt.Check(t, qt.HasLen(ti.Trackers, 3))

	b, ok, err := cfg.Persister.Get(metainfoKey(tor.InfoHash().HexString()))
	require.NoError(t, err)
	require.True(t, ok)
	persisted, err := metainfo.LoadBytes(b)
	require.NoError(t, err)
	qt.Check(t, qt.Equals(persisted.Announce, "http://a.i2p/announce"))
	qt.Check(t, qt.DeepEquals([][]string(persisted.AnnounceList), tiers))
	qt.Check(t, qt.Equals(persisted.HashInfoBytes(), tor.InfoHash()))
}

func TestClientSetRateLimits(t *testing.T) {
	for _, static := range []bool{false, true} {
		cfg := TestingConfig(t)
		cfg.UploadRateLimit = 1 << 20
		cfg.StaticRateQuotas = static
		cl := newTestingClient(t, cfg)
		_, isStatic := cl.uploadLimiter.(*ratelimit.StaticQuotaLimiter)
		qt.Check(t, qt.Equals(isStatic, static))
		up, down := cl.RateLimits()
		qt.Check(t, qt.Equals(up, 1<<20))
		qt.Check(t, qt.Equals(down, 0))
		cl.SetRateLimits(0, 1<<10)
		up, down = cl.RateLimits()
		qt.Check(t, qt.Equals(up, 0))
		qt.Check(t, qt.Equals(down, 1<<10))
	}
}

// The seeder's upload is capped while the transfer runs, then lifted.
func TestTransferUnderStaticUploadLimit(t *testing.T) {
	data := randomData(4 * 16 << 10)
	mi := singleFileMetainfo(t, 16<<10, data)

	seederCfg := TestingConfig(t)
	seederCfg.DefaultStorage = (&memoryStorage{seed: data}).open
	seederCfg.StaticRateQuotas = true
	seederCfg.UploadRateLimit = 16 << 10
	seederCfg.RateLimitInterval = 200 * time.Millisecond
	seeder := newTestingClient(t, seederCfg)
	addStartedTorrent(t, seeder, mi)

	leecherStorage := &memoryStorage{}
	leecherCfg := TestingConfig(t)
	leecherCfg.DefaultStorage = leecherStorage.open
	leecher := newTestingClient(t, leecherCfg)
	leecherTorrent := addStartedTorrent(t, leecher, mi)
	leecherTorrent.AddPeers(seeder.ListenAddr().String())

	started := time.Now()
	require.Eventually(t, func() bool {
		return leecherTorrent.BytesCompleted() >= 16<<10
	}, 10*time.Second, 10*time.Millisecond)
	// At most 16 KiB goes out per interval, so the rest takes several more.
	qt.Check(t, qt.IsFalse(leecherTorrent.Seeding()))
	seeder.SetRateLimits(0, 0)
	select {
	case <-leecherTorrent.Complete():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for download")
	}
	qt.Check(t, qt.IsTrue(time.Since(started) >= seederCfg.RateLimitInterval))
	qt.Check(t, qt.DeepEquals(leecherStorage.bytes(), data))
}
