package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-i2p/bencode"
	"github.com/anacrolix/torrent-i2p/types/infohash"
)

func testDest(c byte) string {
	return strings.Repeat(string(c), 512) + "AAAA"
}

func TestValidI2PDestination(t *testing.T) {
	qt.Check(t, qt.IsTrue(ValidI2PDestination(testDest('a'))))
	qt.Check(t, qt.IsTrue(ValidI2PDestination(testDest('-')+".i2p")))
	qt.Check(t, qt.IsTrue(ValidI2PDestination(strings.Repeat("~", 520)+"AAAA")))
	qt.Check(t, qt.IsFalse(ValidI2PDestination(strings.Repeat("a", 511)+"AAAA")))
	qt.Check(t, qt.IsFalse(ValidI2PDestination(strings.Repeat("a", 512)+"AAAB")))
	qt.Check(t, qt.IsFalse(ValidI2PDestination("127.0.0.1")))
	qt.Check(t, qt.IsFalse(ValidI2PDestination(strings.Repeat("+", 512)+"AAAA")))
}

func TestScrapeURL(t *testing.T) {
	for _, c := range []struct {
		in, out string
		ok      bool
	}{
		{"http://tr.i2p/announce", "http://tr.i2p/scrape", true},
		{"http://tr.i2p/a/announce.php?passkey=x", "http://tr.i2p/a/scrape.php?passkey=x", true},
		{"http://tr.i2p/announce/", "", false},
		{"http://tr.i2p/a", "", false},
	} {
		out, ok := ScrapeURL(c.in)
		qt.Check(t, qt.Equals(ok, c.ok), qt.Commentf("%q", c.in))
		qt.Check(t, qt.Equals(out, c.out))
	}
}

func TestTiersPromote(t *testing.T) {
	tiers := Tiers{{"a", "b", "c"}, {"d"}}
	tiers.Promote("c")
	qt.Check(t, qt.DeepEquals(tiers, Tiers{{"c", "a", "b"}, {"d"}}))
	tiers.Promote("d")
	tiers.Promote("c")
	tiers.Promote("missing")
	qt.Check(t, qt.DeepEquals(tiers, Tiers{{"c", "a", "b"}, {"d"}}))
}

func peersResponse(dests ...string) []byte {
	peers := []interface{}{}
	for _, d := range dests {
		peers = append(peers, map[string]interface{}{"ip": d, "port": int64(6889)})
	}
	return bencode.MustMarshal(map[string]interface{}{
		"interval":   int64(1800),
		"complete":   int64(3),
		"incomplete": int64(4),
		"peers":      peers,
	})
}

func TestParseAnnounceResponse(t *testing.T) {
	own := testDest('o')
	resp, err := parseAnnounceResponse(peersResponse(testDest('a'), "1.2.3.4", own+".i2p", testDest('b')+".i2p"), own)
	require.NoError(t, err)
	assert.EqualValues(t, 1800, resp.Interval)
	assert.EqualValues(t, 3, resp.Seeders)
	assert.EqualValues(t, 4, resp.Leechers)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, testDest('a'), resp.Peers[0].Dest)
	assert.Equal(t, testDest('b'), resp.Peers[1].Dest)

	_, err = parseAnnounceResponse(bencode.MustMarshal(map[string]interface{}{
		"interval": int64(1), "peers": "\x01\x02\x03\x04\x05\x06",
	}), own)
	qt.Check(t, qt.ErrorIs(err, ErrCompactPeers))

	_, err = parseAnnounceResponse(bencode.MustMarshal(map[string]interface{}{
		"failure reason": "go away",
	}), own)
	qt.Check(t, qt.ErrorMatches(err, `.*go away.*`))

	_, err = parseAnnounceResponse([]byte("not bencode"), own)
	qt.Check(t, qt.IsNotNil(err))
}

func TestAnnounceParams(t *testing.T) {
	queries := make(chan map[string][]string, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		w.Write(peersResponse())
	}))
	defer s.Close()
	var cl Client
	ih := infohash.HashBytes([]byte("x"))
	_, err := cl.Announce(context.Background(), s.URL+"/announce?key=1", AnnounceRequest{
		InfoHash: ih,
		Left:     100,
		Event:    Started,
		IP:       testDest('o'),
	})
	require.NoError(t, err)
	query := <-queries
	assert.Equal(t, []string{ih.AsString()}, query["info_hash"])
	assert.Equal(t, []string{"6889"}, query["port"])
	assert.Equal(t, []string{"100"}, query["numwant"])
	assert.Equal(t, []string{"started"}, query["event"])
	assert.Equal(t, []string{"100"}, query["left"])
	assert.Equal(t, []string{testDest('o')}, query["ip"])
	assert.Equal(t, []string{"1"}, query["key"])
}

// Tier 0 is [T0a, T0b], tier 1 is [T1].
func TestTierFailover(t *testing.T) {
	var (
		mu    sync.Mutex
		hits  []string
		t0bUp atomic.Bool
	)
	t0bUp.Store(true)
	takeHits := func() []string {
		mu.Lock()
		defer mu.Unlock()
		ret := hits
		hits = nil
		return ret
	}
	handler := func(name string, ok func() bool) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits = append(hits, name)
			mu.Unlock()
			if !ok() {
				http.Error(w, "down", http.StatusInternalServerError)
				return
			}
			w.Write(peersResponse(testDest('p')))
		})
	}
	t0a := httptest.NewServer(handler("T0a", func() bool { return false }))
	defer t0a.Close()
	t0b := httptest.NewServer(handler("T0b", t0bUp.Load))
	defer t0b.Close()
	t1 := httptest.NewServer(handler("T1", func() bool { return true }))
	defer t1.Close()
	tiers := Tiers{{t0a.URL + "/announce", t0b.URL + "/announce"}, {t1.URL + "/announce"}}
	var cl Client
	ctx := context.Background()

	res := cl.AnnounceTiers(ctx, tiers, AnnounceRequest{})
	require.NoError(t, res.Err)
	assert.Equal(t, t0b.URL+"/announce", res.URL)
	assert.Equal(t, 1, res.Failures)
	assert.Len(t, res.Peers, 1)
	assert.Equal(t, []string{"T0a", "T0b"}, takeHits())

	res = cl.AnnounceTiers(ctx, tiers, AnnounceRequest{})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"T0b"}, takeHits())

	// T0b becomes unreachable.
	t0bUp.Store(false)
	t0b.Close()
	res = cl.AnnounceTiers(ctx, tiers, AnnounceRequest{})
	require.NoError(t, res.Err)
	assert.Equal(t, t1.URL+"/announce", res.URL)
	assert.Equal(t, 2, res.Failures)
	assert.Equal(t, []string{"T0a", "T1"}, takeHits())
}

func TestScrape(t *testing.T) {
	ih := infohash.HashBytes([]byte("y"))
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scrape" || r.URL.Query().Get("info_hash") != ih.AsString() {
			http.NotFound(w, r)
			return
		}
		w.Write(bencode.MustMarshal(map[string]interface{}{
			"files": map[string]interface{}{
				ih.AsString(): map[string]interface{}{
					"complete":   int64(5),
					"incomplete": int64(6),
					"downloaded": int64(7),
				},
			},
		}))
	}))
	defer s.Close()
	var cl Client
	res, err := cl.Scrape(context.Background(), s.URL+"/announce", ih)
	require.NoError(t, err)
	assert.Equal(t, ScrapeResult{Seeders: 5, Leechers: 6, Completed: 7}, res)

	all := cl.ScrapeAll(context.Background(), []string{s.URL + "/announce", s.URL + "/other"}, ih)
	assert.NoError(t, all[s.URL+"/announce"].Err)
	assert.ErrorIs(t, all[s.URL+"/other"].Err, ErrScrapeUnsupported)
}

func TestInfoHashEscapedLikeAnnounce(t *testing.T) {
	ih := infohash.T{' ', '+', '~', 0xff}
	rawQueries := make(chan string, 2)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQueries <- r.URL.RawQuery
		if r.URL.Path == "/announce" {
			w.Write(peersResponse())
			return
		}
		w.Write(bencode.MustMarshal(map[string]interface{}{
			"files": map[string]interface{}{
				ih.AsString(): map[string]interface{}{"complete": int64(1)},
			},
		}))
	}))
	defer s.Close()
	var cl Client
	_, err := cl.Announce(context.Background(), s.URL+"/announce", AnnounceRequest{InfoHash: ih})
	require.NoError(t, err)
	announced := <-rawQueries
	_, err = cl.Scrape(context.Background(), s.URL+"/announce?key=1", ih)
	require.NoError(t, err)
	scraped := <-rawQueries
	want := "info_hash=%20%2B~%FF" + strings.Repeat("%00", infohash.Size-4)
	qt.Check(t, qt.IsTrue(strings.HasPrefix(announced, want+"&")), qt.Commentf("%s", announced))
	qt.Check(t, qt.Equals(scraped, want+"&key=1"))
}
