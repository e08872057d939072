package tracker

import (
	"context"
	"net/url"
	"strings"

	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/torrent-i2p/bencode"
	"github.com/anacrolix/torrent-i2p/types/infohash"
)

var ErrScrapeUnsupported = errors.New("tracker doesn't support scraping")

// Derives the scrape url by replacing the "announce" prefix of the final path component. Returns
// false if the announce path doesn't allow it.
func ScrapeURL(announce string) (string, bool) {
	u, err := url.Parse(announce)
	if err != nil {
		return "", false
	}
	i := strings.LastIndexByte(u.Path, '/')
	last := u.Path[i+1:]
	if !strings.HasPrefix(last, "announce") {
		return "", false
	}
	u.Path = u.Path[:i+1] + "scrape" + strings.TrimPrefix(last, "announce")
	if u.RawPath != "" {
		u.RawPath = ""
	}
	return u.String(), true
}

func (cl *Client) Scrape(ctx context.Context, announceURL string, ih infohash.T) (ret ScrapeResult, err error) {
	scrapeURL, ok := ScrapeURL(announceURL)
	if !ok {
		err = ErrScrapeUnsupported
		return
	}
	_url, err := url.Parse(scrapeURL)
	if err != nil {
		return
	}
	rawQuery := "info_hash=" + escapeBinary(ih.AsString())
	if q := _url.Query().Encode(); q != "" {
		rawQuery += "&" + q
	}
	_url.RawQuery = rawQuery
	body, err := cl.get(ctx, _url.String())
	if err != nil {
		return
	}
	d, err := decodeDict(body)
	if err != nil {
		return
	}
	if reason, ok := bencode.DictString(d, "failure reason"); ok {
		err = errors.Errorf("tracker gave failure reason: %q", reason)
		return
	}
	files, _ := bencode.DictDict(d, "files")
	fd, ok := bencode.DictDict(files, ih.AsString())
	if !ok {
		err = errors.New("scrape response doesn't include infohash")
		return
	}
	if n, ok := bencode.DictInt(fd, "complete"); ok {
		ret.Seeders = int32(n)
	}
	if n, ok := bencode.DictInt(fd, "incomplete"); ok {
		ret.Leechers = int32(n)
	}
	if n, ok := bencode.DictInt(fd, "downloaded"); ok {
		ret.Completed = int32(n)
	}
	vars.Add("successful http scrapes", 1)
	return
}

type ScrapeOutcome struct {
	Result ScrapeResult
	Err    error
}

// Scrapes every tracker concurrently. Failures are reported per tracker.
func (cl *Client) ScrapeAll(ctx context.Context, announceURLs []string, ih infohash.T) map[string]ScrapeOutcome {
	var (
		mu  sync.Mutex
		ret = make(map[string]ScrapeOutcome, len(announceURLs))
		eg  errgroup.Group
	)
	eg.SetLimit(4)
	for _, u := range announceURLs {
		eg.Go(func() error {
			res, err := cl.Scrape(ctx, u, ih)
			mu.Lock()
			ret[u] = ScrapeOutcome{res, err}
			mu.Unlock()
			return nil
		})
	}
	eg.Wait()
	return ret
}
