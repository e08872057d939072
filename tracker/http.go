package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-i2p/bencode"
	"github.com/anacrolix/torrent-i2p/version"
)

var (
	ErrCompactPeers = errors.New("compact peers are not supported")
	ErrNoPeersKey   = errors.New("response has no peers")
	errNoTrackers   = errors.New("no trackers")
)

type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	Logger     log.Logger
}

func (cl *Client) httpClient() *http.Client {
	if cl.HTTPClient != nil {
		return cl.HTTPClient
	}
	return http.DefaultClient
}

// Binary values such as infohashes are sent with spaces as %20, which trackers handle more reliably
// than the + of form encoding.
func escapeBinary(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func setAnnounceParams(_url *url.URL, ar *AnnounceRequest) {
	port := ar.Port
	if port == 0 {
		port = DefaultPort
	}
	numWant := ar.NumWant
	if numWant == 0 {
		numWant = DefaultNumWant
	}
	res := "info_hash" + "=" + escapeBinary(ar.InfoHash.AsString()) +
		"&" + "peer_id" + "=" + escapeBinary(string(ar.PeerId[:])) +
		"&" + "port" + "=" + strconv.FormatInt(int64(port), 10) +
		"&" + "uploaded" + "=" + strconv.FormatInt(ar.Uploaded, 10) +
		"&" + "downloaded" + "=" + strconv.FormatInt(ar.Downloaded, 10) +
		// Clear the sign bit, in case left is unknown.
		"&" + "left" + "=" + strconv.FormatInt(ar.Left&math.MaxInt64, 10) +
		"&" + "numwant" + "=" + strconv.FormatInt(int64(numWant), 10) +
		func() (s string) {
			if ar.IP != "" {
				s = "&" + "ip" + "=" + url.QueryEscape(ar.IP)
			}
			return
		}() +
		func() (event string) {
			if ar.Event != None {
				event = "&" + "event" + "=" + ar.Event.String()
			}
			return
		}() +
		func() (qstr string) {
			if qstr = _url.Query().Encode(); qstr != "" {
				qstr = "&" + qstr
			}
			return
		}()
	_url.RawQuery = res
}

func (cl *Client) get(ctx context.Context, u string) (body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return
	}
	userAgent := cl.UserAgent
	if userAgent == "" {
		userAgent = version.DefaultHttpUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := cl.httpClient().Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	io.Copy(&buf, resp.Body)
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("response from tracker: %s: %s", resp.Status, buf.String())
		return
	}
	return buf.Bytes(), nil
}

func decodeDict(b []byte) (map[string]interface{}, error) {
	v, err := bencode.Decode(b)
	var trailing bencode.ErrUnusedTrailingBytes
	if errors.As(err, &trailing) {
		// Some trackers append a newline.
		v, err = bencode.Decode(b[:len(b)-trailing.NumUnusedBytes])
	}
	if err != nil {
		return nil, fmt.Errorf("error decoding %q: %w", b, err)
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary: %q", b)
	}
	return d, nil
}

func (cl *Client) Announce(ctx context.Context, announceURL string, ar AnnounceRequest) (ret AnnounceResponse, err error) {
	_url, err := url.Parse(announceURL)
	if err != nil {
		return
	}
	setAnnounceParams(_url, &ar)
	body, err := cl.get(ctx, _url.String())
	if err != nil {
		return
	}
	ret, err = parseAnnounceResponse(body, ar.IP)
	if err != nil {
		return
	}
	if ret.Warning != "" {
		cl.Logger.Levelf(log.Warning, "tracker %q warning: %s", announceURL, ret.Warning)
	}
	vars.Add("successful http announces", 1)
	return
}

func parseAnnounceResponse(body []byte, ownDest string) (ret AnnounceResponse, err error) {
	d, err := decodeDict(body)
	if err != nil {
		return
	}
	if reason, ok := bencode.DictString(d, "failure reason"); ok {
		err = fmt.Errorf("tracker gave failure reason: %q", reason)
		return
	}
	ret.Warning, _ = bencode.DictString(d, "warning message")
	if interval, ok := bencode.DictInt(d, "interval"); ok {
		ret.Interval = int32(interval)
	}
	if n, ok := bencode.DictInt(d, "complete"); ok {
		ret.Seeders = int32(n)
	}
	if n, ok := bencode.DictInt(d, "incomplete"); ok {
		ret.Leechers = int32(n)
	}
	switch peers := d["peers"].(type) {
	case nil:
		err = ErrNoPeersKey
	case string:
		vars.Add("compact peers rejected", 1)
		err = ErrCompactPeers
	case []interface{}:
		ownDest = NormalizeDestination(ownDest)
		for _, pi := range peers {
			pd, ok := pi.(map[string]interface{})
			if !ok {
				vars.Add("bad peer entries", 1)
				continue
			}
			var p Peer
			if !p.FromDictInterface(pd) {
				vars.Add("bad peer entries", 1)
				continue
			}
			if p.Dest == ownDest {
				continue
			}
			ret.Peers = append(ret.Peers, p)
		}
	default:
		err = fmt.Errorf("unexpected peers type %T", peers)
	}
	return
}
