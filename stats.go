package torrent

import (
	"fmt"
	"io"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// The groups of torrent stats a caller wants. Gathering peers and files walks every connection and
// piece, so callers ask only for what they show.
type StatsSelector struct {
	Torrent  bool
	Peers    bool
	Trackers bool
	Files    bool
	Rates    bool
}

var AllStats = StatsSelector{true, true, true, true, true}

// Builds a selector from group names: torrent, peers, trackers, files, rates, or all.
func ParseStatsSelector(groups ...string) (sel StatsSelector, err error) {
	for _, g := range groups {
		switch g {
		case "torrent":
			sel.Torrent = true
		case "peers":
			sel.Peers = true
		case "trackers":
			sel.Trackers = true
		case "files":
			sel.Files = true
		case "rates":
			sel.Rates = true
		case "all":
			sel = AllStats
		default:
			return sel, fmt.Errorf("%w: %q", ErrUnknownStatGroup, g)
		}
	}
	return
}

type TorrentStats struct {
	InfoHash string
	Name     string

	Torrent  *TorrentSummary `json:",omitempty"`
	Peers    []PeerStats     `json:",omitempty"`
	Trackers *TrackerInfo    `json:",omitempty"`
	Files    []FileStats     `json:",omitempty"`
	Rates    *Rates          `json:",omitempty"`
}

type TorrentSummary struct {
	Running      bool
	Seeding      bool
	SuperSeeding bool
	DataPath     string
	NumPieces    int
	PiecesHave   int
	TotalLength  int64
	BytesLeft    int64
	// Bytes of pieces completed and verified this session.
	ProgressBytes int64
	// Piece payload that matched our requests.
	InPayloadBytes  int64
	OutPayloadBytes int64
	NumConns        int
	PossiblePeers   int
	ConnStats       ConnStats
}

type PeerStats struct {
	Addr     string
	PeerID   string
	Outgoing bool
	// Local and remote choke and interest state.
	AmInterested   bool
	PeerInterested bool
	AmChoking      bool
	PeerChoking    bool
	PiecesHave     int
	Requests       int
	PeerRequests   int
	Offered        int
	// Messages waiting to be written.
	Queued    int
	ConnStats ConnStats
}

// Payload rates in bytes per second.
type Rates struct {
	Download float64
	Upload   float64
}

// Samples payload counters on hub ticks, producing rates over windows of at least a second.
type rateSampler struct {
	last        time.Time
	lastIn      int64
	lastOut     int64
	current     Rates
	initialized bool
}

func (me *rateSampler) sample(now time.Time, cs *ConnStats) {
	in, out := cs.BytesReadUsefulData.Int64(), cs.BytesWrittenData.Int64()
	if !me.initialized {
		me.last, me.lastIn, me.lastOut = now, in, out
		me.initialized = true
		return
	}
	dt := now.Sub(me.last)
	if dt < time.Second {
		return
	}
	me.current = Rates{
		Download: float64(in-me.lastIn) / dt.Seconds(),
		Upload:   float64(out-me.lastOut) / dt.Seconds(),
	}
	me.last, me.lastIn, me.lastOut = now, in, out
}

// Runs on the hub.
func (t *Torrent) statsLocked(sel StatsSelector) (ret TorrentStats) {
	ret.InfoHash = t.id
	ret.Name = t.info.Name
	if sel.Torrent {
		ret.Torrent = &TorrentSummary{
			Running:         t.running,
			Seeding:         t.seeding(),
			SuperSeeding:    t.superSeeder.enabled,
			NumPieces:       t.numPieces(),
			PiecesHave:      int(t.have.GetCardinality()),
			TotalLength:     t.info.TotalLength(),
			BytesLeft:       t.bytesLeft.Load(),
			ProgressBytes:   t.progressBytes.Load(),
			InPayloadBytes:  t.stats.BytesReadUsefulData.Int64(),
			OutPayloadBytes: t.stats.BytesWrittenData.Int64(),
			NumConns:        len(t.conns),
			PossiblePeers:   t.pool.NumPossible(),
			ConnStats:       t.stats.Copy(),
		}
	}
	if sel.Peers {
		for c := range t.conns {
			ret.Peers = append(ret.Peers, PeerStats{
				Addr:           c.RemoteAddr,
				PeerID:         c.PeerID.String(),
				Outgoing:       c.outgoing,
				AmInterested:   c.amInterested,
				PeerInterested: c.peerInterested,
				AmChoking:      c.amChoking,
				PeerChoking:    c.peerChoking,
				PiecesHave:     int(c.peerHave.GetCardinality()),
				Requests:       len(c.requests),
				PeerRequests:   c.peerRequests.Len(),
				Offered:        int(c.offered.GetCardinality()),
				Queued:         c.messageWriter.queued(),
				ConnStats:      c.stats.Copy(),
			})
		}
	}
	if sel.Trackers {
		ti := t.announcer.info()
		ret.Trackers = &ti
	}
	if sel.Files {
		ret.Files = t.fileStats()
	}
	if sel.Rates {
		r := t.rates.current
		ret.Rates = &r
	}
	return
}

// Totals over every torrent in a client.
type ClientStats struct {
	ConnStats
	NumTorrents int
	NumRunning  int
	NumConns    int
}

// Writes a detailed dump of stats, such as TorrentStats, for debugging.
func DumpStats[T any](w io.Writer, stats T) {
	cfg := spew.NewDefaultConfig()
	cfg.DisablePointerAddresses = true
	cfg.Fdump(w, stats)
}
