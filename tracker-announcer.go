package torrent

import (
	"context"
	"slices"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-i2p/internal/eventsched"
	"github.com/anacrolix/torrent-i2p/tracker"
)

var errOwnAddressUnknown = errors.New("own address not yet known")

// Scrape counters and the latest outcomes for one tracker url.
type TrackerStatus struct {
	URL       string
	Seeders   int32
	Leechers  int32
	Downloads int32
	// Set when the counters came from a successful scrape.
	Scraped      bool
	LastScrape   time.Time
	ScrapeError  string
	LastAnnounce time.Time
}

type TrackerInfo struct {
	Tiers        tracker.Tiers
	Trackers     []TrackerStatus
	Started      bool
	LastAnnounce time.Time
	NextAnnounce time.Time
	LastError    string
	// Peers learned over the life of the torrent.
	PeersReceived int
}

// Announces a torrent to its trackers and scrapes them. Timers run on the client's event scheduler,
// and requests are made on a goroutine per announce or scrape round.
type trackerAnnouncer struct {
	t      *Torrent
	logger log.Logger

	mu    sync.Mutex
	tiers tracker.Tiers
	// Bumped whenever tiers are replaced, so stale promotions are discarded.
	tiersGen int
	status   map[string]*TrackerStatus
	// Between start and stop.
	running bool
	// The tracker accepted our started event, and hasn't been told we stopped.
	started          bool
	stopPending      bool
	completedPending bool
	announcing       bool
	nextAnnounce     g.Option[eventsched.ID]
	scrapeTick       g.Option[eventsched.ID]
	lastAnnounce     time.Time
	nextAnnounceAt   time.Time
	lastErr          error
	peersReceived    int
}

func newTrackerAnnouncer(t *Torrent, tiers [][]string) *trackerAnnouncer {
	return &trackerAnnouncer{
		t:      t,
		logger: t.logger.WithNames("tracker"),
		tiers:  tracker.Tiers(tiers).Clone(),
		status: make(map[string]*TrackerStatus),
	}
}

func (a *trackerAnnouncer) trackerStatus(url string) *TrackerStatus {
	st, ok := a.status[url]
	if !ok {
		st = &TrackerStatus{URL: url}
		a.status[url] = st
	}
	return st
}

func (a *trackerAnnouncer) disabled() bool {
	return a.t.cl.config.DisableTrackers
}

func (a *trackerAnnouncer) start() {
	if a.disabled() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.stopPending = false
	a.scheduleAnnounce(0)
	sched := a.t.cl.sched
	a.scrapeTick = g.Some(sched.Periodic(a.t.cl.config.ScrapeInterval, a.scrape))
	sched.Schedule(0, a.scrape)
}

func (a *trackerAnnouncer) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	a.completedPending = false
	sched := a.t.cl.sched
	if a.scrapeTick.Ok {
		sched.Cancel(a.scrapeTick.Value)
		a.scrapeTick.SetNone()
	}
	if !a.started && !a.announcing {
		a.cancelAnnounce()
		return
	}
	a.stopPending = true
	if !a.announcing {
		a.scheduleAnnounce(0)
	}
}

// The download finished. Reported with the next announce, which is brought forward.
func (a *trackerAnnouncer) completed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.completedPending = true
	if a.started && !a.announcing {
		a.scheduleAnnounce(0)
	}
}

// Must hold mu.
func (a *trackerAnnouncer) cancelAnnounce() {
	if a.nextAnnounce.Ok {
		a.t.cl.sched.Cancel(a.nextAnnounce.Value)
		a.nextAnnounce.SetNone()
	}
	a.nextAnnounceAt = time.Time{}
}

// Must hold mu.
func (a *trackerAnnouncer) scheduleAnnounce(delay time.Duration) {
	a.cancelAnnounce()
	a.nextAnnounce = g.Some(a.t.cl.sched.Schedule(delay, a.fire))
	a.nextAnnounceAt = time.Now().Add(delay)
}

// Runs on the event scheduler.
func (a *trackerAnnouncer) fire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextAnnounce.SetNone()
	a.nextAnnounceAt = time.Time{}
	if a.announcing {
		return
	}
	var event tracker.AnnounceEvent
	switch {
	case a.stopPending:
		if !a.started {
			a.stopPending = false
			return
		}
		event = tracker.Stopped
	case !a.running:
		return
	case !a.started:
		event = tracker.Started
	case a.completedPending:
		event = tracker.Completed
	}
	a.announcing = true
	tiers := a.tiers.Clone()
	gen := a.tiersGen
	a.t.cl.goroutines.Go(func() error {
		a.announce(a.t.cl.ctx, event, tiers, gen)
		return nil
	})
}

func (a *trackerAnnouncer) announceRequest(event tracker.AnnounceEvent, ownAddr string) tracker.AnnounceRequest {
	t := a.t
	return tracker.AnnounceRequest{
		InfoHash:   t.infoHash,
		PeerId:     t.cl.peerID,
		Downloaded: t.stats.BytesReadUsefulData.Int64(),
		Uploaded:   t.stats.BytesWrittenData.Int64(),
		Left:       t.bytesLeft.Load(),
		Event:      event,
		IP:         ownAddr,
		NumWant:    tracker.DefaultNumWant,
		Port:       tracker.DefaultPort,
	}
}

func (a *trackerAnnouncer) announce(ctx context.Context, event tracker.AnnounceEvent, tiers tracker.Tiers, gen int) {
	cl := a.t.cl
	var res tracker.TieredAnnounceResult
	own := cl.transport.OwnAddress()
	if own.Ok {
		res = cl.trackerClient.AnnounceTiers(ctx, tiers, a.announceRequest(event, own.Value))
	} else {
		res.Err = errOwnAddressUnknown
	}
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announcing = false
	a.lastAnnounce = now
	a.lastErr = res.Err
	if res.Err == nil {
		if gen == a.tiersGen {
			a.tiers = tiers
		}
		a.trackerStatus(res.URL).LastAnnounce = now
	}
	level := log.Debug
	if res.Err != nil && !errors.Is(res.Err, errOwnAddressUnknown) {
		level = log.Warning
	}
	a.logger.Levelf(level, "announced %q: %v peers, %v failures, err=%v", event, len(res.Peers), res.Failures, res.Err)
	if event == tracker.Stopped {
		// Successful or not, there's nothing more to say.
		a.started = false
		a.stopPending = false
		return
	}
	if res.Err == nil {
		switch event {
		case tracker.Started:
			a.started = true
		case tracker.Completed:
			a.completedPending = false
		}
		a.peersReceived += len(res.Peers)
		addrs := make([]string, 0, len(res.Peers))
		for _, p := range res.Peers {
			addrs = append(addrs, p.Dest)
		}
		a.t.AddPeers(addrs...)
	}
	cfg := cl.config
	switch {
	case a.stopPending:
		a.scheduleAnnounce(0)
	case !a.running:
	case res.Err != nil:
		a.scheduleAnnounce(cfg.AnnounceRetryInterval)
	case a.completedPending:
		a.scheduleAnnounce(0)
	case res.Failures != 0:
		a.scheduleAnnounce(cfg.AnnouncePartialInterval)
	default:
		a.scheduleAnnounce(cfg.AnnounceInterval)
	}
}

// Runs on the event scheduler.
func (a *trackerAnnouncer) scrape() {
	a.mu.Lock()
	urls := slices.Collect(a.tiers.All())
	a.mu.Unlock()
	if len(urls) == 0 {
		return
	}
	cl := a.t.cl
	cl.goroutines.Go(func() error {
		outcomes := cl.trackerClient.ScrapeAll(cl.ctx, urls, a.t.infoHash)
		now := time.Now()
		a.mu.Lock()
		defer a.mu.Unlock()
		for u, o := range outcomes {
			st := a.trackerStatus(u)
			st.LastScrape = now
			if o.Err != nil {
				st.Seeders, st.Leechers, st.Downloads = 0, 0, 0
				st.Scraped = false
				st.ScrapeError = o.Err.Error()
				continue
			}
			st.Seeders = o.Result.Seeders
			st.Leechers = o.Result.Leechers
			st.Downloads = o.Result.Completed
			st.Scraped = true
			st.ScrapeError = ""
		}
		return nil
	})
}

func (a *trackerAnnouncer) setTiers(tiers tracker.Tiers) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tiers = tiers.Clone()
	a.tiersGen++
	keep := make(map[string]bool)
	for u := range a.tiers.All() {
		keep[u] = true
	}
	for u := range a.status {
		if !keep[u] {
			delete(a.status, u)
		}
	}
	if a.running && a.started && !a.announcing && !a.stopPending {
		a.scheduleAnnounce(0)
	}
}

func (a *trackerAnnouncer) info() (ret TrackerInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ret.Tiers = a.tiers.Clone()
	for u := range a.tiers.All() {
		if st, ok := a.status[u]; ok {
			ret.Trackers = append(ret.Trackers, *st)
		} else {
			ret.Trackers = append(ret.Trackers, TrackerStatus{URL: u})
		}
	}
	ret.Started = a.started
	ret.LastAnnounce = a.lastAnnounce
	ret.NextAnnounce = a.nextAnnounceAt
	if a.lastErr != nil {
		ret.LastError = a.lastErr.Error()
	}
	ret.PeersReceived = a.peersReceived
	return
}
