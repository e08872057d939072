package torrent

import (
	"context"
	"fmt"
	"net"
	"slices"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/torrent-i2p/internal/eventsched"
	"github.com/anacrolix/torrent-i2p/metainfo"
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
	"github.com/anacrolix/torrent-i2p/ratelimit"
	"github.com/anacrolix/torrent-i2p/sockets"
	"github.com/anacrolix/torrent-i2p/storage"
	"github.com/anacrolix/torrent-i2p/tracker"
	"github.com/anacrolix/torrent-i2p/types"
)

// Clients contain zero or more Torrents. A Client manages a transport and a persister shared by its
// torrents.
type Client struct {
	config *ClientConfig
	logger log.Logger
	peerID types.PeerID

	transport     sockets.Transport
	persister     storage.Persister
	ownPersister  bool
	trackerClient *tracker.Client
	sched         *eventsched.Scheduler

	uploadLimiter   ratelimit.Interface
	downloadLimiter ratelimit.Interface

	ctx        context.Context
	cancel     context.CancelFunc
	goroutines errgroup.Group
	closed     chansync.SetOnce

	mu       sync.RWMutex
	torrents map[metainfo.Hash]*Torrent
	// Order torrents were added in, which is the persisted queue order.
	queue []metainfo.Hash
}

func NewClient(cfg *ClientConfig) (cl *Client, err error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	cl = &Client{
		config:   cfg,
		logger:   cfg.Logger.WithNames("client"),
		torrents: make(map[metainfo.Hash]*Torrent),
		sched:    eventsched.New(),
	}
	if cfg.PeerID != "" {
		copy(cl.peerID[:], cfg.PeerID)
	} else {
		cl.peerID = types.RandomPeerID(cfg.Bep20)
	}
	defer func() {
		if err != nil {
			cl.Close()
			cl = nil
		}
	}()
	cl.ctx, cl.cancel = context.WithCancel(context.Background())
	cl.persister = cfg.Persister
	if cl.persister == nil {
		cl.persister, err = storage.NewBoltPersister(cfg.DataDir)
		if err != nil {
			return cl, fmt.Errorf("opening persister: %w", err)
		}
		cl.ownPersister = true
	}
	cl.transport = cfg.Transport
	if cl.transport == nil {
		s, err := sockets.Listen(cfg.ListenNetwork, cfg.ListenAddr)
		if err != nil {
			return cl, fmt.Errorf("listening: %w", err)
		}
		cl.transport = s
	}
	cl.trackerClient = &tracker.Client{
		HTTPClient: cfg.HTTPClient,
		UserAgent:  cfg.HTTPUserAgent,
		Logger:     cl.logger.WithNames("tracker"),
	}
	cl.uploadLimiter = cfg.newRateLimiter(cfg.UploadRateLimit)
	cl.downloadLimiter = cfg.newRateLimiter(cfg.DownloadRateLimit)
	cl.sched.Periodic(cfg.RateLimitInterval, func() {
		cl.uploadLimiter.Tick()
		cl.downloadLimiter.Tick()
	})
	cl.goroutines.Go(func() error {
		cl.sched.Run(cl.ctx)
		return nil
	})
	cl.goroutines.Go(cl.acceptConnections)
	if err = cl.restoreQueue(); err != nil {
		return cl, fmt.Errorf("restoring torrent queue: %w", err)
	}
	cl.logger.Levelf(log.Debug, "listening on %v as %v", cl.transport.Addr(), cl.peerID)
	return
}

func (cl *Client) PeerID() types.PeerID {
	return cl.peerID
}

// The address peers can reach us on, if known.
func (cl *Client) ListenAddr() net.Addr {
	return cl.transport.Addr()
}

// Stops every torrent and releases the transport and persister. Torrents remain in the persisted
// queue.
func (cl *Client) Close() error {
	if !cl.closed.Set() {
		return nil
	}
	cl.mu.Lock()
	ts := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		ts = append(ts, t)
	}
	cl.mu.Unlock()
	for _, t := range ts {
		t.close()
	}
	if cl.cancel != nil {
		cl.cancel()
	}
	var errs []error
	if cl.transport != nil {
		errs = append(errs, cl.transport.Close())
	}
	cl.goroutines.Wait()
	if cl.ownPersister && cl.persister != nil {
		errs = append(errs, cl.persister.Close())
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (cl *Client) acceptConnections() error {
	for {
		conn, err := cl.transport.Accept()
		if err != nil {
			if cl.closed.IsSet() || cl.ctx.Err() != nil {
				return nil
			}
			cl.logger.Levelf(log.Error, "accepting connection: %v", err)
			return err
		}
		acceptedConns.Add(1)
		cl.goroutines.Go(func() error {
			cl.incomingConnection(conn)
			return nil
		})
	}
}

func (cl *Client) activeTorrent(ih metainfo.Hash) *Torrent {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	t := cl.torrents[ih]
	if t == nil || !t.active.Load() {
		return nil
	}
	return t
}

func (cl *Client) incomingConnection(conn net.Conn) {
	ctx, cancel := context.WithTimeout(cl.ctx, cl.config.HandshakesTimeout)
	defer cancel()
	res, err := pp.ReceiveHandshake(ctx, conn, cl.peerID, func(ih metainfo.Hash) bool {
		return cl.activeTorrent(ih) != nil
	})
	if err != nil {
		acceptReject.Add(1)
		conn.Close()
		cl.logger.Levelf(log.Debug, "handshake from %v: %v", conn.RemoteAddr(), err)
		return
	}
	t := cl.activeTorrent(res.T)
	if t == nil {
		conn.Close()
		return
	}
	var addErr error
	if err := t.do(func() {
		var c *PeerConn
		c, addErr = t.addConn(conn, res.PeerID, conn.RemoteAddr().String(), false)
		if addErr == nil {
			c.countHandshake()
		}
	}); err != nil {
		addErr = err
	}
	if addErr != nil {
		conn.Close()
		t.logger.Levelf(log.Debug, "adding incoming connection from %v: %v", conn.RemoteAddr(), addErr)
	}
}

// Changes the rates shared by all connections, in bytes per second. Zero or less is unlimited.
func (cl *Client) SetRateLimits(upload, download int) {
	cl.uploadLimiter.SetRate(upload)
	cl.downloadLimiter.SetRate(download)
	cl.logger.Levelf(log.Debug, "rate limits set to %d up, %d down", upload, download)
}

// Current rates shared by all connections, in bytes per second.
func (cl *Client) RateLimits() (upload, download int) {
	return cl.uploadLimiter.Rate(), cl.downloadLimiter.Rate()
}

func (cl *Client) Torrent(ih metainfo.Hash) (t *Torrent, ok bool) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	t, ok = cl.torrents[ih]
	return
}

// Torrents in queue order.
func (cl *Client) Torrents() (ret []*Torrent) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	for _, ih := range cl.queue {
		ret = append(ret, cl.torrents[ih])
	}
	return
}

func (cl *Client) torrent(ih metainfo.Hash) (*Torrent, error) {
	t, ok := cl.Torrent(ih)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTorrent, ih)
	}
	return t, nil
}

func (cl *Client) AddTorrentFromFile(filename, dataPath string) (*Torrent, error) {
	mi, err := metainfo.LoadFromFile(filename)
	if err != nil {
		return nil, err
	}
	return cl.AddTorrent(mi, dataPath)
}

// Adds a stopped torrent. Data is kept under dataPath, or the configured data directory if empty.
func (cl *Client) AddTorrent(mi *metainfo.MetaInfo, dataPath string) (t *Torrent, err error) {
	if dataPath == "" {
		dataPath = cl.config.DataDir
	}
	t, err = cl.addTorrent(mi, dataPath)
	if err != nil {
		return
	}
	b, err := marshalMetainfo(mi)
	if err == nil {
		err = cl.persister.Put(metainfoKey(t.id), b)
	}
	if err == nil {
		err = cl.saveQueue()
	}
	if err != nil {
		cl.RemoveTorrent(t.infoHash)
		return nil, fmt.Errorf("persisting torrent: %w", err)
	}
	return
}

func (cl *Client) addTorrent(mi *metainfo.MetaInfo, dataPath string) (*Torrent, error) {
	if cl.closed.IsSet() {
		return nil, ErrClientClosed
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("parsing info: %w", err)
	}
	ih := mi.HashInfoBytes()
	if _, ok := cl.Torrent(ih); ok {
		return nil, fmt.Errorf("%w: %v", ErrTorrentExists, ih)
	}
	store, err := cl.config.storageOpener()(&info, dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	t := cl.newTorrent(mi, &info, dataPath, store)
	cl.mu.Lock()
	if _, ok := cl.torrents[ih]; ok {
		cl.mu.Unlock()
		store.Close()
		return nil, fmt.Errorf("%w: %v", ErrTorrentExists, ih)
	}
	cl.torrents[ih] = t
	cl.queue = append(cl.queue, ih)
	cl.mu.Unlock()
	go t.run()
	err = t.do(func() {
		haveBitfield, err := t.restorePersisted()
		if err != nil {
			t.logger.Levelf(log.Warning, "restoring persisted state: %v", err)
		}
		if !haveBitfield {
			t.verifyData()
		}
	})
	return t, err
}

// Starts connecting to peers and announcing.
func (cl *Client) StartTorrent(ih metainfo.Hash) error {
	t, err := cl.torrent(ih)
	if err != nil {
		return err
	}
	if err := t.do(t.start); err != nil {
		return err
	}
	return cl.saveQueue()
}

func (cl *Client) StopTorrent(ih metainfo.Hash) error {
	t, err := cl.torrent(ih)
	if err != nil {
		return err
	}
	if err := t.do(t.stop); err != nil {
		return err
	}
	return cl.saveQueue()
}

// Stops the torrent and forgets it, including its persisted state. Data is left in place.
func (cl *Client) RemoveTorrent(ih metainfo.Hash) error {
	cl.mu.Lock()
	t, ok := cl.torrents[ih]
	if !ok {
		cl.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnknownTorrent, ih)
	}
	delete(cl.torrents, ih)
	cl.queue = slices.DeleteFunc(cl.queue, func(x metainfo.Hash) bool { return x == ih })
	cl.mu.Unlock()
	t.close()
	var errs []error
	for _, k := range torrentKeys(t.id) {
		errs = append(errs, cl.persister.Delete(k))
	}
	errs = append(errs, cl.saveQueue())
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type mover interface {
	Move(newRoot string) error
}

// Relocates a stopped torrent's data.
func (cl *Client) MoveTorrent(ih metainfo.Hash, dataPath string) error {
	t, err := cl.torrent(ih)
	if err != nil {
		return err
	}
	var running bool
	if err := t.do(func() { running = t.running }); err != nil {
		return err
	}
	if running {
		return ErrTorrentRunning
	}
	m, ok := t.store.(mover)
	if !ok {
		return errors.New("storage can't be moved")
	}
	if err := m.Move(dataPath); err != nil {
		return err
	}
	cl.mu.Lock()
	t.dataPath = dataPath
	cl.mu.Unlock()
	return cl.saveQueue()
}

func (cl *Client) SetFilePriority(ih metainfo.Hash, file int, prio types.PiecePriority) error {
	t, err := cl.torrent(ih)
	if err != nil {
		return err
	}
	if err := t.checkFileIndex(file); err != nil {
		return err
	}
	if !prio.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidPriority, prio)
	}
	return t.do(func() {
		t.changeFilePriority(file, func(fp *filePriority) { fp.Priority = prio })
	})
}

func (cl *Client) SetFileWanted(ih metainfo.Hash, file int, wanted bool) error {
	t, err := cl.torrent(ih)
	if err != nil {
		return err
	}
	if err := t.checkFileIndex(file); err != nil {
		return err
	}
	return t.do(func() {
		t.changeFilePriority(file, func(fp *filePriority) { fp.Wanted = wanted })
	})
}

func (cl *Client) SetSuperSeeding(ih metainfo.Hash, enabled bool) error {
	t, err := cl.torrent(ih)
	if err != nil {
		return err
	}
	var persistErr error
	if err := t.do(func() {
		t.superSeeder.setEnabled(enabled)
		persistErr = cl.persistSuperSeeding(t)
	}); err != nil {
		return err
	}
	return persistErr
}

func (cl *Client) TrackerInfo(ih metainfo.Hash) (TrackerInfo, error) {
	t, err := cl.torrent(ih)
	if err != nil {
		return TrackerInfo{}, err
	}
	return t.announcer.info(), nil
}

// Replaces the torrent's tracker tiers. The change is persisted with the torrent's metainfo.
func (cl *Client) SetTrackerTiers(ih metainfo.Hash, tiers [][]string) error {
	t, err := cl.torrent(ih)
	if err != nil {
		return err
	}
	for _, tier := range tiers {
		if len(tier) == 0 {
			return errors.New("empty tracker tier")
		}
	}
	t.announcer.setTiers(tiers)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t.metainfo.AnnounceList = metainfo.AnnounceList(tracker.Tiers(tiers).Clone())
	t.metainfo.Announce = ""
	if len(tiers) != 0 {
		t.metainfo.Announce = tiers[0][0]
	}
	b, err := marshalMetainfo(t.metainfo)
	if err != nil {
		return err
	}
	return cl.persister.Put(metainfoKey(t.id), b)
}

// Rehashes all of a torrent's data. Returns the number of pieces whose completion changed.
func (cl *Client) VerifyData(ih metainfo.Hash) (changed int, err error) {
	t, err := cl.torrent(ih)
	if err != nil {
		return
	}
	err = t.do(func() {
		changed = t.verifyData()
		t.flushHave()
	})
	return
}

// Gathers the selected groups of a torrent's stats.
func (cl *Client) Stats(ih metainfo.Hash, sel StatsSelector) (ret TorrentStats, err error) {
	t, err := cl.torrent(ih)
	if err != nil {
		return
	}
	if err = t.do(func() { ret = t.statsLocked(sel) }); err != nil {
		return
	}
	if ret.Torrent != nil {
		cl.mu.RLock()
		ret.Torrent.DataPath = t.dataPath
		cl.mu.RUnlock()
	}
	return
}

// Totals over all torrents.
func (cl *Client) ClientStats() (ret ClientStats) {
	for _, t := range cl.Torrents() {
		ret.NumTorrents++
		t.do(func() {
			if t.running {
				ret.NumRunning++
			}
			ret.NumConns += len(t.conns)
		})
		cs := t.stats.Copy()
		ret.BytesRead.Add(cs.BytesRead.Int64())
		ret.BytesWritten.Add(cs.BytesWritten.Int64())
		ret.BytesReadData.Add(cs.BytesReadData.Int64())
		ret.BytesReadUsefulData.Add(cs.BytesReadUsefulData.Int64())
		ret.BytesWrittenData.Add(cs.BytesWrittenData.Int64())
		ret.ChunksRead.Add(cs.ChunksRead.Int64())
		ret.ChunksWritten.Add(cs.ChunksWritten.Int64())
	}
	return
}

// Writes the queue of torrents and whether each is running.
func (cl *Client) saveQueue() error {
	ts := cl.Torrents()
	entries := make([]queueEntry, 0, len(ts))
	for _, t := range ts {
		var running bool
		if t.do(func() { running = t.running }) != nil {
			continue
		}
		cl.mu.RLock()
		entries = append(entries, queueEntry{ID: t.id, DataPath: t.dataPath, Running: running})
		cl.mu.RUnlock()
	}
	return cl.persister.Put(queueKey, marshalQueue(entries))
}

// Re-adds persisted torrents. The legacy queue is only consulted when allowed, and isn't migrated
// until the queue is next saved.
func (cl *Client) restoreQueue() error {
	b, ok, err := cl.persister.Get(queueKey)
	if err != nil {
		return err
	}
	legacy := false
	if !ok && cl.config.AllowLegacyQueue {
		b, ok, err = cl.persister.Get(legacyQueueKey)
		if err != nil {
			return err
		}
		legacy = ok
	}
	if !ok {
		return nil
	}
	entries, err := unmarshalQueue(b, legacy)
	if err != nil {
		return err
	}
	if legacy {
		cl.logger.Levelf(log.Info, "restoring %d torrents from legacy queue", len(entries))
	}
	for _, e := range entries {
		if err := cl.restoreTorrent(e); err != nil {
			cl.logger.Levelf(log.Warning, "restoring torrent %v: %v", e.ID, err)
		}
	}
	return nil
}

func (cl *Client) restoreTorrent(e queueEntry) error {
	b, ok, err := cl.persister.Get(metainfoKey(e.ID))
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no persisted metainfo")
	}
	mi, err := metainfo.LoadBytes(b)
	if err != nil {
		return err
	}
	dataPath := e.DataPath
	if dataPath == "" {
		dataPath = cl.config.DataDir
	}
	t, err := cl.addTorrent(mi, dataPath)
	if err != nil {
		return err
	}
	if e.Running {
		return t.do(t.start)
	}
	return nil
}
