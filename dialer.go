package torrent

import (
	"context"
	"net"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/perf"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/torrent-i2p/internal/eventsched"
	pp "github.com/anacrolix/torrent-i2p/peer_protocol"
)

// Dials possible peers from the torrent's pool in rounds: periodically, when the torrent starts and
// when new peers are learned.
type dialer struct {
	t      *Torrent
	logger log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	tick   eventsched.ID
	wakeCh chan struct{}
}

func newDialer(t *Torrent) *dialer {
	return &dialer{
		t:      t,
		logger: t.logger.WithNames("dialer"),
	}
}

func (d *dialer) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	cl := d.t.cl
	ctx, cancel := context.WithCancel(cl.ctx)
	d.cancel = cancel
	wakeCh := make(chan struct{}, 1)
	d.wakeCh = wakeCh
	wakeCh <- struct{}{}
	d.tick = cl.sched.Periodic(cl.config.DialInterval, d.wake)
	cl.goroutines.Go(func() error {
		d.run(ctx, wakeCh)
		return nil
	})
}

func (d *dialer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.cancel = nil
	d.wakeCh = nil
	d.t.cl.sched.Cancel(d.tick)
}

// Requests a dial round. Doesn't block.
func (d *dialer) wake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *dialer) run(ctx context.Context, wakeCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wakeCh:
		}
		d.round(ctx)
	}
}

func (d *dialer) round(ctx context.Context) {
	cfg := d.t.cl.config
	addrs := d.t.pool.Take(cfg.DialBatch)
	if len(addrs) == 0 {
		return
	}
	d.logger.Levelf(log.Debug, "dialing %d peers", len(addrs))
	var eg errgroup.Group
	eg.SetLimit(cfg.DialBatch)
	for _, addr := range addrs {
		if cfg.DialRateLimiter != nil {
			if err := cfg.DialRateLimiter.Wait(ctx); err != nil {
				break
			}
		}
		eg.Go(func() error {
			d.dialAndAdd(ctx, addr)
			return nil
		})
	}
	eg.Wait()
}

func (d *dialer) dial(ctx context.Context, addr string) (_ net.Conn, err error) {
	defer perf.ScopeTimerErr(&err)()
	return d.t.cl.transport.Dial(ctx, addr)
}

func (d *dialer) dialAndAdd(ctx context.Context, addr string) {
	t := d.t
	ctx, cancel := context.WithTimeout(ctx, t.cl.config.HandshakesTimeout)
	defer cancel()
	conn, err := d.dial(ctx, addr)
	if err != nil {
		unsuccessfulDials.Add(1)
		d.logger.Levelf(log.Debug, "dialing %v: %v", addr, err)
		t.pool.Failed(addr)
		return
	}
	successfulDials.Add(1)
	res, err := pp.InitiateHandshake(ctx, conn, t.infoHash, t.cl.peerID)
	if err != nil {
		conn.Close()
		d.logger.Levelf(log.Debug, "handshake with %v: %v", addr, err)
		if errors.Is(err, pp.ErrInfoHashMismatch) || errors.Is(err, pp.ErrBadProtocolString) {
			t.pool.Forget(addr)
		} else {
			t.pool.Failed(addr)
		}
		return
	}
	var addErr error
	if err := t.do(func() {
		var c *PeerConn
		c, addErr = t.addConn(conn, res.PeerID, addr, true)
		if addErr == nil {
			c.countHandshake()
		}
	}); err != nil {
		addErr = err
	}
	if addErr != nil {
		conn.Close()
		d.logger.Levelf(log.Debug, "adding connection to %v: %v", addr, addErr)
		d.onAddConnError(addr, addErr)
	}
}

// Only a connection to ourselves makes the address useless. A duplicate leaves the pool entry of
// the live connection alone.
func (d *dialer) onAddConnError(addr string, err error) {
	pool := d.t.pool
	switch {
	case errors.Is(err, errConnToSelf):
		pool.Forget(addr)
	case errors.Is(err, ErrDuplicatePeer):
		pool.Discard(addr)
	}
}
