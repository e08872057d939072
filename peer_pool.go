package torrent

import (
	"time"

	"github.com/anacrolix/sync"
	"github.com/elliotchance/orderedmap"
)

type poolEntry struct {
	Addr     string
	Attempts int
	AddedAt  time.Time
}

// Known peers of a torrent. Addresses are possible until a handshake with them completes, when
// they become current. Possible addresses are handed out for dialing in the order they were learned.
type peerPool struct {
	mu      sync.Mutex
	current map[string]*poolEntry
	// addr -> *poolEntry
	possible    *orderedmap.OrderedMap
	maxAttempts int
	maxAge      time.Duration
	now         func() time.Time
}

func newPeerPool(maxAttempts int, maxAge time.Duration) *peerPool {
	return &peerPool{
		current:     make(map[string]*poolEntry),
		possible:    orderedmap.NewOrderedMap(),
		maxAttempts: maxAttempts,
		maxAge:      maxAge,
		now:         time.Now,
	}
}

// Learns an address, for example from a tracker. Returns true if it wasn't known. Relearning a
// possible address refreshes its age.
func (me *peerPool) Add(addr string) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	if _, ok := me.current[addr]; ok {
		return false
	}
	if v, ok := me.possible.Get(addr); ok {
		v.(*poolEntry).AddedAt = me.now()
		return false
	}
	me.possible.Set(addr, &poolEntry{Addr: addr, AddedAt: me.now()})
	return true
}

func (me *peerPool) expired(e *poolEntry, now time.Time) bool {
	return e.Attempts >= me.maxAttempts || now.Sub(e.AddedAt) > me.maxAge
}

// Returns up to n possible addresses to dial, forgetting any that have expired.
func (me *peerPool) Take(n int) (ret []string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	now := me.now()
	var expired []string
	for el := me.possible.Front(); el != nil && len(ret) < n; el = el.Next() {
		e := el.Value.(*poolEntry)
		if me.expired(e, now) {
			expired = append(expired, e.Addr)
			continue
		}
		ret = append(ret, e.Addr)
	}
	for _, addr := range expired {
		me.possible.Delete(addr)
	}
	return
}

// A handshake with addr completed.
func (me *peerPool) Promote(addr string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	e := &poolEntry{Addr: addr, AddedAt: me.now()}
	if v, ok := me.possible.Get(addr); ok {
		e = v.(*poolEntry)
		me.possible.Delete(addr)
	}
	e.Attempts = 0
	me.current[addr] = e
}

// Connecting to addr failed. Returns true if the address was forgotten.
func (me *peerPool) Failed(addr string) (forgotten bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	v, ok := me.possible.Get(addr)
	if !ok {
		return false
	}
	e := v.(*poolEntry)
	e.Attempts++
	if me.expired(e, me.now()) {
		me.possible.Delete(addr)
		return true
	}
	// Move to the back so other addresses get their turn.
	me.possible.Delete(addr)
	me.possible.Set(addr, e)
	return false
}

// A connection to addr ended. If keep, the address may be dialed again.
func (me *peerPool) Disconnected(addr string, keep bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.current, addr)
	if keep {
		me.possible.Set(addr, &poolEntry{Addr: addr, AddedAt: me.now()})
	}
}

func (me *peerPool) Forget(addr string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.current, addr)
	me.possible.Delete(addr)
}

// Drops addr from the possible addresses, leaving any current entry.
func (me *peerPool) Discard(addr string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.possible.Delete(addr)
}

func (me *peerPool) IsCurrent(addr string) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	_, ok := me.current[addr]
	return ok
}

func (me *peerPool) NumPossible() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.possible.Len()
}

func (me *peerPool) NumCurrent() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.current)
}
