package ratelimit

import (
	"github.com/anacrolix/sync"
)

// StaticQuotaLimiter splits a fixed per-interval limit evenly between its users. Unlike Limiter the
// quota doesn't adapt to usage. A limit of zero or less is unlimited.
type StaticQuotaLimiter struct {
	mu    sync.Mutex
	limit int
	quota int
	users map[any]*user
}

func NewStaticQuotaLimiter(limit int) *StaticQuotaLimiter {
	l := &StaticQuotaLimiter{
		limit: limit,
		users: make(map[any]*user),
	}
	l.recalculateQuota()
	return l
}

func (l *StaticQuotaLimiter) recalculateQuota() {
	l.quota = l.limit / max(len(l.users), 1)
}

func (l *StaticQuotaLimiter) Register(u any, cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[u] = &user{cb: cb}
	l.recalculateQuota()
}

func (l *StaticQuotaLimiter) Unregister(u any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, u)
	l.recalculateQuota()
}

func (l *StaticQuotaLimiter) SetRate(limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	l.recalculateQuota()
}

func (l *StaticQuotaLimiter) Rate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *StaticQuotaLimiter) Quota() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quota
}

func (l *StaticQuotaLimiter) Claim(u any, n int) (granted int) {
	l.mu.Lock()
	if l.limit <= 0 {
		l.mu.Unlock()
		return n
	}
	us, ok := l.users[u]
	if !ok {
		l.mu.Unlock()
		panic("unregistered user")
	}
	granted = min(n, max(l.quota-us.used, 0))
	us.used += granted
	var cb Callback
	if granted < n {
		us.limited = quotaLimited
		cb = us.cb
	}
	l.mu.Unlock()
	if cb != nil {
		cb(false)
	}
	return
}

func (l *StaticQuotaLimiter) Tick() {
	l.mu.Lock()
	var callbacks []Callback
	for _, us := range l.users {
		if us.limited != notLimited && us.cb != nil {
			callbacks = append(callbacks, us.cb)
		}
		us.used = 0
		us.limited = notLimited
	}
	l.mu.Unlock()
	for _, cb := range callbacks {
		cb(true)
	}
}
