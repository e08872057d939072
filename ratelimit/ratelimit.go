// Package ratelimit shares a byte rate fairly between many users, such as the connections of a
// client. Each user may consume up to a quota per interval. The quota is revised every tick, rising
// while users are held back only by their quota and falling while the overall rate is exhausted.
package ratelimit

import (
	"math"

	"github.com/anacrolix/sync"
)

// Called with false when a user's claim was cut short, and with true when it may claim again.
type Callback func(unlimited bool)

type limitReason int

const (
	notLimited limitReason = iota
	quotaLimited
	rateLimited
)

type user struct {
	used    int
	limited limitReason
	cb      Callback
}

type Limiter struct {
	mu    sync.Mutex
	rate  int
	quota int
	// Fractions of the current quota by which it may move per tick.
	MaxRaisePct  float64
	MaxReducePct float64
	users        map[any]*user
	totalUsed    int
}

// A rate of zero or less is unlimited.
func NewLimiter(rate int, maxRaisePct, maxReducePct float64) *Limiter {
	return &Limiter{
		rate:         rate,
		quota:        max(rate, 0),
		MaxRaisePct:  maxRaisePct,
		MaxReducePct: maxReducePct,
		users:        make(map[any]*user),
	}
}

func (l *Limiter) Register(u any, cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[u] = &user{cb: cb}
}

func (l *Limiter) Unregister(u any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, u)
}

func (l *Limiter) SetRate(rate int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
	if rate > 0 {
		l.quota = rate
	}
}

func (l *Limiter) Rate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

func (l *Limiter) Quota() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quota
}

func (l *Limiter) unlimited() bool {
	return l.rate <= 0
}

// Takes up to n bytes for u. If fewer than n are granted, u is limited until a later tick.
func (l *Limiter) Claim(u any, n int) (granted int) {
	l.mu.Lock()
	if l.unlimited() {
		l.mu.Unlock()
		return n
	}
	us, ok := l.users[u]
	if !ok {
		l.mu.Unlock()
		panic("unregistered user")
	}
	quotaLeft := max(l.quota-us.used, 0)
	rateLeft := max(l.rate-l.totalUsed, 0)
	granted = min(n, quotaLeft, rateLeft)
	us.used += granted
	l.totalUsed += granted
	var cb Callback
	if granted < n {
		if quotaLeft <= rateLeft {
			us.limited = quotaLimited
		} else {
			us.limited = rateLimited
		}
		cb = us.cb
	}
	l.mu.Unlock()
	if cb != nil {
		cb(false)
	}
	return
}

// Starts a new interval. Should be called once per second.
func (l *Limiter) Tick() {
	l.mu.Lock()
	var callbacks []Callback
	if !l.unlimited() {
		l.revise()
	}
	for _, us := range l.users {
		if us.limited != notLimited && us.cb != nil {
			callbacks = append(callbacks, us.cb)
		}
		us.used = 0
		us.limited = notLimited
	}
	l.totalUsed = 0
	l.mu.Unlock()
	for _, cb := range callbacks {
		cb(true)
	}
}

func (l *Limiter) revise() {
	globalLimited := l.totalUsed >= l.rate
	var numQuota, numRate, usedByUnlimited int
	for _, us := range l.users {
		switch us.limited {
		case quotaLimited:
			numQuota++
		case rateLimited:
			numRate++
		default:
			usedByUnlimited += us.used
		}
	}
	switch {
	case numQuota != 0 && !globalLimited:
		unused := l.rate - l.totalUsed
		raise := min(unused/numQuota, int(math.Ceil(float64(l.quota)*l.MaxRaisePct)))
		l.quota = min(l.quota+raise, l.rate)
	case numRate != 0:
		reduce := max(int(math.Ceil(float64(l.quota)*l.MaxReducePct)), 1)
		floor := (l.rate - usedByUnlimited) / (numRate + numQuota)
		l.quota = max(l.quota-reduce, floor, 1)
	}
}
