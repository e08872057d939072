// Package eventsched runs callbacks at scheduled times from a single goroutine. Events are ordered
// by due time, then by the order they were scheduled.
package eventsched

import (
	"context"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
	"github.com/google/btree"
)

type ID uint64

type event struct {
	at     time.Time
	seq    uint64
	id     ID
	period time.Duration
	f      func()
}

func eventLess(a, b *event) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.id < b.id
}

type Scheduler struct {
	mu      sync.Mutex
	queue   *btree.BTreeG[*event]
	byID    map[ID]*event
	nextID  ID
	seq     uint64
	changed chansync.BroadcastCond
	// Overridable for tests.
	Now func() time.Time
}

func New() *Scheduler {
	return &Scheduler{
		queue: btree.NewG(8, eventLess),
		byID:  make(map[ID]*event),
		Now:   time.Now,
	}
}

// Must hold mu.
func (s *Scheduler) insert(e *event) {
	s.seq++
	e.seq = s.seq
	s.queue.ReplaceOrInsert(e)
	s.byID[e.id] = e
	s.changed.Broadcast()
}

func (s *Scheduler) add(delay, period time.Duration, f func()) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &event{
		at:     s.Now().Add(delay),
		id:     s.nextID,
		period: period,
		f:      f,
	}
	s.insert(e)
	return e.id
}

// Runs f once after delay.
func (s *Scheduler) Schedule(delay time.Duration, f func()) ID {
	return s.add(delay, 0, f)
}

// Runs f every period, starting one period from now.
func (s *Scheduler) Periodic(period time.Duration, f func()) ID {
	if period <= 0 {
		panic(period)
	}
	return s.add(period, period, f)
}

// Moves a pending event to delay from now. Returns false if the event has already run or was
// cancelled.
func (s *Scheduler) Reschedule(id ID, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	s.queue.Delete(e)
	e.at = s.Now().Add(delay)
	s.insert(e)
	return true
}

// Returns true if the event was pending. A cancelled event never runs again, but one already
// running isn't interrupted.
func (s *Scheduler) Cancel(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	s.queue.Delete(e)
	delete(s.byID, id)
	return true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Pops the next due event, or returns how long until one is due. Must hold mu.
func (s *Scheduler) next(now time.Time) (due *event, wait time.Duration, ok bool) {
	e, ok := s.queue.Min()
	if !ok {
		return nil, 0, false
	}
	if e.at.After(now) {
		return nil, e.at.Sub(now), true
	}
	s.queue.DeleteMin()
	if e.period != 0 {
		e.at = e.at.Add(e.period)
		if e.at.Before(now) {
			// Don't try to catch up on missed ticks.
			e.at = now.Add(e.period)
		}
		s.insert(e)
	} else {
		delete(s.byID, e.id)
	}
	return e, 0, true
}

// Runs due events until ctx is done. Callbacks run on the calling goroutine, and may schedule or
// cancel events.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		due, wait, ok := s.next(s.Now())
		changed := s.changed.Signaled()
		s.mu.Unlock()
		if due != nil {
			due.f()
			continue
		}
		var timerC <-chan time.Time
		if ok {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-timerC:
		}
	}
}

// Runs all events due at or before now and returns how many ran. For driving the scheduler
// without a goroutine.
func (s *Scheduler) RunDue() (n int) {
	for {
		s.mu.Lock()
		due, _, _ := s.next(s.Now())
		s.mu.Unlock()
		if due == nil {
			return
		}
		due.f()
		n++
	}
}
