package eventsched

import (
	"context"
	"testing"
	"time"

	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (me *fakeClock) Now() time.Time {
	return me.now
}

func newFake() (*Scheduler, *fakeClock) {
	c := &fakeClock{now: time.Unix(1000, 0)}
	s := New()
	s.Now = c.Now
	return s, c
}

func TestOrderByTimeThenSchedulingOrder(t *testing.T) {
	s, c := newFake()
	var got []string
	s.Schedule(2*time.Second, func() { got = append(got, "b") })
	s.Schedule(time.Second, func() { got = append(got, "a") })
	s.Schedule(2*time.Second, func() { got = append(got, "c") })
	qt.Check(t, qt.Equals(s.RunDue(), 0))
	c.now = c.now.Add(2 * time.Second)
	qt.Check(t, qt.Equals(s.RunDue(), 3))
	qt.Check(t, qt.DeepEquals(got, []string{"a", "b", "c"}))
	qt.Check(t, qt.Equals(s.Len(), 0))
}

func TestCancelledNeverRuns(t *testing.T) {
	s, c := newFake()
	ran := false
	id := s.Schedule(time.Second, func() { ran = true })
	qt.Check(t, qt.IsTrue(s.Cancel(id)))
	qt.Check(t, qt.IsFalse(s.Cancel(id)))
	c.now = c.now.Add(time.Minute)
	s.RunDue()
	qt.Check(t, qt.IsFalse(ran))
}

func TestPeriodicAndReschedule(t *testing.T) {
	s, c := newFake()
	n := 0
	id := s.Periodic(10*time.Second, func() { n++ })
	c.now = c.now.Add(10 * time.Second)
	s.RunDue()
	c.now = c.now.Add(10 * time.Second)
	s.RunDue()
	assert.Equal(t, 2, n)
	// A long gap runs once, not once per missed period.
	c.now = c.now.Add(time.Minute)
	s.RunDue()
	assert.Equal(t, 3, n)
	assert.True(t, s.Reschedule(id, time.Second))
	c.now = c.now.Add(time.Second)
	s.RunDue()
	assert.Equal(t, 4, n)
	assert.True(t, s.Cancel(id))
	assert.False(t, s.Reschedule(id, 0))
}

func TestRunWakesForNewEvents(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	fired := make(chan struct{})
	s.Schedule(time.Millisecond, func() { close(fired) })
	<-fired
	cancel()
	qt.Check(t, qt.ErrorIs(<-done, context.Canceled))
}
