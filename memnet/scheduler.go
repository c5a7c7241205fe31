// Package memnet is an in-memory network for driving peer connections under a simulated clock.
// Everything runs on the goroutine calling the Scheduler, so connections need no locking.
package memnet

import (
	"time"

	"github.com/tidwall/btree"
)

type event struct {
	at  time.Time
	seq uint64
	f   func()
}

func (me event) less(other event) bool {
	if !me.at.Equal(other.at) {
		return me.at.Before(other.at)
	}
	return me.seq < other.seq
}

// Runs callbacks in time order. Events at the same time run in the order they were scheduled. Not
// safe for concurrent use.
type Scheduler struct {
	now    time.Time
	seq    uint64
	events *btree.BTreeG[event]
}

func NewScheduler(start time.Time) *Scheduler {
	return &Scheduler{
		now: start,
		events: btree.NewBTreeGOptions(
			func(a, b event) bool {
				return a.less(b)
			},
			btree.Options{NoLocks: true}),
	}
}

// The simulated time. Scheduler implements peerwire.Clock.
func (s *Scheduler) Now() time.Time {
	return s.now
}

// Schedules f at t, or now if t has passed.
func (s *Scheduler) At(t time.Time, f func()) {
	if t.Before(s.now) {
		t = s.now
	}
	s.seq++
	s.events.Set(event{at: t, seq: s.seq, f: f})
}

func (s *Scheduler) After(d time.Duration, f func()) {
	s.At(s.now.Add(d), f)
}

func (s *Scheduler) Pending() int {
	return s.events.Len()
}

// Runs the next event. Returns false if there wasn't one.
func (s *Scheduler) Step() bool {
	e, ok := s.events.PopMin()
	if !ok {
		return false
	}
	s.now = e.at
	e.f()
	return true
}

// Runs events until there are none left. Returns the number run.
func (s *Scheduler) Run() (n int) {
	for s.Step() {
		n++
	}
	return
}

// Runs events up to and including t, then advances the clock to t.
func (s *Scheduler) RunUntil(t time.Time) (n int) {
	for {
		e, ok := s.events.Min()
		if !ok || e.at.After(t) {
			break
		}
		s.Step()
		n++
	}
	if t.After(s.now) {
		s.now = t
	}
	return
}

func (s *Scheduler) RunFor(d time.Duration) int {
	return s.RunUntil(s.now.Add(d))
}
