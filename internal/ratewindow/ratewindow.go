// Package ratewindow tracks bytes transferred per calendar second over a rolling window.
package ratewindow

import (
	"time"
)

const DefaultSeconds = 10

type slot struct {
	second int64
	bytes  int64
}

// A fixed circular buffer of per-second byte counts, indexed by second mod window length. Slots are
// expired lazily on read rather than evicted. The zero value uses DefaultSeconds.
type Window struct {
	slots []slot
}

func New(seconds int) *Window {
	w := &Window{}
	w.init(seconds)
	return w
}

func (w *Window) init(seconds int) {
	if seconds <= 0 {
		seconds = DefaultSeconds
	}
	w.slots = make([]slot, seconds)
	for i := range w.slots {
		// Never matches a real second, so empty slots read as stale.
		w.slots[i].second = -1 - int64(seconds)
	}
}

func (w *Window) Seconds() int {
	if w.slots == nil {
		return DefaultSeconds
	}
	return len(w.slots)
}

func (w *Window) slotFor(sec int64) *slot {
	if w.slots == nil {
		w.init(DefaultSeconds)
	}
	i := sec % int64(len(w.slots))
	if i < 0 {
		i += int64(len(w.slots))
	}
	return &w.slots[i]
}

// Records n bytes as transferred during the second containing now.
func (w *Window) Add(now time.Time, n int64) {
	sec := now.Unix()
	s := w.slotFor(sec)
	if s.second != sec {
		s.second = sec
		s.bytes = 0
	}
	s.bytes += n
}

func (w *Window) stale(s slot, now int64) bool {
	return now-s.second > int64(len(w.slots)) || s.second > now
}

// Bytes recorded within the window ending at now.
func (w *Window) Sum(now time.Time) (sum int64) {
	if w.slots == nil {
		return 0
	}
	sec := now.Unix()
	for _, s := range w.slots {
		if w.stale(s, sec) {
			continue
		}
		sum += s.bytes
	}
	return
}

// Bits per second averaged over the window.
func (w *Window) Rate(now time.Time) float64 {
	return 8 * float64(w.Sum(now)) / float64(w.Seconds())
}

func (w *Window) Reset() {
	w.init(w.Seconds())
}
