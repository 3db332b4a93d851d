package gossip

import (
	"math"
	"sync"
	"time"
)

// FailureDetector turns heartbeat arrival times into a suspicion level.
type FailureDetector interface {
	Observe(id NodeID, t time.Time) // called when a ping is answered
	Phi(id NodeID, now time.Time) float64
	Remove(id NodeID)
}

// DefaultWindow is how many heartbeat intervals PhiDetector remembers.
const DefaultWindow = 100

// PhiDetector is a phi-accrual detector assuming exponentially distributed
// heartbeat intervals: phi = elapsed / mean * log10(e).
type PhiDetector struct {
	mu      sync.Mutex
	window  int
	initial time.Duration // mean used before any interval is known
	hist    map[NodeID]*arrivals
}

type arrivals struct {
	last      time.Time
	intervals []time.Duration // ring buffer
	next      int
	sum       time.Duration
}

var _ FailureDetector = (*PhiDetector)(nil)

// NewPhiDetector returns a detector that assumes initial as the mean interval
// until a member has answered twice. window <= 0 means DefaultWindow.
func NewPhiDetector(window int, initial time.Duration) *PhiDetector {
	if window <= 0 {
		window = DefaultWindow
	}
	if initial <= 0 {
		initial = time.Second
	}
	return &PhiDetector{
		window:  window,
		initial: initial,
		hist:    make(map[NodeID]*arrivals),
	}
}

func (d *PhiDetector) Observe(id NodeID, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.hist[id]
	if !ok {
		d.hist[id] = &arrivals{last: t}
		return
	}
	iv := t.Sub(a.last)
	if iv <= 0 {
		return
	}
	a.last = t
	if len(a.intervals) < d.window {
		a.intervals = append(a.intervals, iv)
	} else {
		a.sum -= a.intervals[a.next]
		a.intervals[a.next] = iv
		a.next = (a.next + 1) % d.window
	}
	a.sum += iv
}

// Phi is 0 for members never observed.
func (d *PhiDetector) Phi(id NodeID, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.hist[id]
	if !ok {
		return 0
	}
	mean := d.initial
	if n := len(a.intervals); n > 0 {
		mean = a.sum / time.Duration(n)
	}
	elapsed := now.Sub(a.last)
	if elapsed <= 0 || mean <= 0 {
		return 0
	}
	return float64(elapsed) / float64(mean) * math.Log10E
}

func (d *PhiDetector) Remove(id NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.hist, id)
}
