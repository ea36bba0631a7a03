// Package window keeps the most recent balance readings and the flow rate
// derived from them.
package window

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// capacity is the reading count; slot 0 of the eleven holds the rate.
const capacity = 10

var ErrOutOfOrder = errors.New("reading older than the newest in window")

type Reading struct {
	At         time.Time `json:"at"`
	Milligrams float64   `json:"mg"`
}

// LagPolicy selects which two readings the rate is taken between.
type LagPolicy int

const (
	// LagShort uses the two newest readings.
	LagShort LagPolicy = iota
	// LagLong uses the oldest and the newest reading.
	LagLong
)

func (p LagPolicy) String() string {
	switch p {
	case LagShort:
		return "short"
	case LagLong:
		return "long"
	default:
		return fmt.Sprintf("LagPolicy(%d)", int(p))
	}
}

type Window struct {
	mu       sync.RWMutex
	policy   LagPolicy
	readings []Reading
	rate     float64
	hasRate  bool
}

func New(policy LagPolicy) *Window {
	return &Window{policy: policy, readings: make([]Reading, 0, capacity)}
}

// Add appends r, evicting the oldest reading when full, and refreshes slot 0.
func (w *Window) Add(r Reading) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.readings); n > 0 && r.At.Before(w.readings[n-1].At) {
		return fmt.Errorf("%w: %v < %v", ErrOutOfOrder, r.At, w.readings[n-1].At)
	}
	if len(w.readings) == capacity {
		copy(w.readings, w.readings[1:])
		w.readings = w.readings[:capacity-1]
	}
	w.readings = append(w.readings, r)
	w.rate, w.hasRate = rateLocked(w.readings, w.policy)
	return nil
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readings = w.readings[:0]
	w.rate, w.hasRate = 0, false
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.readings)
}

// Rate is slot 0: mg/min under the window's policy. ok is false until two
// readings with distinct timestamps exist.
func (w *Window) Rate() (mgPerMin float64, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rate, w.hasRate
}

func rateLocked(rs []Reading, policy LagPolicy) (float64, bool) {
	n := len(rs)
	if n < 2 {
		return 0, false
	}
	from, to := rs[n-2], rs[n-1]
	if policy == LagLong {
		from = rs[0]
	}
	dt := to.At.Sub(from.At).Minutes()
	if dt <= 0 {
		return 0, false
	}
	return (to.Milligrams - from.Milligrams) / dt, true
}
