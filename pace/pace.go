// Package pace owns the timing budget of a contactless transaction:
// per-command deadlines, the overall ceiling, the phase clock used for
// post-mortem logs and the tap-rate governor.
package pace

import (
	"errors"
	"sync"
	"time"
)

// Per-command deadlines. A command that has not answered within its
// budget fails the transaction.
const (
	DeadlineSelect     = 100 * time.Millisecond
	DeadlineGPO        = 250 * time.Millisecond
	DeadlineReadRecord = 100 * time.Millisecond
	DeadlineGenerateAC = 250 * time.Millisecond
	DeadlineGetData    = 100 * time.Millisecond
	DeadlineVerify     = 150 * time.Millisecond
	DeadlineComputeCC  = 150 * time.Millisecond

	// TargetTotal is the soft budget a healthy tap completes within.
	TargetTotal = 500 * time.Millisecond
	// CeilingTotal aborts the transaction outright.
	CeilingTotal = 1000 * time.Millisecond
)

// Deadline returns the transceive budget for an instruction byte.
func Deadline(ins byte) time.Duration {
	switch ins {
	case 0xA4:
		return DeadlineSelect
	case 0xA8:
		return DeadlineGPO
	case 0xB2:
		return DeadlineReadRecord
	case 0xAE:
		return DeadlineGenerateAC
	case 0xCA:
		return DeadlineGetData
	case 0x20:
		return DeadlineVerify
	case 0x2A:
		return DeadlineComputeCC
	default:
		return DeadlineGetData
	}
}

// PhaseClock records how long each transaction phase took.
type PhaseClock struct {
	mu      sync.Mutex
	now     func() time.Time
	start   time.Time
	current string
	since   time.Time
	phases  []PhaseTime
}

// PhaseTime is one recorded phase duration.
type PhaseTime struct {
	Name     string
	Duration time.Duration
}

// NewPhaseClock starts a clock at the current time.
func NewPhaseClock() *PhaseClock {
	return newPhaseClock(time.Now)
}

func newPhaseClock(now func() time.Time) *PhaseClock {
	t := now()
	return &PhaseClock{now: now, start: t, since: t}
}

// Enter closes the running phase, if any, and opens a new one.
func (c *PhaseClock) Enter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	if c.current != "" {
		c.phases = append(c.phases, PhaseTime{Name: c.current, Duration: t.Sub(c.since)})
	}
	c.current = name
	c.since = t
}

// Stop closes the running phase and returns the recorded timings.
func (c *PhaseClock) Stop() []PhaseTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != "" {
		c.phases = append(c.phases, PhaseTime{Name: c.current, Duration: c.now().Sub(c.since)})
		c.current = ""
	}
	return c.phases
}

// Elapsed is the time since the clock started.
func (c *PhaseClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.start)
}

// Exceeded reports whether the hard ceiling has passed.
func (c *PhaseClock) Exceeded() bool {
	return c.Elapsed() > CeilingTotal
}

var (
	ErrTooSoon      = errors.New("pace: minimum interval since previous transaction not elapsed")
	ErrRateExceeded = errors.New("pace: per-minute transaction cap reached")
)

// RateLimiter gates transaction starts: a minimum interval between
// consecutive taps and a cap per rolling minute.
type RateLimiter struct {
	mu          sync.Mutex
	now         func() time.Time
	minInterval time.Duration
	perMinute   int
	last        time.Time
	window      []time.Time
}

// NewRateLimiter builds a limiter; perMinute <= 0 disables the cap and
// minInterval <= 0 disables the spacing check.
func NewRateLimiter(minInterval time.Duration, perMinute int) *RateLimiter {
	return &RateLimiter{now: time.Now, minInterval: minInterval, perMinute: perMinute}
}

// Allow admits a new transaction or reports why not. An admitted call
// counts against both limits immediately.
func (r *RateLimiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now()
	if r.minInterval > 0 && !r.last.IsZero() && t.Sub(r.last) < r.minInterval {
		return ErrTooSoon
	}
	if r.perMinute > 0 {
		cutoff := t.Add(-time.Minute)
		kept := r.window[:0]
		for _, w := range r.window {
			if w.After(cutoff) {
				kept = append(kept, w)
			}
		}
		r.window = kept
		if len(r.window) >= r.perMinute {
			return ErrRateExceeded
		}
		r.window = append(r.window, t)
	}
	r.last = t
	return nil
}
