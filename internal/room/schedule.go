package room

import (
	"sync"
	"time"
)

// Schedule runs fn on a fixed interval until stopped. Each firing is routed
// through submit so the work executes on the session's serialized loop, and
// the next firing is armed from within the submitted work. A loop that stops
// accepting work (a session that has left) therefore ends the timer chain on
// its own; Stop cancels any pending timer explicitly.
type Schedule struct {
	interval time.Duration
	submit   func(func())
	fn       func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewSchedule builds a schedule; call Start to arm it.
func NewSchedule(interval time.Duration, submit func(func()), fn func()) *Schedule {
	return &Schedule{interval: interval, submit: submit, fn: fn}
}

// Start arms the first firing. Calling Start on a stopped schedule is a no-op.
func (s *Schedule) Start() {
	s.arm()
}

func (s *Schedule) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.timer = time.AfterFunc(s.interval, s.fire)
}

func (s *Schedule) fire() {
	s.submit(func() {
		s.fn()
		s.arm()
	})
}

// Stop cancels the pending firing and prevents rescheduling. Idempotent.
func (s *Schedule) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
