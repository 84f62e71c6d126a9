// Package mcloop implements the micro-checkpoint tick state machines:
// Loop (C4) drives the primary side (pause, save, resume, send, commit,
// await ack); Receiver (C5) drives the secondary side (receive, load,
// ack). Both share the migration-state enum and sticky error sentinel
// defined here.
package mcloop

import "sync/atomic"

// State names where one tick of the loop currently is, exported for
// metrics and logging.
type State int32

const (
	StateIdle State = iota
	StatePausing
	StateSaving
	StateSending
	StateAwaitingCommitAck
	StateResuming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePausing:
		return "pausing"
	case StateSaving:
		return "saving"
	case StateSending:
		return "sending"
	case StateAwaitingCommitAck:
		return "awaiting-commit-ack"
	case StateResuming:
		return "resuming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// errorSentinel is a one-way, set-once latch: once any tick observes a
// fatal error, every subsequent tick (and any concurrent reader, e.g. a
// metrics scrape or the opposite loop watching this one through a
// shared pointer) sees it immediately, and the loop never silently
// recovers from a state it has already declared unrecoverable
// (spec.md §8: errors are sticky).
type errorSentinel struct {
	err atomic.Pointer[error]
}

// Set latches err if nothing has been latched yet. Later calls are
// no-ops: the first error sticks.
func (s *errorSentinel) Set(err error) {
	if err == nil {
		return
	}
	s.err.CompareAndSwap(nil, &err)
}

// Err returns the latched error, or nil if none has been set.
func (s *errorSentinel) Err() error {
	p := s.err.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Failed reports whether an error has been latched.
func (s *errorSentinel) Failed() bool { return s.err.Load() != nil }
