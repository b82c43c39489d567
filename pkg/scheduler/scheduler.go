// Package scheduler provides the timer primitives the cluster controller
// runs on. It is a named-interface collaborator (spec §1): the controller
// never calls time.AfterFunc or net directly, it only arms and cancels
// timers through this interface, so the entire event loop can be driven
// deterministically in tests by the virtual-clock implementation in
// virtual.go.
package scheduler

import "time"

// TimerHandle is returned by Arm. Every exit path of the handler that armed
// a timer must call Cancel, even on error paths, so no handle leaks.
type TimerHandle interface {
	// Cancel prevents a pending timer from firing. Canceling an
	// already-fired or already-canceled timer is a no-op.
	Cancel()
}

// Scheduler arms one-shot timers that deliver an opaque event value onto
// the sink channel supplied at construction time. Delivery always happens
// on the sink's reader goroutine, never inline in Arm's caller and never
// concurrently with another delivery — this is what lets the controller
// stay single-threaded and lock-free over its core state.
type Scheduler interface {
	// Arm schedules event to be sent on the sink channel after d elapses.
	Arm(d time.Duration, event any) TimerHandle

	// Now returns the scheduler's current notion of time.
	Now() time.Time
}

// Immediate is the zero duration used to defer work to the next loop turn
// without waiting on a real deadline (spec §5, TIMEOUT_NOW).
const Immediate = 0
