package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a Scheduler whose clock only moves when the test calls
// Advance. It gives controller tests full control over timer ordering
// without real sleeps, following the same "replace the clock with a test
// double" shape as the rest of the pack's fakes.
type Virtual struct {
	sink chan<- any

	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

type virtualTimer struct {
	deadline  time.Time
	event     any
	cancelled bool
	fired     bool
}

// NewVirtual returns a Scheduler with a clock starting at epoch zero.
func NewVirtual(sink chan<- any) *Virtual {
	return &Virtual{sink: sink}
}

func (v *Virtual) Arm(d time.Duration, event any) TimerHandle {
	v.mu.Lock()
	defer v.mu.Unlock()

	t := &virtualTimer{deadline: v.now.Add(d), event: event}
	v.timers = append(v.timers, t)
	return &virtualHandle{v: v, t: t}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the virtual clock forward by d and delivers every timer
// whose deadline has passed, in deadline order, onto the sink channel.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	due := v.dueLocked()
	v.mu.Unlock()

	for _, t := range due {
		v.sink <- t.event
	}
}

func (v *Virtual) dueLocked() []*virtualTimer {
	var due []*virtualTimer
	for _, t := range v.timers {
		if t.cancelled || t.fired {
			continue
		}
		if !t.deadline.After(v.now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fired = true
	}
	return due
}

type virtualHandle struct {
	v *Virtual
	t *virtualTimer
}

func (h *virtualHandle) Cancel() {
	h.v.mu.Lock()
	defer h.v.mu.Unlock()
	h.t.cancelled = true
}
