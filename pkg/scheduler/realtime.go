package scheduler

import (
	"sync"
	"time"
)

// Realtime is the production Scheduler: it arms real time.Timers and
// forwards their fire events onto a single sink channel owned by the
// controller's event loop.
type Realtime struct {
	sink chan<- any

	mu      sync.Mutex
	handles map[*realtimeHandle]struct{}
}

// NewRealtime returns a Scheduler that delivers fired events on sink. The
// caller owns sink and is expected to read it from a single goroutine.
func NewRealtime(sink chan<- any) *Realtime {
	return &Realtime{
		sink:    sink,
		handles: make(map[*realtimeHandle]struct{}),
	}
}

type realtimeHandle struct {
	r       *Realtime
	timer   *time.Timer
	fired   bool
	mu      sync.Mutex
}

func (r *Realtime) Arm(d time.Duration, event any) TimerHandle {
	h := &realtimeHandle{r: r}
	r.mu.Lock()
	r.handles[h] = struct{}{}
	r.mu.Unlock()

	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		if h.fired {
			h.mu.Unlock()
			return
		}
		h.fired = true
		h.mu.Unlock()

		r.mu.Lock()
		delete(r.handles, h)
		r.mu.Unlock()

		r.sink <- event
	})
	return h
}

func (r *Realtime) Now() time.Time {
	return time.Now()
}

func (h *realtimeHandle) Cancel() {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true
	h.mu.Unlock()

	h.timer.Stop()

	h.r.mu.Lock()
	delete(h.r.handles, h)
	h.r.mu.Unlock()
}
