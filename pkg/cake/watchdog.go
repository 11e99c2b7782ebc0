package cake

import (
	"sync"
	"time"
)

// Watchdog arms a single timer against a Scheduler's NextWakeup query,
// standing in for the kernel qdisc watchdog named in spec §9: the engine
// itself never sleeps or owns a goroutine, it only reports when it next
// wants to be asked to dequeue again.
type Watchdog struct {
	mu    sync.Mutex
	timer *time.Timer
}

// NewWatchdog returns an unarmed Watchdog.
func NewWatchdog() *Watchdog {
	return &Watchdog{}
}

// Arm schedules fn to run after d, canceling any previously armed timer.
// A non-positive d runs fn immediately on the caller's goroutine.
func (w *Watchdog) Arm(d time.Duration, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	if d <= 0 {
		w.timer = nil
		fn()
		return
	}
	w.timer = time.AfterFunc(d, fn)
}

// Cancel stops any armed timer without running its callback.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
