package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// watchdog calls expire once no activity has been reported for timeout.
// Activity is recorded with touch, which is cheap enough to call on every read.
type watchdog struct {
	timeout time.Duration
	expire  func()
	last    atomic.Int64

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   bool
}

// newWatchdog starts a watchdog. A non-positive timeout disables it.
func newWatchdog(timeout time.Duration, expire func()) *watchdog {
	w := &watchdog{timeout: timeout, expire: expire}
	if timeout <= 0 {
		w.stopped = true
		return w
	}
	w.touch()
	w.timer = time.AfterFunc(timeout, w.check)
	return w
}

func (w *watchdog) touch() {
	w.last.Store(time.Now().UnixNano())
}

func (w *watchdog) check() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	idle := time.Since(time.Unix(0, w.last.Load()))
	if idle < w.timeout {
		w.timer.Reset(w.timeout - idle)
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.stopped = true
	w.mu.Unlock()

	w.expire()
}

// stop disarms the watchdog and reports whether it had already fired.
func (w *watchdog) stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		w.timer.Stop()
	}
	return w.fired
}
