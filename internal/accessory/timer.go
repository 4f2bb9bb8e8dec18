package accessory

import (
	"sync"
	"time"
)

// Timer is a single-slot one-shot timer: at most one callback is pending.
// Schedule cancels the pending callback before arming a new one, and a
// callback whose slot was cancelled or rearmed in the meantime never runs.
// The zero value is ready to use.
type Timer struct {
	mu  sync.Mutex
	t   *time.Timer
	gen uint64
}

// Schedule runs fn after d, replacing any pending callback.
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.t = nil
		t.mu.Unlock()
		fn()
	})
}

// Stop cancels the pending callback. Safe to call at any time, also after
// the callback fired. Reports whether a callback was pending.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.t == nil {
		return false
	}
	t.t.Stop()
	t.t = nil
	return true
}

// Pending reports whether a callback is armed.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}
