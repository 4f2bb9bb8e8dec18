package accessory

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerFiresOnce(t *testing.T) {
	var tm Timer
	var calls atomic.Int32
	done := make(chan struct{})
	tm.Schedule(10*time.Millisecond, func() {
		calls.Add(1)
		close(done)
	})
	if !tm.Pending() {
		t.Error("timer not pending after Schedule")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if tm.Pending() {
		t.Error("timer still pending after firing")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestTimerRescheduleReplaces(t *testing.T) {
	var tm Timer
	fired := make(chan string, 2)
	tm.Schedule(20*time.Millisecond, func() { fired <- "first" })
	tm.Schedule(40*time.Millisecond, func() { fired <- "second" })

	select {
	case got := <-fired:
		if got != "second" {
			t.Errorf("fired %q, want second", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	select {
	case got := <-fired:
		t.Errorf("unexpected second fire %q", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimerStop(t *testing.T) {
	var tm Timer
	if tm.Stop() {
		t.Error("Stop on idle timer reported pending")
	}

	var calls atomic.Int32
	tm.Schedule(20*time.Millisecond, func() { calls.Add(1) })
	if !tm.Stop() {
		t.Error("Stop did not report the pending callback")
	}
	if tm.Stop() {
		t.Error("second Stop reported pending")
	}

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}

func TestTimerRescheduleFromCallback(t *testing.T) {
	var tm Timer
	var calls atomic.Int32
	done := make(chan struct{})
	tm.Schedule(5*time.Millisecond, func() {
		calls.Add(1)
		tm.Schedule(5*time.Millisecond, func() {
			calls.Add(1)
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rescheduled callback did not fire")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}
