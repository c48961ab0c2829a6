package grid

import (
	"sync"
	"testing"
	"time"
)

func TestDebouncerCoalesces(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	d := NewDebouncer(30*time.Millisecond, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if fires != 1 {
		t.Fatalf("expected 1 fire, got %d", fires)
	}
}

func TestDebouncerRestartsAfterFire(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	d := NewDebouncer(15*time.Millisecond, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})
	defer d.Stop()

	d.Trigger()
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 1
	})

	d.Trigger()
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 2
	})
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	d := NewDebouncer(20*time.Millisecond, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	d.Trigger()
	d.Stop()
	d.Stop() // idempotent

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fires != 0 {
		t.Fatalf("stopped debouncer fired %d times", fires)
	}
}

func TestDebouncerTriggerAfterStopIsNoOp(t *testing.T) {
	fired := make(chan struct{}, 1)
	d := NewDebouncer(10*time.Millisecond, func() {
		fired <- struct{}{}
	})
	d.Stop()
	d.Trigger()

	select {
	case <-fired:
		t.Fatalf("trigger after stop must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}
