package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func withSimulatedCPU(t *testing.T) *bool {
	t.Helper()
	origTP, origIntrOn, origDisable, origEnable := tpFn, intrOnFn, disableIntrFn, enableIntrFn
	t.Cleanup(func() {
		tpFn, intrOnFn, disableIntrFn, enableIntrFn = origTP, origIntrOn, origDisable, origEnable
	})

	on := true
	tpFn = func() uint64 { return 0 }
	intrOnFn = func() bool { return on }
	disableIntrFn = func() { on = false }
	enableIntrFn = func() { on = true }
	return &on
}

func TestSpinlock(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched
	withSimulatedCPU(t)

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryAcquire() != false {
		t.Error("expected TryAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestPushPopNesting(t *testing.T) {
	on := withSimulatedCPU(t)

	PushOff()
	PushOff()
	if *on {
		t.Fatal("expected interrupts to stay off while nested")
	}
	PopOff()
	if *on {
		t.Fatal("expected interrupts to remain off after inner PopOff")
	}
	PopOff()
	if !*on {
		t.Fatal("expected interrupts restored after outermost PopOff")
	}
}

func TestPopOffWithoutPushPanics(t *testing.T) {
	withSimulatedCPU(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected PopOff without PushOff to panic")
		}
	}()
	PopOff()
}
