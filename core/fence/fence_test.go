package fence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/npu-sched/core/fence"
)

func TestSignalOnce(t *testing.T) {
	tl := fence.NewTimeline("test")
	f := fence.New(tl)
	if f.IsSignaled() {
		t.Fatalf("new fence is signaled")
	}
	if err := f.Signal(); err != nil {
		t.Fatalf("Signal() = %v; expected nil", err)
	}
	if !f.IsSignaled() || f.State() != fence.Signaled {
		t.Fatalf("fence state = %v; expected %v", f.State(), fence.Signaled)
	}
	err := f.Signal()
	if !errors.Is(err, fence.ErrAlreadySignaled) {
		t.Fatalf("second Signal() = %v; expected %v", err, fence.ErrAlreadySignaled)
	}
	err = f.SignalError(errors.New("late"))
	if !errors.Is(err, fence.ErrAlreadySignaled) {
		t.Fatalf("SignalError() after Signal() = %v; expected %v", err, fence.ErrAlreadySignaled)
	}
	if f.State() != fence.Signaled || f.Err() != nil {
		t.Errorf("signaled fence changed state to %v (err %v)", f.State(), f.Err())
	}
}

func TestSignalError(t *testing.T) {
	errUpstream := errors.New("upstream")
	f := fence.New(fence.NewTimeline("test"))
	if err := f.SignalError(errUpstream); err != nil {
		t.Fatalf("SignalError() = %v; expected nil", err)
	}
	if f.State() != fence.Errored {
		t.Errorf("fence state = %v; expected %v", f.State(), fence.Errored)
	}
	for n := 0; n < 3; n++ {
		if err := f.Wait(time.Second); !errors.Is(err, errUpstream) {
			t.Errorf("Wait() = %v; expected %v", err, errUpstream)
		}
	}
}

func TestSignalNilError(t *testing.T) {
	f := fence.New(fence.NewTimeline("test"))
	if err := f.SignalError(nil); err != nil {
		t.Fatalf("SignalError(nil) = %v; expected nil", err)
	}
	if f.State() != fence.Signaled {
		t.Errorf("fence state = %v; expected %v", f.State(), fence.Signaled)
	}
}

func TestWaitTimeout(t *testing.T) {
	f := fence.New(fence.NewTimeline("test"))
	if err := f.Wait(0); !errors.Is(err, fence.ErrTimeout) {
		t.Errorf("Wait(0) = %v; expected %v", err, fence.ErrTimeout)
	}
	t0 := time.Now()
	if err := f.Wait(20 * time.Millisecond); !errors.Is(err, fence.ErrTimeout) {
		t.Errorf("Wait(20ms) = %v; expected %v", err, fence.ErrTimeout)
	}
	if d := time.Since(t0); d < 20*time.Millisecond {
		t.Errorf("Wait(20ms) returned after %v", d)
	}
}

func TestWaitContext(t *testing.T) {
	f := fence.New(fence.NewTimeline("test"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.WaitContext(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitContext() = %v; expected %v", err, context.Canceled)
	}
	_ = f.Signal()
	if err := f.WaitContext(context.Background()); err != nil {
		t.Errorf("WaitContext() = %v; expected nil", err)
	}
}

func TestAllWaitersReleased(t *testing.T) {
	const numWaiters = 16
	f := fence.New(fence.NewTimeline("test"))
	var wg sync.WaitGroup
	errs := make(chan error, numWaiters)
	for n := 0; n < numWaiters; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.Wait(5 * time.Second)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	_ = f.Signal()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("waiter returned %v; expected nil", err)
		}
	}
}

func TestCallbacks(t *testing.T) {
	f := fence.New(fence.NewTimeline("test"))
	var got []*fence.Fence
	if !f.AddCallback(func(f *fence.Fence) { got = append(got, f) }) {
		t.Fatalf("AddCallback() on unsignaled fence = false")
	}
	_ = f.Signal()
	if len(got) != 1 || got[0] != f {
		t.Fatalf("callback invocations = %d; expected 1", len(got))
	}
	if f.AddCallback(func(*fence.Fence) { t.Errorf("callback added after signal ran") }) {
		t.Errorf("AddCallback() on signaled fence = true")
	}
	_ = f.Signal()
	if len(got) != 1 {
		t.Errorf("callback invocations after double signal = %d; expected 1", len(got))
	}
}

func TestTimelineSeqno(t *testing.T) {
	tl0 := fence.NewTimeline("a")
	tl1 := fence.NewTimeline("b")
	if tl0.Context() == tl1.Context() {
		t.Fatalf("timelines share context %d", tl0.Context())
	}
	var prev uint64
	for i := 0; i < 5; i++ {
		f := fence.New(tl0)
		if f.Seqno() <= prev {
			t.Errorf("fence %d seqno = %d; expected > %d", i, f.Seqno(), prev)
		}
		if f.Context() != tl0.Context() {
			t.Errorf("fence %d context = %d; expected %d", i, f.Context(), tl0.Context())
		}
		prev = f.Seqno()
	}
	if tl0.Emitted() != prev {
		t.Errorf("Emitted() = %d; expected %d", tl0.Emitted(), prev)
	}
}
