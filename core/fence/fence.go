// Package fence implements one-shot completion tokens.
//
// A fence is created unsignaled and transitions exactly once, either to
// signaled or to errored. Any number of goroutines may wait on it; all of
// them are released when it transitions.
package fence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/npu-sched/base/metrics"
)

type State int32

const (
	Unsignaled State = iota
	Signaled
	Errored
)

func (s State) String() string {
	switch s {
	case Unsignaled:
		return "unsignaled"
	case Signaled:
		return "signaled"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// A Timeline hands out fence identities. Sequence numbers of fences created
// on the same timeline are strictly increasing.
type Timeline struct {
	name    string
	context uint64
	seqno   atomic.Uint64
}

var (
	nextContext   atomic.Uint64
	doubleSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.FenceDoubleSignalsN,
		Help: metrics.FenceDoubleSignalsH,
	})
)

func NewTimeline(name string) *Timeline {
	return &Timeline{
		name:    name,
		context: nextContext.Add(1),
	}
}

func (tl *Timeline) Name() string { return tl.name }

func (tl *Timeline) Context() uint64 { return tl.context }

// Emitted returns the sequence number of the most recently created fence.
func (tl *Timeline) Emitted() uint64 { return tl.seqno.Load() }

type Fence struct {
	timeline *Timeline
	seqno    uint64

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
	cbs   []func(*Fence)
}

func New(tl *Timeline) *Fence {
	if tl == nil {
		panic("fence timeline must not be nil")
	}
	return &Fence{
		timeline: tl,
		seqno:    tl.seqno.Add(1),
		done:     make(chan struct{}),
	}
}

func (f *Fence) Context() uint64 { return f.timeline.context }

func (f *Fence) Seqno() uint64 { return f.seqno }

func (f *Fence) String() string {
	return fmt.Sprintf("%s:%d:%d", f.timeline.name, f.timeline.context, f.seqno)
}

// Signal marks the fence as successfully completed.
func (f *Fence) Signal() error {
	return f.signal(Signaled, nil)
}

// SignalError marks the fence as failed with err. A nil err is equivalent to
// Signal.
func (f *Fence) SignalError(err error) error {
	if err == nil {
		return f.signal(Signaled, nil)
	}
	return f.signal(Errored, err)
}

func (f *Fence) signal(s State, err error) error {
	f.mu.Lock()
	if f.state != Unsignaled {
		f.mu.Unlock()
		doubleSignals.Inc()
		return fmt.Errorf("%w: %s", ErrAlreadySignaled, f)
	}
	f.state = s
	f.err = err
	close(f.done)
	cbs := f.cbs
	f.cbs = nil
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(f)
	}
	return nil
}

func (f *Fence) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsSignaled reports whether the fence has left the unsignaled state.
func (f *Fence) IsSignaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the error the fence was signaled with, if any.
func (f *Fence) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done returns a channel that is closed when the fence is signaled.
func (f *Fence) Done() <-chan struct{} { return f.done }

// Wait blocks until the fence is signaled or timeout elapses. It returns nil
// on success, the fence error if the fence errored, or ErrTimeout. A
// non-positive timeout only polls.
func (f *Fence) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		if !f.IsSignaled() {
			return ErrTimeout
		}
		return f.Err()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.Err()
	case <-t.C:
		return ErrTimeout
	}
}

// WaitContext blocks until the fence is signaled or ctx is done.
func (f *Fence) WaitContext(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddCallback registers cb to run once the fence is signaled. It returns
// false, without registering cb, if the fence is already signaled. Callbacks
// run on the signaling goroutine and must not block.
func (f *Fence) AddCallback(cb func(*Fence)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Unsignaled {
		return false
	}
	f.cbs = append(f.cbs, cb)
	return true
}
