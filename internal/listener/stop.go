package listener

import (
	"context"
	"sync"
	"sync/atomic"
)

type stopState struct {
	flag     atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	doneCh   chan struct{}
}

// StopToken is held by whoever may end the listener. Stop is the only way
// to set the flag.
type StopToken struct{ s *stopState }

// StopFlag is the read side handed to the listener.
type StopFlag struct{ s *stopState }

// NewStopPair returns a connected token and flag.
func NewStopPair() (StopToken, StopFlag) {
	s := &stopState{stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	return StopToken{s: s}, StopFlag{s: s}
}

// Stop requests a graceful stop. Calling it more than once is a no-op.
// An in-flight fetch is not interrupted.
func (t StopToken) Stop() {
	if t.s == nil {
		return
	}
	t.s.stopOnce.Do(func() {
		t.s.flag.Store(true)
		close(t.s.stopCh)
	})
}

// Done is closed once the listener has reached its terminal state.
func (t StopToken) Done() <-chan struct{} {
	if t.s == nil {
		return closedCh
	}
	return t.s.doneCh
}

// Wait blocks until Done is closed or ctx ends.
func (t StopToken) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsStopped reports whether Stop has been called. The zero StopFlag is never
// stopped.
func (f StopFlag) IsStopped() bool {
	return f.s != nil && f.s.flag.Load()
}

func (f StopFlag) stopped() <-chan struct{} {
	if f.s == nil {
		return nil
	}
	return f.s.stopCh
}

func (f StopFlag) finish() {
	if f.s == nil {
		return
	}
	f.s.doneOnce.Do(func() { close(f.s.doneCh) })
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
