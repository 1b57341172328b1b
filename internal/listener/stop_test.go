package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	tok, flag := NewStopPair()
	if flag.IsStopped() {
		t.Fatal("fresh flag reports stopped")
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Stop()
		}()
	}
	wg.Wait()
	tok.Stop()
	if !flag.IsStopped() {
		t.Fatal("flag not set after Stop")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	tok, flag := NewStopPair()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tok.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	flag.finish()
	flag.finish()
	if err := tok.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after finish = %v", err)
	}
}

func TestZeroValues(t *testing.T) {
	t.Parallel()
	var tok StopToken
	var flag StopFlag
	tok.Stop()
	flag.finish()
	if flag.IsStopped() {
		t.Fatal("zero flag reports stopped")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("zero token Done should be closed")
	}
}
