package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	p := New(2)
	var inFlight, maxObserved int32
	release := make(chan struct{})

	var started int32
	for i := 0; i < 5; i++ {
		go func() {
			_ = p.Submit(context.Background(), func(ctx context.Context) error {
				atomic.AddInt32(&started, 1)
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxObserved)
					if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.LessOrEqual(t, int(atomic.LoadInt32(&inFlight)), 2)

	close(release)
}

func TestSubmitReturnsContextErrWhenNoSlotAvailable(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	go p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})
	require.Eventually(t, func() bool { return p.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
}

func TestSubmitPropagatesJobError(t *testing.T) {
	p := New(1)
	wantErr := context.Canceled
	err := p.Submit(context.Background(), func(ctx context.Context) error { return wantErr })
	require.ErrorIs(t, err, wantErr)
}

func TestCloseWaitsForInFlightJobsAndRejectsNew(t *testing.T) {
	p := New(1)
	started := make(chan struct{})
	release := make(chan struct{})
	go p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-closed

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
