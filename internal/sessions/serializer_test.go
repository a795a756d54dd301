package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunExclusiveSerializesPerKey(t *testing.T) {
	ser := NewJobSerializer()
	key := SessionKey("alice", 1)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ser.RunExclusive(context.Background(), key, func() error {
				cur := inFlight.Add(1)
				for {
					prev := maxInFlight.Load()
					if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrency %d, want 1", got)
	}
}

func TestRunExclusiveConcurrentAcrossKeys(t *testing.T) {
	ser := NewJobSerializer()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for _, key := range []string{"alice.1", "bob.1"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ser.RunExclusive(context.Background(), key, func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	// Both jobs must be running at once; distinct keys never queue on each
	// other.
	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("jobs on distinct keys blocked each other")
		}
	}
	close(release)
	wg.Wait()
}

func TestRunExclusiveFIFO(t *testing.T) {
	ser := NewJobSerializer()
	key := "conv.room"

	gate := make(chan struct{})
	first := make(chan struct{})
	go func() {
		_ = ser.RunExclusive(context.Background(), key, func() error {
			close(first)
			<-gate
			return nil
		})
	}()
	<-first

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ser.RunExclusive(context.Background(), key, func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each waiter time to enqueue before the next, so arrival
		// order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	close(gate)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v, want arrival order", order)
		}
	}
}

func TestQueueEvictedWhenDrained(t *testing.T) {
	ser := NewJobSerializer()

	var wg sync.WaitGroup
	for i := range 10 {
		key := SessionKey("recipient", i)
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = ser.RunExclusive(context.Background(), key, func() error { return nil })
			}()
		}
	}
	wg.Wait()

	if got := ser.Len(); got != 0 {
		t.Errorf("%d queues left after drain, want 0", got)
	}
}

func TestRunExclusiveHonorsCancellationWhileWaiting(t *testing.T) {
	ser := NewJobSerializer()
	key := "alice.1"

	gate := make(chan struct{})
	running := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ser.RunExclusive(context.Background(), key, func() error {
			close(running)
			<-gate
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ser.RunExclusive(ctx, key, func() error {
		t.Error("cancelled job must not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}

	close(gate)
	<-done
	if got := ser.Len(); got != 0 {
		t.Errorf("%d queues left after abandoned waiter, want 0", got)
	}
}
