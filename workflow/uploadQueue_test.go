package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(maxQueued, maxInFlight int) *UploadQueue {
	q := &UploadQueue{
		MaxQueued:   maxQueued,
		MaxInFlight: maxInFlight,
	}
	q.tasks = make(chan queuedUpload, q.MaxQueued)
	return q
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := newTestQueue(2, 1)

	task := func(ctx context.Context) error { return nil }
	if err := q.Enqueue("a", task, nil); err != nil {
		t.Fatalf("Enqueue(a) error = %v", err)
	}
	if err := q.Enqueue("b", task, nil); err != nil {
		t.Fatalf("Enqueue(b) error = %v", err)
	}
	if err := q.Enqueue("c", task, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue(c) error = %v, want ErrQueueFull", err)
	}
}

func TestQueueBoundsInFlightUploads(t *testing.T) {
	q := newTestQueue(10, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		err := q.Enqueue("upload", func(ctx context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		}, func(err error) { wg.Done() })
		if err != nil {
			t.Fatalf("Enqueue error = %v", err)
		}
	}
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > 3 {
		t.Errorf("peak in-flight = %d, want at most 3", got)
	}
}

func TestQueueHoldsForMinimumDisplayDuration(t *testing.T) {
	q := newTestQueue(10, 1)
	q.MinDisplayDuration = 80 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	started := time.Now()
	done := make(chan time.Duration, 1)
	err := q.Enqueue("fast", func(ctx context.Context) error { return nil }, func(err error) {
		done <- time.Since(started)
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case elapsed := <-done:
		if elapsed < 80*time.Millisecond {
			t.Errorf("completion fired after %s, want at least 80ms", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
}

func TestQueueStaggersStarts(t *testing.T) {
	q := newTestQueue(10, 3)
	q.StartStagger = 40 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		err := q.Enqueue("upload", func(ctx context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		}, func(err error) { wg.Done() })
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Fatalf("got %d starts, want 3", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 30*time.Millisecond {
			t.Errorf("gap between starts %d and %d = %s, want at least ~40ms", i-1, i, gap)
		}
	}
}

func TestQueueReportsTaskErrorToCallback(t *testing.T) {
	q := newTestQueue(10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	wantErr := errors.New("webhook unreachable")
	done := make(chan error, 1)
	err := q.Enqueue("broken", func(ctx context.Context) error { return wantErr }, func(err error) {
		done <- err
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-done:
		if !errors.Is(got, wantErr) {
			t.Errorf("callback error = %v, want %v", got, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
}
