package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when admission would exceed the queue cap.
var ErrQueueFull = errors.New("upload queue is full")

// UploadTask performs one upload end to end (store the file, create the job
// row, fire the pipeline webhook).
type UploadTask func(ctx context.Context) error

type queuedUpload struct {
	name string
	run  UploadTask
	done func(err error)
}

// UploadQueue bounds concurrent uploads as backpressure against the external
// pipeline: at most MaxQueued waiting and MaxInFlight running. Starts are
// staggered by StartStagger so a burst of uploads doesn't hit the pipeline at
// once, and each task is held for at least MinDisplayDuration before its
// completion callback fires so fast uploads stay visible.
type UploadQueue struct {
	Logger *logrus.Logger

	MaxQueued          int
	MaxInFlight        int
	StartStagger       time.Duration
	MinDisplayDuration time.Duration

	tasks chan queuedUpload

	startMu   sync.Mutex
	lastStart time.Time
}

func NewUploadQueue(logger *logrus.Logger) *UploadQueue {
	q := &UploadQueue{
		Logger:             logger,
		MaxQueued:          10,
		MaxInFlight:        3,
		StartStagger:       500 * time.Millisecond,
		MinDisplayDuration: time.Second,
	}
	q.tasks = make(chan queuedUpload, q.MaxQueued)
	return q
}

// Enqueue admits a task or rejects it when the queue is at capacity. done is
// optional and runs after the task finishes and the display hold elapses.
func (q *UploadQueue) Enqueue(name string, task UploadTask, done func(err error)) error {
	select {
	case q.tasks <- queuedUpload{name: name, run: task, done: done}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (q *UploadQueue) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	workers := q.MaxInFlight
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-q.tasks:
					q.runOne(ctx, task)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *UploadQueue) runOne(ctx context.Context, task queuedUpload) {
	if !q.waitForStartSlot(ctx) {
		return
	}

	started := time.Now()
	err := task.run(ctx)
	if err != nil && q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"field":  "UploadQueue",
			"upload": task.name,
		}).Error("upload failed: " + err.Error())
	}

	if hold := q.MinDisplayDuration - time.Since(started); hold > 0 {
		select {
		case <-time.After(hold):
		case <-ctx.Done():
		}
	}
	if task.done != nil {
		task.done(err)
	}
}

// waitForStartSlot enforces the minimum gap between task starts across all
// workers.
func (q *UploadQueue) waitForStartSlot(ctx context.Context) bool {
	for {
		q.startMu.Lock()
		now := time.Now()
		wait := q.StartStagger - now.Sub(q.lastStart)
		if wait <= 0 {
			q.lastStart = now
			q.startMu.Unlock()
			return true
		}
		q.startMu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}
	}
}
