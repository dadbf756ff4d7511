package quiesce

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned when posting to a closed TaskQueue.
var ErrQueueClosed = errors.New("quiesce: task queue closed")

// Host is the process issuing archive I/O.
type Host interface {
	// Pause asks the host to stop issuing archive calls from its control
	// loop and returns once it has acknowledged.
	Pause(ctx context.Context) error
	// Resume lets a paused host continue.
	Resume()
}

// Nop is a Host without a control loop to pause. The read gate alone
// provides quiescence.
type Nop struct{}

func (Nop) Pause(context.Context) error { return nil }
func (Nop) Resume()                     {}

// TaskQueue is a Host whose control loop drains posted tasks once per
// iteration. Pausing posts a task that acknowledges and then blocks the
// loop until Resume.
type TaskQueue struct {
	tasks chan func()

	mu      sync.Mutex
	release chan struct{}
	closed  bool
}

// NewTaskQueue returns a queue holding up to size pending tasks.
func NewTaskQueue(size int) *TaskQueue {
	return &TaskQueue{tasks: make(chan func(), max(size, 1))}
}

// Post queues task for the next Drain. It blocks while the queue is full
// and ctx is live.
func (q *TaskQueue) Post(ctx context.Context, task func()) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain runs every queued task on the calling goroutine and returns how
// many ran. The host's control loop calls it once per iteration.
func (q *TaskQueue) Drain() int {
	n := 0
	for {
		select {
		case task := <-q.tasks:
			task()
			n++
		default:
			return n
		}
	}
}

// Pause implements Host.
func (q *TaskQueue) Pause(ctx context.Context) error {
	release := make(chan struct{})
	acked := make(chan struct{})
	q.mu.Lock()
	q.release = release
	q.mu.Unlock()

	err := q.Post(ctx, func() {
		close(acked)
		<-release
	})
	if err != nil {
		q.Resume()
		return err
	}
	select {
	case <-acked:
		return nil
	case <-ctx.Done():
		q.Resume()
		return ctx.Err()
	}
}

// Resume implements Host.
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.release != nil {
		close(q.release)
		q.release = nil
	}
}

// Close rejects further tasks and releases a pending pause.
func (q *TaskQueue) Close() {
	q.Resume()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
