package link

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Task is one write submitted to a Lane.
type Task func(ctx context.Context) error

type laneTask struct {
	ctx     context.Context
	run     Task
	settled func(error)
	stop    func() bool
}

// Lane executes submitted tasks one at a time, strictly in submission order.
// A failing task is reported to its own settle callback and never stops the
// lane. There is one Lane per physical write channel.
type Lane struct {
	mu      sync.Mutex
	queue   []*laneTask
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	timeout time.Duration
}

// NewLane starts the consumer goroutine. A timeout above zero bounds the
// context handed to each task.
func NewLane(timeout time.Duration) *Lane {
	l := &Lane{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		timeout: timeout,
	}

	go l.run()

	return l
}

// Submit appends a task to the lane. The task runs with a context derived
// from ctx; a task whose ctx ends while it is still queued is dropped and
// settles with the cause. settled may be nil and is always called exactly
// once.
func (l *Lane) Submit(ctx context.Context, task Task, settled func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &laneTask{ctx: ctx, run: task, settled: settled}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		t.settle(ErrLaneClosed)
		return
	}
	l.queue = append(l.queue, t)
	t.stop = context.AfterFunc(ctx, func() { l.abandon(t) })
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// consumer already signalled
	}
}

// Pending returns the number of tasks waiting behind the running one.
func (l *Lane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the lane. Tasks still queued settle with ErrLaneClosed; a task
// that is already running completes normally.
func (l *Lane) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dropped := l.queue
	l.queue = nil
	close(l.done)
	l.mu.Unlock()

	for _, t := range dropped {
		t.stop()
		t.settle(ErrLaneClosed)
	}
}

// abandon drops t if it is still queued.
func (l *Lane) abandon(t *laneTask) {
	l.mu.Lock()
	found := false
	for i, queued := range l.queue {
		if queued == t {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			found = true
			break
		}
	}
	l.mu.Unlock()

	if found {
		t.settle(context.Cause(t.ctx))
	}
}

func (t *laneTask) settle(err error) {
	if t.settled != nil {
		t.settled(err)
	}
}

func (l *Lane) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			t, ok := l.next()
			if !ok {
				break
			}
			t.settle(l.execute(t))
		}
	}
}

func (l *Lane) next() (t *laneTask, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	t = l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	t.stop()
	return t, true
}

func (l *Lane) execute(t *laneTask) (err error) {
	if t.ctx.Err() != nil {
		return context.Cause(t.ctx)
	}

	ctx := t.ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane task panicked: %v", r)
		}
	}()

	return t.run(ctx)
}
