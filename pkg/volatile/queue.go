// Package volatile implements non-blocking, tile-cached access to voxel data.
//
// A volatile view never waits for data. Reading a voxel whose tile is cached
// returns the value marked valid; reading any other voxel returns an invalid
// sample and schedules the tile on a SharedQueue. Once the tile is loaded the
// view's notifier fires so a renderer can repaint.
package volatile

import (
	"container/heap"
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"

	"segview/internal/logger"
)

// ErrQueueClosed is returned when work is submitted after Shutdown.
var ErrQueueClosed = errors.New("volatile: queue is shut down")

type task struct {
	key      string
	priority int
	seq      uint64
	fn       func(ctx context.Context)
	index    int
}

// taskHeap orders tasks by priority, then newest first.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq > h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// SharedQueue is a fixed pool of workers that load tiles for any number of
// volatile views. Queued keys are unique: submitting a key that is already
// waiting refreshes its priority instead of adding a second task.
type SharedQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   taskHeap
	byKey   map[string]*task
	seq     uint64
	closed  bool
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logger.Logger
}

// NewSharedQueue starts a queue with the given number of workers. A value
// below one uses one worker per CPU.
func NewSharedQueue(workers int, log logger.Logger) *SharedQueue {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &SharedQueue{
		byKey:   make(map[string]*task),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
	q.cond = sync.NewCond(&q.mu)

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Enqueue schedules fn under key. Higher priorities run first; among equal
// priorities the most recent request runs first.
func (q *SharedQueue) Enqueue(key string, priority int, fn func(ctx context.Context)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.seq++
	if t, ok := q.byKey[key]; ok {
		t.priority = priority
		t.seq = q.seq
		t.fn = fn
		heap.Fix(&q.tasks, t.index)
		return nil
	}

	t := &task{key: key, priority: priority, seq: q.seq, fn: fn}
	heap.Push(&q.tasks, t)
	q.byKey[key] = t
	q.cond.Signal()
	return nil
}

// Len returns the number of tasks waiting for a worker.
func (q *SharedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// DropPrefix removes every waiting task whose key starts with prefix and
// returns how many were removed. Running tasks are not affected.
func (q *SharedQueue) DropPrefix(prefix string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for key, t := range q.byKey {
		if strings.HasPrefix(key, prefix) {
			heap.Remove(&q.tasks, t.index)
			delete(q.byKey, key)
			dropped++
		}
	}
	return dropped
}

// Workers returns the size of the worker pool.
func (q *SharedQueue) Workers() int {
	return q.workers
}

// Context is cancelled when the queue shuts down. Loads running on the queue
// receive it.
func (q *SharedQueue) Context() context.Context {
	return q.ctx
}

// Shutdown drops queued work, cancels running work and waits for the workers
// to exit. It is safe to call more than once.
func (q *SharedQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.tasks)
	q.tasks = nil
	q.byKey = make(map[string]*task)
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.log.Debug("SharedQueue", "workers stopped", map[string]interface{}{
		"workers": q.workers,
		"dropped": dropped,
	})
}

func (q *SharedQueue) work() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := heap.Pop(&q.tasks).(*task)
		delete(q.byKey, t.key)
		q.mu.Unlock()

		t.fn(q.ctx)
	}
}
