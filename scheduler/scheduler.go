// Package scheduler runs a fixed interval tick and deferred tasks on a
// single goroutine, so everything that touches the target process is
// serialized without locks.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

type task struct {
	at  time.Time
	seq uint64
	fn  func()
}

type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*task)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Loop owns one repeating ticker and a queue of one-shot tasks. Tasks and
// ticks never run concurrently with each other.
type Loop struct {
	log *logger.Logger

	interval time.Duration
	tick     func()

	queue taskQueue
	seq   uint64
	wake  chan struct{}

	mu sync.Mutex
}

// New creates an idle loop
func New() *Loop {
	return &Loop{
		log:  logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "scheduler")),
		wake: make(chan struct{}, 1),
	}
}

// Every sets the repeating tick. It must be called before Run.
func (l *Loop) Every(interval time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = interval
	l.tick = fn
}

// After schedules fn to run once on the loop goroutine after d. Safe to
// call from any goroutine, including from inside a tick or task.
func (l *Loop) After(d time.Duration, fn func()) {
	l.mu.Lock()
	l.seq++
	heap.Push(&l.queue, &task{at: time.Now().Add(d), seq: l.seq, fn: fn})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post schedules fn to run on the loop goroutine as soon as possible
func (l *Loop) Post(fn func()) {
	l.After(0, fn)
}

// Pending returns the number of queued tasks
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run processes ticks and due tasks until ctx is cancelled. Tasks that are
// still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	interval, tick := l.interval, l.tick
	l.mu.Unlock()

	var tickC <-chan time.Time
	if tick != nil && interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		l.runDue()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.untilNext())

		select {
		case <-ctx.Done():
			if n := l.Pending(); n > 0 {
				l.log.Debugln("stopping with", n, "pending tasks")
			}
			return ctx.Err()
		case <-tickC:
			tick()
		case <-timer.C:
		case <-l.wake:
		}
	}
}

// runDue pops and runs every task whose time has come
func (l *Loop) runDue() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 || l.queue[0].at.After(time.Now()) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.queue).(*task)
		l.mu.Unlock()

		t.fn()
	}
}

func (l *Loop) untilNext() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return time.Hour
	}
	d := time.Until(l.queue[0].at)
	if d < 0 {
		d = 0
	}
	return d
}
