// Package worker runs keyed tasks on an elastic goroutine pool. Tasks that
// share a key run one at a time in submission order; different keys run in
// parallel and are served round-robin.
package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the pending queue is full.
	ErrDispatcherBusy = errors.New("dispatcher queue is full")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("dispatcher stopped")

	// ErrKeyBusy is returned by Hold when key already has queued or running work.
	ErrKeyBusy = errors.New("dispatcher key is busy")
)

// Task is the unit of work. ctx is the submitter's context.
type Task func(ctx context.Context) error

// Locker extends per-key exclusion across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Config sizes the dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	// Locker is optional; with it every task also holds "lock:<key>".
	Locker  Locker
	LockTTL time.Duration
	Logger  *slog.Logger
}

type job struct {
	key  string
	ctx  context.Context
	task Task
	done chan error
}

var stopJob = &job{}

type keyQueue struct {
	jobs    []*job
	running bool
	ready   bool
}

// Dispatcher routes keyed tasks to workers.
type Dispatcher struct {
	pool    *jobChannelPool
	locker  Locker
	lockTTL time.Duration
	logger  *slog.Logger
	limit   int

	mu       sync.Mutex
	queues   map[string]*keyQueue
	ready    *list.List // keys with pending work and nothing running
	pending  int
	stopped  bool
	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
}

// NewDispatcher starts the dispatch loop and warms MinWorkers workers.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		locker:   cfg.Locker,
		lockTTL:  cfg.LockTTL,
		logger:   logger,
		limit:    cfg.QueueSize,
		queues:   make(map[string]*keyQueue),
		ready:    list.New(),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.execute)
	go d.run()
	return d
}

// Submit queues task under key and blocks until it has finished, returning
// its error. A task whose ctx ends while still queued is skipped and reports
// ctx.Err().
func (d *Dispatcher) Submit(ctx context.Context, key string, task Task) error {
	j := &job{key: key, ctx: ctx, task: task, done: make(chan error, 1)}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.pending >= d.limit {
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	q := d.queues[key]
	if q == nil {
		q = &keyQueue{}
		d.queues[key] = q
	}
	q.jobs = append(q.jobs, j)
	d.pending++
	if !q.running && !q.ready {
		q.ready = true
		d.ready.PushBack(key)
	}
	d.mu.Unlock()
	d.signal()

	return <-j.done
}

// Hold marks an idle key as running without occupying a worker, so tasks
// submitted under key queue until release is called. A task that learns its
// real key only while running uses it to claim that key as well. With a
// Locker the cross-process lock is taken too.
func (d *Dispatcher) Hold(ctx context.Context, key string) (func(), error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	if _, busy := d.queues[key]; busy {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyBusy, key)
	}
	d.queues[key] = &keyQueue{running: true}
	d.mu.Unlock()

	unlock := func() {}
	if d.locker != nil {
		r, err := d.locker.Lock(ctx, "lock:"+key, d.lockTTL)
		if err != nil {
			d.finish(key)
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		unlock = r
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			d.finish(key)
		})
	}, nil
}

// Pending reports queued tasks that have not started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Workers reports the running and idle worker counts.
func (d *Dispatcher) Workers() (running, idle int) {
	return d.pool.size()
}

// Stop rejects new tasks, fails queued ones with ErrStopped and releases idle
// workers. Tasks already running are left to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	var dropped []*job
	for key, q := range d.queues {
		dropped = append(dropped, q.jobs...)
		q.jobs = nil
		if !q.running {
			delete(d.queues, key)
		}
	}
	d.pending = 0
	d.ready.Init()
	d.mu.Unlock()

	close(d.quit)
	<-d.loopDone
	for _, j := range dropped {
		j.done <- ErrStopped
	}
	d.pool.close()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)
	for {
		select {
		case <-d.quit:
			return
		case <-d.wake:
		}
		for {
			j := d.next()
			if j == nil {
				break
			}
			ch := d.pool.acquire()
			d.logger.Debug("dispatch job", "key", j.key)
			ch <- j
		}
	}
}

// next pops the first job of the first ready key and marks the key running.
func (d *Dispatcher) next() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	elem := d.ready.Front()
	if elem == nil {
		return nil
	}
	d.ready.Remove(elem)
	key := elem.Value.(string)
	q := d.queues[key]
	q.ready = false
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = true
	d.pending--
	return j
}

// finish clears the running mark and requeues the key if more work waits.
func (d *Dispatcher) finish(key string) {
	d.mu.Lock()
	q := d.queues[key]
	if q != nil {
		q.running = false
		switch {
		case len(q.jobs) > 0 && !d.stopped:
			q.ready = true
			d.ready.PushBack(key)
		case len(q.jobs) == 0:
			delete(d.queues, key)
		}
	}
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) execute(j *job) {
	defer d.finish(j.key)
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	j.done <- d.runLocked(j)
}

func (d *Dispatcher) runLocked(j *job) error {
	if d.locker != nil {
		release, err := d.locker.Lock(j.ctx, "lock:"+j.key, d.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", j.key, err)
		}
		defer release()
	}
	return d.safeRun(j)
}

func (d *Dispatcher) safeRun(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked", "key", j.key, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", j.key, r)
		}
	}()
	return j.task(j.ctx)
}
