package pools

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task represents a unit of work
type Task func()

// WorkerPool runs tasks on a fixed set of long-lived goroutines that share
// one FIFO queue. Queued tasks are always drained before a worker exits.
type WorkerPool struct {
	numWorkers int

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	head    int
	closed  bool
	started bool
	wg      sync.WaitGroup

	onPanic func(v any)

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksPanicked  atomic.Uint64
	}
}

// WorkerPoolOption configures a WorkerPool
type WorkerPoolOption func(*WorkerPool)

// WithPanicHandler installs a handler for panics raised by tasks.
// The worker that recovered the panic keeps running.
func WithPanicHandler(fn func(v any)) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.onPanic = fn
	}
}

// NewWorkerPool creates a pool of numWorkers workers. Workers are not
// started until Start is called; tasks submitted before that are queued.
func NewWorkerPool(numWorkers int, opts ...WorkerPoolOption) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	p := &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make([]Task, 0, 256),
	}
	p.cond = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Calling it more than once has no effect.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.closed {
		return
	}
	p.started = true

	p.wg.Add(p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		go p.run()
	}
}

// Submit enqueues a task. It returns false once the pool is closed.
func (p *WorkerPool) Submit(task Task) bool {
	if task == nil {
		return false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()

	p.stats.tasksSubmitted.Add(1)
	p.cond.Signal()
	return true
}

// run is the main loop for a worker goroutine
func (p *WorkerPool) run() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		if task, ok := p.pop(); ok {
			p.mu.Unlock()
			p.execute(task)
			p.mu.Lock()
			continue
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.cond.Wait()
	}
}

// pop removes the oldest queued task. Caller holds p.mu.
func (p *WorkerPool) pop() (Task, bool) {
	if p.head == len(p.tasks) {
		return nil, false
	}

	task := p.tasks[p.head]
	p.tasks[p.head] = nil
	p.head++

	// Reuse the backing array once everything queued has been taken
	if p.head == len(p.tasks) {
		p.tasks = p.tasks[:0]
		p.head = 0
	}
	return task, true
}

func (p *WorkerPool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.tasksPanicked.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.stats.tasksCompleted.Add(1)
	}()
	task()
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them to exit. If the pool was never started the queue is drained on
// the calling goroutine.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.cond.Broadcast()

	if started {
		p.wg.Wait()
		return
	}

	for {
		p.mu.Lock()
		task, ok := p.pop()
		p.mu.Unlock()
		if !ok {
			return
		}
		p.execute(task)
	}
}

// Pending returns the number of queued tasks not yet taken by a worker
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks) - p.head
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   submitted - completed,
		TasksPanicked:  p.stats.tasksPanicked.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64
	TasksPanicked  uint64
}
