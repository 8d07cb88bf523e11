// Package timer keeps per-connection idle deadlines in an indexed min-heap.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Callback is invoked when a deadline expires
type Callback func()

type node struct {
	id       int
	deadline time.Time
	cb       Callback
}

// nodes is the heap storage. Every mutation goes through heap.Interface so
// the id → slot index stays in step with each swap, push and pop.
type nodes struct {
	items []node
	index map[int]int
}

func (n *nodes) Len() int           { return len(n.items) }
func (n *nodes) Less(i, j int) bool { return n.items[i].deadline.Before(n.items[j].deadline) }

func (n *nodes) Swap(i, j int) {
	n.items[i], n.items[j] = n.items[j], n.items[i]
	n.index[n.items[i].id] = i
	n.index[n.items[j].id] = j
}

func (n *nodes) Push(x any) {
	nd := x.(node)
	n.index[nd.id] = len(n.items)
	n.items = append(n.items, nd)
}

func (n *nodes) Pop() any {
	last := len(n.items) - 1
	nd := n.items[last]
	n.items[last] = node{}
	n.items = n.items[:last]
	delete(n.index, nd.id)
	return nd
}

// Heap is a min-heap of deadlines keyed by connection id
type Heap struct {
	mu  sync.Mutex
	h   nodes
	now func() time.Time
}

// Option configures a Heap
type Option func(*Heap)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(h *Heap) { h.now = now }
}

// NewHeap creates an empty timer heap
func NewHeap(opts ...Option) *Heap {
	h := &Heap{
		h:   nodes{items: make([]node, 0, 64), index: make(map[int]int)},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Upsert sets id's deadline to now+timeout. A known id keeps its slot and
// is re-sifted in whichever direction the new deadline requires.
func (t *Heap) Upsert(id int, timeout time.Duration, cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := t.now().Add(timeout)
	if i, ok := t.h.index[id]; ok {
		t.h.items[i].deadline = deadline
		t.h.items[i].cb = cb
		heap.Fix(&t.h, i)
		return
	}
	heap.Push(&t.h, node{id: id, deadline: deadline, cb: cb})
}

// Cancel removes id's deadline. It reports whether id was present.
func (t *Heap) Cancel(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.h.index[id]
	if !ok {
		return false
	}
	heap.Remove(&t.h, i)
	return true
}

// PopExpired removes every entry whose deadline is at or before now and
// runs its callback, earliest first. Callbacks run without the lock held so
// they may call back into the heap. It returns the number of callbacks run.
func (t *Heap) PopExpired(now time.Time) int {
	t.mu.Lock()
	var expired []Callback
	for t.h.Len() > 0 && !t.h.items[0].deadline.After(now) {
		nd := heap.Pop(&t.h).(node)
		expired = append(expired, nd.cb)
	}
	t.mu.Unlock()

	for _, cb := range expired {
		if cb != nil {
			cb()
		}
	}
	return len(expired)
}

// NextDeadline returns how long until the earliest deadline, clamped to
// zero. ok is false when the heap is empty and the wait is unbounded.
func (t *Heap) NextDeadline(now time.Time) (d time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.h.Len() == 0 {
		return 0, false
	}
	d = t.h.items[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Tick pops everything expired at the heap's clock and returns the wait
// bound in milliseconds for the next poll, or -1 for no bound.
func (t *Heap) Tick() int {
	now := t.now()
	t.PopExpired(now)

	d, ok := t.NextDeadline(t.now())
	if !ok {
		return -1
	}
	// Round up so a sub-millisecond remainder does not spin the poller
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// Len returns the number of pending deadlines
func (t *Heap) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h.Len()
}

// Contains reports whether id has a pending deadline
func (t *Heap) Contains(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.h.index[id]
	return ok
}

// Clear drops every deadline without running callbacks
func (t *Heap) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.items = t.h.items[:0]
	clear(t.h.index)
}
