package pools

import "sync/atomic"

// ConnectionPoolable defines the interface for poolable connection objects
type ConnectionPoolable interface {
	Reset()
	SetFD(fd int)
}

// ConnectionPool keeps up to capacity released connection objects so their
// buffers are reset and reused instead of reallocated on the next accept.
type ConnectionPool struct {
	free    chan ConnectionPoolable
	newFunc func() ConnectionPoolable

	gets atomic.Uint64
	hits atomic.Uint64
	puts atomic.Uint64
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(capacity int, newFunc func() ConnectionPoolable) *ConnectionPool {
	if capacity < 0 {
		capacity = 0
	}
	return &ConnectionPool{
		free:    make(chan ConnectionPoolable, capacity),
		newFunc: newFunc,
	}
}

// Get retrieves a connection bound to fd, reusing a released one if any
func (cp *ConnectionPool) Get(fd int) ConnectionPoolable {
	cp.gets.Add(1)

	var obj ConnectionPoolable
	select {
	case obj = <-cp.free:
		cp.hits.Add(1)
	default:
		obj = cp.newFunc()
	}
	obj.SetFD(fd)
	return obj
}

// Put resets a connection and keeps it for reuse when there is room
func (cp *ConnectionPool) Put(obj ConnectionPoolable) {
	if obj == nil {
		return
	}
	obj.Reset()
	cp.puts.Add(1)

	select {
	case cp.free <- obj:
	default:
		// Pool full, let GC handle it
	}
}

// Stats returns pool statistics
func (cp *ConnectionPool) Stats() (gets, puts uint64, hitRate float64) {
	g := cp.gets.Load()
	p := cp.puts.Load()

	if g > 0 {
		hitRate = float64(cp.hits.Load()) / float64(g)
	}

	return g, p, hitRate
}
