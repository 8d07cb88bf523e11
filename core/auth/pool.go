// Package auth verifies and registers users against a relational store
// through a fixed set of pooled connections.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolExhausted = errors.New("auth: connection pool exhausted")
	ErrPoolClosed    = errors.New("auth: connection pool closed")
)

// ConnPool holds a fixed number of dedicated connections. Acquire never
// blocks: an empty pool is reported as ErrPoolExhausted.
type ConnPool struct {
	free chan *sql.Conn
	size int

	mu     sync.Mutex
	closed bool
	db     *sql.DB
	ownsDB bool
}

// NewConnPool reserves size connections from db
func NewConnPool(ctx context.Context, db *sql.DB, size int) (*ConnPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("auth: pool size must be positive, got %d", size)
	}

	p := &ConnPool{free: make(chan *sql.Conn, size), size: size, db: db}
	for i := 0; i < size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("auth: open connection %d: %w", i, err)
		}
		p.free <- conn
	}
	return p, nil
}

// Acquire takes a free connection
func (p *ConnPool) Acquire() (*sql.Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case conn := <-p.free:
		return conn, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Release returns conn to the pool. After Close the connection is closed
// instead.
func (p *ConnPool) Release(conn *sql.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return
	}
	p.free <- conn
}

// With runs fn on an acquired connection and releases it on every path
func (p *ConnPool) With(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(ctx, conn)
}

// FreeCount is the number of idle connections
func (p *ConnPool) FreeCount() int { return len(p.free) }

// Size is the number of connections the pool was built with
func (p *ConnPool) Size() int { return p.size }

// Close closes the idle connections and rejects further Acquire calls.
// Connections in use are closed when released.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case conn := <-p.free:
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			if p.ownsDB {
				if err := p.db.Close(); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}
	}
}
