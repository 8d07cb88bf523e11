// Package buffer provides the growable, self-compacting byte buffer used for
// every connection's read and write side.
//
// A Buffer keeps two cursors over one backing slice:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0      <=      readPos      <=     writePos     <=     len(buf)
//
// Callers never hold offsets into the backing slice; Peek returns a view that
// is valid only until the next call that appends or ensures space.
package buffer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/searchktools/super-server/core/pools"
)

const (
	// DefaultSize is the initial capacity of a connection buffer
	DefaultSize = 1024

	// scratchSize bounds how much one scatter read may absorb beyond the
	// buffer's current writable tail
	scratchSize = 65535
)

// ErrRetrieveOverflow is returned when retrieving more than is readable
var ErrRetrieveOverflow = errors.New("buffer: retrieve beyond readable bytes")

// Buffer is a byte buffer with independent read and write cursors
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int

	scratch *pools.BytePool
}

// Option configures a Buffer
type Option func(*Buffer)

// WithScratchPool makes scatter reads borrow their overflow region from p.
// Without a pool every ReadFromSocket allocates one.
func WithScratchPool(p *pools.BytePool) Option {
	return func(b *Buffer) { b.scratch = p }
}

// New creates a buffer with the given initial size
func New(size int, opts ...Option) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	b := &Buffer{buf: make([]byte, size)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ReadableBytes returns the number of unread bytes
func (b *Buffer) ReadableBytes() int { return b.writePos - b.readPos }

// WritableBytes returns the free space after the write cursor
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writePos }

// PrependableBytes returns the reclaimable slack before the read cursor
func (b *Buffer) PrependableBytes() int { return b.readPos }

// Peek returns the unread bytes without copying
func (b *Buffer) Peek() []byte { return b.buf[b.readPos:b.writePos] }

// Retrieve advances the read cursor by n bytes
func (b *Buffer) Retrieve(n int) error {
	if n < 0 || n > b.ReadableBytes() {
		return fmt.Errorf("%w: want %d, have %d", ErrRetrieveOverflow, n, b.ReadableBytes())
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos, b.writePos = 0, 0
	}
	return nil
}

// RetrieveAll discards every unread byte and rewinds both cursors
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllString returns the unread bytes as a string and empties the buffer
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append copies p after the write cursor, making room if needed
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	b.writePos += copy(b.buf[b.writePos:], p)
}

// AppendString is Append for strings
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.writePos += copy(b.buf[b.writePos:], s)
}

// EnsureWritable guarantees at least n writable bytes. Slack before the read
// cursor is reclaimed first; the backing slice only grows when compaction
// cannot free enough space. Unread bytes are never lost.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}

	if b.WritableBytes()+b.PrependableBytes() >= n {
		readable := b.ReadableBytes()
		copy(b.buf, b.buf[b.readPos:b.writePos])
		b.readPos = 0
		b.writePos = readable
		return
	}

	grown := make([]byte, b.writePos+n+1)
	copy(grown, b.buf[:b.writePos])
	b.buf = grown
}

// ReadFromSocket performs one scatter read into the writable tail and a
// pooled scratch region, appending any overflow afterwards. It returns the
// number of bytes read; (0, nil) means the peer closed its side. EAGAIN is
// returned unchanged so callers can treat it as "no data right now".
func (b *Buffer) ReadFromSocket(fd int) (int, error) {
	var scratch []byte
	if b.scratch != nil {
		scratch = b.scratch.Get(scratchSize)
		defer b.scratch.Put(scratch)
	} else {
		scratch = make([]byte, scratchSize)
	}

	writable := b.WritableBytes()
	iovs := [][]byte{b.buf[b.writePos:], scratch}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return -1, err
	}

	if n <= writable {
		b.writePos += n
	} else {
		b.writePos = len(b.buf)
		b.Append(scratch[:n-writable])
	}
	return n, nil
}

// WriteToSocket writes the readable region in one call and advances the read
// cursor by the amount actually written, which may be partial.
func (b *Buffer) WriteToSocket(fd int) (int, error) {
	if b.ReadableBytes() == 0 {
		return 0, nil
	}

	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos, b.writePos = 0, 0
	}
	return n, nil
}

// Reset empties the buffer, keeping its backing storage for reuse
func (b *Buffer) Reset() {
	b.RetrieveAll()
}

// String returns the unread bytes as a string without consuming them
func (b *Buffer) String() string { return string(b.Peek()) }
