package core

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/searchktools/super-server/core/auth"
	"github.com/searchktools/super-server/core/buffer"
	"github.com/searchktools/super-server/core/http"
	"github.com/searchktools/super-server/core/observability"
	"github.com/searchktools/super-server/core/pools"
)

// Connection owns one client socket with its buffers and the request and
// response being worked on. Its interior is touched by one task at a time;
// only the reactor adds it to or removes it from the table.
type Connection struct {
	fd   int
	addr string

	readBuf  *buffer.Buffer
	writeBuf *buffer.Buffer
	req      *http.Request
	resp     http.Response

	// file is the unwritten tail of the mapped file, the second write vector
	file      []byte
	keepAlive bool

	edge        bool
	rootDir     string
	commandMode bool

	inflight atomic.Int32
	closed   atomic.Bool
	gen      atomic.Uint64

	// Written only by whoever sets closed first
	closeReason string

	// Reactor only
	evicted bool
}

func newConnection(verifier http.UserVerifier, store http.KeyValueStore, scratch *pools.BytePool) *Connection {
	return &Connection{
		fd:       -1,
		readBuf:  buffer.New(1024, buffer.WithScratchPool(scratch)),
		writeBuf: buffer.New(1024),
		req:      http.NewRequest(verifier, store),
	}
}

// Reset implements pools.ConnectionPoolable
func (c *Connection) Reset() {
	c.fd = -1
	c.addr = ""
	c.readBuf.Reset()
	c.writeBuf.Reset()
	c.req.Init()
	c.resp.UnmapFile()
	c.file = nil
	c.keepAlive = false
	c.inflight.Store(0)
	c.closed.Store(false)
	c.closeReason = ""
	c.evicted = false
}

// SetFD implements pools.ConnectionPoolable
func (c *Connection) SetFD(fd int) { c.fd = fd }

func (c *Connection) Fd() int         { return c.fd }
func (c *Connection) Addr() string    { return c.addr }
func (c *Connection) KeepAlive() bool { return c.keepAlive }

// ToWriteBytes is what remains of the current response
func (c *Connection) ToWriteBytes() int {
	return c.writeBuf.ReadableBytes() + len(c.file)
}

// Read pulls available bytes into the read buffer. In edge-triggered mode it
// drains the socket until it would block. A closed peer is io.EOF; a socket
// with nothing to give is unix.EAGAIN.
func (c *Connection) Read() (int, error) {
	total := 0
	for {
		n, err := c.readBuf.ReadFromSocket(c.fd)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
		if !c.edge {
			return total, nil
		}
	}
}

// Process parses one request from the read buffer and builds its response
// into the write buffer. It returns false when no complete request is
// buffered yet.
func (c *Connection) Process(ctx context.Context) bool {
	if c.readBuf.ReadableBytes() == 0 {
		return false
	}

	res, err := c.req.Parse(ctx, c.readBuf)
	if err == nil && res == http.ParseIncomplete {
		return false
	}

	c.writeBuf.RetrieveAll()
	if err != nil {
		// The stream position is lost; answer and close
		c.readBuf.RetrieveAll()
		c.keepAlive = false
		code := 400
		if errors.Is(err, http.ErrRequestTooLarge) {
			code = 413
		}
		c.resp.Init(c.rootDir, c.req.Path(), false, code)
	} else {
		c.keepAlive = c.req.KeepAlive()
		code := http.CodeUnset
		switch {
		case errors.Is(c.req.AuthErr(), auth.ErrPoolExhausted):
			code = 503
		case c.req.AuthErr() != nil, c.req.CommandErr() != nil:
			code = 500
		}
		c.resp.Init(c.rootDir, c.req.Path(), c.keepAlive, code)
		if c.commandMode && code == http.CodeUnset {
			result, _ := c.req.CommandResult()
			c.resp.SetContent("text/plain", []byte(result))
		}
	}

	c.resp.Build(c.writeBuf)
	c.file = c.resp.File()
	return true
}

// Write sends the pending response with one vectored write per round. It
// keeps going while edge-triggered or while more than writeBacklog bytes
// remain, and stops once drained or when the socket would block.
func (c *Connection) Write() (int, error) {
	total := 0
	for c.ToWriteBytes() > 0 {
		n, err := unix.Writev(c.fd, [][]byte{c.writeBuf.Peek(), c.file})
		if err != nil {
			return total, err
		}
		total += n
		c.advance(n)

		if !c.edge && c.ToWriteBytes() <= writeBacklog {
			break
		}
	}
	return total, nil
}

// advance drops n written bytes from the head vector, then the file vector
func (c *Connection) advance(n int) {
	head := min(n, c.writeBuf.ReadableBytes())
	c.writeBuf.Retrieve(head)
	c.file = c.file[n-head:]
}

// markClosed sets closed; the first caller also records why. It reports
// whether this call closed c.
func (c *Connection) markClosed(reason string) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	if reason == "" {
		reason = observability.ReasonClose
	}
	c.closeReason = reason
	return true
}

// Code is the status of the last built response
func (c *Connection) Code() int { return c.resp.Code() }

// finishResponse releases the mapped file once everything was written
func (c *Connection) finishResponse() {
	c.file = nil
	c.resp.UnmapFile()
}
