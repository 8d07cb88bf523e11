package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/searchktools/super-server/core/kv"
)

func newTestConnection(t *testing.T, edge bool) (*Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	c := newConnection(nil, kv.NewSkipListStore(0), nil)
	c.SetFD(fds[0])
	c.edge = edge
	c.commandMode = true
	return c, fds[1]
}

func readAll(t *testing.T, fd int) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil || n <= 0 {
			return sb.String()
		}
	}
}

func TestConnection_ReadProcessWrite(t *testing.T) {
	c, peer := newTestConnection(t, true)

	req := "POST / HTTP/1.1\r\nConnection: keep-alive\r\nContent-Length: 11\r\n\r\nset foo bar"
	unix.Write(peer, []byte(req))

	n, err := c.Read()
	if n != len(req) {
		t.Fatalf("Expected %d bytes, got %d", len(req), n)
	}
	if !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("Edge-triggered read should drain to EAGAIN, got %v", err)
	}

	if !c.Process(context.Background()) {
		t.Fatal("Expected a complete request")
	}
	if !c.KeepAlive() || c.Code() != 200 {
		t.Errorf("Unexpected keepalive=%v code=%d", c.KeepAlive(), c.Code())
	}

	if _, err := c.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if c.ToWriteBytes() != 0 {
		t.Errorf("Expected full write, %d left", c.ToWriteBytes())
	}

	got := readAll(t, peer)
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(got, "\r\n\r\nOK") {
		t.Errorf("Unexpected response %q", got)
	}
}

func TestConnection_ProcessIncomplete(t *testing.T) {
	c, _ := newTestConnection(t, false)

	if c.Process(context.Background()) {
		t.Error("Empty buffer must not produce a response")
	}
	c.readBuf.AppendString("GET / HTTP/1.1\r\nHost: x\r\n")
	if c.Process(context.Background()) {
		t.Error("Headers without terminator must not produce a response")
	}
	if c.readBuf.ReadableBytes() == 0 {
		t.Error("Incomplete request must stay buffered")
	}
}

func TestConnection_ProcessMalformed(t *testing.T) {
	c, _ := newTestConnection(t, false)
	c.readBuf.AppendString("NONSENSE\r\n\r\n")

	if !c.Process(context.Background()) {
		t.Fatal("Malformed request should still produce a response")
	}
	if c.Code() != 400 || c.KeepAlive() {
		t.Errorf("Expected 400 with close, got %d keepalive=%v", c.Code(), c.KeepAlive())
	}
	if c.readBuf.ReadableBytes() != 0 {
		t.Error("Malformed input should be discarded")
	}
}

func TestConnection_ProcessTooLarge(t *testing.T) {
	c, _ := newTestConnection(t, false)
	c.readBuf.AppendString("POST / HTTP/1.1\r\nContent-Length: 999999999\r\n\r\n")

	if !c.Process(context.Background()) {
		t.Fatal("Oversized request should produce a response")
	}
	if c.Code() != 413 || c.KeepAlive() {
		t.Errorf("Expected 413 with close, got %d keepalive=%v", c.Code(), c.KeepAlive())
	}
	if c.readBuf.ReadableBytes() != 0 {
		t.Error("Oversized input should be discarded")
	}
}

func TestConnection_MarkClosedFirstReasonWins(t *testing.T) {
	c, _ := newTestConnection(t, false)
	if !c.markClosed("timeout") {
		t.Fatal("First markClosed should close")
	}
	if c.markClosed("io_error") {
		t.Error("Second markClosed must not report closing")
	}
	if c.closeReason != "timeout" {
		t.Errorf("Expected first reason to stick, got %q", c.closeReason)
	}
}

func TestConnection_ReadEOF(t *testing.T) {
	c, peer := newTestConnection(t, false)
	unix.Close(peer)

	_, err := c.Read()
	if !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF from closed peer, got %v", err)
	}
}

func TestConnection_AdvanceAcrossVectors(t *testing.T) {
	c, _ := newTestConnection(t, false)
	c.writeBuf.AppendString("abc")
	c.file = []byte("defgh")

	c.advance(2)
	if c.writeBuf.String() != "c" || string(c.file) != "defgh" {
		t.Fatalf("After 2: head %q file %q", c.writeBuf.String(), c.file)
	}
	c.advance(3)
	if c.writeBuf.ReadableBytes() != 0 || string(c.file) != "fgh" {
		t.Fatalf("After 5: head %q file %q", c.writeBuf.String(), c.file)
	}
	c.advance(3)
	if c.ToWriteBytes() != 0 {
		t.Errorf("Expected nothing left, got %d", c.ToWriteBytes())
	}
}

func TestConnection_WriteResumesAfterWouldBlock(t *testing.T) {
	c, peer := newTestConnection(t, false)

	// Small send buffer so the write cannot finish at once
	unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)
	big := strings.Repeat("x", 1<<20)
	c.writeBuf.AppendString(big)

	_, err := c.Write()
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("Write: %v", err)
	}
	if c.ToWriteBytes() == 0 {
		t.Fatal("Expected data left after filling the socket")
	}

	received := 0
	buf := make([]byte, 64<<10)
	for c.ToWriteBytes() > 0 || received < len(big) {
		for {
			n, _ := unix.Read(peer, buf)
			if n <= 0 {
				break
			}
			received += n
		}
		if _, err := c.Write(); err != nil && !errors.Is(err, unix.EAGAIN) {
			t.Fatalf("Write: %v", err)
		}
	}
	if received != len(big) {
		t.Errorf("Peer received %d of %d bytes", received, len(big))
	}
}

func TestConnection_ResetForReuse(t *testing.T) {
	c, _ := newTestConnection(t, false)
	c.readBuf.AppendString("leftover")
	c.closed.Store(true)
	c.inflight.Store(2)
	c.evicted = true

	c.Reset()
	if c.Fd() != -1 || c.readBuf.ReadableBytes() != 0 || c.closed.Load() || c.inflight.Load() != 0 || c.evicted {
		t.Error("Reset left state behind")
	}
}
