package buffer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/searchktools/super-server/core/pools"
)

func TestBuffer_AppendRetrieveRoundTrip(t *testing.T) {
	b := New(8)
	payload := []byte("hello, super-server")

	b.Append(payload)
	if b.ReadableBytes() != len(payload) {
		t.Fatalf("Expected %d readable bytes, got %d", len(payload), b.ReadableBytes())
	}

	got := append([]byte(nil), b.Peek()...)
	if err := b.Retrieve(len(payload)); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected %q, got %q", payload, got)
	}
	if b.ReadableBytes() != 0 {
		t.Errorf("Expected empty buffer, got %d readable", b.ReadableBytes())
	}
}

func TestBuffer_AccountingInvariant(t *testing.T) {
	b := New(16)
	rng := rand.New(rand.NewSource(1))

	var model []byte
	appended, retrieved := 0, 0

	for i := 0; i < 2000; i++ {
		if rng.Intn(3) > 0 {
			chunk := make([]byte, rng.Intn(200))
			rng.Read(chunk)
			b.Append(chunk)
			model = append(model, chunk...)
			appended += len(chunk)
		} else {
			n := 0
			if b.ReadableBytes() > 0 {
				n = rng.Intn(b.ReadableBytes() + 1)
			}
			if err := b.Retrieve(n); err != nil {
				t.Fatalf("Retrieve(%d) failed: %v", n, err)
			}
			model = model[n:]
			retrieved += n
		}

		if b.ReadableBytes()+retrieved != appended {
			t.Fatalf("step %d: readable %d + retrieved %d != appended %d",
				i, b.ReadableBytes(), retrieved, appended)
		}
		if !bytes.Equal(b.Peek(), model) {
			t.Fatalf("step %d: buffer contents diverged from model", i)
		}
	}
}

func TestBuffer_RetrieveOverflow(t *testing.T) {
	b := New(4)
	b.AppendString("abc")

	err := b.Retrieve(4)
	if !errors.Is(err, ErrRetrieveOverflow) {
		t.Fatalf("Expected ErrRetrieveOverflow, got %v", err)
	}
	if b.ReadableBytes() != 3 {
		t.Errorf("Failed retrieve must not move the cursor")
	}
}

func TestBuffer_EnsureWritableCompacts(t *testing.T) {
	b := New(16)
	b.AppendString("0123456789ab") // 12 bytes, 4 writable
	if err := b.Retrieve(10); err != nil {
		t.Fatal(err)
	}

	// 4 writable + 10 prependable >= 12: compaction, no growth
	b.EnsureWritable(12)
	if len(b.buf) != 16 {
		t.Errorf("Expected no growth, backing size is %d", len(b.buf))
	}
	if b.PrependableBytes() != 0 {
		t.Errorf("Expected slack reclaimed, prependable = %d", b.PrependableBytes())
	}
	if got := b.String(); got != "ab" {
		t.Errorf("Expected unread data preserved, got %q", got)
	}
	if b.WritableBytes() < 12 {
		t.Errorf("Expected at least 12 writable, got %d", b.WritableBytes())
	}
}

func TestBuffer_EnsureWritableGrows(t *testing.T) {
	b := New(8)
	b.AppendString("abcdef")
	b.EnsureWritable(100)

	if b.WritableBytes() < 100 {
		t.Errorf("Expected at least 100 writable, got %d", b.WritableBytes())
	}
	if got := b.String(); got != "abcdef" {
		t.Errorf("Expected unread data preserved, got %q", got)
	}
}

func TestBuffer_RetrieveAllString(t *testing.T) {
	b := New(0)
	b.AppendString("set foo bar")

	if s := b.RetrieveAllString(); s != "set foo bar" {
		t.Errorf("Unexpected string %q", s)
	}
	if b.ReadableBytes() != 0 {
		t.Error("Buffer should be empty")
	}
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestBuffer_ReadFromSocketOverflow(t *testing.T) {
	a, c := socketPair(t)

	payload := bytes.Repeat([]byte("x"), 5000)
	if _, err := unix.Write(c, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Tail holds only 16 bytes; the rest lands in scratch and is appended
	b := New(16)
	n, err := b.ReadFromSocket(a)
	if err != nil {
		t.Fatalf("ReadFromSocket: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Expected %d bytes, got %d", len(payload), n)
	}
	if !bytes.Equal(b.Peek(), payload) {
		t.Error("Payload corrupted across scatter read")
	}
}

func TestBuffer_ReadFromSocketScratchPool(t *testing.T) {
	a, c := socketPair(t)
	scratch := pools.NewBytePool()

	payload := bytes.Repeat([]byte("y"), 3000)
	unix.Write(c, payload)

	b := New(16, WithScratchPool(scratch))
	if _, err := b.ReadFromSocket(a); err != nil {
		t.Fatalf("ReadFromSocket: %v", err)
	}
	if !bytes.Equal(b.Peek(), payload) {
		t.Error("Payload corrupted across scatter read")
	}
	st := scratch.Stats()
	if st.TotalGets != 1 || st.TotalPuts != 1 {
		t.Errorf("Expected one borrowed scratch region, got %+v", st)
	}
}

func TestBuffer_ReadFromSocketWouldBlock(t *testing.T) {
	a, _ := socketPair(t)

	b := New(16)
	_, err := b.ReadFromSocket(a)
	if !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("Expected EAGAIN on empty socket, got %v", err)
	}
	if b.ReadableBytes() != 0 {
		t.Error("Nothing should have been read")
	}
}

func TestBuffer_ReadFromSocketEOF(t *testing.T) {
	a, c := socketPair(t)
	unix.Shutdown(c, unix.SHUT_WR)

	b := New(16)
	n, err := b.ReadFromSocket(a)
	if err != nil || n != 0 {
		t.Fatalf("Expected (0, nil) on peer close, got (%d, %v)", n, err)
	}
}

func TestBuffer_WriteToSocket(t *testing.T) {
	a, c := socketPair(t)

	b := New(0)
	b.AppendString("HTTP/1.1 200 OK\r\n\r\n")

	n, err := b.WriteToSocket(a)
	if err != nil {
		t.Fatalf("WriteToSocket: %v", err)
	}
	if n != 19 || b.ReadableBytes() != 0 {
		t.Errorf("Expected full write of 19 bytes, n=%d remaining=%d", n, b.ReadableBytes())
	}

	got := make([]byte, 64)
	m, _ := unix.Read(c, got)
	if string(got[:m]) != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Errorf("Peer received %q", got[:m])
	}
}

func BenchmarkBuffer_AppendRetrieve(b *testing.B) {
	buf := New(DefaultSize)
	chunk := bytes.Repeat([]byte("a"), 512)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Append(chunk)
		buf.Retrieve(len(chunk))
	}
}
