// Package streambuf adapts in-memory byte buffers to the pull and push stream
// contracts used by simulated requests and responses.
package streambuf

import (
	"io"
	"sync"
)

// Receiver is the downstream side of a Pull. Push reports whether the
// receiver can accept another chunk; End is called once when no data remains.
// A chunk is only valid until Push returns.
type Receiver interface {
	Push(chunk []byte) bool
	End()
}

// ReadableBuffer serves a fixed byte slice through Pull, io.Reader and
// io.WriterTo. The slice is never modified.
type ReadableBuffer struct {
	mu  sync.Mutex
	buf []byte
	pos int
	// claimed is set by the Pull that will signal end of data.
	claimed bool

	ended chan struct{}
}

func NewReadableBuffer(b []byte) *ReadableBuffer {
	return &ReadableBuffer{
		buf:   b,
		ended: make(chan struct{}),
	}
}

// Pull emits slices of at most n bytes to r while r accepts them. A
// non-positive n means everything that remains. Once the buffer is drained
// r.End is called, only on the first Pull that observes it; later Pulls do
// nothing.
func (b *ReadableBuffer) Pull(n int, r Receiver) {
	for {
		chunk, last, ok := b.next(n)
		if !ok {
			return
		}

		more := true
		if len(chunk) > 0 {
			more = r.Push(chunk)
		}

		if last {
			close(b.ended)
			r.End()
			return
		}
		if !more {
			return
		}
	}
}

// next advances the cursor by up to n bytes. ok is false when end of data
// was already signaled.
func (b *ReadableBuffer) next(n int) (chunk []byte, last, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.claimed {
		return nil, false, false
	}

	if n <= 0 {
		n = len(b.buf)
	}

	if b.pos < len(b.buf) {
		end := b.pos + n
		if end > len(b.buf) {
			end = len(b.buf)
		}
		chunk = b.buf[b.pos:end:end]
		b.pos = end
	}

	if b.pos >= len(b.buf) {
		b.claimed = true
		last = true
	}
	return chunk, last, true
}

// Read implements io.Reader on top of Pull.
func (b *ReadableBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c := &copyReceiver{dst: p}
	b.Pull(len(p), c)
	if c.n == 0 && b.IsEnded() {
		return 0, io.EOF
	}
	return c.n, nil
}

// WriteTo drains the remaining bytes into w.
func (b *ReadableBuffer) WriteTo(w io.Writer) (int64, error) {
	wr := &writerReceiver{w: w}
	b.Pull(-1, wr)
	return wr.n, wr.err
}

// Ended is closed once end of data has been signaled.
func (b *ReadableBuffer) Ended() <-chan struct{} {
	return b.ended
}

func (b *ReadableBuffer) IsEnded() bool {
	select {
	case <-b.ended:
		return true
	default:
		return false
	}
}

// Len returns the total size of the underlying buffer.
func (b *ReadableBuffer) Len() int {
	return len(b.buf)
}

// Remaining returns the number of bytes not yet pulled.
func (b *ReadableBuffer) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.pos
}

type copyReceiver struct {
	dst []byte
	n   int
}

func (c *copyReceiver) Push(chunk []byte) bool {
	c.n += copy(c.dst[c.n:], chunk)
	return false
}

func (c *copyReceiver) End() {}

type writerReceiver struct {
	w   io.Writer
	n   int64
	err error
}

func (wr *writerReceiver) Push(chunk []byte) bool {
	n, err := wr.w.Write(chunk)
	wr.n += int64(n)
	if err == nil && n < len(chunk) {
		err = io.ErrShortWrite
	}
	if err != nil {
		wr.err = err
		return false
	}
	return true
}

func (wr *writerReceiver) End() {}
