package streambuf

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrClosed is returned for writes after the buffer has finished.
	ErrClosed = errors.New("write after finish")

	// ErrUnknownEncoding is returned for text chunks in an unsupported encoding.
	ErrUnknownEncoding = errors.New("unknown encoding")
)

// Chunk is a single write. Text is used, converted with Encoding, when Data
// is nil.
type Chunk struct {
	Data     []byte
	Text     string
	Encoding string
}

func (c Chunk) bytes() ([]byte, error) {
	if c.Data != nil {
		return c.Data, nil
	}
	return Encode(c.Text, c.Encoding)
}

// Encode converts text into raw bytes using a node-style encoding name. An
// empty encoding means utf8.
func Encode(text, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8":
		return []byte(text), nil
	case "hex":
		return hex.DecodeString(text)
	case "base64":
		return base64.StdEncoding.DecodeString(text)
	case "latin1", "binary":
		s, err := charmap.ISO8859_1.NewEncoder().String(text)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case "utf16le", "utf-16le", "ucs2", "ucs-2":
		s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(text)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
	}
}

// WritableBuffer accumulates every write into one growing buffer. onWrite is
// called after each write with everything written so far; it must not write
// back into the same WritableBuffer.
type WritableBuffer struct {
	mu      sync.Mutex
	buf     []byte
	onWrite func([]byte)
	closed  bool

	finished chan struct{}
}

func NewWritableBuffer(onWrite func(buf []byte)) *WritableBuffer {
	return &WritableBuffer{
		buf:      []byte{},
		onWrite:  onWrite,
		finished: make(chan struct{}),
	}
}

// Write implements io.Writer.
func (w *WritableBuffer) Write(p []byte) (int, error) {
	if err := w.append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString implements io.StringWriter.
func (w *WritableBuffer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// WriteChunk appends a single, possibly text-encoded, chunk.
func (w *WritableBuffer) WriteChunk(c Chunk) error {
	b, err := c.bytes()
	if err != nil {
		return err
	}
	return w.append(b)
}

// Writev appends a batch of chunks and reports the result once. Either all
// chunks are appended or none are.
func (w *WritableBuffer) Writev(chunks []Chunk) error {
	parts := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		b, err := c.bytes()
		if err != nil {
			return err
		}
		parts = append(parts, b)
	}
	return w.append(parts...)
}

func (w *WritableBuffer) append(parts ...[]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	for _, p := range parts {
		w.buf = append(w.buf, p...)
	}
	if w.onWrite != nil {
		w.onWrite(w.snapshot())
	}
	return nil
}

// snapshot caps capacity so that a caller appending to the slice it was
// handed cannot clobber later writes.
func (w *WritableBuffer) snapshot() []byte {
	return w.buf[:len(w.buf):len(w.buf)]
}

// Close finishes the buffer. Later writes fail with ErrClosed; closing twice
// is a no-op.
func (w *WritableBuffer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.finished)
	return nil
}

// Bytes returns everything written so far.
func (w *WritableBuffer) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot()
}

func (w *WritableBuffer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Finished is closed by Close.
func (w *WritableBuffer) Finished() <-chan struct{} {
	return w.finished
}
