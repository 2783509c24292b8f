package simulated

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/authzed/rewire/pkg/streambuf"
)

// HandlerError is the failure reported for a simulated call whose handler
// panicked or signaled an error through Fail.
type HandlerError struct {
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil && e.Err == nil {
		return fmt.Sprintf("handler panicked: %v", e.Panic)
	}
	if e.Panic != nil {
		return fmt.Sprintf("handler panicked: %v", e.Err)
	}
	return fmt.Sprintf("handler failed: %v", e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Response is an http.ResponseWriter without a connection behind it.
// Writing the header only freezes it; nothing is ever sent. StatusCode,
// Headers and Body are set once the response completes and never change
// afterwards.
type Response struct {
	Request *Request

	// Mocked tells a simulated response apart from a connection-backed one.
	Mocked bool

	StatusCode int
	Headers    http.Header
	Body       []byte

	mu          sync.Mutex
	header      http.Header
	sent        http.Header
	status      int
	wroteHeader bool
	flushed     bool
	written     int64
	sink        io.Writer
	buffer      *streambuf.WritableBuffer
	latest      []byte

	done chan struct{}
	once sync.Once
	err  error
}

var (
	_ http.ResponseWriter = (*Response)(nil)
	_ http.Flusher        = (*Response)(nil)
)

// NewResponse builds a response that buffers its body when
// opts.BufferResponse is set, or writes through to opts.ForwardResponse.
func NewResponse(opts Options) (*Response, error) {
	if errs := opts.validateResponse(); len(errs) > 0 {
		return nil, invalid(errs)
	}

	r := &Response{
		Mocked: true,
		header: make(http.Header),
		done:   make(chan struct{}),
	}
	if opts.BufferResponse {
		r.buffer = streambuf.NewWritableBuffer(func(b []byte) {
			r.latest = b
		})
		r.sink = r.buffer
	} else {
		r.sink = opts.ForwardResponse
	}
	return r, nil
}

// Link makes req and resp refer to each other.
func Link(req *Request, resp *Response) {
	resp.Request = req
	req.Response = resp
}

func (r *Response) Header() http.Header {
	return r.header
}

// WriteHeader records the status and freezes the header. Informational
// statuses other than 101 are ignored.
func (r *Response) WriteHeader(code int) {
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeHeaderLocked(code)
}

func (r *Response) writeHeaderLocked(code int) {
	if r.wroteHeader || r.isDone() {
		return
	}
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.sent = r.header.Clone()
}

func (r *Response) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isDone() {
		return 0, streambuf.ErrClosed
	}
	r.writeHeaderLocked(http.StatusOK)
	if !bodyAllowed(r.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if r.written == 0 && !r.flushed && len(p) > 0 {
		if _, ok := r.sent["Content-Type"]; !ok {
			r.sent.Set("Content-Type", http.DetectContentType(p))
		}
	}

	n, err := r.sink.Write(p)
	r.written += int64(n)
	return n, err
}

// Flush only marks the header as final; there is nothing to flush to unless
// the response forwards to a writer that is itself an http.Flusher.
func (r *Response) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isDone() {
		return
	}
	r.writeHeaderLocked(http.StatusOK)
	r.flushed = true
	if f, ok := r.sink.(http.Flusher); ok {
		f.Flush()
	}
}

// Status returns the status written so far, or 0.
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// End completes the response. Only the first End or Fail has any effect.
func (r *Response) End() error {
	r.settle(nil)
	return nil
}

// Fail completes the response with an error instead of a result.
func (r *Response) Fail(err error) {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	var herr *HandlerError
	if !errors.As(err, &herr) {
		err = &HandlerError{Err: err}
	}
	r.settle(err)
}

func (r *Response) settle(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		defer close(r.done)

		if err != nil {
			r.err = err
			return
		}

		r.writeHeaderLocked(http.StatusOK)
		if r.buffer != nil {
			_ = r.buffer.Close()
			r.Body = r.latest
			if r.Body == nil {
				r.Body = []byte{}
			}
		} else if c, ok := r.sink.(io.Closer); ok {
			_ = c.Close()
		}

		headers := r.sent
		_, hasLength := headers["Content-Length"]
		_, hasEncoding := headers["Transfer-Encoding"]
		if !r.flushed && !hasLength && !hasEncoding && bodyAllowed(r.status) {
			headers.Set("Content-Length", strconv.FormatInt(r.written, 10))
		}
		r.Headers = headers
		r.StatusCode = r.status
	})
}

func (r *Response) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done is closed once the response has completed or failed.
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// Err waits for the response to settle and returns its failure, if any.
func (r *Response) Err() error {
	<-r.done
	return r.err
}

// Wait blocks until the response settles or ctx is done.
func (r *Response) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// Fail reports err on the simulated response underneath w, unwrapping
// response writer decorators. It returns false when w is not simulated.
func Fail(w http.ResponseWriter, err error) bool {
	for w != nil {
		if f, ok := w.(interface{ Fail(error) }); ok {
			f.Fail(err)
			return true
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return false
		}
		w = u.Unwrap()
	}
	return false
}
