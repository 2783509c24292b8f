package simulated

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/authzed/rewire/pkg/streambuf"
)

// BodyMode is where a simulated request reads its body from.
type BodyMode int

const (
	EmptyBody BodyMode = iota
	BufferedBody
	ForwardedBody
)

func (m BodyMode) String() string {
	switch m {
	case EmptyBody:
		return "empty"
	case BufferedBody:
		return "buffered"
	case ForwardedBody:
		return "forwarded"
	default:
		return fmt.Sprintf("BodyMode(%d)", int(m))
	}
}

// forwardChunkSize is used when a Pull on a forwarded body does not ask for
// a specific length.
const forwardChunkSize = 32 * 1024

type requestKey struct{}

// Request is a request that never touched a socket. The *http.Request
// returned by HTTP is what handlers see; its Body reads from the same source
// as Read, Pull and Pipe.
type Request struct {
	ID     string
	Method string
	Path   string

	// Headers is keyed by lower-cased field name.
	Headers map[string]string
	// RawHeader keeps the field names as they were supplied.
	RawHeader http.Header

	Origin   *http.Request
	Response *Response

	mode BodyMode
	body source
	req  *http.Request
}

type source interface {
	io.Reader
	io.WriterTo
	Pull(n int, r streambuf.Receiver)
	Ended() <-chan struct{}
}

// NewRequest validates opts and builds a simulated request carrying ctx.
func NewRequest(ctx context.Context, opts Options) (*Request, error) {
	if errs := opts.validateRequest(); len(errs) > 0 {
		return nil, invalid(errs)
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	r := &Request{
		ID:        uuid.NewString(),
		Method:    method,
		Path:      opts.Path,
		Headers:   make(map[string]string, len(opts.Header)),
		RawHeader: opts.Header.Clone(),
		Origin:    opts.Origin,
	}
	if r.RawHeader == nil {
		r.RawHeader = make(http.Header)
	}

	header := make(http.Header, len(opts.Header))
	for k, vs := range opts.Header {
		r.Headers[strings.ToLower(k)] = strings.Join(vs, ", ")
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	switch {
	case opts.Body != nil:
		r.mode = BufferedBody
		r.body = opts.Body
	case opts.Forward != nil:
		r.mode = ForwardedBody
		r.body = newForwardSource(opts.Forward)
	default:
		r.mode = EmptyBody
		r.body = newEmptySource()
	}

	req, err := http.NewRequestWithContext(context.WithValue(ctx, requestKey{}, r), method, opts.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	req.Header = header
	req.Body = &body{r: r}
	req.RequestURI = req.URL.RequestURI()
	req.ContentLength = r.contentLength(header)

	if host := header.Get("Host"); host != "" {
		req.Host = host
		header.Del("Host")
	} else if opts.Origin != nil {
		req.Host = opts.Origin.Host
	}
	if opts.Origin != nil {
		req.RemoteAddr = opts.Origin.RemoteAddr
		req.TLS = opts.Origin.TLS
	}

	r.req = req
	return r, nil
}

func (r *Request) contentLength(header http.Header) int64 {
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	switch r.mode {
	case BufferedBody:
		return int64(r.body.(*streambuf.ReadableBuffer).Remaining())
	case ForwardedBody:
		return -1
	default:
		return 0
	}
}

// RequestFrom returns the simulated request behind r, if there is one.
func RequestFrom(r *http.Request) (*Request, bool) {
	sr, ok := r.Context().Value(requestKey{}).(*Request)
	return sr, ok
}

// HTTP returns the request to hand to an http.Handler.
func (r *Request) HTTP() *http.Request {
	return r.req
}

func (r *Request) Mode() BodyMode {
	return r.mode
}

// Read reads from the body source.
func (r *Request) Read(p []byte) (int, error) {
	return r.body.Read(p)
}

// Pull is the low-level read: it pushes up to n bytes at a time to rc while
// rc accepts them, then calls rc.End once the body is exhausted.
func (r *Request) Pull(n int, rc streambuf.Receiver) {
	r.body.Pull(n, rc)
}

// Pipe copies the remaining body to dst and then closes dst if it is an
// io.Closer, so the receiver always observes the end of the body.
func (r *Request) Pipe(dst io.Writer) (int64, error) {
	n, err := r.body.WriteTo(dst)
	if c, ok := dst.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return n, err
}

// Ended is closed once the end of the body has been reached, whichever way
// it was consumed.
func (r *Request) Ended() <-chan struct{} {
	return r.body.Ended()
}

// body is the http.Request.Body of a simulated request.
type body struct {
	r *Request
}

func (b *body) Read(p []byte) (int, error) {
	return b.r.body.Read(p)
}

func (b *body) WriteTo(w io.Writer) (int64, error) {
	return b.r.body.WriteTo(w)
}

// Close does not touch a forwarded stream; it belongs to whoever supplied it.
func (b *body) Close() error {
	return nil
}

type emptySource struct {
	ended chan struct{}
	once  sync.Once
}

func newEmptySource() *emptySource {
	s := &emptySource{ended: make(chan struct{})}
	close(s.ended)
	return s
}

func (s *emptySource) Read([]byte) (int, error) {
	return 0, io.EOF
}

func (s *emptySource) WriteTo(io.Writer) (int64, error) {
	return 0, nil
}

// Pull signals end of data on the first call only.
func (s *emptySource) Pull(_ int, r streambuf.Receiver) {
	s.once.Do(r.End)
}

func (s *emptySource) Ended() <-chan struct{} {
	return s.ended
}

type forwardSource struct {
	mu    sync.Mutex
	src   io.Reader
	ended chan struct{}
	once  sync.Once
}

func newForwardSource(r io.Reader) *forwardSource {
	return &forwardSource{src: r, ended: make(chan struct{})}
}

func (s *forwardSource) end() bool {
	first := false
	s.once.Do(func() {
		close(s.ended)
		first = true
	})
	return first
}

func (s *forwardSource) isEnded() bool {
	select {
	case <-s.ended:
		return true
	default:
		return false
	}
}

func (s *forwardSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isEnded() {
		return 0, io.EOF
	}
	n, err := s.src.Read(p)
	if err == io.EOF {
		s.end()
	}
	return n, err
}

func (s *forwardSource) WriteTo(w io.Writer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isEnded() {
		return 0, nil
	}
	n, err := io.Copy(w, s.src)
	if err == nil {
		s.end()
	}
	return n, err
}

func (s *forwardSource) Pull(n int, r streambuf.Receiver) {
	if n <= 0 {
		n = forwardChunkSize
	}
	buf := make([]byte, n)
	for {
		s.mu.Lock()
		if s.isEnded() {
			s.mu.Unlock()
			return
		}
		k, err := s.src.Read(buf)
		ended := err == io.EOF && s.end()
		s.mu.Unlock()

		more := true
		if k > 0 {
			more = r.Push(buf[:k])
		}
		if ended {
			r.End()
			return
		}
		if err != nil || !more || k == 0 {
			return
		}
	}
}

func (s *forwardSource) Ended() <-chan struct{} {
	return s.ended
}
