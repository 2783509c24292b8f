package rewire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/http/httpguts"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/json"
	"k8s.io/klog/v2"

	"github.com/authzed/rewire/pkg/failpoints"
	"github.com/authzed/rewire/pkg/serializer"
	"github.com/authzed/rewire/pkg/simulated"
	"github.com/authzed/rewire/pkg/streambuf"
)

// Call is a pending in-process request. It is configured with the chainable
// setters and runs at most once, on the first of Start, Do, Then or Catch.
type Call struct {
	rewirer *Rewirer
	origin  *http.Request
	method  string
	url     string

	mu      sync.Mutex
	header  http.Header
	body    []byte
	forward io.Reader
	errs    []error

	once   sync.Once
	future *Future
}

func newCall(rw *Rewirer, origin *http.Request, method, url string) *Call {
	return &Call{
		rewirer: rw,
		origin:  origin,
		method:  method,
		url:     url,
		header:  make(http.Header),
		body:    []byte{},
	}
}

func (c *Call) Method() string {
	return c.method
}

// URL is the rewritten target, including any query.
func (c *Call) URL() string {
	return c.url
}

// Header returns a copy of the headers the call will be sent with.
func (c *Call) Header() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header.Clone()
}

// Set replaces a header. Names are case-insensitive; the last write wins.
func (c *Call) Set(field, value string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(field, value)
	return c
}

func (c *Call) setLocked(field, value string) {
	if !httpguts.ValidHeaderFieldName(field) {
		c.errs = append(c.errs, fmt.Errorf("invalid header field name %q", field))
		return
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		c.errs = append(c.errs, fmt.Errorf("invalid value for header %q", field))
		return
	}
	c.header.Set(field, value)
}

// SetAll calls Set for every entry, in key order.
func (c *Call) SetAll(fields map[string]string) *Call {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.setLocked(k, fields[k])
	}
	return c
}

func (c *Call) Unset(field string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.Del(field)
	return c
}

// Use applies fn to the call, for reusable groups of settings.
func (c *Call) Use(fn func(*Call)) *Call {
	fn(c)
	return c
}

// Body sends b as a buffered body with a matching Content-Length.
func (c *Call) Body(b []byte) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodyLocked(b)
	return c
}

func (c *Call) bodyLocked(b []byte) {
	if b == nil {
		b = []byte{}
	}
	c.body = b
	c.forward = nil
	c.header.Set("Content-Length", strconv.Itoa(len(b)))
}

// Stream forwards r as the body without a fixed length.
func (c *Call) Stream(r io.Reader) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body = nil
	c.forward = r
	c.header.Del("Content-Length")
	return c
}

// JSON encodes v as the body and sets the JSON content type.
func (c *Call) JSON(v any) *Call {
	return c.encode(serializer.JSONContentType, json.Marshal, v)
}

// Form url-encodes v as the body and sets the form content type.
func (c *Call) Form(v any) *Call {
	return c.encode(serializer.FormContentType, serializer.Form, v)
}

// Send encodes v with the serializer for the current content type. Without
// a content type it behaves like JSON; with an unknown one, strings and
// byte slices are sent as they are.
func (c *Call) Send(v any) *Call {
	c.mu.Lock()
	contentType := c.header.Get("Content-Type")
	c.mu.Unlock()

	if contentType == "" {
		return c.JSON(v)
	}
	if fn, ok := serializer.For(contentType); ok {
		return c.encode(contentType, fn, v)
	}

	switch t := v.(type) {
	case []byte:
		return c.Body(t)
	case string:
		return c.Body([]byte(t))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, fmt.Errorf("no serializer for content type %q", contentType))
	return c
}

func (c *Call) encode(contentType string, fn serializer.Func, v any) *Call {
	b, err := fn(v)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("encoding %s body: %w", contentType, err))
		return c
	}
	c.header.Set("Content-Type", contentType)
	c.bodyLocked(b)
	return c
}

// Start runs the call in the background and returns its future. Later
// calls return the same future; the handler runs only once.
func (c *Call) Start() *Future {
	c.once.Do(func() {
		c.future = c.execute()
	})
	return c.future
}

// Do runs the call and waits for the buffered response.
func (c *Call) Do() (*simulated.Response, error) {
	return c.DoContext(c.context())
}

// DoContext is Do but stops waiting when ctx is done. The handler itself is
// not interrupted.
func (c *Call) DoContext(ctx context.Context) (*simulated.Response, error) {
	return c.Start().Wait(ctx)
}

// Then runs the call and passes the response to fn. A failed call returns
// its error without calling fn.
func (c *Call) Then(fn func(*simulated.Response) error) error {
	resp, err := c.Do()
	if err != nil {
		return err
	}
	return fn(resp)
}

// Catch runs the call and passes a failure to fn. It returns nil when the
// call succeeds.
func (c *Call) Catch(fn func(error) error) error {
	if _, err := c.Do(); err != nil {
		return fn(err)
	}
	return nil
}

func (c *Call) context() context.Context {
	if c.origin != nil {
		return c.origin.Context()
	}
	return context.Background()
}

func (c *Call) execute() *Future {
	f := newFuture()
	ctx := c.context()
	logger := klog.FromContext(ctx).WithValues("method", c.method, "url", c.url)

	app, err := c.rewirer.dispatcherFor(c.origin)
	if err != nil {
		f.settle(nil, err)
		return f
	}

	c.mu.Lock()
	opts := simulated.Options{
		Method:         c.method,
		Path:           c.url,
		Header:         c.header.Clone(),
		Forward:        c.forward,
		BufferResponse: true,
		Origin:         c.origin,
	}
	if c.forward == nil {
		opts.Body = streambuf.NewReadableBuffer(c.body)
	}
	size := len(c.body)
	streamed := c.forward != nil
	errs := c.errs
	c.mu.Unlock()

	if len(errs) > 0 {
		f.settle(nil, fmt.Errorf("%w: %w", simulated.ErrInvalidOptions, utilerrors.NewAggregate(errs)))
		return f
	}

	req, err := simulated.NewRequest(ContextWithDispatcher(ctx, app), opts)
	if err != nil {
		f.settle(nil, err)
		return f
	}
	resp, err := simulated.NewResponse(opts)
	if err != nil {
		f.settle(nil, err)
		return f
	}
	simulated.Link(req, resp)

	logger = logger.WithValues("id", req.ID)
	logger.V(4).Info("dispatching rewired call", "mode", req.Mode(), "size", humanize.Bytes(uint64(size)))

	go func() {
		simulated.Serve(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			failpoints.FailPoint("panicBeforeRewiredDispatch")
			if err := failpoints.FailPointErr("failRewiredDispatch"); err != nil {
				simulated.Fail(w, err)
				return
			}
			app.ServeHTTP(w, r)
		}), req, resp)

		if err := resp.Err(); err != nil {
			logger.V(3).Info("rewired call failed", "err", err)
			f.settle(nil, c.failure(size, streamed, err))
			return
		}
		logger.V(4).Info("rewired call completed", "status", resp.StatusCode,
			"size", humanize.Bytes(uint64(len(resp.Body))))
		f.settle(resp, nil)
	}()

	return f
}

// failure names the call and the size of what was sent in a handler error.
func (c *Call) failure(size int, streamed bool, err error) error {
	sent := humanize.Bytes(uint64(size))
	if streamed {
		sent = "streamed"
	}
	return fmt.Errorf("rewired %s %s (%s body): %w", c.method, c.url, sent, err)
}

// ParseJSON decodes a buffered response body into v. It is a convenience
// for the common case of calling JSON routes.
func ParseJSON(resp *simulated.Response, v any) error {
	if ct := resp.Headers.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "json") {
		return fmt.Errorf("response content type is %q, not json", ct)
	}
	return json.Unmarshal(resp.Body, v)
}
