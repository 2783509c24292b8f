// Package inmemory provides an http.RoundTripper that serves requests by
// running a handler in-process through the simulated request layer.
//
// Clients built with it talk to an application without a listener, which
// is how the proxy checks its own routes and how tests drive handlers.
package inmemory

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/authzed/rewire/pkg/simulated"
)

// Transport implements http.RoundTripper by executing handlers directly
// in-process. Request bodies are forwarded as they are read; responses are
// buffered.
type Transport struct {
	handler http.Handler
}

// New creates a new in-memory transport that will call the provided handler
// directly during RoundTrip execution.
func New(handler http.Handler) *Transport {
	return &Transport{handler: handler}
}

// RoundTrip runs the handler to completion. A handler panic or a call to
// simulated.Fail is returned as the error.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.handler == nil {
		return nil, fmt.Errorf("no handler configured")
	}

	opts := simulated.Options{
		Method:         req.Method,
		Path:           req.URL.RequestURI(),
		Header:         req.Header.Clone(),
		BufferResponse: true,
		Origin:         req,
	}
	if opts.Header == nil {
		opts.Header = make(http.Header)
	}
	if req.Body != nil && req.Body != http.NoBody {
		opts.Forward = req.Body
		if req.ContentLength > 0 && opts.Header.Get("Content-Length") == "" {
			opts.Header.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
		}
	}
	if host := req.Host; host != "" {
		opts.Header.Set("Host", host)
	} else if req.URL.Host != "" {
		opts.Header.Set("Host", req.URL.Host)
	}

	sreq, err := simulated.NewRequest(req.Context(), opts)
	if err != nil {
		return nil, err
	}
	sresp, err := simulated.NewResponse(opts)
	if err != nil {
		return nil, err
	}
	simulated.Link(sreq, sresp)

	simulated.Serve(t.handler, sreq, sresp)
	if req.Body != nil {
		_ = req.Body.Close()
	}
	if err := sresp.Err(); err != nil {
		return nil, err
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", sresp.StatusCode, http.StatusText(sresp.StatusCode)),
		StatusCode:    sresp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        sresp.Headers,
		ContentLength: int64(len(sresp.Body)),
		Body:          &responseBody{reader: bytes.NewReader(sresp.Body)},
		Request:       req,
	}, nil
}

// responseBody stops returning data once closed.
type responseBody struct {
	reader io.Reader
	closed bool
}

func (b *responseBody) Read(p []byte) (n int, err error) {
	if b.closed || b.reader == nil {
		return 0, io.EOF
	}
	return b.reader.Read(p)
}

func (b *responseBody) Close() error {
	b.closed = true
	return nil
}

// NewClient creates an http.Client that uses the in-memory transport
func NewClient(handler http.Handler) *http.Client {
	return &http.Client{
		Transport: New(handler),
	}
}
