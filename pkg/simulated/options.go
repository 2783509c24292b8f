// Package simulated builds request and response objects that go through an
// unmodified http.Handler as if they had arrived over a connection, with
// the request body served from memory and the response captured in memory.
package simulated

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/authzed/rewire/pkg/streambuf"
)

// ErrInvalidOptions wraps every error returned for malformed Options.
var ErrInvalidOptions = errors.New("invalid simulated call options")

// Options is shared by NewRequest and NewResponse.
type Options struct {
	// Method defaults to GET.
	Method string

	// Path is the already rewritten target, optionally with a query.
	Path string

	Header http.Header

	// Body selects the buffered body mode. At most one of Body and Forward
	// may be set; with neither the request has an empty body.
	Body *streambuf.ReadableBuffer

	// Forward selects the forwarded body mode, proxying a live stream.
	Forward io.Reader

	// BufferResponse captures the response in memory. When false, the
	// response is written straight through to ForwardResponse.
	BufferResponse  bool
	ForwardResponse io.Writer

	// Origin is the real request the simulated call was issued from.
	Origin *http.Request
}

func (o Options) validateRequest() []error {
	var errs []error

	if o.Method != "" && !httpguts.ValidHeaderFieldName(o.Method) {
		errs = append(errs, fmt.Errorf("invalid method %q", o.Method))
	}

	switch {
	case len(o.Path) == 0:
		errs = append(errs, fmt.Errorf("path is required"))
	case !strings.HasPrefix(o.Path, "/"):
		errs = append(errs, fmt.Errorf("path %q must be absolute", o.Path))
	default:
		if _, err := url.ParseRequestURI(o.Path); err != nil {
			errs = append(errs, fmt.Errorf("invalid path %q: %w", o.Path, err))
		}
	}

	if o.Body != nil && o.Forward != nil {
		errs = append(errs, fmt.Errorf("only one of a buffered or a forwarded body may be set"))
	}

	for k, vs := range o.Header {
		if !httpguts.ValidHeaderFieldName(k) {
			errs = append(errs, fmt.Errorf("invalid header field name %q", k))
			continue
		}
		for _, v := range vs {
			if !httpguts.ValidHeaderFieldValue(v) {
				errs = append(errs, fmt.Errorf("invalid value for header %q", k))
			}
		}
	}

	return errs
}

func (o Options) validateResponse() []error {
	var errs []error
	if !o.BufferResponse && o.ForwardResponse == nil {
		errs = append(errs, fmt.Errorf("an unbuffered response needs a writer to forward to"))
	}
	return errs
}

func invalid(errs []error) error {
	return fmt.Errorf("%w: %w", ErrInvalidOptions, utilerrors.NewAggregate(errs))
}
