// Package rewire lets a handler call other routes of its own application
// in-process, either as a buffered round trip (Call) or as an internal
// redirect of the live request (Middleware).
package rewire

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"k8s.io/klog/v2"
)

// ErrNoDispatcher is returned when a call has no application to run against.
var ErrNoDispatcher = errors.New("no dispatcher available for rewired call")

type dispatcherKey struct{}

// ContextWithDispatcher records the application handler that rewired calls
// made with ctx will be dispatched to.
func ContextWithDispatcher(ctx context.Context, h http.Handler) context.Context {
	return context.WithValue(ctx, dispatcherKey{}, h)
}

// DispatcherFrom returns the handler stored by ContextWithDispatcher.
func DispatcherFrom(ctx context.Context) (http.Handler, bool) {
	h, ok := ctx.Value(dispatcherKey{}).(http.Handler)
	return h, ok && h != nil
}

// Mount wraps app so that every request it serves carries the wrapped
// handler as its dispatcher. Rewired calls and redirects issued from inside
// app then go through the whole of app again, including its middleware.
func Mount(app http.Handler) http.Handler {
	var mounted http.HandlerFunc
	mounted = func(w http.ResponseWriter, r *http.Request) {
		app.ServeHTTP(w, r.WithContext(ContextWithDispatcher(r.Context(), mounted)))
	}
	return mounted
}

// Rewirer resolves every path it is given under a fixed base path.
type Rewirer struct {
	base       string
	dispatcher http.Handler
}

type Option func(*Rewirer)

// WithDispatcher fixes the application handler instead of taking it from
// the originating request's context.
func WithDispatcher(h http.Handler) Option {
	return func(rw *Rewirer) {
		rw.dispatcher = h
	}
}

func New(base string, opts ...Option) *Rewirer {
	rw := &Rewirer{base: base}
	for _, o := range opts {
		o(rw)
	}
	return rw
}

func (rw *Rewirer) Base() string {
	return rw.base
}

func (rw *Rewirer) Get(req *http.Request, sub ...string) *Call {
	return rw.Method(req, http.MethodGet, sub...)
}

func (rw *Rewirer) Post(req *http.Request, sub ...string) *Call {
	return rw.Method(req, http.MethodPost, sub...)
}

func (rw *Rewirer) Put(req *http.Request, sub ...string) *Call {
	return rw.Method(req, http.MethodPut, sub...)
}

func (rw *Rewirer) Patch(req *http.Request, sub ...string) *Call {
	return rw.Method(req, http.MethodPatch, sub...)
}

func (rw *Rewirer) Delete(req *http.Request, sub ...string) *Call {
	return rw.Method(req, http.MethodDelete, sub...)
}

// Method starts a call to the base path joined with sub, "/" when sub is
// omitted. req is the request the call is made on behalf of; it provides
// the dispatcher and context.
func (rw *Rewirer) Method(req *http.Request, method string, sub ...string) *Call {
	return newCall(rw, req, method, target(rw.base, sub))
}

// Middleware returns middleware that rewrites the request path to
// base/sub.../path and re-dispatches the same request to the application.
// The request is not simulated; it is modified in place. next is only used
// when no dispatcher can be found.
func (rw *Rewirer) Middleware(sub ...string) func(http.Handler) http.Handler {
	prefix := append([]string{"/", rw.base}, sub...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := make([]string, 0, len(prefix)+1)
			parts = append(append(parts, prefix...), r.URL.Path)
			rewritten := joinPath(parts...)
			klog.FromContext(r.Context()).V(4).Info("rewriting request path", "from", r.URL.Path, "to", rewritten)

			r.URL.Path = rewritten
			r.URL.RawPath = ""
			r.RequestURI = r.URL.RequestURI()

			app, err := rw.dispatcherFor(r)
			if err != nil {
				klog.FromContext(r.Context()).V(2).Error(err, "falling back to next handler", "path", rewritten)
				next.ServeHTTP(w, r)
				return
			}
			app.ServeHTTP(w, r)
		})
	}
}

// Handler is Middleware without a next handler; requests that cannot be
// re-dispatched get a 404.
func (rw *Rewirer) Handler(sub ...string) http.Handler {
	return rw.Middleware(sub...)(http.NotFoundHandler())
}

func (rw *Rewirer) dispatcherFor(req *http.Request) (http.Handler, error) {
	if rw.dispatcher != nil {
		return rw.dispatcher, nil
	}
	if req != nil {
		if h, ok := DispatcherFrom(req.Context()); ok {
			return h, nil
		}
	}
	return nil, ErrNoDispatcher
}

// target joins sub paths under base, keeping a query on the last one. An
// omitted sub path is "/".
func target(base string, sub []string) string {
	if len(sub) == 0 {
		sub = []string{"/"}
	}

	parts := []string{"/", base}
	var query string
	for i, s := range sub {
		p, q, ok := strings.Cut(s, "?")
		if ok && i == len(sub)-1 {
			query = q
		}
		parts = append(parts, p)
	}

	t := joinPath(parts...)
	if query != "" {
		t += "?" + query
	}
	return t
}

// joinPath is path.Join, except that a trailing slash on the last non-empty
// element is kept. ServeMux treats "/a" and "/a/" as different routes.
func joinPath(parts ...string) string {
	joined := path.Join(parts...)
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "" {
			continue
		}
		if strings.HasSuffix(parts[i], "/") && joined != "/" {
			joined += "/"
		}
		break
	}
	return joined
}
