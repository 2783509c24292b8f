package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	genericapifilters "k8s.io/apiserver/pkg/endpoints/filters"
	"k8s.io/apiserver/pkg/endpoints/request"
	"k8s.io/apiserver/pkg/server"
	genericfilters "k8s.io/apiserver/pkg/server/filters"
	"k8s.io/klog/v2"

	"github.com/authzed/rewire/pkg/inmemory"
	"github.com/authzed/rewire/pkg/rewire"
)

type Server struct {
	opts    Options
	Handler http.Handler
}

func NewServer(ctx context.Context, o Options) (*Server, error) {
	s := &Server{
		opts: o,
	}

	mux := http.NewServeMux()

	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))

	mux.Handle("/livez", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))

	for _, rule := range o.Rules {
		h := rule.Handler()
		for _, pattern := range rule.Patterns() {
			if err := register(mux, pattern, h); err != nil {
				return nil, fmt.Errorf("unable to mount rule %s: %w", rule.Name, err)
			}
		}
		klog.FromContext(ctx).V(3).Info("mounted rewrite rule", "rule", rule.Name, "patterns", rule.Patterns(), "base", rule.Rewirer.Base())
	}

	var fallback http.Handler = http.NotFoundHandler()
	if o.Upstream != nil {
		upstream := o.Upstream
		fallback = &httputil.ReverseProxy{
			FlushInterval: -1,
			Director: func(req *http.Request) {
				req.URL.Scheme = upstream.Scheme
				req.URL.Host = upstream.Host
				if len(strings.Trim(upstream.Path, "/")) > 0 {
					req.URL.Path = strings.TrimSuffix(upstream.Path, "/") + req.URL.Path
					req.URL.RawPath = ""
				}
			},
			ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
				klog.FromContext(req.Context()).Error(err, "upstream request failed", "path", req.URL.Path)
				w.WriteHeader(http.StatusBadGateway)
			},
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}
	mux.Handle("/", fallback)

	requestInfoResolver := &request.RequestInfoFactory{
		APIPrefixes: sets.NewString(
			strings.Trim(server.APIGroupPrefix, "/"),
			strings.Trim(server.DefaultLegacyAPIPrefix, "/"),
		),
		GrouplessAPIPrefixes: sets.NewString(
			strings.Trim(server.DefaultLegacyAPIPrefix, "/"),
		),
	}

	handler := rewire.Mount(mux)
	handler = genericapifilters.WithRequestInfo(handler, requestInfoResolver)
	handler = genericfilters.WithHTTPLogging(handler)
	handler = genericfilters.WithPanicRecovery(handler, requestInfoResolver)
	s.Handler = handler

	return s, nil
}

// register turns the ServeMux panic on conflicting patterns into an error.
func register(mux *http.ServeMux, pattern string, h http.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	mux.Handle(pattern, h)
	return nil
}

// Client talks to the server's handler in-process.
func (s *Server) Client() *http.Client {
	return inmemory.NewClient(s.Handler)
}

func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	doneCh, listenerStoppedCh, err := s.opts.ServingInfo.Serve(s.Handler, time.Second*60, ctx.Done())
	if err != nil {
		return err
	}

	g.Go(func() error {
		<-listenerStoppedCh
		klog.FromContext(ctx).Info("listener stopped, draining requests")
		return nil
	})
	g.Go(func() error {
		<-doneCh
		klog.FromContext(ctx).Info("server stopped")
		return nil
	})

	return g.Wait()
}
