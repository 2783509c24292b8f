package simulated

import (
	"net/http"

	"k8s.io/klog/v2"
)

// Serve runs h against the simulated pair and completes resp when h
// returns. A panic in h fails resp with a *HandlerError instead of
// unwinding into the caller.
func Serve(h http.Handler, req *Request, resp *Response) {
	httpReq := req.HTTP()
	defer func() {
		if p := recover(); p != nil {
			herr := &HandlerError{Panic: p}
			if err, ok := p.(error); ok {
				herr.Err = err
			}
			klog.FromContext(httpReq.Context()).V(3).Info("simulated handler panicked",
				"id", req.ID, "method", req.Method, "path", req.Path, "panic", p)
			resp.Fail(herr)
			return
		}
		_ = resp.End()
	}()

	h.ServeHTTP(resp, httpReq)
}
