package rewire

import (
	"context"

	"github.com/authzed/rewire/pkg/simulated"
)

// Future is the eventual outcome of a started Call. It settles exactly once.
type Future struct {
	done chan struct{}
	resp *simulated.Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(resp *simulated.Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

// Done is closed once the call has either completed or failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (*simulated.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
