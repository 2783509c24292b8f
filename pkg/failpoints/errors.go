package failpoints

import "errors"

// ErrInjected is wrapped by every error returned from FailPointErr.
var ErrInjected = errors.New("injected failure")
