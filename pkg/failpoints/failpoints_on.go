//go:build failpoints
// +build failpoints

// Package failpoints injects faults at named call sites. Without the
// failpoints build tag every call site compiles to a no-op.
package failpoints

import (
	"fmt"
	"sync"
)

var (
	mu      sync.Mutex
	enabled = make(map[string]uint8)
)

// take consumes one trigger of the named failpoint.
func take(name string) bool {
	mu.Lock()
	defer mu.Unlock()

	remaining, ok := enabled[name]
	if !ok {
		return false
	}
	if remaining == 0 {
		delete(enabled, name)
		return false
	}
	enabled[name] = remaining - 1
	return true
}

// FailPoint panics with the failpoint name while it has triggers remaining.
func FailPoint(name string) {
	if take(name) {
		panic(name)
	}
}

// FailPointErr is FailPoint for call sites that report failure instead of
// panicking. The returned error wraps ErrInjected.
func FailPointErr(name string) error {
	if take(name) {
		return fmt.Errorf("%w: %s", ErrInjected, name)
	}
	return nil
}

// EnableFailPoint makes the next n checks of a failpoint trigger.
func EnableFailPoint(name string, n uint8) {
	mu.Lock()
	defer mu.Unlock()
	enabled[name] = n
}

// DisableAll removes all failpoints.
func DisableAll() {
	mu.Lock()
	defer mu.Unlock()
	enabled = make(map[string]uint8)
}
