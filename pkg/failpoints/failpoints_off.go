//go:build !failpoints
// +build !failpoints

// Package failpoints injects faults at named call sites. Without the
// failpoints build tag every call site compiles to a no-op.
package failpoints

func FailPoint(string) {}

func FailPointErr(string) error { return nil }

func EnableFailPoint(string, uint8) {}

func DisableAll() {}
