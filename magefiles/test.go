//go:build mage
// +build mage

package main

import (
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

type Test mg.Namespace

// All runs the unit tests with and without failpoints compiled in
func (t Test) All() error {
	mg.Deps(t.Unit, t.Failpoints)

	return nil
}

// Unit runs the unit tests.
func (Test) Unit() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Failpoints runs the unit tests with failpoints enabled.
func (Test) Failpoints() error {
	return sh.RunV("go", "test", "-race", "-tags=failpoints", "./...")
}
