//go:build mage
// +build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

type Lint mg.Namespace

// All Run all linters
func (l Lint) All() error {
	mg.Deps(l.Go)
	return nil
}

// Go Run all go linters
func (l Lint) Go() error {
	mg.Deps(l.Gofumpt, l.Golangcilint, l.GoModTidy)
	return nil
}

// Gofumpt Run gofumpt
func (Lint) Gofumpt() error {
	return sh.RunV("go", "run", "mvdan.cc/gofumpt@latest", "-l", "-w", ".")
}

// Golangcilint Run golangci-lint
func (Lint) Golangcilint() error {
	fmt.Println("running golangci-lint")
	return sh.RunV("go", "run", "github.com/golangci/golangci-lint/cmd/golangci-lint@latest", "run", "--fix", "./...")
}

// GoModTidy Runs go mod tidy
func (Lint) GoModTidy() error {
	fmt.Println("running go mod tidy")
	return sh.RunV("go", "mod", "tidy")
}

// Vulncheck Run vulncheck
func (Lint) Vulncheck() error {
	fmt.Println("running vulncheck")
	return sh.RunV("go", "run", "golang.org/x/vuln/cmd/govulncheck@latest", "./...")
}
