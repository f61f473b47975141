//go:build tools

// Package tools pins the lint tools used by the build
package tools

import (
	_ "github.com/mgechev/revive"
	_ "golang.org/x/lint/golint"
	_ "honnef.co/go/tools/cmd/staticcheck"
)
