//go:build !windows

package backend

import (
	"context"
	"fmt"
	"runtime"

	"github.com/soocke/framestream/domain/capture"
)

// GDI is only available on Windows.
type GDI struct{}

func NewGDI(Options) *GDI { return &GDI{} }

func (g *GDI) Name() string { return "gdi" }

func (g *GDI) Open(context.Context, int) (capture.Stream, error) {
	return nil, fmt.Errorf("%w: gdi is not supported on %s", capture.ErrSourceUnavailable, runtime.GOOS)
}
