//go:build !linux

package backend

import (
	"context"
	"fmt"
	"runtime"

	"github.com/soocke/framestream/domain/capture"
)

// X11SHM is only available on Linux.
type X11SHM struct{}

func NewX11SHM(Options) *X11SHM { return &X11SHM{} }

func (x *X11SHM) Name() string { return "x11shm" }

func (x *X11SHM) Open(context.Context, int) (capture.Stream, error) {
	return nil, fmt.Errorf("%w: x11shm is not supported on %s", capture.ErrSourceUnavailable, runtime.GOOS)
}
