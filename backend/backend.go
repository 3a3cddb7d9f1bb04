// Package backend provides the display-capture primitives behind
// capture.Platform: X11 MIT-SHM on Linux, GDI DIB sections on Windows, the
// portable screenshot library, and a synthetic test pattern.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/soocke/framestream/domain/capture"
)

const (
	defaultFPS             = 30
	defaultBuffers         = 3
	defaultMaxGrabFailures = 30
	defaultSyntheticWidth  = 640
	defaultSyntheticHeight = 360
)

// Options configures every backend. Zero values pick defaults.
type Options struct {
	FPS             int
	Buffers         int // producer buffer slots
	MaxGrabFailures int // consecutive grab errors before the stream fails
	Logger          *slog.Logger

	// Synthetic only.
	Width  int
	Height int
}

func (o Options) withDefaults() Options {
	if o.FPS <= 0 {
		o.FPS = defaultFPS
	}
	if o.Buffers <= 0 {
		o.Buffers = defaultBuffers
	}
	if o.MaxGrabFailures <= 0 {
		o.MaxGrabFailures = defaultMaxGrabFailures
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Width <= 0 {
		o.Width = defaultSyntheticWidth
	}
	if o.Height <= 0 {
		o.Height = defaultSyntheticHeight
	}
	return o
}

func (o Options) interval() time.Duration { return time.Second / time.Duration(o.FPS) }

var registry = map[string]func(Options) capture.Platform{
	"x11shm":     func(o Options) capture.Platform { return NewX11SHM(o) },
	"gdi":        func(o Options) capture.Platform { return NewGDI(o) },
	"screenshot": func(o Options) capture.Platform { return NewScreenshot(o) },
	"synthetic":  func(o Options) capture.Platform { return NewSynthetic(o) },
}

// Names lists the registered backends plus "auto".
func Names() []string {
	names := []string{"auto"}
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names[1:])
	return names
}

// New returns the backend registered under name. "auto" (or "") tries the
// native backend for the current platform first and falls back to the
// screenshot library.
func New(name string, opts Options) (capture.Platform, error) {
	opts = opts.withDefaults()
	if name == "" || name == "auto" {
		return newAuto(opts), nil
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backend: unknown backend %q (have %v)", name, Names())
	}
	return ctor(opts), nil
}

func newAuto(opts Options) capture.Platform {
	var candidates []capture.Platform
	switch {
	case runtime.GOOS == "linux" && os.Getenv("DISPLAY") != "":
		candidates = append(candidates, NewX11SHM(opts))
	case runtime.GOOS == "windows":
		candidates = append(candidates, NewGDI(opts))
	}
	candidates = append(candidates, NewScreenshot(opts))
	return &fallback{candidates: candidates, logger: opts.Logger}
}

// fallback opens the first candidate that succeeds.
type fallback struct {
	candidates []capture.Platform
	logger     *slog.Logger
}

func (f *fallback) Name() string { return "auto" }

func (f *fallback) Open(ctx context.Context, display int) (capture.Stream, error) {
	var errs []error
	for _, p := range f.candidates {
		s, err := p.Open(ctx, display)
		if err == nil {
			f.logger.Info("backend.selected", "backend", p.Name(), "display", display)
			return s, nil
		}
		f.logger.Debug("backend.unavailable", "backend", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, errors.Join(errs...))
}
