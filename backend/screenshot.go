package backend

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/vova616/screenshot"

	"github.com/soocke/framestream/domain/capture"
)

// Screenshot captures through github.com/vova616/screenshot. The library
// allocates a fresh RGBA image per grab, so frames own their memory; a pool
// of tokens still bounds how many of them can be alive at once.
type Screenshot struct {
	opts Options
}

func NewScreenshot(opts Options) *Screenshot { return &Screenshot{opts: opts.withDefaults()} }

func (s *Screenshot) Name() string { return "screenshot" }

func (s *Screenshot) Open(ctx context.Context, display int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if display != 0 {
		return nil, fmt.Errorf("%w: screenshot backend only captures the primary display", capture.ErrSourceUnavailable)
	}
	rect, err := screenshot.ScreenRect()
	if err != nil {
		return nil, fmt.Errorf("%w: screen rect: %w", capture.ErrSourceUnavailable, err)
	}
	if rect.Empty() {
		return nil, fmt.Errorf("%w: empty screen %v", capture.ErrSourceUnavailable, rect)
	}
	tokens := make([]struct{}, s.opts.Buffers)
	return &screenshotStream{
		poller: newPoller("screenshot", s.opts),
		rect:   rect,
		info:   capture.DisplayInfo{Index: display, Width: rect.Dx(), Height: rect.Dy(), Format: capture.PixelFormatRGBA},
		tokens: capture.NewSlotPool(tokens),
		screen: screenshot.ScreenRect,
		grabFn: screenshot.CaptureRect,
	}, nil
}

type screenshotStream struct {
	*poller
	rect   image.Rectangle
	info   capture.DisplayInfo
	tokens *capture.SlotPool[struct{}]

	screen func() (image.Rectangle, error)
	grabFn func(image.Rectangle) (*image.RGBA, error)
}

func (s *screenshotStream) Info() capture.DisplayInfo { return s.info }

func (s *screenshotStream) Start(sink capture.Sink) error { return s.start(sink, s.grab) }

func (s *screenshotStream) Close() error {
	s.close()
	return nil
}

func (s *screenshotStream) grab() (capture.NativeFrame, error) {
	tok, ok := s.tokens.TryAcquire()
	if !ok {
		return capture.NativeFrame{}, errNoSlot
	}
	img, err := s.capture()
	if err != nil {
		s.tokens.Put(tok)
		return capture.NativeFrame{}, err
	}
	return capture.NativeFrame{
		Pix:       img.Pix,
		Width:     img.Rect.Dx(),
		Height:    img.Rect.Dy(),
		Stride:    img.Stride,
		Format:    capture.PixelFormatRGBA,
		Timestamp: time.Now(),
		Recycle:   func() { s.tokens.Put(tok) },
	}, nil
}

func (s *screenshotStream) capture() (*image.RGBA, error) {
	now, err := s.screen()
	if err != nil {
		return nil, err
	}
	if now.Dx() != s.rect.Dx() || now.Dy() != s.rect.Dy() {
		return nil, fmt.Errorf("%w: %v -> %v", capture.ErrDisplayChanged, s.rect, now)
	}
	img, err := s.grabFn(s.rect)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("screenshot: nil image")
	}
	return img, nil
}
