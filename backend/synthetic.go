package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soocke/framestream/domain/capture"
)

// Synthetic renders a moving test pattern into a fixed set of RGBA buffers.
// It needs no display server and backs the tests and headless runs.
type Synthetic struct {
	opts Options
}

func NewSynthetic(opts Options) *Synthetic { return &Synthetic{opts: opts.withDefaults()} }

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Open(ctx context.Context, display int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if display != 0 {
		return nil, fmt.Errorf("%w: synthetic display %d does not exist", capture.ErrSourceUnavailable, display)
	}
	w, h := s.opts.Width, s.opts.Height
	slots := make([]int, s.opts.Buffers)
	bufs := make([][]byte, s.opts.Buffers)
	for i := range slots {
		slots[i] = i
		bufs[i] = make([]byte, w*h*4)
	}
	return &syntheticStream{
		poller: newPoller("synthetic", s.opts),
		info:   capture.DisplayInfo{Index: display, Width: w, Height: h, Format: capture.PixelFormatRGBA},
		pool:   capture.NewSlotPool(slots),
		bufs:   bufs,
	}, nil
}

type syntheticStream struct {
	*poller
	info capture.DisplayInfo
	pool *capture.SlotPool[int]
	bufs [][]byte

	mu    sync.Mutex
	frame int
}

func (s *syntheticStream) Info() capture.DisplayInfo { return s.info }

func (s *syntheticStream) Start(sink capture.Sink) error { return s.start(sink, s.grab) }

func (s *syntheticStream) Close() error {
	s.close()
	return nil
}

func (s *syntheticStream) grab() (capture.NativeFrame, error) {
	idx, ok := s.pool.TryAcquire()
	if !ok {
		return capture.NativeFrame{}, errNoSlot
	}
	s.mu.Lock()
	n := s.frame
	s.frame++
	s.mu.Unlock()

	w, h := s.info.Width, s.info.Height
	pix := s.bufs[idx]
	paintPattern(pix, w, h, n)
	return capture.NativeFrame{
		Handle:    uintptr(idx + 1),
		Pix:       pix,
		Width:     w,
		Height:    h,
		Stride:    w * 4,
		Format:    capture.PixelFormatRGBA,
		Timestamp: time.Now(),
		Recycle:   func() { s.pool.Put(idx) },
	}, nil
}

// paintPattern draws a gradient with a vertical bar that advances one
// column per frame.
func paintPattern(pix []byte, w, h, n int) {
	bar := n % w
	for y := range h {
		row := pix[y*w*4 : (y+1)*w*4]
		for x := range w {
			o := x * 4
			if x == bar {
				row[o], row[o+1], row[o+2] = 0xff, 0xff, 0xff
			} else {
				row[o] = byte(x * 255 / w)
				row[o+1] = byte(y * 255 / h)
				row[o+2] = byte(n)
			}
			row[o+3] = 0xff
		}
	}
}
