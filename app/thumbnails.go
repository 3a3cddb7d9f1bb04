package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/soocke/framestream/domain/capture"
)

// ThumbnailWriter saves a scaled PNG of every Nth frame. Frames are retained
// and handed to a single worker, so encoding never runs on the delivery
// goroutine; while the worker is busy, offered frames are skipped.
type ThumbnailWriter struct {
	dir        string
	every      uint64
	maxW, maxH int
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan *capture.Frame
	done   chan struct{}

	written atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

// NewThumbnailWriter creates dir and starts the worker.
func NewThumbnailWriter(logger *slog.Logger, dir string, every, maxW, maxH int) (*ThumbnailWriter, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if every <= 0 {
		every = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("thumbnail dir: %w", err)
	}
	w := &ThumbnailWriter{
		dir:    dir,
		every:  uint64(every),
		maxW:   maxW,
		maxH:   maxH,
		logger: logger.With("component", "thumbnails"),
		jobs:   make(chan *capture.Frame, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Offer is called from the frame callback. It retains the frame when it is
// due and the worker can take it.
func (w *ThumbnailWriter) Offer(f *capture.Frame) {
	if w == nil || f.Sequence()%w.every != 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	f.Retain()
	select {
	case w.jobs <- f:
	default:
		f.Release()
		w.skipped.Add(1)
	}
}

// Close stops accepting frames, finishes the pending one and waits for the
// worker. It is idempotent.
func (w *ThumbnailWriter) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	<-w.done
}

// Written reports how many thumbnails were saved.
func (w *ThumbnailWriter) Written() uint64 { return w.written.Load() }

// Skipped reports how many due frames were dropped because the worker was busy.
func (w *ThumbnailWriter) Skipped() uint64 { return w.skipped.Load() }

func (w *ThumbnailWriter) run() {
	defer close(w.done)
	for f := range w.jobs {
		if err := w.write(f); err != nil {
			w.failed.Add(1)
			w.logger.Warn("thumbnail.write", "sequence", f.Sequence(), "error", err)
		} else {
			w.written.Add(1)
		}
		f.Release()
	}
}

func (w *ThumbnailWriter) write(f *capture.Frame) error {
	img := f.Image()
	if img == nil {
		return fmt.Errorf("frame %d already released", f.Sequence())
	}
	thumb := imaging.Fit(img, w.maxW, w.maxH, imaging.Lanczos)
	path := filepath.Join(w.dir, fmt.Sprintf("frame-%d.png", f.Sequence()))
	if err := imaging.Save(thumb, path); err != nil {
		return err
	}
	w.logger.Debug("thumbnail.saved", "sequence", f.Sequence(), "path", path)
	return nil
}
