package capture

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var discardLogger = slog.New(slog.NewTextHandler(&discardWriter{}, nil))

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// manualStream produces frames only when the test calls emit.
type manualStream struct {
	info DisplayInfo

	mu       sync.Mutex
	sink     Sink
	closed   bool
	produced int
	startErr error

	recMu    sync.Mutex
	recycled map[uintptr]int
	skipped  uint64
}

func newManualStream() *manualStream {
	return &manualStream{
		info:     DisplayInfo{Width: 2, Height: 2, Format: PixelFormatRGBA},
		recycled: make(map[uintptr]int),
	}
}

func (s *manualStream) Info() DisplayInfo { return s.info }

func (s *manualStream) Start(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.sink = sink
	return nil
}

func (s *manualStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *manualStream) Skipped() uint64 {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.skipped
}

func (s *manualStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emit posts one frame and reports whether the stream was still running.
func (s *manualStream) emit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil || s.closed {
		return false
	}
	s.produced++
	h := uintptr(s.produced)
	s.sink.FrameReady(NativeFrame{
		Handle:  h,
		Pix:     make([]byte, 16),
		Width:   2,
		Height:  2,
		Stride:  8,
		Format:  PixelFormatRGBA,
		Recycle: func() { s.recycle(h) },
	})
	return true
}

func (s *manualStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil && !s.closed {
		s.sink.Fail(err)
	}
}

func (s *manualStream) recycle(h uintptr) {
	s.recMu.Lock()
	s.recycled[h]++
	s.recMu.Unlock()
}

// recycleCounts returns how often each produced frame was recycled.
func (s *manualStream) recycleCounts() (produced int, counts map[uintptr]int) {
	s.mu.Lock()
	produced = s.produced
	s.mu.Unlock()
	s.recMu.Lock()
	defer s.recMu.Unlock()
	counts = make(map[uintptr]int, len(s.recycled))
	for k, v := range s.recycled {
		counts[k] = v
	}
	return produced, counts
}

type manualPlatform struct {
	stream  *manualStream
	openErr error
	block   chan struct{} // Open waits on it when non-nil, ignoring ctx
}

func newManualPlatform() *manualPlatform { return &manualPlatform{stream: newManualStream()} }

func (p *manualPlatform) Name() string { return "manual" }

func (p *manualPlatform) Open(ctx context.Context, display int) (Stream, error) {
	if p.block != nil {
		<-p.block
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p.stream, nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// seqRecorder collects delivered sequence numbers.
type seqRecorder struct {
	mu  sync.Mutex
	seq []uint64
}

func (r *seqRecorder) callback(f *Frame) {
	r.mu.Lock()
	r.seq = append(r.seq, f.Sequence())
	r.mu.Unlock()
}

func (r *seqRecorder) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seq...)
}

func (r *seqRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seq)
}

type transitionRecorder struct {
	mu  sync.Mutex
	seq []State
}

func (r *transitionRecorder) listener(prev, next State) {
	r.mu.Lock()
	r.seq = append(r.seq, next)
	r.mu.Unlock()
}

func (r *transitionRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.seq...)
}
