package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type adapterState int

const (
	adapterIdle adapterState = iota
	adapterReady
	adapterDelivering
	adapterStopped
)

// SourceAdapter bridges a Platform stream to Frame handles.
//
// The platform produces on its own goroutine and posts into a hand-off of
// capacity one; a newer frame replaces an undelivered older one, which is
// released immediately. A single delivery goroutine owned by the adapter
// takes frames from the hand-off and runs the handler, so handler calls
// never overlap and never run on the caller's goroutine.
type SourceAdapter struct {
	platform Platform
	display  int
	logger   *slog.Logger

	mu      sync.Mutex
	state   adapterState
	stream  Stream
	started bool

	// delivery context, allocated by Initialize
	slot   chan *Frame
	failed chan error
	stop   chan struct{}
	done   chan struct{}

	onError  func(error)
	reported atomic.Bool

	postMu    sync.Mutex
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once

	seq        atomic.Uint64
	produced   atomic.Uint64
	coalesced  atomic.Uint64
	dispatched atomic.Uint64
}

// NewSourceAdapter returns an adapter for the given display of platform.
// Display 0 is the primary display.
func NewSourceAdapter(logger *slog.Logger, platform Platform, display int) *SourceAdapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SourceAdapter{platform: platform, display: display, logger: logger}
}

// Initialize opens the platform stream and allocates the delivery context.
// It is bounded by ctx; failures match ErrSourceUnavailable.
func (a *SourceAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case adapterReady, adapterDelivering:
		return ErrAlreadyStarted
	case adapterStopped:
		return fmt.Errorf("%w: source adapter stopped", ErrSessionClosed)
	}
	if a.platform == nil {
		return sourceUnavailable(errors.New("no capture platform configured"))
	}

	type opened struct {
		stream Stream
		err    error
	}
	res := make(chan opened, 1)
	go func() {
		s, err := a.platform.Open(ctx, a.display)
		res <- opened{s, err}
	}()

	var r opened
	select {
	case r = <-res:
	case <-ctx.Done():
		// Open may still succeed later; make sure that stream is closed.
		go func() {
			if late := <-res; late.stream != nil {
				_ = late.stream.Close()
			}
		}()
		return sourceUnavailable(fmt.Errorf("open %s display %d: %w", a.platform.Name(), a.display, ctx.Err()))
	}
	if r.err != nil {
		return sourceUnavailable(fmt.Errorf("open %s display %d: %w", a.platform.Name(), a.display, r.err))
	}
	if r.stream == nil {
		return sourceUnavailable(fmt.Errorf("open %s display %d: no stream", a.platform.Name(), a.display))
	}

	a.stream = r.stream
	a.slot = make(chan *Frame, 1)
	a.failed = make(chan error, 1)
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	a.state = adapterReady
	info := a.stream.Info()
	a.logger.Debug("capture.source.open",
		"platform", a.platform.Name(),
		"display", info.Index,
		"width", info.Width,
		"height", info.Height,
		"format", info.Format.String(),
	)
	return nil
}

// BeginDelivery starts the platform stream and the delivery goroutine.
// onFrame is called once per frame, strictly sequentially; the frame is
// released when onFrame returns unless it was retained. A non-nil error from
// onFrame ends delivery and is reported through onError, as is a platform
// failure. onError runs at most once, either on the delivery goroutine or,
// for a failure that raced EndDelivery, on the goroutine calling it.
func (a *SourceAdapter) BeginDelivery(onFrame FrameHandler, onError func(error)) error {
	if onFrame == nil {
		return ErrNilCallback
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case adapterIdle:
		return ErrNotInitialized
	case adapterDelivering:
		return ErrAlreadyStarted
	case adapterStopped:
		return fmt.Errorf("%w: source adapter stopped", ErrSessionClosed)
	}

	a.accepting.Store(true)
	if err := a.stream.Start(adapterSink{a}); err != nil {
		a.accepting.Store(false)
		a.closeStream()
		a.state = adapterStopped
		return sourceUnavailable(fmt.Errorf("start %s stream: %w", a.platform.Name(), err))
	}
	a.state = adapterDelivering
	a.started = true
	a.onError = onError
	go a.deliver(onFrame)
	return nil
}

// EndDelivery stops the platform stream, waits for the delivery goroutine
// and releases any undelivered frame. A platform failure that arrived before
// the stream closed but was never delivered is passed to onError before
// EndDelivery returns. It is idempotent. No handler runs after it returns;
// it must not be called from inside onFrame.
func (a *SourceAdapter) EndDelivery() {
	a.mu.Lock()
	prev := a.state
	if prev != adapterIdle {
		a.state = adapterStopped
	}
	started := a.started
	a.mu.Unlock()
	if prev == adapterIdle {
		return
	}

	a.stopOnce.Do(func() { close(a.stop) })
	a.halt()
	if started {
		<-a.done
	}
	a.drain()
	select {
	case err := <-a.failed:
		a.logger.Debug("capture.source.failed_while_stopping", "platform", a.platform.Name(), "error", err)
		a.report(err)
	default:
	}
	if prev != adapterStopped {
		a.logger.Debug("capture.source.closed", "platform", a.platform.Name(), "produced", a.produced.Load())
	}
}

// Info returns the display description of the opened stream.
func (a *SourceAdapter) Info() DisplayInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return DisplayInfo{Index: a.display}
	}
	return a.stream.Info()
}

// Stats returns a snapshot of adapter counters.
func (a *SourceAdapter) Stats() SourceStats {
	st := SourceStats{
		Produced:   a.produced.Load(),
		Coalesced:  a.coalesced.Load(),
		Dispatched: a.dispatched.Load(),
	}
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if sc, ok := stream.(SkipCounter); ok {
		st.Skipped = sc.Skipped()
	}
	return st
}

func (a *SourceAdapter) deliver(onFrame FrameHandler) {
	defer close(a.done)
	for {
		// Stop wins over a pending frame.
		select {
		case <-a.stop:
			return
		default:
		}
		select {
		case <-a.stop:
			return
		case f := <-a.slot:
			a.dispatched.Add(1)
			err := onFrame(f)
			f.releaseScope()
			if err != nil {
				a.terminate(err)
				return
			}
		case err := <-a.failed:
			a.terminate(err)
			return
		}
	}
}

// terminate runs on the delivery goroutine after a terminal error.
func (a *SourceAdapter) terminate(err error) {
	a.mu.Lock()
	a.state = adapterStopped
	a.mu.Unlock()
	a.halt()
	a.drain()
	a.logger.Debug("capture.source.terminated", "platform", a.platform.Name(), "error", err)
	a.report(err)
}

// report passes err to onError the first time it is called.
func (a *SourceAdapter) report(err error) {
	if a.onError == nil || !a.reported.CompareAndSwap(false, true) {
		return
	}
	a.onError(err)
}

// halt stops accepting frames and closes the platform stream once.
func (a *SourceAdapter) halt() {
	a.postMu.Lock()
	a.accepting.Store(false)
	a.postMu.Unlock()
	a.closeStream()
}

func (a *SourceAdapter) closeStream() {
	a.closeOnce.Do(func() {
		if a.stream == nil {
			return
		}
		if err := a.stream.Close(); err != nil {
			a.logger.Warn("capture.source.close", "platform", a.platform.Name(), "error", err)
		}
	})
}

func (a *SourceAdapter) drain() {
	for {
		select {
		case f := <-a.slot:
			f.Release()
			a.coalesced.Add(1)
		default:
			return
		}
	}
}

// post wraps a native frame and places it in the hand-off, replacing any
// frame that has not been picked up yet.
func (a *SourceAdapter) post(nf NativeFrame) {
	a.postMu.Lock()
	defer a.postMu.Unlock()
	if !a.accepting.Load() {
		if nf.Recycle != nil {
			nf.Recycle()
		}
		return
	}
	f := newFrame(nf, a.seq.Add(1))
	a.produced.Add(1)
	for {
		select {
		case a.slot <- f:
			return
		default:
		}
		select {
		case old := <-a.slot:
			old.Release()
			a.coalesced.Add(1)
		default:
		}
	}
}

func (a *SourceAdapter) fail(err error) {
	if err == nil || !a.accepting.Load() {
		return
	}
	var ce *CaptureError
	if !errors.As(err, &ce) {
		ce = &CaptureError{Op: a.platform.Name(), Err: err}
	}
	select {
	case a.failed <- ce:
	default:
	}
}

type adapterSink struct{ a *SourceAdapter }

func (s adapterSink) FrameReady(nf NativeFrame) { s.a.post(nf) }
func (s adapterSink) Fail(err error)            { s.a.fail(err) }
