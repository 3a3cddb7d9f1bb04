package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soocke/framestream/domain/capture"
)

// errNoSlot means every producer buffer is still referenced by a frame.
var errNoSlot = errors.New("backend: no free buffer")

// grabFunc fills a free buffer with the current screen contents.
type grabFunc func() (capture.NativeFrame, error)

// poller is the producer goroutine shared by the polling backends. Ticks
// that arrive while a grab is still running are dropped by time.Ticker, so
// a slow grab lowers the frame rate instead of queueing work.
type poller struct {
	name        string
	interval    time.Duration
	maxFailures int
	logger      *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool

	skipped atomic.Uint64
}

func newPoller(name string, opts Options) *poller {
	return &poller{
		name:        name,
		interval:    opts.interval(),
		maxFailures: opts.MaxGrabFailures,
		logger:      opts.Logger.With("backend", name),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (p *poller) start(sink capture.Sink, grab grabFunc) error {
	err := errors.New("backend: stream already started")
	p.startOnce.Do(func() {
		select {
		case <-p.stop:
			err = errors.New("backend: stream closed")
			return
		default:
		}
		err = nil
		p.started.Store(true)
		go p.run(sink, grab)
	})
	return err
}

// close stops the producer and waits for its final Sink call.
func (p *poller) close() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
	}
}

func (p *poller) Skipped() uint64 { return p.skipped.Load() }

func (p *poller) run(sink capture.Sink, grab grabFunc) {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("backend.producer_panic", "error", r, "stack", string(debug.Stack()))
			sink.Fail(fmt.Errorf("%s producer panic: %v", p.name, r))
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	consecutive := 0
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		nf, err := grab()
		switch {
		case err == nil:
			consecutive = 0
			sink.FrameReady(nf)
		case errors.Is(err, errNoSlot):
			p.skipped.Add(1)
		case errors.Is(err, capture.ErrDisplayChanged), errors.Is(err, capture.ErrSourceUnavailable):
			sink.Fail(err)
			return
		default:
			p.skipped.Add(1)
			consecutive++
			if consecutive == 1 {
				p.logger.Warn("backend.grab", "error", err)
			}
			if consecutive >= p.maxFailures {
				sink.Fail(fmt.Errorf("%d consecutive grab failures: %w", consecutive, err))
				return
			}
		}
	}
}
