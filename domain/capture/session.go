package capture

import (
	"context"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultStartTimeout = 5 * time.Second

// SessionConfig configures a capture session.
type SessionConfig struct {
	// Display selects the display to capture; 0 is the primary display.
	Display int
	// FaultPolicy decides what a panicking callback does to the session.
	FaultPolicy FaultPolicy
	// StartTimeout bounds platform initialization in Start.
	StartTimeout time.Duration
	// OnError is called once, on a goroutine of its own, when a running
	// session fails. It may call Stop.
	OnError func(error)
	// OnFault is called for every recovered callback panic.
	OnFault func(*ConsumerFault)
}

// Session owns one capture instance and its single frame callback.
//
// Lifecycle: Idle -> Starting -> Running -> Stopping -> Stopped, with
// Starting/Running -> Failed on unrecoverable errors and Idle -> Stopped when
// a session is stopped before it ever started. Stopped and Failed are
// terminal; construct a new session to capture again.
type Session struct {
	id     string
	logger *slog.Logger
	cfg    SessionConfig
	source *SourceAdapter

	opMu sync.Mutex // serializes Start and Stop

	mu        sync.Mutex
	state     State
	err       error
	callback  FrameCallback
	listeners []StateListener
	terminal  chan struct{}
	startedAt time.Time

	// Failure listeners and OnError run on their own goroutine once Start
	// has finished notifying; hooksDone closes when they are done or when
	// Start failed without running them.
	startNotified chan struct{}
	hooksDone     chan struct{}
	hooksOnce     sync.Once
	reentrant     atomic.Int32 // > 0 while Start listeners or failure hooks run

	delivered     atomic.Uint64
	faults        atomic.Uint64
	lastSequence  atomic.Uint64
	lastFrameNano atomic.Int64
	callbackNanos atomic.Uint64
}

// NewSession returns an Idle session capturing from platform.
func NewSession(logger *slog.Logger, platform Platform, cfg SessionConfig) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	id := uuid.NewString()
	logger = logger.With("session", id)
	return &Session{
		id:       id,
		logger:   logger,
		cfg:      cfg,
		source:   NewSourceAdapter(logger, platform, cfg.Display),
		terminal: make(chan struct{}),

		startNotified: make(chan struct{}),
		hooksDone:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, or the failure observed
// while it was stopping.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Info describes the captured display once the session has started.
func (s *Session) Info() DisplayInfo { return s.source.Info() }

// AddListener registers l for state transitions. Listeners run after the
// transition, outside the session locks, on whichever goroutine caused it;
// a failure is reported from a goroutine of its own. Listeners may call Stop.
func (s *Session) AddListener(l StateListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Done is closed once the session reaches Stopped or Failed.
func (s *Session) Done() <-chan struct{} { return s.terminal }

// Wait blocks until the session is terminal or ctx ends. It returns the
// failure for a Failed session and nil for a Stopped one.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.terminal:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return s.err
	}
	return nil
}

// Start registers callback and begins capture. It returns once the platform
// stream is running, or with the initialization error, in which case the
// session is left Failed. callback runs on a dedicated delivery goroutine,
// one frame at a time.
func (s *Session) Start(callback FrameCallback) error {
	if callback == nil {
		return ErrNilCallback
	}
	s.opMu.Lock()
	ts, err := s.start(callback)
	s.opMu.Unlock()

	if len(ts) > 0 {
		s.reentrant.Add(1)
		s.notify(ts...)
		s.reentrant.Add(-1)
		close(s.startNotified)
	}
	return err
}

func (s *Session) start(callback FrameCallback) ([]transition, error) {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateStarting, StateRunning:
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	default:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.callback = callback
	s.mu.Unlock()

	t, _ := s.setState(StateStarting, nil, StateIdle)
	ts := []transition{t}
	failed := func(err error) ([]transition, error) {
		s.logger.Error("capture.start", "error", err)
		if t, ok := s.setState(StateFailed, err, StateStarting); ok {
			ts = append(ts, t)
		}
		s.finishHooks()
		return ts, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartTimeout)
	defer cancel()
	if err := s.source.Initialize(ctx); err != nil {
		return failed(err)
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	if err := s.source.BeginDelivery(s.dispatch, s.onSourceError); err != nil {
		s.source.EndDelivery()
		return failed(err)
	}

	t, ok := s.setState(StateRunning, nil, StateStarting)
	if !ok {
		// The platform failed before Start could publish Running.
		return ts, s.Err()
	}
	ts = append(ts, t)
	info := s.source.Info()
	s.logger.Info("capture.started",
		"display", info.Index,
		"width", info.Width,
		"height", info.Height,
		"fault_policy", s.cfg.FaultPolicy.String(),
	)
	return ts, nil
}

// Stop ends capture and blocks until any in-flight callback has returned.
// After Stop returns the callback is never invoked again, and neither is
// OnError unless Stop was called from OnError or a state listener, which is
// allowed. It is idempotent and must not be called from inside the callback.
func (s *Session) Stop() {
	s.opMu.Lock()
	ts := s.stop()
	s.opMu.Unlock()

	s.notify(ts...)
	if s.State() == StateFailed && s.reentrant.Load() == 0 {
		<-s.hooksDone
	}
}

func (s *Session) stop() []transition {
	switch s.State() {
	case StateIdle:
		if t, ok := s.setState(StateStopped, nil, StateIdle); ok {
			return []transition{t}
		}
	case StateRunning:
		stopping, ok := s.setState(StateStopping, nil, StateRunning)
		if !ok {
			// Failed concurrently; still make sure delivery is torn down.
			s.source.EndDelivery()
			return nil
		}
		s.source.EndDelivery()
		stopped, _ := s.setState(StateStopped, nil, StateStopping)
		st := s.Stats()
		s.logger.Info("capture.stopped",
			"delivered", st.Delivered,
			"dropped", st.Dropped(),
			"faults", st.Faults,
			"uptime", st.Uptime,
		)
		return []transition{stopping, stopped}
	case StateFailed:
		// The adapter already stopped itself; wait out its goroutine.
		s.source.EndDelivery()
	}
	return nil
}

// Stats returns a snapshot of session counters. Safe from any goroutine.
func (s *Session) Stats() SessionStats {
	src := s.source.Stats()
	delivered := s.delivered.Load()
	var avg time.Duration
	if delivered > 0 {
		avg = time.Duration(s.callbackNanos.Load() / delivered)
	}
	var last time.Time
	var age time.Duration
	if n := s.lastFrameNano.Load(); n != 0 {
		last = time.Unix(0, n)
		age = time.Since(last)
	}
	s.mu.Lock()
	state := s.state
	started := s.startedAt
	s.mu.Unlock()
	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return SessionStats{
		ID:             s.id,
		State:          state,
		Delivered:      delivered,
		Coalesced:      src.Coalesced,
		Skipped:        src.Skipped,
		Faults:         s.faults.Load(),
		LastSequence:   s.lastSequence.Load(),
		AvgCallback:    avg,
		LastFrameAt:    last,
		LatestFrameAge: age,
		Uptime:         uptime,
	}
}

// dispatch is the adapter FrameHandler; it runs on the delivery goroutine.
func (s *Session) dispatch(f *Frame) error {
	start := time.Now()
	fault := s.invoke(f)
	s.callbackNanos.Add(uint64(time.Since(start)))
	s.delivered.Add(1)
	s.lastSequence.Store(f.Sequence())
	s.lastFrameNano.Store(f.Timestamp().UnixNano())
	if fault == nil && f.Released() {
		// The callback released the reference it was lent.
		fault = &ConsumerFault{Sequence: f.Sequence(), Value: ErrFrameOverReleased}
	}
	if fault == nil {
		return nil
	}

	s.faults.Add(1)
	s.logger.Error("capture.consumer_fault",
		"sequence", fault.Sequence,
		"error", fault.Value,
		"policy", s.cfg.FaultPolicy.String(),
		"stack", string(fault.Stack),
	)
	if s.cfg.OnFault != nil {
		s.guard("OnFault", func() { s.cfg.OnFault(fault) })
	}
	if s.cfg.FaultPolicy == FaultStopSession {
		return fault
	}
	return nil
}

func (s *Session) invoke(f *Frame) (fault *ConsumerFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &ConsumerFault{Sequence: f.Sequence(), Value: r, Stack: debug.Stack()}
		}
	}()
	s.callback(f)
	return nil
}

// onSourceError runs after delivery has ended, on the delivery goroutine or
// on the goroutine stopping the session. Listeners and OnError for the
// failure run on their own goroutine so they may call Stop.
func (s *Session) onSourceError(err error) {
	t, ok := s.setState(StateFailed, err, StateStarting, StateRunning)
	if !ok {
		// Stop is in progress; keep the error but end Stopped.
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		s.logger.Debug("capture.error_while_stopping", "error", err)
		return
	}
	s.logger.Error("capture.failed", "error", err)
	go s.failureHooks(t, err)
}

func (s *Session) failureHooks(t transition, err error) {
	defer s.finishHooks()
	<-s.startNotified
	s.reentrant.Add(1)
	defer s.reentrant.Add(-1)
	s.notify(t)
	if s.cfg.OnError != nil {
		s.guard("OnError", func() { s.cfg.OnError(err) })
	}
}

func (s *Session) finishHooks() {
	s.hooksOnce.Do(func() { close(s.hooksDone) })
}

type transition struct {
	from, to State
}

// setState moves to next if the current state is one of from (any state
// when from is empty). It reports the transition and whether it happened;
// listeners are notified separately, outside opMu.
func (s *Session) setState(next State, err error, from ...State) (transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if len(from) > 0 && !slices.Contains(from, prev) {
		return transition{}, false
	}
	s.state = next
	if err != nil {
		s.err = err
	}
	if next.Terminal() {
		close(s.terminal)
	}
	return transition{from: prev, to: next}, true
}

func (s *Session) notify(ts ...transition) {
	if len(ts) == 0 {
		return
	}
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, t := range ts {
		s.logger.Debug("capture.state", "from", t.from.String(), "to", t.to.String())
		for _, l := range listeners {
			s.guard("listener", func() { l(t.from, t.to) })
		}
	}
}

// guard runs a user hook, logging instead of propagating a panic so the
// delivery goroutine and the state machine stay intact.
func (s *Session) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("capture.hook_panic", "hook", name, "error", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
