package capture

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSession(p Platform, cfg SessionConfig) *Session {
	return NewSession(discardLogger, p, cfg)
}

// emitAndWait emits one frame and waits until the recorder has n entries.
func emitAndWait(t *testing.T, s *manualStream, r *seqRecorder, n int) {
	t.Helper()
	if !s.emit() {
		t.Fatalf("stream not running")
	}
	waitUntil(t, time.Second, func() bool { return r.len() >= n })
}

func TestSession_DeliversInOrder(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{})
	r := &seqRecorder{}
	if err := s.Start(r.callback); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("expected running, got %v", s.State())
	}
	for i := 1; i <= 5; i++ {
		emitAndWait(t, p.stream, r, i)
	}
	s.Stop()
	if got := r.snapshot(); !slices.Equal(got, []uint64{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected sequence %v", got)
	}
	st := s.Stats()
	if st.Delivered != 5 || st.LastSequence != 5 || st.Dropped() != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSession_CallbacksNeverOverlap(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{})
	var inflight, overlaps atomic.Int32
	r := &seqRecorder{}
	err := s.Start(func(f *Frame) {
		if inflight.Add(1) > 1 {
			overlaps.Add(1)
		}
		r.callback(f)
		time.Sleep(200 * time.Microsecond)
		inflight.Add(-1)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				p.stream.emit()
			}
		}()
	}
	wg.Wait()
	waitUntil(t, time.Second, func() bool { return r.len() > 0 })
	s.Stop()
	if overlaps.Load() != 0 {
		t.Fatalf("callbacks overlapped %d times", overlaps.Load())
	}
	got := r.snapshot()
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("sequence not increasing at %d: %v", i, got)
		}
	}
	st := s.Stats()
	if st.Delivered+st.Coalesced != 200 {
		t.Fatalf("delivered %d + coalesced %d != 200", st.Delivered, st.Coalesced)
	}
}

func TestSession_NoCallbacksAfterStop(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{})
	var stopped atomic.Bool
	var late atomic.Int32
	r := &seqRecorder{}
	err := s.Start(func(f *Frame) {
		if stopped.Load() {
			late.Add(1)
		}
		r.callback(f)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	emitAndWait(t, p.stream, r, 1)
	p.stream.emit() // possibly pending at stop
	s.Stop()
	stopped.Store(true)
	if p.stream.emit() {
		t.Fatalf("stream still running after stop")
	}
	time.Sleep(20 * time.Millisecond)
	if late.Load() != 0 {
		t.Fatalf("callback ran %d times after Stop returned", late.Load())
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
	if !p.stream.isClosed() {
		t.Fatalf("platform stream not closed")
	}
}

func TestSession_SecondStartFails(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{})
	r := &seqRecorder{}
	if err := s.Start(r.callback); err != nil {
		t.Fatalf("start: %v", err)
	}
	other := &seqRecorder{}
	if err := s.Start(other.callback); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	emitAndWait(t, p.stream, r, 1)
	emitAndWait(t, p.stream, r, 2)
	s.Stop()
	if other.len() != 0 {
		t.Fatalf("second callback received frames")
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
}

func TestSession_StartAfterStopFails(t *testing.T) {
	s := newTestSession(newManualPlatform(), SessionConfig{})
	if err := s.Start(func(*Frame) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	s.Stop()
	if err := s.Start(func(*Frame) {}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_NilCallback(t *testing.T) {
	s := newTestSession(newManualPlatform(), SessionConfig{})
	if err := s.Start(nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("expected ErrNilCallback, got %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %v", s.State())
	}
}

func TestSession_SourceUnavailable(t *testing.T) {
	p := newManualPlatform()
	p.openErr = errors.New("no display")
	s := newTestSession(p, SessionConfig{})
	r := &seqRecorder{}
	err := s.Start(r.callback)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %v", s.State())
	}
	if werr := s.Wait(context.Background()); !errors.Is(werr, ErrSourceUnavailable) {
		t.Fatalf("Wait returned %v", werr)
	}
	if p.stream.emit() {
		t.Fatalf("stream should never have started")
	}
	s.Stop()
	if r.len() != 0 {
		t.Fatalf("callback invoked %d times", r.len())
	}
}

func TestSession_StreamStartFailure(t *testing.T) {
	p := newManualPlatform()
	p.stream.startErr = errors.New("permission denied")
	s := newTestSession(p, SessionConfig{})
	if err := s.Start(func(*Frame) {}); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if !p.stream.isClosed() {
		t.Fatalf("stream not closed after failed start")
	}
}

func TestSession_StartTimeout(t *testing.T) {
	p := newManualPlatform()
	p.block = make(chan struct{})
	s := newTestSession(p, SessionConfig{StartTimeout: 20 * time.Millisecond})
	err := s.Start(func(*Frame) {})
	if !errors.Is(err, ErrSourceUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout as ErrSourceUnavailable, got %v", err)
	}
	close(p.block)
	waitUntil(t, time.Second, p.stream.isClosed)
}

func TestSession_StopBeforeAnyFrame(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{})
	r := &seqRecorder{}
	if err := s.Start(r.callback); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	if r.len() != 0 {
		t.Fatalf("unexpected callbacks %d", r.len())
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSession_StopIdle(t *testing.T) {
	s := newTestSession(newManualPlatform(), SessionConfig{})
	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestSession_SlowCallbackCoalesces(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{})
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	r := &seqRecorder{}
	err := s.Start(func(f *Frame) {
		r.callback(f)
		if f.Sequence() == 1 {
			entered <- struct{}{}
			<-gate
		}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p.stream.emit()
	<-entered
	for range 4 {
		p.stream.emit()
	}
	close(gate)
	waitUntil(t, time.Second, func() bool { return r.len() == 2 })
	s.Stop()

	if got := r.snapshot(); !slices.Equal(got, []uint64{1, 5}) {
		t.Fatalf("expected latest frame after the slow one, got %v", got)
	}
	st := s.Stats()
	if st.Coalesced != 3 {
		t.Fatalf("expected 3 coalesced frames, got %d", st.Coalesced)
	}
	produced, counts := p.stream.recycleCounts()
	for h := 1; h <= produced; h++ {
		if counts[uintptr(h)] != 1 {
			t.Fatalf("frame %d recycled %d times", h, counts[uintptr(h)])
		}
	}
}

func TestSession_FaultDropFrameKeepsRunning(t *testing.T) {
	p := newManualPlatform()
	var faults []*ConsumerFault
	var mu sync.Mutex
	s := newTestSession(p, SessionConfig{
		OnFault: func(f *ConsumerFault) {
			mu.Lock()
			faults = append(faults, f)
			mu.Unlock()
		},
		OnError: func(error) { t.Errorf("OnError must not run under drop policy") },
	})
	r := &seqRecorder{}
	err := s.Start(func(f *Frame) {
		r.callback(f)
		if f.Sequence() == 2 {
			panic("consumer bug")
		}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 4; i++ {
		emitAndWait(t, p.stream, r, i)
	}
	waitUntil(t, time.Second, func() bool { return s.Stats().Faults == 1 })
	if s.State() != StateRunning {
		t.Fatalf("expected running, got %v", s.State())
	}
	s.Stop()
	mu.Lock()
	defer mu.Unlock()
	if len(faults) != 1 || faults[0].Sequence != 2 || faults[0].Value != "consumer bug" || len(faults[0].Stack) == 0 {
		t.Fatalf("unexpected faults %+v", faults)
	}
	produced, counts := p.stream.recycleCounts()
	for h := 1; h <= produced; h++ {
		if counts[uintptr(h)] != 1 {
			t.Fatalf("frame %d recycled %d times", h, counts[uintptr(h)])
		}
	}
}

func TestSession_FaultStopSessionFails(t *testing.T) {
	p := newManualPlatform()
	var onErr atomic.Int32
	var gotErr atomic.Value
	s := newTestSession(p, SessionConfig{
		FaultPolicy: FaultStopSession,
		OnError: func(err error) {
			onErr.Add(1)
			gotErr.Store(err)
		},
	})
	boom := errors.New("boom")
	if err := s.Start(func(*Frame) { panic(boom) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.stream.emit()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	var fault *ConsumerFault
	if !errors.As(err, &fault) || !errors.Is(err, boom) {
		t.Fatalf("expected consumer fault wrapping boom, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %v", s.State())
	}
	waitUntil(t, time.Second, func() bool { return onErr.Load() == 1 })
	s.Stop()
	if onErr.Load() != 1 {
		t.Fatalf("OnError called %d times", onErr.Load())
	}
	if !p.stream.isClosed() {
		t.Fatalf("stream not closed after failure")
	}
}

func TestSession_PlatformFailure(t *testing.T) {
	p := newManualPlatform()
	var onErr atomic.Int32
	s := newTestSession(p, SessionConfig{OnError: func(error) { onErr.Add(1) }})
	r := &transitionRecorder{}
	s.AddListener(r.listener)
	if err := s.Start(func(*Frame) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.stream.fail(errors.New("device removed"))
	p.stream.fail(errors.New("again"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Op != "manual" {
		t.Fatalf("expected CaptureError from manual, got %v", err)
	}
	waitUntil(t, time.Second, func() bool { return onErr.Load() >= 1 })
	s.Stop()
	time.Sleep(10 * time.Millisecond)
	if onErr.Load() != 1 {
		t.Fatalf("OnError called %d times", onErr.Load())
	}
	want := []State{StateStarting, StateRunning, StateFailed}
	if got := r.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("transitions %v, want %v", got, want)
	}
}

func TestSession_ListenerSeesLifecycle(t *testing.T) {
	s := newTestSession(newManualPlatform(), SessionConfig{})
	r := &transitionRecorder{}
	s.AddListener(r.listener)
	s.AddListener(func(State, State) { panic("listener bug") })
	if err := s.Start(func(*Frame) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if got := r.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("transitions %v, want %v", got, want)
	}
}

func TestSession_RetainedFramesOutliveCallback(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{})
	var mu sync.Mutex
	var kept []*Frame
	r := &seqRecorder{}
	err := s.Start(func(f *Frame) {
		if f.Sequence()%2 == 1 {
			mu.Lock()
			kept = append(kept, f.Retain())
			mu.Unlock()
		}
		r.callback(f)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 6; i++ {
		emitAndWait(t, p.stream, r, i)
	}
	s.Stop()

	_, counts := p.stream.recycleCounts()
	mu.Lock()
	defer mu.Unlock()
	for _, f := range kept {
		if counts[f.Native()] != 0 {
			t.Fatalf("retained frame %d recycled early", f.Sequence())
		}
		if f.Pixels() == nil {
			t.Fatalf("retained frame %d lost its pixels", f.Sequence())
		}
		f.Release()
	}
	produced, counts := p.stream.recycleCounts()
	for h := 1; h <= produced; h++ {
		if counts[uintptr(h)] != 1 {
			t.Fatalf("frame %d recycled %d times", h, counts[uintptr(h)])
		}
	}
}

func TestSession_StatsCountStreamSkips(t *testing.T) {
	p := newManualPlatform()
	p.stream.skipped = 7
	s := newTestSession(p, SessionConfig{})
	if err := s.Start(func(*Frame) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	st := s.Stats()
	if st.Skipped != 7 || st.Dropped() != 7 || st.ID == "" || st.State != StateRunning {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSession_WaitHonoursContext(t *testing.T) {
	s := newTestSession(newManualPlatform(), SessionConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSession_ReleasingLentFrameIsFault(t *testing.T) {
	p := newManualPlatform()
	var overReleased atomic.Int32
	s := newTestSession(p, SessionConfig{
		OnFault: func(f *ConsumerFault) {
			if errors.Is(f, ErrFrameOverReleased) && f.Sequence == 1 {
				overReleased.Add(1)
			}
		},
		OnError: func(error) { t.Errorf("OnError must not run under drop policy") },
	})
	r := &seqRecorder{}
	err := s.Start(func(f *Frame) {
		r.callback(f)
		if f.Sequence() == 1 {
			f.Release()
		}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 3; i++ {
		emitAndWait(t, p.stream, r, i)
	}
	waitUntil(t, time.Second, func() bool { return s.Stats().Faults == 1 })
	if s.State() != StateRunning {
		t.Fatalf("expected running, got %v", s.State())
	}
	s.Stop()
	if overReleased.Load() != 1 {
		t.Fatalf("OnFault saw %d over-release faults", overReleased.Load())
	}
	produced, counts := p.stream.recycleCounts()
	for h := 1; h <= produced; h++ {
		if counts[uintptr(h)] != 1 {
			t.Fatalf("frame %d recycled %d times", h, counts[uintptr(h)])
		}
	}
}

func TestSession_ReleasingLentFrameStopsSession(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{FaultPolicy: FaultStopSession})
	if err := s.Start(func(f *Frame) { f.Release() }); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.stream.emit()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	var fault *ConsumerFault
	if !errors.As(err, &fault) || !errors.Is(err, ErrFrameOverReleased) {
		t.Fatalf("expected over-release fault, got %v", err)
	}
	s.Stop()
	if _, counts := p.stream.recycleCounts(); counts[1] != 1 {
		t.Fatalf("frame recycled %d times", counts[1])
	}
}

func TestSession_StopFromOnError(t *testing.T) {
	p := newManualPlatform()
	var s *Session
	returned := make(chan struct{})
	s = newTestSession(p, SessionConfig{OnError: func(error) {
		s.Stop()
		close(returned)
	}})
	if err := s.Start(func(*Frame) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.stream.fail(errors.New("device removed"))
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Stop called from OnError did not return")
	}
	s.Stop()
	if s.State() != StateFailed || !errors.Is(s.Err(), ErrCaptureFailed) {
		t.Fatalf("expected failed session, got %v %v", s.State(), s.Err())
	}
	if !p.stream.isClosed() {
		t.Fatalf("stream not closed")
	}
}

func TestSession_StopFromRunningListener(t *testing.T) {
	s := newTestSession(newManualPlatform(), SessionConfig{})
	s.AddListener(func(_, next State) {
		if next == StateRunning {
			s.Stop()
		}
	})
	errc := make(chan error, 1)
	go func() { errc <- s.Start(func(*Frame) {}) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Start did not return after a listener stopped the session")
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
}

func TestSession_StopFromFailedListener(t *testing.T) {
	p := newManualPlatform()
	s := newTestSession(p, SessionConfig{})
	returned := make(chan struct{})
	s.AddListener(func(_, next State) {
		if next == StateFailed {
			s.Stop()
			close(returned)
		}
	})
	if err := s.Start(func(*Frame) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.stream.fail(errors.New("permission revoked"))
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Stop called from a listener did not return")
	}
}

func TestSession_FailureDuringStopIsRecorded(t *testing.T) {
	p := newManualPlatform()
	var onErr atomic.Int32
	s := newTestSession(p, SessionConfig{OnError: func(error) { onErr.Add(1) }})
	entered := make(chan struct{})
	gate := make(chan struct{})
	err := s.Start(func(f *Frame) {
		if f.Sequence() == 1 {
			close(entered)
			<-gate
		}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p.stream.emit()
	<-entered
	p.stream.fail(errors.New("display unplugged"))

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	waitUntil(t, time.Second, func() bool { return s.State() == StateStopping })
	close(gate)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return")
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
	if !errors.Is(s.Err(), ErrCaptureFailed) {
		t.Fatalf("expected queued failure in Err, got %v", s.Err())
	}
	if onErr.Load() != 0 {
		t.Fatalf("OnError called %d times while stopping", onErr.Load())
	}
}
