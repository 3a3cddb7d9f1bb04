package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable means no capturable display exists or the process
	// lacks screen-recording permission. Returned from Session.Start.
	ErrSourceUnavailable = errors.New("capture: source unavailable")
	// ErrAlreadyStarted is returned by a second Start/BeginDelivery without an
	// intervening stop.
	ErrAlreadyStarted = errors.New("capture: already started")
	// ErrCaptureFailed is matched by every *CaptureError via errors.Is.
	ErrCaptureFailed = errors.New("capture: platform capture failed")
	// ErrDisplayChanged is reported by backends when the display geometry
	// changes under a running stream.
	ErrDisplayChanged = errors.New("capture: display configuration changed")
	// ErrSessionClosed is returned by Start on a Stopped or Failed session.
	ErrSessionClosed = errors.New("capture: session is stopped or failed")
	// ErrNilCallback is returned by Start when no callback is supplied.
	ErrNilCallback = errors.New("capture: nil frame callback")
	// ErrNotInitialized is returned by BeginDelivery before Initialize.
	ErrNotInitialized = errors.New("capture: source not initialized")
	// ErrFrameOverReleased is the ConsumerFault value recorded when a callback
	// releases the delivery reference it never retained.
	ErrFrameOverReleased = errors.New("capture: frame released more times than retained")
)

// CaptureError is a terminal platform failure observed mid-session
// (device removed, permission revoked, display reconfigured).
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("capture: %v", e.Err)
	}
	return fmt.Sprintf("capture: %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCaptureFailed) match any CaptureError.
func (e *CaptureError) Is(target error) bool { return target == ErrCaptureFailed }

// ConsumerFault records a panic recovered from the frame callback, or a
// callback that released the frame it was lent (Value is then
// ErrFrameOverReleased and Stack is empty).
type ConsumerFault struct {
	Sequence uint64
	Value    any
	Stack    []byte
}

func (f *ConsumerFault) Error() string {
	return fmt.Sprintf("capture: callback faulted on frame %d: %v", f.Sequence, f.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (f *ConsumerFault) Unwrap() error {
	if err, ok := f.Value.(error); ok {
		return err
	}
	return nil
}

// sourceUnavailable wraps err so that it matches ErrSourceUnavailable while
// keeping the platform detail in the message.
func sourceUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}
