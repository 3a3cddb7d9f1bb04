package capture

import (
	"context"
	"time"
)

// DisplayInfo describes the display a stream captures.
type DisplayInfo struct {
	Index  int
	Width  int
	Height int
	Format PixelFormat
}

// NativeFrame is one buffer produced by a platform stream. Pix aliases the
// platform buffer; Recycle hands it back to the producer and may be nil.
type NativeFrame struct {
	Handle    uintptr
	Pix       []byte
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Timestamp time.Time
	Recycle   func()
}

// Platform is a display-capture primitive (X11 MIT-SHM, GDI, ...).
type Platform interface {
	Name() string
	// Open connects to the given display. It fails with an error matching
	// ErrSourceUnavailable when the display is missing or capture is denied.
	Open(ctx context.Context, display int) (Stream, error)
}

// Stream is an opened platform connection.
//
// Start begins producing frames on a goroutine owned by the stream. Close
// stops production and returns only after the final Sink call; it is
// idempotent. After Fail the stream produces nothing further.
type Stream interface {
	Info() DisplayInfo
	Start(sink Sink) error
	Close() error
}

// Sink receives frame-ready and failure notifications from a Stream.
type Sink interface {
	FrameReady(NativeFrame)
	Fail(error)
}
