package capture

import "time"

// SkipCounter is optionally implemented by a Stream that drops frames at
// the producer, for example when no buffer slot is free.
type SkipCounter interface {
	Skipped() uint64
}

// SourceStats summarises producer-side behaviour of a SourceAdapter.
type SourceStats struct {
	Produced   uint64 // frames wrapped from FrameReady
	Coalesced  uint64 // replaced in the hand-off before delivery
	Dispatched uint64 // handed to the frame handler; a Session reports these as Delivered
	Skipped    uint64 // dropped by the stream itself
}

// SessionStats summarises session behaviour for instrumentation.
type SessionStats struct {
	ID             string
	State          State
	Delivered      uint64
	Coalesced      uint64
	Skipped        uint64
	Faults         uint64
	LastSequence   uint64
	AvgCallback    time.Duration
	LastFrameAt    time.Time
	LatestFrameAge time.Duration
	Uptime         time.Duration
}

// Dropped is the number of frames that never reached the callback.
func (s SessionStats) Dropped() uint64 { return s.Coalesced + s.Skipped }
