package capture

// State enumerates the lifecycle states of a capture session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// StateListener is called after each session state transition.
type StateListener func(prev, next State)

// PixelFormat describes the byte layout of a frame buffer.
type PixelFormat int

const (
	PixelFormatBGRA PixelFormat = iota
	PixelFormatRGBA
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatBGRA:
		return "bgra"
	case PixelFormatRGBA:
		return "rgba"
	default:
		return "unknown"
	}
}

// FrameCallback receives each captured frame on the delivery goroutine. The
// frame is valid until the callback returns unless the callback Retains it.
type FrameCallback func(*Frame)

// FrameHandler is the adapter-level handler. A non-nil error ends delivery.
type FrameHandler func(*Frame) error

// FaultPolicy decides what a recovered callback panic does to the session.
type FaultPolicy int

const (
	// FaultDropFrame logs the fault, releases the frame and keeps delivering.
	FaultDropFrame FaultPolicy = iota
	// FaultStopSession tears the session down and leaves it Failed.
	FaultStopSession
)

func (p FaultPolicy) String() string {
	switch p {
	case FaultDropFrame:
		return "drop"
	case FaultStopSession:
		return "stop"
	default:
		return "unknown"
	}
}

// ParseFaultPolicy maps "drop"/"stop" to a FaultPolicy. Unknown values fall
// back to FaultDropFrame and report false.
func ParseFaultPolicy(s string) (FaultPolicy, bool) {
	switch s {
	case "drop", "":
		return FaultDropFrame, true
	case "stop":
		return FaultStopSession, true
	default:
		return FaultDropFrame, false
	}
}
