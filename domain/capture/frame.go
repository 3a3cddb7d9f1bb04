package capture

import (
	"image"
	"image/color"
	"sync/atomic"
	"time"
)

// Frame is a reference-counted handle to one platform-owned frame buffer.
//
// The pixel memory belongs to the producer and is never copied. A frame
// starts with a single reference owned by the delivery scope; the session
// drops it when the callback returns. Consumers that need the frame longer
// call Retain and later Release. When the count reaches zero the buffer is
// handed back to the producer.
type Frame struct {
	native    NativeFrame
	sequence  uint64
	timestamp time.Time
	refs      atomic.Int32
}

func newFrame(nf NativeFrame, seq uint64) *Frame {
	ts := nf.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	f := &Frame{native: nf, sequence: seq, timestamp: ts}
	f.refs.Store(1)
	return f
}

// Sequence is unique and strictly increasing within a session, starting at 1.
func (f *Frame) Sequence() uint64 { return f.sequence }

// Timestamp is the production time reported by the platform.
func (f *Frame) Timestamp() time.Time { return f.timestamp }

func (f *Frame) Width() int          { return f.native.Width }
func (f *Frame) Height() int         { return f.native.Height }
func (f *Frame) Stride() int         { return f.native.Stride }
func (f *Frame) Format() PixelFormat { return f.native.Format }

// Native returns the opaque platform handle (SHM segment, DIB section, ...).
func (f *Frame) Native() uintptr { return f.native.Handle }

// Pixels returns the platform buffer. It must be treated as read-only and
// is nil once the frame has been fully released.
func (f *Frame) Pixels() []byte {
	if f.refs.Load() <= 0 {
		return nil
	}
	return f.native.Pix
}

// Image returns a zero-copy image view of the buffer, or nil once released.
func (f *Frame) Image() image.Image {
	pix := f.Pixels()
	if pix == nil {
		return nil
	}
	rect := image.Rect(0, 0, f.native.Width, f.native.Height)
	if f.native.Format == PixelFormatRGBA {
		return &image.RGBA{Pix: pix, Stride: f.native.Stride, Rect: rect}
	}
	return &BGRA{Pix: pix, Stride: f.native.Stride, Rect: rect}
}

// Retain takes an additional reference and returns f. Retaining a released
// frame panics.
func (f *Frame) Retain() *Frame {
	for {
		n := f.refs.Load()
		if n <= 0 {
			panic("capture: retain of released frame")
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return f
		}
	}
}

// Release drops one reference. The last release recycles the buffer.
// Releasing more often than retained panics, as sync.WaitGroup does for a
// negative counter.
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	switch {
	case n == 0:
		if f.native.Recycle != nil {
			f.native.Recycle()
		}
	case n < 0:
		panic(ErrFrameOverReleased)
	}
}

// releaseScope drops the delivery scope's reference. It reports false, and
// does nothing, when the consumer already released that reference itself.
func (f *Frame) releaseScope() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n-1) {
			if n == 1 && f.native.Recycle != nil {
				f.native.Recycle()
			}
			return true
		}
	}
}

// Released reports whether every reference has been dropped.
func (f *Frame) Released() bool { return f.refs.Load() <= 0 }

// BGRA is an in-memory image whose pixels are stored B, G, R, X. It exists so
// BGRA platform buffers can be read as image.Image without a conversion pass.
// The fourth byte is ignored; pixels are reported opaque.
type BGRA struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

func (p *BGRA) ColorModel() color.Model { return color.RGBAModel }

func (p *BGRA) Bounds() image.Rectangle { return p.Rect }

func (p *BGRA) At(x, y int) color.Color { return p.RGBAAt(x, y) }

func (p *BGRA) RGBAAt(x, y int) color.RGBA {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	s := p.Pix[i : i+4 : i+4]
	return color.RGBA{R: s[2], G: s[1], B: s[0], A: 0xff}
}

// PixOffset returns the index of the first byte of pixel (x, y).
func (p *BGRA) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*4
}
