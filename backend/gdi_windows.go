//go:build windows

package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/soocke/framestream/domain/capture"
)

const (
	smCxScreen   = 0
	smCyScreen   = 1
	srccopy      = 0x00CC0020
	captureblt   = 0x40000000
	dibRGBColors = 0
	biRGB        = 0
)

var (
	user32                 = windows.NewLazySystemDLL("user32.dll")
	gdi32                  = windows.NewLazySystemDLL("gdi32.dll")
	procGetDC              = user32.NewProc("GetDC")
	procReleaseDC          = user32.NewProc("ReleaseDC")
	procGetSystemMetrics   = user32.NewProc("GetSystemMetrics")
	procCreateCompatibleDC = gdi32.NewProc("CreateCompatibleDC")
	procDeleteDC           = gdi32.NewProc("DeleteDC")
	procSelectObject       = gdi32.NewProc("SelectObject")
	procBitBlt             = gdi32.NewProc("BitBlt")
	procCreateDIBSection   = gdi32.NewProc("CreateDIBSection")
	procDeleteObject       = gdi32.NewProc("DeleteObject")
	procGdiFlush           = gdi32.NewProc("GdiFlush")
)

type bitmapInfoHeader struct {
	BiSize          uint32
	BiWidth         int32
	BiHeight        int32
	BiPlanes        uint16
	BiBitCount      uint16
	BiCompression   uint32
	BiSizeImage     uint32
	BiXPelsPerMeter int32
	BiYPelsPerMeter int32
	BiClrUsed       uint32
	BiClrImportant  uint32
}

type bitmapInfo struct {
	Header bitmapInfoHeader
	_      [4]byte // one RGBQUAD, unused for 32-bit
}

// GDI BitBlts the primary screen into top-down 32-bit DIB sections. Each
// buffer slot owns its memory DC with the DIB selected, so a grab is a
// single BitBlt and frames alias the DIB bits directly.
type GDI struct {
	opts Options
}

func NewGDI(opts Options) *GDI { return &GDI{opts: opts.withDefaults()} }

func (g *GDI) Name() string { return "gdi" }

func (g *GDI) Open(ctx context.Context, display int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if display != 0 {
		return nil, fmt.Errorf("%w: gdi backend only captures the primary display", capture.ErrSourceUnavailable)
	}
	if err := procBitBlt.Find(); err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, err)
	}
	w, h := screenSize()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: invalid screen size %dx%d", capture.ErrSourceUnavailable, w, h)
	}
	screenDC, _, callErr := procGetDC.Call(0)
	if screenDC == 0 {
		return nil, fmt.Errorf("%w: GetDC: %w", capture.ErrSourceUnavailable, callErr)
	}

	s := &gdiStream{
		poller:   newPoller("gdi", g.opts),
		screenDC: screenDC,
		info:     capture.DisplayInfo{Index: display, Width: w, Height: h, Format: capture.PixelFormatBGRA},
	}
	dibs := make([]*dibSection, 0, g.opts.Buffers)
	for range g.opts.Buffers {
		d, err := newDIBSection(screenDC, w, h)
		if err != nil {
			for _, d := range dibs {
				d.free()
			}
			procReleaseDC.Call(0, screenDC)
			return nil, fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, err)
		}
		dibs = append(dibs, d)
		s.live++
	}
	s.pool = capture.NewSlotPool(dibs)
	return s, nil
}

type dibSection struct {
	memDC uintptr
	bmp   uintptr
	prev  uintptr
	bits  []byte
}

func newDIBSection(screenDC uintptr, w, h int) (*dibSection, error) {
	memDC, _, callErr := procCreateCompatibleDC.Call(screenDC)
	if memDC == 0 {
		return nil, fmt.Errorf("CreateCompatibleDC: %w", callErr)
	}

	var bi bitmapInfo
	bi.Header.BiSize = uint32(unsafe.Sizeof(bi.Header))
	bi.Header.BiWidth = int32(w)
	bi.Header.BiHeight = -int32(h) // top-down
	bi.Header.BiPlanes = 1
	bi.Header.BiBitCount = 32
	bi.Header.BiCompression = biRGB
	bi.Header.BiSizeImage = uint32(w * h * 4)

	var bitsPtr unsafe.Pointer
	bmp, _, callErr := procCreateDIBSection.Call(memDC, uintptr(unsafe.Pointer(&bi)), dibRGBColors, uintptr(unsafe.Pointer(&bitsPtr)), 0, 0)
	if bmp == 0 || bitsPtr == nil {
		procDeleteDC.Call(memDC)
		return nil, fmt.Errorf("CreateDIBSection: %w", callErr)
	}
	prev, _, callErr := procSelectObject.Call(memDC, bmp)
	if prev == 0 || prev == ^uintptr(0) { // failure or GDI_ERROR
		procDeleteObject.Call(bmp)
		procDeleteDC.Call(memDC)
		return nil, fmt.Errorf("SelectObject: %w", callErr)
	}
	return &dibSection{
		memDC: memDC,
		bmp:   bmp,
		prev:  prev,
		bits:  unsafe.Slice((*byte)(bitsPtr), w*h*4),
	}, nil
}

func (d *dibSection) free() {
	procSelectObject.Call(d.memDC, d.prev)
	procDeleteObject.Call(d.bmp)
	procDeleteDC.Call(d.memDC)
	d.bits = nil
}

type gdiStream struct {
	*poller
	screenDC uintptr
	info     capture.DisplayInfo
	pool     *capture.SlotPool[*dibSection]

	// DIB sections still referenced by frames outlive Close; the screen DC
	// is released with the last of them.
	mu     sync.Mutex
	closed bool
	live   int
}

func (s *gdiStream) Info() capture.DisplayInfo { return s.info }

func (s *gdiStream) Start(sink capture.Sink) error { return s.start(sink, s.grab) }

func (s *gdiStream) Close() error {
	s.close()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var free []*dibSection
	for {
		d, ok := s.pool.TryAcquire()
		if !ok {
			break
		}
		free = append(free, d)
	}
	last := s.live == 0
	s.mu.Unlock()

	for _, d := range free {
		s.destroy(d)
	}
	if last {
		procReleaseDC.Call(0, s.screenDC)
	}
	return nil
}

func (s *gdiStream) grab() (capture.NativeFrame, error) {
	if w, h := screenSize(); w != s.info.Width || h != s.info.Height {
		return capture.NativeFrame{}, fmt.Errorf("%w: %dx%d -> %dx%d", capture.ErrDisplayChanged,
			s.info.Width, s.info.Height, w, h)
	}
	d, ok := s.pool.TryAcquire()
	if !ok {
		return capture.NativeFrame{}, errNoSlot
	}
	w, h := s.info.Width, s.info.Height
	ok2, _, callErr := procBitBlt.Call(d.memDC, 0, 0, uintptr(w), uintptr(h), s.screenDC, 0, 0, srccopy|captureblt)
	if ok2 == 0 {
		s.recycle(d)
		return capture.NativeFrame{}, fmt.Errorf("BitBlt: %w", callErr)
	}
	procGdiFlush.Call()
	return capture.NativeFrame{
		Handle:    d.bmp,
		Pix:       d.bits,
		Width:     w,
		Height:    h,
		Stride:    w * 4,
		Format:    capture.PixelFormatBGRA,
		Timestamp: time.Now(),
		Recycle:   func() { s.recycle(d) },
	}, nil
}

func (s *gdiStream) recycle(d *dibSection) {
	s.mu.Lock()
	if !s.closed {
		s.pool.Put(d)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.destroy(d)
}

func (s *gdiStream) destroy(d *dibSection) {
	d.free()
	s.mu.Lock()
	s.live--
	last := s.closed && s.live == 0
	s.mu.Unlock()
	if last {
		procReleaseDC.Call(0, s.screenDC)
	}
}

func screenSize() (int, int) {
	w, _, _ := procGetSystemMetrics.Call(smCxScreen)
	h, _, _ := procGetSystemMetrics.Call(smCyScreen)
	return int(int32(w)), int(int32(h))
}
