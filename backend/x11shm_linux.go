//go:build linux

package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/shm"
	"github.com/jezek/xgb"
	mshm "github.com/jezek/xgb/shm"
	"github.com/jezek/xgb/xproto"

	"github.com/soocke/framestream/domain/capture"
)

// X11SHM grabs the root window of an X screen into MIT-SHM segments, so the
// server writes pixels straight into memory the frames alias.
type X11SHM struct {
	opts Options
}

func NewX11SHM(opts Options) *X11SHM { return &X11SHM{opts: opts.withDefaults()} }

func (x *X11SHM) Name() string { return "x11shm" }

func (x *X11SHM) Open(ctx context.Context, display int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("%w: connect X server: %w", capture.ErrSourceUnavailable, err)
	}
	if err := mshm.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: MIT-SHM extension: %w", capture.ErrSourceUnavailable, err)
	}
	setup := xproto.Setup(conn)
	if display < 0 || display >= len(setup.Roots) {
		conn.Close()
		return nil, fmt.Errorf("%w: X screen %d does not exist (have %d)", capture.ErrSourceUnavailable, display, len(setup.Roots))
	}
	screen := setup.Roots[display]
	if screen.RootDepth != 24 && screen.RootDepth != 32 {
		conn.Close()
		return nil, fmt.Errorf("%w: unsupported root depth %d", capture.ErrSourceUnavailable, screen.RootDepth)
	}

	w, h := int(screen.WidthInPixels), int(screen.HeightInPixels)
	s := &x11Stream{
		poller:     newPoller("x11shm", x.opts),
		conn:       conn,
		root:       screen.Root,
		info:       capture.DisplayInfo{Index: display, Width: w, Height: h, Format: capture.PixelFormatBGRA},
		checkEvery: x.opts.FPS,
	}
	segs := make([]*shmSegment, 0, x.opts.Buffers)
	for range x.opts.Buffers {
		seg, err := s.newSegment(w * h * 4)
		if err != nil {
			for _, sg := range segs {
				s.destroy(sg)
			}
			conn.Close()
			return nil, fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, err)
		}
		segs = append(segs, seg)
		s.live++
	}
	s.pool = capture.NewSlotPool(segs)
	return s, nil
}

type shmSegment struct {
	id   int
	seg  mshm.Seg
	data []byte
}

type x11Stream struct {
	*poller
	conn *xgb.Conn
	root xproto.Window
	info capture.DisplayInfo
	pool *capture.SlotPool[*shmSegment]

	checkEvery int
	grabs      int

	// Segments still referenced by frames outlive Close; the connection
	// goes away with the last of them.
	mu     sync.Mutex
	closed bool
	live   int
}

func (s *x11Stream) newSegment(size int) (*shmSegment, error) {
	id, err := shm.Get(shm.IPC_PRIVATE, size, shm.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("shmget: %w", err)
	}
	data, err := shm.At(id, 0, 0)
	if err != nil {
		shm.Rm(id)
		return nil, fmt.Errorf("shmat: %w", err)
	}
	seg, err := mshm.NewSegId(s.conn)
	if err != nil {
		shm.Dt(data)
		shm.Rm(id)
		return nil, fmt.Errorf("shm seg id: %w", err)
	}
	if err := mshm.AttachChecked(s.conn, seg, uint32(id), false).Check(); err != nil {
		shm.Dt(data)
		shm.Rm(id)
		return nil, fmt.Errorf("shm attach: %w", err)
	}
	return &shmSegment{id: id, seg: seg, data: data}, nil
}

func (s *x11Stream) Info() capture.DisplayInfo { return s.info }

func (s *x11Stream) Start(sink capture.Sink) error { return s.start(sink, s.grab) }

func (s *x11Stream) Close() error {
	s.close()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var free []*shmSegment
	for {
		seg, ok := s.pool.TryAcquire()
		if !ok {
			break
		}
		free = append(free, seg)
	}
	last := s.live == 0
	s.mu.Unlock()

	for _, seg := range free {
		s.destroy(seg)
	}
	if last {
		s.conn.Close()
	}
	return nil
}

func (s *x11Stream) grab() (capture.NativeFrame, error) {
	if s.grabs%s.checkEvery == 0 {
		if err := s.checkGeometry(); err != nil {
			return capture.NativeFrame{}, err
		}
	}
	s.grabs++

	seg, ok := s.pool.TryAcquire()
	if !ok {
		return capture.NativeFrame{}, errNoSlot
	}
	w, h := s.info.Width, s.info.Height
	_, err := mshm.GetImage(s.conn, xproto.Drawable(s.root), 0, 0, uint16(w), uint16(h),
		0xffffffff, byte(xproto.ImageFormatZPixmap), seg.seg, 0).Reply()
	if err != nil {
		s.recycle(seg)
		return capture.NativeFrame{}, fmt.Errorf("shm get image: %w", err)
	}
	return capture.NativeFrame{
		Handle:    uintptr(seg.seg),
		Pix:       seg.data[:w*h*4],
		Width:     w,
		Height:    h,
		Stride:    w * 4,
		Format:    capture.PixelFormatBGRA,
		Timestamp: time.Now(),
		Recycle:   func() { s.recycle(seg) },
	}, nil
}

func (s *x11Stream) checkGeometry() error {
	geo, err := xproto.GetGeometry(s.conn, xproto.Drawable(s.root)).Reply()
	if err != nil {
		return fmt.Errorf("get geometry: %w", err)
	}
	if int(geo.Width) != s.info.Width || int(geo.Height) != s.info.Height {
		return fmt.Errorf("%w: %dx%d -> %dx%d", capture.ErrDisplayChanged,
			s.info.Width, s.info.Height, geo.Width, geo.Height)
	}
	return nil
}

func (s *x11Stream) recycle(seg *shmSegment) {
	s.mu.Lock()
	if !s.closed {
		s.pool.Put(seg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.destroy(seg)
}

func (s *x11Stream) destroy(seg *shmSegment) {
	mshm.Detach(s.conn, seg.seg)
	shm.Dt(seg.data)
	shm.Rm(seg.id)

	s.mu.Lock()
	s.live--
	last := s.closed && s.live == 0
	s.mu.Unlock()
	if last {
		s.conn.Close()
	}
}
