package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/soocke/framestream/domain/capture"
)

// App drives one capture session until its context ends or the session fails.
type App struct {
	c      *Container
	logger *slog.Logger
	frames atomic.Uint64
	bytes  atomic.Uint64
}

func New(c *Container) *App {
	return &App{c: c, logger: c.Logger}
}

// Frames reports how many frames the callback has seen.
func (a *App) Frames() uint64 { return a.frames.Load() }

// Run starts the session and blocks. It returns nil once ctx is done and the
// session has stopped, or the session's error if it failed.
func (a *App) Run(ctx context.Context) error {
	defer a.c.Thumbnails.Close()

	if err := a.c.Session.Start(a.onFrame); err != nil {
		return err
	}
	info := a.c.Session.Info()
	a.logger.Info("app.running",
		"backend", a.c.Platform.Name(),
		"display", info.Index,
		"size", humanize.IBytes(uint64(info.Width*info.Height*4)),
	)

	var tick <-chan time.Time
	if iv := a.c.Config.StatsInterval(); iv > 0 {
		t := time.NewTicker(iv)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			a.c.Session.Stop()
			a.logStats()
			return nil
		case <-a.c.Session.Done():
			a.c.Session.Stop()
			a.logStats()
			if a.c.Session.State() == capture.StateFailed {
				return a.c.Session.Err()
			}
			return nil
		case <-tick:
			a.logStats()
		}
	}
}

func (a *App) onFrame(f *capture.Frame) {
	a.frames.Add(1)
	a.bytes.Add(uint64(len(f.Pixels())))
	a.c.Thumbnails.Offer(f)
}

func (a *App) logStats() {
	st := a.c.Session.Stats()
	attrs := []any{
		"state", st.State.String(),
		"delivered", humanize.Comma(int64(st.Delivered)),
		"coalesced", st.Coalesced,
		"skipped", st.Skipped,
		"faults", st.Faults,
		"last_sequence", st.LastSequence,
		"avg_callback", st.AvgCallback,
		"frame_age", st.LatestFrameAge,
		"uptime", st.Uptime.Round(time.Second),
		"viewed", humanize.IBytes(a.bytes.Load()),
	}
	if tw := a.c.Thumbnails; tw != nil {
		attrs = append(attrs, "thumbnails", tw.Written(), "thumbnails_skipped", tw.Skipped())
	}
	a.logger.Info("capture.stats", attrs...)
}
