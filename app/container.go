package app

import (
	"fmt"
	"log/slog"

	"github.com/soocke/framestream/backend"
	"github.com/soocke/framestream/config"
	"github.com/soocke/framestream/domain/capture"
)

// Container assembles the platform, the capture session and its consumers.
type Container struct {
	Config     *config.Config
	Logger     *slog.Logger
	Platform   capture.Platform
	Session    *capture.Session
	Thumbnails *ThumbnailWriter // nil when disabled
}

// BuildContainer constructs all components. The only side effect is creating
// the thumbnail directory.
func BuildContainer(cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Validate()
	c := &Container{Config: cfg, Logger: logger}

	platform, err := backend.New(cfg.Backend, backend.Options{
		FPS:             cfg.FPS,
		Buffers:         cfg.Buffers,
		MaxGrabFailures: cfg.MaxGrabFailures,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	c.Platform = platform

	policy, ok := capture.ParseFaultPolicy(cfg.FaultPolicy)
	if !ok {
		return nil, fmt.Errorf("unknown fault policy %q", cfg.FaultPolicy)
	}
	c.Session = capture.NewSession(logger, platform, capture.SessionConfig{
		Display:      cfg.Display,
		FaultPolicy:  policy,
		StartTimeout: cfg.StartTimeout(),
		OnError: func(err error) {
			logger.Error("session.error", "error", err)
		},
	})

	if cfg.ThumbnailDir != "" {
		tw, err := NewThumbnailWriter(logger, cfg.ThumbnailDir, cfg.ThumbnailEvery, cfg.ThumbnailMaxWidth, cfg.ThumbnailMaxHeight)
		if err != nil {
			return nil, err
		}
		c.Thumbnails = tw
	}
	return c, nil
}
