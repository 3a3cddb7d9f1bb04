package app

import (
	"context"
	"log/slog"

	"github.com/soocke/framestream/backend"
	"github.com/soocke/framestream/config"
	"github.com/soocke/framestream/domain/capture"
)

// CheckAccess verifies that the configured backend can open the configured
// display, within the configured start timeout, without capturing.
func CheckAccess(ctx context.Context, cfg *config.Config, logger *slog.Logger) (capture.DisplayInfo, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Validate()
	platform, err := backend.New(cfg.Backend, backend.Options{
		FPS:             cfg.FPS,
		Buffers:         cfg.Buffers,
		MaxGrabFailures: cfg.MaxGrabFailures,
		Logger:          logger,
	})
	if err != nil {
		return capture.DisplayInfo{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.StartTimeout())
	defer cancel()
	info, err := capture.CheckAccess(ctx, platform, cfg.Display)
	if err != nil {
		return info, err
	}
	logger.Debug("capture.access_ok", "backend", platform.Name(), "display", info.Index, "width", info.Width, "height", info.Height)
	return info, nil
}
