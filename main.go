package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/soocke/framestream/app"
	"github.com/soocke/framestream/backend"
	"github.com/soocke/framestream/config"
	"github.com/soocke/framestream/debug"
)

var (
	flagConfig      = flag.String("config", "", "Config file (default under the XDG config home)")
	flagBackend     = flag.String("backend", "", "Capture backend: "+strings.Join(backend.Names(), ", "))
	flagDisplay     = flag.Int("display", 0, "Display index (0 = primary)")
	flagFPS         = flag.Int("fps", 0, "Capture frame rate")
	flagBuffers     = flag.Int("buffers", 0, "Producer buffer slots")
	flagFaultPolicy = flag.String("fault-policy", "", "Callback panic policy: drop or stop")
	flagThumbs      = flag.String("thumbs", "", "Directory for periodic PNG thumbnails (empty disables)")
	flagThumbEvery  = flag.Int("thumb-every", 0, "Write a thumbnail every N frames")
	flagDebug       = flag.Bool("debug", false, "Debug logging and runtime memory/goroutine logs")
	flagSaveConfig  = flag.Bool("save-config", false, "Write the effective config back to the config file")
	flagCheck       = flag.Bool("check", false, "Verify the display can be captured (permission, presence) and exit")
)

func main() {
	flag.Parse()

	path := *flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config %s: %v (using defaults)\n", path, err)
	}
	applyFlags(cfg)
	cfg.Validate()

	logger := NewLogger(parseLevel(cfg.LogLevel, cfg.Debug))
	logger.Info("config", "path", path, "backend", cfg.Backend, "display", cfg.Display, "fps", cfg.FPS)

	if *flagSaveConfig {
		if err := cfg.Save(path); err != nil {
			logger.Error("config.save", "path", path, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *flagCheck {
		info, err := app.CheckAccess(ctx, cfg, logger)
		if err != nil {
			logger.Error("capture.check", "backend", cfg.Backend, "display", cfg.Display, "error", err)
			stop()
			os.Exit(1)
		}
		logger.Info("capture.check", "backend", cfg.Backend, "display", info.Index, "width", info.Width, "height", info.Height)
		return
	}

	if cfg.Debug {
		debug.StartGoroutineLogger(ctx, 5*time.Second, logger)
		debug.StartMemLogger(ctx, 5*time.Second, logger)
	}

	c, err := app.BuildContainer(cfg, logger)
	if err != nil {
		logger.Error("app.build", "error", err)
		os.Exit(1)
	}
	if err := app.New(c).Run(ctx); err != nil {
		logger.Error("app.run", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// applyFlags copies explicitly set flags over file values.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = *flagBackend
		case "display":
			cfg.Display = *flagDisplay
		case "fps":
			cfg.FPS = *flagFPS
		case "buffers":
			cfg.Buffers = *flagBuffers
		case "fault-policy":
			cfg.FaultPolicy = *flagFaultPolicy
		case "thumbs":
			cfg.ThumbnailDir = *flagThumbs
		case "thumb-every":
			cfg.ThumbnailEvery = *flagThumbEvery
		case "debug":
			cfg.Debug = *flagDebug
		}
	})
}
