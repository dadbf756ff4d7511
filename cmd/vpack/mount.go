package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/meigma/vpack"
	"github.com/meigma/vpack/config"
	"github.com/meigma/vpack/fuse"
)

func runMount(g *globals, args []string) error {
	fs := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	mountpoint := fs.String("mountpoint", "", "mount directory (overrides mount.mountpoint)")
	allowOther := fs.Bool("allow-other", false, "let other users access the mount")
	rest, err := parse(g, fs, args, 0, 1)
	if err != nil {
		return err
	}

	logger, closeLog, err := loggerFor(g)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	var live atomic.Pointer[vpack.Overlay]
	cfg, err := config.Watch(g.configPath, logger, func(next *config.Config) {
		if o := live.Load(); o != nil {
			o.SetToggles(next.Toggles)
		}
	})
	if err != nil {
		return err
	}
	if len(rest) == 1 {
		cfg.Mount.Mountpoint = rest[0]
	}
	if *mountpoint != "" {
		cfg.Mount.Mountpoint = *mountpoint
	}
	if fs.Changed("allow-other") {
		cfg.Mount.AllowOther = *allowOther
	}
	if cfg.Mount.Mountpoint == "" {
		return errors.New("mount: no mountpoint configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqpack := cfg.SqpackDir()
	o, err := vpack.New(sqpack, append(cfg.Options(), vpack.WithLogger(logger))...)
	if err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Close()
	live.Store(o)

	server, err := fuse.Mount(fuse.Options{
		Mountpoint: cfg.Mount.Mountpoint,
		Source:     filepath.Dir(sqpack),
		Overlay:    o,
		AllowOther: cfg.Mount.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("unmounting", "mountpoint", cfg.Mount.Mountpoint)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()
	server.Wait()
	stats := o.Stats()
	logger.Info("mirror stopped",
		"overlay_opens", stats.OverlayOpens,
		"passthrough_opens", stats.PassthroughOpens,
		"reflection_passes", stats.ReflectionPasses)
	return nil
}

// loggerFor builds the logger from the log settings of the configuration
// file. A missing file leaves the defaults.
func loggerFor(g *globals) (*slog.Logger, io.Closer, error) {
	var logCfg config.Log
	if cfg, err := config.Load(g.configPath); err == nil {
		logCfg = cfg.Log
	}
	return newLogger(logCfg, g.stderr)
}
