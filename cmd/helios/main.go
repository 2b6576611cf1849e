package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/helios-ems/helios/pkg/config"
	"github.com/helios-ems/helios/pkg/ess"
	"github.com/helios-ems/helios/pkg/forecast"
	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/metrics"
	"github.com/helios-ems/helios/pkg/mqtt"
	"github.com/helios-ems/helios/pkg/price"
	"github.com/helios-ems/helios/pkg/scheduler"
	"github.com/helios-ems/helios/pkg/server"
	"github.com/helios-ems/helios/pkg/state"
	"github.com/helios-ems/helios/pkg/storage"
	"github.com/helios-ems/helios/pkg/types"
)

func main() {
	// init packages
	cfg := config.Configured()
	db := storage.Configured()
	prices := price.Configured()
	fc := forecast.Configured(cfg.Load, db)
	device := ess.Configured(cfg.Load)
	pub := mqtt.Configured()
	shared := state.New()

	// init server
	srv := server.Configured(cfg, shared, db)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	log.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	metrics.Init()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	defer func() {
		if err := device.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close device", slog.Any("error", err))
		}
	}()

	loadStoredSettings(ctx, cfg, db)

	sched := scheduler.New(scheduler.Deps{
		Settings:  cfg.Load,
		Prices:    prices,
		Forecast:  fc,
		Device:    device,
		Storage:   db,
		Shared:    shared,
		Publisher: pub,
	})

	// Run will block until context is canceled or error happens
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cfg.Watch(gctx, cfg.PollInterval())
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return pub.Run(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Ctx(ctx).ErrorContext(ctx, "helios failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "helios exited cleanly")
}

// loadStoredSettings replaces the file settings with the last ones saved
// through the API, if any.
func loadStoredSettings(ctx context.Context, cfg *config.Store, db storage.Database) {
	stored, version, err := db.GetSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load stored settings", slog.Any("error", err))
		return
	}
	if version > types.CurrentSettingsVersion {
		log.Ctx(ctx).WarnContext(ctx, "ignoring settings from a newer version", slog.Int("version", version))
		return
	}
	if err := cfg.Replace(ctx, stored); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "ignoring invalid stored settings", slog.Any("error", err))
	}
}
