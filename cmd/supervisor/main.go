// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command supervisor runs the recording side of the appliance: the booking
// control loop with capture and synchronous merge, crash recovery, the
// retention sweep and the optional booking-store sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/panorec/internal/booking"
	"github.com/ManuGH/panorec/internal/bookingstore"
	"github.com/ManuGH/panorec/internal/capture"
	"github.com/ManuGH/panorec/internal/config"
	"github.com/ManuGH/panorec/internal/health"
	"github.com/ManuGH/panorec/internal/journal"
	plog "github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/merge"
	"github.com/ManuGH/panorec/internal/ops"
	"github.com/ManuGH/panorec/internal/retention"
	"github.com/ManuGH/panorec/internal/supervisor"
	"github.com/ManuGH/panorec/internal/telemetry"
	"github.com/ManuGH/panorec/internal/validation"
	"github.com/ManuGH/panorec/internal/version"
	"github.com/ManuGH/panorec/internal/workspace"
)

// staleLockAge is the health checker's alarm threshold for leftover .lock
// markers. Recovery sweeps them every tick, so anything this old means the
// sweep itself is not running.
const staleLockAge = 12 * time.Hour

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	once := flag.Bool("once", false, "run crash recovery and one maintenance tick, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Load configuration with precedence: ENV > file > defaults. The logger
	// falls back to its defaults on this path; it is configured for real
	// right after a successful load.
	loader := config.NewLoader(*configPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		fatalLogger := plog.WithComponent("main")
		fatalLogger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	plog.Configure(plog.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "panorec-supervisor",
		Version: cfg.Version,
	})
	logger := plog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", *configPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	if err := validation.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "panorec-supervisor",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("failed to initialise tracing")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("timezone", cfg.Timezone).
			Msg("invalid timezone")
	}
	layout := workspace.New(cfg.WorkspaceRoot, tz)

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Msg("starting panorec supervisor")

	logger.Info().Msgf("→ Cameras: %s / %s (%s @ %d fps, %s)",
		cfg.Cameras.Camera0, cfg.Cameras.Camera1, cfg.Cameras.Resolution, cfg.Cameras.Framerate, cfg.Cameras.Bitrate)
	logger.Info().Msgf("→ Merge: %s (rotate %d, overlap %dpx)",
		cfg.Merge.Method, cfg.Merge.RotateDegrees, cfg.Merge.OverlapPixels)
	logger.Info().Msgf("→ Workspace: %s (tz %s)", cfg.WorkspaceRoot, cfg.Timezone)
	logger.Info().Msgf("→ Booking cache: %s (poll %s)", cfg.CachePath, cfg.PollInterval)
	if cfg.BookingStore.URL != "" {
		logger.Info().Msgf("→ Booking store: %s (sync: %v)", maskURL(cfg.BookingStore.URL), cfg.Sync.Enabled)
	} else {
		logger.Info().Msg("→ Booking store: not configured (local journal only)")
	}
	logger.Info().Msgf("→ Retention: %d days (%s)", cfg.Retention.Days, cfg.Retention.Schedule)
	logger.Info().Msgf("→ Disk guard: %.1f GB min free", cfg.Disk.MinFreeGB)
	if cfg.OpsListen != "" {
		logger.Info().Msgf("→ Ops listener: %s", cfg.OpsListen)
	}

	st, err := journal.Open(filepath.Join(cfg.WorkspaceRoot, journal.DefaultFile))
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "journal.open_failed").
			Msg("cannot open recording journal")
		os.Exit(2)
	}
	defer func() { _ = st.Close() }()

	cache := booking.NewCache(cfg.CachePath)

	watcher, err := booking.NewWatcher(cfg.CachePath)
	var hint <-chan struct{}
	if err != nil {
		logger.Warn().Err(err).Msg("cache watcher unavailable, relying on polling")
		watcher = nil
	} else {
		hint = watcher.C
		defer watcher.Close()
	}

	width, height := cfg.Cameras.WidthHeight()
	driver := capture.NewDriver(capture.Config{
		FFmpegBin:    cfg.FFmpegBin,
		Camera0:      cfg.Cameras.Camera0,
		Camera1:      cfg.Cameras.Camera1,
		Width:        width,
		Height:       height,
		FrameRate:    cfg.Cameras.Framerate,
		Bitrate:      cfg.Cameras.Bitrate,
		MinBytes:     cfg.Capture.MinBytes,
		RetryMax:     cfg.Retry.Max,
		RetryBackoff: cfg.Retry.Backoff,
	})

	engine := merge.NewEngine(cfg.FFmpegBin, cfg.FFprobeBin, cfg.Retry.Max, cfg.Retry.Backoff)

	var store *bookingstore.Client
	if cfg.BookingStore.URL != "" {
		store = bookingstore.New(cfg.BookingStore.URL, cfg.BookingStore.Key)
	}

	opts := supervisor.Options{
		Layout:       layout,
		Cache:        cache,
		Driver:       driver,
		Merger:       engine,
		Journal:      st,
		PollInterval: cfg.PollInterval,
		Grace:        cfg.Capture.Grace,
		MinBytes:     cfg.Capture.MinBytes,
		MinFreeGB:    cfg.Disk.MinFreeGB,
		MergeMethod:  merge.Method(cfg.Merge.Method),
		MergeOptions: merge.Options{
			RotateDegrees:   cfg.Merge.RotateDegrees,
			OverlapPixels:   cfg.Merge.OverlapPixels,
			CalibrationPath: cfg.Merge.CalibrationPath,
		},
		Hint: hint,
	}
	if store != nil {
		opts.Remote = store
	}
	sup := supervisor.New(opts)

	if *once {
		if err := sup.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("maintenance pass failed")
			os.Exit(2)
		}
		logger.Info().Msg("maintenance pass complete")
		return
	}

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewWorkspaceChecker(cfg.WorkspaceRoot))
	hm.RegisterChecker(health.NewDiskChecker(cfg.WorkspaceRoot, uint64(cfg.Disk.MinFreeGB*float64(1<<30))))
	hm.RegisterChecker(health.NewDeviceChecker(cfg.Cameras.Camera0, cfg.Cameras.Camera1))
	hm.RegisterChecker(health.NewStaleLockChecker(layout, staleLockAge))
	if cfg.Merge.CalibrationPath != "" {
		hm.RegisterChecker(health.NewFileChecker("calibration", cfg.Merge.CalibrationPath))
	}

	loopAge := 6 * cfg.PollInterval
	if loopAge < time.Minute {
		loopAge = time.Minute
	}
	fresh := health.NewFreshnessChecker("control_loop", loopAge, func() (time.Time, string) {
		return sup.LastTick(), ""
	})
	hm.RegisterChecker(health.NewFuncChecker("control_loop", func(ctx context.Context) health.CheckResult {
		// A capture session holds the loop for its whole length, merge
		// included; that is progress, not a stall.
		if id, ok := sup.Recording(); ok {
			return health.CheckResult{Status: health.StatusHealthy, Message: "recording " + id}
		}
		return fresh.Check(ctx)
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}

	cleaner := retention.NewCleaner(layout, cfg.Retention.Days)
	g.Go(func() error { return cleaner.Run(gctx, cfg.Retention.Schedule) })

	if cfg.Sync.Enabled && store != nil {
		syncer := booking.NewSyncer(store, cfg.CachePath)
		g.Go(func() error { return syncer.Run(gctx, cfg.Sync.Schedule) })
	}

	if cfg.OpsListen != "" {
		srv := ops.NewServer(cfg.OpsListen, hm)
		g.Go(func() error { return srv.Run(gctx) })
	}

	hm.MarkReady()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().
			Err(err).
			Str("event", "runtime.failed").
			Msg("supervisor failed")
		os.Exit(2)
	}
	logger.Info().Msg("supervisor exiting")
}
