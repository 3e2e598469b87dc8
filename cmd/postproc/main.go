// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command postproc runs the finishing side of the appliance: it scans the
// workspace for merged recordings, builds the deliverable, uploads it and
// drains the retry queue. It shares the workspace with the supervisor
// through markers only.
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

	"github.com/ManuGH/panorec/internal/bookingstore"
	"github.com/ManuGH/panorec/internal/config"
	"github.com/ManuGH/panorec/internal/health"
	"github.com/ManuGH/panorec/internal/journal"
	plog "github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/merge"
	"github.com/ManuGH/panorec/internal/objstore"
	"github.com/ManuGH/panorec/internal/ops"
	"github.com/ManuGH/panorec/internal/postproc"
	"github.com/ManuGH/panorec/internal/queue"
	"github.com/ManuGH/panorec/internal/telemetry"
	"github.com/ManuGH/panorec/internal/validation"
	"github.com/ManuGH/panorec/internal/version"
	"github.com/ManuGH/panorec/internal/workspace"
)

// scanFreshAge is the health checker's alarm threshold for the workspace
// scanner. A pass waits for its in-flight encodes, so the window has to
// absorb a full overlay re-encode of a long session.
const scanFreshAge = time.Hour

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
	once := flag.Bool("once", false, "run one scan pass and one queue drain, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

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
		Service: "panorec-postproc",
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
		ServiceName:    "panorec-postproc",
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
		Msg("starting panorec post-processor")

	logger.Info().Msgf("→ Workspace: %s (tz %s)", cfg.WorkspaceRoot, cfg.Timezone)
	logger.Info().Msgf("→ Workers: %d (scan every %s)", cfg.Postproc.Workers, cfg.Postproc.ScanInterval)
	if cfg.Postproc.IntroPath != "" {
		logger.Info().Msgf("→ Intro: %s", cfg.Postproc.IntroPath)
	}
	if n := len(cfg.Postproc.Logos); n > 0 {
		logger.Info().Msgf("→ Logos: %d overlay(s)", n)
	}
	if cfg.ObjectStore.Bucket != "" {
		logger.Info().Msgf("→ Object store: s3://%s/%s (timeout %s)",
			cfg.ObjectStore.Bucket, cfg.ObjectStore.Prefix, cfg.ObjectStore.UploadTimeout)
	} else {
		logger.Info().Msg("→ Object store: not configured, recordings stay local")
	}
	if cfg.BookingStore.URL != "" {
		logger.Info().Msgf("→ Booking store: %s", maskURL(cfg.BookingStore.URL))
	} else {
		logger.Info().Msg("→ Booking store: not configured (local journal only)")
	}
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

	q, err := queue.Open(filepath.Join(cfg.WorkspaceRoot, queue.DefaultDir), cfg.Retry.Backoff)
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "queue.open_failed").
			Msg("cannot open retry queue")
		os.Exit(2)
	}
	defer func() { _ = q.Close() }()

	opts := postproc.Options{
		Layout:        layout,
		Journal:       st,
		Queue:         q,
		FFmpegBin:     cfg.FFmpegBin,
		FFprobeBin:    cfg.FFprobeBin,
		Workers:       cfg.Postproc.Workers,
		ScanInterval:  cfg.Postproc.ScanInterval,
		UploadTimeout: cfg.ObjectStore.UploadTimeout,
		MinBytes:      cfg.Capture.MinBytes,
		MergeMethod:   merge.Method(cfg.Merge.Method),
		MergeOptions: merge.Options{
			RotateDegrees:   cfg.Merge.RotateDegrees,
			OverlapPixels:   cfg.Merge.OverlapPixels,
			CalibrationPath: cfg.Merge.CalibrationPath,
		},
		IntroPath: cfg.Postproc.IntroPath,
		Logos:     cfg.Postproc.Logos,
	}

	if cfg.ObjectStore.Bucket != "" {
		client, err := objstore.New(ctx, cfg.ObjectStore)
		if err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "objstore.init_failed").
				Msg("failed to initialise object store client")
		}
		opts.Uploader = client
	}
	if cfg.BookingStore.URL != "" {
		opts.Remote = bookingstore.New(cfg.BookingStore.URL, cfg.BookingStore.Key)
	}
	opts.Merger = merge.NewEngine(cfg.FFmpegBin, cfg.FFprobeBin, cfg.Retry.Max, cfg.Retry.Backoff)

	proc := postproc.New(opts)

	if *once {
		if err := proc.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("scan pass failed")
			os.Exit(2)
		}
		logger.Info().Msg("scan pass complete")
		return
	}

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewWorkspaceChecker(cfg.WorkspaceRoot))
	hm.RegisterChecker(health.NewDiskChecker(cfg.WorkspaceRoot, uint64(cfg.Disk.MinFreeGB*float64(1<<30))))
	hm.RegisterChecker(health.NewFreshnessChecker("scanner", scanFreshAge, func() (time.Time, string) {
		return proc.LastScan(), ""
	}))
	hm.RegisterChecker(health.NewFuncChecker("retry_queue", func(_ context.Context) health.CheckResult {
		depth := q.Depth()
		if depth == 0 {
			return health.CheckResult{Status: health.StatusHealthy, Message: "empty"}
		}
		return health.CheckResult{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("%d deferred record(s) waiting for retry", depth),
		}
	}))
	if cfg.Postproc.IntroPath != "" {
		hm.RegisterChecker(health.NewFileChecker("intro", cfg.Postproc.IntroPath))
	}
	for _, l := range cfg.Postproc.Logos {
		hm.RegisterChecker(health.NewFileChecker("logo_"+l.Name, l.Path))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return queue.NewDrainer(q, 0, proc.HandleRetry).Run(gctx) })
	if cfg.OpsListen != "" {
		srv := ops.NewServer(cfg.OpsListen, hm)
		g.Go(func() error { return srv.Run(gctx) })
	}

	hm.MarkReady()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().
			Err(err).
			Str("event", "runtime.failed").
			Msg("post-processor failed")
		os.Exit(2)
	}
	logger.Info().Msg("post-processor exiting")
}
