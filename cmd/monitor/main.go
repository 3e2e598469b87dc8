// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command monitor observes an appliance without touching its pipeline:
// device presence, disk headroom, stale locks, retry queue depth, journal
// reachability and booking cache freshness. It runs as a daemon logging
// health transitions, or with --once prints one JSON report and exits
// non-zero when the aggregate is unhealthy.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/panorec/internal/config"
	"github.com/ManuGH/panorec/internal/health"
	"github.com/ManuGH/panorec/internal/journal"
	plog "github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/ops"
	"github.com/ManuGH/panorec/internal/queue"
	"github.com/ManuGH/panorec/internal/telemetry"
	"github.com/ManuGH/panorec/internal/validation"
	"github.com/ManuGH/panorec/internal/version"
	"github.com/ManuGH/panorec/internal/workspace"
)

const (
	checkInterval = 30 * time.Second

	// staleLockAge matches the supervisor's alarm threshold: its recovery
	// sweep runs every tick, so locks this old mean the sweep is dead.
	staleLockAge = 12 * time.Hour

	// cacheFreshAge flags a booking cache nobody has written for two days.
	// The cache is also written externally, so this stays a coarse signal.
	cacheFreshAge = 48 * time.Hour
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	once := flag.Bool("once", false, "print one JSON health report and exit")
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
		Service: "panorec-monitor",
		Version: cfg.Version,
	})
	logger := plog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The monitor exists to observe broken appliances, so a failing
	// environment check is reported by the checkers below, not fatal.
	if err := validation.PerformStartupChecks(cfg); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("environment failed startup checks, monitoring anyway")
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "panorec-monitor",
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

	dbPath := filepath.Join(cfg.WorkspaceRoot, journal.DefaultFile)
	queueDir := filepath.Join(cfg.WorkspaceRoot, queue.DefaultDir)

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewWorkspaceChecker(cfg.WorkspaceRoot))
	hm.RegisterChecker(health.NewDiskChecker(cfg.WorkspaceRoot, uint64(cfg.Disk.MinFreeGB*float64(1<<30))))
	hm.RegisterChecker(health.NewDeviceChecker(cfg.Cameras.Camera0, cfg.Cameras.Camera1))
	hm.RegisterChecker(health.NewStaleLockChecker(layout, staleLockAge))
	hm.RegisterChecker(health.NewFuncChecker("booking_cache", checkBookingCache(cfg.CachePath)))
	hm.RegisterChecker(health.NewFuncChecker("journal", checkJournal(dbPath)))
	hm.RegisterChecker(health.NewFuncChecker("retry_queue", checkQueue(queueDir)))

	if *once {
		rep := hm.Health(ctx, true)
		buf, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			logger.Error().Err(err).Msg("encoding health report failed")
			os.Exit(2)
		}
		fmt.Println(string(buf))
		if rep.Status == health.StatusUnhealthy {
			os.Exit(2)
		}
		return
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Msg("starting panorec monitor")
	logger.Info().Msgf("→ Workspace: %s", cfg.WorkspaceRoot)
	logger.Info().Msgf("→ Journal: %s", dbPath)
	logger.Info().Msgf("→ Retry queue: %s", queueDir)
	logger.Info().Msgf("→ Check interval: %s", checkInterval)
	if cfg.OpsListen != "" {
		logger.Info().Msgf("→ Ops listener: %s", cfg.OpsListen)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watch(gctx, hm)
		return nil
	})
	if cfg.OpsListen != "" {
		srv := ops.NewServer(cfg.OpsListen, hm)
		g.Go(func() error { return srv.Run(gctx) })
	}

	hm.MarkReady()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().
			Err(err).
			Str("event", "runtime.failed").
			Msg("monitor failed")
		os.Exit(2)
	}
	logger.Info().Msg("monitor exiting")
}

// watch polls the checkers and logs aggregate transitions with the detail
// of every check that is off healthy.
func watch(ctx context.Context, hm *health.Manager) {
	logger := plog.WithComponent("monitor")

	rep := hm.Health(ctx, true)
	logger.Info().
		Str("event", "health.state").
		Str("status", string(rep.Status)).
		Msg("initial health state")
	last := rep.Status

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rep = hm.Health(ctx, true)
		if rep.Status == last {
			continue
		}

		evt := logger.Info()
		switch rep.Status {
		case health.StatusUnhealthy:
			evt = logger.Error()
		case health.StatusDegraded:
			evt = logger.Warn()
		}
		evt.Str("event", "health.transition").
			Str("from", string(last)).
			Str("to", string(rep.Status)).
			Msg("aggregate health changed")

		for name, c := range rep.Checks {
			if c.Status == health.StatusHealthy {
				continue
			}
			logger.Warn().
				Str("check", name).
				Str("status", string(c.Status)).
				Str("message", c.Message).
				Str("error", c.Error).
				Msg("check off healthy")
		}
		last = rep.Status
	}
}

// checkBookingCache reports on the cache file's existence and write age.
func checkBookingCache(path string) func(context.Context) health.CheckResult {
	return func(_ context.Context) health.CheckResult {
		info, err := os.Stat(path)
		if err != nil {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "booking cache missing, supervisor records nothing",
				Error:   err.Error(),
			}
		}
		age := time.Since(info.ModTime())
		if age > cacheFreshAge {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("cache last written %s ago", age.Round(time.Minute)),
			}
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: fmt.Sprintf("written %s ago", age.Round(time.Second)),
		}
	}
}

// checkJournal opens the shared SQLite journal per probe. WAL mode makes
// the read safe next to the writing daemons.
func checkJournal(dbPath string) func(context.Context) health.CheckResult {
	return func(ctx context.Context) health.CheckResult {
		if _, err := os.Stat(dbPath); err != nil {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "journal not created yet",
				Error:   err.Error(),
			}
		}
		st, err := journal.Open(dbPath)
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
		}
		defer func() { _ = st.Close() }()

		counts, err := st.CountByStatus(ctx)
		if err != nil {
			return health.CheckResult{
				Status:  health.StatusUnhealthy,
				Message: "journal query failed",
				Error:   err.Error(),
			}
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: fmt.Sprintf("%d recordings (%d failed)", total, counts[journal.StatusFailed]),
		}
	}
}

// checkQueue inspects the retry queue without disturbing its owner. A
// running post-processor holds badger's exclusive directory lock, which
// this check reads as a healthy sign of life.
func checkQueue(dir string) func(context.Context) health.CheckResult {
	return func(_ context.Context) health.CheckResult {
		if _, err := os.Stat(dir); err != nil {
			return health.CheckResult{Status: health.StatusHealthy, Message: "no queue yet"}
		}
		q, err := queue.OpenReadOnly(dir)
		if err != nil {
			if strings.Contains(err.Error(), "Cannot acquire directory lock") {
				return health.CheckResult{
					Status:  health.StatusHealthy,
					Message: "owned by a running post-processor",
				}
			}
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "queue unreadable",
				Error:   err.Error(),
			}
		}
		defer func() { _ = q.Close() }()

		depth := q.Depth()
		if depth == 0 {
			return health.CheckResult{Status: health.StatusHealthy, Message: "empty"}
		}
		return health.CheckResult{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("%d deferred record(s) waiting for retry", depth),
		}
	}
}
