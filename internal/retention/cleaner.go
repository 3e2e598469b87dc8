// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package retention bounds the workspace: aged recording days whose
// bookings all reached a terminal marker are deleted, and orphaned
// temporary files are swept. The disk guard in the supervisor depends on
// these sweeps actually freeing space.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	plog "github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/marker"
	"github.com/ManuGH/panorec/internal/workspace"
)

const (
	defaultDays    = 14
	partFileMaxAge = 24 * time.Hour
)

var retentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "panorec_retention_deleted_total",
	Help: "Artifacts removed by retention sweeps",
}, []string{"kind"})

// Cleaner removes aged recordings and orphaned temp files.
type Cleaner struct {
	layout workspace.Layout
	days   int
	now    func() time.Time
}

// NewCleaner builds a cleaner keeping the most recent days of recordings.
func NewCleaner(layout workspace.Layout, days int) *Cleaner {
	if days <= 0 {
		days = defaultDays
	}
	return &Cleaner{layout: layout, days: days, now: time.Now}
}

// Stats summarizes one sweep.
type Stats struct {
	DaysRemoved  int
	FilesRemoved int
}

// Run schedules sweeps with the given cron expression and blocks until ctx
// is cancelled. A running sweep finishes before Run returns.
func (c *Cleaner) Run(ctx context.Context, schedule string) error {
	cr := cron.New()
	if _, err := cr.AddFunc(schedule, func() {
		if _, err := c.Sweep(ctx); err != nil {
			logger := plog.WithComponent("retention")
			logger.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("retention: schedule %q: %w", schedule, err)
	}
	cr.Start()

	<-ctx.Done()
	stop := cr.Stop()
	<-stop.Done()
	return nil
}

// Sweep runs one cleanup pass: stale part/tmp files first, then whole day
// directories past retention whose bookings all reached a terminal marker.
func (c *Cleaner) Sweep(ctx context.Context) (Stats, error) {
	logger := plog.WithComponentFromContext(ctx, "retention")
	var stats Stats

	entries, err := c.layout.Scan()
	if err != nil {
		return stats, fmt.Errorf("retention: scan workspace: %w", err)
	}

	type dayState struct {
		removable bool
		bookings  int
	}
	days := make(map[string]*dayState)

	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		removed := c.sweepTempFiles(logger, e.Dir)
		stats.FilesRemoved += removed

		ds := days[e.Day]
		if ds == nil {
			ds = &dayState{removable: true}
			days[e.Day] = ds
		}
		ds.bookings++

		set, err := marker.Scan(e.Dir)
		if err != nil {
			logger.Warn().Err(err).Str(plog.FieldDir, e.Dir).Msg("marker scan failed, keeping day")
			ds.removable = false
			continue
		}
		if set.Has(marker.Lock) || set.Has(marker.PPLock) || !set.Terminal() {
			ds.removable = false
		}
	}

	// ISO day strings order like dates; strictly before the cutoff day
	// means older than the retention window.
	cutoffDay := c.now().AddDate(0, 0, -c.days).Format("2006-01-02")
	for day, ds := range days {
		if !ds.removable || day >= cutoffDay {
			continue
		}
		dayDir := filepath.Join(c.layout.Root(), day)
		if err := os.RemoveAll(dayDir); err != nil {
			logger.Error().Err(err).Str(plog.FieldDir, dayDir).Msg("removing aged day failed")
			continue
		}
		stats.DaysRemoved++
		retentionDeleted.WithLabelValues("day_dir").Inc()
		logger.Info().
			Str("day", day).
			Int("bookings", ds.bookings).
			Msg("aged recordings removed")
	}

	if stats.DaysRemoved > 0 || stats.FilesRemoved > 0 {
		logger.Info().
			Int("days_removed", stats.DaysRemoved).
			Int("files_removed", stats.FilesRemoved).
			Msg("retention sweep finished")
	}
	return stats, nil
}

// sweepTempFiles removes part and tmp files that stopped changing more than
// a day ago. Live captures keep their part files fresh, so the age gate is
// the only protection needed.
func (c *Cleaner) sweepTempFiles(logger zerolog.Logger, dir string) int {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	deadline := c.now().Add(-partFileMaxAge)
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, workspace.PartSuffix) && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := ent.Info()
		if err != nil || info.ModTime().After(deadline) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			logger.Warn().Err(err).Str(plog.FieldPath, path).Msg("removing orphaned temp file failed")
			continue
		}
		removed++
		retentionDeleted.WithLabelValues("part_file").Inc()
		logger.Debug().Str(plog.FieldPath, path).Msg("orphaned temp file removed")
	}
	return removed
}
