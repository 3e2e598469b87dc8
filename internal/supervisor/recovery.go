// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/panorec/internal/booking"
	"github.com/ManuGH/panorec/internal/journal"
	plog "github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/marker"
	"github.com/ManuGH/panorec/internal/workspace"
)

// recoverStale runs the startup sweep over the whole workspace. The same
// sweep repeats on every idle tick, so locks orphaned while this process
// runs are also caught.
func (s *Supervisor) recoverStale(ctx context.Context) {
	now := s.o.Clock.Now()
	bookings, _ := s.o.Cache.Load(ctx)
	s.sweepStaleLocks(ctx, now, bookings)
}

// sweepStaleLocks settles directories whose .lock no longer has a live
// owner. A lock is stale when its payload end time plus grace has passed,
// or when its pid is dead and the cache no longer schedules the booking.
func (s *Supervisor) sweepStaleLocks(ctx context.Context, now time.Time, bookings []booking.Booking) {
	entries, err := s.o.Layout.Scan()
	if err != nil {
		logger := plog.WithComponentFromContext(ctx, "supervisor")
		logger.Warn().Err(err).Msg("workspace scan failed")
		return
	}

	scheduled := make(map[string]bool, len(bookings))
	for _, b := range bookings {
		if !b.Expired(now) {
			scheduled[b.ID] = true
		}
	}

	for _, e := range entries {
		s.recoverDir(ctx, e, now, scheduled)
	}
}

func (s *Supervisor) recoverDir(ctx context.Context, e workspace.Entry, now time.Time, scheduled map[string]bool) {
	set, err := marker.Scan(e.Dir)
	if err != nil || !set.Lock || set.Terminal() {
		return
	}

	// Never break the lock of this process's own live session.
	if a := s.currentActive(); a != nil && a.booking.ID == e.BookingID {
		return
	}

	ctx = plog.ContextWithBookingID(ctx, e.BookingID)
	logger := plog.WithComponentFromContext(ctx, "supervisor")

	var info marker.LockInfo
	readErr := marker.Read(e.Dir, marker.Lock, &info)

	stale := false
	switch {
	case readErr != nil:
		// An unreadable payload cannot prove a live owner. Break it only
		// once the booking is off the schedule.
		stale = !scheduled[e.BookingID]
	case info.Stale(now):
		stale = true
	case !pidAlive(info.PID) && !scheduled[e.BookingID]:
		stale = true
	}
	if !stale {
		return
	}

	logger.Warn().
		Int("lock_pid", info.PID).
		Time("lock_end_time", info.EndTime).
		Str(plog.FieldDir, e.Dir).
		Msg("breaking stale recording lock")

	if err := marker.Remove(e.Dir, marker.Lock); err != nil {
		logger.Error().Err(err).Msg("removing stale lock failed")
		return
	}

	salvageParts(e.Dir, s.o.MinBytes, logger)

	meta, _ := workspace.LoadMetadata(e.Dir)
	rec := journal.Recording{
		BookingID: e.BookingID,
		UserID:    meta.UserID,
		Day:       e.Day,
		Status:    journal.StatusRecorded,
		Cam0Bytes: workspace.FileSize(e.Dir, workspace.Cam0File),
		Cam1Bytes: workspace.FileSize(e.Dir, workspace.Cam1File),
	}

	usable := 0
	for _, n := range []string{workspace.Cam0File, workspace.Cam1File} {
		if workspace.FileSize(e.Dir, n) >= s.o.MinBytes {
			usable++
		}
	}
	if usable == 0 {
		b := booking.Booking{ID: e.BookingID, UserID: meta.UserID, StartTime: meta.RequestedStart}
		if b.StartTime.IsZero() {
			b.StartTime = info.CreatedAt
		}
		if b.StartTime.IsZero() {
			if t, perr := time.Parse("2006-01-02", e.Day); perr == nil {
				b.StartTime = t
			}
		}
		s.failBooking(ctx, b, e.Dir, "crash_no_usable_footage")
		return
	}

	if err := marker.Create(e.Dir, marker.Done); err != nil && !errors.Is(err, marker.ErrExists) {
		logger.Error().Err(err).Msg("writing done marker failed")
		return
	}
	s.journalUpsert(ctx, rec)
	s.advanceStatus(ctx, e.BookingID, booking.StatusCompleted)

	// Merge outcomes already on disk win; otherwise settle the merge here
	// rather than waiting for orphan recovery.
	if set.Merged || set.MergeError {
		return
	}
	if usable == 1 {
		if err := s.promoteSingle(ctx, e.Dir, rec); err == nil {
			logger.Info().Msg("recovered crashed recording")
		}
		return
	}
	if err := s.runMerge(ctx, e.Dir, rec); err == nil {
		logger.Info().Msg("recovered crashed recording")
	}
}

// salvageParts promotes the largest leftover part file of each camera when
// it clears the usable threshold. A crash leaves parts behind that a clean
// stop would have renamed.
func salvageParts(dir string, minBytes int64, logger zerolog.Logger) {
	for _, name := range []string{workspace.Cam0File, workspace.Cam1File} {
		final := filepath.Join(dir, name)
		if _, err := os.Stat(final); err == nil {
			continue
		}

		candidates, _ := filepath.Glob(final + workspace.PartSuffix + "*")
		best := ""
		var bestSize int64
		var parts []string
		for _, p := range candidates {
			if strings.HasSuffix(p, ".txt") {
				_ = os.Remove(p)
				continue
			}
			parts = append(parts, p)
			if info, err := os.Stat(p); err == nil && info.Size() > bestSize {
				best, bestSize = p, info.Size()
			}
		}
		if len(parts) == 0 {
			continue
		}

		if bestSize >= minBytes {
			if err := os.Rename(best, final); err != nil {
				logger.Warn().Err(err).Str(plog.FieldPath, best).Msg("salvaging part file failed")
				continue
			}
			logger.Info().
				Str(plog.FieldPath, final).
				Int64(plog.FieldBytes, bestSize).
				Msg("salvaged part file from crashed session")
		}
		for _, p := range parts {
			if p != best || bestSize < minBytes {
				_ = os.Remove(p)
			}
		}
	}
}

// pidAlive probes a pid with signal 0, which delivers nothing.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
