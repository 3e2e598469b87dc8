// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package supervisor runs the recording control loop. Every tick it reads
// the booking cache, selects at most one active booking and walks it through
// capture, synchronous merge and the marker protocol. The loop is the only
// writer of .lock and .done markers, which is what makes the single-active
// invariant hold across processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ManuGH/panorec/internal/booking"
	"github.com/ManuGH/panorec/internal/bookingstore"
	"github.com/ManuGH/panorec/internal/capture"
	"github.com/ManuGH/panorec/internal/journal"
	plog "github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/marker"
	"github.com/ManuGH/panorec/internal/merge"
	"github.com/ManuGH/panorec/internal/workspace"
)

// stopTimeout bounds the whole stop-and-flush sequence at session end. The
// per-encoder grace is far shorter; this ceiling only matters when the
// driver itself wedges.
const stopTimeout = 30 * time.Second

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panorec_ticks_total",
		Help: "Control loop ticks",
	})
	tickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panorec_tick_errors_total",
		Help: "Control loop ticks that hit an operational error",
	})
	recordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panorec_recordings_started_total",
		Help: "Capture sessions launched",
	})
	recordingsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_recordings_finished_total",
		Help: "Recordings finished by outcome",
	}, []string{"outcome"})
	activeRecording = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panorec_active_recording",
		Help: "1 while a capture session is active",
	})
	diskGuardRefusals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panorec_disk_guard_refusals_total",
		Help: "Capture starts refused for lack of disk headroom",
	})
)

// CaptureDriver is the slice of the capture driver the loop drives.
type CaptureDriver interface {
	StartSession(ctx context.Context, spec capture.SessionSpec) error
	StopSession(ctx context.Context) (capture.Result, error)
	Health() [2]capture.DeviceHealth
}

// Merger produces the panoramic clip for a finished capture.
type Merger interface {
	Merge(ctx context.Context, req merge.Request) (merge.Result, error)
}

// StatusUpdater advances booking status in the remote store.
type StatusUpdater interface {
	UpdateBookingStatus(ctx context.Context, id string, status booking.Status) error
}

// Journal records pipeline progress locally. The journal is observational;
// its failures are logged and never block footage.
type Journal interface {
	UpsertRecording(ctx context.Context, r journal.Recording) error
	UpdateStatus(ctx context.Context, bookingID, status, errMsg string) error
}

// Options wires the supervisor's collaborators and knobs.
type Options struct {
	Layout  workspace.Layout
	Cache   *booking.Cache
	Driver  CaptureDriver
	Merger  Merger
	Journal Journal       // optional
	Remote  StatusUpdater // optional, nil without a booking store URL

	PollInterval time.Duration
	Grace        time.Duration // capture overrun ceiling, recorded in .lock
	MinBytes     int64
	MinFreeGB    float64
	MergeMethod  merge.Method
	MergeOptions merge.Options

	Clock Clock
	// Hint nudges an early tick when the cache file changes. Nil means
	// poll-only; the poll remains the correctness backbone either way.
	Hint      <-chan struct{}
	FreeBytes func(path string) (uint64, error)
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Second
	}
	if o.MinBytes <= 0 {
		o.MinBytes = 65536
	}
	if o.MinFreeGB <= 0 {
		o.MinFreeGB = 5
	}
	if o.MergeMethod == "" {
		o.MergeMethod = merge.MethodSideBySide
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.FreeBytes == nil {
		o.FreeBytes = diskFree
	}
}

func diskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

type activeSession struct {
	booking   booking.Booking
	sessionID string
	dir       string
}

// Supervisor owns the control loop state. At most one booking records at a
// time; everything else waits, is rejected, or expires.
type Supervisor struct {
	o Options

	mu       sync.Mutex
	active   *activeSession
	lastTick time.Time

	// rejected remembers bookings already failed for overlap or expiry so
	// each is rejected exactly once per process lifetime.
	rejected map[string]bool
}

// New builds a supervisor. Options without Layout, Cache, Driver and Merger
// are a programming error and will panic on first use.
func New(o Options) *Supervisor {
	o.applyDefaults()
	return &Supervisor{o: o, rejected: make(map[string]bool)}
}

// Recording reports the booking currently being captured, if any.
func (s *Supervisor) Recording() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.booking.ID, true
}

// LastTick reports when the control loop last ran, zero before the first
// tick. Health freshness checks read this.
func (s *Supervisor) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

func (s *Supervisor) currentActive() *activeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Supervisor) setActive(a *activeSession) {
	s.mu.Lock()
	s.active = a
	s.mu.Unlock()
	activeRecording.Set(1)
}

func (s *Supervisor) clearActive() {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	activeRecording.Set(0)
}

// Run drives the loop until ctx is cancelled. An in-flight recording is
// stopped gracefully on shutdown; its merge is left to orphan recovery.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := plog.WithComponentFromContext(ctx, "supervisor")
	logger.Info().
		Dur("poll_interval", s.o.PollInterval).
		Str("workspace", s.o.Layout.Root()).
		Msg("supervisor started")

	s.recoverStale(ctx)

	timer := s.o.Clock.NewTimer(s.o.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopActive(ctx, "shutdown")
			logger.Info().Msg("supervisor stopped")
			return nil
		case <-timer.C():
		case <-s.o.Hint:
			logger.Debug().Msg("cache change hint, ticking early")
			timer.Stop()
		}
		s.tick(ctx, true)
		timer.Reset(s.o.PollInterval)
	}
}

// RunOnce performs the startup recovery sweep and a single maintenance
// tick, then returns. It never launches encoders: a capture outliving its
// supervising process would be orphaned, so due bookings are logged and
// left scheduled.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	s.recoverStale(ctx)
	s.tick(ctx, false)
	return nil
}

func (s *Supervisor) tick(ctx context.Context, startAllowed bool) {
	ticksTotal.Inc()
	now := s.o.Clock.Now()
	s.mu.Lock()
	s.lastTick = time.Now()
	s.mu.Unlock()
	logger := plog.WithComponentFromContext(ctx, "supervisor")

	// A corrupt cache returns the last-good snapshot along with the error;
	// scheduling continues from that snapshot.
	bookings, err := s.o.Cache.Load(ctx)
	if err != nil {
		tickErrors.Inc()
	}

	if a := s.currentActive(); a != nil {
		s.superviseActive(ctx, a, now)
		return
	}

	s.sweepStaleLocks(ctx, now, bookings)

	winner, losers, expired := selectBooking(bookings, now)
	for _, b := range expired {
		if s.everRecorded(b) {
			continue
		}
		s.rejectOnce(ctx, b, "expired")
	}
	for _, b := range losers {
		s.rejectOnce(ctx, b, "overlap_with_"+winner.ID)
	}
	if winner == nil {
		return
	}
	if !startAllowed {
		logger.Info().
			Str(plog.FieldBookingID, winner.ID).
			Msg("booking due, not starting in once mode")
		return
	}
	s.start(ctx, *winner, now)
}

// selectBooking picks the booking to record now. Candidates are bookings
// active at now with a startable status; the earliest start time wins, ties
// broken by ID. The remaining candidates are overlap losers. Bookings whose
// window already closed are returned as expired.
func selectBooking(bookings []booking.Booking, now time.Time) (winner *booking.Booking, losers, expired []booking.Booking) {
	var candidates []booking.Booking
	for _, b := range bookings {
		if !startable(b.Status) {
			continue
		}
		switch {
		case b.ActiveAt(now):
			candidates = append(candidates, b)
		case b.Expired(now):
			expired = append(expired, b)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, expired
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].StartTime.Equal(candidates[j].StartTime) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].StartTime.Before(candidates[j].StartTime)
	})
	w := candidates[0]
	return &w, candidates[1:], expired
}

// startable filters cache statuses the supervisor may act on. An empty
// status means the external writer does not track one.
func startable(st booking.Status) bool {
	switch st {
	case "", booking.StatusScheduled, booking.StatusRecording:
		return true
	}
	return false
}

// everRecorded reports whether any marker exists for the booking, meaning
// capture at least began and expiry bookkeeping does not apply.
func (s *Supervisor) everRecorded(b booking.Booking) bool {
	dir, err := s.o.Layout.RecordingDir(b.ID, b.StartTime)
	if err != nil {
		return false
	}
	set, err := marker.Scan(dir)
	if err != nil {
		return false
	}
	return set != (marker.Set{})
}

// rejectOnce fails a booking that will never record: overlap loser, expired
// or unusable. No artifacts are created; the rejection lives in the journal
// and the remote store.
func (s *Supervisor) rejectOnce(ctx context.Context, b booking.Booking, reason string) {
	if s.rejected[b.ID] {
		return
	}
	s.rejected[b.ID] = true

	ctx = plog.ContextWithBookingID(ctx, b.ID)
	logger := plog.WithComponentFromContext(ctx, "supervisor")
	logger.Warn().
		Str(plog.FieldReason, reason).
		Time("start_time", b.StartTime).
		Time("end_time", b.EndTime).
		Msg("booking rejected")

	s.journalStatus(ctx, journal.Recording{
		BookingID: b.ID,
		UserID:    b.UserID,
		Day:       s.o.Layout.Day(b.StartTime),
		Status:    journal.StatusFailed,
		Error:     reason,
	})
	s.advanceStatus(ctx, b.ID, booking.StatusFailed)
}

func (s *Supervisor) start(ctx context.Context, b booking.Booking, now time.Time) {
	ctx = plog.ContextWithBookingID(ctx, b.ID)
	logger := plog.WithComponentFromContext(ctx, "supervisor")

	dir, err := s.o.Layout.RecordingDir(b.ID, b.StartTime)
	if err != nil {
		logger.Error().Err(err).Msg("booking id unusable as directory name")
		s.rejectOnce(ctx, b, "invalid_booking_id")
		return
	}

	if set, err := marker.Scan(dir); err == nil {
		if set.Terminal() || set.Done {
			logger.Debug().Msg("booking already captured")
			return
		}
		if set.Lock {
			// Stale locks were swept at the top of this tick; a surviving
			// lock belongs to a live holder.
			logger.Warn().Str(plog.FieldDir, dir).Msg("recording dir already locked")
			return
		}
	}

	if !s.diskHeadroom(logger) {
		return // stays scheduled, retried next tick
	}

	if _, err := s.o.Layout.EnsureRecordingDir(b.ID, b.StartTime); err != nil {
		tickErrors.Inc()
		logger.Error().Err(err).Msg("creating recording dir failed")
		return
	}

	sessionID := uuid.NewString()
	ctx = plog.ContextWithSessionID(ctx, sessionID)
	duration := b.EndTime.Sub(now)

	if err := workspace.UpdateMetadata(dir, func(m *workspace.Metadata) {
		m.BookingID = b.ID
		m.UserID = b.UserID
		m.RequestedStart = b.StartTime
		m.RequestedEnd = b.EndTime
	}); err != nil {
		logger.Warn().Err(err).Msg("writing metadata sidecar failed")
	}

	info := marker.LockInfo{
		PID:       os.Getpid(),
		SessionID: sessionID,
		BookingID: b.ID,
		CreatedAt: now,
		EndTime:   b.EndTime,
		GraceSecs: int(s.o.Grace / time.Second),
	}
	if err := marker.Write(dir, marker.Lock, info); err != nil {
		if errors.Is(err, marker.ErrExists) {
			logger.Warn().Msg("lost lock race, skipping start")
			return
		}
		tickErrors.Inc()
		logger.Error().Err(err).Msg("writing lock failed")
		return
	}

	s.journalUpsert(ctx, journal.Recording{
		BookingID: b.ID,
		UserID:    b.UserID,
		Day:       s.o.Layout.Day(b.StartTime),
		Status:    journal.StatusRecording,
	})
	s.advanceStatus(ctx, b.ID, booking.StatusRecording)

	spec := capture.SessionSpec{
		BookingID: b.ID,
		SessionID: sessionID,
		Duration:  duration,
		OutPaths: [2]string{
			filepath.Join(dir, workspace.Cam0File),
			filepath.Join(dir, workspace.Cam1File),
		},
	}
	if err := s.o.Driver.StartSession(ctx, spec); err != nil {
		tickErrors.Inc()
		s.failBooking(ctx, b, dir, fmt.Sprintf("capture_start: %v", err))
		recordingsFinished.WithLabelValues("start_failed").Inc()
		return
	}

	s.setActive(&activeSession{booking: b, sessionID: sessionID, dir: dir})
	recordingsStarted.Inc()
	logger.Info().
		Str(plog.FieldDir, dir).
		Dur("duration", duration).
		Time("end_time", b.EndTime).
		Msg("recording started")
}

func (s *Supervisor) superviseActive(ctx context.Context, a *activeSession, now time.Time) {
	if now.Before(a.booking.EndTime) {
		h := s.o.Driver.Health()
		if h[0].State == capture.StateFaulted && h[1].State == capture.StateFaulted {
			logger := plog.WithComponentFromContext(ctx, "supervisor")
			logger.Warn().
				Str(plog.FieldBookingID, a.booking.ID).
				Msg("both devices faulted, ending session early")
			s.finish(ctx, a, true, "both_devices_faulted")
		}
		return
	}
	s.finish(ctx, a, true, "")
}

// stopActive ends an in-flight session without merging. The .done marker
// still lands when usable footage exists, so orphan recovery finishes the
// job later.
func (s *Supervisor) stopActive(ctx context.Context, reason string) {
	a := s.currentActive()
	if a == nil {
		return
	}
	s.finish(ctx, a, false, reason)
}

// finish stops the capture session and settles the recording directory:
// lock removal, metadata, journal, markers and, when mergeNow is set, the
// synchronous merge. abortReason names why a session ends before its
// booking's end time.
func (s *Supervisor) finish(ctx context.Context, a *activeSession, mergeNow bool, abortReason string) {
	b := a.booking
	ctx = plog.ContextWithBookingID(ctx, b.ID)
	ctx = plog.ContextWithSessionID(ctx, a.sessionID)
	// The parent may already be cancelled on the shutdown path; stopping the
	// encoders and settling markers, metadata and journal still has to run.
	ctx = context.WithoutCancel(ctx)
	logger := plog.WithComponentFromContext(ctx, "supervisor")

	defer s.clearActive()

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	result, stopErr := s.o.Driver.StopSession(stopCtx)
	if stopErr != nil {
		logger.Warn().Err(stopErr).Msg("capture stop reported failure")
	}

	if err := marker.Remove(a.dir, marker.Lock); err != nil {
		logger.Warn().Err(err).Msg("removing lock failed")
	}

	if err := workspace.UpdateMetadata(a.dir, func(m *workspace.Metadata) {
		if !result.ActualStart.IsZero() {
			t := result.ActualStart
			m.ActualStart = &t
		}
		if !result.ActualEnd.IsZero() {
			t := result.ActualEnd
			m.ActualEnd = &t
		}
		m.StartSkewMS = result.StartSkew.Milliseconds()
		if !result.Files[0].Missing {
			m.Camera0 = &workspace.CameraFile{Path: workspace.Cam0File, Bytes: result.Files[0].Bytes}
		}
		if !result.Files[1].Missing {
			m.Camera1 = &workspace.CameraFile{Path: workspace.Cam1File, Bytes: result.Files[1].Bytes}
		}
	}); err != nil {
		logger.Warn().Err(err).Msg("updating metadata failed")
	}

	usable := result.UsableCount()
	if usable == 0 {
		reason := "no_usable_footage"
		if abortReason != "" {
			reason = abortReason + "_no_usable_footage"
		}
		s.failBooking(ctx, b, a.dir, reason)
		recordingsFinished.WithLabelValues("no_footage").Inc()
		return
	}

	if err := marker.Create(a.dir, marker.Done); err != nil && !errors.Is(err, marker.ErrExists) {
		tickErrors.Inc()
		logger.Error().Err(err).Msg("writing done marker failed")
	}

	rec := journal.Recording{
		BookingID:   b.ID,
		UserID:      b.UserID,
		Day:         s.o.Layout.Day(b.StartTime),
		Status:      journal.StatusRecorded,
		StartSkewMS: result.StartSkew.Milliseconds(),
		Cam0Bytes:   result.Files[0].Bytes,
		Cam1Bytes:   result.Files[1].Bytes,
	}
	s.journalUpsert(ctx, rec)

	// Capture is complete; the status advances even if the merge below
	// fails, since orphan recovery can still merge later.
	s.advanceStatus(ctx, b.ID, booking.StatusCompleted)

	if !mergeNow {
		recordingsFinished.WithLabelValues("interrupted").Inc()
		logger.Info().
			Str(plog.FieldReason, abortReason).
			Int("usable_files", usable).
			Msg("recording interrupted, merge deferred to post-processing")
		return
	}

	outcome := "completed"
	var mergeErr error
	if usable == 1 {
		mergeErr = s.promoteSingle(ctx, a.dir, rec)
	} else {
		mergeErr = s.runMerge(ctx, a.dir, rec)
	}
	if mergeErr != nil {
		outcome = "merge_failed"
	}
	recordingsFinished.WithLabelValues(outcome).Inc()
	logger.Info().
		Str("outcome", outcome).
		Int("usable_files", usable).
		Int64(plog.FieldSkewMS, result.StartSkew.Milliseconds()).
		Msg("recording finished")
}

// runMerge invokes the merge engine synchronously. The engine owns retries,
// fallbacks and the .merged / .merge_error markers; a failure here leaves
// .done in place for orphan recovery.
func (s *Supervisor) runMerge(ctx context.Context, dir string, rec journal.Recording) error {
	logger := plog.WithComponentFromContext(ctx, "supervisor")

	res, err := s.o.Merger.Merge(ctx, merge.Request{
		Left:    filepath.Join(dir, workspace.Cam0File),
		Right:   filepath.Join(dir, workspace.Cam1File),
		Out:     filepath.Join(dir, workspace.MergedFile),
		Method:  s.o.MergeMethod,
		Options: s.o.MergeOptions,
	})
	if err != nil {
		tickErrors.Inc()
		logger.Error().Err(err).
			Int("attempts", res.Attempts).
			Msg("merge failed, leaving recovery to post-processing")
		rec.Error = fmt.Sprintf("merge: %v", err)
		s.journalUpsert(ctx, rec)
		return err
	}

	if err := workspace.UpdateMetadata(dir, func(m *workspace.Metadata) {
		m.Method = string(res.MethodUsed)
		m.FallbackReason = res.FallbackReason
		m.Camera1Truncated = res.TruncatedCamera == 1
		m.Merged = &workspace.MergedInfo{
			Bytes:        res.Bytes,
			DurationSecs: res.DurationSecs,
			Width:        res.Width,
			Height:       res.Height,
		}
	}); err != nil {
		logger.Warn().Err(err).Msg("updating metadata failed")
	}

	rec.Status = journal.StatusMerged
	rec.Method = string(res.MethodUsed)
	rec.FallbackReason = res.FallbackReason
	rec.MergedBytes = res.Bytes
	rec.DurationSecs = res.DurationSecs
	s.journalUpsert(ctx, rec)
	return nil
}

// promoteSingle stands in for the merge when only one camera produced
// usable footage: the surviving file becomes the panorama as-is.
func (s *Supervisor) promoteSingle(ctx context.Context, dir string, rec journal.Recording) error {
	logger := plog.WithComponentFromContext(ctx, "supervisor")

	src, reason := filepath.Join(dir, workspace.Cam0File), "camera1_missing"
	if workspace.FileSize(dir, workspace.Cam0File) < s.o.MinBytes {
		src, reason = filepath.Join(dir, workspace.Cam1File), "camera0_missing"
	}
	out := filepath.Join(dir, workspace.MergedFile)

	if err := workspace.LinkOrCopy(src, out); err != nil {
		tickErrors.Inc()
		logger.Error().Err(err).Msg("single-camera promote failed")
		if werr := marker.Write(dir, marker.MergeError, marker.Failure{
			Reason: fmt.Sprintf("single_camera_promote: %v", err),
			At:     s.o.Clock.Now(),
		}); werr != nil && !errors.Is(werr, marker.ErrExists) {
			logger.Warn().Err(werr).Msg("writing merge_error marker failed")
		}
		return err
	}
	if err := marker.Create(dir, marker.Merged); err != nil && !errors.Is(err, marker.ErrExists) {
		return err
	}

	if err := workspace.UpdateMetadata(dir, func(m *workspace.Metadata) {
		m.Method = "single_camera"
		m.FallbackReason = reason
		m.Merged = &workspace.MergedInfo{Bytes: workspace.FileSize(dir, workspace.MergedFile)}
	}); err != nil {
		logger.Warn().Err(err).Msg("updating metadata failed")
	}

	rec.Status = journal.StatusMerged
	rec.Method = "single_camera"
	rec.FallbackReason = reason
	rec.MergedBytes = workspace.FileSize(dir, workspace.MergedFile)
	s.journalUpsert(ctx, rec)

	logger.Info().Str(plog.FieldReason, reason).Msg("promoted single camera file as panorama")
	return nil
}

// failBooking ends a booking with a terminal .error marker. A lingering
// lock is cleared first so the directory cannot look in-progress.
func (s *Supervisor) failBooking(ctx context.Context, b booking.Booking, dir, reason string) {
	logger := plog.WithComponentFromContext(ctx, "supervisor")
	logger.Error().Str(plog.FieldReason, reason).Msg("booking failed")

	if err := marker.Remove(dir, marker.Lock); err != nil {
		logger.Warn().Err(err).Msg("removing lock failed")
	}
	if err := marker.Write(dir, marker.Error, marker.Failure{Reason: reason, At: s.o.Clock.Now()}); err != nil && !errors.Is(err, marker.ErrExists) {
		logger.Warn().Err(err).Msg("writing error marker failed")
	}
	if err := workspace.UpdateMetadata(dir, func(m *workspace.Metadata) {
		m.Error = reason
	}); err != nil {
		logger.Warn().Err(err).Msg("updating metadata failed")
	}

	s.journalStatus(ctx, journal.Recording{
		BookingID: b.ID,
		UserID:    b.UserID,
		Day:       s.o.Layout.Day(b.StartTime),
		Status:    journal.StatusFailed,
		Error:     reason,
	})
	s.advanceStatus(ctx, b.ID, booking.StatusFailed)
}

func (s *Supervisor) diskHeadroom(logger zerolog.Logger) bool {
	free, err := s.o.FreeBytes(s.o.Layout.Root())
	if err != nil {
		logger.Warn().Err(err).Msg("disk probe failed, proceeding")
		return true
	}
	minFree := uint64(s.o.MinFreeGB * (1 << 30))
	if free >= minFree {
		return true
	}
	diskGuardRefusals.Inc()
	logger.Error().
		Float64("free_gb", float64(free)/(1<<30)).
		Float64("min_free_gb", s.o.MinFreeGB).
		Msg("disk headroom below floor, refusing to start capture")
	return false
}

// journalUpsert writes a full journal row, logging failures.
func (s *Supervisor) journalUpsert(ctx context.Context, rec journal.Recording) {
	if s.o.Journal == nil {
		return
	}
	if err := s.o.Journal.UpsertRecording(ctx, rec); err != nil {
		logger := plog.WithComponentFromContext(ctx, "supervisor")
		logger.Warn().Err(err).Msg("journal upsert failed")
	}
}

// journalStatus advances just the status of an existing row, inserting a
// minimal one when the booking never made it into the journal.
func (s *Supervisor) journalStatus(ctx context.Context, rec journal.Recording) {
	if s.o.Journal == nil {
		return
	}
	if err := s.o.Journal.UpdateStatus(ctx, rec.BookingID, rec.Status, rec.Error); err == nil {
		return
	}
	if err := s.o.Journal.UpsertRecording(ctx, rec); err != nil {
		logger := plog.WithComponentFromContext(ctx, "supervisor")
		logger.Warn().Err(err).Msg("journal upsert failed")
	}
}

// advanceStatus pushes a booking status to the remote store, best-effort.
// The client retries transport errors itself; a conflict means the remote
// is already past this transition.
func (s *Supervisor) advanceStatus(ctx context.Context, id string, st booking.Status) {
	if s.o.Remote == nil {
		return
	}
	logger := plog.WithComponentFromContext(ctx, "supervisor")
	err := s.o.Remote.UpdateBookingStatus(ctx, id, st)
	switch {
	case err == nil:
	case errors.Is(err, bookingstore.ErrConflict):
		logger.Debug().Str(plog.FieldStatus, string(st)).Msg("remote status already past this transition")
	case errors.Is(err, bookingstore.ErrNotFound):
		logger.Warn().Str(plog.FieldStatus, string(st)).Msg("booking unknown to remote store")
	default:
		logger.Warn().Err(err).Str(plog.FieldStatus, string(st)).Msg("remote status update failed")
	}
}

