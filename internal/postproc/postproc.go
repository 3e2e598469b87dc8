// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package postproc turns merged recordings into shipped ones. A scan loop
// walks the workspace for directories carrying .done and .merged, claims
// each with a .pplock and runs the finishing pipeline: intro concat, logo
// overlays, validation, upload and the booking store settlement. Work that
// fails on the network is parked in the retry queue instead of failing the
// booking; work that fails on the footage is terminal.
package postproc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ManuGH/panorec/internal/booking"
	"github.com/ManuGH/panorec/internal/bookingstore"
	"github.com/ManuGH/panorec/internal/config"
	"github.com/ManuGH/panorec/internal/ffmpeg"
	"github.com/ManuGH/panorec/internal/journal"
	"github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/marker"
	"github.com/ManuGH/panorec/internal/merge"
	"github.com/ManuGH/panorec/internal/objstore"
	"github.com/ManuGH/panorec/internal/queue"
	"github.com/ManuGH/panorec/internal/workspace"
)

var (
	postprocessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_postprocess_total",
		Help: "Post-processing passes by outcome",
	}, []string{"outcome"})
	dbUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_db_updates_total",
		Help: "Booking store settlements by outcome",
	}, []string{"outcome"})
)

// Uploader ships a finished file to the object store.
type Uploader interface {
	Upload(ctx context.Context, spec objstore.UploadSpec) (*objstore.Result, error)
	ObjectKey(userID, day, name string) string
	URL(key string) string
}

// Remote mirrors pipeline progress into the external booking store.
type Remote interface {
	UpdateBookingStatus(ctx context.Context, id string, status booking.Status) error
	InsertVideoMetadata(ctx context.Context, meta bookingstore.VideoMeta) error
}

// Journal records pipeline progress locally.
type Journal interface {
	UpsertRecording(ctx context.Context, rec journal.Recording) error
	UpdateStatus(ctx context.Context, bookingID, status, errMsg string) error
	GetRecording(ctx context.Context, bookingID string) (*journal.Recording, error)
	PutUpload(ctx context.Context, up journal.Upload) error
	GetUpload(ctx context.Context, bookingID string) (*journal.Upload, error)
}

// Merger settles directories whose recording finished without a merge
// outcome, which happens when the supervisor died between .done and the
// merge.
type Merger interface {
	Merge(ctx context.Context, req merge.Request) (merge.Result, error)
}

// Options wire the processor. Layout, Journal and Queue are required;
// Uploader, Remote and Merger degrade gracefully when absent.
type Options struct {
	Layout   workspace.Layout
	Journal  Journal
	Queue    *queue.Store
	Uploader Uploader
	Remote   Remote
	Merger   Merger

	FFmpegBin  string
	FFprobeBin string

	// Workers bounds how many directories are finished in parallel.
	Workers      int
	ScanInterval time.Duration

	// UploadTimeout is the per-attempt ceiling of the object store client.
	// Claims older than twice this value are considered abandoned.
	UploadTimeout time.Duration

	// MinBytes mirrors the supervisor's usable-footage floor for orphan
	// recovery.
	MinBytes     int64
	MergeMethod  merge.Method
	MergeOptions merge.Options

	IntroPath string
	Logos     []config.LogoOverlay
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU() / 2
		if o.Workers < 1 {
			o.Workers = 1
		}
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 5 * time.Second
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 10 * time.Minute
	}
	if o.MinBytes <= 0 {
		o.MinBytes = 64 * 1024
	}
	if o.MergeMethod == "" {
		o.MergeMethod = merge.MethodSideBySide
	}
	if o.FFmpegBin == "" {
		o.FFmpegBin = "ffmpeg"
	}
	if o.FFprobeBin == "" {
		o.FFprobeBin = "ffprobe"
	}
}

// Processor owns the post-processing side of the pipeline. It is the only
// writer of .pplock, .completed and, for merged directories, .error.
type Processor struct {
	o      Options
	sem    *semaphore.Weighted
	tracer trace.Tracer

	mu       sync.Mutex
	lastScan time.Time

	// Media invocations go through these so tests can intercept them.
	runMedia func(ctx context.Context, bin, kind string, args []string) error
	probe    func(ctx context.Context, bin, path string) (*ffmpeg.ProbeResult, error)
}

// LastScan reports when the last workspace pass started, zero before the
// first. Health freshness checks read this.
func (p *Processor) LastScan() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastScan
}

// New returns a Processor over the given collaborators.
func New(o Options) *Processor {
	o.applyDefaults()
	return &Processor{
		o:        o,
		sem:      semaphore.NewWeighted(int64(o.Workers)),
		tracer:   otel.Tracer("panorec/postproc"),
		runMedia: ffmpeg.Run,
		probe:    ffmpeg.Probe,
	}
}

// Run scans the workspace every ScanInterval until ctx is cancelled.
// Cancellation is a clean stop, not an error; in-flight directories finish
// their current step.
func (p *Processor) Run(ctx context.Context) error {
	logger := log.WithComponentFromContext(ctx, "postproc")
	logger.Info().
		Int("workers", p.o.Workers).
		Dur("scan_interval", p.o.ScanInterval).
		Msg("post-processor started")

	p.ScanOnce(ctx)

	ticker := time.NewTicker(p.o.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("post-processor stopped")
			return nil
		case <-ticker.C:
			p.ScanOnce(ctx)
		}
	}
}

// RunOnce performs a single scan pass and one drain of due retry records,
// the --once mode of the daemon.
func (p *Processor) RunOnce(ctx context.Context) error {
	p.ScanOnce(ctx)
	queue.NewDrainer(p.o.Queue, 0, p.HandleRetry).DrainOnce(ctx)
	return nil
}

// ScanOnce walks the workspace and processes every eligible directory,
// bounded by the worker pool. It returns once the pass has settled, so a
// slow pass simply absorbs the ticks it missed.
func (p *Processor) ScanOnce(ctx context.Context) {
	logger := log.WithComponentFromContext(ctx, "postproc")
	p.mu.Lock()
	p.lastScan = time.Now()
	p.mu.Unlock()

	entries, err := p.o.Layout.Scan()
	if err != nil {
		logger.Warn().Err(err).Msg("workspace scan failed")
		return
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(e workspace.Entry) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.processDir(ctx, e)
		}(e)
	}
	wg.Wait()
}

// processDir decides what one directory needs and runs it under a claim.
func (p *Processor) processDir(ctx context.Context, e workspace.Entry) {
	ctx = log.ContextWithBookingID(ctx, e.BookingID)
	logger := log.WithComponentFromContext(ctx, "postproc")

	set, err := marker.Scan(e.Dir)
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldDir, e.Dir).Msg("marker scan failed")
		return
	}
	if set.Lock || set.Terminal() {
		return
	}
	needsMerge := p.orphaned(set, e.Dir)
	if !set.ReadyForPostProcessing() && !needsMerge {
		return
	}

	// Deferred directories belong to the queue drainer until their records
	// are gone; retrying them here would bypass the backoff.
	for _, kind := range []string{queue.KindUpload, queue.KindDBUpdate} {
		rec, err := p.o.Queue.Get(ctx, e.BookingID, kind)
		if err != nil {
			logger.Warn().Err(err).Msg("retry queue lookup failed")
			return
		}
		if rec != nil {
			return
		}
	}

	release, ok := p.claim(ctx, e.Dir)
	if !ok {
		return
	}
	defer release()

	// Re-check under the claim; another worker may have settled the
	// directory between the scan and the claim.
	set, err = marker.Scan(e.Dir)
	if err != nil || set.Lock || set.Terminal() {
		return
	}

	switch {
	case set.Done && !set.Merged && !set.MergeError:
		if !p.recoverMerge(ctx, e) {
			return
		}
	case !set.ReadyForPostProcessing():
		return
	}

	p.finalize(ctx, e)
}

// orphaned reports whether the directory finished recording but never got a
// merge outcome. The .done marker must have aged past two scan intervals so
// a supervisor still inside its own merge is not raced.
func (p *Processor) orphaned(set marker.Set, dir string) bool {
	if !set.Done || set.Merged || set.MergeError {
		return false
	}
	info, err := os.Stat(marker.Path(dir, marker.Done))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > 2*p.o.ScanInterval
}

// claim takes the per-directory .pplock. Claims older than twice the upload
// timeout belong to dead workers and are broken.
func (p *Processor) claim(ctx context.Context, dir string) (func(), bool) {
	logger := log.WithComponentFromContext(ctx, "postproc")
	now := time.Now().UTC()
	c := marker.Claim{PID: os.Getpid(), ClaimedAt: now}

	err := marker.Write(dir, marker.PPLock, c)
	if errors.Is(err, marker.ErrExists) {
		var prev marker.Claim
		if rerr := marker.Read(dir, marker.PPLock, &prev); rerr == nil && !prev.Stale(now, 2*p.o.UploadTimeout) {
			return nil, false
		}
		logger.Warn().Str(log.FieldDir, dir).Msg("breaking stale post-process claim")
		if err := marker.Remove(dir, marker.PPLock); err != nil {
			logger.Warn().Err(err).Msg("removing stale claim failed")
			return nil, false
		}
		if err := marker.Write(dir, marker.PPLock, c); err != nil {
			return nil, false
		}
	} else if err != nil {
		logger.Warn().Err(err).Str(log.FieldDir, dir).Msg("writing claim failed")
		return nil, false
	}

	return func() {
		if err := marker.Remove(dir, marker.PPLock); err != nil {
			logger.Warn().Err(err).Str(log.FieldDir, dir).Msg("releasing claim failed")
		}
	}, true
}

// recoverMerge settles a directory that carries .done but no merge outcome.
// Both cameras usable runs the engine; one camera promotes the survivor;
// none is beyond repair.
func (p *Processor) recoverMerge(ctx context.Context, e workspace.Entry) bool {
	logger := log.WithComponentFromContext(ctx, "postproc")

	cam0 := workspace.FileSize(e.Dir, workspace.Cam0File)
	cam1 := workspace.FileSize(e.Dir, workspace.Cam1File)
	usable := 0
	if cam0 >= p.o.MinBytes {
		usable++
	}
	if cam1 >= p.o.MinBytes {
		usable++
	}

	switch usable {
	case 2:
		if p.o.Merger == nil {
			logger.Warn().Msg("unmerged recording found but no merge engine wired")
			return false
		}
		res, err := p.o.Merger.Merge(ctx, merge.Request{
			Left:    filepath.Join(e.Dir, workspace.Cam0File),
			Right:   filepath.Join(e.Dir, workspace.Cam1File),
			Out:     filepath.Join(e.Dir, workspace.MergedFile),
			Method:  p.o.MergeMethod,
			Options: p.o.MergeOptions,
		})
		if err != nil {
			// The engine left a .merge_error; the directory stays
			// non-terminal for operators to inspect.
			logger.Error().Err(err).Msg("orphan merge failed")
			return false
		}
		if err := workspace.UpdateMetadata(e.Dir, func(m *workspace.Metadata) {
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
		p.journalMerged(ctx, e, string(res.MethodUsed), res.FallbackReason, res.Bytes, res.DurationSecs)
		logger.Info().Str(log.FieldMethod, string(res.MethodUsed)).Msg("recovered unmerged recording")

	case 1:
		src, reason := filepath.Join(e.Dir, workspace.Cam0File), "camera1_missing"
		if cam0 < p.o.MinBytes {
			src, reason = filepath.Join(e.Dir, workspace.Cam1File), "camera0_missing"
		}
		if err := workspace.LinkOrCopy(src, filepath.Join(e.Dir, workspace.MergedFile)); err != nil {
			logger.Error().Err(err).Msg("single-camera promote failed")
			return false
		}
		if err := marker.Create(e.Dir, marker.Merged); err != nil && !errors.Is(err, marker.ErrExists) {
			logger.Error().Err(err).Msg("writing merged marker failed")
			return false
		}
		bytes := workspace.FileSize(e.Dir, workspace.MergedFile)
		if err := workspace.UpdateMetadata(e.Dir, func(m *workspace.Metadata) {
			m.Method = "single_camera"
			m.FallbackReason = reason
			m.Merged = &workspace.MergedInfo{Bytes: bytes}
		}); err != nil {
			logger.Warn().Err(err).Msg("updating metadata failed")
		}
		p.journalMerged(ctx, e, "single_camera", reason, bytes, 0)
		logger.Info().Str(log.FieldReason, reason).Msg("recovered single-camera recording")

	default:
		p.failDir(ctx, e, "footage_missing", errors.New("no camera file meets the minimum size"))
		postprocessTotal.WithLabelValues("failed").Inc()
		return false
	}
	return true
}

// HandleRetry executes one deferred record for the queue drainer. Returning
// nil deletes the record; queue.ErrObsolete drops it without a retry.
func (p *Processor) HandleRetry(ctx context.Context, rec queue.Record) error {
	ctx = log.ContextWithBookingID(ctx, rec.BookingID)
	logger := log.WithComponentFromContext(ctx, "postproc")

	dir := filepath.Dir(rec.FinalPath)
	e := workspace.Entry{
		BookingID: rec.BookingID,
		Day:       filepath.Base(filepath.Dir(dir)),
		Dir:       dir,
	}

	set, err := marker.Scan(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Retention removed the directory while the record aged out.
			return queue.ErrObsolete
		}
		return err
	}
	if set.Terminal() {
		return queue.ErrObsolete
	}

	release, ok := p.claim(ctx, dir)
	if !ok {
		return errors.New("directory claimed by another worker")
	}
	defer release()

	switch rec.Kind {
	case queue.KindUpload:
		if _, err := os.Stat(rec.FinalPath); err != nil {
			// The final cut vanished; dropping the record lets the next
			// scan pass rebuild it from merged.mp4.
			return queue.ErrObsolete
		}
		up, err := p.performUpload(ctx, e, rec.StorageKey)
		if err != nil {
			return err
		}
		if p.o.Remote != nil {
			if err := p.dbUpdate(ctx, e, up); err != nil {
				logger.Warn().Err(err).Msg("booking store settlement failed, deferring")
				p.deferWork(ctx, queue.Record{
					Kind:       queue.KindDBUpdate,
					BookingID:  rec.BookingID,
					FinalPath:  rec.FinalPath,
					StorageKey: rec.StorageKey,
				})
				return nil
			}
		}
		p.complete(ctx, e)
		return nil

	case queue.KindDBUpdate:
		up, err := p.o.Journal.GetUpload(ctx, rec.BookingID)
		if err != nil {
			return err
		}
		if up == nil {
			// A db_update record implies a verified upload; fall back to
			// the metadata sidecar if the journal lost the row.
			meta, _ := workspace.LoadMetadata(dir)
			if meta.StorageURL == "" {
				return errors.New("no verified upload on record")
			}
			up = &journal.Upload{
				BookingID: rec.BookingID,
				URL:       meta.StorageURL,
				Size:      workspace.FileSize(dir, workspace.FinalFile),
			}
		}
		if p.o.Remote != nil {
			if err := p.dbUpdate(ctx, e, *up); err != nil {
				return err
			}
		}
		p.complete(ctx, e)
		return nil

	default:
		logger.Warn().Str("kind", rec.Kind).Msg("unknown retry record kind, dropping")
		return queue.ErrObsolete
	}
}

// deferWork parks remaining pipeline work in the retry queue.
func (p *Processor) deferWork(ctx context.Context, rec queue.Record) {
	if err := p.o.Queue.Enqueue(ctx, rec); err != nil {
		logger := log.WithComponentFromContext(ctx, "postproc")
		logger.Error().Err(err).Str("kind", rec.Kind).Msg("enqueueing retry record failed")
	}
}

// advanceStatus pushes a booking status transition to the remote store.
// Best effort: conflicts mean another component is already past this point.
func (p *Processor) advanceStatus(ctx context.Context, id string, st booking.Status) {
	if p.o.Remote == nil {
		return
	}
	logger := log.WithComponentFromContext(ctx, "postproc")
	err := p.o.Remote.UpdateBookingStatus(ctx, id, st)
	switch {
	case err == nil:
	case errors.Is(err, bookingstore.ErrConflict):
		logger.Debug().Str(log.FieldStatus, string(st)).Msg("remote status already past this transition")
	case errors.Is(err, bookingstore.ErrNotFound):
		logger.Warn().Str(log.FieldStatus, string(st)).Msg("booking unknown to remote store")
	default:
		logger.Warn().Err(err).Str(log.FieldStatus, string(st)).Msg("remote status update failed")
	}
}

// journalRow reads the existing journal row for augmenting, composing a
// minimal one from the directory when the journal has no record yet.
func (p *Processor) journalRow(ctx context.Context, e workspace.Entry) journal.Recording {
	if rec, err := p.o.Journal.GetRecording(ctx, e.BookingID); err == nil && rec != nil {
		return *rec
	}
	meta, _ := workspace.LoadMetadata(e.Dir)
	return journal.Recording{
		BookingID: e.BookingID,
		UserID:    meta.UserID,
		Day:       e.Day,
		Status:    journal.StatusRecorded,
		Cam0Bytes: workspace.FileSize(e.Dir, workspace.Cam0File),
		Cam1Bytes: workspace.FileSize(e.Dir, workspace.Cam1File),
	}
}

func (p *Processor) journalUpsert(ctx context.Context, rec journal.Recording) {
	if err := p.o.Journal.UpsertRecording(ctx, rec); err != nil {
		logger := log.WithComponentFromContext(ctx, "postproc")
		logger.Warn().Err(err).Msg("journal upsert failed")
	}
}

func (p *Processor) journalMerged(ctx context.Context, e workspace.Entry, method, reason string, bytes int64, durSecs float64) {
	rec := p.journalRow(ctx, e)
	rec.Status = journal.StatusMerged
	rec.Method = method
	rec.FallbackReason = reason
	rec.MergedBytes = bytes
	if durSecs > 0 {
		rec.DurationSecs = durSecs
	}
	rec.Error = ""
	p.journalUpsert(ctx, rec)
}

// complete stamps the directory terminal and settles the journal.
func (p *Processor) complete(ctx context.Context, e workspace.Entry) {
	logger := log.WithComponentFromContext(ctx, "postproc")

	if err := marker.Create(e.Dir, marker.Completed); err != nil && !errors.Is(err, marker.ErrExists) {
		logger.Error().Err(err).Msg("writing completed marker failed")
		return
	}
	rec := p.journalRow(ctx, e)
	rec.Status = journal.StatusCompleted
	p.journalUpsert(ctx, rec)
	postprocessTotal.WithLabelValues("completed").Inc()
	logger.Info().Msg("post-processing complete")
}

// failDir stamps the directory terminally failed. Nothing is ever uploaded
// for failed bookings.
func (p *Processor) failDir(ctx context.Context, e workspace.Entry, reason string, cause error) {
	logger := log.WithComponentFromContext(ctx, "postproc")
	logger.Error().Err(cause).Str(log.FieldReason, reason).Msg("post-processing failed")

	if err := marker.Write(e.Dir, marker.Error, marker.Failure{
		Reason: reason,
		At:     time.Now().UTC(),
	}); err != nil && !errors.Is(err, marker.ErrExists) {
		logger.Error().Err(err).Msg("writing error marker failed")
	}
	if err := workspace.UpdateMetadata(e.Dir, func(m *workspace.Metadata) {
		m.Error = reason
	}); err != nil {
		logger.Warn().Err(err).Msg("updating metadata failed")
	}
	if err := p.o.Journal.UpdateStatus(ctx, e.BookingID, journal.StatusFailed, reason); err != nil {
		rec := p.journalRow(ctx, e)
		rec.Status = journal.StatusFailed
		rec.Error = reason
		p.journalUpsert(ctx, rec)
	}
	p.advanceStatus(ctx, e.BookingID, booking.StatusFailed)
}
