// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package postproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/panorec/internal/booking"
	"github.com/ManuGH/panorec/internal/bookingstore"
	"github.com/ManuGH/panorec/internal/ffmpeg"
	"github.com/ManuGH/panorec/internal/journal"
	"github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/objstore"
	"github.com/ManuGH/panorec/internal/queue"
	"github.com/ManuGH/panorec/internal/telemetry"
	"github.com/ManuGH/panorec/internal/workspace"
)

// finalize runs the finishing pipeline over a claimed, merged directory:
// final cut, validation, poster, upload, booking store settlement and the
// .completed marker. Footage failures are terminal; network failures are
// deferred to the retry queue.
func (p *Processor) finalize(ctx context.Context, e workspace.Entry) {
	ctx, span := p.tracer.Start(ctx, "postproc.finalize")
	defer span.End()
	logger := log.WithComponentFromContext(ctx, "postproc")

	fp, sum, err := p.buildFinal(ctx, e.Dir)
	if err != nil {
		p.failDir(ctx, e, fmt.Sprintf("postprocess: %v", err), err)
		postprocessTotal.WithLabelValues("failed").Inc()
		return
	}

	if err := workspace.UpdateMetadata(e.Dir, func(m *workspace.Metadata) {
		m.Final = &workspace.FinalInfo{
			Bytes:          fp.SizeBytes,
			DurationSecs:   fp.DurationSecs,
			ChecksumSHA256: sum,
		}
	}); err != nil {
		logger.Warn().Err(err).Msg("updating metadata failed")
	}

	p.poster(ctx, e.Dir, fp.DurationSecs)

	rec := p.journalRow(ctx, e)
	rec.Status = journal.StatusProcessed
	rec.FinalBytes = fp.SizeBytes
	rec.DurationSecs = fp.DurationSecs
	rec.Checksum = sum
	rec.Error = ""
	p.journalUpsert(ctx, rec)

	if p.o.Uploader == nil {
		// No object store configured; the final cut stays local.
		p.complete(ctx, e)
		return
	}

	p.advanceStatus(ctx, e.BookingID, booking.StatusProcessing)

	meta, _ := workspace.LoadMetadata(e.Dir)
	key := p.o.Uploader.ObjectKey(meta.UserID, e.Day, e.BookingID+".mp4")
	final := filepath.Join(e.Dir, workspace.FinalFile)

	up, err := p.performUpload(ctx, e, key)
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldKey, key).Msg("upload failed, deferring to retry queue")
		p.deferWork(ctx, queue.Record{
			Kind:       queue.KindUpload,
			BookingID:  e.BookingID,
			FinalPath:  final,
			StorageKey: key,
		})
		postprocessTotal.WithLabelValues("deferred").Inc()
		return
	}
	span.SetAttributes(telemetry.UploadAttributes(up.URL, up.Size)...)

	if p.o.Remote != nil {
		if err := p.dbUpdate(ctx, e, up); err != nil {
			logger.Warn().Err(err).Msg("booking store settlement failed, deferring")
			p.deferWork(ctx, queue.Record{
				Kind:       queue.KindDBUpdate,
				BookingID:  e.BookingID,
				FinalPath:  final,
				StorageKey: key,
			})
			postprocessTotal.WithLabelValues("deferred").Inc()
			return
		}
	}

	p.complete(ctx, e)
}

// buildFinal renders merged.mp4 into final.mp4: optional intro concat,
// optional logo overlays, then validation against the merged duration.
// Returns the probe of the final cut and its sha256 hex digest.
func (p *Processor) buildFinal(ctx context.Context, dir string) (*ffmpeg.ProbeResult, string, error) {
	logger := log.WithComponentFromContext(ctx, "postproc")
	merged := filepath.Join(dir, workspace.MergedFile)
	final := filepath.Join(dir, workspace.FinalFile)

	mp, err := p.probe(ctx, p.o.FFprobeBin, merged)
	if err != nil {
		return nil, "", fmt.Errorf("probe merged: %w", err)
	}
	expected := mp.DurationSecs

	cur := merged
	var tmps []string
	defer func() {
		for _, t := range tmps {
			_ = os.Remove(t)
		}
	}()

	if p.o.IntroPath != "" {
		intro, introSecs, err := p.intro(ctx, mp)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Debug().Str(log.FieldPath, p.o.IntroPath).Msg("no intro asset, skipping concat")
		case err != nil:
			return nil, "", fmt.Errorf("intro: %w", err)
		default:
			out := filepath.Join(dir, "final.mp4.cat.tmp")
			if err := p.concat(ctx, dir, intro, cur, out); err != nil {
				_ = os.Remove(out)
				return nil, "", fmt.Errorf("intro concat: %w", err)
			}
			tmps = append(tmps, out)
			expected += introSecs
			cur = out
		}
	}

	if len(p.o.Logos) > 0 {
		out := filepath.Join(dir, "final.mp4.logo.tmp")
		applied, err := p.overlay(ctx, cur, out)
		if err != nil {
			return nil, "", fmt.Errorf("logos: %w", err)
		}
		if applied {
			tmps = append(tmps, out)
			cur = out
		}
	}

	if cur == merged {
		if err := workspace.LinkOrCopy(merged, final); err != nil {
			return nil, "", fmt.Errorf("promote merged to final: %w", err)
		}
	} else if err := os.Rename(cur, final); err != nil {
		return nil, "", fmt.Errorf("land final cut: %w", err)
	}

	fp, err := p.probe(ctx, p.o.FFprobeBin, final)
	if err != nil {
		return nil, "", fmt.Errorf("validate final: %w", err)
	}
	if fp.SizeBytes == 0 {
		return nil, "", errors.New("validate final: empty output")
	}
	if fp.DurationSecs < 0.9*expected {
		return nil, "", fmt.Errorf("validate final: duration %.2fs below 0.9 of expected %.2fs",
			fp.DurationSecs, expected)
	}

	sum, err := fileSHA256(final)
	if err != nil {
		return nil, "", fmt.Errorf("checksum final: %w", err)
	}
	return fp, sum, nil
}

// performUpload ships final.mp4 once. A verified upload already in the
// journal is reused instead of transferred again.
func (p *Processor) performUpload(ctx context.Context, e workspace.Entry, key string) (journal.Upload, error) {
	logger := log.WithComponentFromContext(ctx, "postproc")

	if up, err := p.o.Journal.GetUpload(ctx, e.BookingID); err == nil && up != nil {
		return *up, nil
	}

	final := filepath.Join(e.Dir, workspace.FinalFile)
	res, err := p.o.Uploader.Upload(ctx, objstore.UploadSpec{
		Path:        final,
		Key:         key,
		ContentType: "video/mp4",
	})
	if err != nil {
		return journal.Upload{}, err
	}

	up := journal.Upload{
		BookingID:  e.BookingID,
		URL:        res.URL,
		Size:       res.Size,
		ETag:       res.ETag,
		UploadedAt: time.Now().UTC(),
	}
	if err := p.o.Journal.PutUpload(ctx, up); err != nil {
		logger.Warn().Err(err).Msg("recording upload in journal failed")
	}
	if err := workspace.UpdateMetadata(e.Dir, func(m *workspace.Metadata) {
		m.StorageURL = res.URL
	}); err != nil {
		logger.Warn().Err(err).Msg("updating metadata failed")
	}

	rec := p.journalRow(ctx, e)
	rec.Status = journal.StatusUploaded
	rec.StorageURL = res.URL
	p.journalUpsert(ctx, rec)

	logger.Info().
		Str(log.FieldKey, key).
		Int64(log.FieldBytes, res.Size).
		Msg("final cut uploaded")
	return up, nil
}

// dbUpdate pushes the uploaded status and the video row to the booking
// store. Conflicts mean a previous pass already settled that half.
func (p *Processor) dbUpdate(ctx context.Context, e workspace.Entry, up journal.Upload) error {
	logger := log.WithComponentFromContext(ctx, "postproc")

	err := p.o.Remote.UpdateBookingStatus(ctx, e.BookingID, booking.StatusUploaded)
	switch {
	case err == nil:
	case errors.Is(err, bookingstore.ErrConflict):
		logger.Debug().Msg("remote status already past uploaded")
	case errors.Is(err, bookingstore.ErrNotFound):
		logger.Warn().Msg("booking unknown to remote store")
	default:
		dbUpdates.WithLabelValues("error").Inc()
		return fmt.Errorf("update status: %w", err)
	}

	rec := p.journalRow(ctx, e)
	meta := bookingstore.VideoMeta{
		BookingID: e.BookingID,
		URL:       up.URL,
		Size:      up.Size,
		Duration:  rec.DurationSecs,
		Checksum:  rec.Checksum,
	}
	if err := p.o.Remote.InsertVideoMetadata(ctx, meta); err != nil && !errors.Is(err, bookingstore.ErrConflict) {
		dbUpdates.WithLabelValues("error").Inc()
		return fmt.Errorf("insert video metadata: %w", err)
	}

	dbUpdates.WithLabelValues("ok").Inc()
	return nil
}

// poster extracts a thumbnail a quarter into the footage. Best effort; the
// pipeline never fails over a missing poster.
func (p *Processor) poster(ctx context.Context, dir string, durationSecs float64) {
	final := filepath.Join(dir, workspace.FinalFile)
	out := filepath.Join(dir, workspace.PosterFile)
	seek := time.Duration(0.25 * durationSecs * float64(time.Second))

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-ss", ffmpeg.FormatDuration(seek),
		"-i", final,
		"-frames:v", "1",
		"-q:v", "2",
		out,
	}
	if err := p.runMedia(ctx, p.o.FFmpegBin, "poster", args); err != nil {
		logger := log.WithComponentFromContext(ctx, "postproc")
		logger.Warn().Err(err).Msg("poster extraction failed")
		_ = os.Remove(out)
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
