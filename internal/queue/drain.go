// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/panorec/internal/log"
)

// ErrObsolete is returned by a handler when the record's work is no longer
// needed, for example because a terminal marker appeared since enqueueing.
// The drainer drops the record without counting a failure.
var ErrObsolete = errors.New("retry record obsolete")

// HandlerFunc executes the deferred work for one record. The post-processor
// supplies the handler; it re-verifies markers before touching anything.
type HandlerFunc func(ctx context.Context, rec Record) error

// Drainer periodically replays due records.
type Drainer struct {
	store    *Store
	interval time.Duration
	handle   HandlerFunc
}

// NewDrainer wires a drain loop over the store. interval defaults to 30s.
func NewDrainer(store *Store, interval time.Duration, handle HandlerFunc) *Drainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Drainer{store: store, interval: interval, handle: handle}
}

// Run drains due records every interval until ctx is cancelled. Cancellation
// is a clean stop, not an error.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce replays every currently due record. Failures re-schedule the
// record; they never block the rest of the pass.
func (d *Drainer) DrainOnce(ctx context.Context) {
	logger := log.WithComponentFromContext(ctx, "queue")

	due, err := d.store.Due(ctx, time.Now().UTC())
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "queue.scan_failed").Msg("listing due retry records failed")
		return
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			return
		}
		err := d.handle(ctx, rec)
		switch {
		case err == nil:
			drainTotal.WithLabelValues(rec.Kind, "success").Inc()
			if derr := d.store.Delete(ctx, rec.BookingID, rec.Kind); derr != nil {
				logger.Error().Err(derr).
					Str(log.FieldBookingID, rec.BookingID).
					Str(log.FieldEvent, "queue.delete_failed").
					Msg("deleting completed retry record failed")
				continue
			}
			logger.Info().
				Str(log.FieldBookingID, rec.BookingID).
				Str("kind", rec.Kind).
				Int(log.FieldAttempt, rec.Attempt).
				Str(log.FieldEvent, "queue.retried").
				Msg("deferred work completed")
		case errors.Is(err, ErrObsolete):
			drainTotal.WithLabelValues(rec.Kind, "obsolete").Inc()
			_ = d.store.Delete(ctx, rec.BookingID, rec.Kind)
			logger.Debug().
				Str(log.FieldBookingID, rec.BookingID).
				Str("kind", rec.Kind).
				Str(log.FieldEvent, "queue.obsolete").
				Msg("retry record obsolete, dropped")
		default:
			drainTotal.WithLabelValues(rec.Kind, "failure").Inc()
			if rerr := d.store.Reschedule(ctx, rec, err); rerr != nil {
				logger.Error().Err(rerr).
					Str(log.FieldBookingID, rec.BookingID).
					Str(log.FieldEvent, "queue.reschedule_failed").
					Msg("rescheduling retry record failed")
				continue
			}
			logger.Warn().Err(err).
				Str(log.FieldBookingID, rec.BookingID).
				Str("kind", rec.Kind).
				Int(log.FieldAttempt, rec.Attempt+1).
				Str(log.FieldEvent, "queue.deferred").
				Msg("deferred work failed, rescheduled")
		}
	}
}
