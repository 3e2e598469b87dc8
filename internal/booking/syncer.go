// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"
	"github.com/robfig/cron/v3"

	plog "github.com/ManuGH/panorec/internal/log"
)

// Lister fetches bookings from the remote booking store.
type Lister interface {
	ListBookings(ctx context.Context, from, to time.Time) ([]Booking, error)
}

// Syncer pulls upcoming bookings from the remote store into the local cache
// file. The external API may write the same file; both writers replace it
// atomically, so readers never observe a torn cache.
type Syncer struct {
	lister     Lister
	path       string
	lookBehind time.Duration
	lookAhead  time.Duration
}

// NewSyncer returns a syncer writing to the cache file at path. The fetch
// window covers recently started bookings plus the next day.
func NewSyncer(lister Lister, path string) *Syncer {
	return &Syncer{
		lister:     lister,
		path:       path,
		lookBehind: time.Hour,
		lookAhead:  24 * time.Hour,
	}
}

// Run syncs once immediately, then on the given cron schedule, and blocks
// until ctx is cancelled. A running sync finishes before Run returns.
func (s *Syncer) Run(ctx context.Context, schedule string) error {
	logger := plog.WithComponent("booking.syncer")
	sync := func() {
		if err := s.Sync(ctx); err != nil {
			logger.Warn().Err(err).Msg("booking sync failed, keeping previous cache")
		}
	}

	cr := cron.New()
	if _, err := cr.AddFunc(schedule, sync); err != nil {
		return fmt.Errorf("booking sync: schedule %q: %w", schedule, err)
	}
	sync()
	cr.Start()

	<-ctx.Done()
	stop := cr.Stop()
	<-stop.Done()
	return nil
}

// Sync fetches the current window and atomically replaces the cache file.
// On fetch failure the previous cache stays in place.
func (s *Syncer) Sync(ctx context.Context) error {
	logger := plog.WithComponentFromContext(ctx, "booking.syncer")
	now := time.Now()

	bookings, err := s.lister.ListBookings(ctx, now.Add(-s.lookBehind), now.Add(s.lookAhead))
	if err != nil {
		return fmt.Errorf("list bookings: %w", err)
	}

	valid := bookings[:0:len(bookings)]
	for _, b := range bookings {
		if err := b.Validate(); err != nil {
			logger.Warn().Err(err).Str(plog.FieldBookingID, b.ID).Msg("dropping invalid booking from sync")
			continue
		}
		valid = append(valid, b)
	}

	data, err := json.MarshalIndent(Envelope{Bookings: valid, GeneratedAt: now.UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode booking cache: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("create pending cache file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()
	if _, err := pendingFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write booking cache: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace booking cache: %w", err)
	}

	logger.Info().Int("bookings", len(valid)).Msg("booking cache synced")
	return nil
}
