// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package booking

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	bookings []Booking
	err      error
	from, to time.Time
}

func (f *fakeLister) ListBookings(_ context.Context, from, to time.Time) ([]Booking, error) {
	f.from, f.to = from, to
	return f.bookings, f.err
}

func TestSyncerWritesEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	lister := &fakeLister{bookings: []Booking{
		{ID: "bk-1", UserID: "u-1", StartTime: start, EndTime: start.Add(time.Hour)},
		{ID: "", StartTime: start, EndTime: start.Add(time.Hour)}, // dropped
	}}

	s := NewSyncer(lister, path)
	require.NoError(t, s.Sync(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Len(t, env.Bookings, 1)
	assert.Equal(t, "bk-1", env.Bookings[0].ID)
	assert.False(t, env.GeneratedAt.IsZero())

	// The fetch window covers recent and upcoming bookings.
	assert.True(t, lister.from.Before(lister.to))
	assert.InDelta(t, 25*time.Hour, lister.to.Sub(lister.from), float64(time.Minute))
}

func TestSyncerKeepsCacheOnFetchFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"old"}]`), 0o644))

	s := NewSyncer(&fakeLister{err: errors.New("store down")}, path)
	err := s.Sync(context.Background())
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"old"}]`, string(data))
}

// The syncer output must be readable by the cache.
func TestSyncerCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	s := NewSyncer(&fakeLister{bookings: testBookings()}, path)
	require.NoError(t, s.Sync(context.Background()))

	c := NewCache(path)
	got, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
