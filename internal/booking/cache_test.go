// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package booking

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCache(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func testBookings() []Booking {
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return []Booking{
		{ID: "bk-1", UserID: "u-1", StartTime: start, EndTime: start.Add(time.Hour)},
		{ID: "bk-2", UserID: "u-2", StartTime: start.Add(2 * time.Hour), EndTime: start.Add(3 * time.Hour)},
	}
}

func TestCacheLoadMissingFile(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "bookings.json"))

	got, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, c.ConsecutiveFailures())
}

func TestCacheLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	c := NewCache(path)
	got, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCacheLoadBareArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	writeCache(t, path, testBookings())

	c := NewCache(path)
	got, err := c.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bk-1", got[0].ID)
}

func TestCacheLoadEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	writeCache(t, path, Envelope{Bookings: testBookings(), GeneratedAt: time.Now().UTC()})

	c := NewCache(path)
	got, err := c.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bk-2", got[1].ID)
}

func TestCacheKeepsLastGoodSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	writeCache(t, path, testBookings())

	c := NewCache(path)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{torn write"), 0o644))

	got, err := c.Load(context.Background())
	require.Error(t, err)
	require.Len(t, got, 2, "corrupt cache must not blank the schedule")
	assert.Equal(t, 1, c.ConsecutiveFailures())

	_, err = c.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, c.ConsecutiveFailures())

	// A good write resets the failure run.
	writeCache(t, path, testBookings())
	got, err = c.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Zero(t, c.ConsecutiveFailures())
}

func TestCacheSkipsInvalidBookings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	writeCache(t, path, []Booking{
		{ID: "bk-1", StartTime: start, EndTime: start.Add(time.Hour)},
		{ID: "", StartTime: start, EndTime: start.Add(time.Hour)},
		{ID: "bk-3", StartTime: start, EndTime: start.Add(-time.Hour)},
	})

	c := NewCache(path)
	got, err := c.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bk-1", got[0].ID)
}

func TestCacheSnapshotIsACopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	writeCache(t, path, testBookings())

	c := NewCache(path)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	snap := c.Snapshot()
	snap[0].ID = "mutated"

	again := c.Snapshot()
	assert.Equal(t, "bk-1", again[0].ID)
}
