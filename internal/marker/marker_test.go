// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package marker

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIsExclusive(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Create(dir, Done))

	ok, err := Exists(dir, Done)
	require.NoError(t, err)
	assert.True(t, ok)

	err = Create(dir, Done)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExists)
}

func TestCreateZeroByte(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir, Merged))

	info, err := os.Stat(Path(dir, Merged))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestWriteReadLock(t *testing.T) {
	dir := t.TempDir()
	created := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	want := LockInfo{
		PID:       4242,
		SessionID: "9f1c2d3e",
		BookingID: "bk-1001",
		CreatedAt: created,
		EndTime:   created.Add(time.Hour),
		GraceSecs: 5,
	}
	require.NoError(t, Write(dir, Lock, want))

	var got LockInfo
	require.NoError(t, Read(dir, Lock, &got))
	assert.Equal(t, want, got)
}

func TestWriteIsExclusive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, PPLock, Claim{PID: 1, ClaimedAt: time.Now().UTC()}))

	err := Write(dir, PPLock, Claim{PID: 2, ClaimedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, ErrExists)

	// The original claim must survive the lost race.
	var got Claim
	require.NoError(t, Read(dir, PPLock, &got))
	assert.Equal(t, 1, got.PID)
}

func TestReadMissingMarker(t *testing.T) {
	dir := t.TempDir()
	var info LockInfo
	err := Read(dir, Lock, &info)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir, Lock))
	require.NoError(t, Remove(dir, Lock))
	require.NoError(t, Remove(dir, Lock))

	ok, err := Exists(dir, Lock)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir, Done))
	require.NoError(t, Create(dir, Merged))
	// Regular artifacts must not confuse the scan.
	require.NoError(t, os.WriteFile(Path(dir, Kind("final.mp4")), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(Path(dir, Kind(".lock")), 0o755))

	s, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, Set{Done: true, Merged: true}, s)
}

func TestScanMissingDir(t *testing.T) {
	_, err := Scan("/nonexistent/path/for/markers")
	require.Error(t, err)
}

func TestSetValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     Set
		wantErr bool
	}{
		{"empty", Set{}, false},
		{"recording", Set{Lock: true}, false},
		{"capture complete", Set{Done: true}, false},
		{"merged", Set{Done: true, Merged: true}, false},
		{"merge failed", Set{Done: true, MergeError: true}, false},
		{"completed", Set{Done: true, Merged: true, Completed: true}, false},
		{"failed", Set{Error: true}, false},
		{"lock and done", Set{Lock: true, Done: true}, true},
		{"merged without done", Set{Merged: true}, true},
		{"merge_error without done", Set{MergeError: true}, true},
		{"merged and merge_error", Set{Done: true, Merged: true, MergeError: true}, true},
		{"completed without merged", Set{Done: true, Completed: true}, true},
		{"completed and error", Set{Done: true, Merged: true, Completed: true, Error: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetState(t *testing.T) {
	tests := []struct {
		name string
		set  Set
		want State
	}{
		{"pending", Set{}, StatePending},
		{"recording", Set{Lock: true}, StateRecording},
		{"await merge", Set{Done: true}, StateAwaitMerge},
		{"merged", Set{Done: true, Merged: true}, StateMerged},
		{"merge failed", Set{Done: true, MergeError: true}, StateMergeFailed},
		{"completed", Set{Done: true, Merged: true, Completed: true}, StateCompleted},
		{"failed wins", Set{Done: true, Merged: true, Error: true}, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.set.State())
		})
	}
}

func TestSetReadyForPostProcessing(t *testing.T) {
	assert.True(t, Set{Done: true, Merged: true}.ReadyForPostProcessing())
	assert.False(t, Set{Done: true}.ReadyForPostProcessing())
	assert.False(t, Set{Done: true, Merged: true, Completed: true}.ReadyForPostProcessing())
	assert.False(t, Set{Done: true, Merged: true, Error: true}.ReadyForPostProcessing())
}

func TestLockStale(t *testing.T) {
	end := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	lock := LockInfo{EndTime: end, GraceSecs: 5}

	assert.False(t, lock.Stale(end))
	assert.False(t, lock.Stale(end.Add(5*time.Second)))
	assert.True(t, lock.Stale(end.Add(6*time.Second)))
	assert.Equal(t, end.Add(5*time.Second), lock.ExpiresAt())
}

func TestClaimStale(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	claim := Claim{PID: 77, ClaimedAt: now.Add(-21 * time.Minute)}

	assert.True(t, claim.Stale(now, 20*time.Minute))
	assert.False(t, claim.Stale(now, 30*time.Minute))
}
