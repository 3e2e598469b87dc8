// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package supervisor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/panorec/internal/booking"
	"github.com/ManuGH/panorec/internal/journal"
	"github.com/ManuGH/panorec/internal/marker"
	"github.com/ManuGH/panorec/internal/workspace"
)

// deadPID is safely above pid_max on Linux, so signal 0 always fails.
const deadPID = 1 << 30

func (r *rig) lockedDir(t *testing.T, info marker.LockInfo) string {
	t.Helper()
	dir, err := r.layout.EnsureRecordingDir(info.BookingID, info.CreatedAt)
	require.NoError(t, err)
	require.NoError(t, marker.Write(dir, marker.Lock, info))
	return dir
}

func writeCam(t *testing.T, dir, name string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), bytes.Repeat([]byte("x"), size), 0o644))
}

func TestRecoverBreaksDeadPidLock(t *testing.T) {
	r := newRig(t)
	now := r.clock.Now()

	// End time still in the future: only the dead pid makes this stale.
	dir := r.lockedDir(t, marker.LockInfo{
		PID:       deadPID,
		SessionID: "s-crash",
		BookingID: "bk-crash",
		CreatedAt: now.Add(-30 * time.Minute),
		EndTime:   now.Add(30 * time.Minute),
		GraceSecs: 5,
	})

	r.sup.recoverStale(context.Background())

	set, err := marker.Scan(dir)
	require.NoError(t, err)
	assert.False(t, set.Lock)
	assert.True(t, set.Error, "no footage means a terminal failure")

	var failure marker.Failure
	require.NoError(t, marker.Read(dir, marker.Error, &failure))
	assert.Equal(t, "crash_no_usable_footage", failure.Reason)

	rec, err := r.store.GetRecording(context.Background(), "bk-crash")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	assert.Equal(t, []booking.Status{booking.StatusFailed}, r.remote.statuses("bk-crash"))
}

func TestRecoverKeepsLiveLocks(t *testing.T) {
	t.Run("owner process alive", func(t *testing.T) {
		r := newRig(t)
		now := r.clock.Now()
		dir := r.lockedDir(t, marker.LockInfo{
			PID:       os.Getpid(),
			BookingID: "bk-live",
			CreatedAt: now.Add(-time.Minute),
			EndTime:   now.Add(time.Hour),
			GraceSecs: 5,
		})

		r.sup.recoverStale(context.Background())

		set, err := marker.Scan(dir)
		require.NoError(t, err)
		assert.True(t, set.Lock)
		assert.False(t, set.Done)
		assert.False(t, set.Error)
	})

	t.Run("dead pid but booking still scheduled", func(t *testing.T) {
		r := newRig(t)
		b := r.booking("bk-sched", -time.Minute, time.Hour)
		r.writeCache(t, b)

		dir := r.lockedDir(t, marker.LockInfo{
			PID:       deadPID,
			BookingID: "bk-sched",
			CreatedAt: b.StartTime,
			EndTime:   b.EndTime,
			GraceSecs: 5,
		})

		r.sup.recoverStale(context.Background())

		set, err := marker.Scan(dir)
		require.NoError(t, err)
		assert.True(t, set.Lock, "a scheduled booking keeps its lock until end plus grace")
	})
}

func TestRecoverExpiredLockSettlesMerge(t *testing.T) {
	r := newRig(t)
	now := r.clock.Now()

	// The owning pid is alive (it is this test process), but end plus grace
	// has passed: the lock is stale no matter who holds it.
	dir := r.lockedDir(t, marker.LockInfo{
		PID:       os.Getpid(),
		SessionID: "s-old",
		BookingID: "bk-old",
		CreatedAt: now.Add(-time.Hour),
		EndTime:   now.Add(-10 * time.Minute),
		GraceSecs: 5,
	})
	writeCam(t, dir, workspace.Cam0File, 64)
	writeCam(t, dir, workspace.Cam1File, 48)
	require.NoError(t, workspace.UpdateMetadata(dir, func(m *workspace.Metadata) {
		m.BookingID = "bk-old"
		m.UserID = "u-9"
	}))

	r.sup.recoverStale(context.Background())

	set, err := marker.Scan(dir)
	require.NoError(t, err)
	assert.False(t, set.Lock)
	assert.True(t, set.Done)
	assert.True(t, set.Merged)
	require.NoError(t, set.Validate())
	assert.Equal(t, 1, r.merger.mergeCalls())

	rec, err := r.store.GetRecording(context.Background(), "bk-old")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, journal.StatusMerged, rec.Status)
	assert.Equal(t, "u-9", rec.UserID)
	assert.EqualValues(t, 64, rec.Cam0Bytes)
	assert.EqualValues(t, 48, rec.Cam1Bytes)

	assert.Equal(t, []booking.Status{booking.StatusCompleted}, r.remote.statuses("bk-old"))
}

func TestRecoverSalvagesPartFiles(t *testing.T) {
	r := newRig(t)
	now := r.clock.Now()

	dir := r.lockedDir(t, marker.LockInfo{
		PID:       deadPID,
		BookingID: "bk-parts",
		CreatedAt: now.Add(-time.Hour),
		EndTime:   now.Add(-10 * time.Minute),
		GraceSecs: 5,
	})

	// A crash mid-restart leaves numbered parts and the concat list behind.
	writeCam(t, dir, workspace.Cam0File+workspace.PartSuffix, 64)
	writeCam(t, dir, workspace.Cam0File+workspace.PartSuffix+"1", 20)
	writeCam(t, dir, workspace.Cam0File+workspace.PartSuffix+"s.txt", 30)
	writeCam(t, dir, workspace.Cam1File+workspace.PartSuffix, 4)

	r.sup.recoverStale(context.Background())

	// The largest cam0 part became the camera file, everything else is gone.
	assert.EqualValues(t, 64, workspace.FileSize(dir, workspace.Cam0File))
	leftovers, err := filepath.Glob(filepath.Join(dir, "*"+workspace.PartSuffix+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	_, statErr := os.Stat(filepath.Join(dir, workspace.Cam1File))
	assert.True(t, os.IsNotExist(statErr), "a part below the usable floor is not promoted")

	set, err := marker.Scan(dir)
	require.NoError(t, err)
	assert.True(t, set.Done)
	assert.True(t, set.Merged)
	assert.Equal(t, 0, r.merger.mergeCalls(), "single survivor bypasses the engine")

	meta, err := workspace.LoadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, "single_camera", meta.Method)
	assert.Equal(t, "camera1_missing", meta.FallbackReason)
	assert.EqualValues(t, 64, workspace.FileSize(dir, workspace.MergedFile))
}

func TestRecoverUnreadableLockPayload(t *testing.T) {
	t.Run("booking still scheduled", func(t *testing.T) {
		r := newRig(t)
		b := r.booking("bk-garbled", -time.Minute, time.Hour)
		r.writeCache(t, b)

		dir, err := r.layout.EnsureRecordingDir(b.ID, b.StartTime)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(marker.Path(dir, marker.Lock), []byte("{not json"), 0o644))

		r.sup.recoverStale(context.Background())

		set, err := marker.Scan(dir)
		require.NoError(t, err)
		assert.True(t, set.Lock, "an unreadable payload is broken only off-schedule")
	})

	t.Run("booking off the schedule", func(t *testing.T) {
		r := newRig(t)
		dir, err := r.layout.EnsureRecordingDir("bk-garbled", r.clock.Now())
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(marker.Path(dir, marker.Lock), []byte("{not json"), 0o644))

		r.sup.recoverStale(context.Background())

		set, err := marker.Scan(dir)
		require.NoError(t, err)
		assert.False(t, set.Lock)
		assert.True(t, set.Error)
	})
}

func TestRecoverPreservesExistingMergeOutcome(t *testing.T) {
	r := newRig(t)
	now := r.clock.Now()

	dir := r.lockedDir(t, marker.LockInfo{
		PID:       deadPID,
		BookingID: "bk-premerged",
		CreatedAt: now.Add(-time.Hour),
		EndTime:   now.Add(-10 * time.Minute),
		GraceSecs: 5,
	})
	writeCam(t, dir, workspace.Cam0File, 64)
	writeCam(t, dir, workspace.Cam1File, 64)
	require.NoError(t, marker.Create(dir, marker.Merged))

	r.sup.recoverStale(context.Background())

	set, err := marker.Scan(dir)
	require.NoError(t, err)
	assert.False(t, set.Lock)
	assert.True(t, set.Done)
	assert.True(t, set.Merged)
	assert.Equal(t, 0, r.merger.mergeCalls(), "an existing merge outcome wins")

	rec, err := r.store.GetRecording(context.Background(), "bk-premerged")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, journal.StatusRecorded, rec.Status)
	assert.Equal(t, []booking.Status{booking.StatusCompleted}, r.remote.statuses("bk-premerged"))
}

func TestRecoverDoesNotTouchOwnActiveSession(t *testing.T) {
	r := newRig(t)
	b := r.booking("bk-own", -time.Minute, 10*time.Minute)
	r.writeCache(t, b)
	r.sup.tick(context.Background(), true)
	require.Equal(t, 1, r.driver.starts())

	// Let the window close so the lock's end plus grace is in the past.
	r.clock.Advance(11 * time.Minute)

	// The sweep alone must not break the lock of the in-flight session;
	// only the tick's finish path may settle it.
	r.sup.sweepStaleLocks(context.Background(), r.clock.Now(), nil)

	dir := r.dir(t, b)
	set, err := marker.Scan(dir)
	require.NoError(t, err)
	assert.True(t, set.Lock, "own session lock survives the sweep")
	assert.Equal(t, 0, r.driver.stops())
}

func TestPidAlive(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))
	assert.False(t, pidAlive(deadPID))
}
