// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build linux

package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The driver tests swap the FFmpeg binary for small shell stubs that speak
// just enough of the contract: print -progress records on stderr, write
// bytes to the last argument, react to SIGTERM. The concat invocation is
// recognized by its -f concat arguments.

const stubSteadyRecorder = `#!/bin/sh
trap 'exit 255' TERM
for a in "$@"; do out="$a"; done
case "$*" in *"-f concat"*) head -c 200000 /dev/zero > "$out"; exit 0;; esac
printf 'frame=25\nout_time_ms=1000000\n' 1>&2
head -c 100000 /dev/zero > "$out"
while :; do sleep 0.05; done
`

func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "encoder.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func fakeDevices(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	d0 := filepath.Join(dir, "video0")
	d1 := filepath.Join(dir, "video1")
	require.NoError(t, os.WriteFile(d0, nil, 0o644))
	require.NoError(t, os.WriteFile(d1, nil, 0o644))
	return d0, d1
}

func testConfig(t *testing.T, bin string) (Config, [2]string) {
	t.Helper()
	d0, d1 := fakeDevices(t)
	out := t.TempDir()
	cfg := Config{
		FFmpegBin:    bin,
		Camera0:      d0,
		Camera1:      d1,
		Width:        640,
		Height:       480,
		FrameRate:    30,
		Bitrate:      "1M",
		MinBytes:     50_000,
		StopGrace:    500 * time.Millisecond,
		StartTimeout: 5 * time.Second,
		MaxSkew:      150 * time.Millisecond,
		RetryMax:     2,
		RetryBackoff: 30 * time.Millisecond,
	}
	paths := [2]string{filepath.Join(out, "cam0.mp4"), filepath.Join(out, "cam1.mp4")}
	return cfg, paths
}

func spec(paths [2]string) SessionSpec {
	return SessionSpec{
		BookingID: "bk-1",
		SessionID: "sess-1",
		Duration:  30 * time.Second,
		OutPaths:  paths,
	}
}

func TestDriver_Lifecycle(t *testing.T) {
	cfg, paths := testConfig(t, writeStub(t, stubSteadyRecorder))
	d := NewDriver(cfg)
	ctx := context.Background()

	require.NoError(t, d.StartSession(ctx, spec(paths)))

	id, active := d.Active()
	assert.True(t, active)
	assert.Equal(t, "bk-1", id)

	for _, h := range d.Health() {
		assert.Equal(t, StateRecording, h.State)
	}

	assert.ErrorIs(t, d.StartSession(ctx, spec(paths)), ErrBusy)

	res, err := d.StopSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.UsableCount())
	assert.LessOrEqual(t, res.StartSkew, cfg.MaxSkew)
	assert.False(t, res.ActualStart.IsZero())
	assert.True(t, res.ActualEnd.After(res.ActualStart))

	for i, f := range res.Files {
		assert.False(t, f.Missing, "camera %d", i)
		info, err := os.Stat(paths[i])
		require.NoError(t, err)
		assert.GreaterOrEqual(t, info.Size(), int64(100_000))
		assert.Equal(t, info.Size(), f.Bytes)
	}

	for _, h := range d.Health() {
		assert.Equal(t, StateAbsent, h.State)
	}

	// Idempotent.
	res, err = d.StopSession(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.BookingID)
}

func TestDriver_DeviceMissing(t *testing.T) {
	cfg, paths := testConfig(t, writeStub(t, stubSteadyRecorder))
	cfg.Camera1 = filepath.Join(t.TempDir(), "gone")
	d := NewDriver(cfg)

	err := d.StartSession(context.Background(), spec(paths))
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	_, active := d.Active()
	assert.False(t, active)
}

func TestDriver_EncoderExitsBeforeSteady(t *testing.T) {
	stub := writeStub(t, "#!/bin/sh\necho 'cannot open device' 1>&2\nexit 1\n")
	cfg, paths := testConfig(t, stub)
	d := NewDriver(cfg)

	err := d.StartSession(context.Background(), spec(paths))
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorContains(t, err, "before steady state")

	assert.Equal(t, StateFaulted, d.Health()[0].State)
	require.NoError(t, d.Reset())
	assert.Equal(t, StateAbsent, d.Health()[0].State)
}

func TestDriver_SkewGateFailsAfterRetry(t *testing.T) {
	mark := filepath.Join(t.TempDir(), "attempts")
	t.Setenv("STUB_MARK", mark)
	script := `#!/bin/sh
trap 'exit 255' TERM
for a in "$@"; do out="$a"; done
echo run >> "$STUB_MARK"
case "$out" in *cam1*) sleep 0.5;; esac
printf 'frame=25\n' 1>&2
head -c 100000 /dev/zero > "$out"
while :; do sleep 0.05; done
`
	cfg, paths := testConfig(t, writeStub(t, script))
	cfg.MaxSkew = 100 * time.Millisecond
	d := NewDriver(cfg)

	err := d.StartSession(context.Background(), spec(paths))
	require.Error(t, err)
	assert.ErrorContains(t, err, "start skew")

	data, readErr := os.ReadFile(mark)
	require.NoError(t, readErr)
	assert.Equal(t, 4, strings.Count(string(data), "run"), "two encoders, two attempts")

	// Abandoned attempts must not leave part files behind.
	for _, p := range paths {
		matches, _ := filepath.Glob(p + ".part*")
		assert.Empty(t, matches)
	}
}

func TestDriver_BelowThresholdFootageIsSwept(t *testing.T) {
	script := `#!/bin/sh
trap 'exit 255' TERM
for a in "$@"; do out="$a"; done
printf 'frame=25\n' 1>&2
head -c 1000 /dev/zero > "$out"
while :; do sleep 0.05; done
`
	cfg, paths := testConfig(t, writeStub(t, script))
	d := NewDriver(cfg)
	ctx := context.Background()

	require.NoError(t, d.StartSession(ctx, spec(paths)))
	res, err := d.StopSession(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, res.UsableCount())
	for _, p := range paths {
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr), "unusable footage must not be promoted")
	}
}

func TestDriver_OneCameraFailsOtherFinishes(t *testing.T) {
	script := `#!/bin/sh
trap 'exit 255' TERM
for a in "$@"; do out="$a"; done
case "$*" in *"-f concat"*) head -c 200000 /dev/zero > "$out"; exit 0;; esac
case "$out" in
  *cam1*)
    printf 'frame=25\n' 1>&2
    : > "$out"
    sleep 0.6
    exit 1
    ;;
esac
printf 'frame=25\n' 1>&2
head -c 100000 /dev/zero > "$out"
while :; do sleep 0.05; done
`
	cfg, paths := testConfig(t, writeStub(t, script))
	cfg.RetryMax = 1
	d := NewDriver(cfg)
	ctx := context.Background()

	require.NoError(t, d.StartSession(ctx, spec(paths)))

	require.Eventually(t, func() bool {
		return d.Health()[1].State == StateFaulted
	}, 5*time.Second, 50*time.Millisecond, "camera 1 should fault after exhausting restarts")

	assert.Equal(t, StateRecording, d.Health()[0].State, "survivor keeps recording")

	res, err := d.StopSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UsableCount())
	assert.False(t, res.Files[0].Missing)
	assert.True(t, res.Files[1].Missing)

	// Faulted is sticky across the stop.
	assert.Equal(t, StateFaulted, d.Health()[1].State)
}

func TestDriver_TransientRestartConcatsParts(t *testing.T) {
	mark := filepath.Join(t.TempDir(), "restarted")
	t.Setenv("STUB_MARK", mark)
	script := `#!/bin/sh
trap 'exit 255' TERM
for a in "$@"; do out="$a"; done
case "$*" in *"-f concat"*) head -c 200000 /dev/zero > "$out"; exit 0;; esac
case "$out" in
  *cam0*)
    if [ ! -f "$STUB_MARK" ]; then
      touch "$STUB_MARK"
      printf 'frame=25\n' 1>&2
      head -c 100000 /dev/zero > "$out"
      sleep 0.3
      exit 1
    fi
    ;;
esac
printf 'frame=25\n' 1>&2
head -c 100000 /dev/zero > "$out"
while :; do sleep 0.05; done
`
	cfg, paths := testConfig(t, writeStub(t, script))
	d := NewDriver(cfg)
	ctx := context.Background()

	require.NoError(t, d.StartSession(ctx, spec(paths)))

	// Wait for the continuation part written by the restarted encoder.
	contPart := paths[0] + ".part1"
	require.Eventually(t, func() bool {
		info, err := os.Stat(contPart)
		return err == nil && info.Size() > 0
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, StateRecording, d.Health()[0].State)

	res, err := d.StopSession(ctx)
	require.NoError(t, err)
	require.False(t, res.Files[0].Missing)
	assert.Equal(t, int64(200_000), res.Files[0].Bytes, "concat output promoted")

	matches, _ := filepath.Glob(paths[0] + ".part*")
	assert.Empty(t, matches, "parts swept after concat")
}
