// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build linux

package merge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/panorec/internal/marker"
)

// stubProbe answers every ffprobe call with golden JSON. Durations are
// keyed off the probed filename so tests can shape individual inputs.
const stubProbe = `#!/bin/sh
f=""
for a in "$@"; do f="$a"; done
dur="90.000000"
case "$f" in
  *zero*) dur="0.000000" ;;
  *short*) dur="10.000000" ;;
esac
printf '{"streams":[{"codec_type":"video","codec_name":"h264","width":1280,"height":720,"avg_frame_rate":"30/1"}],"format":{"duration":"%s","size":"150000"}}' "$dur"
`

// stubEncode writes a plausible output file to the last argument and logs
// its full argv so tests can inspect which filtergraph ran.
const stubEncode = `#!/bin/sh
if [ -n "$STUB_MARK" ]; then printf '%s\n' "$*" >> "$STUB_MARK"; fi
out=""
for a in "$@"; do out="$a"; done
head -c 150000 /dev/zero > "$out"
exit 0
`

const stubEncodeFail = `#!/bin/sh
if [ -n "$STUB_MARK" ]; then printf '%s\n' "$*" >> "$STUB_MARK"; fi
echo "boom" 1>&2
exit 1
`

func writeStub(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeInput(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func markerExists(t *testing.T, dir string, k marker.Kind) bool {
	t.Helper()
	ok, err := marker.Exists(dir, k)
	require.NoError(t, err)
	return ok
}

func requireNoTmp(t *testing.T, dir string) {
	t.Helper()
	tmps, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmps, "no tmp file may survive a merge")
}

func newTestEngine(t *testing.T, encodeScript string) *Engine {
	t.Helper()
	ffmpegBin := writeStub(t, "ffmpeg", encodeScript)
	ffprobeBin := writeStub(t, "ffprobe", stubProbe)
	return NewEngine(ffmpegBin, ffprobeBin, 2, 10*time.Millisecond)
}

func TestEngine_SideBySideSuccess(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, stubEncode)

	res, err := eng.Merge(context.Background(), Request{
		Left:   writeInput(t, dir, "cam0.mp4"),
		Right:  writeInput(t, dir, "cam1.mp4"),
		Out:    filepath.Join(dir, "merged.mp4"),
		Method: MethodSideBySide,
	})
	require.NoError(t, err)

	assert.Equal(t, MethodSideBySide, res.MethodUsed)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.FallbackReason)
	assert.Equal(t, -1, res.TruncatedCamera)
	assert.InDelta(t, 90.0, res.DurationSecs, 0.01)
	assert.Equal(t, 1280, res.Width)
	assert.Equal(t, 720, res.Height)
	assert.EqualValues(t, 150000, res.Bytes)

	info, statErr := os.Stat(filepath.Join(dir, "merged.mp4"))
	require.NoError(t, statErr)
	assert.EqualValues(t, 150000, info.Size())

	assert.True(t, markerExists(t, dir, marker.Merged))
	assert.False(t, markerExists(t, dir, marker.MergeError))
	requireNoTmp(t, dir)
}

func TestEngine_StitchWithCalibration(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, stubEncode)

	calPath := filepath.Join(dir, "calibration.json")
	require.NoError(t, os.WriteFile(calPath, []byte(
		`{"homography":[[1,0,1160],[0,1,0],[0,0,1]],"created_at":"2026-01-15T09:00:00Z","feature_count":400,"inlier_ratio":0.9}`,
	), 0o644))

	mark := filepath.Join(t.TempDir(), "args.log")
	t.Setenv("STUB_MARK", mark)

	res, err := eng.Merge(context.Background(), Request{
		Left:    writeInput(t, dir, "cam0.mp4"),
		Right:   writeInput(t, dir, "cam1.mp4"),
		Out:     filepath.Join(dir, "merged.mp4"),
		Method:  MethodStitch,
		Options: Options{CalibrationPath: calPath},
	})
	require.NoError(t, err)

	assert.Equal(t, MethodStitch, res.MethodUsed)
	assert.Empty(t, res.FallbackReason)

	args, readErr := os.ReadFile(mark)
	require.NoError(t, readErr)
	assert.Contains(t, string(args), "perspective=x0=")
	assert.Contains(t, string(args), "sense=destination")
	assert.True(t, markerExists(t, dir, marker.Merged))
}

func TestEngine_StitchWithoutCalibrationFallsBack(t *testing.T) {
	cases := []struct {
		name       string
		writeCal   func(t *testing.T, dir string) string
		wantReason string
	}{
		{
			name:       "unconfigured",
			writeCal:   func(t *testing.T, dir string) string { return "" },
			wantReason: "calibration_missing",
		},
		{
			name: "bad determinant",
			writeCal: func(t *testing.T, dir string) string {
				p := filepath.Join(dir, "calibration.json")
				require.NoError(t, os.WriteFile(p, []byte(
					`{"homography":[[0.3,0,0],[0,1,0],[0,0,1]],"created_at":"2026-01-15T09:00:00Z","feature_count":10,"inlier_ratio":0.2}`,
				), 0o644))
				return p
			},
			wantReason: "calibration_invalid",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			eng := newTestEngine(t, stubEncode)

			mark := filepath.Join(t.TempDir(), "args.log")
			t.Setenv("STUB_MARK", mark)

			res, err := eng.Merge(context.Background(), Request{
				Left:    writeInput(t, dir, "cam0.mp4"),
				Right:   writeInput(t, dir, "cam1.mp4"),
				Out:     filepath.Join(dir, "merged.mp4"),
				Method:  MethodStitch,
				Options: Options{CalibrationPath: tc.writeCal(t, dir)},
			})
			require.NoError(t, err)

			assert.Equal(t, MethodFeatherBlend, res.MethodUsed)
			assert.Equal(t, tc.wantReason, res.FallbackReason)

			args, readErr := os.ReadFile(mark)
			require.NoError(t, readErr)
			assert.Contains(t, string(args), "geq=")
			assert.NotContains(t, string(args), "perspective=")
			assert.True(t, markerExists(t, dir, marker.Merged))
		})
	}
}

func TestEngine_MethodFailureFallsThroughChain(t *testing.T) {
	// Fails any invocation carrying the feather alpha ramp, so the engine
	// must land on plain side_by_side.
	script := `#!/bin/sh
out=""
for a in "$@"; do out="$a"; done
case "$*" in
  *geq=*) echo "filter failed" 1>&2; exit 1 ;;
esac
head -c 150000 /dev/zero > "$out"
exit 0
`
	dir := t.TempDir()
	eng := newTestEngine(t, script)

	res, err := eng.Merge(context.Background(), Request{
		Left:   writeInput(t, dir, "cam0.mp4"),
		Right:  writeInput(t, dir, "cam1.mp4"),
		Out:    filepath.Join(dir, "merged.mp4"),
		Method: MethodFeatherBlend,
	})
	require.NoError(t, err)

	assert.Equal(t, MethodSideBySide, res.MethodUsed)
	assert.Equal(t, "feather_blend_failed", res.FallbackReason)
	assert.Equal(t, 3, res.Attempts, "two feather attempts plus one side_by_side")
	assert.True(t, markerExists(t, dir, marker.Merged))
	requireNoTmp(t, dir)
}

func TestEngine_AllAttemptsFailWritesMergeError(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, stubEncodeFail)

	res, err := eng.Merge(context.Background(), Request{
		Left:   writeInput(t, dir, "cam0.mp4"),
		Right:  writeInput(t, dir, "cam1.mp4"),
		Out:    filepath.Join(dir, "merged.mp4"),
		Method: MethodFeatherBlend,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.Equal(t, 4, res.Attempts, "two methods at two attempts each")
	assert.Equal(t, "feather_blend_failed", res.FallbackReason)
	assert.Empty(t, res.MethodUsed)

	assert.False(t, markerExists(t, dir, marker.Merged))
	require.True(t, markerExists(t, dir, marker.MergeError))

	var f marker.Failure
	require.NoError(t, marker.Read(dir, marker.MergeError, &f))
	assert.Contains(t, f.Reason, "boom")
	assert.False(t, f.At.IsZero())

	assert.NoFileExists(t, filepath.Join(dir, "merged.mp4"))
	requireNoTmp(t, dir)
}

func TestEngine_ShortOutputFailsValidation(t *testing.T) {
	// The encoder "succeeds" but the probe reports a tmp duration far below
	// the expected one, so every attempt is rejected before the rename.
	probe := `#!/bin/sh
f=""
for a in "$@"; do f="$a"; done
dur="90.000000"
case "$f" in
  *.tmp) dur="10.000000" ;;
esac
printf '{"streams":[{"codec_type":"video","codec_name":"h264","width":1280,"height":720,"avg_frame_rate":"30/1"}],"format":{"duration":"%s","size":"150000"}}' "$dur"
`
	dir := t.TempDir()
	ffmpegBin := writeStub(t, "ffmpeg", stubEncode)
	ffprobeBin := writeStub(t, "ffprobe", probe)
	eng := NewEngine(ffmpegBin, ffprobeBin, 2, 10*time.Millisecond)

	res, err := eng.Merge(context.Background(), Request{
		Left:   writeInput(t, dir, "cam0.mp4"),
		Right:  writeInput(t, dir, "cam1.mp4"),
		Out:    filepath.Join(dir, "merged.mp4"),
		Method: MethodSideBySide,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below 0.9")
	assert.Equal(t, 2, res.Attempts)

	assert.NoFileExists(t, filepath.Join(dir, "merged.mp4"))
	assert.True(t, markerExists(t, dir, marker.MergeError))
	requireNoTmp(t, dir)
}

func TestEngine_TruncatedInputDegradesToSideBySide(t *testing.T) {
	cases := []struct {
		name       string
		left       string
		right      string
		wantCamera int
		wantReason string
	}{
		{name: "right camera died", left: "cam0.mp4", right: "cam1_short.mp4", wantCamera: 1, wantReason: "camera1_truncated"},
		{name: "left camera died", left: "cam0_short.mp4", right: "cam1.mp4", wantCamera: 0, wantReason: "camera0_truncated"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			eng := newTestEngine(t, stubEncode)

			mark := filepath.Join(t.TempDir(), "args.log")
			t.Setenv("STUB_MARK", mark)

			res, err := eng.Merge(context.Background(), Request{
				Left:   writeInput(t, dir, tc.left),
				Right:  writeInput(t, dir, tc.right),
				Out:    filepath.Join(dir, "merged.mp4"),
				Method: MethodFeatherBlend,
			})
			require.NoError(t, err)

			assert.Equal(t, MethodSideBySide, res.MethodUsed)
			assert.Equal(t, tc.wantCamera, res.TruncatedCamera)
			assert.Equal(t, tc.wantReason, res.FallbackReason)

			args, readErr := os.ReadFile(mark)
			require.NoError(t, readErr)
			assert.Contains(t, string(args), "hstack")
			assert.Contains(t, string(args), "-t 10.000", "merge truncated to the shorter input")
			assert.True(t, markerExists(t, dir, marker.Merged))
		})
	}
}

func TestEngine_ZeroDurationInputFailsFast(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, stubEncode)

	res, err := eng.Merge(context.Background(), Request{
		Left:   writeInput(t, dir, "cam0_zero.mp4"),
		Right:  writeInput(t, dir, "cam1.mp4"),
		Out:    filepath.Join(dir, "merged.mp4"),
		Method: MethodSideBySide,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero duration")
	assert.Zero(t, res.Attempts)
	assert.True(t, markerExists(t, dir, marker.MergeError))
}

func TestEngine_SuccessClearsStaleMergeError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, marker.Write(dir, marker.MergeError, marker.Failure{
		Reason: "earlier run failed",
		At:     time.Now().UTC(),
	}))

	eng := newTestEngine(t, stubEncode)
	_, err := eng.Merge(context.Background(), Request{
		Left:   writeInput(t, dir, "cam0.mp4"),
		Right:  writeInput(t, dir, "cam1.mp4"),
		Out:    filepath.Join(dir, "merged.mp4"),
		Method: MethodSideBySide,
	})
	require.NoError(t, err)

	assert.True(t, markerExists(t, dir, marker.Merged))
	assert.False(t, markerExists(t, dir, marker.MergeError), "stale failure marker must be cleared")
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodSideBySide, m)

	for _, name := range []string{"side_by_side", "feather_blend", "stitch"} {
		m, err := ParseMethod(name)
		require.NoError(t, err)
		assert.Equal(t, Method(name), m)
	}

	_, err = ParseMethod("panorama")
	assert.ErrorContains(t, err, "unknown merge method")
}

func TestFallbackChain(t *testing.T) {
	assert.Equal(t,
		[]Method{MethodStitch, MethodFeatherBlend, MethodSideBySide},
		fallbackChain(MethodStitch))
	assert.Equal(t,
		[]Method{MethodFeatherBlend, MethodSideBySide},
		fallbackChain(MethodFeatherBlend))
	assert.Equal(t, []Method{MethodSideBySide}, fallbackChain(MethodSideBySide))
}

func TestAttemptTimeout(t *testing.T) {
	assert.Equal(t, 60*time.Second, attemptTimeout(10))
	assert.Equal(t, 60*time.Second, attemptTimeout(29))
	assert.Equal(t, 2*time.Hour, attemptTimeout(3600))
}
