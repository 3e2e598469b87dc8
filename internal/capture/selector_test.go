// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/panorec/internal/ffmpeg"
)

func TestResolveSelector(t *testing.T) {
	cases := []struct {
		name    string
		sel     string
		want    ffmpeg.InputSpec
		wantErr string
	}{
		{
			name: "bare index",
			sel:  "0",
			want: ffmpeg.InputSpec{Kind: ffmpeg.InputV4L2, Source: "/dev/video0", FrameRate: 30, Width: 1920, Height: 1080},
		},
		{
			name: "multi digit index",
			sel:  "12",
			want: ffmpeg.InputSpec{Kind: ffmpeg.InputV4L2, Source: "/dev/video12", FrameRate: 30, Width: 1920, Height: 1080},
		},
		{
			name: "absolute path",
			sel:  "/dev/v4l/by-id/usb-cam-A",
			want: ffmpeg.InputSpec{Kind: ffmpeg.InputV4L2, Source: "/dev/v4l/by-id/usb-cam-A", FrameRate: 30, Width: 1920, Height: 1080},
		},
		{
			name: "rtsp url",
			sel:  "rtsp://10.0.0.8:554/stream1",
			want: ffmpeg.InputSpec{Kind: ffmpeg.InputRTSP, Source: "rtsp://10.0.0.8:554/stream1"},
		},
		{
			name: "trimmed whitespace",
			sel:  "  1 ",
			want: ffmpeg.InputSpec{Kind: ffmpeg.InputV4L2, Source: "/dev/video1", FrameRate: 30, Width: 1920, Height: 1080},
		},
		{name: "empty", sel: "", wantErr: "empty device selector"},
		{name: "negative index", sel: "-1", wantErr: "negative device index"},
		{name: "relative path", sel: "video0", wantErr: "unrecognized device selector"},
		{name: "http url", sel: "http://cam.local/feed", wantErr: "unrecognized device selector"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveSelector(tc.sel, 30, 1920, 1080)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProbeInput(t *testing.T) {
	dir := t.TempDir()
	node := filepath.Join(dir, "video0")
	require.NoError(t, os.WriteFile(node, nil, 0o644))

	assert.NoError(t, probeInput(ffmpeg.InputSpec{Kind: ffmpeg.InputV4L2, Source: node}))

	err := probeInput(ffmpeg.InputSpec{Kind: ffmpeg.InputV4L2, Source: filepath.Join(dir, "missing")})
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	// Network cameras cannot be probed without blocking.
	assert.NoError(t, probeInput(ffmpeg.InputSpec{Kind: ffmpeg.InputRTSP, Source: "rtsp://unreachable"}))
}
