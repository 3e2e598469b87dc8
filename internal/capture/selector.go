// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ManuGH/panorec/internal/ffmpeg"
)

// ResolveSelector maps a configured device selector to an encoder input.
// Three forms are accepted: a bare integer N (shorthand for /dev/videoN),
// an absolute path (V4L2 node, typically a stable /dev/v4l/by-id link),
// and an rtsp:// URL for network cameras. Index reordering across reboots
// is pinned by the operator through stable paths, not by the driver.
func ResolveSelector(sel string, frameRate, width, height int) (ffmpeg.InputSpec, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return ffmpeg.InputSpec{}, fmt.Errorf("empty device selector")
	}

	if n, err := strconv.Atoi(sel); err == nil {
		if n < 0 {
			return ffmpeg.InputSpec{}, fmt.Errorf("negative device index %d", n)
		}
		return ffmpeg.InputSpec{
			Kind:      ffmpeg.InputV4L2,
			Source:    fmt.Sprintf("/dev/video%d", n),
			FrameRate: frameRate,
			Width:     width,
			Height:    height,
		}, nil
	}

	if strings.HasPrefix(sel, "rtsp://") {
		return ffmpeg.InputSpec{Kind: ffmpeg.InputRTSP, Source: sel}, nil
	}

	if filepath.IsAbs(sel) {
		return ffmpeg.InputSpec{
			Kind:      ffmpeg.InputV4L2,
			Source:    sel,
			FrameRate: frameRate,
			Width:     width,
			Height:    height,
		}, nil
	}

	return ffmpeg.InputSpec{}, fmt.Errorf("unrecognized device selector %q (want index, absolute path or rtsp:// URL)", sel)
}

// probeInput verifies a source is reachable without blocking. Local nodes
// are checked by stat; network cameras cannot be probed cheaply, so they
// pass here and fail at encoder start instead.
func probeInput(in ffmpeg.InputSpec) error {
	if in.Kind != ffmpeg.InputV4L2 {
		return nil
	}
	if _, err := os.Stat(in.Source); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, in.Source, err)
	}
	return nil
}

// ProbeSelector reports whether a configured selector currently resolves to
// a reachable source, without needing encoder parameters. Health checks use
// this; network cameras pass unprobed just like probeInput.
func ProbeSelector(sel string) error {
	in, err := ResolveSelector(sel, 1, 2, 2)
	if err != nil {
		return err
	}
	return probeInput(in)
}
