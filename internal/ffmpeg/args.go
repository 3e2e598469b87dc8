// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ffmpeg

import (
	"fmt"
	"strconv"
	"time"
)

// InputKind selects the FFmpeg input driver for a capture source.
type InputKind string

const (
	// InputV4L2 reads from a local /dev/video* node.
	InputV4L2 InputKind = "v4l2"
	// InputRTSP pulls from a network camera over RTSP.
	InputRTSP InputKind = "rtsp"
)

// InputSpec describes one camera input.
type InputSpec struct {
	Kind      InputKind
	Source    string // device node or rtsp:// URL
	FrameRate int
	Width     int
	Height    int
}

// EncodeSpec controls the H.264 encode applied to captures.
type EncodeSpec struct {
	Bitrate string // FFmpeg rate syntax, e.g. "6M"
	Preset  string // defaults to veryfast
	GOP     int    // defaults to two seconds of frames
}

// OutputSpec names the capture target file.
type OutputSpec struct {
	Path     string
	Duration time.Duration // 0 runs until stopped
}

// BuildCaptureArgs assembles the argument list for one camera encoder.
// Output is fragmented MP4 so a killed process still leaves a decodable
// prefix behind; progress records go to stderr for steady detection.
func BuildCaptureArgs(in InputSpec, enc EncodeSpec, out OutputSpec) ([]string, error) {
	if in.Source == "" {
		return nil, fmt.Errorf("capture args: empty input source")
	}
	if out.Path == "" {
		return nil, fmt.Errorf("capture args: empty output path")
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:2",
		"-y",
	}

	switch in.Kind {
	case InputV4L2:
		if in.FrameRate <= 0 || in.Width <= 0 || in.Height <= 0 {
			return nil, fmt.Errorf("capture args: v4l2 input needs framerate and resolution")
		}
		args = append(args,
			"-f", "v4l2",
			"-framerate", strconv.Itoa(in.FrameRate),
			"-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height),
			"-i", in.Source,
		)
	case InputRTSP:
		args = append(args,
			"-rtsp_transport", "tcp",
			"-i", in.Source,
		)
	default:
		return nil, fmt.Errorf("capture args: unknown input kind %q", in.Kind)
	}

	preset := enc.Preset
	if preset == "" {
		preset = "veryfast"
	}
	args = append(args,
		"-an",
		"-c:v", "libx264",
		"-preset", preset,
		"-pix_fmt", "yuv420p",
	)

	if enc.Bitrate != "" {
		args = append(args, "-b:v", enc.Bitrate)
	} else {
		args = append(args, "-crf", "23")
	}

	gop := enc.GOP
	if gop <= 0 {
		fps := in.FrameRate
		if fps <= 0 {
			fps = 30
		}
		gop = 2 * fps
	}
	args = append(args, "-g", strconv.Itoa(gop))

	if out.Duration > 0 {
		args = append(args, "-t", FormatDuration(out.Duration))
	}

	args = append(args,
		"-movflags", "+frag_keyframe+empty_moov+default_base_moof",
		out.Path,
	)
	return args, nil
}

// FormatDuration renders a duration the way FFmpeg -t expects it, seconds
// with millisecond precision.
func FormatDuration(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
