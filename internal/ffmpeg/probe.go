// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult is the subset of ffprobe output the pipeline consumes.
type ProbeResult struct {
	DurationSecs float64
	Width        int
	Height       int
	Codec        string
	FPS          float64
	SizeBytes    int64
}

// Probe inspects a media file with ffprobe. It errors when the file has no
// decodable video stream, which is the usable-footage check the merge and
// salvage paths rely on.
func Probe(ctx context.Context, bin, path string) (*ProbeResult, error) {
	if bin == "" {
		bin = "ffprobe"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- bin from trusted config, path from internal layout
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	res, err := parseProbe(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return res, nil
}

func parseProbe(raw []byte) (*ProbeResult, error) {
	var doc struct {
		Format struct {
			Duration string `json:"duration"`
			Size     string `json:"size"`
		} `json:"format"`
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse output: %w", err)
	}

	res := &ProbeResult{}
	if doc.Format.Duration != "" {
		d, err := strconv.ParseFloat(doc.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("parse duration %q: %w", doc.Format.Duration, err)
		}
		res.DurationSecs = d
	}
	if doc.Format.Size != "" {
		// Size is informational; a parse failure is not worth surfacing.
		res.SizeBytes, _ = strconv.ParseInt(doc.Format.Size, 10, 64)
	}

	for _, s := range doc.Streams {
		if s.CodecType != "video" {
			continue
		}
		res.Width = s.Width
		res.Height = s.Height
		res.Codec = s.CodecName
		res.FPS = parseRate(s.AvgFrameRate)
		break
	}
	if res.Width == 0 || res.Height == 0 {
		return nil, errors.New("no video stream")
	}
	return res, nil
}

// parseRate converts ffprobe's rational frame rates ("30000/1001") to a
// float. Degenerate rates like "0/0" yield 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
