// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package postproc

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ManuGH/panorec/internal/ffmpeg"
	"github.com/ManuGH/panorec/internal/log"
)

// intro returns the intro file matched to the main footage, re-encoding it
// once into the workspace cache when codec, resolution or frame rate
// differ. The concat demuxer copies streams, so the inputs must agree.
// Returns os.ErrNotExist when no intro asset is present.
func (p *Processor) intro(ctx context.Context, main *ffmpeg.ProbeResult) (string, float64, error) {
	if _, err := os.Stat(p.o.IntroPath); err != nil {
		if os.IsNotExist(err) {
			return "", 0, os.ErrNotExist
		}
		return "", 0, err
	}

	ip, err := p.probe(ctx, p.o.FFprobeBin, p.o.IntroPath)
	if err != nil {
		return "", 0, fmt.Errorf("probe intro: %w", err)
	}
	if ip.Codec == main.Codec && ip.Width == main.Width && ip.Height == main.Height && sameFPS(ip.FPS, main.FPS) {
		return p.o.IntroPath, ip.DurationSecs, nil
	}

	cached := p.introCachePath(main)
	if cp, err := p.probe(ctx, p.o.FFprobeBin, cached); err == nil {
		return cached, cp.DurationSecs, nil
	}

	logger := log.WithComponentFromContext(ctx, "postproc")
	logger.Info().
		Str(log.FieldPath, cached).
		Msg("re-encoding intro to match footage")

	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		return "", 0, fmt.Errorf("create intro cache: %w", err)
	}

	tmp := cached + ".tmp"
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", p.o.IntroPath,
		"-vf", fmt.Sprintf(
			"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%s",
			main.Width, main.Height, main.Width, main.Height, formatFPS(main.FPS)),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-an",
		"-movflags", "+faststart",
		tmp,
	}
	if err := p.runMedia(ctx, p.o.FFmpegBin, "intro", args); err != nil {
		_ = os.Remove(tmp)
		return "", 0, err
	}
	if err := os.Rename(tmp, cached); err != nil {
		_ = os.Remove(tmp)
		return "", 0, err
	}

	cp, err := p.probe(ctx, p.o.FFprobeBin, cached)
	if err != nil {
		_ = os.Remove(cached)
		return "", 0, fmt.Errorf("re-encoded intro unreadable: %w", err)
	}
	return cached, cp.DurationSecs, nil
}

// introCachePath keys the cached re-encode by the target geometry, so one
// intro asset serves any camera profile without repeated transcodes.
func (p *Processor) introCachePath(main *ffmpeg.ProbeResult) string {
	name := fmt.Sprintf("intro_%dx%d_%s.mp4", main.Width, main.Height, formatFPS(main.FPS))
	return filepath.Join(p.o.Layout.Root(), ".cache", name)
}

// concat glues intro and body with the concat demuxer. Stream parameters
// must already match; intro() guarantees that.
func (p *Processor) concat(ctx context.Context, dir, intro, body, out string) error {
	list := filepath.Join(dir, "concat.txt")
	content := fmt.Sprintf("file '%s'\nfile '%s'\n", intro, body)
	if err := os.WriteFile(list, []byte(content), 0o644); err != nil {
		return err
	}
	defer os.Remove(list)

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat", "-safe", "0",
		"-i", list,
		"-c", "copy",
		"-movflags", "+faststart",
		out,
	}
	return p.runMedia(ctx, p.o.FFmpegBin, "concat", args)
}

func sameFPS(a, b float64) bool {
	return math.Abs(a-b) < 0.01
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', 2, 64)
}
