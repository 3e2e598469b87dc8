// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package postproc

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ManuGH/panorec/internal/config"
	"github.com/ManuGH/panorec/internal/log"
)

// mainLogoName marks the one logo that must be present. Venue branding is
// contractual; decorative logos are not.
const mainLogoName = "main"

// overlayMargin is the pixel inset from the chosen corner.
const overlayMargin = 24

// overlay burns the configured logos into src in a single filter pass.
// Missing optional logo files are skipped; a missing main logo is an error.
// Returns false when nothing was applied and src should ship as-is.
func (p *Processor) overlay(ctx context.Context, src, out string) (bool, error) {
	logger := log.WithComponentFromContext(ctx, "postproc")

	var present []config.LogoOverlay
	for _, l := range p.o.Logos {
		if _, err := os.Stat(l.Path); err != nil {
			if l.Name == mainLogoName {
				return false, fmt.Errorf("main logo missing at %s", l.Path)
			}
			logger.Warn().
				Str("logo", l.Name).
				Str(log.FieldPath, l.Path).
				Msg("logo file missing, skipping overlay")
			continue
		}
		present = append(present, l)
	}
	if len(present) == 0 {
		return false, nil
	}

	args, err := overlayArgs(src, out, present)
	if err != nil {
		return false, err
	}
	if err := p.runMedia(ctx, p.o.FFmpegBin, "overlay", args); err != nil {
		_ = os.Remove(out)
		return false, err
	}
	return true, nil
}

// overlayArgs builds one FFmpeg invocation that scales every logo and
// chains overlay filters corner by corner. One filter_complex keeps it to
// a single decode/encode cycle no matter how many logos are configured.
func overlayArgs(src, out string, logos []config.LogoOverlay) ([]string, error) {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", src}
	for _, l := range logos {
		args = append(args, "-i", l.Path)
	}

	var fc strings.Builder
	for i, l := range logos {
		fmt.Fprintf(&fc, "[%d:v]scale=%d:%d,format=rgba", i+1, l.Width, l.Height)
		if l.Opacity > 0 && l.Opacity < 1 {
			fmt.Fprintf(&fc, ",colorchannelmixer=aa=%.2f", l.Opacity)
		}
		fmt.Fprintf(&fc, "[logo%d];", i)
	}

	prev := "[0:v]"
	for i, l := range logos {
		pos, err := cornerExpr(l.Corner)
		if err != nil {
			return nil, err
		}
		next := fmt.Sprintf("[v%d]", i+1)
		if i == len(logos)-1 {
			next = "[vout]"
		}
		fmt.Fprintf(&fc, "%s[logo%d]overlay=%s%s", prev, i, pos, next)
		if i < len(logos)-1 {
			fc.WriteString(";")
		}
		prev = next
	}

	args = append(args,
		"-filter_complex", fc.String(),
		"-map", "[vout]",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "18",
		"-c:a", "copy",
		"-movflags", "+faststart",
		out,
	)
	return args, nil
}

// cornerExpr positions an overlay in its corner with a fixed margin,
// relative to the main video's dimensions.
func cornerExpr(corner string) (string, error) {
	m := overlayMargin
	switch corner {
	case "tl":
		return fmt.Sprintf("%d:%d", m, m), nil
	case "tr":
		return fmt.Sprintf("main_w-overlay_w-%d:%d", m, m), nil
	case "bl":
		return fmt.Sprintf("%d:main_h-overlay_h-%d", m, m), nil
	case "br":
		return fmt.Sprintf("main_w-overlay_w-%d:main_h-overlay_h-%d", m, m), nil
	default:
		return "", fmt.Errorf("unknown overlay corner %q (want tl, tr, bl or br)", corner)
	}
}
