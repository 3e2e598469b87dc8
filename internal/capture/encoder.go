// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/panorec/internal/ffmpeg"
	"github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/workspace"
)

// encoder owns one camera: the FFmpeg process currently writing it, the
// part files produced so far and the device health state.
type encoder struct {
	idx       int
	bin       string
	input     ffmpeg.InputSpec
	enc       ffmpeg.EncodeSpec
	finalPath string

	mu      sync.Mutex
	proc    *ffmpeg.Proc
	parts   []string
	state   HealthState
	lastErr error
}

func (e *encoder) nextPartPath() string {
	if len(e.parts) == 0 {
		return e.finalPath + workspace.PartSuffix
	}
	return fmt.Sprintf("%s%s%d", e.finalPath, workspace.PartSuffix, len(e.parts))
}

// launch starts a fresh FFmpeg process writing the next part file.
func (e *encoder) launch(ctx context.Context, d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	part := e.nextPartPath()
	args, err := ffmpeg.BuildCaptureArgs(e.input, e.enc, ffmpeg.OutputSpec{Path: part, Duration: d})
	if err != nil {
		return err
	}

	proc := ffmpeg.NewProc(e.bin, "capture", args)
	if err := proc.Start(ctx); err != nil {
		return err
	}
	e.proc = proc
	e.parts = append(e.parts, part)
	return nil
}

func (e *encoder) currentProc() *ffmpeg.Proc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc
}

func (e *encoder) setState(s HealthState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	deviceState.WithLabelValues(fmt.Sprintf("%d", e.idx)).Set(float64(stateCode(s)))
}

func (e *encoder) getState() HealthState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *encoder) recordFailure(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *encoder) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// stop terminates the running process, if any, giving the muxer grace to
// flush a readable file. A signal exit here is the expected outcome, not a
// fault worth recording.
func (e *encoder) stop(grace time.Duration) {
	if proc := e.currentProc(); proc != nil {
		_ = proc.Stop(grace)
	}
}

// discardParts removes everything written so far. Used when a start attempt
// is abandoned, for instance after a failed skew gate.
func (e *encoder) discardParts() {
	e.mu.Lock()
	parts := e.parts
	e.parts = nil
	e.proc = nil
	e.mu.Unlock()
	for _, p := range parts {
		_ = os.Remove(p)
	}
}

// finalize promotes the captured footage to the final path: a single usable
// part is renamed, multiple parts are stitched back together losslessly with
// the concat demuxer. Parts below minBytes are treated as unusable garbage
// and swept.
func (e *encoder) finalize(ctx context.Context, minBytes int64) FileResult {
	e.mu.Lock()
	parts := e.parts
	e.parts = nil
	e.proc = nil
	faulted := e.state == StateFaulted
	e.mu.Unlock()

	logger := log.WithComponentFromContext(ctx, "capture")

	var usable []string
	for _, p := range parts {
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			_ = os.Remove(p)
			continue
		}
		usable = append(usable, p)
	}

	res := FileResult{Path: e.finalPath, Missing: true}

	switch len(usable) {
	case 0:
	case 1:
		res = e.promote(usable[0], minBytes, logger)
	default:
		if err := e.concatParts(ctx, usable); err != nil {
			logger.Warn().Err(err).Int("device", e.idx).Msg("part concat failed, keeping largest part")
			largest := largestFile(usable)
			res = e.promote(largest, minBytes, logger)
			for _, p := range usable {
				if p != largest {
					_ = os.Remove(p)
				}
			}
		} else {
			for _, p := range usable {
				_ = os.Remove(p)
			}
			res = statResult(e.finalPath)
		}
	}

	if !res.Missing && faulted {
		logger.Info().
			Int("device", e.idx).
			Int64("bytes", res.Bytes).
			Str("path", res.Path).
			Msg("salvaged partial capture file")
	}
	return res
}

// promote renames a part to the final path when it clears the usable-size
// threshold, otherwise removes it.
func (e *encoder) promote(part string, minBytes int64, logger zerolog.Logger) FileResult {
	info, err := os.Stat(part)
	if err != nil {
		return FileResult{Path: e.finalPath, Missing: true}
	}
	if info.Size() < minBytes {
		logger.Warn().
			Int("device", e.idx).
			Int64("bytes", info.Size()).
			Int64("min_bytes", minBytes).
			Msg("capture file below usable threshold, discarding")
		_ = os.Remove(part)
		return FileResult{Path: e.finalPath, Missing: true}
	}
	if err := os.Rename(part, e.finalPath); err != nil {
		logger.Warn().Err(err).Int("device", e.idx).Msg("promoting capture file failed")
		return FileResult{Path: e.finalPath, Missing: true}
	}
	return statResult(e.finalPath)
}

// concatParts joins continuation parts into the final file without
// re-encoding.
func (e *encoder) concatParts(ctx context.Context, parts []string) error {
	dir := filepath.Dir(e.finalPath)
	listPath := filepath.Join(dir, filepath.Base(e.finalPath)+".parts.txt")

	var sb strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&sb, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), 0o644); err != nil {
		return err
	}
	defer func() { _ = os.Remove(listPath) }()

	tmp := e.finalPath + ".tmp"
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		tmp,
	}
	if err := ffmpeg.Run(ctx, e.bin, "concat", args); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, e.finalPath)
}

func statResult(path string) FileResult {
	info, err := os.Stat(path)
	if err != nil {
		return FileResult{Path: path, Missing: true}
	}
	return FileResult{Path: path, Bytes: info.Size()}
}

func largestFile(paths []string) string {
	best := paths[0]
	var bestSize int64 = -1
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.Size() > bestSize {
			best, bestSize = p, info.Size()
		}
	}
	return best
}
