// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ffmpeg

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Run executes a short-lived FFmpeg invocation to completion, the shape
// merge and post-processing steps need. On failure the returned error
// carries the stderr tail so callers can log one line with the cause.
func Run(ctx context.Context, bin, kind string, args []string) error {
	p := NewProc(bin, kind, args)
	if err := p.Start(ctx); err != nil {
		return err
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		_ = p.Stop(2 * time.Second)
	}

	if err := p.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tail := p.LastLogLines(8); len(tail) > 0 {
			return fmt.Errorf("%s: %w: %s", kind, err, strings.Join(tail, " | "))
		}
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}
