// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ffmpeg wraps the external FFmpeg and ffprobe binaries behind a
// supervised process type. Encoders run in their own process group, report
// steady state through -progress output and keep a bounded stderr tail for
// failure diagnostics.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"os/exec"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/procgroup"
)

var (
	startTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_ffmpeg_start_total",
		Help: "Total number of FFmpeg process starts",
	}, []string{"kind"})

	exitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_ffmpeg_exit_total",
		Help: "Total number of FFmpeg process exits by outcome",
	}, []string{"kind", "outcome"})
)

// Proc supervises a single FFmpeg invocation. A Proc is single-use: Start
// once, then observe Steady, Done and Err, or force the issue with Stop.
type Proc struct {
	bin  string
	kind string
	args []string

	ring *LineRing

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  time.Time
	steadyAt time.Time
	stopping bool
	err      error

	steadyOnce sync.Once
	steady     chan struct{}
	done       chan struct{}
}

// NewProc prepares a process without starting it. kind labels metrics and
// logs (capture, merge, intro, overlay, poster). An empty bin falls back to
// the ffmpeg on PATH.
func NewProc(bin, kind string, args []string) *Proc {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Proc{
		bin:    bin,
		kind:   kind,
		args:   args,
		ring:   NewLineRing(256),
		steady: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the process. Cancelling ctx kills it; prefer Stop for a
// graceful shutdown that lets the muxer finalize its output.
func (p *Proc) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("process already started")
	}

	cmd := exec.CommandContext(ctx, p.bin, p.args...) // #nosec G204 -- args come from internal builders, bin from trusted config
	procgroup.Set(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	logger := log.WithComponentFromContext(ctx, "ffmpeg")
	logger.Debug().
		Str("kind", p.kind).
		Str("command", cmd.String()).
		Msg("starting encoder process")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s start failed: %w", p.bin, err)
	}

	p.cmd = cmd
	p.started = time.Now()
	startTotal.WithLabelValues(p.kind).Inc()

	go p.supervise(ctx, stderr)
	return nil
}

// supervise drains stderr to EOF before reaping the process, the order
// os/exec requires when a pipe is in play.
func (p *Proc) supervise(ctx context.Context, stderr io.ReadCloser) {
	p.consume(stderr)
	err := p.cmd.Wait()

	p.mu.Lock()
	p.err = err
	stopping := p.stopping
	p.mu.Unlock()

	outcome := "clean"
	switch {
	case stopping:
		outcome = "stopped"
	case ctx.Err() != nil:
		outcome = "canceled"
	case err != nil:
		outcome = "error"
	}
	exitTotal.WithLabelValues(p.kind, outcome).Inc()

	if outcome == "error" {
		logger := log.WithComponent("ffmpeg")
		logger.Error().
			Str("kind", p.kind).
			Err(err).
			Strs("stderr", p.ring.LastN(20)).
			Msg("encoder process failed")
	}

	close(p.done)
}

// consume routes stderr lines: -progress key=value records feed steady
// detection, everything else lands in the ring for post-mortem logs.
func (p *Proc) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if key, val, ok := progressField(line); ok {
			if progressIndicatesOutput(key, val) {
				p.markSteady()
			}
			continue
		}
		fmt.Fprintln(p.ring, line)
	}
	p.ring.Flush()
}

func (p *Proc) markSteady() {
	p.steadyOnce.Do(func() {
		p.mu.Lock()
		p.steadyAt = time.Now()
		p.mu.Unlock()
		close(p.steady)
	})
}

// Steady is closed once the encoder has demonstrably produced output, the
// first progress record with a nonzero frame count, output time or size.
// Invocations launched without -progress never fire it.
func (p *Proc) Steady() <-chan struct{} { return p.steady }

// SteadyAt reports when steady state was first observed.
func (p *Proc) SteadyAt() (time.Time, bool) {
	select {
	case <-p.steady:
	default:
		return time.Time{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steadyAt, true
}

// Done is closed after the process has exited and Err is valid.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Err returns the exit error. Only meaningful once Done is closed.
func (p *Proc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the process exits or ctx is done.
func (p *Proc) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates gracefully: SIGTERM to the process group so FFmpeg can
// flush and close its output, escalating to SIGKILL after grace. Safe to
// call more than once and after exit.
func (p *Proc) Stop(grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	p.stopping = true
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}
	select {
	case <-p.done:
		return p.Err()
	default:
	}

	waitCh := make(chan error, 1)
	go func() {
		<-p.done
		waitCh <- p.Err()
	}()
	return procgroup.Terminate(cmd, waitCh, grace)
}

// LastLogLines returns up to n recent stderr lines, oldest first.
func (p *Proc) LastLogLines(n int) []string { return p.ring.LastN(n) }

// StartedAt reports when the process was launched.
func (p *Proc) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// progressKeys are the fields FFmpeg emits on -progress pipe:2. They share
// the stderr stream with log output and must not pollute the ring.
var progressKeys = map[string]bool{
	"frame":       true,
	"fps":         true,
	"bitrate":     true,
	"total_size":  true,
	"out_time_us": true,
	"out_time_ms": true,
	"out_time":    true,
	"dup_frames":  true,
	"drop_frames": true,
	"speed":       true,
	"progress":    true,
}

func progressField(line string) (key, val string, ok bool) {
	k, v, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	if progressKeys[k] || strings.HasPrefix(k, "stream_") {
		return k, strings.TrimSpace(v), true
	}
	return "", "", false
}

// progressIndicatesOutput reports whether a progress field proves frames
// reached the muxer. out_time_ms is microseconds despite its name, which
// does not matter for a nonzero check.
func progressIndicatesOutput(key, val string) bool {
	switch key {
	case "frame", "total_size", "out_time_us", "out_time_ms":
		n, err := strconv.ParseInt(val, 10, 64)
		return err == nil && n > 0
	}
	return false
}
