// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package merge combines the two camera files of a recording into one
// panoramic video. Three methods are supported, from dumb to calibrated:
// side_by_side (hstack), feather_blend (alpha-ramped overlap) and stitch
// (homography warp + feather). Methods retry with backoff, then fall back
// along stitch -> feather_blend -> side_by_side. The engine leaves either
// a .merged or a .merge_error marker next to its output.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/panorec/internal/ffmpeg"
	"github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/marker"
	"github.com/ManuGH/panorec/internal/telemetry"
)

var (
	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_merges_total",
		Help: "Merge attempts by method and outcome",
	}, []string{"method", "outcome"})

	mergeFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_merge_fallbacks_total",
		Help: "Method fallbacks taken by the merge engine",
	}, []string{"from", "to"})

	mergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "panorec_merge_duration_seconds",
		Help:    "Wall time of successful merges",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// Method names a merge strategy.
type Method string

const (
	MethodSideBySide   Method = "side_by_side"
	MethodFeatherBlend Method = "feather_blend"
	MethodStitch       Method = "stitch"
)

// ParseMethod validates a configured method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodSideBySide, MethodFeatherBlend, MethodStitch:
		return Method(s), nil
	case "":
		return MethodSideBySide, nil
	default:
		return "", fmt.Errorf("unknown merge method %q (want side_by_side, feather_blend or stitch)", s)
	}
}

// fallbackChain lists the methods to try, most capable first.
func fallbackChain(m Method) []Method {
	switch m {
	case MethodStitch:
		return []Method{MethodStitch, MethodFeatherBlend, MethodSideBySide}
	case MethodFeatherBlend:
		return []Method{MethodFeatherBlend, MethodSideBySide}
	default:
		return []Method{MethodSideBySide}
	}
}

// Options carry the geometry knobs from configuration.
type Options struct {
	RotateDegrees   int
	OverlapPixels   int
	CalibrationPath string
}

// Request names one merge job. Out is the final merged path; the engine
// writes Out+".tmp" and renames.
type Request struct {
	Left    string
	Right   string
	Out     string
	Method  Method
	Options Options
}

// Result records what actually ran.
type Result struct {
	MethodUsed      Method
	FallbackReason  string
	Attempts        int
	TruncatedCamera int // -1 when both inputs cover the session
	DurationSecs    float64
	Width           int
	Height          int
	Bytes           int64
}

// Engine executes merge jobs. Zero value is not usable; construct with
// NewEngine.
type Engine struct {
	ffmpegBin  string
	ffprobeBin string
	retryMax   int
	backoff    time.Duration
	tracer     trace.Tracer
}

// NewEngine returns an engine with the given binaries and retry policy.
func NewEngine(ffmpegBin, ffprobeBin string, retryMax int, backoff time.Duration) *Engine {
	if retryMax <= 0 {
		retryMax = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Engine{
		ffmpegBin:  ffmpegBin,
		ffprobeBin: ffprobeBin,
		retryMax:   retryMax,
		backoff:    backoff,
		tracer:     otel.Tracer("panorec/merge"),
	}
}

// Merge runs the job to completion, including retries, fallbacks, output
// validation and the .merged / .merge_error marker.
func (e *Engine) Merge(ctx context.Context, req Request) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "merge.run")
	defer span.End()

	logger := log.WithComponentFromContext(ctx, "merge")
	res := Result{TruncatedCamera: -1}
	dir := filepath.Dir(req.Out)
	began := time.Now()

	left, err := ffmpeg.Probe(ctx, e.ffprobeBin, req.Left)
	if err != nil {
		return e.fail(ctx, dir, res, fmt.Errorf("left input: %w", err))
	}
	right, err := ffmpeg.Probe(ctx, e.ffprobeBin, req.Right)
	if err != nil {
		return e.fail(ctx, dir, res, fmt.Errorf("right input: %w", err))
	}
	if left.DurationSecs <= 0 || right.DurationSecs <= 0 {
		return e.fail(ctx, dir, res, errors.New("input with zero duration"))
	}

	expected := left.DurationSecs
	if right.DurationSecs < expected {
		expected = right.DurationSecs
	}

	method := req.Method
	if method == "" {
		method = MethodSideBySide
	}

	// A camera that died early leaves a much shorter file. The merge is
	// truncated to the shorter duration and degrades to a plain hstack;
	// blending against a frozen frame looks worse than a clean cut.
	if right.DurationSecs < 0.9*left.DurationSecs {
		res.TruncatedCamera = 1
	} else if left.DurationSecs < 0.9*right.DurationSecs {
		res.TruncatedCamera = 0
	}
	if res.TruncatedCamera >= 0 && method != MethodSideBySide {
		res.FallbackReason = fmt.Sprintf("camera%d_truncated", res.TruncatedCamera)
		mergeFallbacks.WithLabelValues(string(method), string(MethodSideBySide)).Inc()
		logger.Warn().
			Str("from", string(method)).
			Int("truncated_camera", res.TruncatedCamera).
			Float64("left_secs", left.DurationSecs).
			Float64("right_secs", right.DurationSecs).
			Msg("input truncated, degrading to side_by_side")
		method = MethodSideBySide
	}

	g, err := resolveGeometry(
		dims{left.Width, left.Height},
		dims{right.Width, right.Height},
		req.Options.RotateDegrees,
		req.Options.OverlapPixels,
	)
	if err != nil {
		return e.fail(ctx, dir, res, err)
	}

	chain := fallbackChain(method)

	var corners [4][2]float64
	if chain[0] == MethodStitch {
		cal, calErr := LoadCalibration(req.Options.CalibrationPath)
		if calErr == nil {
			calErr = cal.Validate(g.rightW, g.height, g.canvasWidth(), g.height)
		}
		if calErr != nil {
			reason := "calibration_invalid"
			if errors.Is(calErr, ErrCalibrationMissing) {
				reason = "calibration_missing"
			}
			res.FallbackReason = reason
			mergeFallbacks.WithLabelValues(string(MethodStitch), string(MethodFeatherBlend)).Inc()
			logger.Warn().Err(calErr).Msg("stitch disabled, falling back to feather_blend")
			chain = fallbackChain(MethodFeatherBlend)
		} else {
			corners, _ = cal.Corners(g.rightW, g.height)
		}
	}

	var lastErr error
	for mi, m := range chain {
		if mi > 0 {
			mergeFallbacks.WithLabelValues(string(chain[mi-1]), string(m)).Inc()
			if res.FallbackReason == "" {
				res.FallbackReason = string(chain[mi-1]) + "_failed"
			}
		}

		var graph string
		switch m {
		case MethodStitch:
			graph = stitchGraph(g, corners)
		case MethodFeatherBlend:
			graph = featherBlendGraph(g)
		default:
			graph = sideBySideGraph(g)
		}

		for attempt := 1; attempt <= e.retryMax; attempt++ {
			res.Attempts++
			span.SetAttributes(telemetry.MergeAttributes(string(m), res.FallbackReason, res.Attempts)...)

			err := e.attempt(ctx, req, graph, expected)
			if err == nil {
				out, probeErr := ffmpeg.Probe(ctx, e.ffprobeBin, req.Out)
				if probeErr == nil {
					res.DurationSecs = out.DurationSecs
					res.Width = out.Width
					res.Height = out.Height
					res.Bytes = out.SizeBytes
				}
				res.MethodUsed = m
				mergesTotal.WithLabelValues(string(m), "ok").Inc()
				mergeDuration.Observe(time.Since(began).Seconds())
				// A retry cycle may have left a .merge_error behind; it is
				// mutually exclusive with .merged.
				if err := marker.Remove(dir, marker.MergeError); err != nil {
					return res, fmt.Errorf("clear merge_error marker: %w", err)
				}
				if err := marker.Create(dir, marker.Merged); err != nil && !errors.Is(err, marker.ErrExists) {
					return res, fmt.Errorf("write merged marker: %w", err)
				}
				logger.Info().
					Str("method", string(m)).
					Int("attempts", res.Attempts).
					Float64("duration_secs", res.DurationSecs).
					Msg("merge complete")
				return res, nil
			}

			lastErr = err
			mergesTotal.WithLabelValues(string(m), "error").Inc()
			logger.Warn().Err(err).
				Str("method", string(m)).
				Int("attempt", attempt).
				Msg("merge attempt failed")

			if ctx.Err() != nil {
				return e.fail(ctx, dir, res, lastErr)
			}
			if attempt < e.retryMax {
				select {
				case <-time.After(e.backoff << (attempt - 1)):
				case <-ctx.Done():
					return e.fail(ctx, dir, res, lastErr)
				}
			}
		}
	}
	return e.fail(ctx, dir, res, lastErr)
}

// attempt runs one FFmpeg invocation and validates its output before the
// atomic rename. Validation failure removes the tmp file and counts as the
// attempt's failure.
func (e *Engine) attempt(ctx context.Context, req Request, graph string, expected float64) error {
	tmp := req.Out + ".tmp"
	args := buildMergeArgs(req.Left, req.Right, tmp, graph, expected)

	actx, cancel := context.WithTimeout(ctx, attemptTimeout(expected))
	defer cancel()
	if err := ffmpeg.Run(actx, e.ffmpegBin, "merge", args); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	probe, err := ffmpeg.Probe(ctx, e.ffprobeBin, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("validate: %w", err)
	}
	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(tmp)
		return errors.New("validate: empty output")
	}
	if probe.DurationSecs < 0.9*expected {
		_ = os.Remove(tmp)
		return fmt.Errorf("validate: duration %.2fs below 0.9 of expected %.2fs", probe.DurationSecs, expected)
	}
	if probe.Width <= 0 || probe.Height <= 0 {
		_ = os.Remove(tmp)
		return errors.New("validate: no usable video dimensions")
	}

	if err := os.Rename(tmp, req.Out); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// attemptTimeout bounds one merge attempt relative to the footage length.
func attemptTimeout(expectedSecs float64) time.Duration {
	d := time.Duration(2 * expectedSecs * float64(time.Second))
	if d < 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func (e *Engine) fail(ctx context.Context, dir string, res Result, err error) (Result, error) {
	_ = marker.Write(dir, marker.MergeError, marker.Failure{
		Reason: err.Error(),
		At:     time.Now().UTC(),
	})
	logger := log.WithComponentFromContext(ctx, "merge")
	logger.Error().
		Err(err).
		Int("attempts", res.Attempts).
		Msg("merge failed")
	return res, err
}
