// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package capture drives the two camera encoders of a recording session.
// The driver owns device acquisition, the start-skew gate between the two
// encoders, transient encoder restarts and the part-file promotion rules
// that guarantee a stopped session never leaves unflushed garbage behind.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/panorec/internal/ffmpeg"
	"github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/telemetry"
)

var (
	// ErrBusy is returned when a session is already active.
	ErrBusy = errors.New("capture driver busy")
	// ErrDeviceUnavailable is returned when a camera cannot be reached.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_capture_sessions_total",
		Help: "Capture sessions by outcome",
	}, []string{"outcome"})

	startSkew = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "panorec_capture_start_skew_seconds",
		Help:    "Observed start skew between the two encoders",
		Buckets: []float64{.005, .01, .025, .05, .075, .1, .25, .5, 1},
	})

	deviceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "panorec_device_state",
		Help: "Device health (0 absent, 1 acquired, 2 recording, 3 faulted)",
	}, []string{"device"})
)

// HealthState describes one camera device.
type HealthState string

const (
	StateAbsent    HealthState = "absent"
	StateAcquired  HealthState = "acquired"
	StateRecording HealthState = "recording"
	StateFaulted   HealthState = "faulted"
)

func stateCode(s HealthState) int {
	switch s {
	case StateAcquired:
		return 1
	case StateRecording:
		return 2
	case StateFaulted:
		return 3
	default:
		return 0
	}
}

// DeviceHealth is one entry of a Health snapshot.
type DeviceHealth struct {
	Device   int
	Selector string
	State    HealthState
	LastErr  error
}

// Config carries the camera and encoder settings for the driver.
type Config struct {
	FFmpegBin string
	Camera0   string // device selector, see ResolveSelector
	Camera1   string
	Width     int
	Height    int
	FrameRate int
	Bitrate   string

	MinBytes     int64         // usable-file threshold
	StopGrace    time.Duration // per-encoder SIGTERM grace at stop
	StartTimeout time.Duration // ceiling for reaching steady state
	MaxSkew      time.Duration // start-skew gate between the encoders
	RetryMax     int           // transient restarts per encoder per session
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinBytes <= 0 {
		c.MinBytes = 65536
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 500 * time.Millisecond
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.MaxSkew <= 0 {
		c.MaxSkew = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
}

// SessionSpec names one recording session.
type SessionSpec struct {
	BookingID string
	SessionID string
	Duration  time.Duration
	OutPaths  [2]string // final per-camera file paths
}

// FileResult reports one camera file after StopSession. Missing means no
// usable footage survived for that device.
type FileResult struct {
	Path    string
	Bytes   int64
	Missing bool
}

// Result summarizes a finished session.
type Result struct {
	BookingID   string
	SessionID   string
	ActualStart time.Time
	ActualEnd   time.Time
	StartSkew   time.Duration
	Files       [2]FileResult
}

// UsableCount reports how many camera files survived.
func (r Result) UsableCount() int {
	n := 0
	for _, f := range r.Files {
		if !f.Missing {
			n++
		}
	}
	return n
}

type session struct {
	spec      SessionSpec
	ctx       context.Context
	cancel    context.CancelFunc
	encs      [2]*encoder
	startedAt time.Time
	steady    [2]time.Time
	skew      time.Duration
	stopFlag  atomic.Bool
	wg        sync.WaitGroup
}

func (s *session) remaining() time.Duration {
	return s.spec.Duration - time.Since(s.startedAt)
}

// Driver manages at most one active dual-camera session.
type Driver struct {
	cfg    Config
	tracer trace.Tracer

	mu      sync.Mutex
	session *session
	encs    [2]*encoder // persists across sessions to keep health sticky
}

// NewDriver validates selectors lazily; construction never touches devices.
func NewDriver(cfg Config) *Driver {
	cfg.applyDefaults()
	d := &Driver{
		cfg:    cfg,
		tracer: otel.Tracer("panorec/capture"),
	}
	for i, sel := range [2]string{cfg.Camera0, cfg.Camera1} {
		d.encs[i] = &encoder{idx: i, bin: cfg.FFmpegBin, input: ffmpeg.InputSpec{Source: sel}, state: StateAbsent}
		deviceState.WithLabelValues(fmt.Sprintf("%d", i)).Set(0)
	}
	return d
}

// StartSession resolves and reserves both devices, launches both encoders
// back-to-back and returns once both have reached steady state within the
// skew gate. A busy driver returns ErrBusy; an unreachable device returns
// ErrDeviceUnavailable without touching the other camera.
func (d *Driver) StartSession(ctx context.Context, spec SessionSpec) error {
	if spec.BookingID == "" {
		return fmt.Errorf("start session: empty booking id")
	}
	if spec.Duration <= 0 {
		return fmt.Errorf("start session: non-positive duration")
	}
	if spec.OutPaths[0] == "" || spec.OutPaths[1] == "" {
		return fmt.Errorf("start session: both output paths required")
	}

	ctx, span := d.tracer.Start(ctx, "capture.start_session")
	defer span.End()
	span.SetAttributes(telemetry.BookingAttributes(spec.BookingID, "", "")...)

	d.mu.Lock()
	if d.session != nil {
		d.mu.Unlock()
		return ErrBusy
	}

	selectors := [2]string{d.cfg.Camera0, d.cfg.Camera1}
	var inputs [2]ffmpeg.InputSpec
	for i, sel := range selectors {
		in, err := ResolveSelector(sel, d.cfg.FrameRate, d.cfg.Width, d.cfg.Height)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("camera %d: %w", i, err)
		}
		if err := probeInput(in); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("camera %d: %w", i, err)
		}
		inputs[i] = in
	}

	enc := ffmpeg.EncodeSpec{Bitrate: d.cfg.Bitrate}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{spec: spec, ctx: sctx, cancel: cancel}
	for i := range s.encs {
		e := d.encs[i]
		e.mu.Lock()
		e.input = inputs[i]
		e.enc = enc
		e.finalPath = spec.OutPaths[i]
		e.parts = nil
		e.proc = nil
		e.lastErr = nil
		e.mu.Unlock()
		e.setState(StateAcquired)
		s.encs[i] = e
	}

	// Hold the slot while starting so a concurrent caller sees ErrBusy.
	d.session = s
	d.mu.Unlock()

	if err := d.startWithSkewGate(ctx, s); err != nil {
		cancel()
		d.mu.Lock()
		d.session = nil
		d.mu.Unlock()
		for _, e := range s.encs {
			if e.getState() != StateFaulted {
				e.setState(StateAbsent)
			}
		}
		sessionsTotal.WithLabelValues("start_failed").Inc()
		return err
	}

	for i := range s.encs {
		s.encs[i].setState(StateRecording)
		s.wg.Add(1)
		go d.monitor(s, s.encs[i])
	}

	logger := log.WithComponentFromContext(ctx, "capture")
	logger.Info().
		Str(log.FieldBookingID, spec.BookingID).
		Str(log.FieldSessionID, spec.SessionID).
		Dur("skew", s.skew).
		Msg("capture session steady")
	return nil
}

// startWithSkewGate launches both encoders and enforces the skew ceiling,
// with one in-session retry before surfacing failure.
func (d *Driver) startWithSkewGate(ctx context.Context, s *session) error {
	logger := log.WithComponentFromContext(ctx, "capture")

	for attempt := 0; ; attempt++ {
		err := d.launchBoth(s)
		if err == nil {
			skew := s.steady[0].Sub(s.steady[1])
			if skew < 0 {
				skew = -skew
			}
			s.skew = skew
			startSkew.Observe(skew.Seconds())
			if skew <= d.cfg.MaxSkew {
				if s.steady[0].Before(s.steady[1]) {
					s.startedAt = s.steady[0]
				} else {
					s.startedAt = s.steady[1]
				}
				return nil
			}
			err = fmt.Errorf("start skew %s exceeds %s", skew, d.cfg.MaxSkew)
		}

		for _, e := range s.encs {
			e.stop(d.cfg.StopGrace)
			e.discardParts()
		}
		if attempt >= 1 {
			return err
		}
		logger.Warn().Err(err).Msg("session start attempt failed, retrying once")
	}
}

// launchBoth starts the two encoders back-to-back and waits for both steady
// signals. An encoder exiting before steady is reported as an unavailable
// device together with its stderr tail.
func (d *Driver) launchBoth(s *session) error {
	for i, e := range s.encs {
		if err := e.launch(s.ctx, s.spec.Duration); err != nil {
			e.setState(StateFaulted)
			e.recordFailure(err)
			return fmt.Errorf("camera %d: %w: %v", i, ErrDeviceUnavailable, err)
		}
	}

	deadline := time.Now().Add(d.cfg.StartTimeout)
	for i, e := range s.encs {
		proc := e.currentProc()
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-proc.Steady():
			timer.Stop()
			s.steady[i], _ = proc.SteadyAt()
		case <-proc.Done():
			timer.Stop()
			e.setState(StateFaulted)
			e.recordFailure(proc.Err())
			return fmt.Errorf("camera %d: %w: encoder exited before steady state: %v (%v)",
				i, ErrDeviceUnavailable, proc.Err(), proc.LastLogLines(4))
		case <-timer.C:
			e.setState(StateFaulted)
			return fmt.Errorf("camera %d: %w: no steady state within %s",
				i, ErrDeviceUnavailable, d.cfg.StartTimeout)
		}
	}
	return nil
}

// monitor restarts an encoder that dies mid-session, covering the time left
// on the session clock, until the retry budget is exhausted. One faulted
// device does not end the session; the survivor keeps recording.
func (d *Driver) monitor(s *session, e *encoder) {
	defer s.wg.Done()
	logger := log.WithComponent("capture")

	for attempt := 0; ; attempt++ {
		proc := e.currentProc()
		if proc == nil {
			return
		}
		err := proc.Wait(s.ctx)
		if s.stopFlag.Load() || s.ctx.Err() != nil {
			return
		}
		if err == nil {
			// Ran its full -t duration.
			e.setState(StateAcquired)
			return
		}

		e.recordFailure(err)
		if attempt >= d.cfg.RetryMax {
			logger.Error().Err(err).Int("device", e.idx).Int("restarts", attempt).
				Msg("encoder failed permanently for this session")
			e.setState(StateFaulted)
			return
		}

		delay := d.cfg.RetryBackoff << attempt
		remaining := s.remaining() - delay
		if remaining < 2*time.Second {
			logger.Warn().Int("device", e.idx).Msg("not enough session time left to restart encoder")
			return
		}

		logger.Warn().Err(err).
			Int("device", e.idx).
			Dur("backoff", delay).
			Dur("remaining", remaining).
			Msg("encoder exited mid-session, restarting")

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
		if s.stopFlag.Load() {
			return
		}
		if err := e.launch(s.ctx, remaining); err != nil {
			e.recordFailure(err)
			continue
		}
	}
}

// StopSession gracefully ends the active session: SIGTERM each encoder so
// the muxer can flush, promote usable part files, release the devices.
// Idempotent; a second call returns an empty Result.
func (d *Driver) StopSession(ctx context.Context) (Result, error) {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s == nil {
		return Result{}, nil
	}

	ctx, span := d.tracer.Start(ctx, "capture.stop_session")
	defer span.End()
	span.SetAttributes(telemetry.CaptureAttributes(s.spec.SessionID, "", s.skew.Milliseconds())...)

	s.stopFlag.Store(true)
	for _, e := range s.encs {
		e.stop(d.cfg.StopGrace)
	}
	s.cancel()
	s.wg.Wait()

	res := Result{
		BookingID:   s.spec.BookingID,
		SessionID:   s.spec.SessionID,
		ActualStart: s.startedAt,
		ActualEnd:   time.Now(),
		StartSkew:   s.skew,
	}
	for i, e := range s.encs {
		res.Files[i] = e.finalize(ctx, d.cfg.MinBytes)
		if e.getState() != StateFaulted {
			e.setState(StateAbsent)
		}
	}

	outcome := "empty"
	switch res.UsableCount() {
	case 2:
		outcome = "ok"
	case 1:
		outcome = "partial"
	}
	sessionsTotal.WithLabelValues(outcome).Inc()

	logger := log.WithComponentFromContext(ctx, "capture")
	logger.Info().
		Str(log.FieldBookingID, res.BookingID).
		Str("outcome", outcome).
		Int("usable_files", res.UsableCount()).
		Msg("capture session stopped")
	return res, nil
}

// Health reports both devices. Faulted is sticky until Reset.
func (d *Driver) Health() [2]DeviceHealth {
	selectors := [2]string{d.cfg.Camera0, d.cfg.Camera1}
	var out [2]DeviceHealth
	for i, e := range d.encs {
		e.mu.Lock()
		out[i] = DeviceHealth{Device: i, Selector: selectors[i], State: e.state, LastErr: e.lastErr}
		e.mu.Unlock()
	}
	return out
}

// Reset clears sticky faulted states. Refused while a session is active.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return ErrBusy
	}
	for _, e := range d.encs {
		if e.getState() == StateFaulted {
			e.setState(StateAbsent)
			e.recordFailure(nil)
		}
	}
	return nil
}

// Active reports whether a session is in flight and its booking ID.
func (d *Driver) Active() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return "", false
	}
	return d.session.spec.BookingID, true
}
