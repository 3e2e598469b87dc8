// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ManuGH/panorec/internal/validate"
	"github.com/robfig/cron/v3"
)

var resolutionRe = regexp.MustCompile(`^\d{2,5}x\d{2,5}$`)

// Validate validates a Config using the centralized validation package.
// All violations are collected and returned as one error.
func Validate(cfg Config) error {
	v := validate.New()

	v.Directory("WorkspaceRoot", cfg.WorkspaceRoot, false)
	v.NotEmpty("CachePath", cfg.CachePath)

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		v.AddError("Timezone", fmt.Sprintf("unknown timezone: %v", err), cfg.Timezone)
	}

	if cfg.PollInterval < time.Second {
		v.AddError("PollInterval", "must be at least 1s", cfg.PollInterval.String())
	}

	v.NotEmpty("FFmpegBin", cfg.FFmpegBin)
	v.NotEmpty("Cameras.Camera0", cfg.Cameras.Camera0)
	v.NotEmpty("Cameras.Camera1", cfg.Cameras.Camera1)
	if cfg.Cameras.Camera0 == cfg.Cameras.Camera1 {
		v.AddError("Cameras", "camera0 and camera1 must be distinct devices", cfg.Cameras.Camera0)
	}
	if !resolutionRe.MatchString(cfg.Cameras.Resolution) {
		v.AddError("Cameras.Resolution", "must be WxH, e.g. 1920x1080", cfg.Cameras.Resolution)
	}
	v.Range("Cameras.Framerate", cfg.Cameras.Framerate, 1, 240)
	v.NotEmpty("Cameras.Bitrate", cfg.Cameras.Bitrate)

	v.Positive("Capture.MinBytes", int(cfg.Capture.MinBytes))
	if cfg.Capture.Grace < time.Second {
		v.AddError("Capture.Grace", "must be at least 1s", cfg.Capture.Grace.String())
	}

	v.OneOf("Merge.Method", cfg.Merge.Method, []string{MergeSideBySide, MergeFeatherBlend, MergeStitch})
	switch cfg.Merge.RotateDegrees {
	case 0, 90, 180, 270:
	default:
		v.AddError("Merge.RotateDegrees", "must be one of 0, 90, 180, 270", cfg.Merge.RotateDegrees)
	}
	if cfg.Merge.Method != MergeSideBySide {
		v.Range("Merge.OverlapPixels", cfg.Merge.OverlapPixels, 1, 4096)
	}

	v.Range("Retry.Max", cfg.Retry.Max, 0, 10)
	if cfg.Retry.Backoff < 100*time.Millisecond {
		v.AddError("Retry.Backoff", "must be at least 100ms", cfg.Retry.Backoff.String())
	}

	if cfg.ObjectStore.Bucket != "" {
		v.NotEmpty("ObjectStore.Region", cfg.ObjectStore.Region)
		v.NotEmpty("ObjectStore.Prefix", cfg.ObjectStore.Prefix)
		// S3 rejects multipart parts below 5 MiB.
		if cfg.ObjectStore.MultipartThreshold < 5*1024*1024 {
			v.AddError("ObjectStore.MultipartThreshold", "must be at least 5 MiB", cfg.ObjectStore.MultipartThreshold)
		}
		if cfg.ObjectStore.UploadTimeout < time.Second {
			v.AddError("ObjectStore.UploadTimeout", "must be at least 1s", cfg.ObjectStore.UploadTimeout.String())
		}
	}
	if (cfg.ObjectStore.AccessKey == "") != (cfg.ObjectStore.SecretKey == "") {
		v.AddError("ObjectStore", "access key and secret key must be set together", "")
	}

	if cfg.BookingStore.URL != "" {
		v.URL("BookingStore.URL", cfg.BookingStore.URL, []string{"http", "https"})
	}
	if cfg.Sync.Enabled && cfg.BookingStore.URL == "" {
		v.AddError("Sync.Enabled", "booking sync requires BookingStore.URL", "")
	}

	v.Positive("Postproc.Workers", cfg.Postproc.Workers)
	if cfg.Postproc.ScanInterval < time.Second {
		v.AddError("Postproc.ScanInterval", "must be at least 1s", cfg.Postproc.ScanInterval.String())
	}
	validateLogos(v, cfg.Postproc.Logos)

	v.Positive("Retention.Days", cfg.Retention.Days)
	validateCron(v, "Retention.Schedule", cfg.Retention.Schedule)
	if cfg.Sync.Enabled {
		validateCron(v, "Sync.Schedule", cfg.Sync.Schedule)
	}

	if cfg.Disk.MinFreeGB < 0 {
		v.AddError("Disk.MinFreeGB", "cannot be negative", cfg.Disk.MinFreeGB)
	}

	if _, err := validate.ParseLogLevel(cfg.Log.Level); err != nil {
		v.AddError("Log.Level", err.Error(), cfg.Log.Level)
	}
	v.OneOf("Log.Format", cfg.Log.Format, []string{"json", "console"})

	if cfg.Telemetry.Enabled {
		v.OneOf("Telemetry.ExporterType", cfg.Telemetry.ExporterType, []string{"grpc", "http"})
		v.NotEmpty("Telemetry.Endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("Telemetry.SamplingRate", "must be in [0.0, 1.0]", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}

func validateLogos(v *validate.Validator, logos []LogoOverlay) {
	if len(logos) == 0 {
		return
	}
	corners := []string{CornerTopLeft, CornerTopRight, CornerBottomLeft, CornerBottomRight}
	hasMain := false
	seen := map[string]struct{}{}
	for i, logo := range logos {
		field := fmt.Sprintf("Postproc.Logos[%d]", i)
		v.NotEmpty(field+".Name", logo.Name)
		v.NotEmpty(field+".Path", logo.Path)
		v.OneOf(field+".Corner", logo.Corner, corners)
		v.Positive(field+".Width", logo.Width)
		v.Positive(field+".Height", logo.Height)
		if logo.Opacity < 0 || logo.Opacity > 1 {
			v.AddError(field+".Opacity", "must be in [0.0, 1.0]", logo.Opacity)
		}
		if _, dup := seen[logo.Name]; dup {
			v.AddError(field+".Name", "duplicate logo name", logo.Name)
		}
		seen[logo.Name] = struct{}{}
		if logo.Name == "main" {
			hasMain = true
		}
	}
	if !hasMain {
		v.AddError("Postproc.Logos", `a logo named "main" is mandatory when overlays are configured`, "")
	}
}

func validateCron(v *validate.Validator, field, expr string) {
	if expr == "" {
		v.AddError(field, "cron schedule cannot be empty", expr)
		return
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		v.AddError(field, fmt.Sprintf("invalid cron expression: %v", err), expr)
	}
}
