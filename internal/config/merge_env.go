// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "time"

// Merge method names accepted by MERGE_METHOD / merge.method.
const (
	MergeSideBySide   = "side_by_side"
	MergeFeatherBlend = "feather_blend"
	MergeStitch       = "stitch"
)

// Logo corner names accepted by postproc.logos[].corner.
const (
	CornerTopLeft     = "tl"
	CornerTopRight    = "tr"
	CornerBottomLeft  = "bl"
	CornerBottomRight = "br"
)

// mergeEnvConfig applies environment variables on top of cfg. Environment
// has the highest precedence; every key read is recorded in ConsumedEnvKeys.
func (l *Loader) mergeEnvConfig(cfg *Config) {
	cfg.WorkspaceRoot = l.envString("WORKSPACE_ROOT", cfg.WorkspaceRoot)
	cfg.CachePath = l.envString("BOOKING_CACHE_PATH", cfg.CachePath)
	cfg.Timezone = l.envString("TIMEZONE_NAME", cfg.Timezone)
	cfg.PollInterval = l.envDuration("POLL_INTERVAL_SECS", cfg.PollInterval)
	cfg.OpsListen = l.envString("OPS_LISTEN", cfg.OpsListen)

	cfg.FFmpegBin = l.envString("FFMPEG_BIN", cfg.FFmpegBin)
	cfg.FFprobeBin = l.envString("FFPROBE_BIN", cfg.FFprobeBin)

	cfg.Cameras.Camera0 = l.envString("CAMERA_0_ID", cfg.Cameras.Camera0)
	cfg.Cameras.Camera1 = l.envString("CAMERA_1_ID", cfg.Cameras.Camera1)
	cfg.Cameras.Resolution = l.envString("RESOLUTION", cfg.Cameras.Resolution)
	cfg.Cameras.Framerate = l.envInt("FRAMERATE", cfg.Cameras.Framerate)
	cfg.Cameras.Bitrate = l.envString("BITRATE", cfg.Cameras.Bitrate)

	cfg.Capture.MinBytes = l.envInt64("MIN_BYTES", cfg.Capture.MinBytes)
	cfg.Capture.Grace = l.envDuration("GRACE_SECS", cfg.Capture.Grace)

	cfg.Merge.Method = l.envString("MERGE_METHOD", cfg.Merge.Method)
	cfg.Merge.RotateDegrees = l.envInt("ROTATE_DEGREES", cfg.Merge.RotateDegrees)
	cfg.Merge.OverlapPixels = l.envInt("OVERLAP_PIXELS", cfg.Merge.OverlapPixels)
	cfg.Merge.CalibrationPath = l.envString("CALIBRATION_PATH", cfg.Merge.CalibrationPath)

	cfg.Retry.Max = l.envInt("RETRY_MAX", cfg.Retry.Max)
	cfg.Retry.Backoff = l.envDuration("RETRY_BACKOFF_SECS", cfg.Retry.Backoff)

	cfg.ObjectStore.Bucket = l.envString("OBJECT_STORE_BUCKET", cfg.ObjectStore.Bucket)
	cfg.ObjectStore.Prefix = l.envString("OBJECT_STORE_PREFIX", cfg.ObjectStore.Prefix)
	cfg.ObjectStore.Region = l.envString("OBJECT_STORE_REGION", cfg.ObjectStore.Region)
	cfg.ObjectStore.Endpoint = l.envString("OBJECT_STORE_ENDPOINT", cfg.ObjectStore.Endpoint)
	cfg.ObjectStore.AccessKey = l.envString("OBJECT_STORE_CREDS_ACCESS_KEY", cfg.ObjectStore.AccessKey)
	cfg.ObjectStore.SecretKey = l.envString("OBJECT_STORE_CREDS_SECRET_KEY", cfg.ObjectStore.SecretKey)
	cfg.ObjectStore.MultipartThreshold = l.envInt64("MULTIPART_THRESHOLD_BYTES", cfg.ObjectStore.MultipartThreshold)
	cfg.ObjectStore.UploadTimeout = l.envDuration("UPLOAD_TIMEOUT_SECS", cfg.ObjectStore.UploadTimeout)

	cfg.BookingStore.URL = l.envString("BOOKING_STORE_URL", cfg.BookingStore.URL)
	cfg.BookingStore.Key = l.envString("BOOKING_STORE_KEY", cfg.BookingStore.Key)

	cfg.Postproc.Workers = l.envInt("POSTPROC_WORKERS", cfg.Postproc.Workers)
	cfg.Postproc.ScanInterval = l.envDuration("SCAN_INTERVAL_SECS", cfg.Postproc.ScanInterval)
	cfg.Postproc.IntroPath = l.envString("INTRO_PATH", cfg.Postproc.IntroPath)

	cfg.Retention.Days = l.envInt("RETENTION_DAYS", cfg.Retention.Days)
	cfg.Retention.Schedule = l.envString("RETENTION_SCHEDULE", cfg.Retention.Schedule)

	cfg.Sync.Enabled = l.envBool("SYNC_ENABLED", cfg.Sync.Enabled)
	cfg.Sync.Schedule = l.envString("SYNC_SCHEDULE", cfg.Sync.Schedule)

	cfg.Disk.MinFreeGB = l.envFloat("MIN_FREE_GB", cfg.Disk.MinFreeGB)

	cfg.Log.Level = l.envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = l.envString("LOG_FORMAT", cfg.Log.Format)

	cfg.Telemetry.Enabled = l.envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = l.envString("OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = l.envString("OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Environment = l.envString("OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.SamplingRate = l.envFloat("OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}

// mergeFileConfig applies fields present in the YAML file on top of defaults.
func mergeFileConfig(cfg *Config, f *FileConfig) error {
	if f == nil {
		return nil
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v, field string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &FieldError{Field: field, Err: err}
		}
		*dst = d
		return nil
	}

	setString(&cfg.WorkspaceRoot, f.WorkspaceRoot)
	setString(&cfg.CachePath, f.CachePath)
	setString(&cfg.Timezone, f.Timezone)
	if err := setDuration(&cfg.PollInterval, f.PollInterval, "pollInterval"); err != nil {
		return err
	}
	setString(&cfg.OpsListen, f.OpsListen)
	setString(&cfg.FFmpegBin, f.FFmpegBin)
	setString(&cfg.FFprobeBin, f.FFprobeBin)

	if c := f.Cameras; c != nil {
		setString(&cfg.Cameras.Camera0, c.Camera0)
		setString(&cfg.Cameras.Camera1, c.Camera1)
		setString(&cfg.Cameras.Resolution, c.Resolution)
		if c.Framerate != 0 {
			cfg.Cameras.Framerate = c.Framerate
		}
		setString(&cfg.Cameras.Bitrate, c.Bitrate)
	}
	if c := f.Capture; c != nil {
		if c.MinBytes != 0 {
			cfg.Capture.MinBytes = c.MinBytes
		}
		if err := setDuration(&cfg.Capture.Grace, c.Grace, "capture.grace"); err != nil {
			return err
		}
	}
	if m := f.Merge; m != nil {
		setString(&cfg.Merge.Method, m.Method)
		if m.RotateDegrees != nil {
			cfg.Merge.RotateDegrees = *m.RotateDegrees
		}
		if m.OverlapPixels != 0 {
			cfg.Merge.OverlapPixels = m.OverlapPixels
		}
		setString(&cfg.Merge.CalibrationPath, m.CalibrationPath)
	}
	if r := f.Retry; r != nil {
		if r.Max != nil {
			cfg.Retry.Max = *r.Max
		}
		if err := setDuration(&cfg.Retry.Backoff, r.Backoff, "retry.backoff"); err != nil {
			return err
		}
	}
	if o := f.ObjectStore; o != nil {
		setString(&cfg.ObjectStore.Bucket, o.Bucket)
		setString(&cfg.ObjectStore.Prefix, o.Prefix)
		setString(&cfg.ObjectStore.Region, o.Region)
		setString(&cfg.ObjectStore.Endpoint, o.Endpoint)
		if o.MultipartThreshold != 0 {
			cfg.ObjectStore.MultipartThreshold = o.MultipartThreshold
		}
		if err := setDuration(&cfg.ObjectStore.UploadTimeout, o.UploadTimeout, "objectStore.uploadTimeout"); err != nil {
			return err
		}
	}
	if b := f.BookingStore; b != nil {
		setString(&cfg.BookingStore.URL, b.URL)
		setString(&cfg.BookingStore.Key, b.Key)
	}
	if p := f.Postproc; p != nil {
		if p.Workers != 0 {
			cfg.Postproc.Workers = p.Workers
		}
		if err := setDuration(&cfg.Postproc.ScanInterval, p.ScanInterval, "postproc.scanInterval"); err != nil {
			return err
		}
		setString(&cfg.Postproc.IntroPath, p.IntroPath)
		if len(p.Logos) > 0 {
			cfg.Postproc.Logos = p.Logos
		}
	}
	if r := f.Retention; r != nil {
		if r.Days != nil {
			cfg.Retention.Days = *r.Days
		}
		setString(&cfg.Retention.Schedule, r.Schedule)
	}
	if s := f.Sync; s != nil {
		if s.Enabled != nil {
			cfg.Sync.Enabled = *s.Enabled
		}
		setString(&cfg.Sync.Schedule, s.Schedule)
	}
	if d := f.Disk; d != nil {
		if d.MinFreeGB != nil {
			cfg.Disk.MinFreeGB = *d.MinFreeGB
		}
	}
	if lg := f.Log; lg != nil {
		setString(&cfg.Log.Level, lg.Level)
		setString(&cfg.Log.Format, lg.Format)
	}
	if t := f.Telemetry; t != nil {
		if t.Enabled != nil {
			cfg.Telemetry.Enabled = *t.Enabled
		}
		setString(&cfg.Telemetry.ExporterType, t.ExporterType)
		setString(&cfg.Telemetry.Endpoint, t.Endpoint)
		setString(&cfg.Telemetry.Environment, t.Environment)
		if t.SamplingRate != nil {
			cfg.Telemetry.SamplingRate = *t.SamplingRate
		}
	}
	return nil
}

// FieldError reports an invalid value for a single config file field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return "invalid value for " + e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error { return e.Err }
