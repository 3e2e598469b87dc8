// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config provides configuration management for panorec.
// Precedence: environment > config file > defaults.
package config

import (
	"strconv"
	"strings"
	"time"
)

// Config is the immutable, validated process configuration. It is assembled
// once by Loader.Load and passed to components by value.
type Config struct {
	Version string

	WorkspaceRoot string
	CachePath     string
	Timezone      string
	PollInterval  time.Duration
	OpsListen     string

	FFmpegBin  string
	FFprobeBin string

	Cameras      CameraConfig
	Capture      CaptureConfig
	Merge        MergeConfig
	Retry        RetryConfig
	ObjectStore  ObjectStoreConfig
	BookingStore BookingStoreConfig
	Postproc     PostprocConfig
	Retention    RetentionConfig
	Sync         SyncConfig
	Disk         DiskConfig
	Log          LogConfig
	Telemetry    TelemetryConfig
}

// CameraConfig holds the device selectors and encoder parameters shared by
// both capture devices.
type CameraConfig struct {
	// Camera0 and Camera1 are device selectors: a bare integer index
	// ("0" -> /dev/video0), an absolute device path, or an rtsp:// URL.
	Camera0    string
	Camera1    string
	Resolution string // "WxH", e.g. "1920x1080"
	Framerate  int
	Bitrate    string // FFmpeg bitrate spec, e.g. "6M"
}

// WidthHeight splits the validated "WxH" resolution string. It returns
// zeros for a malformed value, which validation rejects before use.
func (c CameraConfig) WidthHeight() (int, int) {
	w, h, ok := strings.Cut(c.Resolution, "x")
	if !ok {
		return 0, 0
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0
	}
	return width, height
}

// CaptureConfig bounds capture session behaviour.
type CaptureConfig struct {
	// MinBytes is the smallest per-camera file considered usable footage.
	MinBytes int64
	// Grace is the hard ceiling past a booking's end time before encoders
	// are killed.
	Grace time.Duration
}

// MergeConfig selects and parameterises the panoramic merge.
type MergeConfig struct {
	Method          string // side_by_side | feather_blend | stitch
	RotateDegrees   int    // 0, 90, 180, 270
	OverlapPixels   int
	CalibrationPath string
}

// RetryConfig is the shared per-step retry policy.
type RetryConfig struct {
	Max     int
	Backoff time.Duration
}

// ObjectStoreConfig describes the S3-compatible upload target.
type ObjectStoreConfig struct {
	Bucket             string
	Prefix             string
	Region             string
	Endpoint           string // optional custom endpoint (MinIO, R2)
	AccessKey          string
	SecretKey          string
	MultipartThreshold int64
	UploadTimeout      time.Duration
}

// BookingStoreConfig describes the remote booking/metadata store.
type BookingStoreConfig struct {
	URL string
	Key string
}

// LogoOverlay places one branding asset on the final artifact.
type LogoOverlay struct {
	Name    string  `yaml:"name"`
	Path    string  `yaml:"path"`
	Corner  string  `yaml:"corner"` // tl | tr | bl | br
	Width   int     `yaml:"width"`
	Height  int     `yaml:"height"`
	Opacity float64 `yaml:"opacity,omitempty"`
}

// PostprocConfig drives the post-processing worker pool and branding steps.
type PostprocConfig struct {
	Workers      int
	ScanInterval time.Duration
	IntroPath    string
	Logos        []LogoOverlay
}

// RetentionConfig controls local artifact cleanup.
type RetentionConfig struct {
	Days     int
	Schedule string // cron expression
}

// SyncConfig controls the optional remote-to-cache booking sync.
type SyncConfig struct {
	Enabled  bool
	Schedule string // cron expression
}

// DiskConfig guards capture starts against a full disk.
type DiskConfig struct {
	MinFreeGB float64
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string // json | console
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled      bool
	ExporterType string // grpc | http
	Endpoint     string
	Environment  string
	SamplingRate float64
}

// FileConfig mirrors the YAML config file. Zero values mean "not set"; the
// loader only overrides defaults for fields present in the file. Durations
// are Go duration strings (e.g. "5s").
type FileConfig struct {
	WorkspaceRoot string `yaml:"workspaceRoot,omitempty"`
	CachePath     string `yaml:"cachePath,omitempty"`
	Timezone      string `yaml:"timezone,omitempty"`
	PollInterval  string `yaml:"pollInterval,omitempty"`
	OpsListen     string `yaml:"opsListen,omitempty"`

	FFmpegBin  string `yaml:"ffmpegBin,omitempty"`
	FFprobeBin string `yaml:"ffprobeBin,omitempty"`

	Cameras      *CameraFileConfig       `yaml:"cameras,omitempty"`
	Capture      *CaptureFileConfig      `yaml:"capture,omitempty"`
	Merge        *MergeFileConfig        `yaml:"merge,omitempty"`
	Retry        *RetryFileConfig        `yaml:"retry,omitempty"`
	ObjectStore  *ObjectStoreFileConfig  `yaml:"objectStore,omitempty"`
	BookingStore *BookingStoreFileConfig `yaml:"bookingStore,omitempty"`
	Postproc     *PostprocFileConfig     `yaml:"postproc,omitempty"`
	Retention    *RetentionFileConfig    `yaml:"retention,omitempty"`
	Sync         *SyncFileConfig         `yaml:"sync,omitempty"`
	Disk         *DiskFileConfig         `yaml:"disk,omitempty"`
	Log          *LogFileConfig          `yaml:"log,omitempty"`
	Telemetry    *TelemetryFileConfig    `yaml:"telemetry,omitempty"`
}

// CameraFileConfig is the YAML form of CameraConfig.
type CameraFileConfig struct {
	Camera0    string `yaml:"camera0,omitempty"`
	Camera1    string `yaml:"camera1,omitempty"`
	Resolution string `yaml:"resolution,omitempty"`
	Framerate  int    `yaml:"framerate,omitempty"`
	Bitrate    string `yaml:"bitrate,omitempty"`
}

// CaptureFileConfig is the YAML form of CaptureConfig.
type CaptureFileConfig struct {
	MinBytes int64  `yaml:"minBytes,omitempty"`
	Grace    string `yaml:"grace,omitempty"`
}

// MergeFileConfig is the YAML form of MergeConfig.
type MergeFileConfig struct {
	Method          string `yaml:"method,omitempty"`
	RotateDegrees   *int   `yaml:"rotateDegrees,omitempty"`
	OverlapPixels   int    `yaml:"overlapPixels,omitempty"`
	CalibrationPath string `yaml:"calibrationPath,omitempty"`
}

// RetryFileConfig is the YAML form of RetryConfig.
type RetryFileConfig struct {
	Max     *int   `yaml:"max,omitempty"`
	Backoff string `yaml:"backoff,omitempty"`
}

// ObjectStoreFileConfig is the YAML form of ObjectStoreConfig. Credentials
// are environment-only and deliberately have no YAML representation.
type ObjectStoreFileConfig struct {
	Bucket             string `yaml:"bucket,omitempty"`
	Prefix             string `yaml:"prefix,omitempty"`
	Region             string `yaml:"region,omitempty"`
	Endpoint           string `yaml:"endpoint,omitempty"`
	MultipartThreshold int64  `yaml:"multipartThreshold,omitempty"`
	UploadTimeout      string `yaml:"uploadTimeout,omitempty"`
}

// BookingStoreFileConfig is the YAML form of BookingStoreConfig.
type BookingStoreFileConfig struct {
	URL string `yaml:"url,omitempty"`
	Key string `yaml:"key,omitempty"`
}

// PostprocFileConfig is the YAML form of PostprocConfig.
type PostprocFileConfig struct {
	Workers      int           `yaml:"workers,omitempty"`
	ScanInterval string        `yaml:"scanInterval,omitempty"`
	IntroPath    string        `yaml:"introPath,omitempty"`
	Logos        []LogoOverlay `yaml:"logos,omitempty"`
}

// RetentionFileConfig is the YAML form of RetentionConfig.
type RetentionFileConfig struct {
	Days     *int   `yaml:"days,omitempty"`
	Schedule string `yaml:"schedule,omitempty"`
}

// SyncFileConfig is the YAML form of SyncConfig.
type SyncFileConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Schedule string `yaml:"schedule,omitempty"`
}

// DiskFileConfig is the YAML form of DiskConfig.
type DiskFileConfig struct {
	MinFreeGB *float64 `yaml:"minFreeGb,omitempty"`
}

// LogFileConfig is the YAML form of LogConfig.
type LogFileConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// TelemetryFileConfig is the YAML form of TelemetryConfig.
type TelemetryFileConfig struct {
	Enabled      *bool    `yaml:"enabled,omitempty"`
	ExporterType string   `yaml:"exporterType,omitempty"`
	Endpoint     string   `yaml:"endpoint,omitempty"`
	Environment  string   `yaml:"environment,omitempty"`
	SamplingRate *float64 `yaml:"samplingRate,omitempty"`
}
