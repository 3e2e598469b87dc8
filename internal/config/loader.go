// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // Mechanical tracking of consumed keys
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Wrapper methods for mechanical connection tracking

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envInt64(key string, defaultVal int64) int64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt64(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// It enforces strict validated order: Parse File (Strict) -> Apply Env -> Validate.
func (l *Loader) Load() (Config, error) {
	cfg := Config{}

	// 1. Set defaults
	l.setDefaults(&cfg)

	// 2. Load from file (if provided)
	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge file config: %w", err)
		}
	}

	// 3. Override with environment variables (highest priority)
	l.mergeEnvConfig(&cfg)

	// 4. Derived values. WorkspaceRoot must be absolute to prevent path
	// confusion across components sharing the tree.
	if abs, err := filepath.Abs(cfg.WorkspaceRoot); err == nil {
		cfg.WorkspaceRoot = abs
	}
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(cfg.WorkspaceRoot, "bookings.json")
	}
	cfg.FFprobeBin = resolveFFprobeBin(cfg.FFprobeBin, cfg.FFmpegBin)

	// 5. Version from binary
	cfg.Version = l.version

	// 6. Validate final configuration
	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) setDefaults(cfg *Config) {
	cfg.WorkspaceRoot = "/var/lib/panorec"
	cfg.Timezone = "UTC"
	cfg.PollInterval = 5 * time.Second
	cfg.FFmpegBin = "ffmpeg"

	cfg.Cameras = CameraConfig{
		Camera0:    "0",
		Camera1:    "1",
		Resolution: "1920x1080",
		Framerate:  30,
		Bitrate:    "6M",
	}
	cfg.Capture = CaptureConfig{
		MinBytes: 64 * 1024,
		Grace:    5 * time.Second,
	}
	cfg.Merge = MergeConfig{
		Method:        MergeSideBySide,
		OverlapPixels: 120,
	}
	cfg.Retry = RetryConfig{
		Max:     3,
		Backoff: 2 * time.Second,
	}
	cfg.ObjectStore = ObjectStoreConfig{
		Prefix:             "recordings",
		Region:             "us-east-1",
		MultipartThreshold: 16 * 1024 * 1024,
		UploadTimeout:      10 * time.Minute,
	}
	workers := runtime.NumCPU() / 2
	if workers < 1 {
		workers = 1
	}
	cfg.Postproc = PostprocConfig{
		Workers:      workers,
		ScanInterval: 5 * time.Second,
	}
	cfg.Retention = RetentionConfig{
		Days:     14,
		Schedule: "17 3 * * *",
	}
	cfg.Sync = SyncConfig{
		Schedule: "@every 1m",
	}
	cfg.Disk = DiskConfig{MinFreeGB: 5}
	cfg.Log = LogConfig{Level: "info", Format: "json"}
	cfg.Telemetry = TelemetryConfig{
		ExporterType: "grpc",
		SamplingRate: 1.0,
	}
}

// loadFile loads configuration from a YAML file with STRICT parsing.
// Unknown fields cause an error to prevent silent misconfiguration.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

func resolveFFprobeBin(ffprobeBin, ffmpegBin string) string {
	if ffprobeBin != "" {
		return ffprobeBin
	}
	// Derive from the ffmpeg binary location so a bundled toolchain stays
	// together; a bare "ffmpeg" falls through to PATH lookup.
	if dir := filepath.Dir(ffmpegBin); dir != "." && dir != "" {
		return filepath.Join(dir, "ffprobe")
	}
	return "ffprobe"
}
