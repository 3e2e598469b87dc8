// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package validation runs pre-flight environment checks at daemon startup.
// Config semantics are validated by the config loader; these checks cover
// what only the running host can answer: paths, permissions and binaries.
package validation

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ManuGH/panorec/internal/config"
	"github.com/ManuGH/panorec/internal/log"
)

// PerformStartupChecks validates the environment before a daemon starts.
// Device presence is deliberately not checked here: cameras may enumerate
// after boot, and the capture driver reports them per session.
func PerformStartupChecks(cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkWorkspace(logger, cfg.WorkspaceRoot); err != nil {
		return fmt.Errorf("workspace check failed: %w", err)
	}
	if err := checkCacheDir(cfg.CachePath); err != nil {
		return fmt.Errorf("booking cache check failed: %w", err)
	}
	if err := checkBinaries(logger, cfg); err != nil {
		return fmt.Errorf("binary check failed: %w", err)
	}
	if err := checkListenAddr(cfg.OpsListen); err != nil {
		return fmt.Errorf("ops listener check failed: %w", err)
	}
	if err := checkAssets(cfg); err != nil {
		return fmt.Errorf("asset check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkWorkspace(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	probe := filepath.Join(path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (%v)", path, err)
	}
	_ = os.Remove(probe)

	// Footage under tmpfs disappears on reboot, which defeats the crash
	// recovery path.
	tempDir := filepath.Clean(os.TempDir())
	clean := filepath.Clean(path)
	if tempDir != "." && (clean == tempDir || strings.HasPrefix(clean, tempDir+string(filepath.Separator))) {
		logger.Warn().Str("workspace", path).Msg("workspace is under the temp directory; recordings may not survive a reboot")
	}

	logger.Info().Str("path", path).Msg("workspace is writable")
	return nil
}

// checkCacheDir requires the cache file's parent directory to exist. The
// file itself may be absent until the first sync or external write.
func checkCacheDir(cachePath string) error {
	if cachePath == "" {
		return fmt.Errorf("cache path not configured")
	}
	dir := filepath.Dir(cachePath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cache directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cache parent %s is not a directory", dir)
	}
	return nil
}

func checkBinaries(logger zerolog.Logger, cfg config.Config) error {
	ffmpegBin := strings.TrimSpace(cfg.FFmpegBin)
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpegBin); err != nil {
		return fmt.Errorf("ffmpeg binary not found (%s): %w", ffmpegBin, err)
	}

	ffprobeBin := strings.TrimSpace(cfg.FFprobeBin)
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	if _, err := exec.LookPath(ffprobeBin); err != nil {
		return fmt.Errorf("ffprobe binary not found (%s): %w", ffprobeBin, err)
	}

	logger.Info().Str("ffmpeg", ffmpegBin).Str("ffprobe", ffprobeBin).Msg("encoder binaries available")
	return nil
}

func checkListenAddr(addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	return nil
}

// checkAssets verifies configured branding and calibration files are
// readable, so a bad path fails the daemon instead of every recording.
func checkAssets(cfg config.Config) error {
	if cfg.Merge.Method == config.MergeStitch && cfg.Merge.CalibrationPath != "" {
		if err := checkFileReadable(cfg.Merge.CalibrationPath); err != nil {
			return fmt.Errorf("calibration file: %w", err)
		}
	}
	if cfg.Postproc.IntroPath != "" {
		if err := checkFileReadable(cfg.Postproc.IntroPath); err != nil {
			return fmt.Errorf("intro clip: %w", err)
		}
	}
	for _, logo := range cfg.Postproc.Logos {
		if err := checkFileReadable(logo.Path); err != nil {
			return fmt.Errorf("logo %q: %w", logo.Name, err)
		}
	}
	return nil
}

func checkFileReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config; verifying readability is expected
	if err != nil {
		return err
	}
	return f.Close()
}
