// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// CameraFile describes one per-camera capture inside a recording directory.
type CameraFile struct {
	Path         string  `json:"path"`
	Bytes        int64   `json:"bytes"`
	DurationSecs float64 `json:"duration_secs"`
}

// MergedInfo describes the merged panorama.
type MergedInfo struct {
	Bytes        int64   `json:"bytes"`
	DurationSecs float64 `json:"duration_secs"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
}

// FinalInfo describes the shipped final cut.
type FinalInfo struct {
	Bytes          int64   `json:"bytes"`
	DurationSecs   float64 `json:"duration_secs"`
	ChecksumSHA256 string  `json:"checksum_sha256"`
}

// Metadata is the per-recording sidecar. Each pipeline stage fills in its
// own fields; the file is rewritten atomically on every update.
type Metadata struct {
	BookingID      string     `json:"booking_id"`
	UserID         string     `json:"user_id,omitempty"`
	RequestedStart time.Time  `json:"requested_start"`
	RequestedEnd   time.Time  `json:"requested_end"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
	StartSkewMS    int64      `json:"start_skew_ms,omitempty"`

	Camera0          *CameraFile `json:"camera0,omitempty"`
	Camera1          *CameraFile `json:"camera1,omitempty"`
	Camera1Truncated bool        `json:"camera1_truncated,omitempty"`

	Method         string      `json:"method,omitempty"`
	FallbackReason string      `json:"fallback_reason,omitempty"`
	Merged         *MergedInfo `json:"merged,omitempty"`

	Final      *FinalInfo `json:"final,omitempty"`
	StorageURL string     `json:"storage_url,omitempty"`

	Error string `json:"error,omitempty"`
}

// LoadMetadata reads the metadata sidecar from dir.
func LoadMetadata(dir string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return m, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// SaveMetadata atomically replaces the metadata sidecar in dir.
func SaveMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	// renameio handles: temp file creation, fsync, atomic rename, cleanup on error
	pendingFile, err := renameio.NewPendingFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return fmt.Errorf("create pending metadata file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	if _, err := pendingFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace metadata: %w", err)
	}
	return nil
}

// UpdateMetadata loads the sidecar from dir, applies fn and writes it back.
// A missing sidecar starts from the zero value so any stage can be first.
func UpdateMetadata(dir string, fn func(*Metadata)) error {
	m, err := LoadMetadata(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	fn(&m)
	return SaveMetadata(dir, m)
}
