// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package workspace owns the on-disk layout of recording artifacts:
// one directory per booking under a day directory, with fixed file names
// for the per-camera captures, the merged panorama, the shipped final
// cut and the metadata sidecar.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Artifact file names inside a recording directory.
const (
	Cam0File     = "cam0.mp4"
	Cam1File     = "cam1.mp4"
	MergedFile   = "merged.mp4"
	FinalFile    = "final.mp4"
	PosterFile   = "poster.jpg"
	MetadataFile = "metadata.json"

	// PartSuffix marks in-flight encoder output that has not been
	// renamed to its final name by a clean stop.
	PartSuffix = ".part"
)

var (
	dayRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

	// Booking IDs come from an external cache and end up in filesystem
	// paths, so they are strictly allowlisted. A leading dot would
	// collide with markers; slashes and ".." never match the class.
	bookingIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// ValidateBookingID rejects IDs that cannot safely become a directory name.
func ValidateBookingID(id string) error {
	if !bookingIDRe.MatchString(id) {
		return fmt.Errorf("invalid booking id %q", id)
	}
	return nil
}

// Layout resolves recording directories under a workspace root. Day
// directories are derived from booking start times in the appliance
// timezone, so artifacts for one booking never move across days.
type Layout struct {
	root string
	tz   *time.Location
}

// New returns a Layout rooted at root. A nil tz means UTC.
func New(root string, tz *time.Location) Layout {
	if tz == nil {
		tz = time.UTC
	}
	return Layout{root: root, tz: tz}
}

// Root returns the workspace root directory.
func (l Layout) Root() string { return l.root }

// Day formats t as the day-directory name in the appliance timezone.
func (l Layout) Day(t time.Time) string {
	return t.In(l.tz).Format("2006-01-02")
}

// RecordingDir returns the directory for a booking starting at start.
// It does not create the directory.
func (l Layout) RecordingDir(bookingID string, start time.Time) (string, error) {
	if err := ValidateBookingID(bookingID); err != nil {
		return "", err
	}
	return filepath.Join(l.root, l.Day(start), bookingID), nil
}

// EnsureRecordingDir creates the recording directory for a booking and
// returns its path.
func (l Layout) EnsureRecordingDir(bookingID string, start time.Time) (string, error) {
	dir, err := l.RecordingDir(bookingID, start)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	return dir, nil
}

// Entry is one recording directory found by Scan.
type Entry struct {
	BookingID string
	Day       string
	Dir       string
}

// Scan walks the workspace and returns every recording directory, ordered
// by day then booking ID. Non-day directories and stray files are skipped.
func (l Layout) Scan() ([]Entry, error) {
	days, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan workspace: %w", err)
	}

	var entries []Entry
	for _, day := range days {
		if !day.IsDir() || !dayRe.MatchString(day.Name()) {
			continue
		}
		dayPath := filepath.Join(l.root, day.Name())
		bookings, err := os.ReadDir(dayPath)
		if err != nil {
			return nil, fmt.Errorf("scan day %s: %w", day.Name(), err)
		}
		for _, b := range bookings {
			if !b.IsDir() {
				continue
			}
			entries = append(entries, Entry{
				BookingID: b.Name(),
				Day:       day.Name(),
				Dir:       filepath.Join(dayPath, b.Name()),
			})
		}
	}
	return entries, nil
}

// FileSize returns the size of name inside dir, or 0 when absent.
func FileSize(dir, name string) int64 {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// LinkOrCopy materializes src at dst, hard-linking when the filesystem
// allows it and copying otherwise. The write goes through a temp name so
// dst never holds a partial file. The link fast path matters: recordings
// run to gigabytes.
func LinkOrCopy(src, dst string) error {
	tmp := dst + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Link(src, tmp); err != nil {
		if err := copyFile(src, tmp); err != nil {
			return err
		}
	}
	return os.Rename(tmp, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
