// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package marker implements the on-disk sentinel protocol that couples the
// supervisor, the merge engine and the post-processor. Each recording
// directory carries zero-byte or small JSON files whose presence encodes
// pipeline progress:
//
//	.lock         capture in progress        written by supervisor
//	.done         raw capture complete       written by supervisor
//	.merged       merge succeeded            written by merge engine
//	.merge_error  merge failed permanently   written by merge engine
//	.completed    uploaded and DB updated    written by post-processor
//	.error        terminal failure           written by any component
//	.pplock       post-processor claim       written by post-processor
//
// Markers survive crashes and are observable by operators with plain ls.
// Creation is atomic (O_EXCL, then fsync of file and directory) so that
// concurrent workers can use markers as claims.
package marker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Kind names a sentinel file inside a recording directory.
type Kind string

const (
	Lock       Kind = ".lock"
	Done       Kind = ".done"
	Merged     Kind = ".merged"
	MergeError Kind = ".merge_error"
	Completed  Kind = ".completed"
	Error      Kind = ".error"
	PPLock     Kind = ".pplock"
)

// ErrExists is returned when a marker is already present. Callers use it to
// detect lost claim races.
var ErrExists = errors.New("marker already exists")

// Path returns the absolute path of marker k inside dir.
func Path(dir string, k Kind) string {
	return filepath.Join(dir, string(k))
}

// Exists reports whether marker k is present in dir.
func Exists(dir string, k Kind) (bool, error) {
	_, err := os.Stat(Path(dir, k))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat marker %s: %w", k, err)
}

// Create atomically creates a zero-byte marker k in dir. It fails with
// ErrExists when the marker is already present.
func Create(dir string, k Kind) error {
	return writeExclusive(dir, k, nil)
}

// Write atomically creates marker k in dir with a JSON payload. It fails
// with ErrExists when the marker is already present.
func Write(dir string, k Kind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal marker %s: %w", k, err)
	}
	return writeExclusive(dir, k, append(data, '\n'))
}

// Read unmarshals the JSON payload of marker k in dir into v.
func Read(dir string, k Kind, v any) error {
	data, err := os.ReadFile(Path(dir, k))
	if err != nil {
		return fmt.Errorf("read marker %s: %w", k, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode marker %s: %w", k, err)
	}
	return nil
}

// Remove deletes marker k from dir and syncs the directory. Removing an
// absent marker is not an error.
func Remove(dir string, k Kind) error {
	if err := os.Remove(Path(dir, k)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove marker %s: %w", k, err)
	}
	return syncDir(dir)
}

func writeExclusive(dir string, k Kind, data []byte) error {
	path := Path(dir, k)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s in %s: %w", k, dir, ErrExists)
		}
		return fmt.Errorf("create marker %s: %w", k, err)
	}

	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("write marker %s: %w", k, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync marker %s: %w", k, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close marker %s: %w", k, err)
	}
	return syncDir(dir)
}

// syncDir fsyncs the directory so a freshly created or removed marker
// survives a power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
