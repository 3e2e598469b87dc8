// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package marker

import (
	"errors"
	"fmt"
	"os"
)

// Set records which markers are present in a recording directory.
type Set struct {
	Lock       bool
	Done       bool
	Merged     bool
	MergeError bool
	Completed  bool
	Error      bool
	PPLock     bool
}

// Scan reads dir once and reports the markers found in it.
func Scan(dir string) (Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Set{}, fmt.Errorf("scan markers: %w", err)
	}

	var s Set
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch Kind(e.Name()) {
		case Lock:
			s.Lock = true
		case Done:
			s.Done = true
		case Merged:
			s.Merged = true
		case MergeError:
			s.MergeError = true
		case Completed:
			s.Completed = true
		case Error:
			s.Error = true
		case PPLock:
			s.PPLock = true
		}
	}
	return s, nil
}

// Has reports whether marker k is in the set.
func (s Set) Has(k Kind) bool {
	switch k {
	case Lock:
		return s.Lock
	case Done:
		return s.Done
	case Merged:
		return s.Merged
	case MergeError:
		return s.MergeError
	case Completed:
		return s.Completed
	case Error:
		return s.Error
	case PPLock:
		return s.PPLock
	}
	return false
}

// Terminal reports whether the directory has reached a terminal marker.
// Terminal directories are never processed again.
func (s Set) Terminal() bool {
	return s.Completed || s.Error
}

// ReadyForPostProcessing reports whether the post-processor should pick up
// the directory: capture and merge finished, nothing terminal yet.
func (s Set) ReadyForPostProcessing() bool {
	return s.Done && s.Merged && !s.Terminal()
}

// Validate checks the ordering invariants of the marker protocol. A
// violation means the directory is corrupt and must be failed, not
// processed.
func (s Set) Validate() error {
	var errs []error
	if s.Lock && s.Done {
		errs = append(errs, errors.New("lock and done are mutually exclusive"))
	}
	if s.Merged && !s.Done {
		errs = append(errs, errors.New("merged requires done"))
	}
	if s.MergeError && !s.Done {
		errs = append(errs, errors.New("merge_error requires done"))
	}
	if s.Merged && s.MergeError {
		errs = append(errs, errors.New("merged and merge_error are mutually exclusive"))
	}
	if s.Completed && !s.Merged {
		errs = append(errs, errors.New("completed requires merged"))
	}
	if s.Completed && s.Error {
		errs = append(errs, errors.New("completed and error are mutually exclusive"))
	}
	return errors.Join(errs...)
}

// State is the pipeline stage derived from a marker set.
type State string

const (
	StatePending     State = "pending"      // no markers yet
	StateRecording   State = "recording"    // .lock
	StateAwaitMerge  State = "await_merge"  // .done without merge outcome
	StateMerged      State = "merged"       // .done and .merged
	StateMergeFailed State = "merge_failed" // .merge_error
	StateCompleted   State = "completed"    // .completed
	StateFailed      State = "failed"       // .error
)

// State derives the pipeline stage. Terminal markers win over intermediate
// ones so operators see the end state of a directory at a glance.
func (s Set) State() State {
	switch {
	case s.Error:
		return StateFailed
	case s.Completed:
		return StateCompleted
	case s.MergeError:
		return StateMergeFailed
	case s.Merged:
		return StateMerged
	case s.Done:
		return StateAwaitMerge
	case s.Lock:
		return StateRecording
	default:
		return StatePending
	}
}
