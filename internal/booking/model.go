// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package booking defines the booking model and the on-disk cache the
// supervisor schedules from. Bookings are created by an external API;
// this process only reads them and advances their status.
package booking

import (
	"errors"
	"fmt"
	"time"
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusRecording  Status = "recording"
	StatusCompleted  Status = "completed"
	StatusProcessing Status = "processing"
	StatusUploaded   Status = "uploaded"
	StatusFailed     Status = "failed"
)

// statusRank orders the monotone lifecycle. StatusFailed is off-axis.
var statusRank = map[Status]int{
	StatusScheduled:  0,
	StatusRecording:  1,
	StatusCompleted:  2,
	StatusProcessing: 3,
	StatusUploaded:   4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further advance is possible.
func (s Status) Terminal() bool {
	return s == StatusUploaded || s == StatusFailed
}

// CanAdvanceTo reports whether the lifecycle permits moving from s to next.
// The lifecycle only moves forward; failed is reachable from any
// non-terminal state and is itself terminal.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// MinDuration is the shortest bookable recording window.
const MinDuration = time.Second

// Booking is the unit of work: one timed dual-camera recording.
type Booking struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	CameraID  string     `json:"camera_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Status    Status     `json:"status,omitempty"`
	Email     string     `json:"email,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Validate checks the structural invariants of a booking.
func (b Booking) Validate() error {
	if b.ID == "" {
		return errors.New("booking id is empty")
	}
	if b.StartTime.IsZero() || b.EndTime.IsZero() {
		return fmt.Errorf("booking %s has zero time window", b.ID)
	}
	if !b.EndTime.After(b.StartTime) {
		return fmt.Errorf("booking %s ends before it starts", b.ID)
	}
	if b.Duration() < MinDuration {
		return fmt.Errorf("booking %s shorter than %s", b.ID, MinDuration)
	}
	if b.Status != "" && !b.Status.Valid() {
		return fmt.Errorf("booking %s has unknown status %q", b.ID, b.Status)
	}
	return nil
}

// Duration returns the requested recording length.
func (b Booking) Duration() time.Duration {
	return b.EndTime.Sub(b.StartTime)
}

// ActiveAt reports whether t falls inside the half-open window [start, end).
func (b Booking) ActiveAt(t time.Time) bool {
	return !t.Before(b.StartTime) && t.Before(b.EndTime)
}

// Expired reports whether the window has fully passed at t.
func (b Booking) Expired(t time.Time) bool {
	return !t.Before(b.EndTime)
}

// Remaining returns how much of the window is left at t, clamped at zero.
func (b Booking) Remaining(t time.Time) time.Duration {
	if b.Expired(t) {
		return 0
	}
	return b.EndTime.Sub(t)
}
