// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package marker

import "time"

// LockInfo is the JSON payload of a .lock marker. It carries everything a
// restarted supervisor needs to decide whether the lock is stale.
type LockInfo struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id"`
	BookingID string    `json:"booking_id"`
	CreatedAt time.Time `json:"created_at"`
	EndTime   time.Time `json:"end_time"`
	GraceSecs int       `json:"grace_secs"`
}

// Grace returns the lock's grace period.
func (l LockInfo) Grace() time.Duration {
	return time.Duration(l.GraceSecs) * time.Second
}

// ExpiresAt returns the instant after which the lock counts as stale.
func (l LockInfo) ExpiresAt() time.Time {
	return l.EndTime.Add(l.Grace())
}

// Stale reports whether the lock has outlived its booking end plus grace.
func (l LockInfo) Stale(now time.Time) bool {
	return now.After(l.ExpiresAt())
}

// Claim is the JSON payload of a .pplock marker.
type Claim struct {
	PID       int       `json:"pid"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Stale reports whether the claim is older than ttl. Stale claims belong to
// crashed workers and may be broken.
func (c Claim) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.ClaimedAt) > ttl
}

// Failure is the JSON payload of .error and .merge_error markers.
type Failure struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
