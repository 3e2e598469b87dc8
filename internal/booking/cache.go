// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	plog "github.com/ManuGH/panorec/internal/log"
)

// DefaultFailAlert is how many consecutive parse failures are tolerated
// before the cache escalates from warn to error logging.
const DefaultFailAlert = 3

// Envelope is the cache file wrapper written by the syncer. The reader also
// accepts a bare JSON array of bookings.
type Envelope struct {
	Bookings    []Booking `json:"bookings"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Cache reads the booking cache file that an external API (or the syncer)
// atomically replaces. It keeps the last successfully parsed snapshot so a
// half-written or corrupt file never blanks the schedule.
type Cache struct {
	path      string
	failAlert int

	mu        sync.Mutex
	snapshot  []Booking
	loadedAt  time.Time
	modTime   time.Time
	failures  int
	everValid bool
}

// NewCache returns a cache reader for path.
func NewCache(path string) *Cache {
	return &Cache{path: path, failAlert: DefaultFailAlert}
}

// Load reads the cache file and returns the current bookings. A missing or
// empty file yields zero bookings. A corrupt file yields the last-good
// snapshot together with the parse error; callers may keep scheduling from
// the returned slice.
func (c *Cache) Load(ctx context.Context) ([]Booking, error) {
	logger := plog.WithComponentFromContext(ctx, "booking.cache")

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Not an error: the API simply has not written a cache yet.
			c.snapshot = nil
			c.loadedAt = time.Now()
			c.failures = 0
			return nil, nil
		}
		c.failures++
		c.logFailure(logger, err)
		return c.copySnapshot(), fmt.Errorf("read booking cache: %w", err)
	}

	bookings, err := decode(data)
	if err != nil {
		c.failures++
		c.logFailure(logger, err)
		return c.copySnapshot(), fmt.Errorf("decode booking cache: %w", err)
	}

	valid := bookings[:0:len(bookings)]
	for _, b := range bookings {
		if err := b.Validate(); err != nil {
			logger.Warn().Err(err).Str(plog.FieldBookingID, b.ID).Msg("skipping invalid booking")
			continue
		}
		valid = append(valid, b)
	}

	c.snapshot = valid
	c.loadedAt = time.Now()
	c.failures = 0
	c.everValid = true
	if info, err := os.Stat(c.path); err == nil {
		c.modTime = info.ModTime()
	}
	return c.copySnapshot(), nil
}

// Snapshot returns the last successfully parsed bookings.
func (c *Cache) Snapshot() []Booking {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copySnapshot()
}

// ConsecutiveFailures returns the current run of failed loads.
func (c *Cache) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// LastLoaded returns when the cache last loaded successfully.
func (c *Cache) LastLoaded() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadedAt
}

// ModTime returns the cache file's modtime at the last successful load.
func (c *Cache) ModTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modTime
}

func (c *Cache) copySnapshot() []Booking {
	out := make([]Booking, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

// logFailure warns on isolated failures and escalates to error once the
// run of consecutive failures reaches the alert threshold.
func (c *Cache) logFailure(logger zerolog.Logger, err error) {
	evt := logger.Warn()
	if c.failures >= c.failAlert {
		evt = logger.Error()
	}
	evt.Err(err).
		Int("consecutive_failures", c.failures).
		Str(plog.FieldPath, c.path).
		Msg("booking cache load failed, keeping last-good snapshot")
}

// decode accepts either the syncer envelope or a bare array.
func decode(data []byte) ([]Booking, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var bookings []Booking
		if err := json.Unmarshal(trimmed, &bookings); err != nil {
			return nil, err
		}
		return bookings, nil
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return env.Bookings, nil
}
