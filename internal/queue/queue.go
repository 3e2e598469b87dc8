// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package queue persists deferred upload and booking-store work across
// restarts. Records live in a badger keyspace under the workspace so a
// power cut between "final.mp4 exists" and "remote side knows" is replayed
// instead of lost.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultDir is the queue directory name under the workspace root. Badger
// takes an exclusive lock on it, so only the post-processor opens it for
// writing.
const DefaultDir = "queue"

// Record kinds. An upload record re-attempts the object put and then
// chains a db_update; a db_update record only touches the booking store.
const (
	KindUpload   = "upload"
	KindDBUpdate = "db_update"
)

const (
	keyPrefix  = "retry:"
	backoffCap = 15 * time.Minute
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panorec_retry_queue_depth",
		Help: "Deferred retry records currently persisted.",
	})
	drainTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_retry_drain_total",
		Help: "Drained retry records by kind and outcome.",
	}, []string{"kind", "outcome"})
)

// Record is one unit of deferred work.
type Record struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	BookingID  string    `json:"booking_id"`
	FinalPath  string    `json:"final_path"`
	StorageKey string    `json:"storage_key"`
	Attempt    int       `json:"attempt"`
	NextTime   time.Time `json:"next_time"`
	LastError  string    `json:"last_error"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Store is the badger-backed retry queue.
type Store struct {
	db      *badger.DB
	backoff time.Duration
}

// Open opens (or creates) the queue directory. baseBackoff is the delay
// before a first retry; each further attempt doubles it.
func Open(dir string, baseBackoff time.Duration) (*Store, error) {
	if baseBackoff <= 0 {
		baseBackoff = 5 * time.Second
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open retry queue: %w", err)
	}
	s := &Store{db: db, backoff: baseBackoff}
	queueDepth.Set(float64(s.Depth()))
	return s, nil
}

// OpenReadOnly opens an existing queue for inspection without taking the
// writer lock. It fails while the post-processor holds the directory, so
// callers treat that failure as "owned by a live process".
func OpenReadOnly(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil).WithReadOnly(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open retry queue read-only: %w", err)
	}
	return &Store{db: db, backoff: 5 * time.Second}, nil
}

// Close flushes and closes the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(bookingID, kind string) []byte {
	// Booking IDs cannot contain ':' so the key is unambiguous.
	return []byte(keyPrefix + bookingID + ":" + kind)
}

// Enqueue persists a record under retry:<booking>:<kind>. Re-enqueueing the
// same work keeps the existing record's attempt count and queue position.
func (s *Store) Enqueue(ctx context.Context, rec Record) error {
	if rec.BookingID == "" || rec.Kind == "" {
		return fmt.Errorf("enqueue: booking id and kind are required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = now
	}
	if rec.NextTime.IsZero() {
		rec.NextTime = now.Add(s.BackoffFor(rec.Attempt))
	}

	key := recordKey(rec.BookingID, rec.Kind)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var prev Record
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); verr == nil {
				if prev.Attempt > rec.Attempt {
					rec.Attempt = prev.Attempt
					rec.NextTime = now.Add(s.BackoffFor(rec.Attempt))
				}
				if !prev.EnqueuedAt.IsZero() && prev.EnqueuedAt.Before(rec.EnqueuedAt) {
					rec.EnqueuedAt = prev.EnqueuedAt
				}
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		return err
	}
	queueDepth.Set(float64(s.Depth()))
	return nil
}

// Reschedule bumps the attempt counter and pushes the record's due time out
// by the next backoff step. Records are never dropped for age; retry_max
// caps work per drain pass, not a record's lifetime.
func (s *Store) Reschedule(ctx context.Context, rec Record, cause error) error {
	rec.Attempt++
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.NextTime = time.Now().UTC().Add(s.BackoffFor(rec.Attempt))

	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.BookingID, rec.Kind), buf)
	})
}

// Delete removes a record after its work succeeded or became obsolete.
func (s *Store) Delete(ctx context.Context, bookingID, kind string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(bookingID, kind))
	})
	if err != nil {
		return err
	}
	queueDepth.Set(float64(s.Depth()))
	return nil
}

// Get returns the record for a booking and kind, or nil when absent.
func (s *Store) Get(ctx context.Context, bookingID, kind string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(bookingID, kind))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Due returns every record whose next_time has passed, oldest enqueued
// first so a booking stuck behind a long outage is retried before newer ones.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Record, error) {
	var due []Record
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if rec.NextTime.After(now) {
				continue
			}
			due = append(due, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].EnqueuedAt.Equal(due[j].EnqueuedAt) {
			return due[i].BookingID < due[j].BookingID
		}
		return due[i].EnqueuedAt.Before(due[j].EnqueuedAt)
	})
	return due, nil
}

// Depth counts persisted records.
func (s *Store) Depth() int {
	n := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// BackoffFor returns the delay before the given attempt: base doubled per
// attempt, capped at 15 minutes, with ±20% jitter.
func (s *Store) BackoffFor(attempt int) time.Duration {
	d := s.backoff
	for i := 0; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitterMS := int64(d / time.Millisecond / 5)
	if jitterMS > 0 {
		delta := rand.Int63n(jitterMS*2) - jitterMS // -20% to +20%
		d += time.Duration(delta) * time.Millisecond
	}
	return d
}
