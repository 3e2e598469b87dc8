// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package journal persists recording outcomes to a local SQLite database.
// The journal is observational: the monitor and operators read it, but the
// pipeline coordinates through markers alone. Losing the journal loses
// history, never footage.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// DefaultFile is the journal filename under the workspace root. All three
// daemons open the same file; SQLite's WAL mode carries the sharing.
const DefaultFile = "panorec.db"

// Recording lifecycle stages as written by the daemons.
const (
	StatusRecording = "recording"
	StatusRecorded  = "recorded"
	StatusMerged    = "merged"
	StatusProcessed = "processed"
	StatusUploaded  = "uploaded"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Recording is the journal row for one booking.
type Recording struct {
	BookingID      string
	UserID         string
	Day            string
	Status         string
	Method         string
	FallbackReason string
	StartSkewMS    int64
	Cam0Bytes      int64
	Cam1Bytes      int64
	MergedBytes    int64
	FinalBytes     int64
	DurationSecs   float64
	Checksum       string
	StorageURL     string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Upload records a verified object-store upload. Its presence is what lets
// a db-update-only retry skip re-uploading.
type Upload struct {
	BookingID  string
	URL        string
	Size       int64
	ETag       string
	UploadedAt time.Time
}

// Store provides SQLite persistence for the journal.
type Store struct {
	db *sql.DB
}

// Open initializes the journal database and runs migrations. WAL mode and
// busy_timeout let the supervisor, post-processor and monitor share the file.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recordings (
		booking_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		day TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK(status IN ('recording', 'recorded', 'merged', 'processed', 'uploaded', 'completed', 'failed')),
		method TEXT NOT NULL DEFAULT '',
		fallback_reason TEXT NOT NULL DEFAULT '',
		start_skew_ms INTEGER NOT NULL DEFAULT 0,
		cam0_bytes INTEGER NOT NULL DEFAULT 0,
		cam1_bytes INTEGER NOT NULL DEFAULT 0,
		merged_bytes INTEGER NOT NULL DEFAULT 0,
		final_bytes INTEGER NOT NULL DEFAULT 0,
		duration_secs REAL NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL DEFAULT '',
		storage_url TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recordings_day ON recordings(day);
	CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status);
	CREATE INDEX IF NOT EXISTS idx_recordings_updated ON recordings(updated_at);

	CREATE TABLE IF NOT EXISTS uploads (
		booking_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		size INTEGER NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		uploaded_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertRecording writes a full recording row. On conflict every field but
// created_at is replaced, so augmenting callers read-modify-write.
func (s *Store) UpsertRecording(ctx context.Context, r Recording) error {
	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
	INSERT INTO recordings (
		booking_id, user_id, day, status, method, fallback_reason,
		start_skew_ms, cam0_bytes, cam1_bytes, merged_bytes, final_bytes,
		duration_secs, checksum, storage_url, error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(booking_id) DO UPDATE SET
		user_id = excluded.user_id,
		day = excluded.day,
		status = excluded.status,
		method = excluded.method,
		fallback_reason = excluded.fallback_reason,
		start_skew_ms = excluded.start_skew_ms,
		cam0_bytes = excluded.cam0_bytes,
		cam1_bytes = excluded.cam1_bytes,
		merged_bytes = excluded.merged_bytes,
		final_bytes = excluded.final_bytes,
		duration_secs = excluded.duration_secs,
		checksum = excluded.checksum,
		storage_url = excluded.storage_url,
		error = excluded.error,
		updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.BookingID, r.UserID, r.Day, r.Status, r.Method, r.FallbackReason,
		r.StartSkewMS, r.Cam0Bytes, r.Cam1Bytes, r.MergedBytes, r.FinalBytes,
		r.DurationSecs, r.Checksum, r.StorageURL, r.Error,
		created.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

// UpdateStatus advances just the status (and optional error) of a row.
func (s *Store) UpdateStatus(ctx context.Context, bookingID, status, errMsg string) error {
	query := `
	UPDATE recordings
	SET status = ?, error = ?, updated_at = ?
	WHERE booking_id = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC().Format(time.RFC3339), bookingID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("recording %s not in journal", bookingID)
	}
	return nil
}

// GetRecording returns the row for a booking, or nil when absent.
func (s *Store) GetRecording(ctx context.Context, bookingID string) (*Recording, error) {
	query := `
	SELECT booking_id, user_id, day, status, method, fallback_reason,
		start_skew_ms, cam0_bytes, cam1_bytes, merged_bytes, final_bytes,
		duration_secs, checksum, storage_url, error, created_at, updated_at
	FROM recordings
	WHERE booking_id = ?
	`

	var r Recording
	var createdStr, updatedStr string
	err := s.db.QueryRowContext(ctx, query, bookingID).Scan(
		&r.BookingID, &r.UserID, &r.Day, &r.Status, &r.Method, &r.FallbackReason,
		&r.StartSkewMS, &r.Cam0Bytes, &r.Cam1Bytes, &r.MergedBytes, &r.FinalBytes,
		&r.DurationSecs, &r.Checksum, &r.StorageURL, &r.Error, &createdStr, &updatedStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return &r, nil
}

// ListRecent returns the most recently touched rows, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
	SELECT booking_id, user_id, day, status, method, fallback_reason,
		start_skew_ms, cam0_bytes, cam1_bytes, merged_bytes, final_bytes,
		duration_secs, checksum, storage_url, error, created_at, updated_at
	FROM recordings
	ORDER BY updated_at DESC, booking_id
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Recording
	for rows.Next() {
		var r Recording
		var createdStr, updatedStr string
		if err := rows.Scan(
			&r.BookingID, &r.UserID, &r.Day, &r.Status, &r.Method, &r.FallbackReason,
			&r.StartSkewMS, &r.Cam0Bytes, &r.Cam1Bytes, &r.MergedBytes, &r.FinalBytes,
			&r.DurationSecs, &r.Checksum, &r.StorageURL, &r.Error, &createdStr, &updatedStr,
		); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStatus returns row counts per lifecycle stage for the monitor.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM recordings GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PutUpload records a verified upload. Re-recording the same booking
// replaces the row; uploads are terminal per booking.
func (s *Store) PutUpload(ctx context.Context, u Upload) error {
	uploadedAt := u.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO uploads (booking_id, url, size, etag, uploaded_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(booking_id) DO UPDATE SET
		url = excluded.url,
		size = excluded.size,
		etag = excluded.etag,
		uploaded_at = excluded.uploaded_at
	`
	_, err := s.db.ExecContext(ctx, query, u.BookingID, u.URL, u.Size, u.ETag, uploadedAt.Format(time.RFC3339))
	return err
}

// GetUpload returns the upload row for a booking, or nil when it has not
// been uploaded.
func (s *Store) GetUpload(ctx context.Context, bookingID string) (*Upload, error) {
	var u Upload
	var uploadedStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT booking_id, url, size, etag, uploaded_at FROM uploads WHERE booking_id = ?`,
		bookingID,
	).Scan(&u.BookingID, &u.URL, &u.Size, &u.ETag, &uploadedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.UploadedAt, _ = time.Parse(time.RFC3339, uploadedStr)
	return &u, nil
}
