// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package bookingstore is the HTTP client for the remote booking store.
// Every call is rate limited and retried on transport or server errors;
// client errors surface immediately so callers can decide.
package bookingstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/ManuGH/panorec/internal/booking"
	plog "github.com/ManuGH/panorec/internal/log"
)

// Sentinel errors for errors.Is checks at the boundary.
var (
	// ErrNotFound maps HTTP 404. A booking deleted remotely mid-pipeline
	// is not worth retrying.
	ErrNotFound = errors.New("bookingstore: booking not found")
	// ErrConflict maps HTTP 409, the store refusing an illegal status
	// transition.
	ErrConflict = errors.New("bookingstore: illegal status transition")
)

// VideoMeta is the final artifact record registered with the store.
type VideoMeta struct {
	BookingID string  `json:"booking_id"`
	URL       string  `json:"url"`
	Size      int64   `json:"size"`
	Duration  float64 `json:"duration_secs"`
	Checksum  string  `json:"checksum"`
}

// Options configures client behavior.
type Options struct {
	Timeout        time.Duration
	RetryMax       int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	RateLimit      rate.Limit
	RateLimitBurst int
}

const (
	defaultTimeout        = 30 * time.Second
	defaultRetryMax       = 2
	defaultBackoff        = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultRateLimit      = 5
	defaultRateLimitBurst = 10
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "panorec_bookingstore_requests_total",
	Help: "Booking store request attempts by operation and result code.",
}, []string{"op", "code"})

// Client talks to the booking store at a fixed base URL with bearer auth.
type Client struct {
	base       string
	key        string
	http       *http.Client
	limiter    *rate.Limiter
	retryMax   uint64
	retryWait  time.Duration
	maxBackoff time.Duration
}

// Interface check: the syncer consumes the client through booking.Lister.
var _ booking.Lister = (*Client)(nil)

// New creates a client with default options.
func New(baseURL, key string) *Client {
	return NewWithOptions(baseURL, key, Options{})
}

// NewWithOptions creates a client with explicit options.
func NewWithOptions(baseURL, key string, opts Options) *Client {
	opts = normalizeOptions(opts)
	return &Client{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		key:  key,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:    rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst),
		retryMax:   uint64(opts.RetryMax),
		retryWait:  opts.Backoff,
		maxBackoff: opts.MaxBackoff,
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaultRetryMax
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	return opts
}

// UpdateBookingStatus advances the remote lifecycle state of a booking.
// The store rejects backward transitions with 409.
func (c *Client) UpdateBookingStatus(ctx context.Context, id string, status booking.Status) error {
	body := struct {
		Status booking.Status `json:"status"`
	}{Status: status}
	path := "/bookings/" + url.PathEscape(id) + "/status"
	return c.do(ctx, "update_status", http.MethodPatch, path, body, nil)
}

// InsertVideoMetadata registers the uploaded artifact. The store keys on
// booking id, so repeating the call after a partial failure is safe.
func (c *Client) InsertVideoMetadata(ctx context.Context, meta VideoMeta) error {
	path := "/videos/" + url.PathEscape(meta.BookingID)
	return c.do(ctx, "insert_video", http.MethodPut, path, meta, nil)
}

// ListBookings fetches bookings whose windows overlap [from, to].
func (c *Client) ListBookings(ctx context.Context, from, to time.Time) ([]booking.Booking, error) {
	params := url.Values{}
	params.Set("from", from.UTC().Format(time.RFC3339))
	params.Set("to", to.UTC().Format(time.RFC3339))

	var out []booking.Booking
	if err := c.do(ctx, "list_bookings", http.MethodGet, "/bookings?"+params.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do runs one API call with rate limiting and retry. 5xx and transport
// errors retry with exponential backoff; anything under 500 is final.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	logger := plog.WithComponentFromContext(ctx, "bookingstore")

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("bookingstore: encode %s request: %w", op, err)
		}
	}

	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("bookingstore: build %s request: %w", op, err))
		}
		req.Header.Set("Authorization", "Bearer "+c.key)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			requestsTotal.WithLabelValues(op, "transport_error").Inc()
			return fmt.Errorf("bookingstore: %s: %w", op, err)
		}
		defer func() { _ = resp.Body.Close() }()
		requestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusConflict:
			return backoff.Permanent(ErrConflict)
		case resp.StatusCode >= 500:
			return fmt.Errorf("bookingstore: %s: server returned %d", op, resp.StatusCode)
		case resp.StatusCode >= 400:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("bookingstore: %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(detail))))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("bookingstore: decode %s response: %w", op, err))
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryWait
	policy.MaxInterval = c.maxBackoff
	policy.MaxElapsedTime = 0 // bounded by attempt count

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.retryMax), ctx))
	if err != nil {
		logger.Warn().Err(err).
			Str("op", op).
			Int(plog.FieldAttempt, attempt).
			Str(plog.FieldBookingID, plog.BookingIDFromContext(ctx)).
			Msg("booking store call failed")
		return err
	}

	logger.Debug().
		Str("op", op).
		Int(plog.FieldAttempt, attempt).
		Str(plog.FieldBookingID, plog.BookingIDFromContext(ctx)).
		Msg("booking store call succeeded")
	return nil
}
