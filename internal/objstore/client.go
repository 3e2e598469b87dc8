// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package objstore uploads final recordings to an S3-compatible object
// store and verifies them after the fact. Uploads that fail here are
// deferred to the retry queue, never dropped.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/panorec/internal/config"
	plog "github.com/ManuGH/panorec/internal/log"
	"github.com/ManuGH/panorec/internal/resilience"
)

const (
	defaultMultipartThreshold = 16 << 20
	defaultUploadTimeout      = 10 * time.Minute
	uploadConcurrency         = 3
	metaChecksumKey           = "sha256"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_uploads_total",
		Help: "Upload attempts by outcome",
	}, []string{"outcome"})

	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panorec_upload_bytes_total",
		Help: "Bytes successfully uploaded",
	})

	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "panorec_upload_duration_seconds",
		Help:    "Wall time of successful uploads",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// putAPI is the subset of the S3 surface used for small objects and
// verification.
type putAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// multipartAPI is the manager-based path for large objects.
type multipartAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// UploadSpec names one local file and its destination object.
type UploadSpec struct {
	Path        string
	Bucket      string // empty means the configured bucket
	Key         string
	ContentType string
}

// Result describes a verified upload.
type Result struct {
	Bucket string
	Key    string
	URL    string
	Size   int64
	ETag   string
	SHA256 string
}

// Client uploads to one bucket with one credential set.
type Client struct {
	api       putAPI
	uploader  multipartAPI
	bucket    string
	prefix    string
	threshold int64
	timeout   time.Duration
	breaker   *resilience.Breaker
}

// New builds a client from config. Static credentials take precedence;
// otherwise the SDK default chain (env, shared config, IMDS) applies.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objstore: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO and R2 do not resolve virtual-host bucket names.
			o.UsePathStyle = true
		}
	})

	threshold := cfg.MultipartThreshold
	if threshold <= 0 {
		threshold = defaultMultipartThreshold
	}
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}

	uploader := manager.NewUploader(api, func(u *manager.Uploader) {
		u.PartSize = threshold
		u.Concurrency = uploadConcurrency
		u.LeavePartsOnError = false
	})

	return &Client{
		api:       api,
		uploader:  uploader,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		threshold: threshold,
		timeout:   timeout,
		breaker:   resilience.New("objstore", 3, 30*time.Second),
	}, nil
}

// ObjectKey renders the key for a recording artifact, applying the
// configured prefix. Keys are laid out user/day/name; bookings without a
// user land under "unknown" so the key depth stays constant.
func (c *Client) ObjectKey(userID, day, name string) string {
	if userID == "" {
		userID = "unknown"
	}
	key := userID + "/" + day + "/" + name
	if c.prefix != "" {
		return c.prefix + "/" + key
	}
	return key
}

// URL renders the s3:// form stored in metadata and the journal.
func (c *Client) URL(key string) string {
	return "s3://" + c.bucket + "/" + key
}

// Upload sends one file and verifies the stored object. Local preparation
// failures surface directly; the network attempt runs under the configured
// timeout and the breaker, so when the breaker is open the call fails
// immediately with resilience.ErrOpen.
func (c *Client) Upload(ctx context.Context, spec UploadSpec) (*Result, error) {
	bucket := spec.Bucket
	if bucket == "" {
		bucket = c.bucket
	}

	info, err := os.Stat(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("objstore: stat %s: %w", spec.Path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("objstore: refusing to upload empty file %s", spec.Path)
	}

	checksum, err := fileSHA256(spec.Path)
	if err != nil {
		return nil, err
	}

	var res *Result
	start := time.Now()
	err = c.breaker.Execute(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		r, err := c.upload(attemptCtx, bucket, spec, size, checksum)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		uploadsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	uploadsTotal.WithLabelValues("success").Inc()
	uploadBytes.Add(float64(res.Size))
	uploadDuration.Observe(time.Since(start).Seconds())

	logger := plog.WithComponentFromContext(ctx, "objstore")
	logger.Info().
		Str(plog.FieldBucket, res.Bucket).
		Str(plog.FieldKey, res.Key).
		Int64(plog.FieldBytes, res.Size).
		Str(plog.FieldBookingID, plog.BookingIDFromContext(ctx)).
		Msg("upload verified")
	return res, nil
}

func (c *Client) upload(ctx context.Context, bucket string, spec UploadSpec, size int64, checksum string) (*Result, error) {
	f, err := os.Open(spec.Path) // #nosec G304 -- path comes from the workspace layout
	if err != nil {
		return nil, fmt.Errorf("objstore: open %s: %w", spec.Path, err)
	}
	defer func() { _ = f.Close() }()

	input := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(spec.Key),
		Body:     f,
		Metadata: map[string]string{metaChecksumKey: checksum},
	}
	if spec.ContentType != "" {
		input.ContentType = aws.String(spec.ContentType)
	}

	var etag string
	if size < c.threshold {
		input.ContentLength = aws.Int64(size)
		out, err := c.api.PutObject(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("objstore: put %s: %w", spec.Key, err)
		}
		etag = aws.ToString(out.ETag)
	} else {
		out, err := c.uploader.Upload(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("objstore: multipart upload %s: %w", spec.Key, err)
		}
		etag = aws.ToString(out.ETag)
	}

	if err := c.verify(ctx, bucket, spec.Key, size, checksum); err != nil {
		return nil, err
	}

	return &Result{
		Bucket: bucket,
		Key:    spec.Key,
		URL:    "s3://" + bucket + "/" + spec.Key,
		Size:   size,
		ETag:   etag,
		SHA256: checksum,
	}, nil
}

// verify confirms the stored object matches what was sent. Stores that do
// not echo user metadata only get the length check.
func (c *Client) verify(ctx context.Context, bucket, key string, size int64, checksum string) error {
	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objstore: verify %s: %w", key, err)
	}
	if got := aws.ToInt64(head.ContentLength); got != size {
		return fmt.Errorf("objstore: verify %s: stored %d bytes, sent %d", key, got, size)
	}
	if stored, ok := head.Metadata[metaChecksumKey]; ok && stored != checksum {
		return fmt.Errorf("objstore: verify %s: checksum mismatch", key)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the workspace layout
	if err != nil {
		return "", fmt.Errorf("objstore: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("objstore: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
