// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/panorec/internal/resilience"
)

type fakeS3 struct {
	putCalls  int
	headCalls int
	putInput  *s3.PutObjectInput
	putErr    error
	headLen   int64
	headMeta  map[string]string
	headErr   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putCalls++
	f.putInput = params
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-put"`)}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.headCalls++
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(f.headLen),
		Metadata:      f.headMeta,
	}, nil
}

type fakeUploader struct {
	calls int
	input *s3.PutObjectInput
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.calls++
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{ETag: aws.String(`"etag-multipart"`)}, nil
}

func newTestClient(api *fakeS3, up *fakeUploader, threshold int64) *Client {
	return &Client{
		api:       api,
		uploader:  up,
		bucket:    "recordings",
		prefix:    "prod",
		threshold: threshold,
		timeout:   time.Minute,
		breaker:   resilience.New("objstore-test", 3, time.Second),
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "final.mp4")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func sum(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func TestUploadSmallFileUsesPutObject(t *testing.T) {
	content := "small recording bytes"
	path := writeFile(t, content)

	api := &fakeS3{headLen: int64(len(content)), headMeta: map[string]string{"sha256": sum(content)}}
	up := &fakeUploader{}
	c := newTestClient(api, up, 1<<20)

	res, err := c.Upload(context.Background(), UploadSpec{
		Path:        path,
		Key:         "2026-03-14/bk-1/final.mp4",
		ContentType: "video/mp4",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, api.putCalls)
	assert.Zero(t, up.calls)
	assert.Equal(t, 1, api.headCalls)

	require.NotNil(t, api.putInput)
	assert.Equal(t, "recordings", aws.ToString(api.putInput.Bucket))
	assert.Equal(t, "2026-03-14/bk-1/final.mp4", aws.ToString(api.putInput.Key))
	assert.Equal(t, int64(len(content)), aws.ToInt64(api.putInput.ContentLength))
	assert.Equal(t, "video/mp4", aws.ToString(api.putInput.ContentType))
	assert.Equal(t, sum(content), api.putInput.Metadata["sha256"])

	assert.Equal(t, "s3://recordings/2026-03-14/bk-1/final.mp4", res.URL)
	assert.Equal(t, int64(len(content)), res.Size)
	assert.Equal(t, `"etag-put"`, res.ETag)
	assert.Equal(t, sum(content), res.SHA256)
}

func TestUploadLargeFileUsesMultipart(t *testing.T) {
	content := "this file exceeds the tiny test threshold"
	path := writeFile(t, content)

	api := &fakeS3{headLen: int64(len(content))}
	up := &fakeUploader{}
	c := newTestClient(api, up, 8)

	res, err := c.Upload(context.Background(), UploadSpec{Path: path, Key: "k"})
	require.NoError(t, err)

	assert.Zero(t, api.putCalls)
	assert.Equal(t, 1, up.calls)
	assert.Equal(t, `"etag-multipart"`, res.ETag)
	assert.Equal(t, sum(content), up.input.Metadata["sha256"])
}

func TestVerifyRejectsLengthMismatch(t *testing.T) {
	content := "recording"
	path := writeFile(t, content)

	api := &fakeS3{headLen: 3}
	c := newTestClient(api, &fakeUploader{}, 1<<20)

	_, err := c.Upload(context.Background(), UploadSpec{Path: path, Key: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stored 3 bytes")
}

func TestVerifyRejectsChecksumMismatch(t *testing.T) {
	content := "recording"
	path := writeFile(t, content)

	api := &fakeS3{
		headLen:  int64(len(content)),
		headMeta: map[string]string{"sha256": "deadbeef"},
	}
	c := newTestClient(api, &fakeUploader{}, 1<<20)

	_, err := c.Upload(context.Background(), UploadSpec{Path: path, Key: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestVerifyToleratesMissingMetadataEcho(t *testing.T) {
	// Some S3-compatible stores drop user metadata; length still gates.
	content := "recording"
	path := writeFile(t, content)

	api := &fakeS3{headLen: int64(len(content))}
	c := newTestClient(api, &fakeUploader{}, 1<<20)

	_, err := c.Upload(context.Background(), UploadSpec{Path: path, Key: "k"})
	assert.NoError(t, err)
}

func TestUploadRefusesEmptyFile(t *testing.T) {
	path := writeFile(t, "")

	api := &fakeS3{}
	c := newTestClient(api, &fakeUploader{}, 1<<20)

	_, err := c.Upload(context.Background(), UploadSpec{Path: path, Key: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty file")
	assert.Zero(t, api.putCalls)
}

func TestUploadMissingFile(t *testing.T) {
	c := newTestClient(&fakeS3{}, &fakeUploader{}, 1<<20)

	_, err := c.Upload(context.Background(), UploadSpec{Path: "/nowhere/final.mp4", Key: "k"})
	require.Error(t, err)
}

func TestBreakerShortCircuitsAfterRepeatedFailures(t *testing.T) {
	content := "recording"
	path := writeFile(t, content)

	api := &fakeS3{putErr: errors.New("dial tcp: network unreachable")}
	c := newTestClient(api, &fakeUploader{}, 1<<20)

	for i := 0; i < 3; i++ {
		_, err := c.Upload(context.Background(), UploadSpec{Path: path, Key: "k"})
		require.Error(t, err)
	}
	assert.Equal(t, 3, api.putCalls)

	// Breaker is open now: the next attempt fails without touching the API.
	_, err := c.Upload(context.Background(), UploadSpec{Path: path, Key: "k"})
	require.ErrorIs(t, err, resilience.ErrOpen)
	assert.Equal(t, 3, api.putCalls)
}

func TestObjectKeyAndURL(t *testing.T) {
	c := newTestClient(&fakeS3{}, &fakeUploader{}, 1<<20)

	key := c.ObjectKey("u-7", "2026-03-14", "bk-1.mp4")
	assert.Equal(t, "prod/u-7/2026-03-14/bk-1.mp4", key)
	assert.Equal(t, "s3://recordings/prod/u-7/2026-03-14/bk-1.mp4", c.URL(key))

	c.prefix = ""
	assert.Equal(t, "unknown/2026-03-14/bk-1.mp4", c.ObjectKey("", "2026-03-14", "bk-1.mp4"))
}

func TestUploadHonorsBucketOverride(t *testing.T) {
	content := "recording"
	path := writeFile(t, content)

	api := &fakeS3{headLen: int64(len(content))}
	c := newTestClient(api, &fakeUploader{}, 1<<20)

	res, err := c.Upload(context.Background(), UploadSpec{Path: path, Bucket: "archive", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "archive", aws.ToString(api.putInput.Bucket))
	assert.Equal(t, "s3://archive/k", res.URL)
}
