// Package reports stores run report documents in S3-compatible object storage.
package reports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

const (
	DefaultContentType = "application/pdf"
	// MaxSize bounds a single uploaded report.
	MaxSize = 50 << 20
)

var (
	ErrNotConfigured = errors.New("report storage not configured")
	ErrTooLarge      = errors.New("report exceeds size limit")
)

// ObjectClient is the subset of *minio.Client used here.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, params url.Values) (*url.URL, error)
}

type Report struct {
	RunID       string
	Key         string
	SizeBytes   int64
	SHA256      string
	ContentType string
	// URL is the API path that redirects to a presigned download.
	URL string
}

type Store struct {
	client     ObjectClient
	bucket     string
	audit      repo.AuditEventAppender
	presignTTL time.Duration
	now        func() time.Time
}

func NewStore(client ObjectClient, bucket string, audit repo.AuditEventAppender, presignTTL time.Duration) (*Store, error) {
	if client == nil {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if presignTTL <= 0 {
		presignTTL = 10 * time.Minute
	}
	return &Store{
		client:     client,
		bucket:     bucket,
		audit:      audit,
		presignTTL: presignTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func ObjectKey(runID string) string {
	return fmt.Sprintf("runs/%s/report.pdf", strings.TrimSpace(runID))
}

// DownloadPath is the value a worker reports as report_url.
func DownloadPath(runID string) string {
	return "/runs/" + url.PathEscape(strings.TrimSpace(runID)) + "/report"
}

// Put uploads the report for run, replacing any earlier upload.
func (s *Store) Put(ctx context.Context, info domain.AuditInfo, run domain.Run, body io.Reader, size int64, contentType string) (Report, error) {
	if s == nil || s.client == nil {
		return Report{}, ErrNotConfigured
	}
	if size > MaxSize {
		return Report{}, ErrTooLarge
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = DefaultContentType
	}
	if size <= 0 {
		size = -1
	}

	key := ObjectKey(run.ID)
	hasher := sha256.New()
	counter := &countingWriter{}
	// An oversized body fails the read, so the object store aborts the upload and an
	// earlier report under key stays in place.
	capped := &cappedReader{r: body, left: MaxSize}
	reader := io.TeeReader(capped, io.MultiWriter(hasher, counter))

	if _, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		if capped.left < 0 || errors.Is(err, ErrTooLarge) {
			return Report{}, ErrTooLarge
		}
		return Report{}, fmt.Errorf("put report: %w", err)
	}

	report := Report{
		RunID:       run.ID,
		Key:         key,
		SizeBytes:   counter.n,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		ContentType: contentType,
		URL:         DownloadPath(run.ID),
	}
	if s.audit != nil {
		if _, err := s.audit.Append(ctx, domain.AuditEvent{
			OccurredAt:   s.now(),
			Actor:        info.Actor,
			Action:       domain.AuditActionReportUploaded,
			ResourceType: "run",
			ResourceID:   run.ID,
			AccountID:    run.AccountID,
			RequestID:    info.RequestID,
			Payload: map[string]any{
				"service":      info.Service,
				"object_key":   key,
				"sha256":       report.SHA256,
				"size_bytes":   report.SizeBytes,
				"content_type": contentType,
			},
		}); err != nil {
			return Report{}, fmt.Errorf("audit report upload: %w", err)
		}
	}
	return report, nil
}

// PresignGet returns a short-lived download URL. It returns domain.ErrNotFound when no report was uploaded.
func (s *Store) PresignGet(ctx context.Context, runID string) (string, error) {
	if s == nil || s.client == nil {
		return "", ErrNotConfigured
	}
	key := ObjectKey(runID)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("stat report: %w", err)
	}
	params := url.Values{}
	params.Set("response-content-disposition", `attachment; filename="report-`+runID+`.pdf"`)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.presignTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign report: %w", err)
	}
	return u.String(), nil
}

// cappedReader fails with ErrTooLarge once more than left bytes are read.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n - 1, ErrTooLarge
	}
	return n, err
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
