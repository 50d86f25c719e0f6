package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"ciserver/pkg/models"
)

// LogStore keeps the archived plain-text log of finished jobs.
type LogStore interface {
	// Store saves logs and returns a reference path/URL
	Store(ctx context.Context, jobID string, logs []byte) (string, error)
	// Retrieve fetches logs by reference
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// S3LogStore stores logs in S3-compatible storage
type S3LogStore struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// S3LogStoreConfig holds S3 configuration
type S3LogStoreConfig struct {
	Bucket          string
	Prefix          string // e.g. "logs/jobs/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string
}

// NewS3LogStore creates a new S3-backed log store
func NewS3LogStore(ctx context.Context, cfg S3LogStoreConfig) (*S3LogStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &S3LogStore{
		client:     s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
	}, nil
}

// Store uploads the log under <prefix><yyyy/mm/dd>/<jobID>.log.
func (s *S3LogStore) Store(ctx context.Context, jobID string, logs []byte) (string, error) {
	key := s.buildKey(jobID, time.Now().UTC())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(logs),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload logs to S3: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(filepath.Join(s.localCache, jobID+".log"), logs, 0o644)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches logs from S3, preferring the local cache.
func (s *S3LogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := ExtractS3Key(reference)

	if s.localCache != "" {
		if data, err := os.ReadFile(filepath.Join(s.localCache, filepath.Base(key))); err == nil {
			return data, nil
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(filepath.Join(s.localCache, filepath.Base(key)), data, 0o644)
	}
	return data, nil
}

func (s *S3LogStore) buildKey(jobID string, at time.Time) string {
	return fmt.Sprintf("%s%s/%s.log", s.prefix, at.Format("2006/01/02"), jobID)
}

// ExtractS3Key returns the object key of an s3://bucket/key reference, or
// reference itself when it is not one.
func ExtractS3Key(reference string) string {
	rest, ok := strings.CutPrefix(reference, "s3://")
	if !ok {
		return reference
	}
	if _, key, found := strings.Cut(rest, "/"); found {
		return key
	}
	return reference
}

// LocalLogStore stores logs on the local filesystem.
type LocalLogStore struct {
	basePath string
}

func NewLocalLogStore(basePath string) (*LocalLogStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LocalLogStore{basePath: basePath}, nil
}

func (l *LocalLogStore) Store(ctx context.Context, jobID string, logs []byte) (string, error) {
	path := filepath.Join(l.basePath, jobID+".log")
	if err := os.WriteFile(path, logs, 0o644); err != nil {
		return "", fmt.Errorf("failed to write logs: %w", err)
	}
	return path, nil
}

// Retrieve only reads files under the store's base path.
func (l *LocalLogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	path := filepath.Join(l.basePath, filepath.Base(reference))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// ArchiveSource is the part of JobStore the Archiver reads and updates.
type ArchiveSource interface {
	ListLogs(ctx context.Context, jobID uuid.UUID, afterID uint) ([]models.LogRecord, error)
	SetLogArchive(ctx context.Context, id uuid.UUID, uri string) error
}

// Archiver copies a finished job's log records into a LogStore and records
// the reference on the job.
type Archiver struct {
	Source ArchiveSource
	Store  LogStore
}

func (a *Archiver) Archive(ctx context.Context, jobID uuid.UUID) (string, error) {
	recs, err := a.Source.ListLogs(ctx, jobID, 0)
	if err != nil {
		return "", fmt.Errorf("list logs: %w", err)
	}
	uri, err := a.Store.Store(ctx, jobID.String(), FormatLogs(recs))
	if err != nil {
		return "", err
	}
	if err := a.Source.SetLogArchive(ctx, jobID, uri); err != nil {
		return uri, fmt.Errorf("set archive uri: %w", err)
	}
	return uri, nil
}

// FormatLogs renders records one per line as "<RFC3339 time> [level] message".
func FormatLogs(recs []models.LogRecord) []byte {
	var buf bytes.Buffer
	for _, r := range recs {
		fmt.Fprintf(&buf, "%s [%s] %s\n", r.CreatedAt.UTC().Format(time.RFC3339Nano), r.Level, r.Message)
	}
	return buf.Bytes()
}
