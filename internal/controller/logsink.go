package controller

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"job-orchestrator/internal/config"
)

// LogSink receives worker output. Finish runs after the worker exited and its writer was closed.
type LogSink interface {
	Open(workerID string) (io.WriteCloser, error)
	Finish(ctx context.Context, workerID string) error
}

// DiscardSink drops worker output.
type DiscardSink struct{}

func (DiscardSink) Open(string) (io.WriteCloser, error) { return nopCloser{io.Discard}, nil }

func (DiscardSink) Finish(context.Context, string) error { return nil }

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Archiver stores a finished log somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, key string, body io.Reader) (string, error)
}

// FileLogSink writes each worker's output to <Dir>/<worker-id>.log and hands the file to the
// archiver, if any, once the worker is gone.
type FileLogSink struct {
	Dir      string
	Archiver Archiver
}

func (s *FileLogSink) path(workerID string) string {
	return filepath.Join(s.Dir, workerID+".log")
}

func (s *FileLogSink) Open(workerID string) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return os.OpenFile(s.path(workerID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (s *FileLogSink) Finish(ctx context.Context, workerID string) error {
	if s.Archiver == nil {
		return nil
	}
	f, err := os.Open(s.path(workerID))
	if err != nil {
		return fmt.Errorf("open worker log: %w", err)
	}
	defer f.Close()
	_, err = s.Archiver.Archive(ctx, "workers/"+workerID+".log", f)
	return err
}

// S3Archiver uploads worker logs to a bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds a client from the default AWS chain. S3_ENDPOINT and S3_PATH_STYLE point
// it at S3-compatible stores such as MinIO.
func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.WorkerLogBucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, key string, body io.Reader) (string, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
