package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/config"
	"github.com/mmlab/vialstore/pkg/fsutil"
	"github.com/mmlab/vialstore/pkg/s3client"
)

// Compile-time interface checks.
var (
	_ Sink = (*DirSink)(nil)
	_ Sink   = (*S3Sink)(nil)
	_ Linker = (*S3Sink)(nil)
)

// DirSink writes exports into a local directory.
type DirSink struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.Owner
}

// NewDirSink creates a sink writing into dir, created on demand. Written
// files are chowned to owner when it is set.
func NewDirSink(log logrus.FieldLogger, dir string, owner *fsutil.Owner) *DirSink {
	return &DirSink{
		log:   log.WithField("component", "export-dir"),
		dir:   dir,
		owner: owner,
	}
}

// Name returns the sink name.
func (s *DirSink) Name() string { return "dir" }

// Preflight creates the directory.
func (s *DirSink) Preflight(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}

	return nil
}

// Put writes data atomically via a temporary file in the same directory.
func (s *DirSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := s.Preflight(ctx); err != nil {
		return "", err
	}

	target := filepath.Join(s.dir, filepath.Base(name))

	tmp, err := os.CreateTemp(s.dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return "", fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("setting export permissions: %w", err)
	}

	if err := fsutil.Chown(tmp.Name(), s.owner); err != nil {
		s.log.WithError(err).WithField("file", target).Warn("Failed to set export owner")
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("renaming export: %w", err)
	}

	return target, nil
}

type putObjectAPI interface {
	PutObject(
		ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

// S3Sink uploads exports to S3-compatible storage.
type S3Sink struct {
	log     logrus.FieldLogger
	cfg     *config.S3ExportConfig
	client  putObjectAPI
	presign *presigner
}

// NewS3Sink creates an S3 sink from cfg. Download links are presigned when
// cfg.PresignExpiry holds a positive duration.
func NewS3Sink(log logrus.FieldLogger, cfg *config.S3ExportConfig) *S3Sink {
	client := s3client.New(&cfg.S3ConnectionConfig)
	sink := newS3Sink(log, cfg, client)

	if expiry, err := time.ParseDuration(cfg.PresignExpiry); err == nil && expiry > 0 {
		sink.presign = newPresigner(s3.NewPresignClient(client), cfg.Bucket, expiry)
	}

	return sink
}

func newS3Sink(
	log logrus.FieldLogger, cfg *config.S3ExportConfig, client putObjectAPI,
) *S3Sink {
	return &S3Sink{
		log:    log.WithField("component", "export-s3"),
		cfg:    cfg,
		client: client,
	}
}

// Name returns the sink name.
func (s *S3Sink) Name() string { return "s3" }

// Preflight verifies S3 connectivity by writing a small test object.
func (s *S3Sink) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("vialstore write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(".vialstore-write-test")),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", s.cfg.Bucket, err)
	}

	return nil
}

// Put uploads data under the configured prefix.
func (s *S3Sink) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := s.key(filepath.Base(name))

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(detectContentType(name)),
	}

	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	if s.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(s.cfg.ACL)
	}

	s.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": s.cfg.Bucket,
	}).Debug("Uploading export")

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("PutObject: %w", err)
	}

	return "s3://" + s.cfg.Bucket + "/" + key, nil
}

// key resolves name under the configured prefix, "exports" by default.
func (s *S3Sink) key(name string) string {
	prefix := s.cfg.Prefix
	if prefix == "" {
		prefix = "exports"
	}

	return s3client.JoinKey(prefix, name)
}
