package export

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Linker is implemented by sinks that can hand out download links for
// the locations they return from Put.
type Linker interface {
	Link(ctx context.Context, location string) (string, error)
}

type presignAPI interface {
	PresignGetObject(
		ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions),
	) (*v4.PresignedHTTPRequest, error)
}

type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// presigner generates presigned GET URLs. URLs are cached for half their
// validity so a cached link always has time left.
type presigner struct {
	client   presignAPI
	bucket   string
	expiry   time.Duration
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]presignCacheEntry
	now   func() time.Time
}

func newPresigner(client presignAPI, bucket string, expiry time.Duration) *presigner {
	return &presigner{
		client:   client,
		bucket:   bucket,
		expiry:   expiry,
		cacheTTL: expiry / 2,
		cache:    make(map[string]presignCacheEntry),
		now:      time.Now,
	}
}

func (p *presigner) url(ctx context.Context, key string) (string, error) {
	now := p.now()

	p.mu.RLock()
	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	p.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}

// Link returns a presigned download URL for a location written by Put.
// It returns "" when presigning is not configured.
func (s *S3Sink) Link(ctx context.Context, location string) (string, error) {
	if s.presign == nil {
		return "", nil
	}

	prefix := "s3://" + s.cfg.Bucket + "/"
	if !strings.HasPrefix(location, prefix) {
		return "", fmt.Errorf("location %q is not in bucket %s", location, s.cfg.Bucket)
	}

	return s.presign.url(ctx, strings.TrimPrefix(location, prefix))
}

// Links asks every sink that supports it for a download link of the
// given locations. Sinks without links are skipped.
func (e *Exporter) Links(ctx context.Context, locations []string) map[string]string {
	links := make(map[string]string, len(locations))

	for _, loc := range locations {
		for _, s := range e.sinks {
			l, ok := s.(Linker)
			if !ok {
				continue
			}

			url, err := l.Link(ctx, loc)
			if err != nil {
				e.log.WithError(err).WithField("location", loc).Debug("No download link")

				continue
			}

			if url != "" {
				links[loc] = url

				break
			}
		}
	}

	return links
}
