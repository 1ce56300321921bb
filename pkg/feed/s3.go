package feed

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/config"
	"github.com/mmlab/vialstore/pkg/s3client"
)

// Compile-time interface check.
var _ Feed = (*S3Feed)(nil)

// objectAPI is the part of the S3 API the feed uses.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(
		ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options),
	) (*s3.GetObjectOutput, error)
}

// S3Feed reads export files from S3-compatible storage. File IDs are
// object keys.
type S3Feed struct {
	log      logrus.FieldLogger
	client   objectAPI
	bucket   string
	prefixes []string
	pattern  *regexp.Regexp
}

// NewS3Feed creates a feed over the configured bucket prefixes. With no
// prefixes the whole bucket is listed.
func NewS3Feed(
	log logrus.FieldLogger,
	cfg *config.S3FeedConfig,
	pattern *regexp.Regexp,
) *S3Feed {
	return newS3Feed(log, s3client.New(&cfg.S3ConnectionConfig), cfg, pattern)
}

func newS3Feed(
	log logrus.FieldLogger,
	client objectAPI,
	cfg *config.S3FeedConfig,
	pattern *regexp.Regexp,
) *S3Feed {
	prefixes := make([]string, 0, len(cfg.Prefixes))
	for _, p := range cfg.Prefixes {
		p = strings.Trim(p, "/")
		if p != "" {
			prefixes = append(prefixes, p+"/")
		}
	}

	if len(prefixes) == 0 {
		prefixes = []string{""}
	}

	sort.Strings(prefixes)

	return &S3Feed{
		log:      log.WithField("component", "feed-s3"),
		client:   client,
		bucket:   cfg.Bucket,
		prefixes: prefixes,
		pattern:  pattern,
	}
}

// Name returns the backend name.
func (f *S3Feed) Name() string { return "s3" }

// ListFiles lists matching objects under every prefix.
func (f *S3Feed) ListFiles(ctx context.Context) ([]FileInfo, error) {
	seen := make(map[string]struct{})

	var files []FileInfo

	for _, prefix := range f.prefixes {
		paginator := s3.NewListObjectsV2Paginator(
			f.client, &s3.ListObjectsV2Input{
				Bucket: aws.String(f.bucket),
				Prefix: aws.String(prefix),
			},
		)

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
			}

			for _, obj := range page.Contents {
				if obj.Key == nil {
					continue
				}

				key := *obj.Key
				name := path.Base(key)

				if strings.HasSuffix(key, "/") || strings.HasPrefix(name, "~$") ||
					!f.pattern.MatchString(name) {
					continue
				}

				if _, dup := seen[key]; dup {
					continue
				}

				seen[key] = struct{}{}

				info := FileInfo{ID: key, Name: name}
				if obj.Size != nil {
					info.Size = *obj.Size
				}

				if obj.LastModified != nil {
					info.ModTime = obj.LastModified.UTC()
				}

				files = append(files, info)
			}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })

	f.log.WithField("files", len(files)).Debug("Listed feed objects")

	return files, nil
}

// Read downloads the object with the given key.
func (f *S3Feed) Read(ctx context.Context, id string) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if s3client.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return nil, fmt.Errorf("getting object %q: %w", id, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", id, err)
	}

	return data, nil
}
