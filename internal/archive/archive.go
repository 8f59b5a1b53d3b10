// Package archive keeps a JSON copy of every settled or refunded sale in an
// S3-compatible bucket before the finalizer deletes it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mbd888/xmrescrow/internal/sale"
)

// Config for the archive bucket. Endpoint is only needed for S3-compatible
// providers (MinIO, R2); it also switches to path-style addressing.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string // empty: default AWS credential chain
	SecretAccessKey string
}

// objectAPI is the slice of the S3 client the archiver uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archiver writes sale snapshots to S3.
type S3Archiver struct {
	api    objectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// Record is the archived document.
type Record struct {
	Sale       *sale.Sale `json:"sale"`
	Flags      sale.Flags `json:"flags"`
	ArchivedAt time.Time  `json:"archivedAt"`
}

// New creates an S3Archiver from cfg.
func New(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return newArchiver(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newArchiver(api objectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		api:    api,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

// Archive uploads the sale snapshot. Keys are partitioned by creation month
// so a bucket listing stays cheap: <prefix>/2026/03/<id>.json.
func (a *S3Archiver) Archive(ctx context.Context, s *sale.Sale) error {
	body, err := json.Marshal(Record{Sale: s, Flags: s.Flags(), ArchivedAt: a.now().UTC()})
	if err != nil {
		return fmt.Errorf("archive: marshal sale %s: %w", s.ID, err)
	}

	key := a.Key(s)
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

// Key returns the object key for s.
func (a *S3Archiver) Key(s *sale.Sale) string {
	created := s.CreatedAt.UTC()
	return path.Join(a.prefix, created.Format("2006"), created.Format("01"), s.ID+".json")
}

// Health verifies the bucket is reachable.
func (a *S3Archiver) Health(ctx context.Context) error {
	if _, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("archive: bucket %s: %w", a.bucket, err)
	}
	return nil
}

func normaliseEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	return "https://" + endpoint
}
