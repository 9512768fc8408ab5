// Package s3 archives cold trunk extents to an S3 bucket, implementing
// pkg/trunk.Archiver.
//
// Grounded on the teacher's pkg/blocks/store/s3/store.go: same
// NewFromConfig/awsconfig.LoadDefaultConfig client construction,
// BaseEndpoint/UsePathStyle options for S3-compatible targets, and
// aws.String-heavy PutObject call shape, re-keyed from per-block keys
// to per-trunk archive keys.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds configuration for the trunk archival target.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// KeyPrefix is prepended to every archived trunk's key.
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool
}

// Archiver is an S3-backed pkg/trunk.Archiver.
type Archiver struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// New creates an Archiver with an existing S3 client.
func New(client *s3.Client, cfg Config) *Archiver {
	return &Archiver{client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}
}

// NewFromConfig creates an Archiver by building an S3 client from cfg.
func NewFromConfig(ctx context.Context, cfg Config) (*Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func (a *Archiver) key(trunkID uint64) string {
	return a.keyPrefix + "trunk-" + strconv.FormatUint(trunkID, 10)
}

// Archive uploads a trunk's live extent to S3, keyed by trunk ID.
func (a *Archiver) Archive(ctx context.Context, trunkID uint64, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(trunkID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put object for trunk %d: %w", trunkID, err)
	}
	return nil
}
