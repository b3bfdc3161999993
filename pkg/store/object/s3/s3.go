// Package s3 implements an object store on Amazon S3 or an S3-compatible
// service. Each object is one S3 key; PutObject gives the all-or-nothing
// commit the store requires.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/dittobackup/pkg/store/object"
)

// Config holds the S3 connection settings. It is decoded from the
// objects.s3 configuration map.
type Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// Store implements object.Store with one S3 key per object:
//
//	<key prefix>o<16 hex digits>
//
// Thread Safety:
// Safe for concurrent use; the S3 client is.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// NewClient builds an S3 client from cfg.
//
// A custom endpoint (MinIO, Localstack) switches the client to path-style
// addressing. Static credentials are used when both keys are set, otherwise
// the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	// ========================================================================
	// Step 1: Build AWS config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))

	if cfg.Endpoint != "" {
		//nolint:staticcheck // BaseEndpoint is set on the client below as well
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...any) (aws.Endpoint, error) {
				//nolint:staticcheck
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(resolver))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create the client
	// ========================================================================

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	}), nil
}

// New creates an S3 object store and verifies the bucket is reachable. The
// bucket must already exist.
func New(ctx context.Context, client *s3.Client, bucket, keyPrefix string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("S3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", bucket, err)
	}

	return &Store{client: client, bucket: bucket, keyPrefix: keyPrefix}, nil
}

func (s *Store) key(id int64) string {
	return fmt.Sprintf("%so%016x", s.keyPrefix, uint64(id))
}

func (s *Store) parseKey(key string) (int64, bool) {
	name, ok := strings.CutPrefix(key, s.keyPrefix+"o")
	if !ok || len(name) != 16 {
		return 0, false
	}
	u, err := strconv.ParseUint(name, 16, 64)
	if err != nil {
		return 0, false
	}
	return int64(u), true
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// ReadObject streams the object body.
func (s *Store) ReadObject(ctx context.Context, id int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, object.NotFound(id)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", object.FormatID(id), err)
	}
	return out.Body, nil
}

// WriteObject uploads data with a single PutObject.
func (s *Store) WriteObject(ctx context.Context, id int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", object.FormatID(id), err)
	}
	return nil
}

func (s *Store) head(ctx context.Context, id int64) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
}

// ObjectExists issues a HeadObject.
func (s *Store) ObjectExists(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if _, err := s.head(ctx, id); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", object.FormatID(id), err)
	}
	return true, nil
}

// ObjectSize returns the ContentLength reported by HeadObject.
func (s *Store) ObjectSize(ctx context.Context, id int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	out, err := s.head(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return 0, object.NotFound(id)
		}
		return 0, fmt.Errorf("failed to stat object %s: %w", object.FormatID(id), err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// DeleteObject removes the key. S3 deletes are idempotent.
func (s *Store) DeleteObject(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", object.FormatID(id), err)
	}
	return nil
}

// ListObjects pages through every key under the prefix.
func (s *Store) ListObjects(ctx context.Context) ([]int64, error) {
	var ids []int64
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if id, ok := s.parseKey(aws.ToString(obj.Key)); ok {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Close is a no-op; the client has nothing to release.
func (s *Store) Close() error {
	return nil
}
