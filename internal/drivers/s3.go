package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// s3API is the subset of *s3.Client the driver calls.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Driver implements Driver for S3-compatible storage
type S3Driver struct {
	endpoint string
	region   string
	logger   *zap.Logger
	client   s3API
}

// NewS3Driver creates a new S3 storage driver
func NewS3Driver(ctx context.Context, endpoint, accessKey, secretKey, region string, logger *zap.Logger) (*S3Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(creds),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			// Most self-hosted S3 endpoints only route path-style requests.
			o.UsePathStyle = true
		}
	})

	return newS3Driver(endpoint, region, client, logger), nil
}

func newS3Driver(endpoint, region string, client s3API, logger *zap.Logger) *S3Driver {
	return &S3Driver{
		endpoint: endpoint,
		region:   region,
		logger:   logger,
		client:   client,
	}
}

// Put stores data in S3
func (d *S3Driver) Put(ctx context.Context, container, artifact string, data io.Reader, opts ...PutOption) error {
	o := applyPutOptions(opts)
	input := &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(artifact),
		Body:   data,
	}
	if o.ContentType != "" {
		input.ContentType = aws.String(o.ContentType)
	}

	if _, err := d.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s/%s: %w", container, artifact, err)
	}

	d.logger.Debug("S3Driver.Put",
		zap.String("bucket", container),
		zap.String("key", artifact))
	return nil
}

// Get retrieves data from S3
func (d *S3Driver) Get(ctx context.Context, container, artifact string) (io.ReadCloser, error) {
	result, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(artifact),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("get object %s/%s: %w", container, artifact, ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s/%s: %w", container, artifact, err)
	}
	return result.Body, nil
}

// Delete removes an object from S3
func (d *S3Driver) Delete(ctx context.Context, container, artifact string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(artifact),
	})
	if err != nil {
		return fmt.Errorf("delete object %s/%s: %w", container, artifact, err)
	}
	return nil
}

// List returns object keys in a container with optional prefix. Follows
// continuation tokens until the listing is exhausted.
func (d *S3Driver) List(ctx context.Context, container, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(container),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var keys []string
	for {
		result, err := d.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects in %s: %w", container, err)
		}
		for _, obj := range result.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(result.IsTruncated) || result.NextContinuationToken == nil {
			return keys, nil
		}
		input.ContinuationToken = result.NextContinuationToken
	}
}

// Exists checks if an object exists
func (d *S3Driver) Exists(ctx context.Context, container, artifact string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(artifact),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("head object %s/%s: %w", container, artifact, err)
}

// HealthCheck confirms the bucket exists and the credentials can reach it.
func (d *S3Driver) HealthCheck(ctx context.Context, container string) error {
	if _, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(container)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", container, err)
	}
	return nil
}
