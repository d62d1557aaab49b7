package defense

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/altum-labs/probanza/pkg/canonicalize"
)

// S3Archive implements Archive using AWS S3.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string // optional key prefix (e.g., "defense/")
}

// S3ArchiveConfig holds configuration for S3Archive.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string
}

// NewS3Archive creates an S3-backed defense archive.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("defense: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (a *S3Archive) Put(ctx context.Context, projectID, chainHead string, data []byte) (string, error) {
	key := a.prefix + archiveKey(projectID, chainHead)
	hash := canonicalize.HashBytes(data)

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return hash, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("defense: s3 put failed: %w", err)
	}
	return hash, nil
}

func (a *S3Archive) Get(ctx context.Context, projectID, chainHead string) ([]byte, error) {
	key := a.prefix + archiveKey(projectID, chainHead)

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("defense: s3 get failed for %s@%s: %w", projectID, chainHead, err)
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

func (a *S3Archive) Exists(ctx context.Context, projectID, chainHead string) (bool, error) {
	key := a.prefix + archiveKey(projectID, chainHead)

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}
