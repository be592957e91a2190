package tier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/agentfleet/memsync/internal/core"
)

// s3API is the slice of the S3 client the cold tier uses; tests provide a
// fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Cold implements ColdTier on an S3-compatible object store. Keys follow
// {prefix}/{service_id}/{domain}/{id}.json and hold the full entry body.
type S3Cold struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Cold builds a cold tier against the configured bucket. A custom
// endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Cold(ctx context.Context, bucket, region, endpoint, prefix string) (*S3Cold, error) {
	if bucket == "" {
		return nil, fmt.Errorf("cold tier bucket is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load cold tier credentials: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	if prefix == "" {
		prefix = "memories"
	}
	return &S3Cold{client: client, bucket: bucket, prefix: prefix}, nil
}

// NewS3ColdFromClient wraps an existing client, used by tests.
func NewS3ColdFromClient(client s3API, bucket, prefix string) *S3Cold {
	return &S3Cold{client: client, bucket: bucket, prefix: prefix}
}

func (c *S3Cold) key(serviceID, domain, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", c.prefix, serviceID, domain, id)
}

// PutEntry writes the full entry serialization to the archive.
func (c *S3Cold) PutEntry(ctx context.Context, entry *core.MemoryEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for archive: %w", err)
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.key(entry.ServiceID, entry.Domain, entry.ID)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("cold tier put failed for %s: %w", entry.ID, err)
	}
	return nil
}

// GetEntry retrieves an archived entry by key, (nil, nil) when absent.
func (c *S3Cold) GetEntry(ctx context.Context, serviceID, domain, id string) (*core.MemoryEntry, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(serviceID, domain, id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("cold tier get failed for %s: %w", id, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived entry %s: %w", id, err)
	}

	var entry core.MemoryEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived entry %s: %w", id, err)
	}
	return &entry, nil
}

// DeleteEntry removes the archived object, used by the expiry sweep.
func (c *S3Cold) DeleteEntry(ctx context.Context, serviceID, domain, id string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(serviceID, domain, id)),
	})
	if err != nil {
		return fmt.Errorf("cold tier delete failed for %s: %w", id, err)
	}
	return nil
}
