package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrObjectNotFound is returned by GetObject when the key does not exist.
var ErrObjectNotFound = errors.New("s3 object not found")

// ObjectStore reads and writes whole objects in one bucket.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type S3Client struct {
	client *s3.Client
	bucket string
}

func NewS3Client(cfg sdkaws.Config, bucket string) *S3Client {
	return &S3Client{
		client: s3.NewFromConfig(cfg, func(o *s3.Options) {
			// LocalStack only serves path-style URLs.
			o.UsePathStyle = true
		}),
		bucket: bucket,
	}
}

func (c *S3Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      sdkaws.String(c.bucket),
		Key:         sdkaws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: sdkaws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", c.bucket, key, err)
	}
	return nil
}

func (c *S3Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: sdkaws.String(c.bucket),
		Key:    sdkaws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("s3 get %s/%s: %w", c.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
