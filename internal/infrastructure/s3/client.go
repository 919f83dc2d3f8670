package s3infra

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chem-api/internal/config"
)

// ObjectPutter is the part of *s3.Client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ResultArchive copies completed prediction payloads to S3.
type ResultArchive struct {
	client ObjectPutter
	bucket string
}

// NewClient creates an S3 client. When cfg.AWSEndpointURL is set (LocalStack),
// it overrides the endpoint and enables path-style addressing.
func NewClient(awsCfg aws.Config, cfg *config.Config) *s3.Client {
	clientOpts := []func(*s3.Options){}
	if cfg.AWSEndpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, clientOpts...)
}

func NewResultArchive(client ObjectPutter, bucket string) *ResultArchive {
	return &ResultArchive{client: client, bucket: bucket}
}

// ObjectKey is where the result of jobID owned by ownerID is stored.
func ObjectKey(ownerID, jobID string) string {
	return fmt.Sprintf("predictions/%s/%s.json", ownerID, jobID)
}

// Archive uploads payload and returns its s3:// URI.
func (a *ResultArchive) Archive(ctx context.Context, ownerID, jobID string, payload []byte) (string, error) {
	key := ObjectKey(ownerID, jobID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
