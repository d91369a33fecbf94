package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads signed export envelopes to a cold-storage bucket.
// Page archives each envelope as soon as it succeeds, so completed
// export batches stay retrievable from the bucket after CheckpointTTL
// has made the live checkpoint unresolvable.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver loads AWS credentials and region from the process's
// standard environment/config chain (AWS_REGION, AWS_PROFILE, the
// instance role, etc.) and binds the archiver to bucket.
func NewS3Archiver(ctx context.Context, bucket string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: load AWS config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Archive implements coldstore.Archiver.
func (a *S3Archiver) Archive(ctx context.Context, key string, body []byte) (string, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("export: s3 put %s/%s: %w", a.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
