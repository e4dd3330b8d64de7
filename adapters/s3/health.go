package s3

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const healthTimeout = 2 * time.Second

// Name implements buildcachex.HealthChecker.
func (s *Storage) Name() string { return "buildcachex.s3" }

// Check heads the bucket with the resolved credentials; failures come back
// through MapS3Error so a missing bucket reads as ErrNotFound.
func (s *Storage) Check(ctx context.Context) error {
	client, err := s.client.Client(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return MapS3Error(err, "health", s.cfg.Bucket)
	}
	return nil
}
