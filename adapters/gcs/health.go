package gcs

import (
	"context"
	"fmt"
	"time"
)

// Name implements buildcachex.HealthChecker.
func (s *Storage) Name() string { return "buildcachex.gcs" }

// Check reports whether the bucket metadata is readable.
func (s *Storage) Check(ctx context.Context) error {
	bucket, err := s.client.Bucket(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket attrs failed: %w", err)
	}
	return nil
}
