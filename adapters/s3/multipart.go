package s3

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gostratum/core/logx"
	"golang.org/x/sync/errgroup"
)

// minPartSize is the smallest part S3 accepts (except for the last one).
const minPartSize = 5 << 20

// uploadMultipart stores data in PartSize chunks uploaded concurrently.
// A failed upload is aborted so no orphaned parts are billed.
func (s *Storage) uploadMultipart(ctx context.Context, client *s3.Client, key string, data []byte) (err error) {
	partSize := max(s.cfg.PartSize, minPartSize)

	created, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       aws.String(s.cfg.Bucket),
		Key:          aws.String(key),
		ContentType:  aws.String(s.cfg.ContentType),
		StorageClass: s.storageClass(),
	})
	if err != nil {
		return MapS3Error(err, "create_multipart", key)
	}
	uploadID := aws.ToString(created.UploadId)

	s.logger.Debug("Starting multipart upload",
		logx.String("key", key),
		logx.String("upload_id", uploadID),
		logx.Int64("part_size_mb", partSize/(1<<20)),
		logx.Int("concurrency", s.cfg.MultipartConcurrency))

	// Ensure cleanup on failure
	defer func() {
		if err == nil {
			return
		}
		_, abortErr := client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.cfg.Bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if abortErr != nil {
			s.logger.Warn("Failed to abort multipart upload",
				logx.String("key", key),
				logx.String("upload_id", uploadID),
				logx.Err(abortErr))
		}
	}()

	var (
		mu    sync.Mutex
		parts []types.CompletedPart
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.MultipartConcurrency, 1))

	partNumber := int32(1)
	for offset := int64(0); offset < int64(len(data)); offset += partSize {
		chunk := data[offset:min(offset+partSize, int64(len(data)))]
		number := partNumber
		partNumber++

		g.Go(func() error {
			out, err := client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:     aws.String(s.cfg.Bucket),
				Key:        aws.String(key),
				PartNumber: aws.Int32(number),
				UploadId:   aws.String(uploadID),
				Body:       bytes.NewReader(chunk),
			})
			if err != nil {
				return MapS3Error(err, "upload_part", key)
			}

			mu.Lock()
			parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(number)})
			mu.Unlock()
			return nil
		})
	}

	if err = g.Wait(); err != nil {
		return fmt.Errorf("failed to upload parts: %w", err)
	}

	// Parts must be listed in ascending order
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err = client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return MapS3Error(err, "complete_multipart", key)
	}

	s.logger.Debug("Multipart upload completed",
		logx.String("key", key),
		logx.String("upload_id", uploadID),
		logx.Int("parts", len(parts)))
	return nil
}
