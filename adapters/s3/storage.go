// Package s3 provides the Amazon S3 (and S3-compatible) build cache backend.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gostratum/core/logx"

	"github.com/gostratum/buildcachex"
)

// init registers the S3 storage implementation
func init() {
	buildcachex.RegisterProvider(buildcachex.ProviderS3, func(ctx context.Context, cfg *buildcachex.Config, opts ...buildcachex.Option) (buildcachex.StorageService, error) {
		return NewStorage(ctx, cfg, opts...)
	})
}

// Storage implements buildcachex.StorageService on an S3 bucket
type Storage struct {
	cfg     *buildcachex.Config
	gate    buildcachex.Gate
	client  *ClientManager
	policy  *buildcachex.StreamingPolicy
	updater *buildcachex.LifecycleUpdater
	logger  logx.Logger

	closeOnce sync.Once
}

var (
	_ buildcachex.StorageService = (*Storage)(nil)
	_ buildcachex.EntryChecker   = (*Storage)(nil)
)

// NewStorage creates a new S3 storage implementation. Credentials are not
// resolved until the first operation or ValidateConfiguration.
func NewStorage(ctx context.Context, cfg *buildcachex.Config, opts ...buildcachex.Option) (*Storage, error) {
	config, options := buildcachex.GetEffectiveConfig(cfg, opts...)

	// Validate configuration
	if err := buildcachex.ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cm := NewClientManager(config, options.GetCredentials(), options.GetLogger())
	return newStorage(config, options, cm), nil
}

func newStorage(config *buildcachex.Config, options *buildcachex.Options, cm *ClientManager) *Storage {
	logger := options.GetLogger()
	s := &Storage{
		cfg:    config,
		gate:   buildcachex.Gate{Enabled: config.Enabled, Push: config.Push},
		client: cm,
		policy: buildcachex.NewStreamingPolicy(config.SizeThreshold, options.GetSpillDir(), logger),
		logger: logger,
	}

	if config.UpdateLastAccessed && buildcachex.AccessFor(config.Push).Update {
		s.updater = buildcachex.NewLifecycleUpdater(&tagMarker{storage: s}, options.GetClock(), config.RequestTimeout, logger)
	}
	return s
}

// Load fetches key. Zero-length objects, missing keys and every backend
// failure report a miss.
func (s *Storage) Load(ctx context.Context, key string) (io.ReadCloser, bool) {
	res := buildcachex.AtBoundary(ctx, s.logger, "load", key, func(ctx context.Context) (io.ReadCloser, error) {
		if err := s.gate.CanRead(); err != nil {
			return nil, err
		}
		client, err := s.client.Client(ctx)
		if err != nil {
			return nil, err
		}

		rctx, watchdog := buildcachex.WithIdleTimeout(ctx, s.cfg.RequestTimeout)
		defer watchdog.Stop()

		output, err := client.GetObject(rctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, MapS3Error(err, "load", key)
		}
		defer output.Body.Close()

		// Without a length we cannot bound memory, so take the spill path.
		size := s.policy.Threshold() + 1
		if output.ContentLength != nil {
			size = aws.ToInt64(output.ContentLength)
		}
		if size == 0 {
			return nil, buildcachex.ErrNotFound
		}

		s.logger.Debug("Object found",
			logx.String("key", key),
			logx.Int64("size", size),
			logx.Bool("spill", s.policy.Spills(size)))

		stream, err := s.policy.Deliver(watchdog.Reader(output.Body), size)
		if err != nil {
			return nil, &buildcachex.StorageError{Op: "load", Key: key, Err: err}
		}

		s.updater.Touch(ctx, key)
		return stream, nil
	})
	return res.Value, res.OK()
}

// Contains heads the object. Zero-length objects are absent.
func (s *Storage) Contains(ctx context.Context, key string) bool {
	res := buildcachex.AtBoundary(ctx, s.logger, "contains", key, func(ctx context.Context) (struct{}, error) {
		if err := s.gate.CanRead(); err != nil {
			return struct{}{}, err
		}
		client, err := s.client.Client(ctx)
		if err != nil {
			return struct{}{}, err
		}

		head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return struct{}{}, MapS3Error(err, "contains", key)
		}
		if aws.ToInt64(head.ContentLength) == 0 {
			return struct{}{}, buildcachex.ErrNotFound
		}
		return struct{}{}, nil
	})
	return res.OK()
}

// Store uploads data. Payloads above MaxEntrySize are rejected before any
// request; payloads above MultipartThreshold go through a multipart upload.
func (s *Storage) Store(ctx context.Context, key string, data []byte) bool {
	res := buildcachex.AtBoundary(ctx, s.logger, "store", key, func(ctx context.Context) (struct{}, error) {
		if err := s.gate.CanWrite(); err != nil {
			return struct{}{}, err
		}
		if err := buildcachex.CheckPayload(int64(len(data)), s.cfg.MaxEntrySize); err != nil {
			return struct{}{}, err
		}
		client, err := s.client.Client(ctx)
		if err != nil {
			return struct{}{}, err
		}

		if s.cfg.MultipartThreshold > 0 && int64(len(data)) > s.cfg.MultipartThreshold {
			return struct{}{}, s.uploadMultipart(ctx, client, key, data)
		}

		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(s.cfg.Bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(data),
			ContentType:  aws.String(s.cfg.ContentType),
			StorageClass: s.storageClass(),
		})
		if err != nil {
			return struct{}{}, MapS3Error(err, "store", key)
		}

		s.logger.Debug("Object stored", logx.String("key", key), logx.Int("size", len(data)))
		return struct{}{}, nil
	})
	return res.OK()
}

// Delete removes key from the bucket
func (s *Storage) Delete(ctx context.Context, key string) bool {
	res := buildcachex.AtBoundary(ctx, s.logger, "delete", key, func(ctx context.Context) (struct{}, error) {
		if err := s.gate.CanWrite(); err != nil {
			return struct{}{}, err
		}
		client, err := s.client.Client(ctx)
		if err != nil {
			return struct{}{}, err
		}
		_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return struct{}{}, MapS3Error(err, "delete", key)
		}
		return struct{}{}, nil
	})
	return res.OK()
}

// ValidateConfiguration resolves credentials and heads the bucket.
func (s *Storage) ValidateConfiguration(ctx context.Context) error {
	return s.client.ValidateConfiguration(ctx)
}

// Describe implements buildcachex.StorageService.
func (s *Storage) Describe() buildcachex.Description {
	return buildcachex.Description{
		Provider:       buildcachex.ProviderS3,
		Bucket:         s.cfg.Bucket,
		Prefix:         s.cfg.KeyPrefix,
		Push:           s.cfg.Push,
		Enabled:        s.cfg.Enabled,
		CredentialKind: string(s.client.creds.Kind()),
		Location:       s.location(),
	}
}

// Close releases spill files. The S3 client holds no resources of its own.
func (s *Storage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.policy.Close()
	})
	return err
}

func (s *Storage) storageClass() types.StorageClass {
	if s.cfg.ReducedRedundancy {
		return types.StorageClassReducedRedundancy
	}
	return types.StorageClassStandard
}

func (s *Storage) location() string {
	if s.cfg.Endpoint != "" {
		return endpointURL(s.cfg.Endpoint) + "/" + s.cfg.Bucket
	}
	return "s3://" + s.cfg.Bucket
}
