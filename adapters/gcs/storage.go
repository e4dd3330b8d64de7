// Package gcs provides the Google Cloud Storage build cache backend.
package gcs

import (
	"context"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/gostratum/core/logx"

	"github.com/gostratum/buildcachex"
)

func init() {
	buildcachex.RegisterProvider(buildcachex.ProviderGCS, func(ctx context.Context, cfg *buildcachex.Config, opts ...buildcachex.Option) (buildcachex.StorageService, error) {
		return NewStorage(ctx, cfg, opts...)
	})
}

// Storage implements buildcachex.StorageService on a GCS bucket
type Storage struct {
	cfg     *buildcachex.Config
	gate    buildcachex.Gate
	client  *ClientManager
	policy  *buildcachex.StreamingPolicy
	updater *buildcachex.LifecycleUpdater
	logger  logx.Logger

	closeOnce sync.Once
	closeErr  error
}

var (
	_ buildcachex.StorageService = (*Storage)(nil)
	_ buildcachex.EntryChecker   = (*Storage)(nil)
)

// NewStorage creates a GCS backend. Credentials are resolved on first use.
func NewStorage(ctx context.Context, cfg *buildcachex.Config, opts ...buildcachex.Option) (*Storage, error) {
	config, options := buildcachex.GetEffectiveConfig(cfg, opts...)
	if err := buildcachex.ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cm := NewClientManager(config, options.GetCredentials(), options.GetLogger())
	return newStorage(config, options, cm), nil
}

// NewStorageWithClient creates a GCS backend over an existing client, for
// hosts that manage authentication themselves. The client is closed by Close.
func NewStorageWithClient(cfg *buildcachex.Config, client *storage.Client, opts ...buildcachex.Option) (*Storage, error) {
	config, options := buildcachex.GetEffectiveConfig(cfg, opts...)
	if err := buildcachex.ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cm := newStaticClientManager(config, buildcachex.ExternalProvider{Handle: client}, options.GetLogger(), client)
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
		s.updater = buildcachex.NewLifecycleUpdater(&customTimeMarker{storage: s}, options.GetClock(), config.RequestTimeout, logger)
	}
	return s
}

// Load reads key. Zero-length objects, missing keys and every backend
// failure report a miss.
func (s *Storage) Load(ctx context.Context, key string) (io.ReadCloser, bool) {
	res := buildcachex.AtBoundary(ctx, s.logger, "load", key, func(ctx context.Context) (io.ReadCloser, error) {
		if err := s.gate.CanRead(); err != nil {
			return nil, err
		}
		bucket, err := s.client.Bucket(ctx)
		if err != nil {
			return nil, err
		}

		rctx, watchdog := buildcachex.WithIdleTimeout(ctx, s.cfg.RequestTimeout)
		defer watchdog.Stop()

		r, err := bucket.Object(key).NewReader(rctx)
		if err != nil {
			return nil, MapGCSError(err, "load", key)
		}
		defer r.Close()

		size := r.Attrs.Size
		if size == 0 {
			return nil, buildcachex.ErrNotFound
		}

		s.logger.Debug("Object found",
			logx.String("key", key),
			logx.Int64("size", size),
			logx.Bool("spill", s.policy.Spills(size)))

		stream, err := s.policy.Deliver(watchdog.Reader(r), size)
		if err != nil {
			return nil, &buildcachex.StorageError{Op: "load", Key: key, Err: err}
		}

		s.updater.Touch(ctx, key)
		return stream, nil
	})
	return res.Value, res.OK()
}

// Contains reads the object attributes only. Zero-length objects are absent.
func (s *Storage) Contains(ctx context.Context, key string) bool {
	res := buildcachex.AtBoundary(ctx, s.logger, "contains", key, func(ctx context.Context) (struct{}, error) {
		if err := s.gate.CanRead(); err != nil {
			return struct{}{}, err
		}
		bucket, err := s.client.Bucket(ctx)
		if err != nil {
			return struct{}{}, err
		}

		actx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		attrs, err := bucket.Object(key).Attrs(actx)
		if err != nil {
			return struct{}{}, MapGCSError(err, "contains", key)
		}
		if attrs.Size == 0 {
			return struct{}{}, buildcachex.ErrNotFound
		}
		return struct{}{}, nil
	})
	return res.OK()
}

// Store uploads data, rejecting payloads above MaxEntrySize before any request.
func (s *Storage) Store(ctx context.Context, key string, data []byte) bool {
	res := buildcachex.AtBoundary(ctx, s.logger, "store", key, func(ctx context.Context) (struct{}, error) {
		if err := s.gate.CanWrite(); err != nil {
			return struct{}{}, err
		}
		if err := buildcachex.CheckPayload(int64(len(data)), s.cfg.MaxEntrySize); err != nil {
			return struct{}{}, err
		}
		bucket, err := s.client.Bucket(ctx)
		if err != nil {
			return struct{}{}, err
		}

		wctx, watchdog := buildcachex.WithIdleTimeout(ctx, s.cfg.RequestTimeout)
		defer watchdog.Stop()

		w := bucket.Object(key).NewWriter(wctx)
		w.ProgressFunc = func(int64) { watchdog.Kick() }
		w.ContentType = s.cfg.ContentType
		if s.cfg.StorageClass != "" {
			w.StorageClass = s.cfg.StorageClass
		}

		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return struct{}{}, MapGCSError(err, "store", key)
		}
		if err := w.Close(); err != nil {
			return struct{}{}, MapGCSError(err, "store", key)
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
		bucket, err := s.client.Bucket(ctx)
		if err != nil {
			return struct{}{}, err
		}

		dctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		if err := bucket.Object(key).Delete(dctx); err != nil {
			return struct{}{}, MapGCSError(err, "delete", key)
		}
		return struct{}{}, nil
	})
	return res.OK()
}

// ValidateConfiguration resolves credentials and reads the bucket metadata.
func (s *Storage) ValidateConfiguration(ctx context.Context) error {
	return s.client.ValidateConfiguration(ctx)
}

// Describe implements buildcachex.StorageService.
func (s *Storage) Describe() buildcachex.Description {
	return buildcachex.Description{
		Provider:       buildcachex.ProviderGCS,
		Bucket:         s.cfg.Bucket,
		Prefix:         s.cfg.KeyPrefix,
		Push:           s.cfg.Push,
		Enabled:        s.cfg.Enabled,
		CredentialKind: string(s.client.creds.Kind()),
		Location:       "gs://" + s.cfg.Bucket,
	}
}

// Close closes the client (if it was built) and removes spill files.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing GCS storage", logx.String("bucket", s.cfg.Bucket))
		s.closeErr = s.client.Close()
		if err := s.policy.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
