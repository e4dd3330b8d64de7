// Package filesystem provides a local-disk build cache backend used in test
// mode. Each instance owns a private temporary directory that is removed on
// Close.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gostratum/core/logx"

	"github.com/gostratum/buildcachex"
)

func init() {
	buildcachex.RegisterProvider(buildcachex.ProviderFileSystem, func(ctx context.Context, cfg *buildcachex.Config, opts ...buildcachex.Option) (buildcachex.StorageService, error) {
		return NewStorage(cfg, opts...)
	})
}

// Storage stores entries as files under a per-instance temporary directory.
type Storage struct {
	cfg      *buildcachex.Config
	gate     buildcachex.Gate
	location string
	logger   logx.Logger

	closeOnce sync.Once
	closeErr  error
}

var (
	_ buildcachex.StorageService = (*Storage)(nil)
	_ buildcachex.EntryChecker   = (*Storage)(nil)
)

// NewStorage creates the directory "tmp<bucket>*" under cfg.BaseDir (or the
// OS temp dir) and serves entries from it.
func NewStorage(cfg *buildcachex.Config, opts ...buildcachex.Option) (*Storage, error) {
	config, options := buildcachex.GetEffectiveConfig(cfg, opts...)

	if config.BaseDir != "" {
		if err := os.MkdirAll(config.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}

	location, err := os.MkdirTemp(config.BaseDir, "tmp"+config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	logger := options.GetLogger()
	logger.Debug("Filesystem cache created", logx.String("location", location))

	return &Storage{
		cfg:      config,
		gate:     buildcachex.Gate{Enabled: config.Enabled, Push: config.Push},
		location: location,
		logger:   logger,
	}, nil
}

// Location returns the directory holding the entries.
func (s *Storage) Location() string { return s.location }

// Load opens the entry file when it exists and is non-empty.
func (s *Storage) Load(ctx context.Context, key string) (io.ReadCloser, bool) {
	res := buildcachex.AtBoundary(ctx, s.logger, "load", key, func(ctx context.Context) (io.ReadCloser, error) {
		if err := s.gate.CanRead(); err != nil {
			return nil, err
		}
		path, err := s.entry("load", key)
		if err != nil {
			return nil, err
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, &buildcachex.StorageError{Op: "load", Key: key, Err: err}
		}
		return f, nil
	})
	return res.Value, res.OK()
}

// Contains reports whether a non-empty entry file exists without opening it.
func (s *Storage) Contains(ctx context.Context, key string) bool {
	res := buildcachex.AtBoundary(ctx, s.logger, "contains", key, func(ctx context.Context) (string, error) {
		if err := s.gate.CanRead(); err != nil {
			return "", err
		}
		return s.entry("contains", key)
	})
	return res.OK()
}

// entry resolves key to a regular, non-empty file.
func (s *Storage) entry(op, key string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", buildcachex.ErrNotFound
		}
		return "", &buildcachex.StorageError{Op: op, Key: key, Err: err}
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return "", buildcachex.ErrNotFound
	}
	return path, nil
}

// Store writes data atomically: a temp file in the target directory is
// renamed over the entry, so concurrent writers of one key never interleave.
func (s *Storage) Store(ctx context.Context, key string, data []byte) bool {
	res := buildcachex.AtBoundary(ctx, s.logger, "store", key, func(ctx context.Context) (struct{}, error) {
		if err := s.gate.CanWrite(); err != nil {
			return struct{}{}, err
		}
		if err := buildcachex.CheckPayload(int64(len(data)), 0); err != nil {
			return struct{}{}, err
		}
		path, err := s.path(key)
		if err != nil {
			return struct{}{}, err
		}

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return struct{}{}, &buildcachex.StorageError{Op: "store", Key: key, Err: err}
		}

		tmp, err := os.CreateTemp(dir, ".entry-*")
		if err != nil {
			return struct{}{}, &buildcachex.StorageError{Op: "store", Key: key, Err: err}
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			return struct{}{}, &buildcachex.StorageError{Op: "store", Key: key, Err: err}
		}
		if err := tmp.Close(); err != nil {
			return struct{}{}, &buildcachex.StorageError{Op: "store", Key: key, Err: err}
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			return struct{}{}, &buildcachex.StorageError{Op: "store", Key: key, Err: err}
		}
		return struct{}{}, nil
	})
	return res.OK()
}

// Delete removes the entry file.
func (s *Storage) Delete(ctx context.Context, key string) bool {
	res := buildcachex.AtBoundary(ctx, s.logger, "delete", key, func(ctx context.Context) (struct{}, error) {
		if err := s.gate.CanWrite(); err != nil {
			return struct{}{}, err
		}
		path, err := s.path(key)
		if err != nil {
			return struct{}{}, err
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return struct{}{}, buildcachex.ErrNotFound
			}
			return struct{}{}, &buildcachex.StorageError{Op: "delete", Key: key, Err: err}
		}
		return struct{}{}, nil
	})
	return res.OK()
}

// ValidateConfiguration always succeeds for the local filesystem.
func (s *Storage) ValidateConfiguration(ctx context.Context) error {
	return nil
}

// Describe implements buildcachex.StorageService.
func (s *Storage) Describe() buildcachex.Description {
	return buildcachex.Description{
		Provider: buildcachex.ProviderFileSystem,
		Bucket:   s.cfg.Bucket,
		Prefix:   s.cfg.KeyPrefix,
		Push:     s.cfg.Push,
		Enabled:  s.cfg.Enabled,
		Location: s.location,
	}
}

// Close removes the cache directory and everything in it.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Removing filesystem cache", logx.String("location", s.location))
		s.closeErr = os.RemoveAll(s.location)
	})
	return s.closeErr
}

// path maps key onto a file inside the location, refusing keys that escape it.
func (s *Storage) path(key string) (string, error) {
	rel := filepath.FromSlash(strings.TrimLeft(key, "/"))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", buildcachex.ErrInvalidKey, key)
	}
	return filepath.Join(s.location, rel), nil
}

// Name implements buildcachex.HealthChecker.
func (s *Storage) Name() string { return "buildcachex.filesystem" }

// Check verifies the cache directory still exists.
func (s *Storage) Check(ctx context.Context) error {
	info, err := os.Stat(s.location)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.location)
	}
	return nil
}
