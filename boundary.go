package buildcachex

import (
	"context"
	"errors"

	"github.com/gostratum/core/logx"
)

// Result is the outcome of a backend call made at the soft-failure boundary.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// Missing reports whether the call failed because the entry does not exist.
func (r Result[T]) Missing() bool { return errors.Is(r.Err, ErrNotFound) }

// AtBoundary runs fn and downgrades any failure into a Result, logging it at
// debug level. Backends funnel every Load, Store and Delete through here so
// failures never escape to the build.
func AtBoundary[T any](ctx context.Context, logger logx.Logger, op, key string, fn func(ctx context.Context) (T, error)) Result[T] {
	val, err := fn(ctx)
	if err == nil {
		return Result[T]{Value: val}
	}

	switch {
	case errors.Is(err, ErrNotFound):
		logger.Debug("cache entry not found", logx.String("op", op), logx.String("key", key))
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrReadOnly), errors.Is(err, ErrEmptyPayload):
		logger.Debug("cache operation skipped", logx.String("op", op), logx.String("key", key), logx.String("reason", err.Error()))
	default:
		logger.Debug("cache operation failed", logx.String("op", op), logx.String("key", key), logx.Err(err))
	}
	return Result[T]{Value: val, Err: err}
}

// Gate enforces the enabled and push flags shared by every backend.
type Gate struct {
	Enabled bool
	Push    bool
}

// CanRead returns ErrDisabled when the cache is disabled.
func (g Gate) CanRead() error {
	if !g.Enabled {
		return ErrDisabled
	}
	return nil
}

// CanWrite returns ErrDisabled or ErrReadOnly when Store/Delete are not allowed.
func (g Gate) CanWrite() error {
	if !g.Enabled {
		return ErrDisabled
	}
	if !g.Push {
		return ErrReadOnly
	}
	return nil
}

// CheckPayload rejects empty payloads and, when ceiling is positive,
// payloads larger than it.
func CheckPayload(size, ceiling int64) error {
	if size == 0 {
		return ErrEmptyPayload
	}
	if ceiling > 0 && size > ceiling {
		return ErrTooLarge
	}
	return nil
}
