package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/gostratum/buildcachex"
)

// MapGCSError converts GCS client errors to domain errors
func MapGCSError(err error, op, key string) error {
	if err == nil {
		return nil
	}

	wrap := func(domain error) error {
		return &buildcachex.StorageError{Op: op, Key: key, Err: domain}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return wrap(buildcachex.ErrAborted)
	case errors.Is(err, context.DeadlineExceeded):
		return wrap(buildcachex.ErrTimeout)
	case errors.Is(err, storage.ErrObjectNotExist):
		return wrap(buildcachex.ErrNotFound)
	case errors.Is(err, storage.ErrBucketNotExist):
		return wrap(fmt.Errorf("%w: bucket does not exist", buildcachex.ErrInvalidConfig))
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return wrap(buildcachex.ErrNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			return wrap(fmt.Errorf("%w: %s", buildcachex.ErrInvalidConfig, apiErr.Message))
		case http.StatusRequestEntityTooLarge:
			return wrap(buildcachex.ErrTooLarge)
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return wrap(fmt.Errorf("%w: %s", buildcachex.ErrTimeout, apiErr.Message))
		}
	}

	return wrap(err)
}
