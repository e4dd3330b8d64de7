package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gostratum/buildcachex"
)

// MapS3Error converts S3 SDK errors to domain errors
func MapS3Error(err error, op, key string) error {
	if err == nil {
		return nil
	}

	wrap := func(domain error) error {
		return &buildcachex.StorageError{Op: op, Key: key, Err: domain}
	}

	if errors.Is(err, context.Canceled) {
		return wrap(buildcachex.ErrAborted)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(buildcachex.ErrTimeout)
	}

	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return wrap(buildcachex.ErrNotFound)
	case errors.As(err, &noSuchBucket):
		return wrap(fmt.Errorf("%w: bucket does not exist: %v", buildcachex.ErrInvalidConfig, err))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if mapped := mapAPIErrorCode(apiErr.ErrorCode()); mapped != nil {
			return wrap(fmt.Errorf("%w: %s", mapped, apiErr.ErrorMessage()))
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if mapped := mapHTTPStatus(respErr.HTTPStatusCode()); mapped != nil {
			return wrap(fmt.Errorf("%w: %v", mapped, err))
		}
	}

	return wrap(err)
}

// mapAPIErrorCode maps S3 API error codes to domain errors
func mapAPIErrorCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return buildcachex.ErrNotFound
	case "NoSuchBucket", "InvalidBucketName", "AccessDenied", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return buildcachex.ErrInvalidConfig
	case "EntityTooLarge":
		return buildcachex.ErrTooLarge
	case "RequestTimeout", "SlowDown", "ServiceUnavailable", "InternalError":
		return buildcachex.ErrTimeout
	default:
		return nil
	}
}

// mapHTTPStatus maps HTTP status codes to domain errors
func mapHTTPStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return buildcachex.ErrNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return buildcachex.ErrInvalidConfig
	case http.StatusRequestEntityTooLarge:
		return buildcachex.ErrTooLarge
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return buildcachex.ErrTimeout
	default:
		return nil
	}
}
