package buildcachex

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Domain Errors - use errors.Is for checking
var (
	// ErrNotFound indicates the requested entry was not found
	ErrNotFound = errors.New("buildcachex: entry not found")

	// ErrInvalidConfig indicates the cache configuration is invalid
	ErrInvalidConfig = errors.New("buildcachex: invalid configuration")

	// ErrTooLarge indicates the payload exceeds the backend's size ceiling
	ErrTooLarge = errors.New("buildcachex: entry too large")

	// ErrInvalidKey indicates the cache key cannot be mapped to a location
	ErrInvalidKey = errors.New("buildcachex: invalid cache key")

	// ErrDisabled indicates the cache is disabled by configuration
	ErrDisabled = errors.New("buildcachex: cache disabled")

	// ErrReadOnly indicates push is disabled, so writes and deletes are refused
	ErrReadOnly = errors.New("buildcachex: push disabled")

	// ErrEmptyPayload indicates a zero-length payload, which is never stored
	ErrEmptyPayload = errors.New("buildcachex: empty payload")

	// ErrUnknownProvider indicates no backend is registered under the requested name
	ErrUnknownProvider = errors.New("buildcachex: unknown provider")

	// ErrTimeout indicates the operation timed out
	ErrTimeout = errors.New("buildcachex: operation timeout")

	// ErrAborted indicates the operation was cancelled
	ErrAborted = errors.New("buildcachex: operation aborted")
)

// StorageError wraps underlying errors with additional context
type StorageError struct {
	Op  string // operation that failed
	Key string // backend key (if applicable)
	Err error  // underlying error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("buildcachex %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("buildcachex %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ConfigurationError is a fatal misconfiguration: a missing or unreachable
// bucket, or credentials that cannot be resolved. It carries a
// human-readable remediation for the operator.
type ConfigurationError struct {
	Op          string
	Bucket      string
	Remediation string
	Err         error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("buildcachex %s", e.Op)
	if e.Bucket != "" {
		msg += fmt.Sprintf(" (bucket %q)", e.Bucket)
	}
	if e.Remediation != "" {
		msg += ": " + e.Remediation
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Remediation returns the operator-facing remediation carried by err, if any.
func Remediation(err error) string {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce.Remediation
	}
	return ""
}

// Description summarizes a storage service for logging and status endpoints.
type Description struct {
	Provider       string `json:"provider"`
	Bucket         string `json:"bucket"`
	Prefix         string `json:"prefix,omitempty"`
	Push           bool   `json:"push"`
	Enabled        bool   `json:"enabled"`
	CredentialKind string `json:"credential_kind,omitempty"`
	Location       string `json:"location,omitempty"`
}

// StorageService is the backend contract behind the cache adapter. Keys
// passed to a StorageService are already encoded by a KeyCodec.
//
// Load, Store and Delete never return errors: every non-configuration failure
// is downgraded to a miss or a false result and logged at debug level, so a
// flaky cache never fails a build. ValidateConfiguration is the only fatal path.
type StorageService interface {
	// Load returns a stream for the entry, or (nil, false) on a miss.
	// The caller must close the returned stream.
	Load(ctx context.Context, key string) (io.ReadCloser, bool)

	// Store writes data under key and reports whether it was persisted.
	Store(ctx context.Context, key string, data []byte) bool

	// Delete removes key and reports whether the removal succeeded.
	Delete(ctx context.Context, key string) bool

	// ValidateConfiguration verifies the bucket exists and is reachable.
	ValidateConfiguration(ctx context.Context) error

	// Describe summarizes the service configuration.
	Describe() Description

	// Close releases the backend client and any spill files. Safe to call twice.
	Close() error
}

// EntryChecker is implemented by backends that can tell whether an entry
// exists from its metadata alone. Contains applies the same gating and
// zero-length rules as Load but never reads the payload or marks access.
type EntryChecker interface {
	Contains(ctx context.Context, key string) bool
}

// HealthChecker is implemented by backends that can check their store
// without touching any entry.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckHealth checks s when it implements HealthChecker and succeeds otherwise.
func CheckHealth(ctx context.Context, s StorageService) error {
	if hc, ok := s.(HealthChecker); ok {
		return hc.Check(ctx)
	}
	return nil
}
