package buildcachex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gostratum/core/logx"
)

// CredentialKind names a credential variant for logging.
type CredentialKind string

const (
	KindAmbient  CredentialKind = "ambient-default"
	KindExported CredentialKind = "exported-secret"
	KindExternal CredentialKind = "external-provider"
)

// Credentials is the closed set of ways a backend can authenticate:
// AmbientDefault, ExportedSecret and ExternalProvider.
type Credentials interface {
	Kind() CredentialKind
	sealed()
}

// AmbientDefault uses whatever identity the environment provides
// (application default credentials, the AWS default chain).
type AmbientDefault struct {
	// Profile optionally selects a named profile (S3 only)
	Profile string
}

// SecretSupplier materializes an exported secret payload on demand.
type SecretSupplier func() (string, error)

// ExportedSecret authenticates with an explicitly exported secret. The payload
// format is backend specific: GCP service-account JSON for GCS, a
// credential_process style JSON document for S3.
type ExportedSecret struct {
	Supplier SecretSupplier
}

// ExternalProvider hands authentication to an opaque, backend-specific handle
// (an oauth2.TokenSource for GCS, an aws.CredentialsProvider for S3).
type ExternalProvider struct {
	Handle any
}

func (AmbientDefault) Kind() CredentialKind   { return KindAmbient }
func (ExportedSecret) Kind() CredentialKind   { return KindExported }
func (ExternalProvider) Kind() CredentialKind { return KindExternal }

func (AmbientDefault) sealed()   {}
func (ExportedSecret) sealed()   {}
func (ExternalProvider) sealed() {}

// FileSecret returns a supplier that reads the payload from path on each call.
func FileSecret(path string) SecretSupplier {
	return func() (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read secret file %q: %w", path, err)
		}
		return string(data), nil
	}
}

// StaticSecret returns a supplier that always yields payload.
func StaticSecret(payload string) SecretSupplier {
	return func() (string, error) { return payload, nil }
}

// StaticKeysPayload is the credential_process document understood by the S3
// backend for exported secrets.
type StaticKeysPayload struct {
	Version         int    `json:"Version"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken,omitempty"`
	Expiration      string `json:"Expiration,omitempty"`
}

// CredentialsFromConfig builds the declared credential variant. Static S3
// keys are carried as an exported credential_process payload.
func CredentialsFromConfig(cfg *Config) Credentials {
	creds := cfg.Credentials
	if creds.Type != CredentialsExported {
		return AmbientDefault{Profile: creds.Profile}
	}
	if creds.KeyFile != "" {
		return ExportedSecret{Supplier: FileSecret(creds.KeyFile)}
	}
	if creds.AccessKey != "" {
		return ExportedSecret{Supplier: func() (string, error) {
			data, err := json.Marshal(StaticKeysPayload{
				Version:         1,
				AccessKeyID:     creds.AccessKey,
				SecretAccessKey: creds.SecretKey,
				SessionToken:    creds.SessionToken,
			})
			return string(data), err
		}}
	}
	return ExportedSecret{}
}

// Access is the set of operations a resolved credential must be scoped for.
type Access struct {
	Read   bool
	Write  bool
	Delete bool
	Update bool
}

// AccessFor returns the least-privilege access set: read always, write,
// delete and metadata update only when push is enabled.
func AccessFor(push bool) Access {
	return Access{Read: true, Write: push, Delete: push, Update: push}
}

// ReadOnly reports whether no mutating access is granted.
func (a Access) ReadOnly() bool {
	return !a.Write && !a.Delete && !a.Update
}

// AmbientSource acquires environment-provided credentials of type T.
type AmbientSource[T any] interface {
	// Acquire loads the credential and refreshes it if expired.
	Acquire(ctx context.Context) (T, error)
	// Introspect verifies the credential against the identity service.
	Introspect(ctx context.Context, cred T) error
	// Invalidate clears the process-wide ambient credential cache.
	Invalidate()
}

// ResolveAmbient runs the ambient protocol: acquire, refresh and introspect.
// On the first failure the process-wide cache is invalidated once and the
// whole acquisition is retried. A second failure is fatal and carries
// remediation for the operator.
func ResolveAmbient[T any](ctx context.Context, src AmbientSource[T], remediation string, logger logx.Logger) (T, error) {
	if logger == nil {
		logger = logx.NewNoopLogger()
	}

	attempt := func() (T, error) {
		cred, err := src.Acquire(ctx)
		if err != nil {
			return cred, err
		}
		if err := src.Introspect(ctx, cred); err != nil {
			var zero T
			return zero, fmt.Errorf("credential introspection failed: %w", err)
		}
		return cred, nil
	}

	cred, err := attempt()
	if err == nil {
		return cred, nil
	}

	logger.Debug("ambient credentials unusable, clearing cache and retrying", logx.Err(err))
	src.Invalidate()

	cred, err = attempt()
	if err != nil {
		var zero T
		return zero, &ConfigurationError{
			Op:          "resolve_credentials",
			Remediation: remediation,
			Err:         err,
		}
	}
	return cred, nil
}

// ErrEmptySecret is returned when an exported secret payload is blank.
var ErrEmptySecret = errors.New("buildcachex: credentials are empty")

// ResolveExported runs the exported protocol: materialize the payload, build
// a scoped credential and refresh it once. Any failure is immediately fatal.
func ResolveExported[T any](ctx context.Context, supplier SecretSupplier, build func(ctx context.Context, payload string) (T, error), remediation string) (T, error) {
	var zero T
	if supplier == nil {
		return zero, &ConfigurationError{Op: "resolve_credentials", Remediation: remediation, Err: ErrEmptySecret}
	}

	payload, err := supplier()
	if err != nil {
		return zero, &ConfigurationError{Op: "resolve_credentials", Remediation: remediation, Err: err}
	}
	if strings.TrimSpace(payload) == "" {
		return zero, &ConfigurationError{Op: "resolve_credentials", Remediation: "Credentials are empty.", Err: ErrEmptySecret}
	}

	cred, err := build(ctx, payload)
	if err != nil {
		return zero, &ConfigurationError{Op: "resolve_credentials", Remediation: remediation, Err: err}
	}
	return cred, nil
}

// AmbientRegistry is a process-wide cache of ambient credentials keyed by
// scope. Invalidate drops every entry.
type AmbientRegistry[T any] struct {
	mu      sync.Mutex
	entries map[string]T
}

// Get returns the cached credential for key, loading it with load on a miss.
func (r *AmbientRegistry[T]) Get(key string, load func() (T, error)) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cred, ok := r.entries[key]; ok {
		return cred, nil
	}
	cred, err := load()
	if err != nil {
		return cred, err
	}
	if r.entries == nil {
		r.entries = make(map[string]T)
	}
	r.entries[key] = cred
	return cred, nil
}

// Invalidate clears every cached credential.
func (r *AmbientRegistry[T]) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Range calls fn for every cached credential.
func (r *AmbientRegistry[T]) Range(fn func(key string, cred T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.entries {
		fn(k, v)
	}
}

// Len reports how many credentials are cached.
func (r *AmbientRegistry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
