package gcs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"github.com/gostratum/core/logx"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/gostratum/buildcachex"
)

// Scopes granted to resolved credentials.
const (
	ScopeReadOnly    = storage.ScopeReadOnly
	ScopeReadWrite   = storage.ScopeReadWrite
	ScopeFullControl = storage.ScopeFullControl
)

// ScopesFor returns the OAuth2 scopes needed for access: read only unless
// the credential must also write, delete or update metadata.
func ScopesFor(access buildcachex.Access) []string {
	if access.ReadOnly() {
		return []string{ScopeReadOnly}
	}
	return []string{ScopeReadOnly, ScopeReadWrite, ScopeFullControl}
}

// defaultFinder locates Application Default Credentials.
type defaultFinder func(ctx context.Context, scopes ...string) (*google.Credentials, error)

// clientFactory creates the storage client from resolved options.
type clientFactory func(ctx context.Context, opts ...option.ClientOption) (*storage.Client, error)

// ClientManager lazily builds the authenticated GCS client. The first caller
// resolves credentials; everybody else reuses the memoized client or error.
type ClientManager struct {
	config *buildcachex.Config
	creds  buildcachex.Credentials
	scopes []string
	logger logx.Logger

	findDefault defaultFinder
	newClient   clientFactory
	tokenInfo   *tokenInfoClient

	client *buildcachex.Lazy[*storage.Client]
}

// NewClientManager creates a client manager. No network calls are made until
// the client is first needed.
func NewClientManager(cfg *buildcachex.Config, creds buildcachex.Credentials, logger logx.Logger) *ClientManager {
	return newClientManager(cfg, creds, logger, google.FindDefaultCredentials, storage.NewClient)
}

func newClientManager(cfg *buildcachex.Config, creds buildcachex.Credentials, logger logx.Logger, findDefault defaultFinder, newClient clientFactory) *ClientManager {
	if logger == nil {
		logger = logx.NewNoopLogger()
	}
	cm := &ClientManager{
		config:      cfg,
		creds:       creds,
		scopes:      ScopesFor(buildcachex.AccessFor(cfg.Push)),
		logger:      logger,
		findDefault: findDefault,
		newClient:   newClient,
		tokenInfo:   newTokenInfoClient(cfg, logger),
	}
	cm.client = buildcachex.NewLazy(cm.build)
	return cm
}

// newStaticClientManager wraps an already authenticated client.
func newStaticClientManager(cfg *buildcachex.Config, creds buildcachex.Credentials, logger logx.Logger, client *storage.Client) *ClientManager {
	cm := newClientManager(cfg, creds, logger, nil, nil)
	cm.client = buildcachex.NewLazy(func(context.Context) (*storage.Client, error) {
		return client, nil
	})
	return cm
}

// Client returns the memoized GCS client, resolving credentials on first use.
func (cm *ClientManager) Client(ctx context.Context) (*storage.Client, error) {
	return cm.client.Get(ctx)
}

// Bucket returns the configured bucket handle with the retry policy applied.
func (cm *ClientManager) Bucket(ctx context.Context) (*storage.BucketHandle, error) {
	client, err := cm.Client(ctx)
	if err != nil {
		return nil, err
	}

	cfg := cm.config
	return client.Bucket(cfg.Bucket).Retryer(
		storage.WithBackoff(gax.Backoff{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiplier,
		}),
		storage.WithMaxAttempts(max(cfg.MaxRetries, 1)),
		storage.WithPolicy(storage.RetryAlways),
	), nil
}

// Close closes the client if it was ever built.
func (cm *ClientManager) Close() error {
	if client, ok := cm.client.Peek(); ok {
		return client.Close()
	}
	return nil
}

func (cm *ClientManager) build(ctx context.Context) (*storage.Client, error) {
	cfg := cm.config

	cm.logger.Debug("Creating GCS client",
		logx.String("bucket", cfg.Bucket),
		logx.String("endpoint", cfg.Endpoint),
		logx.Any("scopes", cm.scopes),
		logx.String("credentials", string(cm.creds.Kind())),
	)

	opts, err := cm.clientOptions(ctx)
	if err != nil {
		var ce *buildcachex.ConfigurationError
		if errors.As(err, &ce) {
			ce.Bucket = cfg.Bucket
			return nil, ce
		}
		return nil, err
	}

	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := cm.newClient(ctx, opts...)
	if err != nil {
		return nil, &buildcachex.ConfigurationError{Op: "create_client", Bucket: cfg.Bucket, Err: err}
	}
	return client, nil
}

// clientOptions resolves the credential variant into client options.
func (cm *ClientManager) clientOptions(ctx context.Context) ([]option.ClientOption, error) {
	switch c := cm.creds.(type) {
	case buildcachex.AmbientDefault:
		src := &ambientSource{scopes: cm.scopes, find: cm.findDefault, tokenInfo: cm.tokenInfo, verify: cm.config.VerifyCredentials}
		creds, err := buildcachex.ResolveAmbient[*google.Credentials](ctx, src, cm.config.AuthFailureMessage(), cm.logger)
		if err != nil {
			return nil, err
		}
		return []option.ClientOption{option.WithCredentials(creds)}, nil

	case buildcachex.ExportedSecret:
		creds, err := buildcachex.ResolveExported(ctx, c.Supplier, func(ctx context.Context, payload string) (*google.Credentials, error) {
			creds, err := google.CredentialsFromJSON(ctx, []byte(payload), cm.scopes...)
			if err != nil {
				return nil, err
			}
			if _, err := creds.TokenSource.Token(); err != nil {
				return nil, fmt.Errorf("refresh exported credentials: %w", err)
			}
			return creds, nil
		}, exportedRemediation)
		if err != nil {
			return nil, err
		}
		return []option.ClientOption{option.WithCredentials(creds)}, nil

	case buildcachex.ExternalProvider:
		return externalOptions(c.Handle)

	default:
		return nil, &buildcachex.ConfigurationError{
			Op:  "resolve_credentials",
			Err: fmt.Errorf("unsupported credential variant %T", cm.creds),
		}
	}
}

const exportedRemediation = "Your GCP credentials are invalid or have expired. Please regenerate and re-export credentials and try again."

// externalOptions delegates authentication to a caller-supplied handle.
func externalOptions(handle any) ([]option.ClientOption, error) {
	switch h := handle.(type) {
	case oauth2.TokenSource:
		return []option.ClientOption{option.WithTokenSource(h)}, nil
	case *google.Credentials:
		return []option.ClientOption{option.WithCredentials(h)}, nil
	case []option.ClientOption:
		return h, nil
	case option.ClientOption:
		return []option.ClientOption{h}, nil
	default:
		return nil, &buildcachex.ConfigurationError{
			Op:  "resolve_credentials",
			Err: fmt.Errorf("external provider handle must be an oauth2.TokenSource, *google.Credentials or client options, got %T", handle),
		}
	}
}

// ValidateConfiguration resolves credentials and reads the bucket metadata.
// Every failure is a *buildcachex.ConfigurationError.
func (cm *ClientManager) ValidateConfiguration(ctx context.Context) error {
	bucket, err := cm.Bucket(ctx)
	if err != nil {
		if buildcachex.IsConfigurationError(err) {
			return err
		}
		return &buildcachex.ConfigurationError{Op: "validate", Bucket: cm.config.Bucket, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()

	if _, err := bucket.Attrs(ctx); err != nil {
		cm.logger.Warn("Failed to validate bucket access",
			logx.String("bucket", cm.config.Bucket),
			logx.Err(err),
		)
		return &buildcachex.ConfigurationError{
			Op:          "validate",
			Bucket:      cm.config.Bucket,
			Remediation: fmt.Sprintf("Bucket %s cannot be found or it is not accessible using the provided credentials.", cm.config.Bucket),
			Err:         fmt.Errorf("cannot access bucket %q: %w", cm.config.Bucket, err),
		}
	}

	cm.logger.Debug("Bucket access validated", logx.String("bucket", cm.config.Bucket))
	return nil
}
