package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gostratum/core/logx"

	"github.com/gostratum/buildcachex"
)

// awsConfigLoader is a function that loads an aws.Config given LoadOptions.
type awsConfigLoader func(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error)

// identityAPI is the slice of STS used to introspect ambient credentials.
type identityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ClientManager lazily builds the authenticated S3 client. The first caller
// resolves credentials; everybody else reuses the memoized client or error.
type ClientManager struct {
	config *buildcachex.Config
	creds  buildcachex.Credentials
	access buildcachex.Access
	logger logx.Logger

	loader      awsConfigLoader
	newIdentity func(aws.Config) identityAPI

	client     *buildcachex.Lazy[*s3.Client]
	credSource string
}

// NewClientManager creates a client manager. No network calls are made until
// the client is first needed.
func NewClientManager(cfg *buildcachex.Config, creds buildcachex.Credentials, logger logx.Logger) *ClientManager {
	return newClientManager(cfg, creds, logger,
		func(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error) {
			return config.LoadDefaultConfig(ctx, opts...)
		},
		func(c aws.Config) identityAPI { return sts.NewFromConfig(c) },
	)
}

func newClientManager(cfg *buildcachex.Config, creds buildcachex.Credentials, logger logx.Logger, loader awsConfigLoader, newIdentity func(aws.Config) identityAPI) *ClientManager {
	if logger == nil {
		logger = logx.NewNoopLogger()
	}
	cm := &ClientManager{
		config:      cfg,
		creds:       creds,
		access:      buildcachex.AccessFor(cfg.Push),
		logger:      logger,
		loader:      loader,
		newIdentity: newIdentity,
	}
	cm.client = buildcachex.NewLazy(cm.build)
	return cm
}

// Client returns the memoized S3 client, resolving credentials on first use.
func (cm *ClientManager) Client(ctx context.Context) (*s3.Client, error) {
	return cm.client.Get(ctx)
}

// CredentialSource reports how credentials were obtained once the client is built.
func (cm *ClientManager) CredentialSource() string {
	if _, ok := cm.client.Peek(); !ok {
		return ""
	}
	return cm.credSource
}

func (cm *ClientManager) build(ctx context.Context) (*s3.Client, error) {
	cfg := cm.config

	cm.logger.Debug("Creating S3 client",
		logx.String("bucket", cfg.Bucket),
		logx.String("region", cfg.Region),
		logx.String("endpoint", cfg.Endpoint),
		logx.String("credentials", string(cm.creds.Kind())),
	)

	awsConfig, credSource, err := buildAWSConfigWithLoader(ctx, cfg, cm.creds, cm.access, cm.logger, cm.loader, cm.newIdentity)
	if err != nil {
		return nil, err
	}
	cm.credSource = credSource

	cm.logger.Info("Credential source selected", logx.String("cred_source", credSource))

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}

		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint))
			// S3-compatible servers often reject the newer flexible checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}

		o.HTTPClient = newHTTPClient(cfg.RequestTimeout)
	}), nil
}

// newHTTPClient bounds connection setup and the wait for response headers by
// timeout. Body transfers are bounded by an idle watchdog instead, so large
// entries on slow links are never cut off while they keep moving.
func newHTTPClient(timeout time.Duration) *awshttp.BuildableClient {
	return awshttp.NewBuildableClient().
		WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = timeout
		}).
		WithTransportOptions(func(tr *http.Transport) {
			tr.TLSHandshakeTimeout = timeout
			tr.ResponseHeaderTimeout = timeout
			tr.IdleConnTimeout = 90 * time.Second
		})
}

// buildAWSConfigWithLoader resolves the credential variant into an aws.Config
// using the supplied loader (testable). It returns the detected credential
// source: one of "ambient", "profile", "exported", "external", optionally
// suffixed with "+assumed-role".
func buildAWSConfigWithLoader(
	ctx context.Context,
	cfg *buildcachex.Config,
	creds buildcachex.Credentials,
	access buildcachex.Access,
	logger logx.Logger,
	loader awsConfigLoader,
	newIdentity func(aws.Config) identityAPI,
) (aws.Config, string, error) {
	var (
		awsConfig  aws.Config
		credSource string
		err        error
	)

	switch c := creds.(type) {
	case buildcachex.AmbientDefault:
		src := &ambientSource{cfg: cfg, profile: c.Profile, loader: loader, newIdentity: newIdentity}
		awsConfig, err = buildcachex.ResolveAmbient[aws.Config](ctx, src, ambientRemediation(cfg), logger)
		credSource = "ambient"
		if c.Profile != "" {
			credSource = "profile"
		}

	case buildcachex.ExportedSecret:
		awsConfig, err = buildcachex.ResolveExported(ctx, c.Supplier, func(ctx context.Context, payload string) (aws.Config, error) {
			return exportedConfig(ctx, cfg, payload, loader)
		}, exportedRemediation)
		credSource = "exported"

	case buildcachex.ExternalProvider:
		awsConfig, err = externalConfig(ctx, cfg, c.Handle, loader)
		credSource = "external"

	default:
		err = &buildcachex.ConfigurationError{
			Op:  "resolve_credentials",
			Err: fmt.Errorf("unsupported credential variant %T", creds),
		}
	}
	if err != nil {
		var ce *buildcachex.ConfigurationError
		if errors.As(err, &ce) {
			ce.Bucket = cfg.Bucket
			return aws.Config{}, credSource, ce
		}
		return aws.Config{}, credSource, err
	}

	logger.Debug("AWS config loaded",
		logx.String("region", awsConfig.Region),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.String("cred_source", credSource),
	)

	if cfg.Credentials.RoleARN != "" {
		logger.Info("Config requests STS AssumeRole",
			logx.String("role_arn", cfg.Credentials.RoleARN),
			logx.Bool("read_only", access.ReadOnly()),
		)

		stsClient := sts.NewFromConfig(awsConfig)
		assumeProv := stscreds.NewAssumeRoleProvider(stsClient, cfg.Credentials.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.Credentials.ExternalID != "" {
				o.ExternalID = aws.String(cfg.Credentials.ExternalID)
			}
			o.RoleSessionName = "buildcachex-" + uuid.NewString()[:8]
			if access.ReadOnly() {
				o.Policy = aws.String(readOnlySessionPolicy)
			}
		})

		awsConfig.Credentials = aws.NewCredentialsCache(assumeProv)
		credSource += "+assumed-role"
	}

	return awsConfig, credSource, nil
}

// readOnlySessionPolicy narrows an assumed role to reads when push is off.
const readOnlySessionPolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":["s3:GetObject","s3:GetObjectTagging","s3:ListBucket","s3:GetBucketLocation"],"Resource":"*"}]}`

const exportedRemediation = "Your AWS credentials are invalid or have expired. Please regenerate and re-export credentials and try again."

func ambientRemediation(cfg *buildcachex.Config) string {
	if cfg.MessageOnAuthenticationFailure != "" {
		return cfg.MessageOnAuthenticationFailure
	}
	return "Your AWS credentials have expired or cannot be found. Please refresh them (for example with: aws sso login) and try again."
}

// baseLoadOptions returns the loader options shared by every credential variant.
func baseLoadOptions(cfg *buildcachex.Config) []func(*config.LoadOptions) error {
	var options []func(*config.LoadOptions) error

	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}

	// Configure retries with exponential backoff
	options = append(options, config.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = cfg.MaxRetries
			o.MaxBackoff = cfg.BackoffMax
			o.Backoff = createBackoffStrategy(cfg)
		})
	}))

	return options
}

// createBackoffStrategy creates a custom backoff strategy
func createBackoffStrategy(cfg *buildcachex.Config) retry.BackoffDelayerFunc {
	return func(attempt int, err error) (time.Duration, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BackoffInitial
		b.MaxInterval = cfg.BackoffMax
		b.MaxElapsedTime = 0
		b.Multiplier = cfg.BackoffMultiplier
		b.RandomizationFactor = 0.1
		b.Reset()

		var delay time.Duration
		for i := 0; i < attempt; i++ {
			delay = b.NextBackOff()
			if delay == backoff.Stop {
				break
			}
		}

		return delay, nil
	}
}

// ValidateConfiguration resolves credentials and checks the bucket is reachable.
// Every failure is a *buildcachex.ConfigurationError.
func (cm *ClientManager) ValidateConfiguration(ctx context.Context) error {
	client, err := cm.Client(ctx)
	if err != nil {
		if buildcachex.IsConfigurationError(err) {
			return err
		}
		return &buildcachex.ConfigurationError{Op: "validate", Bucket: cm.config.Bucket, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cm.config.Bucket),
	})
	if err != nil {
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

// endpointURL returns the full endpoint URL, defaulting to https
func endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "https://" + endpoint
}
