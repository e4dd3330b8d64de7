package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/gostratum/buildcachex"
)

// ambientConfigs caches SDK configs loaded from the environment, keyed by
// profile and region. It is shared by every S3 backend in the process.
var ambientConfigs buildcachex.AmbientRegistry[aws.Config]

// InvalidateAmbientCredentials clears the process-wide ambient credential cache.
func InvalidateAmbientCredentials() {
	ambientConfigs.Range(func(_ string, c aws.Config) {
		if cache, ok := c.Credentials.(*aws.CredentialsCache); ok {
			cache.Invalidate()
		}
	})
	ambientConfigs.Invalidate()
}

// ambientSource loads credentials from the AWS default chain.
type ambientSource struct {
	cfg         *buildcachex.Config
	profile     string
	loader      awsConfigLoader
	newIdentity func(aws.Config) identityAPI
}

func (a *ambientSource) Acquire(ctx context.Context) (aws.Config, error) {
	key := a.profile + "|" + a.cfg.Region
	awsConfig, err := ambientConfigs.Get(key, func() (aws.Config, error) {
		options := baseLoadOptions(a.cfg)
		if a.profile != "" {
			options = append(options, config.WithSharedConfigProfile(a.profile))
		}
		return a.loader(ctx, options...)
	})
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	if awsConfig.Credentials == nil {
		return aws.Config{}, errors.New("no AWS credentials found in the environment")
	}

	// The SDK's credentials cache refreshes expired credentials on Retrieve.
	if _, err := awsConfig.Credentials.Retrieve(ctx); err != nil {
		return aws.Config{}, fmt.Errorf("unable to retrieve AWS credentials: %w", err)
	}
	return awsConfig, nil
}

func (a *ambientSource) Introspect(ctx context.Context, awsConfig aws.Config) error {
	if !a.cfg.VerifyCredentials || a.newIdentity == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	_, err := a.newIdentity(awsConfig).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	return err
}

func (a *ambientSource) Invalidate() {
	InvalidateAmbientCredentials()
}

// exportedConfig builds an aws.Config from a credential_process style payload.
func exportedConfig(ctx context.Context, cfg *buildcachex.Config, payload string, loader awsConfigLoader) (aws.Config, error) {
	var keys buildcachex.StaticKeysPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &keys); err != nil {
		return aws.Config{}, fmt.Errorf("parse exported credentials: %w", err)
	}
	if keys.AccessKeyID == "" || keys.SecretAccessKey == "" {
		return aws.Config{}, errors.New("exported credentials must contain AccessKeyId and SecretAccessKey")
	}

	if keys.Expiration != "" {
		expires, err := time.Parse(time.RFC3339, keys.Expiration)
		if err != nil {
			return aws.Config{}, fmt.Errorf("parse credential expiration: %w", err)
		}
		if !time.Now().Before(expires) {
			return aws.Config{}, fmt.Errorf("exported credentials expired at %s", expires.Format(time.RFC3339))
		}
	}

	provider := credentials.NewStaticCredentialsProvider(keys.AccessKeyID, keys.SecretAccessKey, keys.SessionToken)
	if _, err := provider.Retrieve(ctx); err != nil {
		return aws.Config{}, err
	}

	options := append(baseLoadOptions(cfg), config.WithCredentialsProvider(provider))
	return loader(ctx, options...)
}

// externalConfig delegates authentication to a caller-supplied provider.
func externalConfig(ctx context.Context, cfg *buildcachex.Config, handle any, loader awsConfigLoader) (aws.Config, error) {
	provider, ok := handle.(aws.CredentialsProvider)
	if !ok {
		return aws.Config{}, &buildcachex.ConfigurationError{
			Op:  "resolve_credentials",
			Err: fmt.Errorf("external provider handle must be an aws.CredentialsProvider, got %T", handle),
		}
	}

	options := append(baseLoadOptions(cfg), config.WithCredentialsProvider(provider))
	awsConfig, err := loader(ctx, options...)
	if err != nil {
		return aws.Config{}, &buildcachex.ConfigurationError{Op: "resolve_credentials", Err: err}
	}
	return awsConfig, nil
}
