package buildcachex

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"go.uber.org/zap/zapcore"
)

// Provider names accepted in Config.Provider.
const (
	ProviderGCS        = "gcs"
	ProviderS3         = "s3"
	ProviderFileSystem = "filesystem"
)

// Credential types accepted in CredentialsConfig.Type.
const (
	CredentialsDefault  = "default"
	CredentialsExported = "exported"
)

const (
	// DefaultSizeThreshold is the payload size above which loads spill to disk.
	DefaultSizeThreshold int64 = 50 << 20

	// DefaultContentType tags stored blobs.
	DefaultContentType = "application/vnd.gradle.build-cache-artifact.v1"

	// DefaultTokenInfoURL is the GCP OAuth2 token introspection endpoint.
	DefaultTokenInfoURL = "https://www.googleapis.com/oauth2/v1/tokeninfo"

	// DefaultAuthFailureMessage is shown when ambient credentials cannot be refreshed.
	DefaultAuthFailureMessage = "Your GCP Credentials have expired. Please regenerate credentials following the steps below and try again: gcloud auth application-default login"
)

// CredentialsConfig declares how a backend authenticates. Programmatic
// variants (external providers, custom secret suppliers) are passed with
// WithCredentials and take precedence over this block.
type CredentialsConfig struct {
	// Type is "default" (ambient, environment-provided) or "exported" (explicit secret)
	Type string `mapstructure:"type" yaml:"type" default:"default" validate:"omitempty,oneof=default exported"`

	// KeyFile points at an exported secret: a GCP service-account JSON file,
	// or for S3 a credential_process style JSON document.
	KeyFile string `mapstructure:"key_file" yaml:"key_file"`

	// AccessKey is the S3 access key ID for exported credentials
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`

	// SecretKey is the S3 secret access key for exported credentials
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// SessionToken is the S3 temporary session token (optional)
	SessionToken string `mapstructure:"session_token" yaml:"session_token"`

	// Profile selects a shared AWS profile when using ambient credentials
	Profile string `mapstructure:"profile" yaml:"profile"`

	// RoleARN optionally specifies an IAM role to assume via STS
	RoleARN string `mapstructure:"role_arn" yaml:"role_arn"`

	// ExternalID is passed to STS AssumeRole when RoleARN is used
	ExternalID string `mapstructure:"external_id" yaml:"external_id"`
}

// Config holds all cache configuration options
type Config struct {
	// Provider specifies the storage backend ("gcs", "s3" or "filesystem")
	Provider string `mapstructure:"provider" yaml:"provider" default:"gcs" validate:"required,oneof=gcs s3 filesystem"`

	// Bucket is the storage bucket name
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// KeyPrefix is prepended to every encoded key ("{prefix}/{key}")
	KeyPrefix string `mapstructure:"prefix" yaml:"prefix"`

	// Region is the AWS region (S3 only)
	Region string `mapstructure:"region" yaml:"region" default:"us-east-1"`

	// ProjectID is the GCP project that owns the bucket (GCS only, informational)
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`

	// Endpoint is a custom endpoint URL (S3-compatible servers, emulators)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (S3-compatible servers)
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style" default:"false"`

	// Enabled gates every operation; a disabled cache always misses
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Push allows Store and Delete
	Push bool `mapstructure:"push" yaml:"push" default:"false"`

	// TestMode selects the filesystem backend regardless of Provider
	TestMode bool `mapstructure:"test_mode" yaml:"test_mode" default:"false"`

	// BaseDir roots the filesystem backend's temporary directory (defaults to the OS temp dir)
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`

	// ReducedRedundancy stores S3 objects with the REDUCED_REDUNDANCY storage class
	ReducedRedundancy bool `mapstructure:"reduced_redundancy" yaml:"reduced_redundancy"`

	// StorageClass sets the GCS storage class for new objects (empty keeps the bucket default)
	StorageClass string `mapstructure:"storage_class" yaml:"storage_class"`

	// ContentType tags stored blobs
	ContentType string `mapstructure:"content_type" yaml:"content_type" default:"application/vnd.gradle.build-cache-artifact.v1"`

	// SizeThreshold is the size above which loaded payloads spill to disk
	SizeThreshold int64 `mapstructure:"size_threshold" yaml:"size_threshold" default:"52428800" validate:"gt=0"` // 50MB

	// MaxEntrySize is the largest payload cloud backends accept on Store
	MaxEntrySize int64 `mapstructure:"max_entry_size" yaml:"max_entry_size" default:"5368709120" validate:"gt=0"` // 5GB

	// MultipartThreshold is the payload size above which S3 stores use a multipart
	// upload. Zero disables multipart uploads.
	MultipartThreshold int64 `mapstructure:"multipart_threshold" yaml:"multipart_threshold" validate:"gte=0"`

	// PartSize is the size of each multipart upload part (S3 minimum 5MB)
	PartSize int64 `mapstructure:"part_size" yaml:"part_size" default:"16777216"` // 16MB

	// MultipartConcurrency is the number of parts uploaded in parallel
	MultipartConcurrency int `mapstructure:"multipart_concurrency" yaml:"multipart_concurrency" default:"4"`

	// UpdateLastAccessed advances the blob's last-accessed marker after a load
	UpdateLastAccessed bool `mapstructure:"update_last_accessed" yaml:"update_last_accessed"`

	// VerifyCredentials introspects ambient credentials after acquiring them
	VerifyCredentials bool `mapstructure:"verify_credentials" yaml:"verify_credentials"`

	// TokenInfoURL is the OAuth2 token introspection endpoint (GCS only)
	TokenInfoURL string `mapstructure:"token_info_url" yaml:"token_info_url" default:"https://www.googleapis.com/oauth2/v1/tokeninfo"`

	// MessageOnAuthenticationFailure is shown when ambient credentials cannot be refreshed
	MessageOnAuthenticationFailure string `mapstructure:"message_on_authentication_failure" yaml:"message_on_authentication_failure"`

	// Credentials declares the credential variant
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`

	// RequestTimeout is the timeout for individual requests
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" default:"30s"`

	// MaxRetries is the maximum number of attempts per request
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" default:"3"`

	// BackoffInitial is the initial backoff delay
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial" default:"200ms"`

	// BackoffMax is the maximum backoff delay
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" default:"5s"`

	// BackoffMultiplier grows the delay between attempts
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" default:"2"`

	// EnableLogging enables detailed operation logging
	EnableLogging bool `mapstructure:"enable_logging" yaml:"enable_logging" default:"false"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{
		// Fields whose zero value is a valid choice carry no default tag:
		// configx.Bind re-applies tag defaults to zero fields after decoding,
		// which would turn an explicit false back into true.
		Enabled:            true,
		ReducedRedundancy:  true,
		MultipartThreshold: 100 << 20,
		UpdateLastAccessed: true,
		VerifyCredentials:  true,
	}
	if err := defaults.Set(cfg); err != nil {
		// Tags are static; a failure here is a programming error.
		panic(fmt.Sprintf("buildcachex: invalid default tags: %v", err))
	}
	return cfg
}

// Prefix enables configx.Bind
func (Config) Prefix() string { return configKey }

// EffectiveProvider returns the backend that will actually serve the cache:
// test mode always selects the filesystem backend.
func (c *Config) EffectiveProvider() string {
	if c.TestMode {
		return ProviderFileSystem
	}
	return c.Provider
}

// AuthFailureMessage returns the remediation shown when ambient credentials fail.
func (c *Config) AuthFailureMessage() string {
	if strings.TrimSpace(c.MessageOnAuthenticationFailure) != "" {
		return c.MessageOnAuthenticationFailure
	}
	return DefaultAuthFailureMessage
}

// Sanitize applies automatic fixes to configuration where possible and returns
// a sanitized copy without mutating the receiver.
func (cfg *Config) Sanitize() *Config {
	if cfg == nil {
		return DefaultConfig()
	}

	sanitized := *cfg

	sanitized.Provider = strings.ToLower(strings.TrimSpace(sanitized.Provider))
	if sanitized.Provider == "" {
		sanitized.Provider = ProviderGCS
	}

	if sanitized.Region == "" && sanitized.Endpoint == "" {
		sanitized.Region = "us-east-1"
	}

	if sanitized.SizeThreshold == 0 {
		sanitized.SizeThreshold = DefaultSizeThreshold
	}

	if sanitized.MaxEntrySize == 0 {
		sanitized.MaxEntrySize = 5 << 30
	}

	if sanitized.PartSize == 0 {
		sanitized.PartSize = 16 << 20
	}

	if sanitized.MultipartConcurrency == 0 {
		sanitized.MultipartConcurrency = 4
	}

	if sanitized.ContentType == "" {
		sanitized.ContentType = DefaultContentType
	}

	if sanitized.TokenInfoURL == "" {
		sanitized.TokenInfoURL = DefaultTokenInfoURL
	}

	if sanitized.RequestTimeout == 0 {
		sanitized.RequestTimeout = 30 * time.Second
	}

	if sanitized.MaxRetries == 0 {
		sanitized.MaxRetries = 3
	}

	if sanitized.BackoffInitial == 0 {
		sanitized.BackoffInitial = 200 * time.Millisecond
	}

	if sanitized.BackoffMax == 0 {
		sanitized.BackoffMax = 5 * time.Second
	}

	if sanitized.BackoffMultiplier == 0 {
		sanitized.BackoffMultiplier = 2
	}

	if sanitized.Credentials.Type == "" {
		sanitized.Credentials.Type = CredentialsDefault
	}

	if sanitized.Endpoint != "" {
		sanitized.Endpoint = strings.TrimSpace(sanitized.Endpoint)
		sanitized.Endpoint = strings.TrimSuffix(sanitized.Endpoint, "/")
	}

	sanitized.KeyPrefix = strings.Trim(strings.TrimSpace(sanitized.KeyPrefix), "/")

	return &sanitized
}

// ConfigSummary returns a safe summary of the configuration for logging
func (cfg *Config) ConfigSummary() map[string]any {
	if cfg == nil {
		return map[string]any{"error": "nil config"}
	}

	summary := map[string]any{
		"provider":             cfg.EffectiveProvider(),
		"bucket":               cfg.Bucket,
		"prefix":               cfg.KeyPrefix,
		"push":                 cfg.Push,
		"enabled":              cfg.Enabled,
		"test_mode":            cfg.TestMode,
		"size_threshold":       fmt.Sprintf("%d MB", cfg.SizeThreshold/(1<<20)),
		"request_timeout":      cfg.RequestTimeout.String(),
		"max_retries":          cfg.MaxRetries,
		"credentials_type":     cfg.Credentials.Type,
		"update_last_accessed": cfg.UpdateLastAccessed,
	}

	switch cfg.EffectiveProvider() {
	case ProviderS3:
		summary["region"] = cfg.Region
		summary["endpoint"] = cfg.Endpoint
		summary["reduced_redundancy"] = cfg.ReducedRedundancy
		summary["multipart_threshold"] = fmt.Sprintf("%d MB", cfg.MultipartThreshold/(1<<20))
		if cfg.Credentials.RoleARN != "" {
			summary["role_arn"] = cfg.Credentials.RoleARN
		}
	case ProviderGCS:
		summary["project_id"] = cfg.ProjectID
		summary["storage_class"] = cfg.StorageClass
	case ProviderFileSystem:
		summary["base_dir"] = cfg.BaseDir
	}

	// Don't include sensitive information
	if cfg.Credentials.AccessKey != "" {
		summary["has_access_key"] = true
		summary["access_key_prefix"] = cfg.Credentials.AccessKey[:min(4, len(cfg.Credentials.AccessKey))] + "..."
	}

	if cfg.Credentials.SecretKey != "" {
		summary["has_secret_key"] = true
	}

	if cfg.Credentials.KeyFile != "" {
		summary["key_file"] = cfg.Credentials.KeyFile
	}

	return summary
}

// MarshalLogObject logs the ConfigSummary, so logx.Any("config", cfg) never
// writes credentials.
func (cfg *Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	summary := cfg.ConfigSummary()
	for _, k := range slices.Sorted(maps.Keys(summary)) {
		switch v := summary[k].(type) {
		case string:
			enc.AddString(k, v)
		case bool:
			enc.AddBool(k, v)
		case int:
			enc.AddInt(k, v)
		default:
			if err := enc.AddReflected(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// String returns a safe string representation (redacts secrets)
func (c *Config) String() string {
	return fmt.Sprintf("Config{Provider:%s, Bucket:%s, Prefix:%s, Push:%v, Enabled:%v}",
		c.EffectiveProvider(), c.Bucket, c.KeyPrefix, c.Push, c.Enabled)
}
