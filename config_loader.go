package buildcachex

import (
	"fmt"
	"os"

	"github.com/gostratum/core/configx"
)

// configKey is the root key under which cache settings live in config files
// and the prefix of environment variables (BUILDCACHE_BUCKET, ...).
const configKey = "buildcache"

// NewLoader returns a configx loader that layers base.yaml and $APP_ENV.yaml
// from dirs. Without dirs it searches configx's default path. Every dir must
// exist so a mistyped --config fails loudly.
func NewLoader(dirs ...string) (configx.Loader, error) {
	if len(dirs) == 0 {
		return configx.New(), nil
	}
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("config directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("config path %s is not a directory", dir)
		}
	}
	return configx.New(configx.WithConfigPaths(dirs...)), nil
}

// LoadConfig binds the buildcache section of loader over DefaultConfig, then
// sanitizes and validates it. A nil loader reads configx's default sources.
func LoadConfig(loader configx.Loader) (*Config, error) {
	if loader == nil {
		loader = configx.New()
	}

	if err := bindEnvVars(loader); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := loader.Bind(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to load config: %v", ErrInvalidConfig, err)
	}

	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// WithOverrides wraps loader so fns run on the cache Config after every Bind.
// Command-line flags use it to take precedence over files and environment.
func WithOverrides(loader configx.Loader, fns ...func(*Config)) configx.Loader {
	return &overrideLoader{Loader: loader, overrides: fns}
}

type overrideLoader struct {
	configx.Loader
	overrides []func(*Config)
}

func (l *overrideLoader) Bind(props configx.Configurable) error {
	if err := l.Loader.Bind(props); err != nil {
		return err
	}
	if cfg, ok := props.(*Config); ok {
		for _, fn := range l.overrides {
			fn(cfg)
		}
	}
	return nil
}

// envKeys lists the settings that can be overridden from the environment.
var envKeys = []string{
	"provider",
	"bucket",
	"prefix",
	"region",
	"project_id",
	"endpoint",
	"use_path_style",
	"enabled",
	"push",
	"test_mode",
	"base_dir",
	"reduced_redundancy",
	"storage_class",
	"size_threshold",
	"max_entry_size",
	"multipart_threshold",
	"part_size",
	"multipart_concurrency",
	"update_last_accessed",
	"verify_credentials",
	"token_info_url",
	"message_on_authentication_failure",
	"request_timeout",
	"max_retries",
	"backoff_initial",
	"backoff_max",
	"enable_logging",
	"credentials.type",
	"credentials.key_file",
	"credentials.access_key",
	"credentials.secret_key",
	"credentials.session_token",
	"credentials.profile",
	"credentials.role_arn",
	"credentials.external_id",
}

// bindEnvVars makes every setting readable from BUILDCACHE_* (and the
// loader's prefixed STRATUM_BUILDCACHE_* form) without a config file entry.
func bindEnvVars(loader configx.Loader) error {
	for _, key := range envKeys {
		if err := loader.BindEnv(configKey + "." + key); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
