package buildcachex

import (
	"time"

	"github.com/gostratum/core/logx"
)

// Options holds functional options for customizing cache behavior
type Options struct {
	logger       logx.Logger
	keyCodec     KeyCodec
	clock        func() time.Time
	credentials  Credentials
	instrumenter *Instrumenter
	spillDir     string
}

// Option is a functional option for configuring a cache service or backend
type Option func(*Options)

// WithLogger sets a custom logx.Logger
func WithLogger(logger logx.Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithKeyCodec replaces the default prefix key codec
func WithKeyCodec(codec KeyCodec) Option {
	return func(opts *Options) {
		opts.keyCodec = codec
	}
}

// WithClock sets a custom time provider (useful for testing)
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.clock = clock
	}
}

// WithCredentials overrides the credential variant declared in Config.
// Use it for ExternalProvider handles and custom secret suppliers.
func WithCredentials(creds Credentials) Option {
	return func(opts *Options) {
		opts.credentials = creds
	}
}

// WithInstrumenter records metrics and spans for cache operations
func WithInstrumenter(inst *Instrumenter) Option {
	return func(opts *Options) {
		opts.instrumenter = inst
	}
}

// WithSpillDir sets where large payloads are spilled (defaults to the OS temp dir)
func WithSpillDir(dir string) Option {
	return func(opts *Options) {
		opts.spillDir = dir
	}
}

// applyDefaults applies default values to unset options
func (opts *Options) applyDefaults(cfg *Config) {
	if opts.logger == nil {
		opts.logger = logx.NewNoopLogger()
	}
	if opts.keyCodec == nil {
		opts.keyCodec = NewKeyCodec(cfg.KeyPrefix)
	}
	if opts.clock == nil {
		opts.clock = time.Now
	}
	if opts.credentials == nil {
		opts.credentials = CredentialsFromConfig(cfg)
	}
}

// GetLogger returns the configured logger
func (opts *Options) GetLogger() logx.Logger {
	if opts.logger == nil {
		return logx.NewNoopLogger()
	}
	return opts.logger
}

// GetKeyCodec returns the configured key codec
func (opts *Options) GetKeyCodec() KeyCodec {
	return opts.keyCodec
}

// GetClock returns the configured clock function
func (opts *Options) GetClock() func() time.Time {
	if opts.clock == nil {
		return time.Now
	}
	return opts.clock
}

// GetCredentials returns the credential variant to resolve
func (opts *Options) GetCredentials() Credentials {
	return opts.credentials
}

// GetInstrumenter returns the configured instrumenter, possibly nil
func (opts *Options) GetInstrumenter() *Instrumenter {
	return opts.instrumenter
}

// GetSpillDir returns the spill directory root
func (opts *Options) GetSpillDir() string {
	return opts.spillDir
}

// GetEffectiveConfig returns a sanitized copy of cfg and the resolved options
func GetEffectiveConfig(cfg *Config, options ...Option) (*Config, *Options) {
	effective := cfg.Sanitize()

	opts := &Options{}
	for _, opt := range options {
		opt(opts)
	}
	opts.applyDefaults(effective)

	return effective, opts
}
