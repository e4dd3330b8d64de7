package buildcachex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gostratum/core/logx"
)

// ProviderFunc builds a StorageService for a sanitized configuration.
type ProviderFunc func(ctx context.Context, cfg *Config, opts ...Option) (StorageService, error)

var (
	providersMu sync.RWMutex
	providers   = map[string]ProviderFunc{}
)

// RegisterProvider makes a backend available under name. Adapters call it
// from init, so importing an adapter package is enough to enable it.
func RegisterProvider(name string, fn ProviderFunc) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = fn
}

// Providers returns the registered backend names.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorageService builds the backend selected by cfg: the filesystem
// backend in test mode, otherwise cfg.Provider.
func NewStorageService(ctx context.Context, cfg *Config, opts ...Option) (StorageService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	effective := cfg.Sanitize()
	if err := ValidateConfig(effective); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	name := effective.EffectiveProvider()

	providersMu.RLock()
	fn, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q - did you import the adapter package?", ErrUnknownProvider, name)
	}

	return fn(ctx, effective, opts...)
}

// New wires a declared configuration into a live, validated CacheService.
// A failing ValidateConfiguration is fatal: the backend is closed and the
// *ConfigurationError returned.
func New(ctx context.Context, cfg *Config, opts ...Option) (*CacheService, error) {
	effective, options := GetEffectiveConfig(cfg, opts...)
	logger := options.GetLogger()

	storage, err := NewStorageService(ctx, effective, opts...)
	if err != nil {
		return nil, err
	}

	desc := storage.Describe()
	logger.Info("Remote build cache configured",
		logx.String("provider", desc.Provider),
		logx.String("bucket", desc.Bucket),
		logx.String("prefix", desc.Prefix),
		logx.Bool("push", desc.Push),
		logx.Bool("enabled", desc.Enabled),
		logx.String("credentials", desc.CredentialKind),
	)
	if effective.EnableLogging {
		logger.Debug("Cache configuration", logx.Any("config", effective))
	}

	if err := storage.ValidateConfiguration(ctx); err != nil {
		_ = storage.Close()
		return nil, err
	}

	return NewCacheService(storage, options.GetKeyCodec(), logger, options.GetInstrumenter()), nil
}
