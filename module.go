package buildcachex

import (
	"context"
	"fmt"

	"github.com/gostratum/core"
	"github.com/gostratum/core/configx"
	"github.com/gostratum/core/logx"
	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
	"go.uber.org/fx"
)

// Module provides the build cache for fx.
// It does NOT include a concrete backend: blank-import the adapters you need
// (they register themselves) so the configured provider can be built.
//
// Example usage:
//
//	app := fx.New(
//	    logx.Module(),
//	    buildcachex.Module(),
//	    fx.Invoke(func(cache *buildcachex.CacheService) {
//	        // Use cache...
//	    }),
//	)
func Module() fx.Option {
	return fx.Module("buildcachex",
		fx.Provide(
			NewConfig,
			NewObservabilityInstrumenter,
			NewCacheServiceFromParams,
		),
		fx.Invoke(registerLifecycle),
	)
}

// ConfigParams defines the parameters needed for config creation
type ConfigParams struct {
	fx.In

	Loader configx.Loader `optional:"true"`
}

// NewConfig creates a new configuration from the configx loader, or from
// configx's default sources when none is provided.
func NewConfig(params ConfigParams) (*Config, error) {
	return LoadConfig(params.Loader)
}

// ObservabilityDeps defines optional observability dependencies
type ObservabilityDeps struct {
	fx.In

	Metrics metricsx.Metrics `optional:"true"`
	Tracer  tracingx.Tracer  `optional:"true"`
}

// NewObservabilityInstrumenter creates an instrumenter for cache operations
func NewObservabilityInstrumenter(deps ObservabilityDeps) *Instrumenter {
	return NewInstrumenter(deps.Metrics, deps.Tracer)
}

// CacheParams defines the parameters needed for cache service creation
type CacheParams struct {
	fx.In

	Config       *Config
	Logger       logx.Logger   `optional:"true"`
	Instrumenter *Instrumenter `optional:"true"`
	Credentials  Credentials   `optional:"true"`
}

// NewCacheServiceFromParams builds and validates the cache service.
func NewCacheServiceFromParams(params CacheParams) (*CacheService, error) {
	var opts []Option
	if params.Logger != nil {
		opts = append(opts, WithLogger(params.Logger))
	}
	if params.Instrumenter != nil {
		opts = append(opts, WithInstrumenter(params.Instrumenter))
	}
	if params.Credentials != nil {
		opts = append(opts, WithCredentials(params.Credentials))
	}

	svc, err := New(context.Background(), params.Config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create build cache: %w", err)
	}
	return svc, nil
}

// LifecycleParams defines parameters for lifecycle management
type LifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cache     *CacheService
	Logger    logx.Logger   `optional:"true"`
	Health    core.Registry `optional:"true"`
}

// readinessCheck reports the backend's health to a core.Registry.
type readinessCheck struct {
	cache *CacheService
}

func (c readinessCheck) Name() string    { return "buildcache" }
func (c readinessCheck) Kind() core.Kind { return core.Readiness }

func (c readinessCheck) Check(ctx context.Context) error {
	return CheckHealth(ctx, c.cache.Storage())
}

// registerLifecycle logs startup, registers a readiness check when a health
// registry is present and closes the backend when the application stops.
func registerLifecycle(params LifecycleParams) {
	logger := params.Logger
	if logger == nil {
		logger = logx.NewNoopLogger()
	}
	if params.Health != nil {
		params.Health.Register(readinessCheck{cache: params.Cache})
	}

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			desc := params.Cache.Describe()
			logger.Info("Build cache module started",
				logx.String("provider", desc.Provider),
				logx.String("bucket", desc.Bucket))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Build cache module stopping")
			if err := params.Cache.Close(); err != nil {
				logger.Error("Error closing build cache", logx.Err(err))
				return err
			}
			return nil
		},
	})
}

// WithCustomCache provides a concrete CacheService to the FX graph instead
// of building one from configuration. Useful for tests.
func WithCustomCache(c *CacheService) fx.Option {
	return fx.Options(
		fx.Supply(c),
		fx.Invoke(registerLifecycle),
	)
}
