package testutil

import (
	"go.uber.org/fx"

	"github.com/gostratum/buildcachex"
)

// TestModule provides a module for testing with mock implementations.
// It supplies a test configuration, a MockStorage and a CacheService over
// it, so no backend adapter or external configuration is needed.
//
// Example usage:
//
//	import "github.com/gostratum/buildcachex/internal/testutil"
//
//	func TestMyApp(t *testing.T) {
//	    app := fxtest.New(t,
//	        testutil.TestModule,
//	        fx.Invoke(func(cache *buildcachex.CacheService, mock *testutil.MockStorage) {
//	            // Use cache, assert on mock...
//	        }),
//	    )
//	    // ...
//	}
var TestModule = fx.Module("buildcachex-test",
	fx.Provide(
		NewTestConfig,
		NewTestKeyCodec,
		NewMockStorageFromConfig,
		NewMockCache,
	),
)

// NewTestConfig creates a push-enabled test-mode configuration.
func NewTestConfig() *buildcachex.Config {
	cfg := buildcachex.DefaultConfig()
	cfg.Bucket = "test-bucket"
	cfg.KeyPrefix = "test"
	cfg.TestMode = true
	cfg.Push = true
	cfg.EnableLogging = true
	return cfg.Sanitize()
}

// NewTestKeyCodec creates a key codec with a "test" prefix.
func NewTestKeyCodec() buildcachex.KeyCodec {
	return buildcachex.NewKeyCodec("test")
}

// NewMockCache wraps mock in a CacheService without validation.
func NewMockCache(mock *MockStorage, codec buildcachex.KeyCodec) *buildcachex.CacheService {
	return buildcachex.NewCacheService(mock, codec, nil, nil)
}
