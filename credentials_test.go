package buildcachex

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// fakeAmbient fails Acquire for the first acquireFailures calls and
// Introspect for the first introspectFailures calls.
type fakeAmbient struct {
	acquireFailures    int64
	introspectFailures int64

	acquires      atomic.Int64
	introspects   atomic.Int64
	invalidations atomic.Int64
}

func (f *fakeAmbient) Acquire(ctx context.Context) (string, error) {
	if f.acquires.Inc() <= f.acquireFailures {
		return "", errors.New("refresh failed")
	}
	return "token", nil
}

func (f *fakeAmbient) Introspect(ctx context.Context, cred string) error {
	if f.introspects.Inc() <= f.introspectFailures {
		return errors.New("token rejected")
	}
	return nil
}

func (f *fakeAmbient) Invalidate() { f.invalidations.Inc() }

func TestResolveAmbient(t *testing.T) {
	tests := []struct {
		name              string
		src               *fakeAmbient
		wantErr           bool
		wantAcquires      int64
		wantInvalidations int64
	}{
		{name: "first attempt succeeds", src: &fakeAmbient{}, wantAcquires: 1},
		{name: "refresh failure retried once", src: &fakeAmbient{acquireFailures: 1}, wantAcquires: 2, wantInvalidations: 1},
		{name: "introspection failure retried once", src: &fakeAmbient{introspectFailures: 1}, wantAcquires: 2, wantInvalidations: 1},
		{name: "second refresh failure is fatal", src: &fakeAmbient{acquireFailures: 2}, wantErr: true, wantAcquires: 2, wantInvalidations: 1},
		{name: "second introspection failure is fatal", src: &fakeAmbient{introspectFailures: 2}, wantErr: true, wantAcquires: 2, wantInvalidations: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := ResolveAmbient[string](context.Background(), tt.src, "please re-authenticate", nil)

			assert.Equal(t, tt.wantAcquires, tt.src.acquires.Load())
			assert.Equal(t, tt.wantInvalidations, tt.src.invalidations.Load(), "cache is cleared at most once")

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigurationError(err))
				assert.Equal(t, "please re-authenticate", Remediation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "token", cred)
		})
	}
}

func TestResolveExported(t *testing.T) {
	build := func(builds *atomic.Int64, fail bool) func(ctx context.Context, payload string) (string, error) {
		return func(ctx context.Context, payload string) (string, error) {
			builds.Inc()
			if fail {
				return "", errors.New("refresh failed")
			}
			return "cred:" + payload, nil
		}
	}

	t.Run("success", func(t *testing.T) {
		var builds atomic.Int64
		cred, err := ResolveExported(context.Background(), StaticSecret("secret"), build(&builds, false), "regenerate")
		require.NoError(t, err)
		assert.Equal(t, "cred:secret", cred)
		assert.Equal(t, int64(1), builds.Load())
	})

	t.Run("failure is fatal without retry", func(t *testing.T) {
		var builds atomic.Int64
		_, err := ResolveExported(context.Background(), StaticSecret("secret"), build(&builds, true), "regenerate")
		require.Error(t, err)
		assert.Equal(t, "regenerate", Remediation(err))
		assert.Equal(t, int64(1), builds.Load())
	})

	t.Run("blank payload", func(t *testing.T) {
		var builds atomic.Int64
		_, err := ResolveExported(context.Background(), StaticSecret("  \n"), build(&builds, false), "regenerate")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEmptySecret)
		assert.Equal(t, "Credentials are empty.", Remediation(err))
		assert.Zero(t, builds.Load())
	})

	t.Run("nil supplier", func(t *testing.T) {
		var builds atomic.Int64
		_, err := ResolveExported(context.Background(), nil, build(&builds, false), "regenerate")
		assert.ErrorIs(t, err, ErrEmptySecret)
	})

	t.Run("supplier error", func(t *testing.T) {
		var builds atomic.Int64
		_, err := ResolveExported(context.Background(), FileSecret(filepath.Join(t.TempDir(), "missing.json")), build(&builds, false), "regenerate")
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
		assert.Zero(t, builds.Load())
	})
}

func TestAmbientRegistry(t *testing.T) {
	var (
		reg   AmbientRegistry[string]
		loads atomic.Int64
	)
	load := func() (string, error) {
		loads.Inc()
		return "cred", nil
	}

	for i := 0; i < 3; i++ {
		cred, err := reg.Get("read", load)
		require.NoError(t, err)
		assert.Equal(t, "cred", cred)
	}
	_, _ = reg.Get("read write", load)
	assert.Equal(t, int64(2), loads.Load())
	assert.Equal(t, 2, reg.Len())

	keys := map[string]bool{}
	reg.Range(func(key string, _ string) { keys[key] = true })
	assert.Equal(t, map[string]bool{"read": true, "read write": true}, keys)

	reg.Invalidate()
	assert.Zero(t, reg.Len())

	_, err := reg.Get("read", func() (string, error) { return "", errors.New("boom") })
	require.Error(t, err)
	assert.Zero(t, reg.Len(), "failures are not cached")
}

func TestCredentialsFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials.Profile = "ci"
	assert.Equal(t, AmbientDefault{Profile: "ci"}, CredentialsFromConfig(cfg))

	cfg.Credentials.Type = CredentialsExported
	cfg.Credentials.AccessKey = "AKIA"
	cfg.Credentials.SecretKey = "secret"
	cfg.Credentials.SessionToken = "session"

	creds, ok := CredentialsFromConfig(cfg).(ExportedSecret)
	require.True(t, ok)
	payload, err := creds.Supplier()
	require.NoError(t, err)

	var doc StaticKeysPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &doc))
	assert.Equal(t, StaticKeysPayload{Version: 1, AccessKeyID: "AKIA", SecretAccessKey: "secret", SessionToken: "session"}, doc)

	path := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"service_account"}`), 0o600))
	cfg.Credentials.KeyFile = path

	creds, ok = CredentialsFromConfig(cfg).(ExportedSecret)
	require.True(t, ok)
	payload, err = creds.Supplier()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"service_account"}`, payload)
}

func TestAccessFor(t *testing.T) {
	assert.True(t, AccessFor(false).ReadOnly())
	assert.Equal(t, Access{Read: true}, AccessFor(false))
	assert.Equal(t, Access{Read: true, Write: true, Delete: true, Update: true}, AccessFor(true))
	assert.False(t, AccessFor(true).ReadOnly())
}

func TestCredentialKinds(t *testing.T) {
	assert.Equal(t, KindAmbient, AmbientDefault{}.Kind())
	assert.Equal(t, KindExported, ExportedSecret{}.Kind())
	assert.Equal(t, KindExternal, ExternalProvider{}.Kind())
}
