package gcs

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"testing"
	"time"

	"github.com/fsouza/fake-gcs-server/fakestorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/buildcachex"
)

const testBucket = "build-cache"

func newFakeGCS(t *testing.T) *fakestorage.Server {
	t.Helper()

	server, err := fakestorage.NewServerWithOptions(fakestorage.Options{NoListener: true})
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	server.CreateBucketWithOpts(fakestorage.CreateBucketOpts{Name: testBucket})
	return server
}

func testConfig() *buildcachex.Config {
	cfg := buildcachex.DefaultConfig()
	cfg.Provider = buildcachex.ProviderGCS
	cfg.Bucket = testBucket
	cfg.Push = true
	cfg.MaxRetries = 1
	return cfg
}

func newTestStorage(t *testing.T, server *fakestorage.Server, cfg *buildcachex.Config, opts ...buildcachex.Option) *Storage {
	t.Helper()

	opts = append([]buildcachex.Option{buildcachex.WithSpillDir(t.TempDir())}, opts...)
	s, err := NewStorageWithClient(cfg, server.Client(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, newFakeGCS(t), testConfig())

	require.NoError(t, s.ValidateConfiguration(ctx))

	payload := []byte("compiled classes")
	require.True(t, s.Store(ctx, "cache/abc123", payload))

	rc, ok := s.Load(ctx, "cache/abc123")
	require.True(t, ok)
	assert.Equal(t, payload, readAll(t, rc))

	require.True(t, s.Delete(ctx, "cache/abc123"))
	_, ok = s.Load(ctx, "cache/abc123")
	assert.False(t, ok)
}

func TestStorage_StoredObjectCarriesContentType(t *testing.T) {
	ctx := context.Background()
	server := newFakeGCS(t)
	s := newTestStorage(t, server, testConfig())

	require.True(t, s.Store(ctx, "typed", []byte("x")))

	obj, err := server.GetObject(testBucket, "typed")
	require.NoError(t, err)
	assert.Equal(t, buildcachex.DefaultContentType, obj.ContentType)
}

func TestStorage_MissingKeyIsMiss(t *testing.T) {
	s := newTestStorage(t, newFakeGCS(t), testConfig())

	rc, ok := s.Load(context.Background(), "nope")
	assert.False(t, ok)
	assert.Nil(t, rc)
}

func TestStorage_ZeroLengthObjectIsMiss(t *testing.T) {
	server := newFakeGCS(t)
	server.CreateObject(fakestorage.Object{
		ObjectAttrs: fakestorage.ObjectAttrs{BucketName: testBucket, Name: "empty"},
		Content:     []byte{},
	})
	s := newTestStorage(t, server, testConfig())

	_, ok := s.Load(context.Background(), "empty")
	assert.False(t, ok)
}

func TestStorage_EmptyPayloadNeverStored(t *testing.T) {
	ctx := context.Background()
	server := newFakeGCS(t)
	s := newTestStorage(t, server, testConfig())

	assert.False(t, s.Store(ctx, "empty", nil))

	_, err := server.GetObject(testBucket, "empty")
	assert.Error(t, err, "no backend write for empty payloads")
}

func TestStorage_PushDisabled(t *testing.T) {
	ctx := context.Background()
	server := newFakeGCS(t)
	server.CreateObject(fakestorage.Object{
		ObjectAttrs: fakestorage.ObjectAttrs{BucketName: testBucket, Name: "shared"},
		Content:     []byte("v1"),
	})

	cfg := testConfig()
	cfg.Push = false
	s := newTestStorage(t, server, cfg)

	assert.False(t, s.Store(ctx, "other", []byte("v2")))
	assert.False(t, s.Delete(ctx, "shared"))

	rc, ok := s.Load(ctx, "shared")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), readAll(t, rc))
}

func TestStorage_Disabled(t *testing.T) {
	ctx := context.Background()
	server := newFakeGCS(t)
	server.CreateObject(fakestorage.Object{
		ObjectAttrs: fakestorage.ObjectAttrs{BucketName: testBucket, Name: "shared"},
		Content:     []byte("v1"),
	})

	cfg := testConfig()
	cfg.Enabled = false
	s := newTestStorage(t, server, cfg)

	_, ok := s.Load(ctx, "shared")
	assert.False(t, ok)
	assert.False(t, s.Store(ctx, "k", []byte("v")))
	assert.False(t, s.Delete(ctx, "shared"))
}

func TestStorage_RejectsOversizedPayload(t *testing.T) {
	ctx := context.Background()
	server := newFakeGCS(t)
	cfg := testConfig()
	cfg.SizeThreshold = 8
	cfg.MaxEntrySize = 16
	s := newTestStorage(t, server, cfg)

	assert.False(t, s.Store(ctx, "big", bytes.Repeat([]byte("x"), 17)))
	_, err := server.GetObject(testBucket, "big")
	assert.Error(t, err)
}

func TestStorage_SpillsLargePayload(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SizeThreshold = 1 << 10
	s := newTestStorage(t, newFakeGCS(t), cfg)

	payload := make([]byte, 64<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	require.True(t, s.Store(ctx, "large", payload))

	rc, ok := s.Load(ctx, "large")
	require.True(t, ok)

	spilled, isSpilled := rc.(*buildcachex.SpilledReader)
	require.True(t, isSpilled)
	path := spilled.Path()

	assert.Equal(t, payload, readAll(t, rc))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStorage_ValidateConfigurationMissingBucket(t *testing.T) {
	cfg := testConfig()
	cfg.Bucket = "does-not-exist"
	s := newTestStorage(t, newFakeGCS(t), cfg)

	err := s.ValidateConfiguration(context.Background())
	require.Error(t, err)
	assert.True(t, buildcachex.IsConfigurationError(err))
	assert.Equal(t,
		"Bucket does-not-exist cannot be found or it is not accessible using the provided credentials.",
		buildcachex.Remediation(err))
}

func TestStorage_DescribeAndCheck(t *testing.T) {
	cfg := testConfig()
	cfg.KeyPrefix = "gradle"
	s := newTestStorage(t, newFakeGCS(t), cfg)

	desc := s.Describe()
	assert.Equal(t, buildcachex.ProviderGCS, desc.Provider)
	assert.Equal(t, "gs://"+testBucket, desc.Location)
	assert.Equal(t, "gradle", desc.Prefix)
	assert.Equal(t, string(buildcachex.KindExternal), desc.CredentialKind)

	assert.NoError(t, buildcachex.CheckHealth(context.Background(), s))
}

func TestStorage_CloseIsIdempotent(t *testing.T) {
	s := newTestStorage(t, newFakeGCS(t), testConfig())
	require.True(t, s.Store(context.Background(), "k", []byte("v")))

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func fixedClock(at time.Time) buildcachex.Option {
	return buildcachex.WithClock(func() time.Time { return at })
}

// customTime reads the marker through the object attributes.
func customTime(t *testing.T, s *Storage, key string) time.Time {
	t.Helper()
	ctx := context.Background()
	bucket, err := s.client.Bucket(ctx)
	require.NoError(t, err)

	attrs, err := bucket.Object(key).Attrs(ctx)
	require.NoError(t, err)
	return attrs.CustomTime
}

func TestStorage_LoadAdvancesCustomTime(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestStorage(t, newFakeGCS(t), testConfig(), fixedClock(at))

	require.True(t, s.Store(ctx, "marked", []byte("v")))
	require.True(t, customTime(t, s, "marked").IsZero(), "store alone sets no marker")

	rc, ok := s.Load(ctx, "marked")
	require.True(t, ok)
	readAll(t, rc)

	marker := customTime(t, s, "marked")
	assert.True(t, at.Equal(marker), "marker %s, want %s", marker, at)
}

func TestStorage_OlderClockKeepsCustomTime(t *testing.T) {
	ctx := context.Background()
	server := newFakeGCS(t)
	newer := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := newTestStorage(t, server, testConfig(), fixedClock(newer))
	require.True(t, first.Store(ctx, "marked", []byte("v")))
	rc, ok := first.Load(ctx, "marked")
	require.True(t, ok)
	readAll(t, rc)

	stale := newTestStorage(t, server, testConfig(), fixedClock(newer.Add(-time.Hour)))
	rc, ok = stale.Load(ctx, "marked")
	require.True(t, ok)
	readAll(t, rc)

	marker := customTime(t, first, "marked")
	assert.True(t, newer.Equal(marker), "marker moved back to %s", marker)
}

func TestStorage_MarkerDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.UpdateLastAccessed = false
	s := newTestStorage(t, newFakeGCS(t), cfg, fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	require.True(t, s.Store(ctx, "plain", []byte("v")))
	rc, ok := s.Load(ctx, "plain")
	require.True(t, ok)
	readAll(t, rc)

	assert.True(t, customTime(t, s, "plain").IsZero())
}

func TestStorage_Contains(t *testing.T) {
	ctx := context.Background()
	server := newFakeGCS(t)
	s := newTestStorage(t, server, testConfig())

	require.True(t, s.Store(ctx, "present", []byte("v")))
	server.CreateObject(fakestorage.Object{
		ObjectAttrs: fakestorage.ObjectAttrs{BucketName: testBucket, Name: "empty"},
		Content:     []byte{},
	})

	assert.True(t, s.Contains(ctx, "present"))
	assert.False(t, s.Contains(ctx, "empty"))
	assert.False(t, s.Contains(ctx, "absent"))

	cfg := testConfig()
	cfg.Enabled = false
	assert.False(t, newTestStorage(t, server, cfg).Contains(ctx, "present"))
}
