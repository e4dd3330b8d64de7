package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/buildcachex"
)

const testBucket = "build-cache"

// newFakeS3 starts an in-memory S3 server with testBucket created.
func newFakeS3(t *testing.T) string {
	t.Helper()

	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	require.NoError(t, backend.CreateBucket(testBucket))
	return ts.URL
}

func testConfig(endpoint string) *buildcachex.Config {
	cfg := buildcachex.DefaultConfig()
	cfg.Provider = buildcachex.ProviderS3
	cfg.Bucket = testBucket
	cfg.Region = "us-east-1"
	cfg.Endpoint = endpoint
	cfg.UsePathStyle = true
	cfg.Push = true
	cfg.MaxRetries = 1
	cfg.Credentials = buildcachex.CredentialsConfig{
		Type:      buildcachex.CredentialsExported,
		AccessKey: "AKIAFAKE",
		SecretKey: "fake-secret",
	}
	return cfg
}

func newTestStorage(t *testing.T, cfg *buildcachex.Config, opts ...buildcachex.Option) *Storage {
	t.Helper()

	opts = append([]buildcachex.Option{buildcachex.WithSpillDir(t.TempDir())}, opts...)
	s, err := NewStorage(context.Background(), cfg, opts...)
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
	s := newTestStorage(t, testConfig(newFakeS3(t)))

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

func TestStorage_MissingKeyIsMiss(t *testing.T) {
	s := newTestStorage(t, testConfig(newFakeS3(t)))

	rc, ok := s.Load(context.Background(), "nope")
	assert.False(t, ok)
	assert.Nil(t, rc)
}

func TestStorage_EmptyPayloadNeverStored(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testConfig(newFakeS3(t)))

	assert.False(t, s.Store(ctx, "empty", nil))
	_, ok := s.Load(ctx, "empty")
	assert.False(t, ok)
}

func TestStorage_PushDisabled(t *testing.T) {
	ctx := context.Background()
	endpoint := newFakeS3(t)

	writer := newTestStorage(t, testConfig(endpoint))
	require.True(t, writer.Store(ctx, "shared", []byte("v1")))

	cfg := testConfig(endpoint)
	cfg.Push = false
	reader := newTestStorage(t, cfg)

	assert.False(t, reader.Store(ctx, "other", []byte("v2")))
	assert.False(t, reader.Delete(ctx, "shared"))

	rc, ok := reader.Load(ctx, "shared")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), readAll(t, rc))
}

func TestStorage_Disabled(t *testing.T) {
	ctx := context.Background()
	endpoint := newFakeS3(t)

	writer := newTestStorage(t, testConfig(endpoint))
	require.True(t, writer.Store(ctx, "shared", []byte("v1")))

	cfg := testConfig(endpoint)
	cfg.Enabled = false
	s := newTestStorage(t, cfg)

	_, ok := s.Load(ctx, "shared")
	assert.False(t, ok)
	assert.False(t, s.Store(ctx, "k", []byte("v")))
	assert.False(t, s.Delete(ctx, "shared"))
}

func TestStorage_RejectsOversizedPayload(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(newFakeS3(t))
	cfg.SizeThreshold = 8
	cfg.MaxEntrySize = 16
	s := newTestStorage(t, cfg)

	assert.False(t, s.Store(ctx, "big", bytes.Repeat([]byte("x"), 17)))
	assert.True(t, s.Store(ctx, "fits", bytes.Repeat([]byte("x"), 16)))
}

func TestStorage_SpillsLargePayload(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(newFakeS3(t))
	cfg.SizeThreshold = 1 << 10
	spillDir := t.TempDir()
	s := newTestStorage(t, cfg, buildcachex.WithSpillDir(spillDir))

	payload := make([]byte, 64<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	require.True(t, s.Store(ctx, "large", payload))

	rc, ok := s.Load(ctx, "large")
	require.True(t, ok)

	spilled, isSpilled := rc.(*buildcachex.SpilledReader)
	require.True(t, isSpilled, "payload above the threshold should be spilled")
	path := spilled.Path()
	assert.FileExists(t, path)

	assert.Equal(t, payload, readAll(t, rc))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "spill file should be removed once the stream is closed")
}

func TestStorage_SixtyMegabyteRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large payload test in short mode")
	}

	ctx := context.Background()
	cfg := testConfig(newFakeS3(t))
	cfg.MultipartThreshold = 0
	s := newTestStorage(t, cfg)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 60_000_000/16)
	require.True(t, s.Store(ctx, "sixty", payload))

	rc, ok := s.Load(ctx, "sixty")
	require.True(t, ok)
	_, isSpilled := rc.(*buildcachex.SpilledReader)
	assert.True(t, isSpilled)
	assert.True(t, bytes.Equal(payload, readAll(t, rc)))
}

func TestStorage_MultipartUpload(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(newFakeS3(t))
	cfg.MultipartThreshold = 6 << 20
	cfg.PartSize = 5 << 20
	cfg.MultipartConcurrency = 2
	s := newTestStorage(t, cfg)

	payload := make([]byte, 12<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	require.True(t, s.Store(ctx, "multipart", payload))

	rc, ok := s.Load(ctx, "multipart")
	require.True(t, ok)
	assert.True(t, bytes.Equal(payload, readAll(t, rc)))
}

func TestStorage_ValidateConfigurationMissingBucket(t *testing.T) {
	cfg := testConfig(newFakeS3(t))
	cfg.Bucket = "does-not-exist"
	s := newTestStorage(t, cfg)

	err := s.ValidateConfiguration(context.Background())
	require.Error(t, err)
	assert.True(t, buildcachex.IsConfigurationError(err))
	assert.Contains(t, buildcachex.Remediation(err), "does-not-exist")
}

func TestStorage_BlankExportedCredentialsAreFatal(t *testing.T) {
	cfg := testConfig(newFakeS3(t))
	s := newTestStorage(t, cfg, buildcachex.WithCredentials(buildcachex.ExportedSecret{
		Supplier: buildcachex.StaticSecret("   "),
	}))

	err := s.ValidateConfiguration(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, buildcachex.ErrEmptySecret)
	assert.Equal(t, "Credentials are empty.", buildcachex.Remediation(err))

	// The failure is memoized; operations degrade to misses.
	_, ok := s.Load(context.Background(), "k")
	assert.False(t, ok)
}

func TestStorage_Describe(t *testing.T) {
	cfg := testConfig("http://localhost:9000")
	cfg.KeyPrefix = "gradle"
	s := newTestStorage(t, cfg)

	desc := s.Describe()
	assert.Equal(t, buildcachex.ProviderS3, desc.Provider)
	assert.Equal(t, testBucket, desc.Bucket)
	assert.Equal(t, "gradle", desc.Prefix)
	assert.Equal(t, string(buildcachex.KindExported), desc.CredentialKind)
	assert.Equal(t, "http://localhost:9000/"+testBucket, desc.Location)
}

func TestStorage_RegisteredProvider(t *testing.T) {
	assert.Contains(t, buildcachex.Providers(), buildcachex.ProviderS3)

	svc, err := buildcachex.New(context.Background(), testConfig(newFakeS3(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	var buf bytes.Buffer
	require.NoError(t, svc.Store(context.Background(), "a//b", buildcachex.BytesEntry("hello")))
	found, err := svc.Load(context.Background(), "a/b", buildcachex.ReaderFunc(func(r io.Reader) error {
		_, err := buf.ReadFrom(r)
		return err
	}))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", buf.String())
}

func TestStorage_Check(t *testing.T) {
	s := newTestStorage(t, testConfig(newFakeS3(t)))
	assert.NoError(t, buildcachex.CheckHealth(context.Background(), s))
	assert.Equal(t, "buildcachex.s3", s.Name())
}

func fixedClock(at time.Time) buildcachex.Option {
	return buildcachex.WithClock(func() time.Time { return at })
}

// lastAccessedTag reads the marker straight from the object tags.
func lastAccessedTag(t *testing.T, s *Storage, key string) (time.Time, bool) {
	t.Helper()
	ctx := context.Background()
	client, err := s.client.Client(ctx)
	require.NoError(t, err)

	out, err := client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(testBucket),
		Key:    aws.String(key),
	})
	require.NoError(t, err)
	for _, tag := range out.TagSet {
		if aws.ToString(tag.Key) == LastAccessedTag {
			nanos, err := strconv.ParseInt(aws.ToString(tag.Value), 10, 64)
			require.NoError(t, err)
			return time.Unix(0, nanos), true
		}
	}
	return time.Time{}, false
}

func TestStorage_LoadAdvancesLastAccessedTag(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestStorage(t, testConfig(newFakeS3(t)), fixedClock(at))

	require.True(t, s.Store(ctx, "marked", []byte("v")))
	_, ok := lastAccessedTag(t, s, "marked")
	require.False(t, ok, "store alone sets no marker")

	rc, ok := s.Load(ctx, "marked")
	require.True(t, ok)
	readAll(t, rc)

	marker, ok := lastAccessedTag(t, s, "marked")
	require.True(t, ok)
	assert.True(t, at.Equal(marker), "marker %s, want %s", marker, at)
}

func TestStorage_OlderClockKeepsLastAccessedTag(t *testing.T) {
	ctx := context.Background()
	endpoint := newFakeS3(t)
	newer := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := newTestStorage(t, testConfig(endpoint), fixedClock(newer))
	require.True(t, first.Store(ctx, "marked", []byte("v")))
	rc, ok := first.Load(ctx, "marked")
	require.True(t, ok)
	readAll(t, rc)

	stale := newTestStorage(t, testConfig(endpoint), fixedClock(newer.Add(-time.Hour)))
	rc, ok = stale.Load(ctx, "marked")
	require.True(t, ok)
	readAll(t, rc)

	marker, ok := lastAccessedTag(t, first, "marked")
	require.True(t, ok)
	assert.True(t, newer.Equal(marker), "marker moved back to %s", marker)
}

func TestStorage_ReadOnlyLoadLeavesMarker(t *testing.T) {
	ctx := context.Background()
	endpoint := newFakeS3(t)

	writer := newTestStorage(t, testConfig(endpoint))
	require.True(t, writer.Store(ctx, "shared", []byte("v")))

	cfg := testConfig(endpoint)
	cfg.Push = false
	reader := newTestStorage(t, cfg, fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	rc, ok := reader.Load(ctx, "shared")
	require.True(t, ok)
	readAll(t, rc)

	_, ok = lastAccessedTag(t, writer, "shared")
	assert.False(t, ok)
}

func TestStorage_Contains(t *testing.T) {
	ctx := context.Background()
	endpoint := newFakeS3(t)
	s := newTestStorage(t, testConfig(endpoint))

	require.True(t, s.Store(ctx, "present", []byte("v")))
	assert.True(t, s.Contains(ctx, "present"))
	assert.False(t, s.Contains(ctx, "absent"))

	cfg := testConfig(endpoint)
	cfg.Enabled = false
	assert.False(t, newTestStorage(t, cfg).Contains(ctx, "present"))
}
