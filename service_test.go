package buildcachex_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gostratum/buildcachex"
	"github.com/gostratum/buildcachex/internal/testutil"
)

func newService(mock *testutil.MockStorage, prefix string) *buildcachex.CacheService {
	return buildcachex.NewCacheService(mock, buildcachex.NewKeyCodec(prefix), nil, nil)
}

func TestCacheService_StoreAndLoadEncodeKeys(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockStorage()
	svc := newService(mock, "gradle")

	require.NoError(t, svc.Store(ctx, "a//b", buildcachex.BytesEntry("payload")))
	assert.Equal(t, []string{"gradle/a/b"}, mock.Keys())

	var got bytes.Buffer
	found, err := svc.Load(ctx, "a/b", buildcachex.ReaderFunc(func(r io.Reader) error {
		_, err := got.ReadFrom(r)
		return err
	}))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "payload", got.String())
}

func TestCacheService_MissDoesNotCallReader(t *testing.T) {
	svc := newService(testutil.NewMockStorage(), "")

	found, err := svc.Load(context.Background(), "absent", buildcachex.ReaderFunc(func(io.Reader) error {
		t.Fatal("reader must not be called on a miss")
		return nil
	}))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheService_ReaderErrorPropagates(t *testing.T) {
	mock := testutil.NewMockStorage()
	mock.Put("k", []byte("v"))
	svc := newService(mock, "")

	boom := errors.New("disk full")
	found, err := svc.Load(context.Background(), "k", buildcachex.ReaderFunc(func(io.Reader) error { return boom }))
	assert.False(t, found)
	assert.ErrorIs(t, err, boom)
}

func TestCacheService_BackendFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockStorage()
	mock.Put("k", []byte("v"))
	mock.SetFailing(true)
	svc := newService(mock, "")

	found, err := svc.Load(ctx, "k", buildcachex.ReaderFunc(func(io.Reader) error { return nil }))
	require.NoError(t, err)
	assert.False(t, found)

	stored, err := svc.TryStore(ctx, "k2", buildcachex.BytesEntry("v"))
	require.NoError(t, err, "backend failures never reach the build")
	assert.False(t, stored)

	assert.False(t, svc.Delete(ctx, "k"))
}

func TestCacheService_EmptyEntrySkipsBackend(t *testing.T) {
	mock := testutil.NewMockStorage()
	svc := newService(mock, "")

	stored, err := svc.TryStore(context.Background(), "k", buildcachex.BytesEntry(nil))
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Zero(t, mock.Stores.Load())
}

type failingEntry struct{}

func (failingEntry) Size() int64               { return 3 }
func (failingEntry) WriteTo(w io.Writer) error { return errors.New("source vanished") }

func TestCacheService_WriterErrorPropagates(t *testing.T) {
	mock := testutil.NewMockStorage()
	svc := newService(mock, "")

	err := svc.Store(context.Background(), "k", failingEntry{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source vanished")
	assert.Zero(t, mock.Stores.Load())
}

func TestCacheService_PushDisabled(t *testing.T) {
	cfg := testutil.NewTestConfig()
	cfg.Push = false
	mock := testutil.NewMockStorageFromConfig(cfg)
	svc := newService(mock, "")

	stored, err := svc.TryStore(context.Background(), "k", buildcachex.BytesEntry("v"))
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Empty(t, mock.Keys())
}

func TestCacheService_Delete(t *testing.T) {
	mock := testutil.NewMockStorage()
	mock.Put("p/k", []byte("v"))
	svc := newService(mock, "p")

	assert.True(t, svc.Delete(context.Background(), "k"))
	assert.Empty(t, mock.Keys())
	assert.False(t, svc.Delete(context.Background(), "k"))
}

func TestCacheService_CloseOnce(t *testing.T) {
	mock := testutil.NewMockStorage()
	svc := newService(mock, "")

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(svc.Close)
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), mock.Closes.Load())
}

func TestCacheService_Delegates(t *testing.T) {
	mock := testutil.NewMockStorage()
	mock.SetValidateError(errors.New("bucket gone"))
	svc := newService(mock, "")

	assert.EqualError(t, svc.ValidateConfiguration(context.Background()), "bucket gone")
	assert.Equal(t, "mock", svc.Describe().Provider)
	assert.Same(t, mock, svc.Storage())
}

// streamEntry reports an unknown length, as an HTTP body without
// Content-Length does.
type streamEntry struct{ data string }

func (streamEntry) Size() int64 { return -1 }

func (e streamEntry) WriteTo(w io.Writer) error {
	_, err := io.WriteString(w, e.data)
	return err
}

func TestCacheService_StoreUnknownSize(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockStorage()
	svc := newService(mock, "")

	var stored bool
	var err error
	require.NotPanics(t, func() {
		stored, err = svc.TryStore(ctx, "k", streamEntry{data: "streamed"})
	})
	require.NoError(t, err)
	assert.True(t, stored)

	data, ok := mock.Object("k")
	require.True(t, ok)
	assert.Equal(t, "streamed", string(data))
}

func TestCacheService_StoreUnknownSizeEmptyIsSkipped(t *testing.T) {
	mock := testutil.NewMockStorage()
	svc := newService(mock, "")

	stored, err := svc.TryStore(context.Background(), "k", streamEntry{})
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Zero(t, mock.Stores.Load(), "empty drained payload never reaches the backend")
}

func TestCacheService_ContainsUsesMetadata(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockStorage()
	mock.Put("gradle/k", []byte("v"))
	svc := newService(mock, "gradle")

	assert.True(t, svc.Contains(ctx, "k"))
	assert.False(t, svc.Contains(ctx, "absent"))
	assert.Equal(t, int64(2), mock.Lookups.Load())
	assert.Zero(t, mock.Loads.Load(), "payload never opened")
}

// loadOnly hides the optional EntryChecker of the wrapped backend.
type loadOnly struct{ buildcachex.StorageService }

func TestCacheService_ContainsFallsBackToLoad(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockStorage()
	mock.Put("k", []byte("v"))
	svc := buildcachex.NewCacheService(loadOnly{mock}, nil, nil, nil)

	assert.True(t, svc.Contains(ctx, "k"))
	assert.False(t, svc.Contains(ctx, "absent"))
	assert.Equal(t, int64(2), mock.Loads.Load())
	assert.Zero(t, mock.Lookups.Load())
}
