package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gostratum/core/logx"
	"go.uber.org/atomic"

	"github.com/gostratum/buildcachex"
)

// ErrInjected is returned by MockStorage while failure injection is on.
var ErrInjected = errors.New("testutil: injected backend failure")

// MockStorage is a thread-safe in-memory implementation of
// buildcachex.StorageService for testing. It honors the enabled and push
// flags, downgrades failures the same way real backends do and counts every
// call so tests can assert exactly-once behavior.
type MockStorage struct {
	mu      sync.RWMutex
	objects map[string]*mockObject // key -> object

	gate   buildcachex.Gate
	bucket string
	logger logx.Logger

	failing     atomic.Bool
	validateErr error

	Loads       atomic.Int64
	Lookups     atomic.Int64
	Stores      atomic.Int64
	Deletes     atomic.Int64
	Validations atomic.Int64
	Closes      atomic.Int64
}

type mockObject struct {
	data         []byte
	lastAccessed time.Time
	generation   int64
}

var (
	_ buildcachex.StorageService = (*MockStorage)(nil)
	_ buildcachex.AccessMarker   = (*MockStorage)(nil)
	_ buildcachex.HealthChecker  = (*MockStorage)(nil)
	_ buildcachex.EntryChecker   = (*MockStorage)(nil)
)

// NewMockStorage creates an enabled, push-capable in-memory store
func NewMockStorage() *MockStorage {
	return &MockStorage{
		objects: make(map[string]*mockObject),
		gate:    buildcachex.Gate{Enabled: true, Push: true},
		bucket:  "mock-bucket",
		logger:  logx.NewNoopLogger(),
	}
}

// NewMockStorageFromConfig creates a mock that mirrors cfg's bucket and flags
func NewMockStorageFromConfig(cfg *buildcachex.Config) *MockStorage {
	m := NewMockStorage()
	m.bucket = cfg.Bucket
	m.gate = buildcachex.Gate{Enabled: cfg.Enabled, Push: cfg.Push}
	return m
}

// SetFailing makes every backend call fail until turned off
func (m *MockStorage) SetFailing(failing bool) {
	m.failing.Store(failing)
}

// SetValidateError makes ValidateConfiguration return err
func (m *MockStorage) SetValidateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validateErr = err
}

// Put seeds an entry directly, bypassing the gate
func (m *MockStorage) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &mockObject{data: append([]byte(nil), data...), generation: 1}
}

// Object returns a copy of the stored payload
func (m *MockStorage) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Keys returns the stored keys in sorted order
func (m *MockStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load implements buildcachex.StorageService
func (m *MockStorage) Load(ctx context.Context, key string) (io.ReadCloser, bool) {
	m.Loads.Inc()

	res := buildcachex.AtBoundary(ctx, m.logger, "load", key, func(ctx context.Context) (io.ReadCloser, error) {
		if err := m.check(ctx, m.gate.CanRead); err != nil {
			return nil, err
		}

		data, ok := m.Object(key)
		if !ok || len(data) == 0 {
			return nil, buildcachex.ErrNotFound
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	return res.Value, res.OK()
}

// Contains implements buildcachex.EntryChecker
func (m *MockStorage) Contains(ctx context.Context, key string) bool {
	m.Lookups.Inc()

	res := buildcachex.AtBoundary(ctx, m.logger, "contains", key, func(ctx context.Context) (struct{}, error) {
		if err := m.check(ctx, m.gate.CanRead); err != nil {
			return struct{}{}, err
		}
		data, ok := m.Object(key)
		if !ok || len(data) == 0 {
			return struct{}{}, buildcachex.ErrNotFound
		}
		return struct{}{}, nil
	})
	return res.OK()
}

// Store implements buildcachex.StorageService
func (m *MockStorage) Store(ctx context.Context, key string, data []byte) bool {
	m.Stores.Inc()

	res := buildcachex.AtBoundary(ctx, m.logger, "store", key, func(ctx context.Context) (struct{}, error) {
		if err := m.check(ctx, m.gate.CanWrite); err != nil {
			return struct{}{}, err
		}
		if err := buildcachex.CheckPayload(int64(len(data)), 0); err != nil {
			return struct{}{}, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		var generation int64 = 1
		if prev, ok := m.objects[key]; ok {
			generation = prev.generation + 1
		}
		m.objects[key] = &mockObject{data: append([]byte(nil), data...), generation: generation}
		return struct{}{}, nil
	})
	return res.OK()
}

// Delete implements buildcachex.StorageService
func (m *MockStorage) Delete(ctx context.Context, key string) bool {
	m.Deletes.Inc()

	res := buildcachex.AtBoundary(ctx, m.logger, "delete", key, func(ctx context.Context) (struct{}, error) {
		if err := m.check(ctx, m.gate.CanWrite); err != nil {
			return struct{}{}, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.objects[key]; !ok {
			return struct{}{}, buildcachex.ErrNotFound
		}
		delete(m.objects, key)
		return struct{}{}, nil
	})
	return res.OK()
}

// ValidateConfiguration implements buildcachex.StorageService
func (m *MockStorage) ValidateConfiguration(ctx context.Context) error {
	m.Validations.Inc()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateErr
}

// Describe implements buildcachex.StorageService
func (m *MockStorage) Describe() buildcachex.Description {
	return buildcachex.Description{
		Provider: "mock",
		Bucket:   m.bucket,
		Push:     m.gate.Push,
		Enabled:  m.gate.Enabled,
	}
}

// Close implements buildcachex.StorageService
func (m *MockStorage) Close() error {
	m.Closes.Inc()
	return nil
}

// Name implements buildcachex.HealthChecker
func (m *MockStorage) Name() string { return "buildcachex.mock" }

// Check implements buildcachex.HealthChecker
func (m *MockStorage) Check(ctx context.Context) error {
	if m.failing.Load() {
		return ErrInjected
	}
	return nil
}

// LastAccessed implements buildcachex.AccessMarker. The token is the
// entry's generation.
func (m *MockStorage) LastAccessed(ctx context.Context, key string) (time.Time, int64, error) {
	if m.failing.Load() {
		return time.Time{}, 0, ErrInjected
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return time.Time{}, 0, buildcachex.ErrNotFound
	}
	return obj.lastAccessed, obj.generation, nil
}

// MarkAccessed implements buildcachex.AccessMarker. It fails when the
// generation moved since LastAccessed.
func (m *MockStorage) MarkAccessed(ctx context.Context, key string, at time.Time, token int64) error {
	if m.failing.Load() {
		return ErrInjected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return buildcachex.ErrNotFound
	}
	if obj.generation != token {
		return errors.New("testutil: generation mismatch")
	}
	obj.lastAccessed = at
	return nil
}

func (m *MockStorage) check(ctx context.Context, gate func() error) error {
	if err := gate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failing.Load() {
		return ErrInjected
	}
	return nil
}
