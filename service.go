package buildcachex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gostratum/core/logx"
)

// EntryReader consumes a cache entry on a hit.
type EntryReader interface {
	ReadFrom(r io.Reader) error
}

// EntryWriter produces a cache entry to store.
type EntryWriter interface {
	Size() int64
	WriteTo(w io.Writer) error
}

// ReaderFunc adapts a function to EntryReader.
type ReaderFunc func(r io.Reader) error

// ReadFrom implements EntryReader.
func (f ReaderFunc) ReadFrom(r io.Reader) error { return f(r) }

// BytesEntry is an EntryWriter over an in-memory payload.
type BytesEntry []byte

// Size implements EntryWriter.
func (b BytesEntry) Size() int64 { return int64(len(b)) }

// WriteTo implements EntryWriter.
func (b BytesEntry) WriteTo(w io.Writer) error {
	_, err := w.Write(b)
	return err
}

// CacheService bridges a build tool's load/store cache protocol onto a
// StorageService. Keys are encoded before reaching the backend.
type CacheService struct {
	storage StorageService
	codec   KeyCodec
	logger  logx.Logger
	inst    *Instrumenter

	closeOnce sync.Once
	closeErr  error
}

// NewCacheService wraps storage. It does not validate the backend; use New
// for the fully wired, validated service.
func NewCacheService(storage StorageService, codec KeyCodec, logger logx.Logger, inst *Instrumenter) *CacheService {
	if codec == nil {
		codec = NewKeyCodec("")
	}
	if logger == nil {
		logger = logx.NewNoopLogger()
	}
	return &CacheService{storage: storage, codec: codec, logger: logger, inst: inst}
}

// Load looks key up and hands the entry to reader on a hit. It returns false
// on a miss. Errors come only from reader.
func (c *CacheService) Load(ctx context.Context, key string, reader EntryReader) (bool, error) {
	encoded := c.codec.Encode(key)
	c.logger.Info("Loading cache entry", logx.String("key", key), logx.String("encoded_key", encoded))

	var readErr error
	outcome, _ := c.inst.TraceOperation(ctx, "load", encoded, func(ctx context.Context) (string, error) {
		stream, ok := c.storage.Load(ctx, encoded)
		if !ok {
			return OutcomeMiss, nil
		}
		defer stream.Close()

		counter := &countingReader{r: stream}
		if err := reader.ReadFrom(counter); err != nil {
			readErr = fmt.Errorf("read cache entry %q: %w", key, err)
			return OutcomeFailed, readErr
		}
		c.inst.RecordEntrySize("load", counter.n)
		return OutcomeHit, nil
	})

	if readErr != nil {
		return false, readErr
	}
	return outcome == OutcomeHit, nil
}

// Contains reports whether key is present. Backends implementing
// EntryChecker answer from metadata; otherwise the entry is opened and
// discarded unread.
func (c *CacheService) Contains(ctx context.Context, key string) bool {
	encoded := c.codec.Encode(key)
	c.logger.Debug("Checking cache entry", logx.String("key", key), logx.String("encoded_key", encoded))

	outcome, _ := c.inst.TraceOperation(ctx, "contains", encoded, func(ctx context.Context) (string, error) {
		if checker, ok := c.storage.(EntryChecker); ok {
			if checker.Contains(ctx, encoded) {
				return OutcomeHit, nil
			}
			return OutcomeMiss, nil
		}

		stream, ok := c.storage.Load(ctx, encoded)
		if !ok {
			return OutcomeMiss, nil
		}
		_ = stream.Close()
		return OutcomeHit, nil
	})
	return outcome == OutcomeHit
}

// Store drains writer and persists it under key. Empty entries are skipped.
// Backend failures are swallowed; errors come only from writer.
func (c *CacheService) Store(ctx context.Context, key string, writer EntryWriter) error {
	_, err := c.TryStore(ctx, key, writer)
	return err
}

// TryStore is Store that also reports whether the backend persisted the entry.
func (c *CacheService) TryStore(ctx context.Context, key string, writer EntryWriter) (bool, error) {
	encoded := c.codec.Encode(key)
	c.logger.Info("Storing cache entry", logx.String("key", key), logx.String("encoded_key", encoded))

	// A negative size means the writer does not know its length up front.
	size := writer.Size()
	if size == 0 {
		c.logger.Debug("Skipping empty cache entry", logx.String("key", key))
		return false, nil
	}

	var writeErr error
	outcome, _ := c.inst.TraceOperation(ctx, "store", encoded, func(ctx context.Context) (string, error) {
		buf := bytes.NewBuffer(make([]byte, 0, max(size, 0)))
		if err := writer.WriteTo(buf); err != nil {
			writeErr = fmt.Errorf("write cache entry %q: %w", key, err)
			return OutcomeFailed, writeErr
		}
		if buf.Len() == 0 {
			c.logger.Debug("Skipping empty cache entry", logx.String("key", key))
			return OutcomeSkipped, nil
		}
		if !c.storage.Store(ctx, encoded, buf.Bytes()) {
			return OutcomeSkipped, nil
		}
		c.inst.RecordEntrySize("store", int64(buf.Len()))
		return OutcomeStored, nil
	})

	return outcome == OutcomeStored, writeErr
}

// Delete removes key from the backend.
func (c *CacheService) Delete(ctx context.Context, key string) bool {
	encoded := c.codec.Encode(key)
	c.logger.Info("Deleting cache entry", logx.String("key", key), logx.String("encoded_key", encoded))

	outcome, _ := c.inst.TraceOperation(ctx, "delete", encoded, func(ctx context.Context) (string, error) {
		if c.storage.Delete(ctx, encoded) {
			return OutcomeDeleted, nil
		}
		return OutcomeSkipped, nil
	})
	return outcome == OutcomeDeleted
}

// ValidateConfiguration delegates to the backend. Failures are fatal.
func (c *CacheService) ValidateConfiguration(ctx context.Context) error {
	return c.storage.ValidateConfiguration(ctx)
}

// Describe returns the backend description.
func (c *CacheService) Describe() Description {
	return c.storage.Describe()
}

// Storage returns the underlying backend.
func (c *CacheService) Storage() StorageService {
	return c.storage
}

// Close closes the backend exactly once.
func (c *CacheService) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.storage.Close()
	})
	return c.closeErr
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
