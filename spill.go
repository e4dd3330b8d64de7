package buildcachex

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/gostratum/core/logx"
)

// spillReadBufferSize sizes the buffered reader over a spill file. It must stay
// far below any sensible threshold: spilling exists to bound heap use.
const spillReadBufferSize = 64 << 10

// StreamingPolicy decides how a loaded payload is handed to the caller:
// payloads up to Threshold are buffered in memory, larger ones are copied
// to a temporary file so memory use stays bounded.
type StreamingPolicy struct {
	threshold int64
	baseDir   string
	logger    logx.Logger

	mu     sync.Mutex
	dir    string
	closed bool
}

// NewStreamingPolicy creates a policy that spills payloads larger than
// threshold into a private directory under baseDir (the OS temp dir when empty).
func NewStreamingPolicy(threshold int64, baseDir string, logger logx.Logger) *StreamingPolicy {
	if threshold <= 0 {
		threshold = DefaultSizeThreshold
	}
	if logger == nil {
		logger = logx.NewNoopLogger()
	}
	return &StreamingPolicy{threshold: threshold, baseDir: baseDir, logger: logger}
}

// Threshold returns the in-memory size limit.
func (p *StreamingPolicy) Threshold() int64 { return p.threshold }

// Spills reports whether a payload of size bytes goes through a temp file.
func (p *StreamingPolicy) Spills(size int64) bool { return size > p.threshold }

// Deliver drains r (of the given size) and returns a stream over the payload.
// It always consumes r; the caller still owns closing it.
func (p *StreamingPolicy) Deliver(r io.Reader, size int64) (io.ReadCloser, error) {
	if !p.Spills(size) {
		buf := bytes.NewBuffer(make([]byte, 0, max(size, 0)+bytes.MinRead))
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("buffer payload: %w", err)
		}
		return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
	}
	return p.spill(r, size)
}

func (p *StreamingPolicy) spill(r io.Reader, size int64) (io.ReadCloser, error) {
	dir, err := p.spillDir()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, uuid.NewString()+".tmp")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}

	fail := func(err error) (io.ReadCloser, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}

	// Straight into the file: *os.File.ReadFrom and bytes.Reader.WriteTo
	// avoid an intermediate buffer, and io.Copy falls back to 32KiB.
	if _, err := io.Copy(f, r); err != nil {
		return fail(fmt.Errorf("spill payload: %w", err))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind spill file: %w", err))
	}

	p.logger.Debug("payload spilled to disk", logx.String("path", path), logx.Int64("size", size))

	return &SpilledReader{
		file:   f,
		reader: bufio.NewReaderSize(f, spillReadBufferSize),
	}, nil
}

func (p *StreamingPolicy) spillDir() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", errors.New("streaming policy closed")
	}
	if p.dir != "" {
		return p.dir, nil
	}

	if p.baseDir != "" {
		if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
			return "", fmt.Errorf("create spill base dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(p.baseDir, "buildcachex-spill-")
	if err != nil {
		return "", fmt.Errorf("create spill dir: %w", err)
	}
	p.dir = dir
	return dir, nil
}

// Close removes the spill directory and any files still in it.
func (p *StreamingPolicy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.dir == "" {
		return nil
	}
	return os.RemoveAll(p.dir)
}

// SpilledReader streams a payload from a temporary file. The file is removed
// when the stream is exhausted or closed, whichever comes first.
type SpilledReader struct {
	file   *os.File
	reader *bufio.Reader
	once   sync.Once
	done   bool
	err    error
}

// Path returns the location of the backing file.
func (s *SpilledReader) Path() string { return s.file.Name() }

func (s *SpilledReader) Read(b []byte) (int, error) {
	if s.done {
		return 0, io.EOF
	}
	n, err := s.reader.Read(b)
	if errors.Is(err, io.EOF) {
		s.done = true
		s.release()
	}
	return n, err
}

// Close releases the backing file. Safe to call more than once.
func (s *SpilledReader) Close() error {
	s.done = true
	s.release()
	return s.err
}

func (s *SpilledReader) release() {
	s.once.Do(func() {
		closeErr := s.file.Close()
		removeErr := os.Remove(s.file.Name())
		if removeErr != nil && errors.Is(removeErr, os.ErrNotExist) {
			removeErr = nil
		}
		s.err = errors.Join(closeErr, removeErr)
	})
}
