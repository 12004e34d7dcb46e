// Package buffer provides memory-efficient storage for request and
// response bodies, spilling to a temporary file once a body exceeds a
// configured memory threshold. It backs both the per-request body read
// off the wire and the snapshot a cache entry stores.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/whileendless/gatewaycore/pkg/errors"
)

// DefaultMemoryLimit is the memory threshold before a buffer spills to disk.
const DefaultMemoryLimit = 4 * 1024 * 1024 // 4MB

// Buffer stores bytes either in memory or, past its limit, in a spooled
// temporary file. Safe for concurrent Write/Read/Close.
type Buffer struct {
	buf    bytes.Buffer
	file   *os.File
	path   string
	size   int64
	limit  int64
	mu     sync.Mutex
	closed bool
}

// New creates a Buffer that spills to disk past limit bytes.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Buffer{limit: limit}
}

// NewWithData creates a buffer pre-populated with data, entirely in memory.
func NewWithData(data []byte) *Buffer {
	b := &Buffer{limit: DefaultMemoryLimit, size: int64(len(data))}
	b.buf.Write(data)
	return b
}

// Write appends p, spilling to a temp file the first time the in-memory
// size would exceed the configured limit.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("buffer is closed", nil)
	}

	b.size += int64(len(p))

	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.limit {
		return b.buf.Write(p)
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "gatewaycore-body-*.tmp")
		if err != nil {
			return 0, errors.NewIOError("creating temp file", err)
		}
		b.file = tmp
		b.path = tmp.Name()

		if b.buf.Len() > 0 {
			if _, err := tmp.Write(b.buf.Bytes()); err != nil {
				b.closeLocked()
				return 0, errors.NewIOError("writing to temp file", err)
			}
		}
		b.buf.Reset()
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, errors.NewIOError("writing to temp file", err)
	}
	return n, nil
}

// Bytes returns the in-memory payload. Empty if the buffer spilled.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		return nil
	}
	return b.buf.Bytes()
}

// Path returns the filesystem path backing a spilled payload, or "".
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written so far.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled reports whether the payload has moved to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader returns a fresh reader over the stored data. Callers must close it.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("buffer is closed", nil)
	}

	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, errors.NewIOError("syncing temp file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("opening temp file for reading", err)
		}
		return f, nil
	}

	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// WriteTo streams the stored payload to w, used when framing a cached or
// proxied body back out onto a client connection without an intermediate copy.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	r, err := b.Reader()
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(w, r)
}

// Snapshot materializes the whole payload into memory, regardless of
// whether it spilled. Cache entries use this to hold an immutable body
// independent of the original buffer's lifecycle.
func (b *Buffer) Snapshot() ([]byte, error) {
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Close releases the backing temp file, if any. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Buffer) closeLocked() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.file != nil {
		err := b.file.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = removeErr
		}
		b.file = nil
		b.path = ""
		if err != nil {
			return errors.NewIOError("closing temp file", err)
		}
	}
	return nil
}

// Reset closes any backing file and prepares the buffer for reuse.
func (b *Buffer) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.size = 0
	b.closed = false
	return nil
}
