// Package snapshot stores copies of the config store database.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Sink receives named snapshot blobs.
type Sink interface {
	// Put stores size bytes read from r under name, replacing any previous
	// snapshot with the same name.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// Describe names the destination for log and CLI output.
	Describe() string
}

// FileSystemSink writes snapshots into a directory.
type FileSystemSink struct {
	dir string
}

var _ Sink = (*FileSystemSink)(nil)

func NewFileSystemSink(dir string) (*FileSystemSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileSystemSink{dir: dir}, nil
}

func (s *FileSystemSink) Describe() string { return s.dir }

// Put writes through a temp file and renames it into place, so a partial
// snapshot never replaces a complete one.
func (s *FileSystemSink) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := validName(name); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

// MemorySink keeps snapshots in memory.
type MemorySink struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{blobs: map[string][]byte{}}
}

func (s *MemorySink) Describe() string { return "memory" }

func (s *MemorySink) Put(_ context.Context, name string, r io.Reader, size int64) error {
	if err := validName(name); err != nil {
		return err
	}
	var buf bytes.Buffer
	written, err := io.Copy(&buf, r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = buf.Bytes()
	return nil
}

// Get returns a stored snapshot.
func (s *MemorySink) Get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[name]
	return b, ok
}

// Names lists stored snapshots in order.
func (s *MemorySink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.blobs))
	for n := range s.blobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid snapshot name %q", name)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
