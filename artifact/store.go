package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned for unknown keys.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey rejects keys that escape the store root.
var ErrInvalidKey = errors.New("invalid object key")

// Object describes stored content.
type Object struct {
	Key      string
	Size     int64
	Checksum string // hex sha256
}

// ObjectStore holds artifact content.
type ObjectStore interface {
	Put(ctx context.Context, key string, data io.Reader) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Key builds the storage key for a workflow-relative file path.
func Key(workflowID, relPath string) (string, error) {
	if workflowID == "" || strings.ContainsAny(workflowID, `/\`) {
		return "", fmt.Errorf("%w: workflow id %q", ErrInvalidKey, workflowID)
	}
	clean, err := cleanPath(relPath)
	if err != nil {
		return "", err
	}
	return workflowID + "/" + clean, nil
}

func cleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, p)
	}
	return clean, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// 文件存储
// =============================================================================

// FileStore 使用本地文件系统保存产物内容
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) resolve(key string) (string, error) {
	clean, err := cleanPath(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

// Put writes through a temp file and rename, so readers never see a partial object.
func (s *FileStore) Put(ctx context.Context, key string, data io.Reader) (Object, error) {
	dst, err := s.resolve(key)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	// 读取全部数据以计算校验和与大小
	buf := new(bytes.Buffer)
	size, err := io.Copy(buf, data)
	if err != nil {
		return Object{}, fmt.Errorf("failed to read data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Object{}, fmt.Errorf("failed to move artifact into place: %w", err)
	}

	return Object{Key: key, Size: size, Checksum: digest(buf.Bytes())}, nil
}

// Get opens stored content.
func (s *FileStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open data: %w", err)
	}
	return f, nil
}

// Delete removes stored content. Missing keys are not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// =============================================================================
// 内存存储
// =============================================================================

// MemoryStore keeps objects in memory, for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put implements ObjectStore.
func (s *MemoryStore) Put(_ context.Context, key string, data io.Reader) (Object, error) {
	if _, err := cleanPath(key); err != nil {
		return Object{}, err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return Object{}, fmt.Errorf("failed to read data: %w", err)
	}
	s.mu.Lock()
	s.objects[key] = b
	s.mu.Unlock()
	return Object{Key: key, Size: int64(len(b)), Checksum: digest(b)}, nil
}

// Get implements ObjectStore.
func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	b, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Delete implements ObjectStore.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
