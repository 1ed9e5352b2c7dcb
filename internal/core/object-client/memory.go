package objectclient

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/markdave123-py/docvault/internal/core"
)

var _ core.BlobBackend = (*MemoryStore)(nil)

// MemoryStore is an in-process blob backend. It counts physical writes per
// path, which makes deduplication observable.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	writes map[string]int

	// FailUploads, when set, is returned by every Upload.
	FailUploads error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:  make(map[string][]byte),
		writes: make(map[string]int),
	}
}

func (m *MemoryStore) Upload(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUploads != nil {
		return fmt.Errorf("memory upload %s: %w", path, m.FailUploads)
	}
	m.blobs[path] = append([]byte(nil), data...)
	m.writes[path]++
	return nil
}

func (m *MemoryStore) DownloadToStream(ctx context.Context, path string, sink io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	data, ok := m.blobs[path]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("memory get %s: %w", path, core.ErrBlobNotFound)
	}
	_, err := sink.Write(data)
	return err
}

func (m *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[path]
	return ok, nil
}

func (m *MemoryStore) TemporaryReadURL(ctx context.Context, path string, validity time.Duration) (string, error) {
	u := url.URL{Scheme: "mem", Path: "/" + path}
	u.RawQuery = url.Values{"expires": {time.Now().Add(validity).UTC().Format(time.RFC3339)}}.Encode()
	return u.String(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
	return nil
}

// Writes reports how many times path was physically written.
func (m *MemoryStore) Writes(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[path]
}

// TotalWrites reports the number of physical writes across all paths.
func (m *MemoryStore) TotalWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, w := range m.writes {
		n += w
	}
	return n
}

// Len reports how many blobs are currently stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Corrupt replaces the stored bytes at path, for tests.
func (m *MemoryStore) Corrupt(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = data
}
