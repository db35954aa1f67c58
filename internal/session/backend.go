package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
)

// MemoryBackend keeps entries in process memory. It does not survive a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]string{}}
}

func (m *MemoryBackend) Get(_ context.Context, keys []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.entries[k] = v
	}
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// FileBackend stores all entries in one JSON document. Every change rewrites
// the document through a temp file and rename, so a crash leaves either the old
// or the new content on disk.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("session: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	return &FileBackend{path: path}, nil
}

func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := map[string]string{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return entries, nil
}

func (f *FileBackend) store(entries map[string]string) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(f.path, bytes.NewReader(raw))
}

func (f *FileBackend) Get(_ context.Context, keys []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *FileBackend) Set(_ context.Context, entries map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	for k, v := range entries {
		all[k] = v
	}
	return f.store(all)
}

func (f *FileBackend) Remove(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(all, k)
	}
	return f.store(all)
}

// Mirrored serves reads from a fast front backend and keeps a durable mirror
// in sync. On a cold front it loads the mirror's entries once; Sync reloads
// them when other contexts may have written the mirror since.
type Mirrored struct {
	mu     sync.Mutex
	front  Backend
	mirror Backend
	warm   bool
}

func NewMirrored(front, mirror Backend) *Mirrored {
	return &Mirrored{front: front, mirror: mirror}
}

func (m *Mirrored) Get(ctx context.Context, keys []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.warm {
		entries, err := m.mirror.Get(ctx, keys)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			if err := m.front.Set(ctx, entries); err != nil {
				return nil, err
			}
		}
		m.warm = true
	}
	return m.front.Get(ctx, keys)
}

// Set writes the mirror first so the front never holds state the mirror lost.
func (m *Mirrored) Set(ctx context.Context, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mirror.Set(ctx, entries); err != nil {
		return err
	}
	m.warm = true
	return m.front.Set(ctx, entries)
}

// Sync replaces the front's session entries with the mirror's.
func (m *Mirrored) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.mirror.Get(ctx, Keys)
	if err != nil {
		return err
	}
	var gone []string
	for _, k := range Keys {
		if _, ok := entries[k]; !ok {
			gone = append(gone, k)
		}
	}
	if len(gone) > 0 {
		if err := m.front.Remove(ctx, gone); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		if err := m.front.Set(ctx, entries); err != nil {
			return err
		}
	}
	m.warm = true
	return nil
}

func (m *Mirrored) Remove(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mirror.Remove(ctx, keys); err != nil {
		return err
	}
	return m.front.Remove(ctx, keys)
}
