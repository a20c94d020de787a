package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store is durable key/value storage that survives restarts, the equivalent
// of browser local storage. Values are opaque strings.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error

	// Update reads key, applies fn and writes the result back under the
	// store's lock. Returning ok=false from fn deletes the key.
	Update(key string, fn func(current string, exists bool) (next string, ok bool, err error)) error

	// Clear removes every key, not just the session.
	Clear() error
}

// MemoryStore is a Store that lives for the lifetime of the process.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Update(key string, fn func(string, bool) (string, bool, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.values[key]
	next, ok, err := fn(current, exists)
	if err != nil {
		return err
	}
	if !ok {
		delete(m.values, key)
		return nil
	}
	m.values[key] = next
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

// Len returns the number of keys held.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// FileStore persists all keys as a single JSON object on disk. Writes go to a
// temporary file that is renamed over the original.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("[sessions NewFileStore] path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("[sessions NewFileStore] create directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (f *FileStore) Set(key, value string) error {
	return f.Update(key, func(string, bool) (string, bool, error) {
		return value, true, nil
	})
}

func (f *FileStore) Delete(key string) error {
	return f.Update(key, func(string, bool) (string, bool, error) {
		return "", false, nil
	})
}

func (f *FileStore) Update(key string, fn func(string, bool) (string, bool, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return err
	}
	current, exists := values[key]
	next, ok, err := fn(current, exists)
	if err != nil {
		return err
	}
	if ok {
		values[key] = next
	} else {
		if !exists {
			return nil
		}
		delete(values, key)
	}
	return f.write(values)
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("[FileStore Clear] %w", err)
	}
	return nil
}

// read loads the store. A missing file is an empty store; so is an unreadable
// one, which is overwritten on the next write.
func (f *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("[FileStore read] %w", err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("durable storage is corrupt, starting empty")
		return make(map[string]string), nil
	}
	return values, nil
}

func (f *FileStore) write(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("[FileStore write] marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("[FileStore write] create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("[FileStore write] %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("[FileStore write] close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("[FileStore write] rename: %w", err)
	}
	return nil
}
