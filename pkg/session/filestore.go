package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a file-backed KV implementation. The whole map is held in
// memory and flushed to disk on every write with a rename so a crash never
// leaves a half-written file behind.
type FileStore struct {
	path string

	mu   sync.RWMutex
	data map[string]json.RawMessage
}

func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: map[string]json.RawMessage{},
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fs, nil
		}
		return nil, err
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &fs.data); err != nil {
			// A corrupt store file reads as empty. The integrity tag on
			// the session catches partial corruption anyway.
			fs.data = map[string]json.RawMessage{}
		}
	}
	return fs, nil
}

func (f *FileStore) Get(key string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

func (f *FileStore) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.data[key] = json.RawMessage(value)
	return f.flush()
}

func (f *FileStore) Delete(keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, k := range keys {
		delete(f.data, k)
	}
	return f.flush()
}

// flush writes the map to a temp file and renames it into place.
// Callers hold the write lock.
func (f *FileStore) flush() error {
	b, err := json.MarshalIndent(f.data, "", "\t")
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Dir returns the directory holding the store file.
func (f *FileStore) Dir() string {
	return filepath.Dir(f.path)
}
