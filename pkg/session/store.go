package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists session identifiers to a single JSON file.
//
// Directory layout:
//
//	<dir>/session.json
//
// Writes go to a temp file in the same directory and are renamed into place,
// so readers never observe a partially written file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

type fileState struct {
	Values    map[string]string `json:"values"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: strings.TrimSpace(dir)}
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Path() string {
	return filepath.Join(s.dir, "session.json")
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := st.Values[key]
	return v, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	st.Values[key] = value
	return s.write(st)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := st.Values[key]; !ok {
		return nil
	}
	delete(st.Values, key)
	return s.write(st)
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func (s *FileStore) All() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	return st.Values, nil
}

func (s *FileStore) load() (*fileState, error) {
	st := &fileState{Values: map[string]string{}}
	if s.dir == "" {
		return nil, fmt.Errorf("session dir is empty")
	}

	b, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(trimmed), st); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	if st.Values == nil {
		st.Values = map[string]string{}
	}
	return st, nil
}

func (s *FileStore) write(st *fileState) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	st.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.dir, "session.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp session file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// MemoryStore keeps session identifiers in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
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

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = map[string]string{}
	return nil
}

func (m *MemoryStore) All() (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
