package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store persists session state keyed by session id. Save is a full-state
// overwrite.
type Store interface {
	Save(st State) error
	Load(id string) (State, error)
	LoadAll() ([]State, error)
	Delete(id string) error
}

// FileStore keeps one JSON document per session in a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) *FileStore {
	cleaned := filepath.Clean(dir)
	if !filepath.IsAbs(cleaned) {
		if abs, err := filepath.Abs(cleaned); err == nil {
			cleaned = abs
		}
	}
	return &FileStore{dir: cleaned}
}

// Dir returns the directory holding session documents.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the location of the document for id.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the state to a temporary file and renames it into place so
// readers never observe a partial document.
func (s *FileStore) Save(st State) error {
	if st.ID == "" || strings.ContainsAny(st.ID, `/\`) {
		return fmt.Errorf("invalid session id %q", st.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to ensure session directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session file: %w", err)
	}

	path := s.Path(st.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Load reads one session document.
func (s *FileStore) Load(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(s.Path(id))
}

// LoadAll reads every session document in the directory, ordered by creation time.
func (s *FileStore) LoadAll() ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var states []State
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		st, err := s.load(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if st.ID == "" {
			st.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		states = append(states, st)
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states, nil
}

// Delete removes the session document. Removing a missing document is not an error.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

func (s *FileStore) load(path string) (State, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return State{}, fmt.Errorf("failed to read session file: %w", err)
	}
	if len(content) == 0 {
		return State{}, ErrNotFound
	}

	var st State
	if err := json.Unmarshal(content, &st); err != nil {
		return State{}, fmt.Errorf("failed to decode session file %s: %w", filepath.Base(path), err)
	}
	return st, nil
}

// MemoryStore keeps session state in memory. It is used when nothing should
// outlive the process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Save implements Store.
func (s *MemoryStore) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ID] = st.Clone()
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return State{}, ErrNotFound
	}
	return st.Clone(), nil
}

// LoadAll implements Store.
func (s *MemoryStore) LoadAll() ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}
