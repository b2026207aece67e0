package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileName is the ledger file kept at the root of every destination.
const FileName = "imported_files.log"

// Ledger is the set of filenames already materialized in one destination.
// It is backed by an append-only file with one name per line.
type Ledger struct {
	mu    sync.RWMutex
	path  string
	names map[string]struct{}
}

// Open reads the destination's ledger file into memory. A missing file is
// an empty ledger. Names in seed are merged into the set without being
// written to the file.
func Open(destination string, seed ...string) (*Ledger, error) {
	l := &Ledger{
		path:  filepath.Join(destination, FileName),
		names: make(map[string]struct{}, len(seed)),
	}
	for _, name := range seed {
		if name = strings.TrimSpace(name); name != "" {
			l.names[name] = struct{}{}
		}
	}

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			l.names[name] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return l, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Contains reports whether name has been imported.
func (l *Ledger) Contains(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.names[name]
	return ok
}

// IsDuplicate reports whether name, or converted when it is not empty, is
// already in the ledger. converted is the filename the item would have after
// transcoding.
func (l *Ledger) IsDuplicate(name, converted string) bool {
	if l.Contains(name) {
		return true
	}
	return converted != "" && l.Contains(converted)
}

// Append writes names to the file and merges them into the set.
func (l *Ledger) Append(names ...string) error {
	if len(names) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to ensure ledger directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger for append: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, name := range names {
		w.WriteString(name)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	for _, name := range names {
		l.names[name] = struct{}{}
	}
	return nil
}

// Names returns the set sorted.
func (l *Ledger) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.names))
	for name := range l.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of names in the set.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.names)
}
