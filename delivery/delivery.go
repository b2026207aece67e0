package delivery

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an issued token stays readable.
	DefaultTTL = 24 * time.Hour
	// DefaultMaxArchiveItems caps the number of entries offered as one archive.
	DefaultMaxArchiveItems = 500
	// DefaultTombstoneRetention is how long a swept token keeps answering
	// ErrExpired before it is forgotten and answers ErrNotFound.
	DefaultTombstoneRetention = 30 * 24 * time.Hour

	tokenBytes = 32
	chunkSize  = 32 * 1024
)

var (
	ErrNotFound     = errors.New("download not found")
	ErrExpired      = errors.New("download link expired")
	ErrTooManyItems = errors.New("too many files for a single archive")
)

// Payload is the content behind a token.
type Payload interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FilePayload reads a materialized file from local disk.
type FilePayload string

func (p FilePayload) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(string(p))
}

// BytesPayload serves content held in memory.
type BytesPayload []byte

func (p BytesPayload) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p)), nil
}

// Entry is one item of a session's delivery catalogue.
type Entry struct {
	RelativePath string `json:"relative_path"`
	Token        string `json:"token"`
	Size         int64  `json:"size"`
}

// Token is the stored side of an issued download link.
type Token struct {
	SessionID string
	Filename  string
	Payload   Payload
	Size      int64
	ExpiresAt time.Time
}

// tombstone remembers a swept token after its payload is released.
type tombstone struct {
	sessionID string
	expiredAt time.Time
}

// Store keeps issued tokens and per-session catalogues in memory.
type Store struct {
	mu        sync.RWMutex
	tokens    map[string]*Token
	swept     map[string]tombstone
	catalogue map[string][]Entry

	ttl       time.Duration
	retention time.Duration
	maxItems  int
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxArchiveItems overrides DefaultMaxArchiveItems.
func WithMaxArchiveItems(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxItems = n
		}
	}
}

// WithTombstoneRetention overrides DefaultTombstoneRetention.
func WithTombstoneRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty token store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		tokens:    make(map[string]*Token),
		swept:     make(map[string]tombstone),
		catalogue: make(map[string][]Entry),
		ttl:       DefaultTTL,
		retention: DefaultTombstoneRetention,
		maxItems:  DefaultMaxArchiveItems,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue stores payload under a fresh token and appends it to the session's
// catalogue. relPath is the slash-separated path below the destination; its
// last element becomes the download filename.
func (s *Store) Issue(sessionID, relPath string, payload Payload, size int64) (Entry, error) {
	token, err := newToken()
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{RelativePath: relPath, Token: token, Size: size}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &Token{
		SessionID: sessionID,
		Filename:  baseName(relPath),
		Payload:   payload,
		Size:      size,
		ExpiresAt: s.now().Add(s.ttl),
	}
	s.catalogue[sessionID] = append(s.catalogue[sessionID], entry)
	return entry, nil
}

// Fetch returns the token if it belongs to sessionID and has not expired.
func (s *Store) Fetch(sessionID, token string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		if ts, swept := s.swept[token]; swept && ts.sessionID == sessionID {
			return nil, ErrExpired
		}
		return nil, ErrNotFound
	}
	if t.SessionID != sessionID {
		return nil, ErrNotFound
	}
	if s.now().After(t.ExpiresAt) {
		return nil, ErrExpired
	}
	cp := *t
	return &cp, nil
}

// Catalogue returns a copy of the session's delivered entries in issue order.
func (s *Store) Catalogue(sessionID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.catalogue[sessionID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// CheckArchive reports whether an archive can be offered for the session.
// Only entries whose token is still readable count.
func (s *Store) CheckArchive(sessionID string) error {
	s.mu.RLock()
	now := s.now()
	n := 0
	for _, e := range s.catalogue[sessionID] {
		if t, ok := s.tokens[e.Token]; ok && !now.After(t.ExpiresAt) {
			n++
		}
	}
	s.mu.RUnlock()
	switch {
	case n == 0:
		return ErrNotFound
	case n > s.maxItems:
		return fmt.Errorf("%w: %d entries, limit is %d", ErrTooManyItems, n, s.maxItems)
	}
	return nil
}

// Sweep releases every token that expired before now and returns how many
// were removed. Swept tokens are kept as tombstones for the retention window
// so Fetch still reports ErrExpired for them.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, ts := range s.swept {
		if now.Sub(ts.expiredAt) > s.retention {
			delete(s.swept, token)
		}
	}

	removed := 0
	for token, t := range s.tokens {
		if now.After(t.ExpiresAt) {
			delete(s.tokens, token)
			s.swept[token] = tombstone{sessionID: t.SessionID, expiredAt: t.ExpiresAt}
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	for id, entries := range s.catalogue {
		kept := entries[:0]
		for _, e := range entries {
			if _, ok := s.tokens[e.Token]; ok {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.catalogue, id)
			continue
		}
		s.catalogue[id] = kept
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Forget removes every token and catalogue entry of the session.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.catalogue[sessionID] {
		delete(s.tokens, e.Token)
	}
	for token, ts := range s.swept {
		if ts.sessionID == sessionID {
			delete(s.swept, token)
		}
	}
	delete(s.catalogue, sessionID)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func baseName(relPath string) string {
	for i := len(relPath) - 1; i >= 0; i-- {
		if relPath[i] == '/' {
			return relPath[i+1:]
		}
	}
	return relPath
}
