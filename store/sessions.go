package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"import-desk/session"
)

// SessionStore persists session state as JSON documents in import_sessions.
// It implements session.Store.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore returns a session store backed by db.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Save implements session.Store.
func (s *SessionStore) Save(st session.State) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO import_sessions(id, status, destination, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, string(st.Status), st.Destination, string(doc),
		st.CreatedAt.UTC().Format(time.RFC3339Nano), st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", st.ID, err)
	}
	return nil
}

// Load implements session.Store.
func (s *SessionStore) Load(id string) (session.State, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM import_sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return session.State{}, session.ErrNotFound
	}
	if err != nil {
		return session.State{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return decodeState(doc)
}

// LoadAll implements session.Store.
func (s *SessionStore) LoadAll() ([]session.State, error) {
	rows, err := s.db.Query(`SELECT document FROM import_sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.State
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Delete implements session.Store.
func (s *SessionStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM import_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func decodeState(doc string) (session.State, error) {
	var st session.State
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return session.State{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return st, nil
}
