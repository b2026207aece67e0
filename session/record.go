package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"import-desk/delivery"
	"import-desk/ledger"
)

// Config is the caller-supplied configuration of a session.
type Config struct {
	Account     string
	Credential  string
	Code        string
	Destination string
	Limit       int
}

// State is the persisted form of a Record. The credential is not part of it.
type State struct {
	ID              string           `json:"session_id"`
	Account         string           `json:"account"`
	Destination     string           `json:"destination"`
	Limit           int              `json:"limit"`
	Status          Status           `json:"status"`
	Progress        int              `json:"progress"`
	Total           *int             `json:"total"`
	Errors          []string         `json:"errors"`
	ImportedFiles   []string         `json:"imported_files"`
	FilesToDownload []delivery.Entry `json:"files_to_download"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the state for safe persistence.
func (s State) Clone() State {
	cloned := s
	if s.Total != nil {
		total := *s.Total
		cloned.Total = &total
	}
	cloned.Errors = append([]string(nil), s.Errors...)
	cloned.ImportedFiles = append([]string(nil), s.ImportedFiles...)
	cloned.FilesToDownload = append([]delivery.Entry(nil), s.FilesToDownload...)
	return cloned
}

// Record is one import session: its persisted state plus the in-memory
// credential, control signals and ledger reference.
type Record struct {
	mu         sync.RWMutex
	state      State
	credential string
	code       string
	control    *Control
	ledger     *ledger.Ledger
	store      Store
	poll       time.Duration
}

// New constructs a ready Record. Total is the limit when one is set.
func New(id string, cfg Config, store Store) *Record {
	now := time.Now().UTC()
	st := State{
		ID:          id,
		Account:     cfg.Account,
		Destination: cfg.Destination,
		Limit:       cfg.Limit,
		Status:      StatusReady,
		Errors:      []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cfg.Limit > 0 {
		limit := cfg.Limit
		st.Total = &limit
	}
	return &Record{
		state:      st,
		credential: cfg.Credential,
		code:       cfg.Code,
		control:    NewControl(0),
		store:      store,
	}
}

// Restore rebuilds a Record from persisted state. The credential must be
// supplied again with SetCredential before the session can run.
func Restore(st State, store Store) *Record {
	if st.Errors == nil {
		st.Errors = []string{}
	}
	return &Record{state: st.Clone(), control: NewControl(0), store: store}
}

// ID returns the immutable session identifier.
func (r *Record) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ID
}

// Status returns the current lifecycle status.
func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status
}

// Snapshot returns a copy of the persisted state.
func (r *Record) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Config returns the session configuration including the in-memory credential.
func (r *Record) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Config{
		Account:     r.state.Account,
		Credential:  r.credential,
		Code:        r.code,
		Destination: r.state.Destination,
		Limit:       r.state.Limit,
	}
}

// SetCredential injects the secret after a reload. It is never persisted.
func (r *Record) SetCredential(credential string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credential = credential
	r.code = ""
}

// HasCredential reports whether a secret is held in memory.
func (r *Record) HasCredential() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.credential != ""
}

// Control returns the signal pair of the current run.
func (r *Record) Control() *Control {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.control
}

// SetPollInterval sets the pause poll interval used by future runs.
func (r *Record) SetPollInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poll = d
	r.control = NewControl(d)
}

// Ledger returns the destination's dedup ledger, or nil before AttachLedger.
func (r *Record) Ledger() *ledger.Ledger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ledger
}

// AttachLedger binds the destination's ledger to the record.
func (r *Record) AttachLedger(l *ledger.Ledger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger = l
}

// Begin marks the record running under a fresh control pair and persists it.
// Callers must ensure no worker is live for the session.
func (r *Record) Begin() (*Control, error) {
	r.mu.Lock()
	if !r.state.Status.CanTransition(StatusRunning) && r.state.Status != StatusRunning {
		status := r.state.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, status)
	}
	r.control = NewControl(r.poll)
	r.state.Status = StatusRunning
	ctrl := r.control
	r.mu.Unlock()
	return ctrl, r.Save()
}

// Pause clears may-run and persists the paused status.
func (r *Record) Pause() error {
	r.mu.Lock()
	if !r.state.Status.CanTransition(StatusPaused) {
		status := r.state.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, status)
	}
	r.state.Status = StatusPaused
	r.control.Pause()
	r.mu.Unlock()
	return r.Save()
}

// Resume sets may-run and persists the running status.
func (r *Record) Resume() error {
	r.mu.Lock()
	if r.state.Status != StatusPaused && r.state.Status != StatusRunning {
		status := r.state.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, status)
	}
	r.state.Status = StatusRunning
	r.control.Resume()
	r.mu.Unlock()
	return r.Save()
}

// RequestStop latches must-stop and persists. The worker moves the session
// to stopped at its next check point.
func (r *Record) RequestStop() error {
	r.mu.Lock()
	if !r.state.Status.CanTransition(StatusStopped) {
		status := r.state.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, status)
	}
	r.control.Stop()
	r.mu.Unlock()
	return r.Save()
}

// Finish moves a running or paused session to a terminal status, appending
// msgs to its error list, and persists it.
func (r *Record) Finish(status Status, msgs ...string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	r.mu.Lock()
	if !r.state.Status.CanTransition(status) {
		current := r.state.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, current, status)
	}
	r.state.Status = status
	r.state.Errors = append(r.state.Errors, msgs...)
	r.mu.Unlock()
	return r.Save()
}

// Progress returns the number of items processed so far.
func (r *Record) Progress() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Progress
}

// SetProgress records the processed counter, clamped to Total when known.
func (r *Record) SetProgress(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Total != nil && n > *r.state.Total {
		n = *r.state.Total
	}
	r.state.Progress = n
}

// AddDownload appends a delivery catalogue entry.
func (r *Record) AddDownload(e delivery.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.FilesToDownload = append(r.state.FilesToDownload, e)
}

// SetImported replaces the persisted snapshot of the ledger set.
func (r *Record) SetImported(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ImportedFiles = append([]string(nil), names...)
}

// Save persists the full state through the record's store.
func (r *Record) Save() error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	r.state.UpdatedAt = time.Now().UTC()
	st := r.state.Clone()
	r.mu.Unlock()

	if err := r.store.Save(st); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", st.ID, err)
	}
	return nil
}

// MarshalJSON encodes the persisted state; the credential is left out.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// UnmarshalJSON decodes persisted state into the record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Errors == nil {
		st.Errors = []string{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = st
	if r.control == nil {
		r.control = NewControl(r.poll)
	}
	return nil
}
