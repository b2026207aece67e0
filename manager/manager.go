// Package manager keeps the registry of import sessions and runs one
// pipeline worker per active session.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"import-desk/delivery"
	"import-desk/ledger"
	"import-desk/logging"
	"import-desk/pipeline"
	"import-desk/session"
	"import-desk/source"
	"import-desk/validate"
)

var (
	// ErrAlreadyRunning is returned by Start when a worker is live for the session.
	ErrAlreadyRunning = errors.New("session already has a running worker")
	// ErrCredentialRequired is returned when a relaunch needs the secret again.
	ErrCredentialRequired = errors.New("credential required to resume session")
)

// Options wires the collaborators of a Manager.
type Options struct {
	Store    session.Store
	Provider source.Provider
	Delivery *delivery.Store
	// Pipeline is the template for every run; Delivery and Logger are
	// filled in by the manager.
	Pipeline     pipeline.Options
	PollInterval time.Duration
	Logger       *logrus.Entry
	NewID        func() string
}

// StatusView is what clients see when polling a session.
type StatusView struct {
	SessionID       string           `json:"session_id,omitempty"`
	Status          session.Status   `json:"status"`
	Progress        int              `json:"progress"`
	Total           *int             `json:"total"`
	Errors          []string         `json:"errors"`
	FilesToDownload []delivery.Entry `json:"files_to_download"`
}

type worker struct {
	done   chan struct{}
	cancel context.CancelFunc
}

// Manager owns every session record. Its mutex protects registry membership
// and worker handles only; the pipeline coordinates through control signals.
type Manager struct {
	opts     Options
	log      *logrus.Entry
	delivery *delivery.Store

	mu      sync.Mutex
	records map[string]*session.Record
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an empty registry.
func New(opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = session.NewMemoryStore()
	}
	if opts.Delivery == nil {
		opts.Delivery = delivery.NewStore()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("manager")
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		log:      opts.Logger,
		delivery: opts.Delivery,
		records:  make(map[string]*session.Record),
		workers:  make(map[string]*worker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Delivery returns the token store shared by all sessions.
func (m *Manager) Delivery() *delivery.Store {
	return m.delivery
}

// Create validates cfg, allocates an id and persists a ready session. No
// work starts until Start.
func (m *Manager) Create(ctx context.Context, cfg session.Config) (string, error) {
	if err := validateConfig(cfg); err != nil {
		return "", session.Wrap(session.KindConfig, "create session", err)
	}

	id := m.opts.NewID()
	rec := session.New(id, cfg, m.opts.Store)
	rec.SetPollInterval(m.opts.PollInterval)

	led, err := ledger.Open(cfg.Destination)
	if err != nil {
		return "", session.Wrap(session.KindConfig, "create session", err)
	}
	rec.AttachLedger(led)
	rec.SetImported(led.Names())

	if err := rec.Save(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"session_id": id, "destination": cfg.Destination}).Info("session created")
	return id, nil
}

func validateConfig(cfg session.Config) error {
	if err := validate.ValidateAccount(cfg.Account); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Credential) == "" {
		return errors.New("credential is required")
	}
	if err := validate.ValidateDestination(cfg.Destination); err != nil {
		return err
	}
	if err := validate.ValidateLimit(cfg.Limit); err != nil {
		return err
	}
	if cfg.Code != "" {
		if err := validate.ValidateCode(cfg.Code); err != nil {
			return err
		}
	}
	return nil
}

// Confirm authenticates cfg against the source without creating a session.
// It is used to check a two-factor code before starting work.
func (m *Manager) Confirm(ctx context.Context, cfg session.Config) error {
	if m.opts.Provider == nil {
		return session.Wrap(session.KindConfig, "confirm", errors.New("no source configured"))
	}
	_, err := m.opts.Provider.Open(ctx, source.Credentials{Account: cfg.Account, Secret: cfg.Credential, Code: cfg.Code})
	if err == nil {
		return nil
	}
	if errors.Is(err, source.ErrChallengeRequired) || errors.Is(err, source.ErrInvalidCredential) || errors.Is(err, source.ErrInvalidAccount) {
		return session.Wrap(session.KindAuth, "confirm", err)
	}
	return session.Wrap(session.KindFatal, "confirm", err)
}

// Start moves a ready or terminal session to running and launches its worker.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if _, live := m.workers[id]; live {
		return ErrAlreadyRunning
	}
	if !rec.HasCredential() {
		return ErrCredentialRequired
	}
	if _, err := rec.Begin(); err != nil {
		return err
	}
	m.launchLocked(rec)
	return nil
}

// Pause clears may-run for the session's worker.
func (m *Manager) Pause(id string) error {
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}
	return rec.Pause()
}

// Resume lets a paused worker continue. When no worker is live, a new one is
// launched from the persisted progress; credential, when not empty, replaces
// the in-memory secret first.
func (m *Manager) Resume(ctx context.Context, id, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if credential != "" {
		rec.SetCredential(credential)
	}
	if _, live := m.workers[id]; live {
		return rec.Resume()
	}
	if !rec.HasCredential() {
		return ErrCredentialRequired
	}
	if _, err := rec.Begin(); err != nil {
		return err
	}
	m.launchLocked(rec)
	return nil
}

// Stop requests a cooperative stop. A session without a live worker is
// moved to stopped directly.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := rec.RequestStop(); err != nil {
		return err
	}
	if _, live := m.workers[id]; !live {
		return rec.Finish(session.StatusStopped)
	}
	return nil
}

// Status returns the polling view of a session.
func (m *Manager) Status(id string) (StatusView, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return StatusView{}, err
	}
	return viewOf(rec.Snapshot(), false), nil
}

// List returns every session, oldest first.
func (m *Manager) List() []StatusView {
	m.mu.Lock()
	states := make([]session.State, 0, len(m.records))
	for _, rec := range m.records {
		states = append(states, rec.Snapshot())
	}
	m.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	views := make([]StatusView, 0, len(states))
	for _, st := range states {
		views = append(views, viewOf(st, true))
	}
	return views
}

func viewOf(st session.State, withID bool) StatusView {
	v := StatusView{
		Status:          st.Status,
		Progress:        st.Progress,
		Total:           st.Total,
		Errors:          st.Errors,
		FilesToDownload: st.FilesToDownload,
	}
	if withID {
		v.SessionID = st.ID
	}
	if v.Errors == nil {
		v.Errors = []string{}
	}
	if v.FilesToDownload == nil {
		v.FilesToDownload = []delivery.Entry{}
	}
	return v
}

// LoadAll rebuilds the registry from the store. Sessions persisted as
// running have no worker after a restart and are reported as paused until
// resumed with their credential. It returns the number of sessions added.
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	states, err := m.opts.Store.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to load sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if _, ok := m.records[st.ID]; ok {
			continue
		}
		rec := session.Restore(st, m.opts.Store)
		rec.SetPollInterval(m.opts.PollInterval)

		led, err := ledger.Open(st.Destination, st.ImportedFiles...)
		if err != nil {
			m.log.WithError(err).WithField("session_id", st.ID).Warn("failed to read ledger, it will be reopened on resume")
		} else {
			rec.AttachLedger(led)
		}

		if st.Status == session.StatusRunning {
			if err := rec.Pause(); err != nil {
				m.log.WithError(err).WithField("session_id", st.ID).Warn("failed to mark interrupted session paused")
			}
		}
		m.records[st.ID] = rec
		added++
	}
	m.log.WithField("count", added).Info("sessions loaded")
	return added, nil
}

// Done returns a channel closed when the session's current worker exits. It
// is already closed when no worker is live.
func (m *Manager) Done(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[id]; ok {
		return w.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown cancels every worker and waits for them to record their final
// status, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (m *Manager) launchLocked(rec *session.Record) {
	id := rec.ID()
	wctx, cancel := context.WithCancel(m.ctx)
	w := &worker{done: make(chan struct{}), cancel: cancel}
	m.workers[id] = w
	m.wg.Add(1)

	opts := m.opts.Pipeline
	opts.Delivery = m.delivery
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("pipeline")
	}
	log := m.log.WithField("session_id", id)

	go func() {
		defer m.wg.Done()
		defer close(w.done)
		defer cancel()

		log.Info("worker started")
		if err := pipeline.Run(wctx, rec, m.opts.Provider, opts); err != nil {
			log.WithError(err).Warn("worker ended with error")
		} else {
			log.WithField("status", rec.Status()).Info("worker ended")
		}

		m.mu.Lock()
		if m.workers[id] == w {
			delete(m.workers, id)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) lookup(id string) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(id)
}

func (m *Manager) lookupLocked(id string) (*session.Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return rec, nil
}
