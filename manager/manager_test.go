package manager

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-desk/ledger"
	"import-desk/pipeline"
	"import-desk/session"
	"import-desk/source"
	"import-desk/source/sourcetest"
	"import-desk/validate"
)

type fakeTranscoder struct{}

func (fakeTranscoder) Decode([]byte) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 1, 1)), nil
}

func (fakeTranscoder) Encode(image.Image, string) ([]byte, error) {
	return []byte("jpeg"), nil
}

func newManager(t *testing.T, store session.Store, p source.Provider) *Manager {
	t.Helper()
	m := New(Options{
		Store:        store,
		Provider:     p,
		Pipeline:     pipeline.Options{Transcoder: fakeTranscoder{}},
		PollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func assets(names ...string) *sourcetest.Library {
	lib := &sourcetest.Library{}
	for _, name := range names {
		lib.Items = append(lib.Items, &sourcetest.Asset{Name: name, Data: []byte(name)})
	}
	return lib
}

func waitDone(t *testing.T, m *Manager, id string) {
	t.Helper()
	select {
	case <-m.Done(id):
	case <-time.After(3 * time.Second):
		t.Fatalf("worker for %s did not finish", id)
	}
}

func config(dest string, limit int) session.Config {
	return session.Config{Account: "octo/photos", Credential: "secret", Destination: dest, Limit: limit}
}

func TestCreateValidates(t *testing.T) {
	m := newManager(t, session.NewMemoryStore(), &sourcetest.Provider{Library: assets()})

	tests := []struct {
		name string
		cfg  session.Config
		want error
	}{
		{"account", session.Config{Credential: "x", Destination: "/d"}, validate.ErrInvalidAccount},
		{"destination", session.Config{Account: "a", Credential: "x"}, validate.ErrInvalidDestination},
		{"limit", session.Config{Account: "a", Credential: "x", Destination: "/d", Limit: -1}, validate.ErrInvalidLimit},
		{"code", session.Config{Account: "a", Credential: "x", Destination: "/d", Code: "abc"}, validate.ErrInvalidCode},
		{"credential", session.Config{Account: "a", Destination: "/d"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Equal(t, session.KindConfig, session.KindOf(err))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
	assert.Empty(t, m.List())
}

func TestCreateStartFinish(t *testing.T) {
	store := session.NewMemoryStore()
	m := newManager(t, store, &sourcetest.Provider{Library: assets("a.jpg", "b.heic", "c.jpg")})
	dest := t.TempDir()

	id, err := m.Create(context.Background(), config(dest, 3))
	require.NoError(t, err)
	require.NoError(t, validate.ValidateSessionID(id))

	view, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, view.Status)
	assert.Equal(t, 0, view.Progress)
	require.NotNil(t, view.Total)
	assert.Equal(t, 3, *view.Total)
	assert.NotNil(t, view.Errors)
	assert.NotNil(t, view.FilesToDownload)
	assert.Empty(t, view.SessionID)

	persisted, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, persisted.Status)

	require.NoError(t, m.Start(context.Background(), id))
	waitDone(t, m, id)

	view, err = m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, view.Status)
	assert.Equal(t, 3, view.Progress)
	require.Len(t, view.FilesToDownload, 3)
	assert.FileExists(t, filepath.Join(dest, "b.jpg"))

	tok, err := m.Delivery().Fetch(id, view.FilesToDownload[1].Token)
	require.NoError(t, err)
	assert.Equal(t, "b.jpg", tok.Filename)

	persisted, err = store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, persisted.Status)
	assert.Equal(t, 3, persisted.Progress)
}

func TestStartRejectsLiveWorker(t *testing.T) {
	gate := make(chan struct{})
	lib := &sourcetest.Library{Items: []*sourcetest.Asset{{Name: "a.jpg", Data: []byte("a"), Gate: gate}}}
	m := newManager(t, session.NewMemoryStore(), &sourcetest.Provider{Library: lib})

	id, err := m.Create(context.Background(), config(t.TempDir(), 0))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), id))
	assert.ErrorIs(t, m.Start(context.Background(), id), ErrAlreadyRunning)

	close(gate)
	waitDone(t, m, id)
	view, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, view.Status)
}

func TestPauseResumeLiveWorker(t *testing.T) {
	var m *Manager
	var id string
	lib := &sourcetest.Library{Items: []*sourcetest.Asset{
		{Name: "a.jpg", Data: []byte("a"), OnFetch: func() { _ = m.Pause(id) }},
		{Name: "b.jpg", Data: []byte("b")},
	}}
	m = newManager(t, session.NewMemoryStore(), &sourcetest.Provider{Library: lib})
	opts := m.opts.Pipeline
	opts.BatchSize = 1
	m.opts.Pipeline = opts

	var err error
	id, err = m.Create(context.Background(), config(t.TempDir(), 0))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), id))

	require.Eventually(t, func() bool {
		v, _ := m.Status(id)
		return v.Status == session.StatusPaused && len(v.FilesToDownload) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, lib.Items[1].Fetches())

	require.NoError(t, m.Resume(context.Background(), id, ""))
	waitDone(t, m, id)
	view, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, view.Status)
	assert.Len(t, view.FilesToDownload, 2)
	assert.Equal(t, 1, lib.Items[0].Fetches(), "resume must not relaunch a live worker")
}

func TestLoadAllAndResumeFromPersistedProgress(t *testing.T) {
	dir := t.TempDir()
	dest := t.TempDir()
	store := session.NewFileStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dest, ledger.FileName), []byte("a.jpg\nb.jpg\n"), 0o644))

	// a session interrupted while running, two items in
	total := 3
	st := session.State{
		ID:            "11111111-2222-4333-8444-555555555555",
		Account:       "octo/photos",
		Destination:   dest,
		Limit:         3,
		Status:        session.StatusRunning,
		Progress:      2,
		Total:         &total,
		Errors:        []string{},
		ImportedFiles: []string{"a.jpg", "b.jpg"},
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.Save(st))

	lib := assets("a.jpg", "b.jpg", "c.jpg", "d.jpg")
	m := newManager(t, store, &sourcetest.Provider{Library: lib})
	n, err := m.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := m.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, view.Status)

	assert.ErrorIs(t, m.Resume(context.Background(), st.ID, ""), ErrCredentialRequired)
	require.NoError(t, m.Resume(context.Background(), st.ID, "secret"))
	waitDone(t, m, st.ID)

	view, err = m.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, view.Status)
	assert.Equal(t, 3, view.Progress)
	require.Len(t, view.FilesToDownload, 1)
	assert.Equal(t, "c.jpg", view.FilesToDownload[0].RelativePath)
	assert.Zero(t, lib.Items[0].Fetches())
	assert.Zero(t, lib.Items[3].Fetches())

	raw, err := os.ReadFile(store.Path(st.ID))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	n, err = m.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "known sessions are not reloaded")
}

func TestStopWithoutWorkerAndRelaunch(t *testing.T) {
	lib := assets("a.jpg", "b.jpg")
	m := newManager(t, session.NewMemoryStore(), &sourcetest.Provider{Library: lib})
	id, err := m.Create(context.Background(), config(t.TempDir(), 0))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Stop(id), session.ErrInvalidTransition, "a ready session has nothing to stop")
	assert.ErrorIs(t, m.Pause(id), session.ErrInvalidTransition)

	gate := make(chan struct{})
	lib.Items[0].Gate = gate
	require.NoError(t, m.Start(context.Background(), id))
	require.NoError(t, m.Stop(id))
	close(gate)
	waitDone(t, m, id)

	view, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, view.Status)

	// a terminal session with no worker restarts on resume
	require.NoError(t, m.Resume(context.Background(), id, ""))
	waitDone(t, m, id)
	view, err = m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, view.Status)
	assert.Len(t, view.FilesToDownload, 2)
	assert.Equal(t, 1, lib.Items[1].Fetches())
}

func TestUnknownSession(t *testing.T) {
	m := newManager(t, session.NewMemoryStore(), &sourcetest.Provider{Library: assets()})
	const id = "00000000-0000-4000-8000-000000000000"

	_, err := m.Status(id)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, m.Start(context.Background(), id), session.ErrNotFound)
	assert.ErrorIs(t, m.Pause(id), session.ErrNotFound)
	assert.ErrorIs(t, m.Resume(context.Background(), id, "x"), session.ErrNotFound)
	assert.ErrorIs(t, m.Stop(id), session.ErrNotFound)
}

func TestConfirm(t *testing.T) {
	p := &sourcetest.Provider{Library: assets(), Code: "123456"}
	m := newManager(t, session.NewMemoryStore(), p)

	cfg := config(t.TempDir(), 0)
	err := m.Confirm(context.Background(), cfg)
	assert.ErrorIs(t, err, source.ErrChallengeRequired)
	assert.Equal(t, session.KindAuth, session.KindOf(err))

	cfg.Code = "123456"
	require.NoError(t, m.Confirm(context.Background(), cfg))

	p.OpenErr = errors.New("unreachable")
	assert.Equal(t, session.KindFatal, session.KindOf(m.Confirm(context.Background(), cfg)))
}

func TestListOrdersByCreation(t *testing.T) {
	ids := []string{"22222222-0000-4000-8000-000000000000", "11111111-0000-4000-8000-000000000000"}
	next := 0
	m := New(Options{
		Store:    session.NewMemoryStore(),
		Provider: &sourcetest.Provider{Library: assets()},
		NewID: func() string {
			id := ids[next]
			next++
			return id
		},
	})
	for range ids {
		_, err := m.Create(context.Background(), config(t.TempDir(), 0))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	views := m.List()
	require.Len(t, views, 2)
	assert.Equal(t, ids[0], views[0].SessionID)
	assert.Equal(t, ids[1], views[1].SessionID)
}

func TestShutdownStopsWorkers(t *testing.T) {
	gate := make(chan struct{})
	lib := &sourcetest.Library{Items: []*sourcetest.Asset{{Name: "a.jpg", Data: []byte("a"), Gate: gate}}}
	m := New(Options{
		Store:        session.NewMemoryStore(),
		Provider:     &sourcetest.Provider{Library: lib},
		PollInterval: 10 * time.Millisecond,
	})
	id, err := m.Create(context.Background(), config(t.TempDir(), 0))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), id))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	view, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, view.Status)
	assert.Empty(t, view.FilesToDownload)
}
