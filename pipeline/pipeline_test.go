package pipeline

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-desk/delivery"
	"import-desk/ledger"
	"import-desk/session"
	"import-desk/source"
	"import-desk/source/sourcetest"
	"import-desk/store"
)

const testID = "0b6c8f2e-8c1f-4a53-9f0e-2d7a1c3b4e5f"

var march = time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeTranscoder struct{}

func (fakeTranscoder) Decode([]byte) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 1, 1)), nil
}

func (fakeTranscoder) Encode(_ image.Image, format string) ([]byte, error) {
	return []byte("converted-" + format), nil
}

type historySpy struct {
	mu      sync.Mutex
	entries []store.HistoryEntry
}

func (h *historySpy) Record(_ context.Context, entries ...store.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entries...)
	return nil
}

func newRunning(t *testing.T, dest string, limit int) *session.Record {
	t.Helper()
	rec := session.New(testID, session.Config{
		Account:     "octo/photos",
		Credential:  "secret",
		Destination: dest,
		Limit:       limit,
	}, session.NewFileStore(t.TempDir()))
	rec.SetPollInterval(10 * time.Millisecond)
	_, err := rec.Begin()
	require.NoError(t, err)
	return rec
}

func testOptions(d *delivery.Store) Options {
	return Options{
		BatchSize:  10,
		Transcoder: fakeTranscoder{},
		Delivery:   d,
	}
}

func provider(items ...*sourcetest.Asset) *sourcetest.Provider {
	return &sourcetest.Provider{Library: &sourcetest.Library{Items: items}}
}

func readLedger(t *testing.T, dest string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dest, ledger.FileName))
	require.NoError(t, err)
	return strings.Fields(string(raw))
}

func TestRunEndToEnd(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "photos")
	rec := newRunning(t, dest, 3)
	d := delivery.NewStore()
	history := &historySpy{}
	opts := testOptions(d)
	opts.History = history

	p := provider(
		&sourcetest.Asset{Name: "a.jpg", Time: march, Data: []byte("aaa")},
		&sourcetest.Asset{Name: "b.heic", Time: march, Data: []byte("heic")},
		&sourcetest.Asset{Name: "c.jpg", Time: march, Data: []byte("ccc")},
	)
	require.NoError(t, Run(context.Background(), rec, p, opts))

	for _, rel := range []string{"2024/03/a.jpg", "2024/03/b.jpg", "2024/03/c.jpg"} {
		assert.FileExists(t, filepath.Join(dest, filepath.FromSlash(rel)))
	}
	converted, err := os.ReadFile(filepath.Join(dest, "2024", "03", "b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "converted-jpeg", string(converted))
	assert.NoFileExists(t, filepath.Join(dest, "2024", "03", "b.heic"))

	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, readLedger(t, dest))

	st := rec.Snapshot()
	assert.Equal(t, session.StatusFinished, st.Status)
	assert.Equal(t, 3, st.Progress)
	require.NotNil(t, st.Total)
	assert.Equal(t, 3, *st.Total)
	assert.Empty(t, st.Errors)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, st.ImportedFiles)

	require.Len(t, st.FilesToDownload, 3)
	assert.Equal(t, "2024/03/b.jpg", st.FilesToDownload[1].RelativePath)
	assert.Equal(t, st.FilesToDownload, d.Catalogue(testID))

	tok, err := d.Fetch(testID, st.FilesToDownload[0].Token)
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", tok.Filename)

	require.Len(t, history.entries, 3)
	assert.True(t, history.entries[1].Converted)
	assert.Equal(t, "b.heic", history.entries[1].SourceName)
	assert.Equal(t, dest, history.entries[1].Destination)

	assert.NoFileExists(t, filepath.Join(dest, ErrorLogName))
}

func TestRunSkipsLedgerEntriesWithoutFetching(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, ledger.FileName), []byte("a.jpg\nb.jpg\n"), 0o644))

	a := &sourcetest.Asset{Name: "a.jpg", Time: march, Data: []byte("a")}
	b := &sourcetest.Asset{Name: "b.heic", Time: march, Data: []byte("b")}
	c := &sourcetest.Asset{Name: "c.jpg", Time: march, Data: []byte("c")}

	rec := newRunning(t, dest, 0)
	require.NoError(t, Run(context.Background(), rec, provider(a, b, c), testOptions(delivery.NewStore())))

	assert.Zero(t, a.Fetches())
	assert.Zero(t, b.Fetches(), "converted name in the ledger must count as a duplicate")
	assert.Equal(t, 1, c.Fetches())

	st := rec.Snapshot()
	require.Len(t, st.FilesToDownload, 1)
	assert.Equal(t, "2024/03/c.jpg", st.FilesToDownload[0].RelativePath)
	assert.Equal(t, 1, st.Progress)
	assert.Nil(t, st.Total)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	dest := t.TempDir()
	items := []*sourcetest.Asset{
		{Name: "a.jpg", Time: march, Data: []byte("a")},
		{Name: "b.heic", Time: march, Data: []byte("b")},
	}

	first := newRunning(t, dest, 0)
	require.NoError(t, Run(context.Background(), first, provider(items...), testOptions(delivery.NewStore())))
	require.Len(t, first.Snapshot().FilesToDownload, 2)

	second := newRunning(t, dest, 0)
	require.NoError(t, Run(context.Background(), second, provider(items...), testOptions(delivery.NewStore())))

	st := second.Snapshot()
	assert.Equal(t, session.StatusFinished, st.Status)
	assert.Empty(t, st.FilesToDownload)
	for _, item := range items {
		assert.Equal(t, 1, item.Fetches(), item.Name)
	}
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, readLedger(t, dest))
}

func TestRunRetriesOnce(t *testing.T) {
	dest := t.TempDir()
	flaky := &sourcetest.Asset{Name: "flaky.jpg", Data: []byte("f"), Failures: 1}
	broken := &sourcetest.Asset{Name: "broken.jpg", Data: []byte("x"), Failures: -1}
	ok := &sourcetest.Asset{Name: "ok.jpg", Data: []byte("o")}

	rec := newRunning(t, dest, 0)
	err := Run(context.Background(), rec, provider(flaky, broken, ok), testOptions(delivery.NewStore()))
	require.Error(t, err)

	assert.Equal(t, 2, flaky.Fetches())
	assert.Equal(t, 2, broken.Fetches())
	assert.Equal(t, 1, ok.Fetches())

	st := rec.Snapshot()
	assert.Equal(t, session.StatusError, st.Status)
	assert.Equal(t, []string{"broken.jpg: simulated fetch failure"}, st.Errors)
	assert.Equal(t, 3, st.Progress)

	var paths []string
	for _, e := range st.FilesToDownload {
		paths = append(paths, e.RelativePath)
	}
	assert.Equal(t, []string{"ok.jpg", "flaky.jpg"}, paths)
	assert.Equal(t, []string{"ok.jpg", "flaky.jpg"}, readLedger(t, dest))

	logged, err := os.ReadFile(filepath.Join(dest, ErrorLogName))
	require.NoError(t, err)
	assert.Equal(t, "broken.jpg: simulated fetch failure\n", string(logged))
}

func TestRunConversionFailureIsPermanent(t *testing.T) {
	dest := t.TempDir()
	rec := newRunning(t, dest, 0)
	opts := testOptions(delivery.NewStore())
	opts.Transcoder = nil

	asset := &sourcetest.Asset{Name: "IMG_1.HEIC", Data: []byte("not an image")}
	require.Error(t, Run(context.Background(), rec, provider(asset), opts))

	st := rec.Snapshot()
	assert.Equal(t, session.StatusError, st.Status)
	require.Len(t, st.Errors, 1)
	assert.True(t, strings.HasPrefix(st.Errors[0], "IMG_1.HEIC: "), st.Errors[0])
	assert.Empty(t, st.FilesToDownload)
}

func TestRunHonoursLimit(t *testing.T) {
	dest := t.TempDir()
	var items []*sourcetest.Asset
	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg", "4.jpg", "5.jpg"} {
		items = append(items, &sourcetest.Asset{Name: name, Data: []byte(name)})
	}
	rec := newRunning(t, dest, 2)
	opts := testOptions(delivery.NewStore())
	opts.BatchSize = 1
	require.NoError(t, Run(context.Background(), rec, provider(items...), opts))

	st := rec.Snapshot()
	assert.Equal(t, 2, st.Progress)
	assert.LessOrEqual(t, st.Progress, *st.Total)
	assert.Len(t, st.FilesToDownload, 2)
	assert.Zero(t, items[2].Fetches())
}

func TestRunContinuesFromPersistedProgress(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, ledger.FileName), []byte("a.jpg\nb.jpg\n"), 0o644))
	items := []*sourcetest.Asset{
		{Name: "a.jpg", Data: []byte("a")},
		{Name: "b.jpg", Data: []byte("b")},
		{Name: "c.jpg", Data: []byte("c")},
		{Name: "d.jpg", Data: []byte("d")},
	}
	rec := newRunning(t, dest, 3)
	rec.SetProgress(2)

	require.NoError(t, Run(context.Background(), rec, provider(items...), testOptions(delivery.NewStore())))

	st := rec.Snapshot()
	assert.Equal(t, 3, st.Progress)
	require.Len(t, st.FilesToDownload, 1)
	assert.Equal(t, "c.jpg", st.FilesToDownload[0].RelativePath)
	assert.Zero(t, items[3].Fetches())
}

func TestRunStopBeforeRetryRequeuesFailure(t *testing.T) {
	dest := t.TempDir()
	rec := newRunning(t, dest, 2)
	var once sync.Once
	a := &sourcetest.Asset{Name: "a.jpg", Time: march, Data: []byte("a"), Failures: 1}
	b := &sourcetest.Asset{Name: "b.jpg", Time: march, Data: []byte("b"), OnFetch: func() {
		once.Do(func() { _ = rec.RequestStop() })
	}}
	d := delivery.NewStore()
	p := provider(a, b)

	require.NoError(t, Run(context.Background(), rec, p, testOptions(d)))
	assert.Equal(t, session.StatusStopped, rec.Status())
	assert.Equal(t, 1, a.Fetches())
	assert.Equal(t, 1, rec.Progress(), "an item waiting for retry is not settled")
	assert.Equal(t, []string{"b.jpg"}, readLedger(t, dest))

	_, err := rec.Begin()
	require.NoError(t, err)
	require.NoError(t, Run(context.Background(), rec, p, testOptions(d)))

	st := rec.Snapshot()
	assert.Equal(t, session.StatusFinished, st.Status)
	assert.Equal(t, 2, a.Fetches())
	assert.Equal(t, 1, b.Fetches())
	assert.Equal(t, 2, st.Progress)
	assert.Empty(t, st.Errors)
	assert.Equal(t, []string{"b.jpg", "a.jpg"}, readLedger(t, dest))

	var paths []string
	for _, e := range d.Catalogue(testID) {
		paths = append(paths, e.RelativePath)
	}
	assert.Contains(t, paths, "2024/03/a.jpg")
}

func TestRunSameTargetNameImportedOnce(t *testing.T) {
	tests := []struct {
		name  string
		order []string
	}{
		{"converted first", []string{"b.heic", "b.jpg"}},
		{"plain first", []string{"b.jpg", "b.heic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()
			var items []*sourcetest.Asset
			for _, n := range tt.order {
				items = append(items, &sourcetest.Asset{Name: n, Time: march, Data: []byte(n)})
			}
			rec := newRunning(t, dest, 0)
			require.NoError(t, Run(context.Background(), rec, provider(items...), testOptions(delivery.NewStore())))

			assert.Equal(t, 1, items[0].Fetches())
			assert.Zero(t, items[1].Fetches())
			assert.Equal(t, []string{"b.jpg"}, readLedger(t, dest))
			st := rec.Snapshot()
			require.Len(t, st.FilesToDownload, 1)
			assert.Equal(t, "2024/03/b.jpg", st.FilesToDownload[0].RelativePath)
			assert.Equal(t, 1, st.Progress)
		})
	}
}

func TestRunSyntheticNameAtRoot(t *testing.T) {
	dest := t.TempDir()
	now := time.UnixMilli(1700000000123)
	rec := newRunning(t, dest, 0)
	opts := testOptions(delivery.NewStore())
	opts.Now = func() time.Time { return now }

	require.NoError(t, Run(context.Background(), rec, provider(&sourcetest.Asset{Data: []byte("x")}), opts))

	assert.FileExists(t, filepath.Join(dest, "photo_1700000000123"))
	assert.Equal(t, []string{"photo_1700000000123"}, readLedger(t, dest))
}

func TestRunPauseBlocksNewEntries(t *testing.T) {
	dest := t.TempDir()
	rec := newRunning(t, dest, 0)
	items := []*sourcetest.Asset{
		{Name: "a.jpg", Data: []byte("a")},
		// pause arrives while b is in flight; b completes, c waits
		{Name: "b.jpg", Data: []byte("b"), OnFetch: func() { _ = rec.Pause() }},
		{Name: "c.jpg", Data: []byte("c")},
	}
	opts := testOptions(delivery.NewStore())
	opts.BatchSize = 1

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), rec, provider(items...), opts) }()

	require.Eventually(t, func() bool { return len(rec.Snapshot().FilesToDownload) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(rec.Snapshot().FilesToDownload) > 2 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, session.StatusPaused, rec.Status())
	assert.Zero(t, items[2].Fetches())
	assert.Equal(t, 2, rec.Progress())

	require.NoError(t, rec.Resume())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	assert.Equal(t, session.StatusFinished, rec.Status())
	assert.Len(t, rec.Snapshot().FilesToDownload, 3)
	assert.Equal(t, 3, rec.Progress())
}

func TestRunStopLatches(t *testing.T) {
	dest := t.TempDir()
	a := &sourcetest.Asset{Name: "a.jpg", Data: []byte("a")}
	rec := newRunning(t, dest, 0)
	require.NoError(t, rec.Pause())

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), rec, provider(a), testOptions(delivery.NewStore())) }()

	require.NoError(t, rec.RequestStop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe stop")
	}

	assert.Equal(t, session.StatusStopped, rec.Status())
	assert.Zero(t, a.Fetches())
	assert.ErrorIs(t, rec.Resume(), session.ErrInvalidTransition)
	assert.True(t, rec.Control().MustStop())
	assert.Equal(t, session.StatusStopped, rec.Status())
}

func TestRunStopFlushesLedger(t *testing.T) {
	dest := t.TempDir()
	rec := newRunning(t, dest, 0)
	a := &sourcetest.Asset{Name: "a.jpg", Data: []byte("a")}
	b := &sourcetest.Asset{Name: "b.jpg", Data: []byte("b"), OnFetch: func() { _ = rec.RequestStop() }}
	c := &sourcetest.Asset{Name: "c.jpg", Data: []byte("c")}

	require.NoError(t, Run(context.Background(), rec, provider(a, b, c), testOptions(delivery.NewStore())))

	assert.Equal(t, session.StatusStopped, rec.Status())
	assert.Zero(t, c.Fetches())
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, readLedger(t, dest))
	assert.Equal(t, 2, rec.Progress())
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, rec.Snapshot().ImportedFiles)
}

func TestRunCancelledContextStops(t *testing.T) {
	dest := t.TempDir()
	gate := make(chan struct{})
	a := &sourcetest.Asset{Name: "a.jpg", Data: []byte("a"), Gate: gate}
	rec := newRunning(t, dest, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, rec, provider(a), testOptions(delivery.NewStore())) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.Equal(t, session.StatusStopped, rec.Status())
	assert.Empty(t, rec.Snapshot().FilesToDownload)
}

func TestRunFatalErrors(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	tests := []struct {
		name     string
		dest     string
		provider source.Provider
		kind     session.Kind
		message  string
	}{
		{
			name:     "destination",
			dest:     filepath.Join(blocker, "sub"),
			provider: provider(),
			kind:     session.KindFatal,
			message:  "failed to create destination directory",
		},
		{
			name:     "connect",
			provider: &sourcetest.Provider{OpenErr: errors.New("connection refused")},
			kind:     session.KindFatal,
			message:  "failed to connect to source: connection refused",
		},
		{
			name:     "credential",
			provider: &sourcetest.Provider{OpenErr: source.ErrInvalidCredential},
			kind:     session.KindAuth,
			message:  "authentication failed: invalid credential",
		},
		{
			name:     "challenge",
			provider: &sourcetest.Provider{Library: &sourcetest.Library{}, Code: "123456"},
			kind:     session.KindAuth,
			message:  MessageChallengeRequired,
		},
		{
			name: "enumeration",
			provider: &sourcetest.Provider{Library: &sourcetest.Library{
				Items: []*sourcetest.Asset{{Name: "a.jpg", Data: []byte("a")}},
				Err:   errors.New("listing broke"),
			}},
			kind:    session.KindFatal,
			message: "failed to enumerate assets: listing broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := tt.dest
			if dest == "" {
				dest = t.TempDir()
			}
			rec := newRunning(t, dest, 0)
			err := Run(context.Background(), rec, tt.provider, testOptions(delivery.NewStore()))
			require.Error(t, err)
			assert.Equal(t, tt.kind, session.KindOf(err))

			st := rec.Snapshot()
			assert.Equal(t, session.StatusError, st.Status)
			require.Len(t, st.Errors, 1)
			assert.True(t, strings.HasPrefix(st.Errors[0], tt.message), st.Errors[0])
		})
	}
}

func TestPlace(t *testing.T) {
	now := time.UnixMilli(42)
	p := Place(&sourcetest.Asset{Name: "x.png", Time: time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC)}, now)
	assert.Equal(t, "2023/11", p.Dir)
	assert.Equal(t, "2023/11/x.jpg", p.RelPath("x.jpg"))

	p = Place(&sourcetest.Asset{}, now)
	assert.Equal(t, "photo_42", p.Name)
	assert.Empty(t, p.Dir)
	assert.Equal(t, "photo_42", p.RelPath(p.Name))
}
