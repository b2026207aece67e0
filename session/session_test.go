package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"import-desk/delivery"
)

const testID = "0b6c8f2e-8c1f-4a53-9f0e-2d7a1c3b4e5f"

func TestSaveLoadRemoveSession(t *testing.T) {
	store := NewFileStore(t.TempDir())

	rec := New(testID, Config{Account: "octo/photos", Credential: "s3cret", Destination: "/data", Limit: 3}, store)
	if err := rec.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(testID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Status != StatusReady || loaded.Destination != "/data" || loaded.Total == nil || *loaded.Total != 3 {
		t.Fatalf("loaded session does not match: %+v", loaded)
	}

	raw, err := os.ReadFile(store.Path(testID))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "s3cret") {
		t.Fatalf("credential written to disk: %s", raw)
	}
	if _, err := os.Stat(store.Path(testID) + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temporary file left behind: %v", err)
	}

	recorder := NewProgressRecorder(rec)
	if err := recorder.Start(0); err != nil {
		t.Fatalf("recorder start failed: %v", err)
	}
	if err := recorder.Batch(2); err != nil {
		t.Fatalf("recorder batch failed: %v", err)
	}
	if err := recorder.Imported([]string{"a.jpg", "b.jpg"}); err != nil {
		t.Fatalf("recorder imported failed: %v", err)
	}

	reloaded, err := store.Load(testID)
	if err != nil {
		t.Fatalf("Load after record failed: %v", err)
	}
	if reloaded.Progress != 2 {
		t.Fatalf("progress was not persisted: %+v", reloaded)
	}
	if len(reloaded.ImportedFiles) != 2 {
		t.Fatalf("imported files not stored: %+v", reloaded.ImportedFiles)
	}

	if err := store.Delete(testID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load(testID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLoadAllOrdersByCreation(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	if states, err := store.LoadAll(); err != nil || len(states) != 0 {
		t.Fatalf("expected empty result for missing dir, got %v %v", states, err)
	}

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a", "c"} {
		st := State{ID: id, Status: StatusPaused, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.Save(st); err != nil {
			t.Fatal(err)
		}
	}
	states, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(states) != 3 || states[0].ID != "b" || states[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", states)
	}
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := New(testID, Config{Account: "acct", Credential: "pw", Destination: "/dst"}, nil)
	rec.AddDownload(delivery.Entry{RelativePath: "2024/03/a.jpg", Token: "tok", Size: 3})
	rec.SetProgress(1)

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "pw") {
		t.Fatalf("credential leaked into JSON: %s", data)
	}

	var restored Record
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatal(err)
	}
	snap := restored.Snapshot()
	if snap.ID != testID || snap.Progress != 1 || len(snap.FilesToDownload) != 1 || snap.Total != nil {
		t.Fatalf("round trip mismatch: %+v", snap)
	}
	if restored.HasCredential() {
		t.Fatalf("credential must be absent after decoding")
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusReady, StatusRunning, true},
		{StatusReady, StatusPaused, false},
		{StatusReady, StatusStopped, false},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusStopped, true},
		{StatusRunning, StatusFinished, true},
		{StatusFinished, StatusRunning, true},
		{StatusStopped, StatusRunning, true},
		{StatusError, StatusRunning, true},
		{StatusFinished, StatusPaused, false},
		{StatusStopped, StatusFinished, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRecordLifecycle(t *testing.T) {
	rec := New(testID, Config{Destination: "/dst"}, NewFileStore(t.TempDir()))

	if err := rec.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause from ready should fail, got %v", err)
	}
	if _, err := rec.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := rec.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if rec.Control().MayRun() {
		t.Fatalf("may-run must be cleared after pause")
	}
	if err := rec.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !rec.Control().MayRun() || rec.Status() != StatusRunning {
		t.Fatalf("resume did not restore running state")
	}
	if err := rec.RequestStop(); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	if !rec.Control().MustStop() {
		t.Fatalf("must-stop not latched")
	}
	if err := rec.Finish(StatusStopped); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := rec.RequestStop(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stop on a stopped session should fail, got %v", err)
	}

	ctrl, err := rec.Begin()
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if ctrl.MustStop() {
		t.Fatalf("a new run must start with a fresh control pair")
	}
}

func TestSetProgressClampsToTotal(t *testing.T) {
	rec := New(testID, Config{Limit: 2}, nil)
	rec.SetProgress(5)
	if rec.Progress() != 2 {
		t.Fatalf("progress %d exceeds total", rec.Progress())
	}
}

func TestControlWait(t *testing.T) {
	t.Run("returns immediately when running", func(t *testing.T) {
		c := NewControl(10 * time.Millisecond)
		if err := c.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("blocks until resumed", func(t *testing.T) {
		c := NewControl(time.Hour)
		c.Pause()
		done := make(chan error, 1)
		go func() { done <- c.Wait(context.Background()) }()

		select {
		case err := <-done:
			t.Fatalf("Wait returned while paused: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		c.Resume()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Wait did not return after resume")
		}
	})

	t.Run("stop wins over pause", func(t *testing.T) {
		c := NewControl(5 * time.Millisecond)
		c.Pause()
		done := make(chan error, 1)
		go func() { done <- c.Wait(context.Background()) }()
		c.Stop()
		select {
		case err := <-done:
			if !errors.Is(err, ErrStopRequested) {
				t.Fatalf("expected ErrStopRequested, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Wait did not observe stop")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		c := NewControl(5 * time.Millisecond)
		c.Pause()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := c.Wait(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(KindAuth, "open source", base)
	if KindOf(err) != KindAuth {
		t.Fatalf("KindOf = %v, want auth", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error must unwrap to base")
	}
	if err.Error() != "open source: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Wrap(KindFatal, "x", nil) != nil {
		t.Fatalf("Wrap(nil) must be nil")
	}
	if KindOf(base) != KindUnknown {
		t.Fatalf("plain error should have unknown kind")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Load(testID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := New(testID, Config{Account: "octo/photos", Destination: "/data"}, store)
	if err := rec.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	rec.AddDownload(delivery.Entry{RelativePath: "a.jpg", Token: "t", Size: 1})

	loaded, err := store.Load(testID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.FilesToDownload) != 0 {
		t.Fatalf("store must hold a copy, got %+v", loaded.FilesToDownload)
	}

	all, err := store.LoadAll()
	if err != nil || len(all) != 1 {
		t.Fatalf("LoadAll = %v, %v", all, err)
	}
	if err := store.Delete(testID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(testID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
