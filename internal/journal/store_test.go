package journal_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gsscan/internal/journal"
	"gsscan/internal/queue"
)

func openJournal(t *testing.T) *journal.Store {
	t.Helper()
	store, err := journal.OpenPath(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestObserveRecordsTransitionsInOrder(t *testing.T) {
	store := openJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	model := queue.Model{ID: "m-1", TaskID: "abc123", Name: "kitchen", Type: queue.SourceVideo, Status: queue.StatusQueued}

	steps := []struct {
		from, to queue.Status
		stage    string
	}{
		{queue.StatusUploading, queue.StatusQueued, "queued"},
		{queue.StatusQueued, queue.StatusProcessing, "reconstructing"},
		{queue.StatusProcessing, queue.StatusCompleted, "finished"},
	}
	for i, step := range steps {
		model.Status = step.to
		model.Stage = step.stage
		event := queue.Event{
			Kind:       queue.EventStatusChanged,
			Model:      model,
			Transition: queue.Transition{ModelID: model.ID, TaskID: model.TaskID, From: step.from, To: step.to, Stage: step.stage},
			At:         base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Observe(ctx, event); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	model.PlyPath = "/data/models/abc123.ply"
	if err := store.Observe(ctx, queue.Event{Kind: queue.EventArtifactReady, Model: model, At: base.Add(5 * time.Minute)}); err != nil {
		t.Fatalf("Observe artifact: %v", err)
	}

	byModel, err := store.History(ctx, "m-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	byTask, err := store.History(ctx, "abc123")
	if err != nil {
		t.Fatalf("History by task: %v", err)
	}
	if len(byModel) != 4 || len(byTask) != 4 {
		t.Fatalf("expected 4 entries, got %d/%d", len(byModel), len(byTask))
	}
	for i, step := range steps {
		got := byModel[i]
		if got.From != step.from || got.To != step.to || got.Stage != step.stage {
			t.Fatalf("entry %d = %+v", i, got)
		}
		if !got.At.Equal(base.Add(time.Duration(i) * time.Minute)) {
			t.Fatalf("entry %d time = %v", i, got.At)
		}
	}
	last := byModel[3]
	if last.Kind != queue.EventArtifactReady || last.PlyPath != "/data/models/abc123.ply" || last.To != queue.StatusCompleted {
		t.Fatalf("unexpected artifact entry %+v", last)
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	store := openJournal(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Record(ctx, journal.Entry{ModelID: id, TaskID: "t-" + id, Kind: queue.EventDeleted, To: queue.StatusFailed}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ModelID != "c" || recent[1].ModelID != "b" {
		t.Fatalf("unexpected recent entries %+v", recent)
	}
}

func TestRecordRequiresModelID(t *testing.T) {
	store := openJournal(t)
	if _, err := store.Record(context.Background(), journal.Entry{}); err == nil {
		t.Fatal("expected error for empty model id")
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := journal.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	if _, err := store.Record(context.Background(), journal.Entry{ModelID: "m-1", Kind: queue.EventPruned, To: queue.StatusCompleted}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := journal.OpenPath(path)
	if err != nil {
		if errors.Is(err, journal.ErrSchemaMismatch) {
			t.Fatalf("fresh journal reported schema mismatch: %v", err)
		}
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	entries, err := reopened.History(context.Background(), "m-1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries after reopen: %+v err=%v", entries, err)
	}
}
