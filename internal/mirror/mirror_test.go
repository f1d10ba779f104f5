package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"

	"gsscan/internal/config"
	"gsscan/internal/queue"
)

type putCall struct {
	bucket, key, file string
	opts              minio.PutObjectOptions
}

type fakeStore struct {
	puts    []putCall
	removed []string
	putErr  error
}

func (f *fakeStore) FPutObject(_ context.Context, bucket, key, file string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	f.puts = append(f.puts, putCall{bucket: bucket, key: key, file: file, opts: opts})
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: 42}, nil
}

func (f *fakeStore) RemoveObject(_ context.Context, bucket, key string, _ minio.RemoveObjectOptions) error {
	f.removed = append(f.removed, bucket+"/"+key)
	return nil
}

func readyModel() queue.Model {
	return queue.Model{
		ID: "m-1", TaskID: "abc123", Name: "Living Room", Type: queue.SourceVideo,
		Status: queue.StatusCompleted, PlyPath: "/tmp/models/abc123.ply",
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey(readyModel()); got != "living_room/abc123.ply" {
		t.Fatalf("ObjectKey = %q", got)
	}
	if got := ObjectKey(queue.Model{ID: "m-2"}); got != "unknown/m-2.ply" {
		t.Fatalf("ObjectKey fallback = %q", got)
	}
}

func TestObserveUploadsReadyArtifacts(t *testing.T) {
	store := &fakeStore{}
	m := New(store, "scans", nil)

	if err := m.Observe(context.Background(), queue.Event{Kind: queue.EventArtifactReady, Model: readyModel()}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(store.puts) != 1 {
		t.Fatalf("expected one upload, got %d", len(store.puts))
	}
	put := store.puts[0]
	if put.bucket != "scans" || put.key != "living_room/abc123.ply" || put.file != "/tmp/models/abc123.ply" {
		t.Fatalf("unexpected upload %+v", put)
	}
	if put.opts.UserMetadata["task-id"] != "abc123" {
		t.Fatalf("missing task metadata: %+v", put.opts.UserMetadata)
	}
}

func TestObserveRemovesDeletedModels(t *testing.T) {
	store := &fakeStore{}
	m := New(store, "scans", nil)
	if err := m.Observe(context.Background(), queue.Event{Kind: queue.EventDeleted, Model: readyModel()}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(store.removed) != 1 || store.removed[0] != "scans/living_room/abc123.ply" {
		t.Fatalf("unexpected removals %v", store.removed)
	}
}

func TestObserveIgnoresOtherEvents(t *testing.T) {
	store := &fakeStore{}
	m := New(store, "scans", nil)
	for _, kind := range []queue.EventKind{queue.EventStatusChanged, queue.EventPruned} {
		if err := m.Observe(context.Background(), queue.Event{Kind: kind, Model: readyModel()}); err != nil {
			t.Fatalf("Observe(%s): %v", kind, err)
		}
	}
	if len(store.puts) != 0 || len(store.removed) != 0 {
		t.Fatalf("expected no store calls, got puts=%d removed=%d", len(store.puts), len(store.removed))
	}
}

func TestObserveReportsUploadFailures(t *testing.T) {
	boom := errors.New("access denied")
	m := New(&fakeStore{putErr: boom}, "scans", nil)
	if err := m.Observe(context.Background(), queue.Event{Kind: queue.EventArtifactReady, Model: readyModel()}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	model := readyModel()
	model.PlyPath = ""
	if err := m.Observe(context.Background(), queue.Event{Kind: queue.EventArtifactReady, Model: model}); err == nil {
		t.Fatal("expected error for missing ply path")
	}
}

func TestNewFromConfigDisabled(t *testing.T) {
	cfg := config.Default()
	m, err := NewFromConfig(context.Background(), &cfg, nil)
	if err != nil || m != nil {
		t.Fatalf("expected nil mirror when disabled, got %v %v", m, err)
	}
	if err := m.Observe(context.Background(), queue.Event{Kind: queue.EventArtifactReady}); err != nil {
		t.Fatalf("nil mirror must be a no-op: %v", err)
	}
}
