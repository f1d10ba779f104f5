package workflow_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gsscan/internal/config"
	"gsscan/internal/logging"
	"gsscan/internal/queue"
	"gsscan/internal/services"
	"gsscan/internal/services/recon"
	"gsscan/internal/testsupport"
	"gsscan/internal/upload"
	"gsscan/internal/workflow"
)

type recorder struct {
	mu     sync.Mutex
	events []queue.Event
}

func (r *recorder) Observe(_ context.Context, event queue.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) snapshot() []queue.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.Event, len(r.events))
	copy(out, r.events)
	return out
}

type harness struct {
	cfg    *config.Config
	api    *testsupport.FakeAPI
	client *recon.Client
	store  *queue.Store
	reg    *workflow.Registry
	events *recorder
	media  string
}

func newHarness(t *testing.T, opts ...workflow.Option) *harness {
	t.Helper()
	h := newUnopenedHarness(t, opts...)
	if err := h.reg.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return h
}

func newUnopenedHarness(t *testing.T, opts ...workflow.Option) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	api := testsupport.NewFakeAPI(t)
	client, err := recon.New(recon.Config{
		BaseURL:         api.URL(),
		RequestTimeout:  5 * time.Second,
		ResourceTimeout: 5 * time.Second,
		ArtifactsDir:    cfg.Paths.ArtifactsDir,
	})
	if err != nil {
		t.Fatalf("recon.New: %v", err)
	}
	store := queue.NewStore(cfg.Paths.RegistryFile, logging.NewNop())
	events := &recorder{}
	opts = append([]workflow.Option{
		workflow.WithPollInterval(15 * time.Millisecond),
		workflow.WithObservers(events),
	}, opts...)
	reg := workflow.NewRegistry(client, store, logging.NewNop(), opts...)
	t.Cleanup(reg.Close)
	return &harness{cfg: cfg, api: api, client: client, store: store, reg: reg, events: events, media: t.TempDir()}
}

func (h *harness) submitVideo(t *testing.T, name string) queue.Model {
	t.Helper()
	model, err := h.reg.Submit(context.Background(), workflow.SubmitRequest{
		Kind:   upload.KindVideo,
		Files:  []string{testsupport.WriteVideo(t, h.media, name)},
		Params: upload.Params{Iterations: 7000, Resolution: 2, Fast: true},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return model
}

func (h *harness) model(t *testing.T, id string) queue.Model {
	t.Helper()
	model, err := h.reg.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return model
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitIdle(t *testing.T, reg *workflow.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := reg.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSubmitVideoCreatesQueuedModel(t *testing.T) {
	h := newHarness(t, workflow.WithIDGenerator(func() string { return "m-1" }))
	h.api.QueueTaskIDs("abc123")

	model := h.submitVideo(t, "kitchen.mp4")
	if model.ID != "m-1" || model.TaskID != "abc123" || model.Name != "kitchen" || model.Type != queue.SourceVideo {
		t.Fatalf("unexpected model %+v", model)
	}
	if model.Status != queue.StatusQueued || model.Stage != "queued" || model.PlyPath != "" {
		t.Fatalf("expected fresh queued model, got %+v", model)
	}
	if !h.reg.Polling("abc123") {
		t.Fatal("submit must start polling")
	}

	persisted, _, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != "m-1" || persisted[0].Status != queue.StatusQueued {
		t.Fatalf("model not persisted immediately: %+v", persisted)
	}
	if _, busy := h.reg.UploadProgress(); busy {
		t.Fatal("upload progress must clear after the server responds")
	}
}

func TestSubmitOrdersMostRecentFirst(t *testing.T) {
	h := newHarness(t)
	a := h.submitVideo(t, "a.mp4")
	b := h.submitVideo(t, "b.mp4")

	list := h.reg.List()
	if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
		t.Fatalf("expected B before A, got %+v", list)
	}
	if a.TaskID == b.TaskID || a.ID == b.ID {
		t.Fatal("models must not share identifiers")
	}
}

func TestSubmitShortBurstMakesNoCallsAndNoChanges(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Submit(context.Background(), workflow.SubmitRequest{
		Kind:   upload.KindImages,
		Files:  testsupport.WriteBurst(t, h.media, 2),
		Params: upload.Params{Iterations: 7000, Resolution: 2},
	})
	if !errors.Is(err, services.ErrInsufficientMedia) {
		t.Fatalf("expected ErrInsufficientMedia, got %v", err)
	}
	if calls := h.api.TotalCalls(); calls != 0 {
		t.Fatalf("expected zero network calls, got %d", calls)
	}
	if len(h.reg.List()) != 0 {
		t.Fatal("failed submission must not mutate the registry")
	}
	if _, err := os.Stat(h.cfg.Paths.RegistryFile); !os.IsNotExist(err) {
		t.Fatalf("failed submission must not write the registry, stat err=%v", err)
	}
}

func TestSubmitServerErrorLeavesRegistryUntouched(t *testing.T) {
	h := newHarness(t)
	h.api.FailUploads(http.StatusServiceUnavailable, "gpu busy")

	_, err := h.reg.Submit(context.Background(), workflow.SubmitRequest{
		Kind:   upload.KindVideo,
		Files:  []string{testsupport.WriteVideo(t, h.media, "clip.mp4")},
		Params: upload.Params{Iterations: 7000, Resolution: 2},
	})
	var serverErr *services.ServerError
	if !errors.As(err, &serverErr) || serverErr.Message != "gpu busy" {
		t.Fatalf("expected server error, got %v", err)
	}
	if len(h.reg.List()) != 0 {
		t.Fatal("registry mutated after rejected upload")
	}
}

func TestSubmitPhotoBurstNamesModel(t *testing.T) {
	h := newHarness(t)
	model, err := h.reg.Submit(context.Background(), workflow.SubmitRequest{
		Kind:   upload.KindImages,
		Files:  testsupport.WriteBurst(t, h.media, 4),
		Params: upload.Params{Iterations: 7000, Resolution: 2},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if model.Name != "burst_4_photos" || model.Type != queue.SourcePhotos {
		t.Fatalf("unexpected burst model %+v", model)
	}
}

func TestSubmitBeforeOpenFails(t *testing.T) {
	h := newUnopenedHarness(t)
	_, err := h.reg.Submit(context.Background(), workflow.SubmitRequest{
		Kind:   upload.KindVideo,
		Files:  []string{testsupport.WriteVideo(t, h.media, "clip.mp4")},
		Params: upload.Params{Iterations: 1, Resolution: 1},
	})
	if !errors.Is(err, workflow.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestPollingDrivesModelToCompletedWithArtifact(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	h.api.Script("abc123", testsupport.Processing("reconstructing"), testsupport.Done("finished"))
	h.api.SetArtifact("abc123", []byte("ply\nformat ascii 1.0\n"))

	model := h.submitVideo(t, "kitchen.mp4")
	waitIdle(t, h.reg)

	got := h.model(t, model.ID)
	want := filepath.Join(h.cfg.Paths.ArtifactsDir, "abc123.ply")
	if got.Status != queue.StatusCompleted || got.PlyPath != want || got.Stage != "finished" {
		t.Fatalf("unexpected final model %+v", got)
	}
	if !queue.ArtifactExists(got.PlyPath) {
		t.Fatal("plyPath must reference an existing file")
	}
	if h.reg.Polling("abc123") {
		t.Fatal("scheduler must stop on completion")
	}

	selected, err := h.reg.Select(model.ID)
	if err != nil || selected.PlyPath != want {
		t.Fatalf("Select: model=%+v err=%v", selected, err)
	}

	var statuses []queue.Status
	var stages []string
	ready := 0
	for _, ev := range h.events.snapshot() {
		switch ev.Kind {
		case queue.EventStatusChanged:
			statuses = append(statuses, ev.Transition.To)
			stages = append(stages, ev.Transition.Stage)
		case queue.EventArtifactReady:
			ready++
		}
	}
	for i := 1; i < len(statuses); i++ {
		if statuses[i].Rank() < statuses[i-1].Rank() {
			t.Fatalf("status regressed: %v", statuses)
		}
	}
	if len(statuses) < 3 || statuses[0] != queue.StatusQueued || statuses[1] != queue.StatusProcessing || statuses[len(statuses)-1] != queue.StatusCompleted {
		t.Fatalf("unexpected status sequence %v", statuses)
	}
	if stages[1] != "reconstructing" {
		t.Fatalf("processing stage = %q", stages[1])
	}
	if ready != 1 {
		t.Fatalf("expected one artifact_ready event, got %d", ready)
	}

	persisted, _, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted[0].PlyPath != want {
		t.Fatalf("artifact path not persisted: %+v", persisted[0])
	}
}

func TestPollingFailureStopsWithoutDownload(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	h.api.Script("abc123", testsupport.Failed("insufficient frames"))

	model := h.submitVideo(t, "kitchen.mp4")
	waitIdle(t, h.reg)

	got := h.model(t, model.ID)
	if got.Status != queue.StatusFailed || got.ErrorMessage != "insufficient frames" || got.PlyPath != "" {
		t.Fatalf("unexpected failed model %+v", got)
	}
	if h.reg.Polling("abc123") {
		t.Fatal("scheduler must stop on failure")
	}
	if calls := h.api.Calls("download"); calls != 0 {
		t.Fatalf("failed jobs must not be downloaded, got %d calls", calls)
	}
	if _, err := h.reg.Select(model.ID); !errors.Is(err, workflow.ErrModelNotReady) {
		t.Fatalf("selecting a failed model should be rejected, got %v", err)
	}
}

func TestTransientPollErrorsKeepPolling(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	h.api.Script("abc123",
		testsupport.StatusReply{Code: http.StatusInternalServerError, Body: map[string]any{"error": "boom"}},
		testsupport.StatusReply{Code: http.StatusOK, Body: map[string]any{"status": "rebooting"}},
		testsupport.Failed("gave up"),
	)

	model := h.submitVideo(t, "kitchen.mp4")
	waitIdle(t, h.reg)

	if got := h.model(t, model.ID); got.Status != queue.StatusFailed || got.ErrorMessage != "gave up" {
		t.Fatalf("expected polling to survive errors, got %+v", got)
	}
	if calls := h.api.Calls("status"); calls < 3 {
		t.Fatalf("expected at least 3 status calls, got %d", calls)
	}
}

func TestDownloadFailureKeepsCompletedAndRetries(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	h.api.Script("abc123", testsupport.Done("finished"))

	model := h.submitVideo(t, "kitchen.mp4")
	waitIdle(t, h.reg)

	got := h.model(t, model.ID)
	if got.Status != queue.StatusCompleted || got.PlyPath != "" {
		t.Fatalf("download failure must keep completed without artifact, got %+v", got)
	}

	h.api.SetArtifact("abc123", []byte("ply"))
	retried, err := h.reg.RetryDownload(context.Background(), model.ID)
	if err != nil {
		t.Fatalf("RetryDownload: %v", err)
	}
	if !retried.Ready() {
		t.Fatalf("retry did not record artifact: %+v", retried)
	}
}

func TestCompletedModelWithoutArtifactSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	h.api.Script("abc123", testsupport.Done("finished"))

	model := h.submitVideo(t, "kitchen.mp4")
	waitIdle(t, h.reg)
	if got := h.model(t, model.ID); got.Status != queue.StatusCompleted || got.PlyPath != "" {
		t.Fatalf("expected completed model without artifact, got %+v", got)
	}
	h.reg.Close()

	events := &recorder{}
	reopened := workflow.NewRegistry(h.client, h.store, logging.NewNop(),
		workflow.WithPollInterval(15*time.Millisecond),
		workflow.WithObservers(events),
	)
	t.Cleanup(reopened.Close)
	if err := reopened.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := reopened.Get(model.ID)
	if err != nil {
		t.Fatalf("model lost across restart: %v", err)
	}
	if got.Status != queue.StatusCompleted {
		t.Fatalf("expected completed after restart, got %+v", got)
	}
	for _, ev := range events.snapshot() {
		if ev.Kind == queue.EventPruned {
			t.Fatalf("completed model awaiting download was pruned: %+v", ev.Model)
		}
	}

	h.api.SetArtifact("abc123", []byte("ply"))
	retried, err := reopened.RetryDownload(context.Background(), model.ID)
	if err != nil {
		t.Fatalf("RetryDownload: %v", err)
	}
	if !retried.Ready() {
		t.Fatalf("retry did not record artifact: %+v", retried)
	}
}

func TestSelectSchedulesMissingArtifactDownload(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	h.api.Script("abc123", testsupport.Done("finished"))

	model := h.submitVideo(t, "kitchen.mp4")
	waitIdle(t, h.reg)

	h.api.SetArtifact("abc123", []byte("ply"))
	if _, err := h.reg.Select(model.ID); !errors.Is(err, workflow.ErrModelNotReady) {
		t.Fatalf("expected ErrModelNotReady while artifact missing, got %v", err)
	}
	waitIdle(t, h.reg)
	if _, err := h.reg.Select(model.ID); err != nil {
		t.Fatalf("Select after background download: %v", err)
	}
}

func TestDeleteProcessingModel(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	h.api.Script("abc123", testsupport.Processing("training"))

	model := h.submitVideo(t, "kitchen.mp4")
	waitFor(t, func() bool { return h.model(t, model.ID).Status == queue.StatusProcessing })

	artifact := h.client.ArtifactPath("abc123")
	testsupport.WriteFile(t, artifact, 32)

	if err := h.reg.Delete(context.Background(), model.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if h.reg.Polling("abc123") {
		t.Fatal("delete must stop polling")
	}
	if len(h.reg.List()) != 0 {
		t.Fatal("model still listed after delete")
	}
	if deleted := h.api.Deleted(); len(deleted) != 1 || deleted[0] != "abc123" {
		t.Fatalf("expected remote delete of abc123, got %v", deleted)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatalf("artifact should be removed, stat err=%v", err)
	}
	persisted, _, err := h.store.Load(context.Background())
	if err != nil || len(persisted) != 0 {
		t.Fatalf("deletion not persisted: %+v err=%v", persisted, err)
	}
	if err := h.reg.Delete(context.Background(), model.ID); !errors.Is(err, workflow.ErrModelNotFound) {
		t.Fatalf("second delete should report not found, got %v", err)
	}
}

func TestDeleteSurvivesRemoteFailure(t *testing.T) {
	h := newHarness(t)
	h.api.FailDeletes(http.StatusInternalServerError)
	model := h.submitVideo(t, "kitchen.mp4")

	if err := h.reg.Delete(context.Background(), model.ID); err != nil {
		t.Fatalf("remote failure must not block local delete: %v", err)
	}
	if len(h.reg.List()) != 0 {
		t.Fatal("model still listed")
	}
}

func TestLateTickAfterStopIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	arrivals, release := h.api.GateStatus()
	defer release()

	model := h.submitVideo(t, "kitchen.mp4")
	select {
	case <-arrivals:
	case <-time.After(3 * time.Second):
		t.Fatal("no status request observed")
	}

	if !h.reg.HandlePoll(context.Background(), "abc123", recon.Job{Status: recon.JobError, Error: "cancelled upstream"}) {
		t.Fatal("terminal poll result should apply")
	}
	h.api.Script("abc123", testsupport.Processing("late stage"))
	release()
	time.Sleep(100 * time.Millisecond)

	got := h.model(t, model.ID)
	if got.Status != queue.StatusFailed || got.Stage == "late stage" {
		t.Fatalf("late tick revived terminal model: %+v", got)
	}
}

func TestHandlePollIgnoresUnknownTaskAndTerminalModels(t *testing.T) {
	h := newHarness(t)
	h.api.QueueTaskIDs("abc123")
	model := h.submitVideo(t, "kitchen.mp4")

	if h.reg.HandlePoll(context.Background(), "nope", recon.Job{Status: recon.JobProcessing}) {
		t.Fatal("unknown task must be ignored")
	}
	if !h.reg.HandlePoll(context.Background(), "abc123", recon.Job{Status: recon.JobError, Error: "bad"}) {
		t.Fatal("first terminal result should apply")
	}
	if h.reg.HandlePoll(context.Background(), "abc123", recon.Job{Status: recon.JobProcessing, Stage: "again"}) {
		t.Fatal("terminal model must not change")
	}
	if got := h.model(t, model.ID); got.Status != queue.StatusFailed || got.Stage == "again" {
		t.Fatalf("terminal model mutated: %+v", got)
	}
}

func TestOpenResumesNonTerminalModelsOnce(t *testing.T) {
	h := newUnopenedHarness(t)
	artifact := filepath.Join(h.cfg.Paths.ArtifactsDir, "done.ply")
	testsupport.WriteFile(t, artifact, 8)
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seed := []queue.Model{
		{ID: "m-3", TaskID: "busy", Name: "busy", Type: queue.SourceVideo, Timestamp: ts, Status: queue.StatusProcessing, Stage: "training"},
		{ID: "m-2", TaskID: "done", Name: "done", Type: queue.SourceVideo, Timestamp: ts, Status: queue.StatusCompleted, PlyPath: artifact},
		{ID: "m-1", TaskID: "bad", Name: "bad", Type: queue.SourceVideo, Timestamp: ts, Status: queue.StatusFailed, ErrorMessage: "x"},
		{ID: "m-0", TaskID: "lost", Name: "lost", Type: queue.SourceVideo, Timestamp: ts, Status: queue.StatusCompleted, PlyPath: filepath.Join(h.cfg.Paths.ArtifactsDir, "lost.ply")},
	}
	if err := h.store.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.api.Script("busy", testsupport.Processing("training"))

	if err := h.reg.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.reg.Open(context.Background()); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if polls, _ := h.reg.Pending(); polls != 1 || !h.reg.Polling("busy") {
		t.Fatalf("expected only the processing model to resume, got %d polls", polls)
	}
	if started := h.reg.Resume(); started != 0 {
		t.Fatalf("resume must not duplicate entries, started %d", started)
	}
	if len(h.reg.List()) != 3 {
		t.Fatalf("expected pruned model dropped, got %+v", h.reg.List())
	}
	pruned := 0
	for _, ev := range h.events.snapshot() {
		if ev.Kind == queue.EventPruned && ev.Model.ID == "m-0" {
			pruned++
		}
	}
	if pruned != 1 {
		t.Fatalf("expected pruned event for m-0, got %d", pruned)
	}
}

type blockingAPI struct {
	workflow.API
	release chan struct{}
	entered chan struct{}
}

func (b *blockingAPI) Upload(ctx context.Context, req upload.Request) (recon.UploadResponse, error) {
	close(b.entered)
	<-b.release
	return recon.UploadResponse{TaskID: "slow-1", Message: "ok"}, nil
}

func (b *blockingAPI) DeleteTask(context.Context, string) error { return nil }

func (b *blockingAPI) Status(ctx context.Context, taskID string) (recon.Job, error) {
	return recon.Job{}, errors.New("offline")
}

func TestUploadProgressAndCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	api := &blockingAPI{release: make(chan struct{}), entered: make(chan struct{})}
	reg := workflow.NewRegistry(api, queue.NewStore(cfg.Paths.RegistryFile, logging.NewNop()), logging.NewNop(), workflow.WithPollInterval(time.Hour))
	t.Cleanup(reg.Close)
	if err := reg.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := reg.Submit(context.Background(), workflow.SubmitRequest{
			Kind:   upload.KindVideo,
			Files:  []string{filepath.Join(t.TempDir(), "garden.mov")},
			Params: upload.Params{Iterations: 1, Resolution: 1},
		})
		result <- err
	}()
	<-api.entered

	progress, ok := reg.UploadProgress()
	if !ok || progress.FileName != "garden" || progress.Stage != "uploading" {
		t.Fatalf("unexpected progress %+v ok=%v", progress, ok)
	}
	reg.CancelUpload()
	if _, ok := reg.UploadProgress(); ok {
		t.Fatal("cancel must clear progress")
	}

	close(api.release)
	if err := <-result; err != nil {
		t.Fatalf("cancel must not abort the transfer: %v", err)
	}
	if list := reg.List(); len(list) != 1 || list[0].TaskID != "slow-1" {
		t.Fatalf("accepted upload not recorded after cancel: %+v", list)
	}
}
