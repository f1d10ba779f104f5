package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"gsscan/internal/config"
	"gsscan/internal/fileutil"
	"gsscan/internal/logging"
	"gsscan/internal/queue"
	"gsscan/internal/services"
	"gsscan/internal/services/recon"
	"gsscan/internal/textutil"
	"gsscan/internal/upload"
)

var (
	// ErrModelNotFound reports an unknown local model id.
	ErrModelNotFound = errors.New("model not found")
	// ErrModelNotReady reports a model whose artifact cannot be opened yet.
	ErrModelNotReady = errors.New("model not ready")
	// ErrDuplicateTask reports a server task id already bound to another model.
	ErrDuplicateTask = errors.New("task id already registered")
	// ErrClosed reports use of a registry after Close.
	ErrClosed = errors.New("registry closed")
	// ErrNotOpen reports a submission before Open loaded the persisted list.
	ErrNotOpen = errors.New("registry not opened")
)

// initialStage is the stage text of a freshly accepted model.
const initialStage = "queued"

// API is the subset of the reconstruction client the registry drives.
type API interface {
	Upload(ctx context.Context, req upload.Request) (recon.UploadResponse, error)
	Status(ctx context.Context, taskID string) (recon.Job, error)
	Download(ctx context.Context, taskID string) (string, error)
	DeleteTask(ctx context.Context, taskID string) error
	ArtifactPath(taskID string) string
}

// Observer reacts to registry changes. Observe runs outside the registry lock.
type Observer interface {
	Observe(ctx context.Context, event queue.Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event queue.Event) error

func (f ObserverFunc) Observe(ctx context.Context, event queue.Event) error {
	return f(ctx, event)
}

// UploadProgress describes the submission currently being transferred.
type UploadProgress struct {
	FileName string
	Kind     upload.Kind
	Files    int
	Stage    string
	Started  time.Time
}

// SubmitRequest is a user submission.
type SubmitRequest struct {
	Kind   upload.Kind
	Files  []string
	Params upload.Params
}

// Option customizes a Registry.
type Option func(*Registry)

// WithObservers registers observers notified of every registry change.
func WithObservers(observers ...Observer) Option {
	return func(r *Registry) {
		for _, obs := range observers {
			if obs != nil {
				r.observers = append(r.observers, obs)
			}
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides model id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithPollInterval overrides the status polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(r *Registry) {
		r.pollInterval = interval
	}
}

// Registry is the orchestrator and sole mutator of the model list.
type Registry struct {
	api          API
	store        *queue.Store
	logger       *slog.Logger
	observers    []Observer
	scheduler    *Scheduler
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	models      []queue.Model
	uploading   *UploadProgress
	uploadSeq   uint64
	downloading map[string]bool
	changed     chan struct{}
	opened      bool
	closed      bool
}

// NewRegistry wires a registry around api and store.
func NewRegistry(api API, store *queue.Store, logger *slog.Logger, opts ...Option) *Registry {
	base, cancel := context.WithCancel(context.Background())
	r := &Registry{
		api:          api,
		store:        store,
		logger:       logging.NewComponentLogger(logger, "registry"),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		newID:        uuid.NewString,
		base:         base,
		cancelBase:   cancel,
		downloading:  make(map[string]bool),
		changed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.scheduler = NewScheduler(r.pollInterval, r.pollOnce, logger)
	return r
}

// NewRegistryFromConfig applies the configured polling interval.
func NewRegistryFromConfig(cfg *config.Config, api API, store *queue.Store, logger *slog.Logger, opts ...Option) *Registry {
	opts = append([]Option{WithPollInterval(cfg.PollInterval())}, opts...)
	return NewRegistry(api, store, logger, opts...)
}

// Open loads the persisted registry and resumes polling every non-terminal
// model exactly once. Calling Open again is a no-op.
func (r *Registry) Open(ctx context.Context) error {
	models, pruned, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.opened {
		r.mu.Unlock()
		return nil
	}
	r.opened = true
	r.models = models
	resumed := r.resumeLocked()
	r.notifyLocked()
	r.mu.Unlock()

	at := r.now().UTC()
	events := make([]queue.Event, 0, len(pruned))
	for _, model := range pruned {
		events = append(events, queue.Event{Kind: queue.EventPruned, Model: model, At: at})
	}
	r.dispatch(ctx, events)

	r.logger.Info("registry opened",
		logging.Int("models", len(models)),
		logging.Int("pruned", len(pruned)),
		logging.Int("resumed", resumed),
		logging.String("path", r.store.Path()),
	)
	return nil
}

// Resume starts polling for every non-terminal model that is not already
// being polled and returns how many entries were started.
func (r *Registry) Resume() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.resumeLocked()
	if n > 0 {
		r.notifyLocked()
	}
	return n
}

func (r *Registry) resumeLocked() int {
	started := 0
	for _, model := range r.models {
		if model.IsTerminal() || model.TaskID == "" {
			continue
		}
		if r.scheduler.Start(model.TaskID) {
			started++
		}
	}
	return started
}

// Submit uploads req and records the accepted job as a queued model at the
// head of the list. Nothing is mutated when the upload fails.
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (queue.Model, error) {
	name := textutil.DisplayName(req.Kind == upload.KindImages, req.Files)
	sourceType := queue.SourceVideo
	if req.Kind == upload.KindImages {
		sourceType = queue.SourcePhotos
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return queue.Model{}, ErrClosed
	}
	if !r.opened {
		r.mu.Unlock()
		return queue.Model{}, ErrNotOpen
	}
	r.uploadSeq++
	seq := r.uploadSeq
	r.uploading = &UploadProgress{
		FileName: name,
		Kind:     req.Kind,
		Files:    len(req.Files),
		Stage:    string(queue.StatusUploading),
		Started:  r.now(),
	}
	r.notifyLocked()
	r.mu.Unlock()

	logger := r.logger.With(logging.String("name", name), logging.String("kind", req.Kind.String()))
	logger.Info("uploading submission", logging.Int("files", len(req.Files)))

	accepted, err := r.api.Upload(ctx, upload.Request{Kind: req.Kind, Files: req.Files, Params: req.Params})

	r.mu.Lock()
	if r.uploadSeq == seq {
		r.uploading = nil
	}
	if err != nil {
		r.notifyLocked()
		r.mu.Unlock()
		logger.Warn("upload rejected", logging.Error(err))
		return queue.Model{}, err
	}
	if r.indexByTaskLocked(accepted.TaskID) >= 0 {
		r.notifyLocked()
		r.mu.Unlock()
		return queue.Model{}, fmt.Errorf("%w: %s", ErrDuplicateTask, accepted.TaskID)
	}

	at := r.now()
	model := queue.Model{
		ID:        r.newID(),
		TaskID:    accepted.TaskID,
		Name:      name,
		Type:      sourceType,
		Timestamp: at.UTC().Truncate(time.Millisecond),
		Status:    queue.StatusUploading,
		Stage:     initialStage,
	}
	transition, _ := model.Advance(queue.StatusQueued, at)

	// The server owns the job from here on; record it even if ctx is canceled.
	persistCtx := context.WithoutCancel(ctx)
	next := slices.Insert(slices.Clone(r.models), 0, model)
	if err := r.store.Save(persistCtx, next); err != nil {
		r.notifyLocked()
		r.mu.Unlock()
		logger.Error("failed to persist accepted model; requesting remote cleanup",
			logging.String(logging.FieldTaskID, accepted.TaskID),
			logging.Error(err),
		)
		r.deleteRemote(persistCtx, accepted.TaskID)
		return queue.Model{}, fmt.Errorf("persist model: %w", err)
	}
	r.models = next
	r.scheduler.Start(model.TaskID)
	r.notifyLocked()
	r.mu.Unlock()

	logger.Info("submission accepted",
		logging.String(logging.FieldModelID, model.ID),
		logging.String(logging.FieldTaskID, model.TaskID),
		logging.String("server_message", accepted.Message),
	)
	r.dispatch(persistCtx, []queue.Event{{Kind: queue.EventStatusChanged, Model: model, Transition: transition, At: transition.At}})
	return model, nil
}

// UploadProgress returns the in-flight submission, if any.
func (r *Registry) UploadProgress() (UploadProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploading == nil {
		return UploadProgress{}, false
	}
	return *r.uploading, true
}

// CancelUpload clears the upload progress state. The transfer itself keeps
// running and its outcome is still recorded.
func (r *Registry) CancelUpload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploading != nil {
		r.uploading = nil
		r.notifyLocked()
	}
}

func (r *Registry) pollOnce(ctx context.Context, taskID string, generation uint64) {
	job, err := r.api.Status(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil || !r.scheduler.Current(taskID, generation) {
			return
		}
		logging.WarnWithContext(logging.WithContext(ctx, r.logger), "status poll failed; retrying next interval", "poll_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, pollHint(err)),
			logging.String(logging.FieldImpact, "model status not refreshed this interval"),
		)
		return
	}
	r.applyPoll(ctx, taskID, generation, job)
}

func pollHint(err error) string {
	switch {
	case errors.Is(err, services.ErrTaskNotFound):
		return "server no longer knows this task; delete the model if it persists"
	case errors.Is(err, services.ErrUnknownStatus):
		return "server reported a status this client does not understand; upgrade gsscan"
	case errors.Is(err, services.ErrTransport):
		return "check that the reconstruction server is reachable"
	default:
		return "check server logs"
	}
}

// HandlePoll applies a status snapshot to the model bound to taskID. Unknown
// task ids and terminal models are ignored. It reports whether the model changed.
func (r *Registry) HandlePoll(ctx context.Context, taskID string, job recon.Job) bool {
	return r.applyPoll(ctx, taskID, 0, job)
}

// applyPoll with a non-zero generation discards results from stopped entries.
func (r *Registry) applyPoll(ctx context.Context, taskID string, generation uint64, job recon.Job) bool {
	r.mu.Lock()
	if generation != 0 && !r.scheduler.Current(taskID, generation) {
		r.mu.Unlock()
		return false
	}
	idx := r.indexByTaskLocked(taskID)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	current := r.models[idx]
	if current.IsTerminal() {
		r.scheduler.Stop(taskID)
		r.notifyLocked()
		r.mu.Unlock()
		return false
	}

	updated := current
	if stage := job.StageText(); stage != "" {
		updated.Stage = stage
	}
	var target queue.Status
	switch job.Status {
	case recon.JobDone:
		target = queue.StatusCompleted
	case recon.JobError:
		target = queue.StatusFailed
		updated.ErrorMessage = job.FailureText()
	default:
		target = queue.StatusProcessing
	}
	transition, ok := updated.Advance(target, r.now())
	if !ok {
		r.mu.Unlock()
		return false
	}
	if !transition.Changed() && updated.Stage == current.Stage {
		r.mu.Unlock()
		return false
	}

	next := slices.Clone(r.models)
	next[idx] = updated
	if err := r.store.Save(ctx, next); err != nil {
		r.mu.Unlock()
		logging.WarnWithContext(r.modelLogger(ctx, updated), "failed to persist poll result; will retry next interval", "persist_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space and permissions of the data directory"),
			logging.String(logging.FieldImpact, "model status unchanged until the next successful poll"),
		)
		return false
	}
	r.models = next

	if updated.IsTerminal() {
		r.scheduler.Stop(taskID)
	}
	if updated.Status == queue.StatusCompleted {
		r.startDownloadLocked(updated)
	}
	r.notifyLocked()
	r.mu.Unlock()

	logger := r.modelLogger(ctx, updated)
	switch updated.Status {
	case queue.StatusCompleted:
		logger.Info("reconstruction finished; fetching artifact", logging.String("stage", updated.Stage))
	case queue.StatusFailed:
		logger.Warn("reconstruction failed",
			logging.String("error_message", updated.ErrorMessage),
			logging.String(logging.FieldEventType, "job_failed"),
		)
	default:
		logger.Debug("status updated", logging.String("status", string(updated.Status)), logging.String("stage", updated.Stage))
	}
	r.dispatch(ctx, []queue.Event{{Kind: queue.EventStatusChanged, Model: updated, Transition: transition, At: transition.At}})
	return true
}

// startDownloadLocked launches an artifact fetch unless one is already running.
func (r *Registry) startDownloadLocked(model queue.Model) bool {
	if r.closed || r.downloading[model.ID] {
		return false
	}
	r.downloading[model.ID] = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// fetchArtifact logs failures; the model stays completed for a later retry.
		_ = r.fetchArtifact(r.base, model.ID, model.TaskID)
	}()
	return true
}

// RetryDownload fetches the artifact of a completed model that has none and
// blocks until it is stored or fails.
func (r *Registry) RetryDownload(ctx context.Context, modelID string) (queue.Model, error) {
	r.mu.Lock()
	idx := r.indexByIDLocked(modelID)
	if idx < 0 {
		r.mu.Unlock()
		return queue.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	model := r.models[idx]
	if model.Status != queue.StatusCompleted {
		r.mu.Unlock()
		return model, fmt.Errorf("%w: status is %s", ErrModelNotReady, model.Status)
	}
	if model.Ready() && queue.ArtifactExists(model.PlyPath) {
		r.mu.Unlock()
		return model, nil
	}
	if r.downloading[model.ID] {
		r.mu.Unlock()
		return model, fmt.Errorf("%w: artifact download already in progress", ErrModelNotReady)
	}
	r.downloading[model.ID] = true
	r.notifyLocked()
	r.mu.Unlock()

	if err := r.fetchArtifact(ctx, model.ID, model.TaskID); err != nil {
		return model, err
	}
	return r.Get(model.ID)
}

func (r *Registry) fetchArtifact(ctx context.Context, modelID, taskID string) error {
	ctx = services.WithModelID(services.WithTaskID(ctx, taskID), modelID)
	logger := logging.WithContext(ctx, r.logger)

	path, err := r.api.Download(ctx, taskID)

	r.mu.Lock()
	delete(r.downloading, modelID)
	idx := r.indexByIDLocked(modelID)
	if err != nil {
		r.notifyLocked()
		r.mu.Unlock()
		if ctx.Err() != nil {
			logger.Info("artifact download interrupted", logging.Error(err))
			return err
		}
		logging.WarnWithContext(logger, "artifact download failed; model stays completed without artifact", "download_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "open the model again to retry the download"),
			logging.String(logging.FieldImpact, "model cannot be viewed until the artifact is fetched"),
		)
		return err
	}
	if idx < 0 {
		r.notifyLocked()
		r.mu.Unlock()
		if _, rmErr := fileutil.RemoveIfExists(path); rmErr != nil {
			logger.Warn("failed to remove artifact of deleted model", logging.String("path", path), logging.Error(rmErr))
		}
		logger.Info("model deleted during download; artifact discarded")
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if !queue.ArtifactExists(path) {
		r.notifyLocked()
		r.mu.Unlock()
		err := fmt.Errorf("artifact missing after download: %s", path)
		logger.Warn("artifact download produced no file", logging.Error(err))
		return err
	}

	updated := r.models[idx]
	updated.PlyPath = path
	next := slices.Clone(r.models)
	next[idx] = updated
	if err := r.store.Save(ctx, next); err != nil {
		r.notifyLocked()
		r.mu.Unlock()
		logger.Error("failed to persist artifact path", logging.Error(err))
		return fmt.Errorf("persist artifact path: %w", err)
	}
	r.models = next
	r.notifyLocked()
	r.mu.Unlock()

	logger.Info("artifact stored", logging.String("ply_path", path))
	r.dispatch(ctx, []queue.Event{{Kind: queue.EventArtifactReady, Model: updated, At: r.now().UTC()}})
	return nil
}

// Delete stops polling for the model, removes it from the list and its
// artifact from disk, and asks the server to forget the task. Remote failure
// does not block local removal.
func (r *Registry) Delete(ctx context.Context, modelID string) error {
	r.mu.Lock()
	idx := r.indexByIDLocked(modelID)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	model := r.models[idx]
	wasPolling := r.scheduler.Stop(model.TaskID)

	next := slices.Delete(slices.Clone(r.models), idx, idx+1)
	if err := r.store.Save(ctx, next); err != nil {
		if wasPolling {
			r.scheduler.Start(model.TaskID)
		}
		r.mu.Unlock()
		return fmt.Errorf("persist deletion: %w", err)
	}
	r.models = next
	r.notifyLocked()
	r.mu.Unlock()

	logger := r.modelLogger(ctx, model)
	r.deleteRemote(ctx, model.TaskID)

	for _, path := range uniquePaths(model.PlyPath, r.api.ArtifactPath(model.TaskID)) {
		removed, err := fileutil.RemoveIfExists(path)
		if err != nil {
			logger.Warn("failed to remove artifact", logging.String("path", path), logging.Error(err))
			continue
		}
		if removed {
			logger.Debug("artifact removed", logging.String("path", path))
		}
	}

	logger.Info("model deleted", logging.String("name", model.Name), logging.String("status", string(model.Status)))
	r.dispatch(ctx, []queue.Event{{Kind: queue.EventDeleted, Model: model, At: r.now().UTC()}})
	return nil
}

func (r *Registry) deleteRemote(ctx context.Context, taskID string) {
	if err := r.api.DeleteTask(ctx, taskID); err != nil {
		logging.WarnWithContext(r.logger, "remote task deletion failed", "remote_delete_failed",
			logging.String(logging.FieldTaskID, taskID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the server may keep the task until its own cleanup runs"),
			logging.String(logging.FieldImpact, "local model removed; server copy may remain"),
		)
	}
}

func uniquePaths(paths ...string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// List returns a snapshot of the models, most recent first.
func (r *Registry) List() []queue.Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.models)
}

// Get returns the model with modelID.
func (r *Registry) Get(modelID string) (queue.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexByIDLocked(modelID)
	if idx < 0 {
		return queue.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return r.models[idx], nil
}

// Select returns a model whose artifact can be opened. Models that are not
// completed yield ErrModelNotReady. A completed model whose artifact is
// missing also yields ErrModelNotReady and schedules a background download.
func (r *Registry) Select(modelID string) (queue.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexByIDLocked(modelID)
	if idx < 0 {
		return queue.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	model := r.models[idx]
	if model.Status != queue.StatusCompleted {
		return model, fmt.Errorf("%w: status is %s", ErrModelNotReady, model.Status)
	}
	if !model.Ready() || !queue.ArtifactExists(model.PlyPath) {
		r.startDownloadLocked(model)
		return model, fmt.Errorf("%w: artifact is being downloaded", ErrModelNotReady)
	}
	return model, nil
}

// Polling reports whether taskID has an active scheduler entry.
func (r *Registry) Polling(taskID string) bool {
	return r.scheduler.Active(taskID)
}

// Pending returns the number of active poll entries and artifact downloads.
func (r *Registry) Pending() (polls, downloads int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduler.Len(), len(r.downloading)
}

// Changes returns a channel closed on the next registry change.
func (r *Registry) Changes() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// Wait blocks until no model is being polled or downloaded, or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		busy := r.scheduler.Len() > 0 || len(r.downloading) > 0
		ch := r.changed
		r.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops all polling, aborts in-flight downloads, and waits for
// background work to finish. The persisted list is left as is.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.scheduler.Close()
	r.cancelBase()
	r.wg.Wait()

	r.mu.Lock()
	r.notifyLocked()
	r.mu.Unlock()
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Registry) indexByTaskLocked(taskID string) int {
	return slices.IndexFunc(r.models, func(m queue.Model) bool { return m.TaskID == taskID })
}

func (r *Registry) indexByIDLocked(modelID string) int {
	return slices.IndexFunc(r.models, func(m queue.Model) bool { return m.ID == modelID })
}

func (r *Registry) modelLogger(ctx context.Context, model queue.Model) *slog.Logger {
	return logging.WithContext(services.WithModelID(services.WithTaskID(ctx, model.TaskID), model.ID), r.logger)
}

func (r *Registry) dispatch(ctx context.Context, events []queue.Event) {
	if len(r.observers) == 0 || len(events) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, event := range events {
		for _, obs := range r.observers {
			if err := obs.Observe(ctx, event); err != nil {
				r.modelLogger(ctx, event.Model).Warn("observer failed",
					logging.String("event", string(event.Kind)),
					logging.String("observer", fmt.Sprintf("%T", obs)),
					logging.Error(err),
				)
			}
		}
	}
}
