package testsupport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// StatusReply is one scripted answer to GET /status/{task_id}.
type StatusReply struct {
	Code int
	Body map[string]any
}

// Processing returns a 200 processing reply with the given stage.
func Processing(stage string) StatusReply {
	return StatusReply{Code: http.StatusOK, Body: map[string]any{"status": "processing", "stage": stage, "progress": 50, "message": stage}}
}

// Done returns a 200 done reply.
func Done(message string) StatusReply {
	return StatusReply{Code: http.StatusOK, Body: map[string]any{"status": "done", "progress": 100, "message": message, "result_path": "/results/point_cloud.ply"}}
}

// Failed returns a 200 error reply carrying errText.
func Failed(errText string) StatusReply {
	return StatusReply{Code: http.StatusOK, Body: map[string]any{"status": "error", "progress": 0, "message": "failed", "error": errText}}
}

// RecordedUpload captures one multipart upload received by the fake.
type RecordedUpload struct {
	Endpoint string
	Fields   map[string][]string
	Files    []string
	TaskID   string
}

// FakeAPI is a scripted in-process reconstruction service.
type FakeAPI struct {
	t      testing.TB
	server *httptest.Server

	mu          sync.Mutex
	nextID      int
	taskIDs     []string
	healthy     bool
	uploadCode  int
	uploadError string
	scripts     map[string][]StatusReply
	last        map[string]StatusReply
	artifacts   map[string][]byte
	uploads     []RecordedUpload
	deleted     []string
	deleteCode  int
	calls       map[string]int
	statusGate  chan struct{}
	arrivals    chan string
}

// NewFakeAPI starts a fake service and registers its shutdown with t.
func NewFakeAPI(t testing.TB) *FakeAPI {
	t.Helper()
	api := &FakeAPI{
		t:         t,
		healthy:   true,
		scripts:   make(map[string][]StatusReply),
		last:      make(map[string]StatusReply),
		artifacts: make(map[string][]byte),
		calls:     make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("POST /upload", api.handleUpload)
	mux.HandleFunc("POST /upload_images", api.handleUpload)
	mux.HandleFunc("GET /status/{id}", api.handleStatus)
	mux.HandleFunc("GET /download/{id}", api.handleDownload)
	mux.HandleFunc("DELETE /task/{id}", api.handleDelete)
	mux.HandleFunc("GET /tasks", api.handleTasks)
	api.server = httptest.NewServer(mux)
	t.Cleanup(api.Close)
	return api
}

// URL returns the base URL of the fake service.
func (f *FakeAPI) URL() string {
	return f.server.URL
}

// Close stops the server. Pending gated status calls are released first.
func (f *FakeAPI) Close() {
	f.mu.Lock()
	if f.statusGate != nil {
		close(f.statusGate)
		f.statusGate = nil
	}
	f.mu.Unlock()
	f.server.Close()
}

// QueueTaskIDs fixes the task ids handed out by the next uploads.
func (f *FakeAPI) QueueTaskIDs(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskIDs = append(f.taskIDs, ids...)
}

// SetHealthy toggles the /health answer.
func (f *FakeAPI) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// FailUploads makes uploads answer code with an optional error field.
func (f *FakeAPI) FailUploads(code int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCode = code
	f.uploadError = message
}

// FailDeletes makes DELETE /task answer code.
func (f *FakeAPI) FailDeletes(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCode = code
}

// Script queues status replies for taskID. The final reply repeats.
func (f *FakeAPI) Script(taskID string, replies ...StatusReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[taskID] = append(f.scripts[taskID], replies...)
}

// SetArtifact makes GET /download/{taskID} serve data.
func (f *FakeAPI) SetArtifact(taskID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[taskID] = data
}

// RemoveArtifact makes GET /download/{taskID} answer 404.
func (f *FakeAPI) RemoveArtifact(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.artifacts, taskID)
}

// GateStatus blocks every status request until the returned release func is
// called. The channel reports each request as it arrives.
func (f *FakeAPI) GateStatus() (<-chan string, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.statusGate = gate
	arrived := make(chan string, 64)
	f.arrivals = arrived
	return arrived, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.statusGate == gate {
			close(gate)
			f.statusGate = nil
		}
	}
}

// Calls returns how many requests hit the route key, e.g. "status" or "upload".
func (f *FakeAPI) Calls(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

// TotalCalls returns the number of requests received on any route.
func (f *FakeAPI) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, count := range f.calls {
		total += count
	}
	return total
}

// Uploads returns the uploads received so far.
func (f *FakeAPI) Uploads() []RecordedUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RecordedUpload, len(f.uploads))
	copy(out, f.uploads)
	return out
}

// Deleted returns the task ids deleted so far.
func (f *FakeAPI) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

func (f *FakeAPI) count(route string) {
	f.mu.Lock()
	f.calls[route]++
	f.mu.Unlock()
}

func (f *FakeAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	f.count("health")
	f.mu.Lock()
	healthy := f.healthy
	f.mu.Unlock()
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "message": "maintenance"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "3DGS service running"})
}

func (f *FakeAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/")
	f.count(endpoint)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad multipart body: " + err.Error()})
		return
	}
	record := RecordedUpload{Endpoint: endpoint, Fields: map[string][]string{}}
	for key, values := range r.MultipartForm.Value {
		record.Fields[key] = append([]string(nil), values...)
	}
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			record.Files = append(record.Files, header.Filename)
		}
	}

	f.mu.Lock()
	code, message := f.uploadCode, f.uploadError
	if code != 0 {
		f.uploads = append(f.uploads, record)
		f.mu.Unlock()
		body := map[string]any{}
		if message != "" {
			body["error"] = message
		}
		writeJSON(w, code, body)
		return
	}
	var taskID string
	if len(f.taskIDs) > 0 {
		taskID, f.taskIDs = f.taskIDs[0], f.taskIDs[1:]
	} else {
		f.nextID++
		taskID = fmt.Sprintf("task-%d", f.nextID)
	}
	record.TaskID = taskID
	f.uploads = append(f.uploads, record)
	f.last[taskID] = StatusReply{Code: http.StatusOK, Body: map[string]any{"status": "queued", "progress": 0, "message": "queued"}}
	f.mu.Unlock()

	body := map[string]any{"message": "upload accepted", "task_id": taskID}
	if endpoint == "upload_images" {
		body["type"] = "images"
		body["image_count"] = len(record.Files)
	} else {
		body["type"] = "video"
		if len(record.Files) > 0 {
			body["filename"] = record.Files[0]
		}
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (f *FakeAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	f.count("status")
	taskID := r.PathValue("id")

	f.mu.Lock()
	gate, arrivals := f.statusGate, f.arrivals
	f.mu.Unlock()
	if gate != nil {
		select {
		case arrivals <- taskID:
		default:
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	reply, ok := f.nextStatus(taskID)
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
		return
	}
	writeJSON(w, reply.Code, reply.Body)
}

func (f *FakeAPI) nextStatus(taskID string) (StatusReply, bool) {
	if script := f.scripts[taskID]; len(script) > 0 {
		reply := script[0]
		if len(script) > 1 {
			f.scripts[taskID] = script[1:]
		}
		f.last[taskID] = reply
		return reply, true
	}
	reply, ok := f.last[taskID]
	return reply, ok
}

func (f *FakeAPI) handleDownload(w http.ResponseWriter, r *http.Request) {
	f.count("download")
	f.mu.Lock()
	data, ok := f.artifacts[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "result not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (f *FakeAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	f.count("delete")
	taskID := r.PathValue("id")
	f.mu.Lock()
	code := f.deleteCode
	f.deleted = append(f.deleted, taskID)
	if code == 0 {
		delete(f.scripts, taskID)
		delete(f.last, taskID)
		delete(f.artifacts, taskID)
	}
	f.mu.Unlock()
	if code != 0 {
		writeJSON(w, code, map[string]any{"error": "delete failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "task deleted"})
}

func (f *FakeAPI) handleTasks(w http.ResponseWriter, _ *http.Request) {
	f.count("tasks")
	f.mu.Lock()
	out := make(map[string]map[string]any, len(f.last))
	for id, reply := range f.last {
		out[id] = reply.Body
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
