package recon

import (
	"encoding/json"
	"fmt"
	"strings"

	"gsscan/internal/services"
)

// JobStatus is the server-side status of a reconstruction job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobError      JobStatus = "error"
)

// ParseJobStatus accepts exactly the statuses the service emits.
func ParseJobStatus(value string) (JobStatus, error) {
	switch status := JobStatus(value); status {
	case JobQueued, JobProcessing, JobDone, JobError:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", services.ErrUnknownStatus, value)
	}
}

func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("job status: %w", err)
	}
	parsed, err := ParseJobStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether the job finished one way or the other.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobError
}

// Job is a status snapshot returned by GET /status/{task_id}.
type Job struct {
	Status     JobStatus `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	Filename   string    `json:"filename,omitempty"`
	CreatedAt  string    `json:"created_at,omitempty"`
	UpdatedAt  string    `json:"updated_at,omitempty"`
	ResultPath string    `json:"result_path,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// StageText is the human-readable progress line for the job. The server's
// stage wins over its generic message when both are present.
func (j Job) StageText() string {
	if stage := strings.TrimSpace(j.Stage); stage != "" {
		return stage
	}
	return strings.TrimSpace(j.Message)
}

// FailureText returns the error the server reported for a failed job.
func (j Job) FailureText() string {
	if msg := strings.TrimSpace(j.Error); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(j.Message); msg != "" {
		return msg
	}
	return "reconstruction failed"
}

// UploadResponse is the accepted-job descriptor returned by both upload endpoints.
type UploadResponse struct {
	Message    string `json:"message"`
	TaskID     string `json:"task_id"`
	Filename   string `json:"filename,omitempty"`
	Type       string `json:"type,omitempty"`
	ImageCount int    `json:"image_count,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Healthy reports whether the service declared itself ready.
func (h HealthResponse) Healthy() bool {
	return h.Status == "ok"
}

type errorBody struct {
	Error string `json:"error"`
}
