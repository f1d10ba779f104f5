package queue

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the client-side lifecycle of a model.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusUploading,
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

// rank orders statuses; completed and failed share the terminal rank.
var statusRank = map[Status]int{
	StatusUploading:  0,
	StatusQueued:     1,
	StatusProcessing: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	_, ok := statusRank[normalized]
	return normalized, ok
}

// Rank returns the position of the status in the lifecycle order, or -1.
func (s Status) Rank() int {
	if rank, ok := statusRank[s]; ok {
		return rank
	}
	return -1
}

// IsTerminal reports whether polling must stop for the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
// Repeating a non-terminal status is allowed so stage text can be refreshed.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == s {
		return true
	}
	switch s {
	case StatusUploading:
		return next == StatusQueued
	case StatusQueued:
		return next == StatusProcessing || next.IsTerminal()
	case StatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusRank[s]; !ok {
		return nil, fmt.Errorf("queue: unknown status %q", string(s))
	}
	return []byte(s), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, ok := ParseStatus(string(text))
	if !ok {
		return fmt.Errorf("queue: unknown status %q", string(text))
	}
	*s = parsed
	return nil
}

// SourceType identifies the kind of media a model was built from.
type SourceType string

const (
	SourceVideo  SourceType = "video"
	SourcePhotos SourceType = "photos"
)

func (t SourceType) MarshalText() ([]byte, error) {
	switch t {
	case SourceVideo, SourcePhotos:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("queue: unknown source type %q", string(t))
	}
}

func (t *SourceType) UnmarshalText(text []byte) error {
	switch value := SourceType(strings.ToLower(strings.TrimSpace(string(text)))); value {
	case SourceVideo, SourcePhotos:
		*t = value
		return nil
	default:
		return fmt.Errorf("queue: unknown source type %q", string(text))
	}
}

// Model is one user submission and the reconstruction job tracking it.
type Model struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"taskId"`
	Name         string     `json:"name"`
	Type         SourceType `json:"type"`
	Timestamp    time.Time  `json:"timestamp"`
	Status       Status     `json:"status"`
	PlyPath      string     `json:"plyPath,omitempty"`
	Stage        string     `json:"stage,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// IsTerminal reports whether the model reached completed or failed.
func (m Model) IsTerminal() bool {
	return m.Status.IsTerminal()
}

// Ready reports whether the model's artifact can be opened by a viewer.
func (m Model) Ready() bool {
	return m.Status == StatusCompleted && m.PlyPath != ""
}

// Advance moves the model to next when the lifecycle allows it. The returned
// transition is only meaningful when ok is true.
func (m *Model) Advance(next Status, at time.Time) (Transition, bool) {
	if !m.Status.CanTransitionTo(next) {
		return Transition{}, false
	}
	from := m.Status
	m.Status = next
	return Transition{
		ModelID:      m.ID,
		TaskID:       m.TaskID,
		Name:         m.Name,
		From:         from,
		To:           next,
		Stage:        m.Stage,
		ErrorMessage: m.ErrorMessage,
		At:           at.UTC(),
	}, true
}

// Transition records one status change of a model.
type Transition struct {
	ModelID      string    `json:"model_id"`
	TaskID       string    `json:"task_id"`
	Name         string    `json:"name"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Stage        string    `json:"stage,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Changed reports whether the transition moved the status.
func (t Transition) Changed() bool {
	return t.From != t.To
}
