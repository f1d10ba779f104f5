package queue

import "time"

// EventKind names a registry change observers can react to.
type EventKind string

const (
	// EventStatusChanged fires for every accepted status step, including
	// stage-only refreshes while processing.
	EventStatusChanged EventKind = "status_changed"
	// EventArtifactReady fires once the artifact is on disk and plyPath is persisted.
	EventArtifactReady EventKind = "artifact_ready"
	EventDeleted       EventKind = "deleted"
	// EventPruned fires for completed models dropped at load because their artifact vanished.
	EventPruned EventKind = "pruned"
)

// Event describes one registry change. Transition is populated for
// EventStatusChanged only.
type Event struct {
	Kind       EventKind  `json:"kind"`
	Model      Model      `json:"model"`
	Transition Transition `json:"transition"`
	At         time.Time  `json:"at"`
}
