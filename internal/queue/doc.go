// Package queue defines the client-side model registry: the Model record, its
// closed Status lifecycle, and the Store that persists the ordered model list
// as a single JSON document.
//
// Status transitions are monotonic (uploading, queued, processing, then
// completed or failed) and Model.Advance refuses anything else. The Store
// writes the whole document atomically under a file lock and prunes completed
// models whose artifact vanished from disk when loading, re-persisting the
// cleaned list so the corruption does not resurface.
//
// Treat this package as the single source of truth for model semantics; the
// workflow registry is the only component that mutates models.
package queue
