// Package journal keeps an append-only SQLite history of model lifecycle
// events. The JSON registry only holds each model's latest state; the journal
// answers "what happened to this scan and when", including models that were
// deleted or pruned since.
package journal
