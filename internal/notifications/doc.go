// Package notifications pushes model milestones to ntfy.
//
// The Service observes registry events: a model whose artifact has been
// downloaded produces a "ready" notice and a model that failed on the server
// produces a high-priority error notice. Everything else is ignored. When no
// topic is configured NewService returns a no-op implementation so callers can
// register it unconditionally.
package notifications
