// Package services defines shared utilities consumed by the workflow registry
// and the external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, model IDs, and correlation
//     identifiers for logging.
//   - The error taxonomy (client validation, transport, malformed response,
//     server-reported, not-found) plus the Wrap helper that tags failures with
//     a sentinel for errors.Is classification.
//
// Use these helpers when wiring new integrations so error handling and
// observability stay uniform across the client.
package services
