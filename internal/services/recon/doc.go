// Package recon talks to the Gaussian-splat reconstruction service.
//
// Client wraps the service's HTTP endpoints: health, video and image uploads,
// per-task status, artifact download, task deletion, and the task listing.
// Short calls use the request timeout; uploads and downloads use the much
// longer resource timeout. Failures are classified with the sentinels in
// package services so callers can branch with errors.Is.
package recon
