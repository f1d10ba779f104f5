// Package config loads, normalizes, and validates gsscan configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// GSSCAN_SERVER_URL. Paths that are not set explicitly are derived from the
// data directory so the registry document, artifacts, journal, and logs live
// together by default.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
