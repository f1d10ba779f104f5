// Package logs reads the gsscan log file for `gsscan logs`.
//
// Last returns the final N lines (optionally filtered to one task or model),
// and Follow streams lines appended after an offset until the context ends.
// Both keep memory bounded regardless of file size.
package logs
