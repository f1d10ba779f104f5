// Package upload encodes reconstruction submissions into multipart payloads.
//
// Encode validates the request before touching the network: photo bursts need
// at least MinBurstImages files and no file may exceed the configured cap.
// The encoded body is spooled to a temporary file so uploads of several
// hundred megabytes carry an exact Content-Length and can be replayed on
// redirect without holding the payload in memory.
package upload
