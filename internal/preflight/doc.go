// Package preflight provides readiness checks for the reconstruction service
// and the filesystem paths gsscan depends on.
//
// These checks run in two contexts:
//   - "gsscan watch" calls RunAll before it starts polling so a dead server or
//     an unwritable artifacts directory is reported up front.
//   - "gsscan status" prints every Result as a table.
//
// Optional integrations (event stream, artifact mirror) are checked only when
// enabled in config.
package preflight
