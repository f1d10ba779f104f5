// Package main hosts the gsscan CLI entrypoint and command graph.
//
// The Cobra command tree turns terminal invocations into reconstruction
// service calls and registry operations: submitting videos or photo bursts,
// listing and deleting local models, following jobs until they settle, and
// inspecting the transition journal. Configuration resolution, logger setup,
// and observer wiring live in commandContext so subcommands stay small.
//
// Commands that mutate the registry (submit, delete, path, watch) hold an
// exclusive instance lock so two processes never poll the same document.
package main
