package preflight

import (
	"context"

	"gsscan/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// server may be nil, in which case the server check is skipped.
func RunAll(ctx context.Context, cfg *config.Config, server HealthChecker) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Artifacts directory", cfg.Paths.ArtifactsDir),
	}

	if server != nil {
		results = append(results, CheckServer(ctx, server))
	}

	if cfg.Events.Enabled {
		results = append(results, CheckBrokers(ctx, cfg.Events.Brokers))
	}

	if cfg.Mirror.Enabled {
		results = append(results, CheckMirrorConfig(cfg))
	}

	return results
}

// Failed returns the subset of results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
