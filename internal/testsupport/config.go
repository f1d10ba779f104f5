package testsupport

import (
	"path/filepath"
	"testing"

	"gsscan/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = base
	cfgVal.Paths.ArtifactsDir = filepath.Join(base, "models")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.RegistryFile = filepath.Join(base, "models.json")
	cfgVal.Paths.JournalFile = filepath.Join(base, "journal.db")
	cfgVal.Server.BaseURL = "http://127.0.0.1:1"
	cfgVal.Polling.IntervalSeconds = 1
	cfgVal.Journal.Enabled = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithServerURL points the config at a fake reconstruction service.
func WithServerURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.BaseURL = url
	}
}

// WithJournal enables the SQLite transition journal.
func WithJournal() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Journal.Enabled = true
	}
}

// WithMaxUploadMiB overrides the per-file upload cap.
func WithMaxUploadMiB(mib int64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.MaxUploadMiB = mib
	}
}

// BaseDir returns the temp root used by NewConfig for cfg.
func BaseDir(cfg *config.Config) string {
	return cfg.Paths.DataDir
}
