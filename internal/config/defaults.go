package config

const (
	defaultDataDir         = "~/.local/share/gsscan"
	defaultBaseURL         = "http://127.0.0.1:5000"
	defaultRequestTimeout  = 60
	defaultResourceTimeout = 600
	defaultMaxUploadMiB    = 500
	defaultIterations      = 7000
	defaultResolution      = 2
	defaultPollInterval    = 2
	defaultNotifyTimeout   = 10
	defaultEventsTopic     = "gsscan.models"
	defaultMirrorBucket    = "gsscan-artifacts"
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"

	artifactsDirName = "models"
	logDirName       = "logs"
	registryFileName = "models.json"
	journalFileName  = "journal.db"
)

// Default returns a Config populated with repository defaults. Paths left empty
// are derived from Paths.DataDir during normalization.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
		},
		Server: Server{
			BaseURL:         defaultBaseURL,
			RequestTimeout:  defaultRequestTimeout,
			ResourceTimeout: defaultResourceTimeout,
			MaxUploadMiB:    defaultMaxUploadMiB,
		},
		Upload: Upload{
			Iterations: defaultIterations,
			Resolution: defaultResolution,
			Fast:       true,
		},
		Polling: Polling{
			IntervalSeconds: defaultPollInterval,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Completed:      true,
			Failed:         true,
		},
		Mirror: Mirror{
			Bucket: defaultMirrorBucket,
			UseSSL: true,
		},
		Events: Events{
			Topic: defaultEventsTopic,
		},
		Journal: Journal{
			Enabled: true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
