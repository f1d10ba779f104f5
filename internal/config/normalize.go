package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeMirror()
	c.normalizeEvents()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	derived := []struct {
		key   string
		value *string
		name  string
	}{
		{"paths.artifacts_dir", &c.Paths.ArtifactsDir, artifactsDirName},
		{"paths.log_dir", &c.Paths.LogDir, logDirName},
		{"paths.registry_file", &c.Paths.RegistryFile, registryFileName},
		{"paths.journal_file", &c.Paths.JournalFile, journalFileName},
	}
	for _, entry := range derived {
		if strings.TrimSpace(*entry.value) == "" {
			*entry.value = filepath.Join(c.Paths.DataDir, entry.name)
		}
		if *entry.value, err = expandPath(*entry.value); err != nil {
			return fmt.Errorf("%s: %w", entry.key, err)
		}
	}
	return nil
}

func (c *Config) normalizeServer() {
	if value, ok := os.LookupEnv("GSSCAN_SERVER_URL"); ok && strings.TrimSpace(value) != "" {
		c.Server.BaseURL = value
	}
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = defaultBaseURL
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = defaultRequestTimeout
	}
	if c.Server.ResourceTimeout <= 0 {
		c.Server.ResourceTimeout = defaultResourceTimeout
	}
	if c.Server.MaxUploadMiB <= 0 {
		c.Server.MaxUploadMiB = defaultMaxUploadMiB
	}
	if c.Polling.IntervalSeconds <= 0 {
		c.Polling.IntervalSeconds = defaultPollInterval
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeMirror() {
	c.Mirror.Endpoint = strings.TrimSpace(c.Mirror.Endpoint)
	c.Mirror.AccessKey = strings.TrimSpace(c.Mirror.AccessKey)
	if value, ok := os.LookupEnv("GSSCAN_MIRROR_SECRET_KEY"); ok && strings.TrimSpace(value) != "" {
		c.Mirror.SecretKey = value
	}
	c.Mirror.SecretKey = strings.TrimSpace(c.Mirror.SecretKey)
	c.Mirror.Bucket = strings.TrimSpace(c.Mirror.Bucket)
	if c.Mirror.Bucket == "" {
		c.Mirror.Bucket = defaultMirrorBucket
	}
}

func (c *Config) normalizeEvents() {
	brokers := make([]string, 0, len(c.Events.Brokers))
	for _, broker := range c.Events.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Events.Brokers = brokers
	c.Events.Topic = strings.TrimSpace(c.Events.Topic)
	if c.Events.Topic == "" {
		c.Events.Topic = defaultEventsTopic
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
