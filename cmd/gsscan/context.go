package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"gsscan/internal/config"
	"gsscan/internal/events"
	"gsscan/internal/journal"
	"gsscan/internal/logging"
	"gsscan/internal/mirror"
	"gsscan/internal/notifications"
	"gsscan/internal/queue"
	"gsscan/internal/services/recon"
	"gsscan/internal/workflow"
)

const instanceLockName = "gsscan.lock"

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) loggerValue() *slog.Logger {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.logger = logging.NewNop()
			return
		}
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			c.logger = logging.NewNop()
			return
		}
		c.logger = logger
	})
	return c.logger
}

func (c *commandContext) client() (*recon.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return recon.NewFromConfig(cfg)
}

func (c *commandContext) store() (*queue.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return queue.Open(cfg, c.loggerValue())
}

// loadModels reads the persisted registry without starting any polling.
// Read-only commands may run beside a watcher, so the document is decoded
// as stored and never pruned or rewritten here.
func (c *commandContext) loadModels(ctx context.Context) ([]queue.Model, error) {
	store, err := c.store()
	if err != nil {
		return nil, err
	}
	return store.Read(ctx)
}

// lockInstance takes the exclusive per-data-directory lock held by every
// command that mutates the registry.
func (c *commandContext) lockInstance() (func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.Paths.DataDir, instanceLockName)
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another gsscan process owns %s; stop `gsscan watch` first", cfg.Paths.DataDir)
	}
	return func() { _ = lock.Unlock() }, nil
}

type session struct {
	registry *workflow.Registry
	client   *recon.Client
	closers  []io.Closer
	unlock   func()
}

func (s *session) Close() {
	if s.registry != nil {
		s.registry.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	if s.unlock != nil {
		s.unlock()
	}
}

// openSession locks the instance, builds the observer chain from config, and
// opens a registry. Callers must Close the session.
func (c *commandContext) openSession(ctx context.Context, extra ...workflow.Observer) (*session, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := c.loggerValue()

	unlock, err := c.lockInstance()
	if err != nil {
		return nil, err
	}
	s := &session{unlock: unlock}

	client, err := recon.NewFromConfig(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = client

	store, err := queue.Open(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	observers, closers, err := buildObservers(ctx, cfg, logger)
	s.closers = closers
	if err != nil {
		s.Close()
		return nil, err
	}
	observers = append(observers, extra...)

	s.registry = workflow.NewRegistryFromConfig(cfg, client, store, logger, workflow.WithObservers(observers...))
	if err := s.registry.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func buildObservers(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]workflow.Observer, []io.Closer, error) {
	var observers []workflow.Observer
	var closers []io.Closer

	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg)
		if err != nil {
			return observers, closers, fmt.Errorf("open journal: %w", err)
		}
		observers = append(observers, store)
		closers = append(closers, store)
	}

	publisher, err := events.NewFromConfig(cfg)
	if err != nil {
		return observers, closers, err
	}
	if publisher != nil {
		observers = append(observers, publisher)
		closers = append(closers, publisher)
	}

	m, err := mirror.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return observers, closers, err
	}
	if m != nil {
		observers = append(observers, m)
	}

	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		observers = append(observers, notifications.NewService(cfg))
	}
	return observers, closers, nil
}

// resolveModel finds a model by id, task id, or unique id prefix.
func resolveModel(models []queue.Model, ref string) (queue.Model, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return queue.Model{}, errors.New("model id is required")
	}
	var matches []queue.Model
	for _, model := range models {
		if model.ID == ref || model.TaskID == ref {
			return model, nil
		}
		if strings.HasPrefix(model.ID, ref) {
			matches = append(matches, model)
		}
	}
	switch len(matches) {
	case 0:
		return queue.Model{}, fmt.Errorf("%w: %s", workflow.ErrModelNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return queue.Model{}, fmt.Errorf("model reference %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
