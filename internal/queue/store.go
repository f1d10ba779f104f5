package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"gsscan/internal/config"
	"gsscan/internal/logging"
)

const lockRetryDelay = 50 * time.Millisecond

// Store persists the ordered model list as a single JSON document. Writes
// replace the document atomically and hold an exclusive file lock so a CLI
// invocation never observes a half-written registry from a running watcher.
type Store struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger

	// flock treats repeated Lock calls on one handle as re-entrant, so
	// goroutines in this process are serialized separately.
	mu sync.Mutex
}

// Open prepares the registry document location described by cfg.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("queue: config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return NewStore(cfg.Paths.RegistryFile, logger), nil
}

// NewStore returns a Store writing to path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logging.NewComponentLogger(logger, "store"),
	}
}

// Path returns the registry document location.
func (s *Store) Path() string {
	return s.path
}

// Read decodes the registry document without pruning or writing it back.
// A missing document yields an empty list.
func (s *Store) Read(ctx context.Context) ([]Model, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.read()
}

// Load reads the registry document. A missing document yields an empty list.
// Completed models whose recorded artifact is gone from disk are pruned from
// the result and the cleaned list is written back before returning. Completed
// models that never received an artifact are kept so the download can be
// retried.
func (s *Store) Load(ctx context.Context) ([]Model, []Model, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	models, err := s.read()
	if err != nil {
		return nil, nil, err
	}

	kept := models[:0:0]
	var pruned []Model
	for _, model := range models {
		if artifactMissing(model) {
			pruned = append(pruned, model)
			s.logger.Warn("pruning completed model with missing artifact",
				logging.String(logging.FieldModelID, model.ID),
				logging.String(logging.FieldTaskID, model.TaskID),
				logging.String("name", model.Name),
				logging.String("ply_path", model.PlyPath),
			)
			continue
		}
		kept = append(kept, model)
	}

	if len(pruned) > 0 {
		if err := s.write(kept); err != nil {
			return nil, nil, err
		}
	}
	return kept, pruned, nil
}

func artifactMissing(model Model) bool {
	return model.Status == StatusCompleted && model.PlyPath != "" && !ArtifactExists(model.PlyPath)
}

func (s *Store) read() ([]Model, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Model{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var models []Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", s.path, err)
	}
	if models == nil {
		models = []Model{}
	}
	return models, nil
}

// Save atomically overwrites the registry document with models.
func (s *Store) Save(ctx context.Context, models []Model) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(models)
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	ok, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		s.mu.Unlock()
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release registry lock", logging.Error(err))
		}
		s.mu.Unlock()
	}, nil
}

func (s *Store) write(models []Model) error {
	if models == nil {
		models = []Model{}
	}
	data, err := json.MarshalIndent(models, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// ArtifactExists reports whether path names an existing regular file.
func ArtifactExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
