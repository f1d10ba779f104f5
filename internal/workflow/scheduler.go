package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gsscan/internal/logging"
	"gsscan/internal/services"
)

// DefaultPollInterval is used when the scheduler is built with a non-positive interval.
const DefaultPollInterval = 2 * time.Second

// PollFunc performs one status check for taskID. generation identifies the
// scheduler entry that issued the tick so late results can be discarded.
type PollFunc func(ctx context.Context, taskID string, generation uint64)

type pollEntry struct {
	generation uint64
	cancel     context.CancelFunc
}

// Scheduler runs at most one periodic status check per task id.
//
// Stopping an entry only prevents future ticks. A tick already in flight is
// allowed to finish; its generation no longer matches, so Current reports
// false and the caller drops the result.
type Scheduler struct {
	interval time.Duration
	poll     PollFunc
	logger   *slog.Logger

	// base outlives individual entries; it is canceled by Close so in-flight
	// requests abort on shutdown rather than on Stop.
	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	entries map[string]pollEntry
	nextGen uint64
	closed  bool
	wg      sync.WaitGroup
}

// NewScheduler constructs a scheduler that calls poll every interval per task.
func NewScheduler(interval time.Duration, poll PollFunc, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval:   interval,
		poll:       poll,
		logger:     logging.NewComponentLogger(logger, "scheduler"),
		base:       base,
		cancelBase: cancel,
		entries:    make(map[string]pollEntry),
	}
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins polling taskID. It returns false without side effects when an
// entry for taskID is already running or the scheduler is closed.
func (s *Scheduler) Start(taskID string) bool {
	if taskID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, running := s.entries[taskID]; running {
		return false
	}
	s.nextGen++
	gen := s.nextGen
	ctx, cancel := context.WithCancel(s.base)
	s.entries[taskID] = pollEntry{generation: gen, cancel: cancel}
	s.wg.Add(1)
	go s.run(ctx, taskID, gen)

	s.logger.Debug("poll started",
		logging.String(logging.FieldTaskID, taskID),
		logging.Duration("interval", s.interval),
	)
	return true
}

// Stop cancels future ticks for taskID and reports whether an entry existed.
// It does not wait for an in-flight tick.
func (s *Scheduler) Stop(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[taskID]
	if !ok {
		return false
	}
	delete(s.entries, taskID)
	entry.cancel()
	s.logger.Debug("poll stopped", logging.String(logging.FieldTaskID, taskID))
	return true
}

// Active reports whether taskID currently has a running entry.
func (s *Scheduler) Active(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

// Current reports whether generation is still the live entry for taskID.
func (s *Scheduler) Current(taskID string, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[taskID]
	return ok && entry.generation == generation
}

// Len returns the number of running entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TaskIDs returns the task ids with running entries.
func (s *Scheduler) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every entry, cancels in-flight ticks, and waits for all poll
// goroutines to exit. Start fails afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, entry := range s.entries {
		entry.cancel()
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.cancelBase()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, taskID string, gen uint64) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tickCtx := services.WithTaskID(s.base, taskID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Current(taskID, gen) {
				return
			}
			s.poll(tickCtx, taskID, gen)
		}
	}
}
