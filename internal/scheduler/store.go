package scheduler

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"microclaw/host/internal/logging"
)

// ContextMode selects how much conversational context a task's prompt
// carries when it fires.
type ContextMode string

const (
	ContextModeNone    ContextMode = "none"
	ContextModeRecent  ContextMode = "recent"
	ContextModeFull    ContextMode = "full"
)

// Status is the lifecycle state of a scheduled task.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
)

// Task mirrors the `scheduled_tasks` table described in §6. Dates are RFC
// 3339 UTC, matching the wire/storage convention used elsewhere in this
// module.
type Task struct {
	ID           string       `json:"id"`
	GroupFolder  string       `json:"group_folder"`
	ChatJID      string       `json:"chat_jid"`
	Prompt       string       `json:"prompt"`
	ScheduleType ScheduleType `json:"schedule_type"`
	ScheduleValue string      `json:"schedule_value"`
	NextRun      *time.Time   `json:"next_run,omitempty"`
	Status       Status       `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	ContextMode  ContextMode  `json:"context_mode"`
	LastRun      *time.Time   `json:"last_run,omitempty"`
	LastResult   string       `json:"last_result,omitempty"`
}

// Store persists scheduled tasks to a single JSON file, rewriting the whole
// file synchronously after every mutation; there is no background flush loop.
type Store struct {
	mu   sync.RWMutex
	path string
	now  func() time.Time
	log  *logging.Logger

	tasks map[string]*Task
	order []string
}

// StoreOption configures a Store at construction.
type StoreOption func(*Store)

// WithStoreClock overrides the store's time source, for deterministic tests.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore loads (or creates) a task store backed by the file at path.
func NewStore(path string, logger *logging.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	s := &Store{
		path:  path,
		now:   time.Now,
		log:   logger,
		tasks: make(map[string]*Task),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		s.tasks[task.ID] = task
		s.order = append(s.order, task.ID)
	}
	return nil
}

// Put inserts or replaces a task.
func (s *Store) Put(task *Task) error {
	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; !exists {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return s.flush()
}

// DueTasks returns active tasks with next_run <= now, ordered ascending by
// next_run.
func (s *Store) DueTasks(now time.Time) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*Task, 0)
	for _, id := range s.order {
		task := s.tasks[id]
		if task.Status != StatusActive || task.NextRun == nil {
			continue
		}
		if task.NextRun.After(now) {
			continue
		}
		due = append(due, task)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(*due[j].NextRun) })
	return due
}

// UpdateTaskAfterRun persists the outcome of a firing: the next scheduled
// run (nil for a Once task that will not recur), the result summary, and the
// run timestamp.
func (s *Store) UpdateTaskAfterRun(id string, nextRun *time.Time, lastResult string, lastRun time.Time) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return errors.New("scheduler: unknown task id")
	}
	task.NextRun = nextRun
	task.LastResult = lastResult
	task.LastRun = &lastRun
	if nextRun == nil {
		task.Status = StatusComplete
	}
	s.mu.Unlock()
	return s.flush()
}

// RecordRunResult persists the actual outcome of a sandboxed execution,
// independent of the next_run/status advance UpdateTaskAfterRun performs at
// enqueue time. Called once the run has actually finished.
func (s *Store) RecordRunResult(id, lastResult string, lastRun time.Time) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return errors.New("scheduler: unknown task id")
	}
	task.LastResult = lastResult
	task.LastRun = &lastRun
	s.mu.Unlock()
	return s.flush()
}

func (s *Store) flush() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		tasks = append(tasks, s.tasks[id])
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.log.Error("failed to persist scheduler tasks", logging.Error(err))
		return err
	}
	return nil
}
