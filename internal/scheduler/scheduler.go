// Package scheduler holds the durable priority task queue. It enforces the
// two global gates on outgoing actions: at most one task in flight, and a
// minimum delay between consecutive actions. The min-delay gate is
// anti-detection throttling, not a performance knob, and must stay global.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BRafols/tribal-wars/internal/clock"
	"github.com/BRafols/tribal-wars/internal/domain"
)

type Config struct {
	MinActionDelay    time.Duration
	MaxJitter         time.Duration
	DefaultMaxRetries int

	// Jitter overrides the jitter source, used by tests. Nil means clock.Jitter.
	Jitter func(max time.Duration) time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinActionDelay <= 0 {
		c.MinActionDelay = 10 * time.Second
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = 5 * time.Second
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.Jitter == nil {
		c.Jitter = clock.Jitter
	}
	return c
}

// Spec describes a task to schedule. A zero ScheduledAt means "now"; a zero
// MaxRetries takes the configured default.
type Spec struct {
	Type        domain.TaskType
	VillageID   string
	WorldID     string
	Priority    int
	ScheduledAt time.Time
	MaxRetries  int
	Payload     map[string]any
}

type Scheduler struct {
	mu     sync.Mutex
	clock  clock.Clock
	cfg    Config
	logger *log.Logger

	tasks        map[string]*domain.Task
	processing   string
	lastActionAt time.Time
}

func New(clk clock.Clock, cfg Config, logger *log.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		clock:  clk,
		cfg:    cfg.withDefaults(),
		logger: logger,
		tasks:  make(map[string]*domain.Task),
	}
}

// Schedule appends a new task to the queue and returns it.
func (s *Scheduler) Schedule(spec Spec) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(spec)
}

// ScheduleWithDelay schedules a task at now + delay plus bounded random
// jitter, so recurring work never lands on a perfectly periodic grid.
func (s *Scheduler) ScheduleWithDelay(spec Spec, delay time.Duration) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec.ScheduledAt = s.clock.Now().Add(delay + s.cfg.Jitter(s.cfg.MaxJitter))
	return s.scheduleLocked(spec)
}

func (s *Scheduler) scheduleLocked(spec Spec) domain.Task {
	now := s.clock.Now()
	task := &domain.Task{
		ID:          uuid.NewString(),
		Type:        spec.Type,
		VillageID:   spec.VillageID,
		WorldID:     spec.WorldID,
		ScheduledAt: spec.ScheduledAt,
		Priority:    spec.Priority,
		MaxRetries:  spec.MaxRetries,
		Payload:     spec.Payload,
		CreatedAt:   now,
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = s.cfg.DefaultMaxRetries
	}
	s.tasks[task.ID] = task
	return *task
}

// NextTask returns the highest-priority due task, or false when nothing is
// eligible. No task is eligible while another is processing or while the
// global min-action-delay since the last completed action has not elapsed.
func (s *Scheduler) NextTask() (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing != "" {
		return domain.Task{}, false
	}
	now := s.clock.Now()
	if !s.lastActionAt.IsZero() && now.Sub(s.lastActionAt) < s.cfg.MinActionDelay {
		return domain.Task{}, false
	}

	var best *domain.Task
	for _, task := range s.tasks {
		if task.ScheduledAt.After(now) {
			continue
		}
		if best == nil || taskLess(task, best) {
			best = task
		}
	}
	if best == nil {
		return domain.Task{}, false
	}
	return *best, true
}

// taskLess orders by priority ascending, then scheduled time ascending, then
// id for determinism.
func taskLess(a, b *domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

// MarkProcessing marks the single in-flight task. Only one task may be in
// flight across the whole system at any time.
func (s *Scheduler) MarkProcessing(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing != "" && s.processing != taskID {
		return fmt.Errorf("task %s is already processing", s.processing)
	}
	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	s.processing = taskID
	return nil
}

// Task returns a copy of the queued task, if present.
func (s *Scheduler) Task(taskID string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, false
	}
	return *task, true
}

// Processing reports the in-flight task id, if any.
func (s *Scheduler) Processing() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing, s.processing != ""
}

// Complete removes the task and stamps the global action clock. A result
// carrying NextScheduledAt enqueues a follow-up task of the same type,
// village, world and priority at that time with the result data as payload.
// An unknown task id returns ok=false; the caller logs and moves on.
func (s *Scheduler) Complete(result domain.TaskResult) (followUp *domain.Task, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[result.TaskID]
	if !exists {
		return nil, false
	}
	delete(s.tasks, result.TaskID)
	if s.processing == result.TaskID {
		s.processing = ""
	}
	s.lastActionAt = s.clock.Now()

	if result.NextScheduledAt == nil {
		return nil, true
	}
	next := s.scheduleLocked(Spec{
		Type:        task.Type,
		VillageID:   task.VillageID,
		WorldID:     task.WorldID,
		Priority:    task.Priority,
		ScheduledAt: *result.NextScheduledAt,
		MaxRetries:  task.MaxRetries,
		Payload:     result.Data,
	})
	return &next, true
}

// Fail reschedules the task with linear backoff plus jitter while retries
// remain. Exhausting retries is an expected terminal outcome, not a process
// error: the task is removed for good and returned so the caller can notify.
func (s *Scheduler) Fail(result domain.TaskResult) (retried bool, terminal *domain.Task, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[result.TaskID]
	if !exists {
		return false, nil, false
	}
	if s.processing == result.TaskID {
		s.processing = ""
	}

	if task.RetryCount >= task.MaxRetries {
		delete(s.tasks, result.TaskID)
		gone := *task
		return false, &gone, true
	}

	task.RetryCount++
	backoff := time.Duration(task.RetryCount) * s.cfg.MinActionDelay
	task.ScheduledAt = s.clock.Now().Add(backoff + s.cfg.Jitter(s.cfg.MaxJitter))
	s.logger.Printf("task %s retry %d/%d in %v: %s", task.ID, task.RetryCount, task.MaxRetries, backoff, result.Error)
	return true, nil, true
}

// Cancel removes the task unconditionally.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return false
	}
	delete(s.tasks, taskID)
	if s.processing == taskID {
		s.processing = ""
	}
	return true
}

// CancelByType removes all queued tasks of the given type, used when a
// feature is disabled.
func (s *Scheduler) CancelByType(taskType domain.TaskType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, task := range s.tasks {
		if task.Type != taskType {
			continue
		}
		delete(s.tasks, id)
		if s.processing == id {
			s.processing = ""
		}
		removed++
	}
	return removed
}

// CancelByVillage removes all queued tasks for the given village.
func (s *Scheduler) CancelByVillage(villageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, task := range s.tasks {
		if task.VillageID != villageID {
			continue
		}
		delete(s.tasks, id)
		if s.processing == id {
			s.processing = ""
		}
		removed++
	}
	return removed
}

// Tasks returns the queue ordered by priority then scheduled time.
func (s *Scheduler) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return taskLess(out[i], out[j]) })

	result := make([]domain.Task, 0, len(out))
	for _, task := range out {
		result = append(result, *task)
	}
	return result
}

func (s *Scheduler) LastActionAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActionAt
}

type persistedState struct {
	Tasks        []domain.Task `json:"tasks"`
	LastActionAt time.Time     `json:"last_action_at"`
}

// MarshalState serializes the queue and the global action clock. The
// processing mark is deliberately not persisted: in-flight state always
// resets on cold start.
func (s *Scheduler) MarshalState() ([]byte, error) {
	state := persistedState{
		Tasks:        s.Tasks(),
		LastActionAt: s.LastActionAt(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal scheduler state: %w", err)
	}
	return data, nil
}

// RestoreState rehydrates the queue from a stored snapshot, replacing any
// current contents and clearing the processing mark.
func (s *Scheduler) RestoreState(data []byte) error {
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal scheduler state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*domain.Task, len(state.Tasks))
	for i := range state.Tasks {
		task := state.Tasks[i]
		s.tasks[task.ID] = &task
	}
	s.lastActionAt = state.LastActionAt
	s.processing = ""
	return nil
}
