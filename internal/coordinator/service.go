// Package coordinator owns the process loop: it routes inbound agent
// envelopes to the registry and scheduler, matches due tasks to live,
// role-capable agents, dispatches execution requests, and is the only
// component directly driving external side effects.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/BRafols/tribal-wars/internal/clock"
	"github.com/BRafols/tribal-wars/internal/domain"
	"github.com/BRafols/tribal-wars/internal/farm"
	"github.com/BRafols/tribal-wars/internal/registry"
	"github.com/BRafols/tribal-wars/internal/scheduler"
)

// State store keys. Each component's snapshot lives under its own key so a
// reload reads only what it needs.
const (
	stateKeyRegistry  = "registry/agents"
	stateKeyScheduler = "scheduler/state"
	stateKeyFarm      = "farm/state"
	stateKeyRunning   = "coordinator/running"
)

const activityCap = 64

type Store interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
}

type Bus interface {
	Register(id string) <-chan domain.Envelope
	Unregister(id string)
	Publish(env domain.Envelope) error
}

// Launcher opens a new execution context for the given role, positioned at
// that role's target screen in the given world. Optional.
type Launcher interface {
	Launch(ctx context.Context, role domain.Role, worldID string) (string, error)
}

// Notifier delivers fire-and-forget user-visible alerts. Optional.
type Notifier interface {
	Notify(title, message string)
}

// TargetSource supplies the farm targets visible from a source village,
// refreshed each scheduling pass. Optional; without one the farm producer is
// inert.
type TargetSource interface {
	Targets(ctx context.Context, source farm.Source) ([]domain.FarmTarget, error)
}

type Config struct {
	TickInterval        time.Duration
	MaintenanceInterval time.Duration
	FarmInterval        time.Duration
	DispatchTimeout     time.Duration
	AgentDeadThreshold  time.Duration
	FarmTaskPriority    int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.FarmInterval <= 0 {
		c.FarmInterval = time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.AgentDeadThreshold <= 0 {
		c.AgentDeadThreshold = 2 * time.Minute
	}
	if c.FarmTaskPriority <= 0 {
		c.FarmTaskPriority = 5
	}
	return c
}

type Deps struct {
	Store     Store
	Bus       Bus
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Engine    *farm.Engine
	Launcher  Launcher
	Notifier  Notifier
	Targets   TargetSource
	Clock     clock.Clock
}

// inflightDispatch tracks the single task currently awaiting an agent
// response.
type inflightDispatch struct {
	taskID   string
	agentID  string
	planID   string
	deadline time.Time
}

type Service struct {
	store     Store
	bus       Bus
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	engine    *farm.Engine
	launcher  Launcher
	notifier  Notifier
	targets   TargetSource
	clock     clock.Clock
	cfg       Config
	logger    *log.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	running  bool
	inflight *inflightDispatch
	activity []domain.LogEntry
	launches map[domain.Role]time.Time
}

func New(d Deps, cfg Config, logger *log.Logger) *Service {
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:     d.Store,
		bus:       d.Bus,
		registry:  d.Registry,
		scheduler: d.Scheduler,
		engine:    d.Engine,
		launcher:  d.Launcher,
		notifier:  d.Notifier,
		targets:   d.Targets,
		clock:     d.Clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		launches:  make(map[domain.Role]time.Time),
	}
}

// Init rehydrates the registry, the task queue and the farm state from the
// persistent store. The running flag is always reset to stopped on cold
// start, whatever was persisted. Store failures degrade to an empty state;
// in-memory state is authoritative until the next successful flush.
func (s *Service) Init(ctx context.Context) error {
	values, err := s.store.Get(ctx, stateKeyRegistry, stateKeyScheduler, stateKeyFarm)
	if err != nil {
		s.logger.Printf("state reload failed, starting empty: %v", err)
		return nil
	}
	if data, ok := values[stateKeyRegistry]; ok {
		if err := s.registry.RestoreState(data); err != nil {
			s.logger.Printf("registry restore failed: %v", err)
		}
	}
	if data, ok := values[stateKeyScheduler]; ok {
		if err := s.scheduler.RestoreState(data); err != nil {
			s.logger.Printf("scheduler restore failed: %v", err)
		}
	}
	if data, ok := values[stateKeyFarm]; ok {
		if err := s.engine.RestoreState(data); err != nil {
			s.logger.Printf("farm restore failed: %v", err)
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Printf("coordinator state reloaded, running flag reset to stopped")
	return nil
}

// Start launches the processing, maintenance, farm and inbox loops.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		s.tickLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.farmLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.inboxLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// Destroy flushes the final state snapshot.
func (s *Service) Destroy(ctx context.Context) {
	s.persist(ctx)
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) SetRunning(enabled bool) {
	s.mu.Lock()
	s.running = enabled
	s.mu.Unlock()
	if enabled {
		s.logActivity("running", "coordinator started")
	} else {
		s.logActivity("running", "coordinator stopped")
	}
}

// CancelTasksByType drops every queued task of the given type, used when a
// feature is disabled. In-flight work is not interrupted, only prevented
// from scheduling follow-ups.
func (s *Service) CancelTasksByType(taskType domain.TaskType) int {
	removed := s.scheduler.CancelByType(taskType)
	if removed > 0 {
		s.logActivity("tasks_canceled", fmt.Sprintf("%d %s tasks canceled", removed, taskType))
	}
	return removed
}

func (s *Service) CancelTasksByVillage(villageID string) int {
	removed := s.scheduler.CancelByVillage(villageID)
	if removed > 0 {
		s.logActivity("tasks_canceled", fmt.Sprintf("%d tasks canceled for village %s", removed, villageID))
	}
	return removed
}

func (s *Service) CancelTask(taskID string) bool {
	return s.scheduler.Cancel(taskID)
}

// Snapshot assembles the dashboard view.
func (s *Service) Snapshot() domain.Snapshot {
	agents := s.registry.Agents()
	tasks := s.scheduler.Tasks()
	if len(tasks) > 10 {
		tasks = tasks[:10]
	}

	s.mu.Lock()
	running := s.running
	activity := make([]domain.LogEntry, 0, 20)
	for i := len(s.activity) - 1; i >= 0 && len(activity) < 20; i-- {
		activity = append(activity, s.activity[i])
	}
	s.mu.Unlock()

	status := "disconnected"
	if len(agents) > 0 {
		status = "connected"
	}
	return domain.Snapshot{
		Running:          running,
		ConnectionStatus: status,
		Tasks:            tasks,
		ActivityLog:      activity,
		Agents:           agents,
	}
}

// Schedule queues a task on behalf of an external caller.
func (s *Service) Schedule(spec scheduler.Spec) domain.Task {
	return s.scheduler.Schedule(spec)
}

func (s *Service) Task(taskID string) (domain.Task, bool) {
	return s.scheduler.Task(taskID)
}

func (s *Service) Tasks() []domain.Task {
	return s.scheduler.Tasks()
}

func (s *Service) Agents() []domain.Agent {
	return s.registry.Agents()
}

func (s *Service) PendingPlans() []domain.AttackPlan {
	return s.engine.PendingPlans()
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

// tickOnce drives the per-task state machine one step: expire a timed-out
// dispatch, then match the next due task to an agent. All outgoing actions
// funnel through here one at a time.
func (s *Service) tickOnce(ctx context.Context) {
	s.expireInflight()

	if !s.Running() {
		return
	}
	s.mu.Lock()
	busy := s.inflight != nil
	s.mu.Unlock()
	if busy {
		return
	}

	task, ok := s.scheduler.NextTask()
	if !ok {
		return
	}

	role := task.Type.RequiredRole()
	agent, found := s.registry.FindAgentForRole(role, task.VillageID)
	if !found && task.VillageID != "" {
		agent, found = s.registry.FindAgentForRole(role, "")
	}
	if !found {
		// No live, role-capable agent: request a new one rather than
		// failing the task. The task stays queued either way.
		s.maybeLaunch(ctx, role)
		return
	}

	s.dispatch(task, agent)
}

func (s *Service) dispatch(task domain.Task, agent domain.Agent) {
	if err := s.scheduler.MarkProcessing(task.ID); err != nil {
		s.logger.Printf("mark processing task=%s: %v", task.ID, err)
		return
	}

	planID := planIDFromPayload(task.Payload)
	env := domain.Envelope{
		Type:    domain.EnvelopeTaskExecute,
		To:      agent.ID,
		AgentID: agent.ID,
		Task:    &task,
		SentAt:  s.clock.Now(),
	}
	if err := s.bus.Publish(env); err != nil {
		// Agent unreachable is handled identically to an agent-reported
		// failure: it consumes a retry.
		s.failTask(domain.TaskResult{TaskID: task.ID, Error: "dispatch: " + err.Error()}, planID)
		return
	}

	s.mu.Lock()
	s.inflight = &inflightDispatch{
		taskID:   task.ID,
		agentID:  agent.ID,
		planID:   planID,
		deadline: s.clock.Now().Add(s.cfg.DispatchTimeout),
	}
	s.mu.Unlock()
	s.logActivity("task_dispatched", fmt.Sprintf("%s task %s -> agent %s", task.Type, task.ID, agent.ID))
}

// expireInflight converts a timed-out dispatch into a failure, consuming a
// retry instead of blocking the queue indefinitely.
func (s *Service) expireInflight() {
	s.mu.Lock()
	current := s.inflight
	if current == nil || s.clock.Now().Before(current.deadline) {
		s.mu.Unlock()
		return
	}
	s.inflight = nil
	s.mu.Unlock()

	s.logActivity("task_timeout", fmt.Sprintf("task %s timed out waiting for agent %s", current.taskID, current.agentID))
	s.failTask(domain.TaskResult{TaskID: current.taskID, Error: "agent response timeout"}, current.planID)
}

// HandleEnvelope processes one inbound agent message. Handlers are
// idempotent and never propagate failures: unknown ids are logged and
// ignored.
func (s *Service) HandleEnvelope(ctx context.Context, env domain.Envelope) {
	switch env.Type {
	case domain.EnvelopeRegister:
		info := domain.AgentInfo{}
		if env.Info != nil {
			info = *env.Info
		}
		agent := s.registry.Register(env.AgentID, info)
		s.logActivity("agent_registered", fmt.Sprintf("agent %s role=%s", agent.ID, agent.Role))
	case domain.EnvelopeHeartbeat:
		info := domain.AgentInfo{}
		if env.Info != nil {
			info = *env.Info
		}
		s.registry.Heartbeat(env.AgentID, info)
	case domain.EnvelopeUnregister:
		s.registry.Unregister(env.AgentID)
		s.logActivity("agent_unregistered", fmt.Sprintf("agent %s", env.AgentID))
	case domain.EnvelopeTaskComplete:
		if env.Result == nil {
			return
		}
		s.completeTask(*env.Result)
	case domain.EnvelopeTaskFailed:
		if env.Result == nil {
			return
		}
		result := *env.Result
		if result.Error == "" {
			result.Error = env.Error
		}
		task, _ := s.scheduler.Task(result.TaskID)
		s.failTask(result, planIDFromPayload(task.Payload))
	case domain.EnvelopeErrorReport:
		s.logActivity("agent_error", fmt.Sprintf("agent %s: %s", env.AgentID, env.Error))
		if s.notifier != nil {
			s.notifier.Notify("agent error", env.Error)
		}
	default:
		s.logger.Printf("unhandled envelope type %s from %s", env.Type, env.AgentID)
	}
}

func (s *Service) completeTask(result domain.TaskResult) {
	s.clearInflight(result.TaskID)

	task, known := s.scheduler.Task(result.TaskID)
	follow, ok := s.scheduler.Complete(result)
	if !ok || !known {
		// Stale or duplicated completion: log and ignore, never fatal.
		s.logger.Printf("completion for unknown task %s ignored", result.TaskID)
		return
	}

	if planID := planIDFromPayload(task.Payload); planID != "" {
		if _, err := s.engine.ConfirmSent(planID, travelFromResult(result)); err != nil {
			s.logger.Printf("confirm plan %s: %v", planID, err)
		}
	}

	detail := fmt.Sprintf("%s task %s completed", task.Type, task.ID)
	if follow != nil {
		detail += fmt.Sprintf(", follow-up at %s", follow.ScheduledAt.Format(time.RFC3339))
	}
	s.logActivity("task_completed", detail)
}

func (s *Service) failTask(result domain.TaskResult, planID string) {
	s.clearInflight(result.TaskID)

	retried, terminal, ok := s.scheduler.Fail(result)
	if !ok {
		s.logger.Printf("failure for unknown task %s ignored", result.TaskID)
		return
	}

	// Roll back the plan's optimistic arrival so the target becomes
	// contestable again. A later successful retry re-registers it through
	// ConfirmSent.
	if planID != "" {
		if _, err := s.engine.Fail(planID); err != nil {
			s.logger.Printf("roll back plan %s: %v", planID, err)
		}
	}

	switch {
	case retried:
		s.logActivity("task_retry", fmt.Sprintf("task %s will retry: %s", result.TaskID, result.Error))
	case terminal != nil:
		s.logActivity("task_failed", fmt.Sprintf("%s task %s failed permanently: %s", terminal.Type, terminal.ID, result.Error))
		if s.notifier != nil {
			s.notifier.Notify("task failed", fmt.Sprintf("%s task for village %s gave up after %d retries: %s",
				terminal.Type, terminal.VillageID, terminal.MaxRetries, result.Error))
		}
	}
}

func (s *Service) clearInflight(taskID string) {
	s.mu.Lock()
	if s.inflight != nil && s.inflight.taskID == taskID {
		s.inflight = nil
	}
	s.mu.Unlock()
}

// maybeLaunch asks the launcher for a fresh agent for the role, at most once
// per dead-threshold window. A template agent is needed to derive the world
// to open; without one the task just stays queued until an agent appears.
func (s *Service) maybeLaunch(ctx context.Context, role domain.Role) {
	if s.launcher == nil {
		return
	}

	s.mu.Lock()
	if last, ok := s.launches[role]; ok && s.clock.Now().Sub(last) < s.cfg.AgentDeadThreshold {
		s.mu.Unlock()
		return
	}
	s.launches[role] = s.clock.Now()
	s.mu.Unlock()

	agents := s.registry.Agents()
	if len(agents) == 0 {
		return
	}
	worldID := agents[0].WorldID

	id, err := s.launcher.Launch(ctx, role, worldID)
	if err != nil {
		s.logger.Printf("launch agent for role %s: %v", role, err)
		return
	}
	s.logActivity("agent_launch", fmt.Sprintf("requested %s agent %s in world %s", role, id, worldID))
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maintenanceOnce(ctx)
		}
	}
}

func (s *Service) maintenanceOnce(ctx context.Context) {
	removed := s.registry.SweepStale(s.cfg.AgentDeadThreshold)
	for _, id := range removed {
		s.logActivity("agent_purged", fmt.Sprintf("agent %s missed heartbeats", id))
	}
	s.engine.Cleanup()
	s.persist(ctx)
}

func (s *Service) farmLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.farmOnce(ctx)
		}
	}
}

// farmOnce is the scheduling producer: one pass per live farm agent over its
// target list, turning the engine's plans into queued tasks.
func (s *Service) farmOnce(ctx context.Context) {
	if !s.Running() || s.targets == nil {
		return
	}

	for _, agent := range s.registry.Agents() {
		if agent.Role != domain.RoleFarm || !agent.Visible {
			continue
		}
		source := farm.Source{AgentID: agent.ID, VillageID: agent.VillageID}
		targets, err := s.targets.Targets(ctx, source)
		if err != nil {
			s.logger.Printf("load targets for %s: %v", agent.ID, err)
			continue
		}
		plans := s.engine.CheckAndSchedule(source, targets)
		for _, plan := range plans {
			s.scheduler.Schedule(scheduler.Spec{
				Type:        domain.TaskTypeFarm,
				VillageID:   plan.SourceVillageID,
				WorldID:     agent.WorldID,
				Priority:    s.cfg.FarmTaskPriority,
				ScheduledAt: plan.SendAt,
				Payload: map[string]any{
					"plan_id": plan.ID,
					"target":  plan.Target.String(),
					"profile": plan.ProfileID,
				},
			})
		}
		if len(plans) > 0 {
			s.logActivity("plans_created", fmt.Sprintf("%d attack plans from agent %s", len(plans), agent.ID))
		}
	}
}

func (s *Service) inboxLoop(ctx context.Context) {
	ch := s.bus.Register(domain.CoordinatorID)
	defer s.bus.Unregister(domain.CoordinatorID)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			s.HandleEnvelope(ctx, env)
		}
	}
}

// persist flushes the current snapshots. Failures are logged only: the
// in-memory state stays authoritative until the next successful flush.
func (s *Service) persist(ctx context.Context) {
	values := make(map[string][]byte, 4)

	if data, err := s.registry.MarshalState(); err == nil {
		values[stateKeyRegistry] = data
	} else {
		s.logger.Printf("persist registry: %v", err)
	}
	if data, err := s.scheduler.MarshalState(); err == nil {
		values[stateKeyScheduler] = data
	} else {
		s.logger.Printf("persist scheduler: %v", err)
	}
	if data, err := s.engine.MarshalState(); err == nil {
		values[stateKeyFarm] = data
	} else {
		s.logger.Printf("persist farm: %v", err)
	}
	if data, err := json.Marshal(s.Running()); err == nil {
		values[stateKeyRunning] = data
	}

	if err := s.store.Set(ctx, values); err != nil {
		s.logger.Printf("persist state: %v", err)
	}
}

func (s *Service) logActivity(kind, detail string) {
	entry := domain.LogEntry{At: s.clock.Now(), Kind: kind, Detail: detail}

	s.mu.Lock()
	s.activity = append(s.activity, entry)
	if len(s.activity) > activityCap {
		s.activity = s.activity[len(s.activity)-activityCap:]
	}
	s.mu.Unlock()

	s.logger.Printf("%s: %s", kind, detail)
}

func planIDFromPayload(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if id, ok := payload["plan_id"].(string); ok {
		return id
	}
	return ""
}

// travelFromResult reads the agent-measured travel time, in milliseconds,
// from the result data. Zero means "keep the computed estimate".
func travelFromResult(result domain.TaskResult) time.Duration {
	if result.Data == nil {
		return 0
	}
	if ms, ok := result.Data["travel_ms"].(float64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}
