package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BRafols/tribal-wars/internal/clock"
	"github.com/BRafols/tribal-wars/internal/domain"
	"github.com/BRafols/tribal-wars/internal/farm"
	"github.com/BRafols/tribal-wars/internal/registry"
	"github.com/BRafols/tribal-wars/internal/scheduler"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func noJitter(time.Duration) time.Duration { return 0 }

type memStore struct {
	values  map[string][]byte
	failSet bool
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, key := range keys {
		if value, ok := m.values[key]; ok {
			out[key] = value
		}
	}
	return out, nil
}

func (m *memStore) Set(_ context.Context, values map[string][]byte) error {
	if m.failSet {
		return errors.New("store unavailable")
	}
	for key, value := range values {
		m.values[key] = value
	}
	return nil
}

func (m *memStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

type captureBus struct {
	published []domain.Envelope
	failNext  bool
}

func (b *captureBus) Register(string) <-chan domain.Envelope { return make(chan domain.Envelope) }

func (b *captureBus) Unregister(string) {}

func (b *captureBus) Publish(env domain.Envelope) error {
	if b.failNext {
		b.failNext = false
		return errors.New("agent not registered")
	}
	b.published = append(b.published, env)
	return nil
}

type captureLauncher struct {
	calls []domain.Role
}

func (l *captureLauncher) Launch(_ context.Context, role domain.Role, _ string) (string, error) {
	l.calls = append(l.calls, role)
	return "launched-" + string(role), nil
}

type captureNotifier struct {
	messages []string
}

func (n *captureNotifier) Notify(_, message string) {
	n.messages = append(n.messages, message)
}

type staticTargets struct {
	targets []domain.FarmTarget
}

func (s *staticTargets) Targets(context.Context, farm.Source) ([]domain.FarmTarget, error) {
	return s.targets, nil
}

type fixture struct {
	clk       *fakeClock
	store     *memStore
	bus       *captureBus
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	engine    *farm.Engine
	launcher  *captureLauncher
	notifier  *captureNotifier
	targets   *staticTargets
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		clk:      clk,
		store:    newMemStore(),
		bus:      &captureBus{},
		registry: registry.New(clk, nil),
		scheduler: scheduler.New(clk, scheduler.Config{
			MinActionDelay: 10 * time.Second,
			Jitter:         noJitter,
		}, nil),
		engine: farm.New(clk, farm.Config{
			TargetInterval: 30 * time.Minute,
			UnitSpeeds:     map[string]float64{"light": 10},
			ProfileA:       &domain.AttackProfile{ID: "a", Units: map[string]int{"light": 5}},
		}, nil),
		launcher: &captureLauncher{},
		notifier: &captureNotifier{},
		targets:  &staticTargets{},
	}
	f.service = New(Deps{
		Store:     f.store,
		Bus:       f.bus,
		Registry:  f.registry,
		Scheduler: f.scheduler,
		Engine:    f.engine,
		Launcher:  f.launcher,
		Notifier:  f.notifier,
		Targets:   f.targets,
		Clock:     clk,
	}, Config{DispatchTimeout: 30 * time.Second}, nil)
	return f
}

func (f *fixture) registerAgent(t *testing.T, id, context, villageID string) domain.Agent {
	t.Helper()
	return f.registry.Register(id, domain.AgentInfo{
		Context:   context,
		WorldID:   "en130",
		VillageID: villageID,
		Visible:   true,
	})
}

func TestDispatchAndComplete(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "scavenge", "v1")
	f.service.SetRunning(true)

	task := f.scheduler.Schedule(scheduler.Spec{Type: domain.TaskTypeScavenge, VillageID: "v1", Priority: 1})
	f.service.tickOnce(context.Background())

	if len(f.bus.published) != 1 {
		t.Fatalf("published %d envelopes, want 1", len(f.bus.published))
	}
	env := f.bus.published[0]
	if env.Type != domain.EnvelopeTaskExecute || env.To != "agent-1" {
		t.Fatalf("envelope = %s to %s, want task_execute to agent-1", env.Type, env.To)
	}
	if env.Task == nil || env.Task.ID != task.ID {
		t.Fatalf("envelope carries wrong task")
	}

	// Queue is blocked while the dispatch is in flight.
	f.scheduler.Schedule(scheduler.Spec{Type: domain.TaskTypeScavenge, VillageID: "v1", Priority: 1})
	f.service.tickOnce(context.Background())
	if len(f.bus.published) != 1 {
		t.Fatalf("dispatched a second task while one was in flight")
	}

	f.service.HandleEnvelope(context.Background(), domain.Envelope{
		Type:    domain.EnvelopeTaskComplete,
		AgentID: "agent-1",
		Result:  &domain.TaskResult{TaskID: task.ID, Success: true},
	})
	for _, remaining := range f.scheduler.Tasks() {
		if remaining.ID == task.ID {
			t.Fatalf("completed task still queued")
		}
	}
}

func TestDispatchTimeoutConsumesRetry(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "scavenge", "v1")
	f.service.SetRunning(true)

	task := f.scheduler.Schedule(scheduler.Spec{Type: domain.TaskTypeScavenge, VillageID: "v1", Priority: 1})
	f.service.tickOnce(context.Background())
	if len(f.bus.published) != 1 {
		t.Fatalf("expected initial dispatch")
	}

	f.clk.advance(31 * time.Second)
	f.service.tickOnce(context.Background())

	tasks := f.scheduler.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("queue has %d tasks after timeout, want 1", len(tasks))
	}
	if tasks[0].ID != task.ID || tasks[0].RetryCount != 1 {
		t.Fatalf("task retry count = %d, want 1", tasks[0].RetryCount)
	}
	if _, inFlight := f.scheduler.Processing(); inFlight {
		t.Fatalf("processing mark not cleared after timeout")
	}
}

func TestStoppedCoordinatorDoesNotDispatch(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "scavenge", "v1")

	f.scheduler.Schedule(scheduler.Spec{Type: domain.TaskTypeScavenge, VillageID: "v1", Priority: 1})
	f.service.tickOnce(context.Background())
	if len(f.bus.published) != 0 {
		t.Fatalf("dispatched while stopped")
	}
}

func TestRestartResetsRunningFlagKeepsTasks(t *testing.T) {
	f := newFixture(t)
	f.service.SetRunning(true)
	for i := 0; i < 3; i++ {
		f.scheduler.Schedule(scheduler.Spec{Type: domain.TaskTypeScavenge, VillageID: "v1", Priority: 1})
	}
	f.service.persist(context.Background())

	restarted := newFixture(t)
	restarted.store.values = f.store.values
	if err := restarted.service.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if restarted.service.Running() {
		t.Fatalf("running flag survived restart")
	}
	if got := len(restarted.scheduler.Tasks()); got != 3 {
		t.Fatalf("restored %d tasks, want 3", got)
	}
}

func TestUnknownCompletionIgnored(t *testing.T) {
	f := newFixture(t)
	f.service.HandleEnvelope(context.Background(), domain.Envelope{
		Type:   domain.EnvelopeTaskComplete,
		Result: &domain.TaskResult{TaskID: "nope", Success: true},
	})
	f.service.HandleEnvelope(context.Background(), domain.Envelope{
		Type:   domain.EnvelopeTaskFailed,
		Result: &domain.TaskResult{TaskID: "nope", Error: "boom"},
	})
}

func TestLaunchWhenNoRoleCapableAgent(t *testing.T) {
	f := newFixture(t)
	// Only an overview agent is connected; it supplies the world id.
	f.registerAgent(t, "agent-ov", "overview_villages", "")
	f.service.SetRunning(true)

	f.scheduler.Schedule(scheduler.Spec{Type: domain.TaskTypeFarm, VillageID: "v1", Priority: 1})
	f.service.tickOnce(context.Background())

	if len(f.launcher.calls) != 1 || f.launcher.calls[0] != domain.RoleFarm {
		t.Fatalf("launcher calls = %v, want one farm launch", f.launcher.calls)
	}
	if len(f.bus.published) != 0 {
		t.Fatalf("dispatched without a capable agent")
	}

	// Within the dead threshold the launch is not repeated.
	f.clk.advance(30 * time.Second)
	f.service.tickOnce(context.Background())
	if len(f.launcher.calls) != 1 {
		t.Fatalf("launched again inside the cooldown window")
	}
}

func TestFallbackToAnyVillageAgent(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-other", "scavenge", "v2")
	f.service.SetRunning(true)

	f.scheduler.Schedule(scheduler.Spec{Type: domain.TaskTypeScavenge, VillageID: "v1", Priority: 1})
	f.service.tickOnce(context.Background())

	if len(f.bus.published) != 1 || f.bus.published[0].To != "agent-other" {
		t.Fatalf("expected fallback dispatch to agent-other, got %v", f.bus.published)
	}
}

func TestFarmPassPlansDispatchAndConfirm(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-farm", "am_farm", "v1")
	f.service.SetRunning(true)
	f.targets.targets = []domain.FarmTarget{{
		ID:       "t1",
		Coords:   domain.Coords{X: 500, Y: 500},
		Distance: 3,
		Status:   domain.TargetAvailable,
	}}

	f.service.farmOnce(context.Background())

	plans := f.engine.PendingPlans()
	if len(plans) != 1 {
		t.Fatalf("created %d plans, want 1", len(plans))
	}
	tasks := f.scheduler.Tasks()
	if len(tasks) != 1 || tasks[0].Type != domain.TaskTypeFarm {
		t.Fatalf("expected one queued farm task, got %v", tasks)
	}
	if tasks[0].Payload["plan_id"] != plans[0].ID {
		t.Fatalf("task payload does not reference the plan")
	}

	// Second pass must not duplicate the pending target.
	f.service.farmOnce(context.Background())
	if got := len(f.scheduler.Tasks()); got != 1 {
		t.Fatalf("second pass queued duplicates, %d tasks", got)
	}

	f.service.tickOnce(context.Background())
	if len(f.bus.published) != 1 {
		t.Fatalf("farm task not dispatched")
	}
	f.service.HandleEnvelope(context.Background(), domain.Envelope{
		Type:   domain.EnvelopeTaskComplete,
		Result: &domain.TaskResult{TaskID: tasks[0].ID, Success: true},
	})

	plan, ok := f.engine.Plan(plans[0].ID)
	if !ok || plan.Status != domain.PlanSent {
		t.Fatalf("plan status = %s, want sent", plan.Status)
	}
}

func TestDispatchFailureRollsBackPlan(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-farm", "am_farm", "v1")
	f.service.SetRunning(true)
	target := domain.Coords{X: 500, Y: 500}
	f.targets.targets = []domain.FarmTarget{{
		ID:       "t1",
		Coords:   target,
		Distance: 3,
		Status:   domain.TargetAvailable,
	}}

	f.service.farmOnce(context.Background())
	plans := f.engine.PendingPlans()
	if len(plans) != 1 {
		t.Fatalf("created %d plans, want 1", len(plans))
	}
	if _, claimed := f.engine.NextAllowedArrival(target); !claimed {
		t.Fatalf("arrival not pre-registered")
	}

	f.bus.failNext = true
	f.service.tickOnce(context.Background())

	plan, ok := f.engine.Plan(plans[0].ID)
	if !ok || plan.Status != domain.PlanFailed {
		t.Fatalf("plan status = %s, want failed", plan.Status)
	}
	if _, claimed := f.engine.NextAllowedArrival(target); claimed {
		t.Fatalf("arrival claim not rolled back")
	}
}

func TestTerminalFailureNotifies(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "scavenge", "v1")
	f.service.SetRunning(true)

	task := f.scheduler.Schedule(scheduler.Spec{
		Type: domain.TaskTypeScavenge, VillageID: "v1", Priority: 1, MaxRetries: 1,
	})
	f.service.tickOnce(context.Background())
	f.service.HandleEnvelope(context.Background(), domain.Envelope{
		Type:   domain.EnvelopeTaskFailed,
		Result: &domain.TaskResult{TaskID: task.ID, Error: "captcha"},
	})

	// One retry allowed: dispatch again after the backoff, fail again.
	f.clk.advance(time.Minute)
	f.service.tickOnce(context.Background())
	if len(f.bus.published) != 2 {
		t.Fatalf("expected retry dispatch, published %d", len(f.bus.published))
	}
	f.service.HandleEnvelope(context.Background(), domain.Envelope{
		Type:   domain.EnvelopeTaskFailed,
		Result: &domain.TaskResult{TaskID: task.ID, Error: "captcha"},
	})

	if len(f.notifier.messages) == 0 {
		t.Fatalf("terminal failure produced no notification")
	}
	if got := len(f.scheduler.Tasks()); got != 0 {
		t.Fatalf("terminal task still queued, %d tasks", got)
	}
}

func TestSnapshotBounds(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "scavenge", "v1")
	for i := 0; i < 15; i++ {
		f.scheduler.Schedule(scheduler.Spec{Type: domain.TaskTypeScavenge, VillageID: "v1", Priority: 1})
	}
	for i := 0; i < 30; i++ {
		f.service.logActivity("test", "entry")
	}

	snap := f.service.Snapshot()
	if snap.ConnectionStatus != "connected" {
		t.Fatalf("status = %s, want connected", snap.ConnectionStatus)
	}
	if len(snap.Tasks) != 10 {
		t.Fatalf("snapshot tasks = %d, want 10", len(snap.Tasks))
	}
	if len(snap.ActivityLog) != 20 {
		t.Fatalf("snapshot activity = %d, want 20", len(snap.ActivityLog))
	}
	if snap.Running {
		t.Fatalf("snapshot reports running before start")
	}
}

func TestPersistFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.store.failSet = true
	f.service.persist(context.Background())
	// State stays in memory and serves reads as usual.
	if got := len(f.service.Snapshot().Agents); got != 0 {
		t.Fatalf("unexpected agents: %d", got)
	}
}

var _ clock.Clock = (*fakeClock)(nil)
