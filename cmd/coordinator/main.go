package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/BRafols/tribal-wars/internal/agent"
	"github.com/BRafols/tribal-wars/internal/clock"
	"github.com/BRafols/tribal-wars/internal/config"
	"github.com/BRafols/tribal-wars/internal/coordinator"
	"github.com/BRafols/tribal-wars/internal/domain"
	"github.com/BRafols/tribal-wars/internal/farm"
	"github.com/BRafols/tribal-wars/internal/messaging/inproc"
	"github.com/BRafols/tribal-wars/internal/registry"
	"github.com/BRafols/tribal-wars/internal/scheduler"
	sqlitestore "github.com/BRafols/tribal-wars/internal/store/sqlite"
)

type app struct {
	cfg         config.Config
	coordinator *coordinator.Service
	targets     *targetCache
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.tribal-wars/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	demo := flag.Bool("demo", false, "start in-process demo agents and targets")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Coordinator.Addr, ":8190")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Coordinator.DBPath, "data/tribal-wars.db")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := inproc.New(256)
	clk := clock.System()

	reg := registry.New(clk, log.Default())
	sched := scheduler.New(clk, scheduler.Config{
		MinActionDelay:    durationMS(cfg.Coordinator.MinActionDelayMS, 10*time.Second),
		MaxJitter:         durationMS(cfg.Coordinator.MaxJitterMS, 5*time.Second),
		DefaultMaxRetries: intOrDefault(cfg.Coordinator.MaxRetries, 3),
	}, log.Default())
	engine := farm.New(clk, farm.Config{
		TargetInterval:    durationMS(cfg.Farm.TargetIntervalMS, 30*time.Minute),
		ArrivalRetention:  durationMS(cfg.Farm.ArrivalRetentionMS, 24*time.Hour),
		PlanRetention:     durationMS(cfg.Farm.PlanRetentionMS, time.Hour),
		WorldSpeed:        cfg.Farm.WorldSpeed,
		UnitSpeedModifier: cfg.Farm.UnitSpeedModifier,
		UnitSpeeds:        cfg.Farm.UnitMinutesPerField,
		ProfileA:          profileFromUnits("a", cfg.Farm.ProfileAUnits),
		ProfileB:          profileFromUnits("b", cfg.Farm.ProfileBUnits),
	}, log.Default())

	targets := newTargetCache()

	svc := coordinator.New(coordinator.Deps{
		Store:     store,
		Bus:       bus,
		Registry:  reg,
		Scheduler: sched,
		Engine:    engine,
		Launcher:  logLauncher{},
		Notifier:  logNotifier{},
		Targets:   targets,
		Clock:     clk,
	}, coordinator.Config{
		TickInterval:        durationMS(cfg.Coordinator.TickIntervalMS, time.Second),
		MaintenanceInterval: durationMS(cfg.Coordinator.MaintenanceIntervalMS, 30*time.Second),
		FarmInterval:        durationMS(cfg.Coordinator.FarmIntervalMS, time.Minute),
		DispatchTimeout:     durationMS(cfg.Coordinator.DispatchTimeoutMS, 30*time.Second),
		AgentDeadThreshold:  durationMS(cfg.Coordinator.AgentDeadThresholdMS, 2*time.Minute),
	}, log.Default())

	if err := svc.Init(ctx); err != nil {
		log.Fatalf("init coordinator: %v", err)
	}
	svc.Start(ctx)

	if *demo {
		bootstrapDemo(ctx, bus, svc, targets)
	}

	a := &app{cfg: cfg, coordinator: svc, targets: targets}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/state", a.handleState)
	mux.HandleFunc("/state/toggle", a.handleToggle)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/targets", a.handleTargets)
	mux.HandleFunc("/plans", a.handlePlans)
	mux.HandleFunc("/report", a.handleReport)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		svc.Destroy(shutdownCtx)
	}()

	log.Printf("tribal-wars coordinator started addr=%s db=%s", addr, dbPath)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	svc.Wait()
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.coordinator.Snapshot())
}

func (a *app) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Running *bool `json:"running"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	next := !a.coordinator.Running()
	if req.Running != nil {
		next = *req.Running
	}
	a.coordinator.SetRunning(next)
	writeJSON(w, http.StatusOK, map[string]any{"running": next})
}

// handleAgents serves the agent protocol over HTTP: browser-side agents POST
// register, heartbeat and unregister messages here and GET lists the live
// set.
func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.coordinator.Agents())
	case http.MethodPost:
		var req struct {
			Type    string            `json:"type"`
			AgentID string            `json:"agent_id"`
			Info    *domain.AgentInfo `json:"info"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if req.AgentID == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("agent_id is required"))
			return
		}
		envType := domain.EnvelopeType(req.Type)
		switch envType {
		case domain.EnvelopeRegister, domain.EnvelopeHeartbeat, domain.EnvelopeUnregister:
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown message type: %s", req.Type))
			return
		}
		a.coordinator.HandleEnvelope(r.Context(), domain.Envelope{
			Type:    envType,
			To:      domain.CoordinatorID,
			AgentID: req.AgentID,
			Info:    req.Info,
			SentAt:  time.Now().UTC(),
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.coordinator.Tasks())
	case http.MethodPost:
		var req struct {
			Type        string         `json:"type"`
			VillageID   string         `json:"village_id"`
			WorldID     string         `json:"world_id"`
			Priority    int            `json:"priority"`
			DelaySecond int            `json:"delay_seconds"`
			MaxRetries  int            `json:"max_retries"`
			Payload     map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Type) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("type is required"))
			return
		}
		spec := scheduler.Spec{
			Type:       domain.TaskType(req.Type),
			VillageID:  req.VillageID,
			WorldID:    req.WorldID,
			Priority:   req.Priority,
			MaxRetries: req.MaxRetries,
			Payload:    req.Payload,
		}
		if req.DelaySecond > 0 {
			spec.ScheduledAt = time.Now().UTC().Add(time.Duration(req.DelaySecond) * time.Second)
		}
		writeJSON(w, http.StatusCreated, a.coordinator.Schedule(spec))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			task, ok := a.coordinator.Task(taskID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("unknown task: %s", taskID))
				return
			}
			writeJSON(w, http.StatusOK, task)
		case http.MethodDelete:
			if !a.coordinator.CancelTask(taskID) {
				writeError(w, http.StatusNotFound, fmt.Errorf("unknown task: %s", taskID))
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "canceled", "task_id": taskID})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Result reports from HTTP agents.
	action := parts[1]
	switch action {
	case "complete", "fail":
		var req struct {
			AgentID string         `json:"agent_id"`
			Data    map[string]any `json:"data"`
			Error   string         `json:"error"`
			NextAt  *time.Time     `json:"next_scheduled_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		envType := domain.EnvelopeTaskComplete
		success := true
		if action == "fail" {
			envType = domain.EnvelopeTaskFailed
			success = false
		}
		a.coordinator.HandleEnvelope(r.Context(), domain.Envelope{
			Type:    envType,
			To:      domain.CoordinatorID,
			AgentID: req.AgentID,
			Result: &domain.TaskResult{
				TaskID:          taskID,
				Success:         success,
				Data:            req.Data,
				NextScheduledAt: req.NextAt,
				Error:           req.Error,
			},
			SentAt: time.Now().UTC(),
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

// handleTargets lets farm agents upload the target list they scanned; the
// next farm pass consumes it.
func (a *app) handleTargets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.targets.all())
	case http.MethodPost:
		var req struct {
			VillageID string              `json:"village_id"`
			Targets   []domain.FarmTarget `json:"targets"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if req.VillageID == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("village_id is required"))
			return
		}
		a.targets.put(req.VillageID, req.Targets)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": len(req.Targets)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.coordinator.PendingPlans())
}

func (a *app) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	a.coordinator.HandleEnvelope(r.Context(), domain.Envelope{
		Type:    domain.EnvelopeErrorReport,
		To:      domain.CoordinatorID,
		AgentID: req.AgentID,
		Error:   req.Error,
		SentAt:  time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// targetCache holds the latest target list reported per source village.
type targetCache struct {
	mu      sync.Mutex
	targets map[string][]domain.FarmTarget
}

func newTargetCache() *targetCache {
	return &targetCache{targets: make(map[string][]domain.FarmTarget)}
}

func (c *targetCache) put(villageID string, targets []domain.FarmTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[villageID] = targets
}

func (c *targetCache) all() map[string][]domain.FarmTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]domain.FarmTarget, len(c.targets))
	for k, v := range c.targets {
		out[k] = v
	}
	return out
}

func (c *targetCache) Targets(_ context.Context, source farm.Source) ([]domain.FarmTarget, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targets[source.VillageID], nil
}

// logLauncher stands in for a real tab launcher: it records the request so an
// operator (or an external supervisor tailing the log) can open the screen.
type logLauncher struct{}

func (logLauncher) Launch(_ context.Context, role domain.Role, worldID string) (string, error) {
	id := uuid.NewString()
	log.Printf("launch requested role=%s world=%s agent=%s", role, worldID, id)
	return id, nil
}

type logNotifier struct{}

func (logNotifier) Notify(title, message string) {
	log.Printf("NOTIFY %s: %s", title, message)
}

// bootstrapDemo starts in-process agents that accept every task after a short
// simulated action, plus a static target list, so the full dispatch loop can
// be observed without a browser.
func bootstrapDemo(ctx context.Context, bus *inproc.Bus, svc *coordinator.Service, targets *targetCache) {
	workers := []struct {
		id      string
		context string
		village string
	}{
		{"demo-farm", "am_farm", "v1001"},
		{"demo-scavenge", "scavenge", "v1001"},
		{"demo-overview", "overview_villages", ""},
	}
	for _, spec := range workers {
		worker := agent.NewWorker(spec.id, domain.AgentInfo{
			Context:   spec.context,
			WorldID:   "en130",
			VillageID: spec.village,
			Visible:   true,
		}, bus, bus, demoExecutor{}, 15*time.Second, nil, log.Default())
		go worker.Start(ctx)
	}

	targets.put("v1001", []domain.FarmTarget{
		{ID: "barb-1", Coords: domain.Coords{X: 498, Y: 503}, Distance: 3.6, Status: domain.TargetAvailable},
		{ID: "barb-2", Coords: domain.Coords{X: 505, Y: 497}, Distance: 5.8, Status: domain.TargetAvailable},
		{ID: "barb-3", Coords: domain.Coords{X: 492, Y: 510}, Distance: 12.8, Status: domain.TargetAvailable},
	})

	svc.Schedule(scheduler.Spec{Type: domain.TaskTypeScavenge, VillageID: "v1001", WorldID: "en130", Priority: 3})
	svc.SetRunning(true)
	log.Printf("demo agents started, coordinator running")
}

// demoExecutor pretends to perform the in-game action and asks for the next
// recurring run where the task type repeats.
type demoExecutor struct{}

func (demoExecutor) Execute(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	select {
	case <-ctx.Done():
		return domain.TaskResult{TaskID: task.ID}, ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}

	result := domain.TaskResult{TaskID: task.ID, Success: true}
	if task.Type == domain.TaskTypeScavenge {
		next := time.Now().UTC().Add(10 * time.Minute)
		result.NextScheduledAt = &next
	}
	return result, nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func profileFromUnits(id string, units map[string]int) *domain.AttackProfile {
	if len(units) == 0 {
		return nil
	}
	return &domain.AttackProfile{ID: id, Units: units}
}
