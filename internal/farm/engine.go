// Package farm prevents multiple source agents from converging attacks on
// the same target inside a configured minimum re-attack interval. Each source
// computes plans independently; the shared arrival records are the only
// coordination point, and they only ever move forward in time.
package farm

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BRafols/tribal-wars/internal/clock"
	"github.com/BRafols/tribal-wars/internal/domain"
)

// defaultUnitSpeeds holds minutes-per-field per unit type on a speed-1 world.
var defaultUnitSpeeds = map[string]float64{
	"spear":    18,
	"sword":    22,
	"axe":      18,
	"archer":   18,
	"spy":      9,
	"light":    10,
	"marcher":  10,
	"heavy":    11,
	"ram":      30,
	"catapult": 30,
	"knight":   10,
	"snob":     35,
}

type Config struct {
	// TargetInterval is the minimum spacing between arrivals at one target.
	TargetInterval time.Duration
	// Horizon bounds how far in the future a plan's send time may lie before
	// the target is skipped for this pass. Zero means TargetInterval.
	Horizon          time.Duration
	ArrivalRetention time.Duration
	PlanRetention    time.Duration

	WorldSpeed        float64
	UnitSpeedModifier float64
	// UnitSpeeds maps unit type to minutes per field; nil takes the built-in
	// table.
	UnitSpeeds map[string]float64

	ProfileA *domain.AttackProfile
	ProfileB *domain.AttackProfile
}

func (c Config) withDefaults() Config {
	if c.TargetInterval <= 0 {
		c.TargetInterval = 30 * time.Minute
	}
	if c.Horizon <= 0 {
		c.Horizon = c.TargetInterval
	}
	if c.ArrivalRetention <= 0 {
		c.ArrivalRetention = 24 * time.Hour
	}
	if c.PlanRetention <= 0 {
		c.PlanRetention = time.Hour
	}
	if c.WorldSpeed <= 0 {
		c.WorldSpeed = 1
	}
	if c.UnitSpeedModifier <= 0 {
		c.UnitSpeedModifier = 1
	}
	if c.UnitSpeeds == nil {
		c.UnitSpeeds = defaultUnitSpeeds
	}
	return c
}

// fallbackProfile keeps the engine schedulable when no profile is configured:
// a single unit of the smallest type rather than a deadlock.
var fallbackProfile = domain.AttackProfile{
	ID:    "default",
	Units: map[string]int{"spear": 1},
}

// Source identifies the agent and village an attack originates from.
type Source struct {
	AgentID   string
	VillageID string
}

type Engine struct {
	mu     sync.Mutex
	clock  clock.Clock
	cfg    Config
	logger *log.Logger

	// arrivals maps target coordinates to the latest known or planned
	// arrival. Entries only ever move forward in time.
	arrivals map[string]time.Time
	plans    map[string]*domain.AttackPlan
}

func New(clk clock.Clock, cfg Config, logger *log.Logger) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		arrivals: make(map[string]time.Time),
		plans:    make(map[string]*domain.AttackPlan),
	}
}

// TravelTime computes the duration between sending and arriving for the given
// distance and profile. The attack is only as fast as its slowest unit.
func (e *Engine) TravelTime(distance float64, profile domain.AttackProfile) time.Duration {
	minutesPerField := e.slowestMinutesPerField(profile)
	ms := distance * minutesPerField / (e.cfg.WorldSpeed * e.cfg.UnitSpeedModifier) * 60 * 1000
	return time.Duration(math.Round(ms)) * time.Millisecond
}

func (e *Engine) slowestMinutesPerField(profile domain.AttackProfile) float64 {
	if profile.SlowestUnit != "" {
		if speed, ok := e.cfg.UnitSpeeds[profile.SlowestUnit]; ok {
			return speed
		}
	}
	slowest := 0.0
	for unit, count := range profile.Units {
		if count <= 0 {
			continue
		}
		if speed, ok := e.cfg.UnitSpeeds[unit]; ok && speed > slowest {
			slowest = speed
		}
	}
	if slowest == 0 {
		return e.slowestMinutesPerField(fallbackProfile)
	}
	return slowest
}

// SelectProfile prefers profile A, falls back to B, then to the minimal
// default so there is always something to schedule.
func (e *Engine) SelectProfile() domain.AttackProfile {
	if e.cfg.ProfileA != nil && hasUnits(*e.cfg.ProfileA) {
		return *e.cfg.ProfileA
	}
	if e.cfg.ProfileB != nil && hasUnits(*e.cfg.ProfileB) {
		return *e.cfg.ProfileB
	}
	return fallbackProfile
}

func hasUnits(p domain.AttackProfile) bool {
	for _, count := range p.Units {
		if count > 0 {
			return true
		}
	}
	return false
}

// CheckAndSchedule produces attack plans for the eligible targets in the
// list. For every created plan the target's arrival record is pre-registered
// optimistically, so a second source scanning the same targets moments later
// sees them as claimed and skips them.
func (e *Engine) CheckAndSchedule(source Source, targets []domain.FarmTarget) []domain.AttackPlan {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	profile := e.SelectProfile()
	var created []domain.AttackPlan

	for _, target := range targets {
		if target.Status != domain.TargetAvailable {
			continue
		}
		key := target.Coords.String()
		if e.hasPendingPlanLocked(key) {
			continue
		}

		travel := e.TravelTime(target.Distance, profile)

		sendAt := now
		arriveAt := now.Add(travel)
		if last, ok := e.arrivals[key]; ok {
			nextAllowed := last.Add(e.cfg.TargetInterval)
			required := nextAllowed.Add(-travel)
			if required.After(now) {
				// Defer the send so the arrival lands exactly at the
				// earliest allowed instant.
				sendAt = required
				arriveAt = nextAllowed
			}
			// A past-due required send goes out immediately and lands as
			// soon as travel allows, later than the strict minimum but
			// never earlier.
		}
		if sendAt.Sub(now) > e.cfg.Horizon {
			continue
		}

		plan := &domain.AttackPlan{
			ID:              uuid.NewString(),
			Target:          target.Coords,
			SourceAgentID:   source.AgentID,
			SourceVillageID: source.VillageID,
			ProfileID:       profile.ID,
			SendAt:          sendAt,
			ArriveAt:        arriveAt,
			TravelTime:      travel,
			Status:          domain.PlanPending,
			CreatedAt:       now,
		}
		e.plans[plan.ID] = plan
		e.recordArrivalLocked(key, arriveAt)
		created = append(created, *plan)
	}
	return created
}

func (e *Engine) hasPendingPlanLocked(key string) bool {
	for _, plan := range e.plans {
		if plan.Status == domain.PlanPending && plan.Target.String() == key {
			return true
		}
	}
	return false
}

// RecordArrival registers an observed or planned arrival at a target. The
// record is monotonic: an earlier arrival never replaces a later one.
func (e *Engine) RecordArrival(target domain.Coords, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordArrivalLocked(target.String(), at)
}

func (e *Engine) recordArrivalLocked(key string, at time.Time) bool {
	if current, ok := e.arrivals[key]; ok && !at.After(current) {
		return false
	}
	e.arrivals[key] = at
	return true
}

// NextAllowedArrival returns the earliest instant a new arrival may land at
// the target. A target with no record is immediately contestable.
func (e *Engine) NextAllowedArrival(target domain.Coords) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.arrivals[target.String()]
	if !ok {
		return time.Time{}, false
	}
	return last.Add(e.cfg.TargetInterval), true
}

// ConfirmSent marks the plan as dispatched. The measured travel time, when
// positive, recomputes the real arrival; the arrival record is raised if the
// real arrival lands later than the optimistic one.
func (e *Engine) ConfirmSent(planID string, measuredTravel time.Duration) (domain.AttackPlan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, ok := e.plans[planID]
	if !ok {
		return domain.AttackPlan{}, fmt.Errorf("unknown plan %s", planID)
	}
	plan.Status = domain.PlanSent
	if measuredTravel > 0 {
		plan.TravelTime = measuredTravel
	}
	real := e.clock.Now().Add(plan.TravelTime)
	if real.After(plan.ArriveAt) {
		plan.ArriveAt = real
	}
	e.recordArrivalLocked(plan.Target.String(), plan.ArriveAt)
	return *plan, nil
}

// Fail marks the plan failed and rolls back its optimistic arrival record, so
// the target becomes contestable again. Rolling back only removes the record
// if the plan's own arrival is still the registered one; a later arrival from
// another plan is left alone.
func (e *Engine) Fail(planID string) (domain.AttackPlan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, ok := e.plans[planID]
	if !ok {
		return domain.AttackPlan{}, fmt.Errorf("unknown plan %s", planID)
	}
	if plan.Status == domain.PlanFailed {
		return *plan, nil
	}
	plan.Status = domain.PlanFailed

	key := plan.Target.String()
	if current, ok := e.arrivals[key]; ok && current.Equal(plan.ArriveAt) {
		delete(e.arrivals, key)
	}
	e.logger.Printf("plan %s for %s rolled back", planID, key)
	return *plan, nil
}

// Plan returns a copy of the plan, if known.
func (e *Engine) Plan(planID string) (domain.AttackPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, ok := e.plans[planID]
	if !ok {
		return domain.AttackPlan{}, false
	}
	return *plan, true
}

// PendingPlans returns all pending plans ordered by send time.
func (e *Engine) PendingPlans() []domain.AttackPlan {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.AttackPlan, 0, len(e.plans))
	for _, plan := range e.plans {
		if plan.Status == domain.PlanPending {
			out = append(out, *plan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	return out
}

// Cleanup purges arrival records older than the arrival retention window and
// non-pending plans older than the plan retention window, bounding memory.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	for key, at := range e.arrivals {
		if now.Sub(at) > e.cfg.ArrivalRetention {
			delete(e.arrivals, key)
		}
	}
	for id, plan := range e.plans {
		if plan.Status == domain.PlanPending {
			continue
		}
		if now.Sub(plan.CreatedAt) > e.cfg.PlanRetention {
			delete(e.plans, id)
		}
	}
}

type persistedState struct {
	Arrivals map[string]time.Time `json:"arrivals"`
	Plans    []domain.AttackPlan  `json:"plans"`
}

func (e *Engine) MarshalState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := persistedState{
		Arrivals: make(map[string]time.Time, len(e.arrivals)),
		Plans:    make([]domain.AttackPlan, 0, len(e.plans)),
	}
	for key, at := range e.arrivals {
		state.Arrivals[key] = at
	}
	for _, plan := range e.plans {
		state.Plans = append(state.Plans, *plan)
	}
	sort.Slice(state.Plans, func(i, j int) bool { return state.Plans[i].ID < state.Plans[j].ID })

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal farm state: %w", err)
	}
	return data, nil
}

func (e *Engine) RestoreState(data []byte) error {
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal farm state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.arrivals = make(map[string]time.Time, len(state.Arrivals))
	for key, at := range state.Arrivals {
		e.arrivals[key] = at
	}
	e.plans = make(map[string]*domain.AttackPlan, len(state.Plans))
	for i := range state.Plans {
		plan := state.Plans[i]
		e.plans[plan.ID] = &plan
	}
	return nil
}
