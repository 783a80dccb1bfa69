package domain

import (
	"fmt"
	"time"
)

// Role is the category of task an execution agent is currently capable of
// running, inferred from the game screen the agent reports it is parked on.
type Role string

const (
	RoleScavenge Role = "scavenge"
	RoleFarm     Role = "farm"
	RoleRecruit  Role = "recruit"
	RoleBuild    Role = "build"
	RoleOverview Role = "overview"
	RoleNone     Role = "none"
)

// contextRoles maps reported screen contexts to roles. Unknown contexts
// resolve to RoleNone.
var contextRoles = map[string]Role{
	"scavenge":          RoleScavenge,
	"place_scavenge":    RoleScavenge,
	"am_farm":           RoleFarm,
	"place":             RoleFarm,
	"train":             RoleRecruit,
	"barracks":          RoleRecruit,
	"main":              RoleBuild,
	"overview":          RoleOverview,
	"overview_villages": RoleOverview,
}

func RoleFromContext(context string) Role {
	if role, ok := contextRoles[context]; ok {
		return role
	}
	return RoleNone
}

// Agent is one external execution context. Owned exclusively by the registry;
// everything else reads copies.
type Agent struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	WorldID      string    `json:"world_id"`
	VillageID    string    `json:"village_id,omitempty"`
	Visible      bool      `json:"visible"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// AgentInfo is the agent-reported state carried by register and heartbeat
// envelopes.
type AgentInfo struct {
	Context   string `json:"context"`
	WorldID   string `json:"world_id"`
	VillageID string `json:"village_id,omitempty"`
	Visible   bool   `json:"visible"`
}

type TaskType string

const (
	TaskTypeScavenge TaskType = "scavenge"
	TaskTypeFarm     TaskType = "farm"
	TaskTypeRecruit  TaskType = "recruit"
	TaskTypeBuild    TaskType = "build"
	TaskTypeOverview TaskType = "overview"
)

// RequiredRole returns the agent role capable of executing tasks of this type.
func (t TaskType) RequiredRole() Role {
	switch t {
	case TaskTypeScavenge:
		return RoleScavenge
	case TaskTypeFarm:
		return RoleFarm
	case TaskTypeRecruit:
		return RoleRecruit
	case TaskTypeBuild:
		return RoleBuild
	case TaskTypeOverview:
		return RoleOverview
	default:
		return RoleNone
	}
}

// Task is one schedulable unit of work. Lower priority sorts sooner.
type Task struct {
	ID          string         `json:"id"`
	Type        TaskType       `json:"type"`
	VillageID   string         `json:"village_id,omitempty"`
	WorldID     string         `json:"world_id,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Priority    int            `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TaskResult is the agent-reported outcome of a dispatched task. A successful
// result may carry NextScheduledAt, which makes the scheduler enqueue a
// follow-up task of the same type and village at that time.
type TaskResult struct {
	TaskID          string         `json:"task_id"`
	Success         bool           `json:"success"`
	Data            map[string]any `json:"data,omitempty"`
	NextScheduledAt *time.Time     `json:"next_scheduled_at,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Coords identifies a village on the world map.
type Coords struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// String renders the game's x|y notation, used as the arrival-record key.
func (c Coords) String() string {
	return fmt.Sprintf("%d|%d", c.X, c.Y)
}

type TargetStatus string

const (
	TargetAvailable TargetStatus = "available"
	TargetCooldown  TargetStatus = "cooldown"
	TargetAttacking TargetStatus = "attacking"
)

// FarmTarget is one attackable village as observed from a given source
// village. Status is a cache of externally observed state, refreshed on every
// check cycle; it is never authoritative.
type FarmTarget struct {
	ID        string       `json:"id"`
	Coords    Coords       `json:"coords"`
	Distance  float64      `json:"distance"`
	WallLevel int          `json:"wall_level,omitempty"`
	Status    TargetStatus `json:"status"`
}

// AttackProfile is a named unit composition. SlowestUnit, when set, is
// trusted over recomputing the slowest unit from the counts.
type AttackProfile struct {
	ID          string         `json:"id"`
	Units       map[string]int `json:"units"`
	SlowestUnit string         `json:"slowest_unit,omitempty"`
}

type PlanStatus string

const (
	PlanPending PlanStatus = "pending"
	PlanSent    PlanStatus = "sent"
	PlanFailed  PlanStatus = "failed"
)

// AttackPlan is a concrete scheduled action against one target from one
// source, with computed send and arrival times.
type AttackPlan struct {
	ID              string        `json:"id"`
	Target          Coords        `json:"target"`
	SourceAgentID   string        `json:"source_agent_id"`
	SourceVillageID string        `json:"source_village_id"`
	ProfileID       string        `json:"profile_id"`
	SendAt          time.Time     `json:"send_at"`
	ArriveAt        time.Time     `json:"arrive_at"`
	TravelTime      time.Duration `json:"travel_time"`
	Status          PlanStatus    `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
}

type EnvelopeType string

const (
	EnvelopeRegister     EnvelopeType = "register"
	EnvelopeHeartbeat    EnvelopeType = "heartbeat"
	EnvelopeUnregister   EnvelopeType = "unregister"
	EnvelopeTaskExecute  EnvelopeType = "task_execute"
	EnvelopeTaskComplete EnvelopeType = "task_complete"
	EnvelopeTaskFailed   EnvelopeType = "task_failed"
	EnvelopeErrorReport  EnvelopeType = "error_report"
)

// CoordinatorID is the well-known bus address of the coordinator.
const CoordinatorID = "coordinator"

// Envelope is one message between the coordinator and an agent. To selects
// the bus subscriber; AgentID always names the agent side of the exchange.
type Envelope struct {
	Type    EnvelopeType `json:"type"`
	To      string       `json:"to"`
	AgentID string       `json:"agent_id"`
	Info    *AgentInfo   `json:"info,omitempty"`
	Task    *Task        `json:"task,omitempty"`
	Result  *TaskResult  `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
	SentAt  time.Time    `json:"sent_at"`
}

// LogEntry is one line of the coordinator activity log.
type LogEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Snapshot is the dashboard view of the coordinator state.
type Snapshot struct {
	Running          bool       `json:"running"`
	ConnectionStatus string     `json:"connection_status"`
	Tasks            []Task     `json:"tasks"`
	ActivityLog      []LogEntry `json:"activity_log"`
	Agents           []Agent    `json:"agents"`
}
