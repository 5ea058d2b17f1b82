// Package domain holds the persisted scheduling records and their status enums.
package domain

import (
	"encoding/json"
	"time"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

type User struct {
	ID     int64
	ChatID int64 // messaging handle
	Tier   Tier
}

type LocationSource string

const (
	LocationManual  LocationSource = "manual"
	LocationGeoAuto LocationSource = "geo_auto"
	LocationDefault LocationSource = "default"
)

type ObjectMeta struct {
	LocationWarnedAt *time.Time `json:"location_warned_at,omitempty"`
}

// Object is the field or orchard a plan applies to.
type Object struct {
	ID             int64
	UserID         int64
	Name           string
	Lat            *float64
	Lon            *float64
	LocationSource LocationSource
	Meta           ObjectMeta
}

// HasLocation reports whether the object carries usable coordinates.
func (o Object) HasLocation() bool {
	if o.Lat == nil || o.Lon == nil {
		return false
	}
	return *o.Lat >= -90 && *o.Lat <= 90 && *o.Lon >= -180 && *o.Lon <= 180
}

type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanProposed  PlanStatus = "proposed"
	PlanScheduled PlanStatus = "scheduled"
)

type Plan struct {
	ID       int64
	UserID   int64
	ObjectID int64
	Title    string
	Status   PlanStatus
}

type StageKind string

const (
	StageSeason  StageKind = "season"
	StageTrigger StageKind = "trigger"
	StageAdhoc   StageKind = "adhoc"
)

type Stage struct {
	ID      int64
	PlanID  int64
	Title   string
	Kind    StageKind
	PhiDays int
	// Rules is an optional JSON override of the default weather rules.
	Rules json.RawMessage
}

type StageOption struct {
	ID      int64
	StageID int64
	Product string
	Dose    string
}

type RunStatus string

const (
	RunPending              RunStatus = "pending"
	RunInProgress           RunStatus = "in_progress"
	RunAwaitingConfirmation RunStatus = "awaiting_confirmation"
	RunAwaitingWindow       RunStatus = "awaiting_window"
	RunFailed               RunStatus = "failed"
	RunAccepted             RunStatus = "accepted"
	RunCancelled            RunStatus = "cancelled"
	RunRejected             RunStatus = "rejected"
)

// Run is one attempt to find a window for a stage option. Rescheduling makes a new Run.
type Run struct {
	ID            int64
	UserID        int64
	PlanID        int64
	StageID       int64
	StageOptionID int64
	MinHoursAhead int
	HorizonHours  int
	Status        RunStatus
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type RunPatch struct {
	Status *RunStatus
	Reason *string
}

type SlotStatus string

const (
	SlotProposed  SlotStatus = "proposed"
	SlotAccepted  SlotStatus = "accepted"
	SlotCancelled SlotStatus = "cancelled"
	SlotRejected  SlotStatus = "rejected"
)

// Slot is unique on (StageOptionID, SlotStart). A nil AutoplanRunID means manually chosen.
type Slot struct {
	ID            int64
	AutoplanRunID *int64
	UserID        int64
	PlanID        int64
	StageID       int64
	StageOptionID int64
	SlotStart     time.Time
	SlotEnd       time.Time
	Score         float64
	Reason        []string
	Status        SlotStatus
}

type SlotPatch struct {
	Status *SlotStatus
}

type EventType string

const (
	EventTreatment EventType = "treatment"
	EventPHI       EventType = "phi"
)

type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventDone      EventStatus = "done"
	EventCancelled EventStatus = "cancelled"
	EventSkipped   EventStatus = "skipped"
)

type EventSource string

const (
	SourceManual   EventSource = "manual"
	SourceAutoplan EventSource = "autoplan"
	SourceFallback EventSource = "fallback"
	SourceTrigger  EventSource = "trigger"
)

type Event struct {
	ID      int64
	UserID  int64
	PlanID  int64
	StageID int64
	Type    EventType
	DueAt   time.Time
	SlotEnd *time.Time
	Status  EventStatus
	Reason  string
	Source  EventSource
}

type ReminderStatus string

const (
	ReminderPending ReminderStatus = "pending"
	ReminderSent    ReminderStatus = "sent"
)

// Reminder is delivered once; SentAt guards against a second successful delivery.
type Reminder struct {
	ID      int64
	UserID  int64
	EventID int64
	// ChatID is resolved from the owning user on read.
	ChatID  int64
	FireAt  time.Time
	Channel string
	Status  ReminderStatus
	SentAt  *time.Time
	Payload ReminderPayload
}

type ReminderPayload struct {
	EventType EventType `json:"event_type"`
	Title     string    `json:"title,omitempty"`
	DueAt     time.Time `json:"due_at"`
}

type SessionStep string

const (
	StepManualPrompt   SessionStep = "time_manual_prompt"
	StepAutoplanLookup SessionStep = "time_autoplan_lookup"
	StepAutoplanSlot   SessionStep = "time_autoplan_slot"
	StepWaitTrigger    SessionStep = "time_wait_trigger"
	StepScheduled      SessionStep = "time_scheduled"
)

// Session is the per-plan UI cursor. Last write wins.
type Session struct {
	PlanID      int64
	UserID      int64
	CurrentStep SessionStep
	State       SessionState
	ExpiresAt   time.Time
}

type SessionState struct {
	SlotID        int64 `json:"slot_id,omitempty"`
	RunID         int64 `json:"run_id,omitempty"`
	StageID       int64 `json:"stage_id,omitempty"`
	StageOptionID int64 `json:"stage_option_id,omitempty"`
}

type FunnelEvent struct {
	UserID int64
	PlanID int64
	Name   string
	At     time.Time
	Data   map[string]any
}

// RunContext is everything the orchestrator needs for one Run.
type RunContext struct {
	Run    Run
	User   User
	Plan   Plan
	Stage  Stage
	Option StageOption
	Object Object
}

// SlotContext joins a slot with its owner, stage and originating run (if any).
type SlotContext struct {
	Slot   Slot
	User   User
	Plan   Plan
	Stage  Stage
	Option StageOption
	Run    *Run
}

// StageContext resolves a plan/stage/option triple for manual scheduling.
type StageContext struct {
	User   User
	Plan   Plan
	Stage  Stage
	Option StageOption
}

// ForecastEntry is one hourly forecast sample. It is not persisted.
type ForecastEntry struct {
	Time     time.Time
	TempC    float64
	PrecipMM float64
	WindMS   float64
}
