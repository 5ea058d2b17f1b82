package storage

import (
	"context"
	"errors"
	"time"

	"agroplan/internal/domain"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values: "sqlite", "postgres", "memory".
// Path is the sqlite file (or ":memory:"); DSN is the postgres connection string.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduling core.
// Missing rows are reported as ErrNotFound.
type Store interface {
	CreateRun(ctx context.Context, r domain.Run) (int64, error)
	UpdateRun(ctx context.Context, id int64, p domain.RunPatch) error
	// ListPendingRuns returns pending runs created before olderThan, oldest first.
	ListPendingRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error)
	GetRunContext(ctx context.Context, id int64) (domain.RunContext, error)

	// UpsertSlot is idempotent on (StageOptionID, SlotStart) and returns the row id.
	UpsertSlot(ctx context.Context, s domain.Slot) (int64, error)
	GetSlotContext(ctx context.Context, id int64) (domain.SlotContext, error)
	// GetSlotAt looks a slot up by its upsert key.
	GetSlotAt(ctx context.Context, stageOptionID int64, start time.Time) (domain.Slot, error)
	UpdateSlot(ctx context.Context, id int64, p domain.SlotPatch) error
	ListAcceptedSlotsForUser(ctx context.Context, userID int64, limit int) ([]domain.Slot, error)

	CreateEvents(ctx context.Context, evs []domain.Event) ([]domain.Event, error)
	CreateReminders(ctx context.Context, rs []domain.Reminder) ([]domain.Reminder, error)
	// DueReminders returns unsent reminders with FireAt <= now.
	DueReminders(ctx context.Context, now time.Time) ([]domain.Reminder, error)
	// PendingReminders returns unsent reminders with FireAt > after.
	PendingReminders(ctx context.Context, after time.Time) ([]domain.Reminder, error)
	GetReminder(ctx context.Context, id int64) (domain.Reminder, error)
	MarkReminderSent(ctx context.Context, id int64, at time.Time) error

	UpdatePlanStatus(ctx context.Context, planID int64, status domain.PlanStatus) error
	// GetSessionByPlan treats sessions expired at now as absent.
	GetSessionByPlan(ctx context.Context, planID int64, now time.Time) (domain.Session, error)
	UpdateSession(ctx context.Context, s domain.Session) error
	DeleteSessionsByPlan(ctx context.Context, planID int64) error

	UpdateObjectMeta(ctx context.Context, objectID int64, meta domain.ObjectMeta) error
	GetStageContext(ctx context.Context, planID, stageID, optionID int64) (domain.StageContext, error)
	GetUserByChatID(ctx context.Context, chatID int64) (domain.User, error)

	LogFunnelEvent(ctx context.Context, e domain.FunnelEvent) error
	Close() error
}

// Catalog seeds the records owned by the plan editor (users, objects, plans, stages, options).
type Catalog interface {
	CreateUser(ctx context.Context, u domain.User) (int64, error)
	CreateObject(ctx context.Context, o domain.Object) (int64, error)
	CreatePlan(ctx context.Context, p domain.Plan) (int64, error)
	CreateStage(ctx context.Context, s domain.Stage) (int64, error)
	CreateStageOption(ctx context.Context, o domain.StageOption) (int64, error)
}

// Backend is what Open returns.
type Backend interface {
	Store
	Catalog
}
