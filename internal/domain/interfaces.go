package domain

import (
	"context"
	"time"

	"slotsync/internal/models"
)

// ActionStore is the durable log of not-yet-confirmed mutations. All
// writes are appends or single-row status transitions keyed by action id;
// terminal transitions are idempotent.
type ActionStore interface {
	Append(ctx context.Context, action *models.Action) error
	Get(ctx context.Context, id int64) (*models.Action, error)
	List(ctx context.Context, statuses ...models.ActionStatus) ([]models.Action, error)

	// ClaimBatch atomically marks up to limit ripe pending actions as
	// syncing and returns them in created_at order. Two concurrent
	// passes can never claim the same action.
	ClaimBatch(ctx context.Context, limit int) ([]models.Action, error)

	// Requeue schedules another attempt: status back to pending,
	// attempt_count incremented, next attempt not before nextAttemptAt.
	Requeue(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error

	// Release returns a claimed action to pending without charging an
	// attempt (engine teardown, resource group paused by a conflict).
	Release(ctx context.Context, id int64) error

	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	MarkConflict(ctx context.Context, id int64, errMsg, canonical string) error
	MarkDiscarded(ctx context.Context, id int64) error

	// ResetForRetry is the manual remediation path for failed or
	// conflicted actions: back to pending with a fresh attempt budget.
	ResetForRetry(ctx context.Context, id int64) error

	Counts(ctx context.Context) (map[models.ActionStatus]int, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// ScheduleStore is the local read model of bookings known to this device,
// used by the conflict detector and kept current from sync outcomes.
type ScheduleStore interface {
	UpsertBooking(ctx context.Context, booking *models.ScheduledBooking) error
	GetBooking(ctx context.Context, id string) (*models.ScheduledBooking, error)
	UpdateBookingStatus(ctx context.Context, id, status string) error
	ListOverlapping(ctx context.Context, resource string, start, end time.Time) ([]models.ScheduledBooking, error)
	ListSeries(ctx context.Context, seriesID string) ([]models.ScheduledBooking, error)
	MarkBookingException(ctx context.Context, id string) error

	// Exceptions pin detached occurrences so regeneration never
	// resurrects their original slots.
	MarkException(ctx context.Context, patternID string, originalStart time.Time, reason string) error
	IsException(ctx context.Context, patternID string, originalStart time.Time) (bool, error)
}

// DraftRepository holds the one autosaved booking session draft per
// device context. Get returns (nil, nil) when no draft exists.
type DraftRepository interface {
	Get(ctx context.Context, deviceID string) (*models.BookingSession, error)
	Save(ctx context.Context, session *models.BookingSession) error
	Clear(ctx context.Context, deviceID string) error
}

// BookingAPI is the remote booking server. Every mutation carries an
// idempotency key so retried transient failures cannot double-apply.
type BookingAPI interface {
	CreateBooking(ctx context.Context, idemKey string, payload []byte) (*models.ScheduledBooking, error)
	UpdateBooking(ctx context.Context, idemKey, resource string, payload []byte) (*models.ScheduledBooking, error)
	CancelBooking(ctx context.Context, idemKey, resource string) (*models.ScheduledBooking, error)
	RescheduleBooking(ctx context.Context, idemKey, resource string, payload []byte) (*models.ScheduledBooking, error)
	Ping(ctx context.Context) error
}

// EventPublisher decouples the engine from the notification layer.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
