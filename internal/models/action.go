package models

import "time"

type ActionKind string

const (
	ActionCreateBooking     ActionKind = "create_booking"
	ActionUpdateBooking     ActionKind = "update_booking"
	ActionCancelBooking     ActionKind = "cancel_booking"
	ActionRescheduleBooking ActionKind = "reschedule_booking"
)

type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusSyncing   ActionStatus = "syncing"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusConflict  ActionStatus = "conflict"
	ActionStatusDiscarded ActionStatus = "discarded"
)

// Action is a durably recorded mutation that has not yet been confirmed
// by the booking server.
type Action struct {
	ID             int64        `json:"id"`
	Kind           ActionKind   `json:"kind"`
	Resource       string       `json:"resource"`
	Payload        string       `json:"payload"`
	IdempotencyKey string       `json:"idempotency_key"`
	Status         ActionStatus `json:"status"`
	AttemptCount   int          `json:"attempt_count"`
	LastError      *string      `json:"last_error"`
	CanonicalState *string      `json:"canonical_state"`
	CreatedAt      time.Time    `json:"created_at"`
	ProcessedAt    *time.Time   `json:"processed_at"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at"`
}

// Terminal reports whether the action can no longer change without
// manual intervention.
func (a *Action) Terminal() bool {
	switch a.Status {
	case ActionStatusCompleted, ActionStatusDiscarded:
		return true
	default:
		return false
	}
}

// QueueStats is the aggregate queue view exposed to the UI layer.
type QueueStats struct {
	Pending    int        `json:"pending"`
	Syncing    int        `json:"syncing"`
	Failed     int        `json:"failed"`
	Conflicts  int        `json:"conflicts"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Degraded   bool       `json:"degraded"`
}

// ActionError records one action's failure inside a sync pass.
type ActionError struct {
	ActionID int64      `json:"action_id"`
	Kind     ActionKind `json:"kind"`
	Resource string     `json:"resource"`
	Message  string     `json:"message"`
}

// SyncResult summarizes one synchronization pass. A pass always produces
// a result, even when every action in it failed.
type SyncResult struct {
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Requeued  int           `json:"requeued"`
	Errors    []ActionError `json:"errors,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
