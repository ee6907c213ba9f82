package models

import "time"

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// ScheduledBooking is the local read model of a booking known to this
// device, fed by sync outcomes and by materialized occurrences. The
// conflict detector screens candidate occurrences against it.
type ScheduledBooking struct {
	ID        string    `json:"id"`
	Resource  string    `json:"resource"`
	SeriesID  string    `json:"series_id,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Status    string    `json:"status"`
	Exception bool      `json:"exception"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Overlaps reports whether the booking intersects [start, end).
func (b *ScheduledBooking) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && b.End.After(start)
}
