package models

import "time"

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// RecurringPattern is a recurrence rule owned by the user. Occurrences are
// recomputed from it on demand and never stored as first-class entities
// until materialized.
type RecurringPattern struct {
	ID          string         `json:"id"`
	Resource    string         `json:"resource"`
	Frequency   Frequency      `json:"frequency"`
	Interval    int            `json:"interval"`
	Weekdays    []time.Weekday `json:"weekdays,omitempty"`
	StartHour   int            `json:"start_hour"`
	StartMinute int            `json:"start_minute"`
	DurationMin int            `json:"duration_min"`
	RangeStart  time.Time      `json:"range_start"`
	RangeEnd    time.Time      `json:"range_end"`
	Active      bool           `json:"active"`
}

type ConflictState string

const (
	ConflictNone ConflictState = "none"
	ConflictSoft ConflictState = "soft"
	ConflictHard ConflictState = "hard"
)

// Occurrence is one concrete start/end pair expanded from a pattern,
// screened against the local schedule before it may enter the queue.
type Occurrence struct {
	PatternID    string        `json:"pattern_id"`
	Resource     string        `json:"resource"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Conflict     ConflictState `json:"conflict"`
	ConflictWith string        `json:"conflict_with,omitempty"`
}

// MaterializeReport summarizes a materialization request.
type MaterializeReport struct {
	TotalGenerated int `json:"total_generated"`
	TotalConflicts int `json:"total_conflicts"`
}

// OccurrenceWindow bounds an expansion. MaxCount of zero means unbounded
// within the time range.
type OccurrenceWindow struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	MaxCount int       `json:"max_count,omitempty"`
}
