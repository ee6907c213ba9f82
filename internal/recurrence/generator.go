package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"slotsync/internal/domain"
	"slotsync/internal/models"
	"slotsync/internal/queue"
)

// Generator expands recurring patterns into concrete occurrences,
// screens them against the local schedule, and materializes the clean
// ones into queued booking creations.
type Generator struct {
	schedule domain.ScheduleStore
	queue    *queue.Manager
	buffer   time.Duration
	logger   zerolog.Logger
}

func NewGenerator(schedule domain.ScheduleStore, q *queue.Manager, buffer time.Duration, logger zerolog.Logger) *Generator {
	if buffer <= 0 {
		buffer = models.DefaultConflictBufferMinutes * time.Minute
	}
	return &Generator{
		schedule: schedule,
		queue:    q,
		buffer:   buffer,
		logger:   logger.With().Str("component", "recurrence").Logger(),
	}
}

// GenerateOccurrences expands the pattern inside the window and flags
// each occurrence's conflict state. Expansion is deterministic: the same
// pattern and window always produce the same slots, so regeneration is
// stable. Detached occurrences (exceptions) are skipped entirely.
func (g *Generator) GenerateOccurrences(ctx context.Context, pattern *models.RecurringPattern, window models.OccurrenceWindow) ([]models.Occurrence, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	slots := expand(pattern, window)
	occurrences := make([]models.Occurrence, 0, len(slots))
	for _, start := range slots {
		excepted, err := g.schedule.IsException(ctx, pattern.ID, start)
		if err != nil {
			return nil, fmt.Errorf("failed to check exception: %w", err)
		}
		if excepted {
			continue
		}

		occ := models.Occurrence{
			PatternID: pattern.ID,
			Resource:  pattern.Resource,
			Start:     start,
			End:       start.Add(time.Duration(pattern.DurationMin) * time.Minute),
		}
		if err := g.screen(ctx, &occ); err != nil {
			return nil, err
		}
		occurrences = append(occurrences, occ)
	}
	return occurrences, nil
}

// screen classifies one occurrence against the local schedule. A direct
// overlap is hard; a booking inside the buffer around the slot is soft.
// Bookings belonging to this same series never count, otherwise a
// regeneration would collide with its own materialized occurrences.
func (g *Generator) screen(ctx context.Context, occ *models.Occurrence) error {
	widenedStart := occ.Start.Add(-g.buffer)
	widenedEnd := occ.End.Add(g.buffer)
	nearby, err := g.schedule.ListOverlapping(ctx, occ.Resource, widenedStart, widenedEnd)
	if err != nil {
		return fmt.Errorf("failed to screen occurrence: %w", err)
	}

	occ.Conflict = models.ConflictNone
	for i := range nearby {
		b := &nearby[i]
		if b.SeriesID == occ.PatternID {
			continue
		}
		if b.Overlaps(occ.Start, occ.End) {
			occ.Conflict = models.ConflictHard
			occ.ConflictWith = b.ID
			return nil
		}
		if occ.Conflict == models.ConflictNone {
			occ.Conflict = models.ConflictSoft
			occ.ConflictWith = b.ID
		}
	}
	return nil
}

// seriesPayload is the create_booking body for a materialized occurrence.
type seriesPayload struct {
	Resource string    `json:"resource"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	SeriesID string    `json:"series_id"`
}

// Materialize enqueues a booking creation for every occurrence that is
// not hard-conflicted and records each as a tentative local booking tied
// to the series. The idempotency key is derived from the slot itself, so
// re-materializing the same window is a no-op for already-queued slots.
func (g *Generator) Materialize(ctx context.Context, pattern *models.RecurringPattern, window models.OccurrenceWindow) (*models.MaterializeReport, []models.Occurrence, error) {
	occurrences, err := g.GenerateOccurrences(ctx, pattern, window)
	if err != nil {
		return nil, nil, err
	}

	report := &models.MaterializeReport{}
	for i := range occurrences {
		occ := &occurrences[i]
		if occ.Conflict == models.ConflictHard {
			report.TotalConflicts++
			continue
		}

		payload := &seriesPayload{
			Resource: occ.Resource,
			Start:    occ.Start,
			End:      occ.End,
			SeriesID: pattern.ID,
		}
		key := SlotKey(pattern.ID, occ.Start)
		action, err := g.queue.Enqueue(ctx, models.ActionCreateBooking, occ.Resource, payload, key)
		if errors.Is(err, domain.ErrDuplicateAction) {
			g.logger.Debug().Str("slot", key).Msg("occurrence already queued, skipping")
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to queue occurrence: %w", err)
		}

		now := time.Now().UTC()
		booking := &models.ScheduledBooking{
			ID:        key,
			Resource:  occ.Resource,
			SeriesID:  pattern.ID,
			Start:     occ.Start,
			End:       occ.End,
			Status:    models.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := g.schedule.UpsertBooking(ctx, booking); err != nil {
			g.logger.Warn().Err(err).Int64("action_id", action.ID).Msg("failed to record tentative occurrence")
		}
		report.TotalGenerated++
	}

	g.logger.Info().
		Str("pattern_id", pattern.ID).
		Int("generated", report.TotalGenerated).
		Int("conflicts", report.TotalConflicts).
		Msg("series materialized")
	return report, occurrences, nil
}

// CancelSeries queues a cancellation for every booking in the series.
// With futureOnly set, bookings that already started are left alone.
func (g *Generator) CancelSeries(ctx context.Context, patternID string, futureOnly bool) (int, error) {
	bookings, err := g.schedule.ListSeries(ctx, patternID)
	if err != nil {
		return 0, fmt.Errorf("failed to list series: %w", err)
	}

	now := time.Now()
	cancelled := 0
	for i := range bookings {
		b := &bookings[i]
		if b.Status == models.StatusCancelled {
			continue
		}
		if futureOnly && !b.Start.After(now) {
			continue
		}

		payload := map[string]string{"booking_id": b.ID, "series_id": patternID}
		key := fmt.Sprintf("cancel:%s", b.ID)
		if _, err := g.queue.Enqueue(ctx, models.ActionCancelBooking, b.ID, payload, key); err != nil && !errors.Is(err, domain.ErrDuplicateAction) {
			return cancelled, fmt.Errorf("failed to queue cancellation: %w", err)
		}
		if err := g.schedule.UpdateBookingStatus(ctx, b.ID, models.StatusCancelled); err != nil {
			g.logger.Warn().Err(err).Str("booking_id", b.ID).Msg("failed to mark booking cancelled locally")
		}
		cancelled++
	}
	return cancelled, nil
}

// ModifyOccurrence detaches one booking from its series and queues the
// change. The original slot is pinned as an exception, so regenerating
// the series never resurrects it. A nil newStart cancels the occurrence
// instead of moving it.
func (g *Generator) ModifyOccurrence(ctx context.Context, patternID, bookingID string, newStart, newEnd *time.Time) error {
	booking, err := g.schedule.GetBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("failed to load booking: %w", err)
	}
	if booking == nil || booking.SeriesID != patternID {
		return &domain.ValidationError{Message: "booking does not belong to the series"}
	}

	reason := "rescheduled"
	if newStart == nil {
		reason = "cancelled"
	}
	if err := g.schedule.MarkException(ctx, patternID, booking.Start, reason); err != nil {
		return fmt.Errorf("failed to pin exception: %w", err)
	}
	if err := g.schedule.MarkBookingException(ctx, bookingID); err != nil {
		return fmt.Errorf("failed to detach booking: %w", err)
	}

	if newStart == nil {
		payload := map[string]string{"booking_id": bookingID}
		if _, err := g.queue.Enqueue(ctx, models.ActionCancelBooking, bookingID, payload, ""); err != nil && !errors.Is(err, domain.ErrDuplicateAction) {
			return fmt.Errorf("failed to queue cancellation: %w", err)
		}
		if err := g.schedule.UpdateBookingStatus(ctx, bookingID, models.StatusCancelled); err != nil {
			g.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("failed to mark booking cancelled locally")
		}
		return nil
	}

	end := booking.End
	if newEnd != nil {
		end = *newEnd
	} else {
		end = newStart.Add(booking.End.Sub(booking.Start))
	}
	payload, err := json.Marshal(map[string]interface{}{
		"booking_id": bookingID,
		"start":      newStart,
		"end":        end,
	})
	if err != nil {
		return fmt.Errorf("failed to encode reschedule payload: %w", err)
	}
	if _, err := g.queue.Enqueue(ctx, models.ActionRescheduleBooking, bookingID, json.RawMessage(payload), ""); err != nil && !errors.Is(err, domain.ErrDuplicateAction) {
		return fmt.Errorf("failed to queue reschedule: %w", err)
	}

	booking.Start = *newStart
	booking.End = end
	booking.Exception = true
	booking.UpdatedAt = time.Now().UTC()
	if err := g.schedule.UpsertBooking(ctx, booking); err != nil {
		g.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("failed to move booking locally")
	}
	return nil
}

// SlotKey is the stable identifier of one materialized occurrence.
func SlotKey(patternID string, start time.Time) string {
	return fmt.Sprintf("series:%s:%s", patternID, start.UTC().Format(time.RFC3339))
}

func validatePattern(p *models.RecurringPattern) error {
	if p.DurationMin <= 0 {
		return &domain.ValidationError{Message: "pattern duration must be positive"}
	}
	if p.Interval <= 0 {
		return &domain.ValidationError{Message: "pattern interval must be positive"}
	}
	if !p.RangeEnd.After(p.RangeStart) {
		return &domain.ValidationError{Message: "pattern range end must be after range start"}
	}
	switch p.Frequency {
	case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyBiweekly, models.FrequencyMonthly:
	default:
		return &domain.ValidationError{Message: fmt.Sprintf("unknown frequency %q", p.Frequency)}
	}
	if (p.Frequency == models.FrequencyWeekly || p.Frequency == models.FrequencyBiweekly) && len(p.Weekdays) == 0 {
		return &domain.ValidationError{Message: "weekly patterns require at least one weekday"}
	}
	return nil
}

// expand walks the pattern's rule and returns start times inside both
// the pattern range and the requested window, in ascending order.
func expand(p *models.RecurringPattern, w models.OccurrenceWindow) []time.Time {
	from := p.RangeStart
	if w.From.After(from) {
		from = w.From
	}
	to := p.RangeEnd
	if !w.To.IsZero() && w.To.Before(to) {
		to = w.To
	}

	var out []time.Time
	add := func(t time.Time) bool {
		if t.Before(from) || !t.Before(to) {
			return true
		}
		out = append(out, t)
		return w.MaxCount <= 0 || len(out) < w.MaxCount
	}

	switch p.Frequency {
	case models.FrequencyDaily:
		step := time.Duration(p.Interval) * 24 * time.Hour
		for t := atTime(p.RangeStart, p); t.Before(to); t = t.Add(step) {
			if !add(t) {
				return out
			}
		}
	case models.FrequencyWeekly, models.FrequencyBiweekly:
		weeks := p.Interval
		if p.Frequency == models.FrequencyBiweekly {
			weeks *= 2
		}
		// Walk each week's days in calendar order regardless of how the
		// pattern lists them, so MaxCount cuts off the latest slots.
		offsets := make([]int, 0, len(p.Weekdays))
		for _, wd := range p.Weekdays {
			offsets = append(offsets, offsetFromMonday(wd))
		}
		sort.Ints(offsets)
		weekStart := startOfWeek(p.RangeStart)
		for ; weekStart.Before(to); weekStart = weekStart.AddDate(0, 0, 7*weeks) {
			for _, off := range offsets {
				day := weekStart.AddDate(0, 0, off)
				t := atTime(day, p)
				if !t.Before(to) {
					continue
				}
				if !add(t) {
					return out
				}
			}
		}
	case models.FrequencyMonthly:
		dayOfMonth := p.RangeStart.Day()
		base := time.Date(p.RangeStart.Year(), p.RangeStart.Month(), 1, 0, 0, 0, 0, p.RangeStart.Location())
		for m := base; m.Before(to); m = m.AddDate(0, p.Interval, 0) {
			t := time.Date(m.Year(), m.Month(), dayOfMonth, p.StartHour, p.StartMinute, 0, 0, m.Location())
			// Months shorter than the anchor day roll the date over;
			// skip those instead of drifting into the next month.
			if t.Month() != m.Month() {
				continue
			}
			if !t.Before(to) {
				continue
			}
			if !add(t) {
				return out
			}
		}
	}
	return out
}

func atTime(day time.Time, p *models.RecurringPattern) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), p.StartHour, p.StartMinute, 0, 0, day.Location())
}

func startOfWeek(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return day.AddDate(0, 0, -offsetFromMonday(day.Weekday()))
}

func offsetFromMonday(wd time.Weekday) int {
	// time.Weekday counts from Sunday; weeks here start on Monday.
	return (int(wd) + 6) % 7
}
