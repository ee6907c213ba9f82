package recurrence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotsync/internal/domain"
	"slotsync/internal/models"
	"slotsync/internal/queue"
	"slotsync/internal/store"
)

func newTestGenerator(t *testing.T) (*Generator, *queue.Manager, *store.Memory) {
	t.Helper()
	logger := zerolog.Nop()
	mem := store.NewMemory()
	q := queue.NewManager(mem, queue.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2}, 7*24*time.Hour, nil, &logger)
	g := NewGenerator(mem, q, 15*time.Minute, logger)
	return g, q, mem
}

// weeklyTuesdays is a Tuesday 10:00 slot, 30 minutes, across four weeks
// of June 2030 (the 3rd is a Monday).
func weeklyTuesdays() *models.RecurringPattern {
	return &models.RecurringPattern{
		ID:          "pat-1",
		Resource:    "room-1",
		Frequency:   models.FrequencyWeekly,
		Interval:    1,
		Weekdays:    []time.Weekday{time.Tuesday},
		StartHour:   10,
		StartMinute: 0,
		DurationMin: 30,
		RangeStart:  time.Date(2030, 6, 3, 0, 0, 0, 0, time.UTC),
		RangeEnd:    time.Date(2030, 6, 30, 0, 0, 0, 0, time.UTC),
		Active:      true,
	}
}

func tuesday(day int) time.Time {
	return time.Date(2030, 6, day, 10, 0, 0, 0, time.UTC)
}

func TestGenerateWeeklyOccurrences(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	occs, err := g.GenerateOccurrences(context.Background(), weeklyTuesdays(), models.OccurrenceWindow{})
	require.NoError(t, err)
	require.Len(t, occs, 4)

	for i, day := range []int{4, 11, 18, 25} {
		assert.Equal(t, tuesday(day), occs[i].Start, "occurrence %d", i)
		assert.Equal(t, tuesday(day).Add(30*time.Minute), occs[i].End)
		assert.Equal(t, models.ConflictNone, occs[i].Conflict)
	}
}

func TestGenerateFlagsConflicts(t *testing.T) {
	g, _, mem := newTestGenerator(t)
	ctx := context.Background()

	// Direct overlap on week three.
	require.NoError(t, mem.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:       "walk-in",
		Resource: "room-1",
		Start:    tuesday(18),
		End:      tuesday(18).Add(time.Hour),
		Status:   models.StatusConfirmed,
	}))
	// Back-to-back within the buffer on week two.
	require.NoError(t, mem.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:       "adjacent",
		Resource: "room-1",
		Start:    tuesday(11).Add(35 * time.Minute),
		End:      tuesday(11).Add(65 * time.Minute),
		Status:   models.StatusConfirmed,
	}))
	// Same slot, different resource: irrelevant.
	require.NoError(t, mem.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:       "elsewhere",
		Resource: "room-2",
		Start:    tuesday(4),
		End:      tuesday(4).Add(time.Hour),
		Status:   models.StatusConfirmed,
	}))

	occs, err := g.GenerateOccurrences(ctx, weeklyTuesdays(), models.OccurrenceWindow{})
	require.NoError(t, err)
	require.Len(t, occs, 4)

	assert.Equal(t, models.ConflictNone, occs[0].Conflict)
	assert.Equal(t, models.ConflictSoft, occs[1].Conflict)
	assert.Equal(t, "adjacent", occs[1].ConflictWith)
	assert.Equal(t, models.ConflictHard, occs[2].Conflict)
	assert.Equal(t, "walk-in", occs[2].ConflictWith)
	assert.Equal(t, models.ConflictNone, occs[3].Conflict)
}

func TestMaterialize(t *testing.T) {
	g, q, mem := newTestGenerator(t)
	ctx := context.Background()
	pattern := weeklyTuesdays()

	require.NoError(t, mem.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:       "walk-in",
		Resource: "room-1",
		Start:    tuesday(18),
		End:      tuesday(18).Add(time.Hour),
		Status:   models.StatusConfirmed,
	}))

	report, occs, err := g.Materialize(ctx, pattern, models.OccurrenceWindow{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalGenerated)
	assert.Equal(t, 1, report.TotalConflicts)
	assert.Len(t, occs, 4)

	actions, err := q.List(ctx, models.ActionStatusPending)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, SlotKey("pat-1", tuesday(4)), actions[0].IdempotencyKey)

	// Each queued slot is held locally as a tentative series booking.
	series, err := mem.ListSeries(ctx, "pat-1")
	require.NoError(t, err)
	require.Len(t, series, 3)
	for _, b := range series {
		assert.Equal(t, models.StatusPending, b.Status)
		assert.Equal(t, "pat-1", b.SeriesID)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	g, q, _ := newTestGenerator(t)
	ctx := context.Background()
	pattern := weeklyTuesdays()

	first, _, err := g.Materialize(ctx, pattern, models.OccurrenceWindow{})
	require.NoError(t, err)
	assert.Equal(t, 4, first.TotalGenerated)

	// The tentative bookings from the first run belong to this series,
	// so regeneration neither conflicts with them nor re-queues them.
	second, _, err := g.Materialize(ctx, pattern, models.OccurrenceWindow{})
	require.NoError(t, err)
	assert.Zero(t, second.TotalGenerated)
	assert.Zero(t, second.TotalConflicts)

	actions, err := q.List(ctx, models.ActionStatusPending)
	require.NoError(t, err)
	assert.Len(t, actions, 4)
}

func TestGenerateSkipsExceptions(t *testing.T) {
	g, _, mem := newTestGenerator(t)
	ctx := context.Background()

	require.NoError(t, mem.MarkException(ctx, "pat-1", tuesday(11), "cancelled"))

	occs, err := g.GenerateOccurrences(ctx, weeklyTuesdays(), models.OccurrenceWindow{})
	require.NoError(t, err)
	require.Len(t, occs, 3)
	for _, occ := range occs {
		assert.NotEqual(t, tuesday(11), occ.Start)
	}
}

func TestGenerateWindowBounds(t *testing.T) {
	g, _, _ := newTestGenerator(t)
	ctx := context.Background()

	occs, err := g.GenerateOccurrences(ctx, weeklyTuesdays(), models.OccurrenceWindow{
		From: time.Date(2030, 6, 10, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2030, 6, 20, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.Equal(t, tuesday(11), occs[0].Start)
	assert.Equal(t, tuesday(18), occs[1].Start)

	occs, err = g.GenerateOccurrences(ctx, weeklyTuesdays(), models.OccurrenceWindow{MaxCount: 2})
	require.NoError(t, err)
	require.Len(t, occs, 2)
}

func TestCancelSeries(t *testing.T) {
	g, q, mem := newTestGenerator(t)
	ctx := context.Background()

	_, _, err := g.Materialize(ctx, weeklyTuesdays(), models.OccurrenceWindow{})
	require.NoError(t, err)

	// One occurrence already lies in the past.
	require.NoError(t, mem.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:       "old-one",
		Resource: "room-1",
		SeriesID: "pat-1",
		Start:    time.Date(2020, 1, 7, 10, 0, 0, 0, time.UTC),
		End:      time.Date(2020, 1, 7, 10, 30, 0, 0, time.UTC),
		Status:   models.StatusCompleted,
	}))

	cancelled, err := g.CancelSeries(ctx, "pat-1", true)
	require.NoError(t, err)
	assert.Equal(t, 4, cancelled)

	old, err := mem.GetBooking(ctx, "old-one")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, old.Status)

	cancels, err := q.List(ctx, models.ActionStatusPending)
	require.NoError(t, err)
	kinds := map[models.ActionKind]int{}
	for _, a := range cancels {
		kinds[a.Kind]++
	}
	assert.Equal(t, 4, kinds[models.ActionCancelBooking])

	// Cancelling again is a no-op.
	cancelled, err = g.CancelSeries(ctx, "pat-1", true)
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestModifyOccurrenceCancel(t *testing.T) {
	g, q, mem := newTestGenerator(t)
	ctx := context.Background()

	start := tuesday(11)
	require.NoError(t, mem.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:       "occ-1",
		Resource: "room-1",
		SeriesID: "pat-1",
		Start:    start,
		End:      start.Add(30 * time.Minute),
		Status:   models.StatusConfirmed,
	}))

	require.NoError(t, g.ModifyOccurrence(ctx, "pat-1", "occ-1", nil, nil))

	excepted, err := mem.IsException(ctx, "pat-1", start)
	require.NoError(t, err)
	assert.True(t, excepted)

	booking, err := mem.GetBooking(ctx, "occ-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, booking.Status)

	actions, err := q.List(ctx, models.ActionStatusPending)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionCancelBooking, actions[0].Kind)

	// The pinned slot never comes back on regeneration.
	occs, err := g.GenerateOccurrences(ctx, weeklyTuesdays(), models.OccurrenceWindow{})
	require.NoError(t, err)
	for _, occ := range occs {
		assert.NotEqual(t, start, occ.Start)
	}
}

func TestModifyOccurrenceReschedule(t *testing.T) {
	g, q, mem := newTestGenerator(t)
	ctx := context.Background()

	start := tuesday(11)
	require.NoError(t, mem.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:       "occ-1",
		Resource: "room-1",
		SeriesID: "pat-1",
		Start:    start,
		End:      start.Add(30 * time.Minute),
		Status:   models.StatusConfirmed,
	}))

	newStart := start.Add(4 * time.Hour)
	require.NoError(t, g.ModifyOccurrence(ctx, "pat-1", "occ-1", &newStart, nil))

	booking, err := mem.GetBooking(ctx, "occ-1")
	require.NoError(t, err)
	assert.Equal(t, newStart, booking.Start)
	assert.Equal(t, newStart.Add(30*time.Minute), booking.End)
	assert.True(t, booking.Exception)

	actions, err := q.List(ctx, models.ActionStatusPending)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionRescheduleBooking, actions[0].Kind)
}

func TestModifyOccurrenceWrongSeries(t *testing.T) {
	g, _, mem := newTestGenerator(t)
	ctx := context.Background()

	require.NoError(t, mem.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:       "solo",
		Resource: "room-1",
		Start:    tuesday(11),
		End:      tuesday(11).Add(time.Hour),
		Status:   models.StatusConfirmed,
	}))

	err := g.ModifyOccurrence(ctx, "pat-1", "solo", nil, nil)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	err = g.ModifyOccurrence(ctx, "pat-1", "missing", nil, nil)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestExpandDaily(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	pattern := &models.RecurringPattern{
		ID:          "daily-1",
		Resource:    "room-1",
		Frequency:   models.FrequencyDaily,
		Interval:    2,
		StartHour:   9,
		StartMinute: 30,
		DurationMin: 60,
		RangeStart:  time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:    time.Date(2030, 6, 8, 0, 0, 0, 0, time.UTC),
	}

	occs, err := g.GenerateOccurrences(context.Background(), pattern, models.OccurrenceWindow{})
	require.NoError(t, err)
	require.Len(t, occs, 4)
	assert.Equal(t, time.Date(2030, 6, 1, 9, 30, 0, 0, time.UTC), occs[0].Start)
	assert.Equal(t, time.Date(2030, 6, 3, 9, 30, 0, 0, time.UTC), occs[1].Start)
	assert.Equal(t, time.Date(2030, 6, 7, 9, 30, 0, 0, time.UTC), occs[3].Start)
}

func TestExpandBiweekly(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	pattern := weeklyTuesdays()
	pattern.Frequency = models.FrequencyBiweekly

	occs, err := g.GenerateOccurrences(context.Background(), pattern, models.OccurrenceWindow{})
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.Equal(t, tuesday(4), occs[0].Start)
	assert.Equal(t, tuesday(18), occs[1].Start)
}

func TestExpandWeeklyUnsortedWeekdays(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	pattern := weeklyTuesdays()
	pattern.Weekdays = []time.Weekday{time.Friday, time.Tuesday}

	// A cap must cut off the latest slots, not whichever the pattern
	// happened to list last.
	occs, err := g.GenerateOccurrences(context.Background(), pattern, models.OccurrenceWindow{MaxCount: 3})
	require.NoError(t, err)
	require.Len(t, occs, 3)
	assert.Equal(t, tuesday(4), occs[0].Start)
	assert.Equal(t, time.Date(2030, 6, 7, 10, 0, 0, 0, time.UTC), occs[1].Start)
	assert.Equal(t, tuesday(11), occs[2].Start)
}

func TestExpandMonthlySkipsShortMonths(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	pattern := &models.RecurringPattern{
		ID:          "monthly-1",
		Resource:    "room-1",
		Frequency:   models.FrequencyMonthly,
		Interval:    1,
		StartHour:   14,
		DurationMin: 45,
		RangeStart:  time.Date(2030, 1, 31, 0, 0, 0, 0, time.UTC),
		RangeEnd:    time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	occs, err := g.GenerateOccurrences(context.Background(), pattern, models.OccurrenceWindow{})
	require.NoError(t, err)

	// February and April have no 31st; neither slips into the next month.
	require.Len(t, occs, 2)
	assert.Equal(t, time.Date(2030, 1, 31, 14, 0, 0, 0, time.UTC), occs[0].Start)
	assert.Equal(t, time.Date(2030, 3, 31, 14, 0, 0, 0, time.UTC), occs[1].Start)
}

func TestValidatePattern(t *testing.T) {
	g, _, _ := newTestGenerator(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.RecurringPattern)
	}{
		{"ZeroDuration", func(p *models.RecurringPattern) { p.DurationMin = 0 }},
		{"ZeroInterval", func(p *models.RecurringPattern) { p.Interval = 0 }},
		{"InvertedRange", func(p *models.RecurringPattern) { p.RangeEnd = p.RangeStart.Add(-time.Hour) }},
		{"UnknownFrequency", func(p *models.RecurringPattern) { p.Frequency = "yearly" }},
		{"WeeklyWithoutWeekdays", func(p *models.RecurringPattern) { p.Weekdays = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pattern := weeklyTuesdays()
			tc.mutate(pattern)
			_, err := g.GenerateOccurrences(ctx, pattern, models.OccurrenceWindow{})
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err))
		})
	}
}
