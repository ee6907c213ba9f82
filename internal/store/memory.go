package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/models"
)

// Memory is the in-process fallback store. It satisfies the same
// contracts as SQLite but does not survive a restart; the failover
// wrapper warns about that when it switches over.
type Memory struct {
	mu         sync.Mutex
	nextID     int64
	actions    map[int64]*models.Action
	bookings   map[string]*models.ScheduledBooking
	exceptions map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		nextID:     1,
		actions:    make(map[int64]*models.Action),
		bookings:   make(map[string]*models.ScheduledBooking),
		exceptions: make(map[string]string),
	}
}

func (m *Memory) Append(ctx context.Context, action *models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	if action.Status == "" {
		action.Status = models.ActionStatusPending
	}
	if action.IdempotencyKey != "" {
		for _, existing := range m.actions {
			if existing.IdempotencyKey == action.IdempotencyKey {
				return domain.ErrDuplicateAction
			}
		}
	}
	action.ID = m.nextID
	m.nextID++

	clone := *action
	m.actions[action.ID] = &clone
	return nil
}

func (m *Memory) Get(ctx context.Context, id int64) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return nil, domain.ErrActionNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *Memory) List(ctx context.Context, statuses ...models.ActionStatus) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Action
	for _, a := range m.actions {
		if len(statuses) > 0 && !statusIn(a.Status, statuses) {
			continue
		}
		out = append(out, *a)
	}
	sortActions(out)
	return out, nil
}

func (m *Memory) ClaimBatch(ctx context.Context, limit int) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var ripe []*models.Action
	for _, a := range m.actions {
		if a.Status != models.ActionStatusPending {
			continue
		}
		if a.NextAttemptAt != nil && a.NextAttemptAt.After(now) {
			continue
		}
		ripe = append(ripe, a)
	}
	sort.Slice(ripe, func(i, j int) bool {
		if ripe[i].CreatedAt.Equal(ripe[j].CreatedAt) {
			return ripe[i].ID < ripe[j].ID
		}
		return ripe[i].CreatedAt.Before(ripe[j].CreatedAt)
	})
	if len(ripe) > limit {
		ripe = ripe[:limit]
	}

	out := make([]models.Action, 0, len(ripe))
	for _, a := range ripe {
		a.Status = models.ActionStatusSyncing
		out = append(out, *a)
	}
	return out, nil
}

func (m *Memory) Requeue(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok || a.Status != models.ActionStatusSyncing {
		return nil
	}
	a.Status = models.ActionStatusPending
	a.AttemptCount++
	a.LastError = &errMsg
	next := nextAttemptAt
	a.NextAttemptAt = &next
	return nil
}

func (m *Memory) Release(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok || a.Status != models.ActionStatusSyncing {
		return nil
	}
	a.Status = models.ActionStatusPending
	return nil
}

func (m *Memory) MarkCompleted(ctx context.Context, id int64) error {
	return m.terminal(id, func(a *models.Action) {
		a.Status = models.ActionStatusCompleted
		a.LastError = nil
		a.NextAttemptAt = nil
	})
}

func (m *Memory) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return m.terminal(id, func(a *models.Action) {
		a.Status = models.ActionStatusFailed
		a.LastError = &errMsg
		a.NextAttemptAt = nil
	})
}

func (m *Memory) MarkConflict(ctx context.Context, id int64, errMsg, canonical string) error {
	return m.terminal(id, func(a *models.Action) {
		a.Status = models.ActionStatusConflict
		a.LastError = &errMsg
		a.CanonicalState = &canonical
		a.NextAttemptAt = nil
	})
}

func (m *Memory) MarkDiscarded(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return nil
	}
	now := time.Now()
	a.Status = models.ActionStatusDiscarded
	a.ProcessedAt = &now
	return nil
}

func (m *Memory) ResetForRetry(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return domain.ErrActionNotFound
	}
	if a.Status != models.ActionStatusFailed && a.Status != models.ActionStatusConflict {
		return domain.ErrActionNotFound
	}
	a.Status = models.ActionStatusPending
	a.AttemptCount = 0
	a.LastError = nil
	a.CanonicalState = nil
	a.NextAttemptAt = nil
	a.ProcessedAt = nil
	return nil
}

func (m *Memory) Counts(ctx context.Context) (map[models.ActionStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[models.ActionStatus]int)
	for _, a := range m.actions {
		counts[a.Status]++
	}
	return counts, nil
}

func (m *Memory) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, a := range m.actions {
		if !a.Terminal() || a.ProcessedAt == nil {
			continue
		}
		if a.ProcessedAt.Before(olderThan) {
			delete(m.actions, id)
			purged++
		}
	}
	return purged, nil
}

// terminal applies a transition unless the action is already terminal,
// keeping completion idempotent.
func (m *Memory) terminal(id int64, apply func(*models.Action)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok || a.Terminal() {
		return nil
	}
	apply(a)
	now := time.Now()
	a.ProcessedAt = &now
	return nil
}

func (m *Memory) UpsertBooking(ctx context.Context, booking *models.ScheduledBooking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if booking.CreatedAt.IsZero() {
		booking.CreatedAt = now
	}
	booking.UpdatedAt = now
	clone := *booking
	// The exception bit only ever goes one way; keep it set once marked,
	// matching the SQLite upsert which leaves the column alone on update.
	if prev, ok := m.bookings[booking.ID]; ok && prev.Exception {
		clone.Exception = true
	}
	m.bookings[booking.ID] = &clone
	return nil
}

func (m *Memory) GetBooking(ctx context.Context, id string) (*models.ScheduledBooking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, nil
	}
	clone := *b
	return &clone, nil
}

func (m *Memory) UpdateBookingStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bookings[id]; ok {
		b.Status = status
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (m *Memory) ListOverlapping(ctx context.Context, resource string, start, end time.Time) ([]models.ScheduledBooking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ScheduledBooking
	for _, b := range m.bookings {
		if b.Resource != resource || b.Status == models.StatusCancelled {
			continue
		}
		if b.Overlaps(start, end) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) ListSeries(ctx context.Context, seriesID string) ([]models.ScheduledBooking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ScheduledBooking
	for _, b := range m.bookings {
		if b.SeriesID == seriesID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) MarkBookingException(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bookings[id]; ok {
		b.Exception = true
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (m *Memory) MarkException(ctx context.Context, patternID string, originalStart time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.exceptions[exceptionKey(patternID, originalStart)] = reason
	return nil
}

func (m *Memory) IsException(ctx context.Context, patternID string, originalStart time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.exceptions[exceptionKey(patternID, originalStart)]
	return ok, nil
}

func exceptionKey(patternID string, originalStart time.Time) string {
	return strings.Join([]string{patternID, originalStart.UTC().Format(time.RFC3339)}, "|")
}

func statusIn(status models.ActionStatus, statuses []models.ActionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func sortActions(actions []models.Action) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}
