package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/events"
	"slotsync/internal/models"

	"github.com/rs/zerolog"
)

// recoveryProbeCooldown throttles pings against a degraded primary.
const recoveryProbeCooldown = time.Minute

// Primary is the durable backend behind the failover wrapper. Ping
// drives the read-only recovery probe.
type Primary interface {
	domain.ActionStore
	domain.ScheduleStore
	Ping(ctx context.Context) error
}

// Failover serves from the primary store until it reports a StorageError,
// then degrades to the in-memory fallback for the remainder of the
// session. Queued work written after the switch will not survive a
// reload, which is the documented trade-off for not losing it outright.
// Once the primary passes a recovery probe, schedule reads merge its
// durable rows back in; writes and queue reads stay on the fallback
// until restart, since the two backends assign clashing numeric action
// ids that cannot be merged.
type Failover struct {
	primary  Primary
	fallback *Memory
	logger   zerolog.Logger
	bus      domain.EventPublisher
	isDown   atomic.Bool

	recovered atomic.Bool
	probeMu   sync.Mutex
	lastProbe time.Time
}

func NewFailover(primary Primary, fallback *Memory, logger *zerolog.Logger) *Failover {
	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "store").Logger()
	}
	return &Failover{
		primary:  primary,
		fallback: fallback,
		logger:   log,
	}
}

// Degraded reports whether the store has switched to the in-memory
// fallback. The UI surfaces this so the user knows drafts and queued
// actions will not survive a reload.
func (f *Failover) Degraded() bool {
	return f.isDown.Load()
}

// AttachBus wires degradation events to the notification layer.
func (f *Failover) AttachBus(bus domain.EventPublisher) {
	f.bus = bus
}

func (f *Failover) degrade(err error) {
	if f.isDown.CompareAndSwap(false, true) {
		f.probeMu.Lock()
		f.lastProbe = time.Now()
		f.probeMu.Unlock()
		f.logger.Error().Err(err).Msg("Primary action store failed, degrading to in-memory store")
		if f.bus != nil {
			_ = f.bus.PublishJSON(events.EventStoreDegraded, map[string]string{"error": err.Error()})
		}
	}
}

// primaryReadable reports whether a degraded wrapper may consult the
// primary for schedule reads again. The probe is read-only and
// throttled, so a dead backend is not hammered on every call.
func (f *Failover) primaryReadable(ctx context.Context) bool {
	if f.recovered.Load() {
		return true
	}
	f.probeMu.Lock()
	if time.Since(f.lastProbe) < recoveryProbeCooldown {
		f.probeMu.Unlock()
		return false
	}
	f.lastProbe = time.Now()
	f.probeMu.Unlock()

	if err := f.primary.Ping(ctx); err != nil {
		return false
	}
	if f.recovered.CompareAndSwap(false, true) {
		f.logger.Info().Msg("Primary store reachable again, merging durable schedule rows into reads; writes stay in memory until restart")
	}
	return true
}

// mergeBookings unions durable rows into the in-memory view. The
// in-memory copy wins on id collisions: it holds the newer state.
func mergeBookings(mem, durable []models.ScheduledBooking) []models.ScheduledBooking {
	seen := make(map[string]struct{}, len(mem))
	for _, b := range mem {
		seen[b.ID] = struct{}{}
	}
	for _, b := range durable {
		if _, ok := seen[b.ID]; !ok {
			mem = append(mem, b)
		}
	}
	sort.Slice(mem, func(i, j int) bool { return mem[i].Start.Before(mem[j].Start) })
	return mem
}

// tryPrimary reports whether the primary result should be used. A
// non-storage error (e.g. not found) is a real answer, not a failure.
func (f *Failover) tryPrimary(err error) bool {
	if err == nil || !domain.IsStorage(err) {
		return true
	}
	f.degrade(err)
	return false
}

func (f *Failover) Append(ctx context.Context, action *models.Action) error {
	if !f.isDown.Load() {
		if err := f.primary.Append(ctx, action); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.Append(ctx, action)
}

func (f *Failover) Get(ctx context.Context, id int64) (*models.Action, error) {
	if !f.isDown.Load() {
		a, err := f.primary.Get(ctx, id)
		if f.tryPrimary(err) {
			return a, err
		}
	}
	return f.fallback.Get(ctx, id)
}

func (f *Failover) List(ctx context.Context, statuses ...models.ActionStatus) ([]models.Action, error) {
	if !f.isDown.Load() {
		actions, err := f.primary.List(ctx, statuses...)
		if f.tryPrimary(err) {
			return actions, err
		}
	}
	return f.fallback.List(ctx, statuses...)
}

func (f *Failover) ClaimBatch(ctx context.Context, limit int) ([]models.Action, error) {
	if !f.isDown.Load() {
		actions, err := f.primary.ClaimBatch(ctx, limit)
		if f.tryPrimary(err) {
			return actions, err
		}
	}
	return f.fallback.ClaimBatch(ctx, limit)
}

func (f *Failover) Requeue(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	if !f.isDown.Load() {
		if err := f.primary.Requeue(ctx, id, errMsg, nextAttemptAt); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.Requeue(ctx, id, errMsg, nextAttemptAt)
}

func (f *Failover) Release(ctx context.Context, id int64) error {
	if !f.isDown.Load() {
		if err := f.primary.Release(ctx, id); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.Release(ctx, id)
}

func (f *Failover) MarkCompleted(ctx context.Context, id int64) error {
	if !f.isDown.Load() {
		if err := f.primary.MarkCompleted(ctx, id); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.MarkCompleted(ctx, id)
}

func (f *Failover) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	if !f.isDown.Load() {
		if err := f.primary.MarkFailed(ctx, id, errMsg); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.MarkFailed(ctx, id, errMsg)
}

func (f *Failover) MarkConflict(ctx context.Context, id int64, errMsg, canonical string) error {
	if !f.isDown.Load() {
		if err := f.primary.MarkConflict(ctx, id, errMsg, canonical); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.MarkConflict(ctx, id, errMsg, canonical)
}

func (f *Failover) MarkDiscarded(ctx context.Context, id int64) error {
	if !f.isDown.Load() {
		if err := f.primary.MarkDiscarded(ctx, id); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.MarkDiscarded(ctx, id)
}

func (f *Failover) ResetForRetry(ctx context.Context, id int64) error {
	if !f.isDown.Load() {
		if err := f.primary.ResetForRetry(ctx, id); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.ResetForRetry(ctx, id)
}

func (f *Failover) Counts(ctx context.Context) (map[models.ActionStatus]int, error) {
	if !f.isDown.Load() {
		counts, err := f.primary.Counts(ctx)
		if f.tryPrimary(err) {
			return counts, err
		}
	}
	return f.fallback.Counts(ctx)
}

func (f *Failover) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if !f.isDown.Load() {
		n, err := f.primary.Purge(ctx, olderThan)
		if f.tryPrimary(err) {
			return n, err
		}
	}
	return f.fallback.Purge(ctx, olderThan)
}

func (f *Failover) UpsertBooking(ctx context.Context, booking *models.ScheduledBooking) error {
	if !f.isDown.Load() {
		if err := f.primary.UpsertBooking(ctx, booking); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.UpsertBooking(ctx, booking)
}

func (f *Failover) GetBooking(ctx context.Context, id string) (*models.ScheduledBooking, error) {
	if !f.isDown.Load() {
		b, err := f.primary.GetBooking(ctx, id)
		if f.tryPrimary(err) {
			return b, err
		}
	}
	b, err := f.fallback.GetBooking(ctx, id)
	if err == nil && b == nil && f.primaryReadable(ctx) {
		if durable, perr := f.primary.GetBooking(ctx, id); perr == nil {
			return durable, nil
		}
	}
	return b, err
}

func (f *Failover) UpdateBookingStatus(ctx context.Context, id, status string) error {
	if !f.isDown.Load() {
		if err := f.primary.UpdateBookingStatus(ctx, id, status); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.UpdateBookingStatus(ctx, id, status)
}

func (f *Failover) ListOverlapping(ctx context.Context, resource string, start, end time.Time) ([]models.ScheduledBooking, error) {
	if !f.isDown.Load() {
		bookings, err := f.primary.ListOverlapping(ctx, resource, start, end)
		if f.tryPrimary(err) {
			return bookings, err
		}
	}
	bookings, err := f.fallback.ListOverlapping(ctx, resource, start, end)
	if err == nil && f.primaryReadable(ctx) {
		if durable, perr := f.primary.ListOverlapping(ctx, resource, start, end); perr == nil {
			bookings = mergeBookings(bookings, durable)
		}
	}
	return bookings, err
}

func (f *Failover) ListSeries(ctx context.Context, seriesID string) ([]models.ScheduledBooking, error) {
	if !f.isDown.Load() {
		bookings, err := f.primary.ListSeries(ctx, seriesID)
		if f.tryPrimary(err) {
			return bookings, err
		}
	}
	bookings, err := f.fallback.ListSeries(ctx, seriesID)
	if err == nil && f.primaryReadable(ctx) {
		if durable, perr := f.primary.ListSeries(ctx, seriesID); perr == nil {
			bookings = mergeBookings(bookings, durable)
		}
	}
	return bookings, err
}

func (f *Failover) MarkBookingException(ctx context.Context, id string) error {
	if !f.isDown.Load() {
		if err := f.primary.MarkBookingException(ctx, id); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.MarkBookingException(ctx, id)
}

func (f *Failover) MarkException(ctx context.Context, patternID string, originalStart time.Time, reason string) error {
	if !f.isDown.Load() {
		if err := f.primary.MarkException(ctx, patternID, originalStart, reason); f.tryPrimary(err) {
			return err
		}
	}
	return f.fallback.MarkException(ctx, patternID, originalStart, reason)
}

func (f *Failover) IsException(ctx context.Context, patternID string, originalStart time.Time) (bool, error) {
	if !f.isDown.Load() {
		ok, err := f.primary.IsException(ctx, patternID, originalStart)
		if f.tryPrimary(err) {
			return ok, err
		}
	}
	ok, err := f.fallback.IsException(ctx, patternID, originalStart)
	if err == nil && !ok && f.primaryReadable(ctx) {
		if durable, perr := f.primary.IsException(ctx, patternID, originalStart); perr == nil {
			return durable, nil
		}
	}
	return ok, err
}
