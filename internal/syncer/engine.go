package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/events"
	"slotsync/internal/metrics"
	"slotsync/internal/models"
	"slotsync/internal/queue"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Engine drains the action queue against the booking server. A pass is
// single-flight: competing triggers (manual refresh, reconnect, periodic
// timer) collapse into the in-flight pass and share its result.
type Engine struct {
	queue    *queue.Manager
	api      domain.BookingAPI
	schedule domain.ScheduleStore
	bus      domain.EventPublisher
	logger   zerolog.Logger

	batchSize      int
	concurrency    int
	requestTimeout time.Duration

	group    singleflight.Group
	lastSync atomic.Pointer[time.Time]
}

func New(q *queue.Manager, api domain.BookingAPI, schedule domain.ScheduleStore, bus domain.EventPublisher, logger *zerolog.Logger, batchSize, concurrency int, requestTimeout time.Duration) *Engine {
	if batchSize <= 0 {
		batchSize = models.DefaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "syncer").Logger()
	}

	return &Engine{
		queue:          q,
		api:            api,
		schedule:       schedule,
		bus:            bus,
		logger:         log,
		batchSize:      batchSize,
		concurrency:    concurrency,
		requestTimeout: requestTimeout,
	}
}

// LastSyncAt returns when the most recent pass finished, or nil.
func (e *Engine) LastSyncAt() *time.Time {
	return e.lastSync.Load()
}

// Sync runs one synchronization pass. A call made while a pass is
// already running joins that pass's eventual result instead of starting
// a second one.
func (e *Engine) Sync(ctx context.Context) (*models.SyncResult, error) {
	v, err, _ := e.group.Do("pass", func() (interface{}, error) {
		return e.runPass(ctx)
	})

	result, _ := v.(*models.SyncResult)
	return result, err
}

func (e *Engine) runPass(ctx context.Context) (*models.SyncResult, error) {
	actions, err := e.queue.DequeueBatch(ctx, e.batchSize)
	if err != nil {
		metrics.IncSyncPass("error")
		return nil, err
	}

	result := &models.SyncResult{Timestamp: time.Now()}
	if len(actions) == 0 {
		e.finishPass(result)
		return result, nil
	}

	e.logger.Info().Int("claimed", len(actions)).Msg("sync pass started")

	groups := groupByResource(actions)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			return e.processGroup(gctx, grp, result, &mu)
		})
	}

	// Only authentication loss (or teardown) surfaces here; per-action
	// failures are recorded in the result instead of aborting the pass.
	passErr := g.Wait()

	e.finishPass(result)

	e.logger.Info().
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Int("conflicts", result.Conflicts).
		Int("requeued", result.Requeued).
		Msg("sync pass finished")

	return result, passErr
}

func (e *Engine) finishPass(result *models.SyncResult) {
	now := time.Now()
	e.lastSync.Store(&now)
	metrics.IncSyncPass("ok")
	metrics.SetLastSync(now)
	if e.bus != nil {
		_ = e.bus.PublishJSON(events.EventSyncCompleted, result)
	}
}

// groupByResource splits claimed actions into per-resource groups,
// preserving creation order inside each group. Groups are independent
// and may be dispatched concurrently.
func groupByResource(actions []models.Action) [][]models.Action {
	index := make(map[string]int)
	var groups [][]models.Action
	for _, a := range actions {
		i, ok := index[a.Resource]
		if !ok {
			i = len(groups)
			index[a.Resource] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], a)
	}
	return groups
}

// processGroup applies one resource's actions strictly in creation
// order. When an action cannot complete, the rest of the group is
// released untouched so ordering survives into the next pass.
func (e *Engine) processGroup(ctx context.Context, group []models.Action, result *models.SyncResult, mu *sync.Mutex) error {
	for i := range group {
		action := group[i]

		// Teardown: stop claiming new work; already-dispatched requests
		// have completed because dispatch detaches from this context.
		if ctx.Err() != nil {
			e.releaseFrom(group, i, result, mu)
			return nil
		}

		booking, err := e.dispatch(ctx, &action)
		switch {
		case err == nil:
			e.complete(ctx, &action, booking)
			mu.Lock()
			result.Synced++
			mu.Unlock()
			metrics.IncSyncAction("completed")

		case errors.Is(err, domain.ErrAuthRequired):
			e.releaseFrom(group, i, result, mu)
			return err

		case domain.IsConflict(err):
			conflict, _ := domain.AsConflict(err)
			if markErr := e.queue.MarkConflict(ctx, action.ID, conflict.Message, conflict.Canonical); markErr != nil {
				e.logger.Error().Err(markErr).Int64("action_id", action.ID).Msg("mark conflict")
			}
			if e.bus != nil {
				_ = e.bus.PublishJSON(events.EventConflictDetected, &action)
			}
			mu.Lock()
			result.Conflicts++
			result.Errors = append(result.Errors, actionError(&action, conflict.Message))
			mu.Unlock()
			metrics.IncSyncAction("conflict")

			// Later actions on a conflicted resource wait for the user
			// to resolve; they go back untouched.
			e.releaseFrom(group, i+1, result, mu)
			return nil

		case domain.IsValidation(err):
			if dlErr := e.queue.DeadLetter(ctx, &action, err); dlErr != nil {
				e.logger.Error().Err(dlErr).Int64("action_id", action.ID).Msg("dead-letter")
			}
			mu.Lock()
			result.Failed++
			result.Errors = append(result.Errors, actionError(&action, err.Error()))
			mu.Unlock()
			metrics.IncSyncAction("failed")

		default:
			// Transient: requeue with backoff, or dead-letter once the
			// budget is spent. Either way the rest of the group keeps
			// its place in line.
			if e.queue.ShouldDeadLetter(&action) {
				if dlErr := e.queue.DeadLetter(ctx, &action, err); dlErr != nil {
					e.logger.Error().Err(dlErr).Int64("action_id", action.ID).Msg("dead-letter")
				}
				mu.Lock()
				result.Failed++
				result.Errors = append(result.Errors, actionError(&action, err.Error()))
				mu.Unlock()
				metrics.IncSyncAction("failed")
			} else {
				if rqErr := e.queue.Requeue(ctx, &action, err); rqErr != nil {
					e.logger.Error().Err(rqErr).Int64("action_id", action.ID).Msg("requeue")
				}
				mu.Lock()
				result.Requeued++
				mu.Unlock()
				metrics.IncSyncAction("requeued")
			}
			e.releaseFrom(group, i+1, result, mu)
			return nil
		}
	}
	return nil
}

// dispatch sends one server request. The request context is detached
// from the pass context: once sent, a request is never hard-cancelled,
// so the server cannot apply a mutation the client has no record of.
func (e *Engine) dispatch(ctx context.Context, action *models.Action) (*models.ScheduledBooking, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.requestTimeout)
	defer cancel()

	payload := []byte(action.Payload)
	switch action.Kind {
	case models.ActionCreateBooking:
		return e.api.CreateBooking(reqCtx, action.IdempotencyKey, payload)
	case models.ActionUpdateBooking:
		return e.api.UpdateBooking(reqCtx, action.IdempotencyKey, action.Resource, payload)
	case models.ActionCancelBooking:
		return e.api.CancelBooking(reqCtx, action.IdempotencyKey, action.Resource)
	case models.ActionRescheduleBooking:
		return e.api.RescheduleBooking(reqCtx, action.IdempotencyKey, action.Resource, payload)
	default:
		return nil, &domain.ValidationError{Message: "unknown action kind: " + string(action.Kind)}
	}
}

func (e *Engine) complete(ctx context.Context, action *models.Action, booking *models.ScheduledBooking) {
	if err := e.queue.MarkCompleted(ctx, action.ID); err != nil {
		e.logger.Error().Err(err).Int64("action_id", action.ID).Msg("mark completed")
	}
	e.applyToSchedule(ctx, action, booking)
}

// applyToSchedule keeps the local read model current from sync outcomes
// so the conflict detector sees confirmed reality.
func (e *Engine) applyToSchedule(ctx context.Context, action *models.Action, booking *models.ScheduledBooking) {
	if e.schedule == nil {
		return
	}

	if action.Kind == models.ActionCancelBooking {
		if err := e.schedule.UpdateBookingStatus(ctx, action.Resource, models.StatusCancelled); err != nil {
			e.logger.Error().Err(err).Str("resource", action.Resource).Msg("update schedule status")
		}
		return
	}

	if booking == nil {
		return
	}

	// A server echo does not know about local series bookkeeping.
	if existing, err := e.schedule.GetBooking(ctx, booking.ID); err == nil && existing != nil {
		if booking.SeriesID == "" {
			booking.SeriesID = existing.SeriesID
		}
		booking.Exception = booking.Exception || existing.Exception
		booking.CreatedAt = existing.CreatedAt
	}
	if booking.Status == "" {
		booking.Status = models.StatusConfirmed
	}
	if err := e.schedule.UpsertBooking(ctx, booking); err != nil {
		e.logger.Error().Err(err).Str("booking_id", booking.ID).Msg("update schedule")
	}
}

func (e *Engine) releaseFrom(group []models.Action, from int, result *models.SyncResult, mu *sync.Mutex) {
	if from >= len(group) {
		return
	}
	// Release must succeed even when the pass context is gone.
	ctx := context.Background()
	for _, a := range group[from:] {
		if err := e.queue.Release(ctx, a.ID); err != nil {
			e.logger.Error().Err(err).Int64("action_id", a.ID).Msg("release claimed action")
		}
	}
	mu.Lock()
	result.Requeued += len(group[from:])
	mu.Unlock()
}

func actionError(action *models.Action, message string) models.ActionError {
	return models.ActionError{
		ActionID: action.ID,
		Kind:     action.Kind,
		Resource: action.Resource,
		Message:  message,
	}
}
