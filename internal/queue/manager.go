package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/metrics"
	"slotsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// idempotencyBucket is the coarse time bucket folded into derived keys,
// wide enough that a user repeating the same intent moments later
// collapses into one server-side effect.
const idempotencyBucket = 5 * time.Minute

const (
	EventActionEnqueued     = "action_enqueued"
	EventActionDeadLettered = "action_dead_lettered"
)

// Manager owns enqueue/dequeue/retry semantics over the action store.
// It is an explicit instance with injected storage, owned by the
// application context; tests hand it an in-memory store.
type Manager struct {
	store     domain.ActionStore
	retry     RetryPolicy
	retention time.Duration
	bus       domain.EventPublisher
	logger    zerolog.Logger

	lastSyncAt func() *time.Time
	degraded   func() bool
}

type Option func(*Manager)

// WithLastSync lets the sync engine feed last-pass time into Stats.
func WithLastSync(fn func() *time.Time) Option {
	return func(m *Manager) { m.lastSyncAt = fn }
}

// WithDegraded exposes store degradation through Stats.
func WithDegraded(fn func() bool) Option {
	return func(m *Manager) { m.degraded = fn }
}

func NewManager(store domain.ActionStore, retry RetryPolicy, retention time.Duration, bus domain.EventPublisher, logger *zerolog.Logger, opts ...Option) *Manager {
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = models.DefaultMaxAttempts
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if retention <= 0 {
		retention = models.DefaultRetentionDays * 24 * time.Hour
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "queue").Logger()
	}

	m := &Manager{
		store:     store,
		retry:     retry,
		retention: retention,
		bus:       bus,
		logger:    log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue durably records a mutation. An empty idemKey gets a derived
// key (kind + resource + payload digest + coarse time bucket) so that
// repeating the same logical mutation cannot double-apply server-side.
func (m *Manager) Enqueue(ctx context.Context, kind models.ActionKind, resource string, payload interface{}, idemKey string) (*models.Action, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if idemKey == "" {
		idemKey = DeriveIdempotencyKey(kind, resource, raw, time.Now())
	}

	action := &models.Action{
		Kind:           kind,
		Resource:       resource,
		Payload:        string(raw),
		IdempotencyKey: idemKey,
		Status:         models.ActionStatusPending,
		CreatedAt:      time.Now(),
	}

	if err := m.store.Append(ctx, action); err != nil {
		return nil, fmt.Errorf("persist action: %w", err)
	}

	m.logger.Info().
		Int64("action_id", action.ID).
		Str("kind", string(kind)).
		Str("resource", resource).
		Msg("action enqueued")

	if m.bus != nil {
		_ = m.bus.PublishJSON(EventActionEnqueued, action)
	}

	return action, nil
}

// DeriveIdempotencyKey builds a deterministic key for a logical
// mutation. Callers with a natural unique token (session id, occurrence
// slot) should pass their own instead.
func DeriveIdempotencyKey(kind models.ActionKind, resource string, payload []byte, at time.Time) string {
	bucket := at.UTC().Truncate(idempotencyBucket).Unix()
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%s:%s:%d", kind, resource, hex.EncodeToString(sum[:8]), bucket)
}

// NewToken returns a client-generated unique idempotency token.
func NewToken() string {
	return uuid.NewString()
}

// DequeueBatch claims up to maxN ripe pending actions as syncing.
// The claim is single-flight per action id.
func (m *Manager) DequeueBatch(ctx context.Context, maxN int) ([]models.Action, error) {
	if maxN <= 0 {
		maxN = models.DefaultBatchSize
	}
	return m.store.ClaimBatch(ctx, maxN)
}

// Requeue schedules the next attempt after min(base * factor^attempt, cap).
func (m *Manager) Requeue(ctx context.Context, action *models.Action, cause error) error {
	attempt := action.AttemptCount + 1
	next := time.Now().Add(m.retry.NextDelay(attempt))
	return m.store.Requeue(ctx, action.ID, cause.Error(), next)
}

// Release returns a claimed action to pending without charging an attempt.
func (m *Manager) Release(ctx context.Context, id int64) error {
	return m.store.Release(ctx, id)
}

// ShouldDeadLetter reports whether the next failure exhausts the budget.
func (m *Manager) ShouldDeadLetter(action *models.Action) bool {
	return m.retry.Exhausted(action.AttemptCount + 1)
}

// DeadLetter parks an action as failed. It stays visible for manual
// retry or discard and is never silently dropped.
func (m *Manager) DeadLetter(ctx context.Context, action *models.Action, cause error) error {
	if err := m.store.MarkFailed(ctx, action.ID, cause.Error()); err != nil {
		return err
	}

	m.logger.Warn().
		Int64("action_id", action.ID).
		Str("kind", string(action.Kind)).
		Str("resource", action.Resource).
		Int("attempts", action.AttemptCount).
		Str("cause", cause.Error()).
		Msg("action dead-lettered")

	if m.bus != nil {
		_ = m.bus.PublishJSON(EventActionDeadLettered, action)
	}
	return nil
}

// MarkCompleted and MarkConflict are thin passthroughs kept on the
// manager so the engine has one write surface.
func (m *Manager) MarkCompleted(ctx context.Context, id int64) error {
	return m.store.MarkCompleted(ctx, id)
}

func (m *Manager) MarkConflict(ctx context.Context, id int64, errMsg, canonical string) error {
	return m.store.MarkConflict(ctx, id, errMsg, canonical)
}

// Retry is the manual remediation path for a failed or conflicted action.
func (m *Manager) Retry(ctx context.Context, id int64) error {
	return m.store.ResetForRetry(ctx, id)
}

// Discard removes a dead-lettered action from further consideration. It
// stays in the store until the retention window elapses.
func (m *Manager) Discard(ctx context.Context, id int64) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return m.store.MarkDiscarded(ctx, id)
}

func (m *Manager) Get(ctx context.Context, id int64) (*models.Action, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, statuses ...models.ActionStatus) ([]models.Action, error) {
	return m.store.List(ctx, statuses...)
}

// HasPending reports whether any action is waiting for a sync pass.
func (m *Manager) HasPending(ctx context.Context) (bool, error) {
	counts, err := m.store.Counts(ctx)
	if err != nil {
		return false, err
	}
	return counts[models.ActionStatusPending] > 0, nil
}

// Stats is the aggregate view the UI subscribes to.
func (m *Manager) Stats(ctx context.Context) (*models.QueueStats, error) {
	counts, err := m.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.QueueStats{
		Pending:   counts[models.ActionStatusPending],
		Syncing:   counts[models.ActionStatusSyncing],
		Failed:    counts[models.ActionStatusFailed],
		Conflicts: counts[models.ActionStatusConflict],
	}
	if m.lastSyncAt != nil {
		stats.LastSyncAt = m.lastSyncAt()
	}
	if m.degraded != nil {
		stats.Degraded = m.degraded()
	}

	metrics.SetQueueDepth(string(models.ActionStatusPending), stats.Pending)
	metrics.SetQueueDepth(string(models.ActionStatusSyncing), stats.Syncing)
	metrics.SetQueueDepth(string(models.ActionStatusFailed), stats.Failed)
	metrics.SetQueueDepth(string(models.ActionStatusConflict), stats.Conflicts)

	return stats, nil
}

// Purge drops terminal actions older than the retention window.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	purged, err := m.store.Purge(ctx, time.Now().Add(-m.retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		m.logger.Info().Int64("purged", purged).Msg("purged terminal actions")
	}
	return purged, nil
}
