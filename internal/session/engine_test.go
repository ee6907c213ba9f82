package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotsync/internal/domain"
	"slotsync/internal/events"
	"slotsync/internal/models"
	"slotsync/internal/queue"
	"slotsync/internal/repository"
	"slotsync/internal/store"
)

type stubMonitor struct{ online bool }

func (s *stubMonitor) Online() bool { return s.online }

type stubAPI struct {
	createErr error
	lastKey   string
	lastBody  []byte
}

func (s *stubAPI) CreateBooking(_ context.Context, idemKey string, payload []byte) (*models.ScheduledBooking, error) {
	s.lastKey = idemKey
	s.lastBody = payload
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &models.ScheduledBooking{ID: "srv-" + idemKey, Resource: "svc-1", Status: models.StatusConfirmed}, nil
}

func (s *stubAPI) UpdateBooking(context.Context, string, string, []byte) (*models.ScheduledBooking, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAPI) CancelBooking(context.Context, string, string) (*models.ScheduledBooking, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAPI) RescheduleBooking(context.Context, string, string, []byte) (*models.ScheduledBooking, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAPI) Ping(context.Context) error { return nil }

type sessionFixture struct {
	engine  *Engine
	api     *stubAPI
	monitor *stubMonitor
	queue   *queue.Manager
	mem     *store.Memory
}

func newFixture(t *testing.T, bus domain.EventPublisher) *sessionFixture {
	t.Helper()
	logger := zerolog.Nop()
	mem := store.NewMemory()
	q := queue.NewManager(mem, queue.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}, 7*24*time.Hour, bus, &logger)
	api := &stubAPI{}
	monitor := &stubMonitor{}
	drafts := repository.NewMemoryDraftRepository(30 * time.Minute)
	engine := NewEngine(drafts, q, api, mem, monitor, bus, 30*time.Minute, logger)
	return &sessionFixture{engine: engine, api: api, monitor: monitor, queue: q, mem: mem}
}

// fill walks the session through every step with valid data, stopping
// at confirmation.
func fill(t *testing.T, f *sessionFixture, deviceID string) *models.BookingSession {
	t.Helper()
	ctx := context.Background()
	start := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Minute)

	_, err := f.engine.Start(ctx, deviceID)
	require.NoError(t, err)

	steps := []struct {
		step   models.SessionStep
		fields map[string]string
	}{
		{models.StepService, map[string]string{"service_id": "svc-1"}},
		{models.StepDatetime, map[string]string{
			"start": start.Format(time.RFC3339),
			"end":   start.Add(30 * time.Minute).Format(time.RFC3339),
		}},
		{models.StepClient, map[string]string{"client_name": "Anna", "client_phone": "+4915200000000"}},
		{models.StepPayment, map[string]string{"payment_method": "card"}},
	}
	for _, s := range steps {
		_, err = f.engine.UpdateStep(ctx, deviceID, s.step, s.fields)
		require.NoError(t, err)
		_, err = f.engine.Next(ctx, deviceID)
		require.NoError(t, err)
	}

	session, err := f.engine.Start(ctx, deviceID)
	require.NoError(t, err)
	require.Equal(t, models.StepConfirmation, session.Step)
	return session
}

func TestSessionStartAndResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.Start(ctx, "device-1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, models.StepService, first.Step)

	// Starting again resumes the same draft instead of opening a new one.
	again, err := f.engine.Start(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// A different device gets its own session.
	other, err := f.engine.Start(ctx, "device-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

type reportingMonitor struct {
	stubMonitor
	quality string
}

func (r *reportingMonitor) NetworkQuality() string { return r.quality }

func TestSessionRecordsNetworkQuality(t *testing.T) {
	ctx := context.Background()

	t.Run("FromOnlineFlag", func(t *testing.T) {
		f := newFixture(t, nil)
		f.monitor.online = true
		sess, err := f.engine.Start(ctx, "device-1")
		require.NoError(t, err)
		assert.Equal(t, "online", sess.NetworkQuality)
	})

	t.Run("FromFullState", func(t *testing.T) {
		f := newFixture(t, nil)
		monitor := &reportingMonitor{quality: "reconciling"}
		engine := NewEngine(repository.NewMemoryDraftRepository(30*time.Minute), f.queue, f.api, f.mem, monitor, nil, 30*time.Minute, zerolog.Nop())
		sess, err := engine.Start(ctx, "device-1")
		require.NoError(t, err)
		assert.Equal(t, "reconciling", sess.NetworkQuality)
	})

	t.Run("OfflineByDefault", func(t *testing.T) {
		f := newFixture(t, nil)
		sess, err := f.engine.Start(ctx, "device-1")
		require.NoError(t, err)
		assert.Equal(t, "offline", sess.NetworkQuality)
	})
}

func TestSessionAbandonsStaleDraft(t *testing.T) {
	logger := zerolog.Nop()
	mem := store.NewMemory()
	q := queue.NewManager(mem, queue.RetryPolicy{MaxAttempts: 3}, time.Hour, nil, &logger)
	drafts := repository.NewMemoryDraftRepository(time.Hour)
	engine := NewEngine(drafts, q, &stubAPI{}, mem, &stubMonitor{}, nil, 20*time.Millisecond, logger)
	ctx := context.Background()

	first, err := engine.Start(ctx, "device-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	fresh, err := engine.Start(ctx, "device-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.Equal(t, models.StepService, fresh.Step)
}

func TestSessionStepGating(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "device-1")
	require.NoError(t, err)

	// Future steps are not editable before the flow reaches them.
	_, err = f.engine.UpdateStep(ctx, "device-1", models.StepPayment, map[string]string{"payment_method": "card"})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	_, err = f.engine.UpdateStep(ctx, "device-1", "teleport", nil)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	// Advancing past an incomplete step is rejected.
	_, err = f.engine.Next(ctx, "device-1")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	_, err = f.engine.UpdateStep(ctx, "device-1", models.StepService, map[string]string{"service_id": "svc-1"})
	require.NoError(t, err)
	session, err := f.engine.Next(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.StepDatetime, session.Step)

	// Back keeps the entered data.
	session, err = f.engine.Back(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.StepService, session.Step)
	assert.Equal(t, "svc-1", session.StepValue(models.StepService, "service_id"))

	_, err = f.engine.Back(ctx, "device-1")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestSessionDatetimeValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "device-1")
	require.NoError(t, err)
	_, err = f.engine.UpdateStep(ctx, "device-1", models.StepService, map[string]string{"service_id": "svc-1"})
	require.NoError(t, err)
	_, err = f.engine.Next(ctx, "device-1")
	require.NoError(t, err)

	start := time.Now().Add(time.Hour).UTC()
	_, err = f.engine.UpdateStep(ctx, "device-1", models.StepDatetime, map[string]string{
		"start": start.Format(time.RFC3339),
		"end":   start.Add(-time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)

	_, err = f.engine.Next(ctx, "device-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end must be after start")
}

func TestSessionSubmitOffline(t *testing.T) {
	bus := events.NewEventBus()
	var queued []string
	bus.Subscribe(events.EventBookingQueued, func(e *events.Event) error {
		queued = append(queued, e.Type)
		return nil
	})
	f := newFixture(t, bus)
	f.monitor.online = false
	ctx := context.Background()

	session := fill(t, f, "device-1")

	outcome, err := f.engine.Submit(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubmitQueued, outcome.Status)
	require.NotZero(t, outcome.ActionID)

	// The queued action carries the session id as its idempotency key.
	action, err := f.queue.Get(ctx, outcome.ActionID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreateBooking, action.Kind)
	assert.Equal(t, session.ID, action.IdempotencyKey)
	assert.Equal(t, "svc-1", action.Resource)

	var payload BookingPayload
	require.NoError(t, json.Unmarshal([]byte(action.Payload), &payload))
	assert.Equal(t, "Anna", payload.ClientName)
	assert.Equal(t, "card", payload.PaymentMethod)

	// A tentative booking holds the slot locally until sync confirms it.
	booking, err := f.mem.GetBooking(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, booking)
	assert.Equal(t, models.StatusPending, booking.Status)

	assert.Equal(t, []string{events.EventBookingQueued}, queued)

	// The draft is gone; the flow starts over.
	fresh, err := f.engine.Start(ctx, "device-1")
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, fresh.ID)
}

func TestSessionSubmitOnline(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.online = true
	ctx := context.Background()

	session := fill(t, f, "device-1")

	outcome, err := f.engine.Submit(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubmitConfirmed, outcome.Status)
	assert.Equal(t, "srv-"+session.ID, outcome.BookingID)
	assert.Equal(t, session.ID, f.api.lastKey)

	// Nothing went through the queue.
	pending, err := f.queue.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	booking, err := f.mem.GetBooking(ctx, outcome.BookingID)
	require.NoError(t, err)
	require.NotNil(t, booking)
	assert.Equal(t, models.StatusConfirmed, booking.Status)
}

func TestSessionSubmitOnlineRejectionNotQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.online = true
	f.api.createErr = &domain.ConflictError{Message: "slot already booked"}
	ctx := context.Background()

	fill(t, f, "device-1")

	_, err := f.engine.Submit(ctx, "device-1")
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	// A content rejection is surfaced, not deferred to the queue, and
	// the draft survives so the user can fix it.
	pending, qErr := f.queue.HasPending(ctx)
	require.NoError(t, qErr)
	assert.False(t, pending)

	_, err = f.engine.Next(ctx, "device-1")
	require.Error(t, err) // still at confirmation, but the session exists
	assert.NotErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionSubmitOnlineTransientFallsBackToQueue(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.online = true
	f.api.createErr = &domain.TransientError{Err: errors.New("connection reset")}
	ctx := context.Background()

	fill(t, f, "device-1")

	outcome, err := f.engine.Submit(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubmitQueued, outcome.Status)
}

func TestSessionSubmitRequiresConfirmationStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "device-1")
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, "device-1")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestSessionCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "device-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(ctx, "device-1"))

	_, err = f.engine.Next(ctx, "device-1")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}
