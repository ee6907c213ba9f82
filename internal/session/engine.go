package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slotsync/internal/domain"
	"slotsync/internal/events"
	"slotsync/internal/models"
	"slotsync/internal/queue"
)

// OnlineChecker reports whether the server is currently reachable.
type OnlineChecker interface {
	Online() bool
}

// Engine drives the multi-step booking flow. Every mutation autosaves
// the draft so an interrupted flow resumes exactly where it stopped.
type Engine struct {
	drafts   domain.DraftRepository
	queue    *queue.Manager
	api      domain.BookingAPI
	schedule domain.ScheduleStore
	monitor  OnlineChecker
	bus      domain.EventPublisher
	logger   zerolog.Logger
	ttl      time.Duration
}

func NewEngine(drafts domain.DraftRepository, q *queue.Manager, api domain.BookingAPI, schedule domain.ScheduleStore, monitor OnlineChecker, bus domain.EventPublisher, ttl time.Duration, logger zerolog.Logger) *Engine {
	if ttl <= 0 {
		ttl = models.DefaultSessionTTLMinutes * time.Minute
	}
	return &Engine{
		drafts:   drafts,
		queue:    q,
		api:      api,
		schedule: schedule,
		monitor:  monitor,
		bus:      bus,
		logger:   logger.With().Str("component", "session").Logger(),
		ttl:      ttl,
	}
}

// Start resumes an existing draft for the device, or opens a fresh
// session at the first step. Drafts older than the TTL are abandoned.
func (e *Engine) Start(ctx context.Context, deviceID string) (*models.BookingSession, error) {
	draft, err := e.drafts.Get(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	if draft != nil {
		if e.ttl <= 0 || time.Since(draft.LastSavedAt) <= e.ttl {
			e.logger.Debug().Str("session_id", draft.ID).Str("step", string(draft.Step)).Msg("resuming draft")
			return draft, nil
		}
		if err := e.drafts.Clear(ctx, deviceID); err != nil {
			e.logger.Warn().Err(err).Msg("failed to clear stale draft")
		}
	}

	now := time.Now().UTC()
	session := &models.BookingSession{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		Step:           models.StepService,
		Data:           make(map[models.SessionStep]map[string]string),
		NetworkQuality: e.networkQuality(),
		CreatedAt:      now,
		LastSavedAt:    now,
	}
	if err := e.drafts.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	return session, nil
}

// UpdateStep merges field values into one step's snapshot and autosaves.
// Only the current step or an already-visited one may be edited.
func (e *Engine) UpdateStep(ctx context.Context, deviceID string, step models.SessionStep, fields map[string]string) (*models.BookingSession, error) {
	session, err := e.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	idx := models.StepIndex(step)
	if idx < 0 {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("unknown step %q", step)}
	}
	if idx > models.StepIndex(session.Step) {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("step %q is not reachable yet", step)}
	}

	if session.Data == nil {
		session.Data = make(map[models.SessionStep]map[string]string)
	}
	snapshot := session.Data[step]
	if snapshot == nil {
		snapshot = make(map[string]string)
		session.Data[step] = snapshot
	}
	for k, v := range fields {
		snapshot[k] = v
	}
	session.LastSavedAt = time.Now().UTC()

	if err := e.drafts.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	return session, nil
}

// Next validates the current step and advances to the following one.
func (e *Engine) Next(ctx context.Context, deviceID string) (*models.BookingSession, error) {
	session, err := e.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if err := validateStep(session, session.Step); err != nil {
		return nil, err
	}

	idx := models.StepIndex(session.Step)
	if idx >= len(models.SessionSteps)-1 {
		return nil, &domain.ValidationError{Message: "already at the final step"}
	}
	session.Step = models.SessionSteps[idx+1]
	session.LastSavedAt = time.Now().UTC()

	if err := e.drafts.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	return session, nil
}

// Back returns to the previous step without discarding entered data.
func (e *Engine) Back(ctx context.Context, deviceID string) (*models.BookingSession, error) {
	session, err := e.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	idx := models.StepIndex(session.Step)
	if idx <= 0 {
		return nil, &domain.ValidationError{Message: "already at the first step"}
	}
	session.Step = models.SessionSteps[idx-1]
	session.LastSavedAt = time.Now().UTC()

	if err := e.drafts.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	return session, nil
}

// Submit finalizes the session. When the server is reachable it creates
// the booking directly; otherwise the creation is queued and confirmed
// later by the sync engine. The session id doubles as the idempotency
// key, so a submit retried after an ambiguous failure cannot create a
// second booking.
func (e *Engine) Submit(ctx context.Context, deviceID string) (*models.SubmitOutcome, error) {
	session, err := e.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if session.Step != models.StepConfirmation {
		return nil, &domain.ValidationError{Message: "session is not at the confirmation step"}
	}
	for _, step := range models.SessionSteps[:len(models.SessionSteps)-1] {
		if err := validateStep(session, step); err != nil {
			return nil, err
		}
	}

	payload := buildPayload(session)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal booking payload: %w", err)
	}

	if e.monitor != nil && e.monitor.Online() {
		booking, err := e.api.CreateBooking(ctx, session.ID, raw)
		switch {
		case err == nil:
			if upErr := e.schedule.UpsertBooking(ctx, booking); upErr != nil {
				e.logger.Warn().Err(upErr).Str("booking_id", booking.ID).Msg("failed to record confirmed booking locally")
			}
			if clErr := e.drafts.Clear(ctx, deviceID); clErr != nil {
				e.logger.Warn().Err(clErr).Msg("failed to clear submitted draft")
			}
			if e.bus != nil {
				_ = e.bus.PublishJSON(events.EventBookingConfirmed, booking)
			}
			return &models.SubmitOutcome{Status: models.SubmitConfirmed, BookingID: booking.ID}, nil
		case domain.IsValidation(err) || domain.IsConflict(err):
			// The server rejected the content; queueing would only
			// defer the same answer.
			return nil, err
		default:
			e.logger.Warn().Err(err).Msg("direct submit failed, queueing instead")
		}
	}

	action, err := e.queue.Enqueue(ctx, models.ActionCreateBooking, payload.Resource, payload, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to queue booking: %w", err)
	}
	if err := e.recordTentative(ctx, session, payload); err != nil {
		e.logger.Warn().Err(err).Msg("failed to record tentative booking locally")
	}
	if err := e.drafts.Clear(ctx, deviceID); err != nil {
		e.logger.Warn().Err(err).Msg("failed to clear submitted draft")
	}
	if e.bus != nil {
		_ = e.bus.PublishJSON(events.EventBookingQueued, action)
	}
	return &models.SubmitOutcome{Status: models.SubmitQueued, ActionID: action.ID}, nil
}

// Cancel abandons the session and deletes the draft.
func (e *Engine) Cancel(ctx context.Context, deviceID string) error {
	if err := e.drafts.Clear(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to clear draft: %w", err)
	}
	return nil
}

// networkQuality names the connectivity at session creation. Monitors
// that expose their full state report it; a bare reachability check
// collapses to online/offline.
func (e *Engine) networkQuality() string {
	if e.monitor == nil {
		return "offline"
	}
	if r, ok := e.monitor.(interface{ NetworkQuality() string }); ok {
		return r.NetworkQuality()
	}
	if e.monitor.Online() {
		return "online"
	}
	return "offline"
}

func (e *Engine) load(ctx context.Context, deviceID string) (*models.BookingSession, error) {
	session, err := e.drafts.Get(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// BookingPayload is the create_booking request body assembled from the
// completed session steps.
type BookingPayload struct {
	SessionID     string    `json:"session_id"`
	Resource      string    `json:"resource"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	ClientName    string    `json:"client_name"`
	ClientPhone   string    `json:"client_phone"`
	PaymentMethod string    `json:"payment_method"`
	Notes         string    `json:"notes,omitempty"`
}

func buildPayload(s *models.BookingSession) *BookingPayload {
	start, _ := time.Parse(time.RFC3339, s.StepValue(models.StepDatetime, "start"))
	end, _ := time.Parse(time.RFC3339, s.StepValue(models.StepDatetime, "end"))
	return &BookingPayload{
		SessionID:     s.ID,
		Resource:      s.StepValue(models.StepService, "service_id"),
		Start:         start,
		End:           end,
		ClientName:    s.StepValue(models.StepClient, "client_name"),
		ClientPhone:   s.StepValue(models.StepClient, "client_phone"),
		PaymentMethod: s.StepValue(models.StepPayment, "payment_method"),
		Notes:         s.StepValue(models.StepClient, "notes"),
	}
}

func (e *Engine) recordTentative(ctx context.Context, s *models.BookingSession, p *BookingPayload) error {
	now := time.Now().UTC()
	return e.schedule.UpsertBooking(ctx, &models.ScheduledBooking{
		ID:        s.ID,
		Resource:  p.Resource,
		Start:     p.Start,
		End:       p.End,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func validateStep(s *models.BookingSession, step models.SessionStep) error {
	switch step {
	case models.StepService:
		if s.StepValue(step, "service_id") == "" {
			return &domain.ValidationError{Message: "service step requires a service_id"}
		}
	case models.StepDatetime:
		start, err := time.Parse(time.RFC3339, s.StepValue(step, "start"))
		if err != nil {
			return &domain.ValidationError{Message: "datetime step requires a valid RFC3339 start"}
		}
		end, err := time.Parse(time.RFC3339, s.StepValue(step, "end"))
		if err != nil {
			return &domain.ValidationError{Message: "datetime step requires a valid RFC3339 end"}
		}
		if !end.After(start) {
			return &domain.ValidationError{Message: "end must be after start"}
		}
	case models.StepClient:
		if s.StepValue(step, "client_name") == "" || s.StepValue(step, "client_phone") == "" {
			return &domain.ValidationError{Message: "client step requires client_name and client_phone"}
		}
	case models.StepPayment:
		if s.StepValue(step, "payment_method") == "" {
			return &domain.ValidationError{Message: "payment step requires a payment_method"}
		}
	}
	return nil
}
