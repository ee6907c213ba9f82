package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"slotsync/internal/domain"
	"slotsync/internal/models"
)

// FailoverDraftRepository reads and writes drafts through the primary
// repository until it errors, then serves from the fallback. It probes
// the primary again after a cooldown.
type FailoverDraftRepository struct {
	primary   domain.DraftRepository
	fallback  domain.DraftRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck time.Time
}

func NewFailoverDraftRepository(primary, fallback domain.DraftRepository, logger *zerolog.Logger) *FailoverDraftRepository {
	return &FailoverDraftRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverDraftRepository) Get(ctx context.Context, deviceID string) (*models.BookingSession, error) {
	if !r.isDown.Load() {
		session, err := r.primary.Get(ctx, deviceID)
		if err == nil {
			return session, nil
		}
		r.logger.Error().Err(err).Msg("Primary draft repository failed, falling back to memory")
		r.isDown.Store(true)
		r.lastCheck = time.Now()
	}

	// Try to recover after 1 minute
	if r.isDown.Load() && time.Since(r.lastCheck) > time.Minute {
		session, err := r.primary.Get(ctx, deviceID)
		if err == nil {
			r.isDown.Store(false)
			return session, nil
		}
		r.lastCheck = time.Now()
	}

	return r.fallback.Get(ctx, deviceID)
}

func (r *FailoverDraftRepository) Save(ctx context.Context, session *models.BookingSession) error {
	if !r.isDown.Load() {
		err := r.primary.Save(ctx, session)
		if err == nil {
			return nil
		}
		r.logger.Error().Err(err).Msg("Primary draft repository failed, falling back to memory")
		r.isDown.Store(true)
		r.lastCheck = time.Now()
	}

	return r.fallback.Save(ctx, session)
}

func (r *FailoverDraftRepository) Clear(ctx context.Context, deviceID string) error {
	if !r.isDown.Load() {
		err := r.primary.Clear(ctx, deviceID)
		if err == nil {
			return nil
		}
		r.logger.Error().Err(err).Msg("Primary draft repository failed, falling back to memory")
		r.isDown.Store(true)
		r.lastCheck = time.Now()
	}

	return r.fallback.Clear(ctx, deviceID)
}
