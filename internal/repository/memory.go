package repository

import (
	"context"
	"sync"
	"time"

	"slotsync/internal/models"
)

// MemoryDraftRepository is the in-process fallback for draft autosave.
// Entries expire lazily on read.
type MemoryDraftRepository struct {
	drafts sync.Map
	ttl    time.Duration
}

type draftEntry struct {
	session   *models.BookingSession
	expiresAt time.Time
}

func NewMemoryDraftRepository(ttl time.Duration) *MemoryDraftRepository {
	return &MemoryDraftRepository{
		ttl: ttl,
	}
}

func (r *MemoryDraftRepository) Get(ctx context.Context, deviceID string) (*models.BookingSession, error) {
	val, ok := r.drafts.Load(deviceID)
	if !ok {
		return nil, nil
	}
	entry := val.(*draftEntry)
	if r.ttl > 0 && time.Now().After(entry.expiresAt) {
		r.drafts.Delete(deviceID)
		return nil, nil
	}
	return entry.session, nil
}

func (r *MemoryDraftRepository) Save(ctx context.Context, session *models.BookingSession) error {
	r.drafts.Store(session.DeviceID, &draftEntry{
		session:   session,
		expiresAt: time.Now().Add(r.ttl),
	})
	return nil
}

func (r *MemoryDraftRepository) Clear(ctx context.Context, deviceID string) error {
	r.drafts.Delete(deviceID)
	return nil
}
