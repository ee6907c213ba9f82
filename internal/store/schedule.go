package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/models"
)

const bookingColumns = `id, resource, series_id, start_at, end_at, status, exception, created_at, updated_at`

func (s *SQLite) UpsertBooking(ctx context.Context, booking *models.ScheduledBooking) error {
	now := time.Now()
	if booking.CreatedAt.IsZero() {
		booking.CreatedAt = now
	}
	booking.UpdatedAt = now

	query := `INSERT INTO bookings (id, resource, series_id, start_at, end_at, status, exception, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                  resource = excluded.resource,
                  series_id = excluded.series_id,
                  start_at = excluded.start_at,
                  end_at = excluded.end_at,
                  status = excluded.status,
                  updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query,
		booking.ID, booking.Resource, nullable(booking.SeriesID),
		booking.Start, booking.End, booking.Status, booking.Exception,
		booking.CreatedAt, booking.UpdatedAt,
	); err != nil {
		return &domain.StorageError{Op: "upsert_booking", Err: err}
	}
	return nil
}

func (s *SQLite) GetBooking(ctx context.Context, id string) (*models.ScheduledBooking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	booking, err := scanBooking(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get_booking", Err: err}
	}
	return booking, nil
}

func (s *SQLite) UpdateBookingStatus(ctx context.Context, id, status string) error {
	query := `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, status, time.Now(), id); err != nil {
		return &domain.StorageError{Op: "update_booking_status", Err: err}
	}
	return nil
}

// ListOverlapping returns bookings on the resource intersecting
// [start, end), cancelled ones excluded. Callers widen the window by the
// adjacency buffer when screening for soft conflicts.
func (s *SQLite) ListOverlapping(ctx context.Context, resource string, start, end time.Time) ([]models.ScheduledBooking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE resource = ? AND status IN (?, ?, ?) AND start_at < ? AND end_at > ?
              ORDER BY start_at ASC`
	rows, err := s.db.QueryContext(ctx, query,
		resource, models.StatusPending, models.StatusConfirmed, models.StatusCompleted, end, start)
	if err != nil {
		return nil, &domain.StorageError{Op: "list_overlapping", Err: err}
	}
	defer rows.Close()
	return collectBookings(rows)
}

func (s *SQLite) ListSeries(ctx context.Context, seriesID string) ([]models.ScheduledBooking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE series_id = ? ORDER BY start_at ASC`
	rows, err := s.db.QueryContext(ctx, query, seriesID)
	if err != nil {
		return nil, &domain.StorageError{Op: "list_series", Err: err}
	}
	defer rows.Close()
	return collectBookings(rows)
}

func (s *SQLite) MarkBookingException(ctx context.Context, id string) error {
	query := `UPDATE bookings SET exception = 1, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return &domain.StorageError{Op: "mark_booking_exception", Err: err}
	}
	return nil
}

func (s *SQLite) MarkException(ctx context.Context, patternID string, originalStart time.Time, reason string) error {
	query := `INSERT INTO series_exceptions (pattern_id, original_start, reason)
              VALUES (?, ?, ?)
              ON CONFLICT(pattern_id, original_start) DO UPDATE SET reason = excluded.reason`
	if _, err := s.db.ExecContext(ctx, query, patternID, originalStart, reason); err != nil {
		return &domain.StorageError{Op: "mark_exception", Err: err}
	}
	return nil
}

func (s *SQLite) IsException(ctx context.Context, patternID string, originalStart time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM series_exceptions WHERE pattern_id = ? AND original_start = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, query, patternID, originalStart).Scan(&n); err != nil {
		return false, &domain.StorageError{Op: "is_exception", Err: err}
	}
	return n > 0, nil
}

func collectBookings(rows *sql.Rows) ([]models.ScheduledBooking, error) {
	var bookings []models.ScheduledBooking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "scan_booking", Err: err}
		}
		bookings = append(bookings, *booking)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "scan_booking", Err: err}
	}
	return bookings, nil
}

func scanBooking(row rowScanner) (*models.ScheduledBooking, error) {
	var b models.ScheduledBooking
	var seriesID sql.NullString
	err := row.Scan(
		&b.ID, &b.Resource, &seriesID, &b.Start, &b.End, &b.Status, &b.Exception,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.SeriesID = seriesID.String
	return &b, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
