package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/models"

	"github.com/google/uuid"
)

const actionColumns = `id, kind, resource, payload, idempotency_key, status, attempt_count,
              last_error, canonical_state, created_at, processed_at, next_attempt_at`

func (s *SQLite) Append(ctx context.Context, action *models.Action) error {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	if action.Status == "" {
		action.Status = models.ActionStatusPending
	}

	query := `INSERT INTO actions (kind, resource, payload, idempotency_key, status, attempt_count, last_error, created_at, next_attempt_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(idempotency_key) DO NOTHING`
	result, err := s.db.ExecContext(ctx, query,
		action.Kind,
		action.Resource,
		action.Payload,
		action.IdempotencyKey,
		action.Status,
		action.AttemptCount,
		action.LastError,
		action.CreatedAt,
		action.NextAttemptAt,
	)
	if err != nil {
		return &domain.StorageError{Op: "append", Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &domain.StorageError{Op: "append", Err: err}
	}
	if affected == 0 {
		return domain.ErrDuplicateAction
	}

	id, err := result.LastInsertId()
	if err != nil {
		return &domain.StorageError{Op: "append", Err: err}
	}
	action.ID = id

	return nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrActionNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Err: err}
	}
	return action, nil
}

func (s *SQLite) List(ctx context.Context, statuses ...models.ActionStatus) ([]models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var actions []models.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "list", Err: err}
		}
		actions = append(actions, *action)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	return actions, nil
}

// ClaimBatch stamps a fresh claim token on up to limit ripe pending rows
// in one UPDATE, so a competing pass can never select the same rows.
func (s *SQLite) ClaimBatch(ctx context.Context, limit int) ([]models.Action, error) {
	token := uuid.NewString()
	now := time.Now()

	update := `UPDATE actions SET status = ?, claim_token = ?
               WHERE id IN (
                   SELECT id FROM actions
                   WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
                   ORDER BY created_at ASC, id ASC LIMIT ?
               )`
	if _, err := s.db.ExecContext(ctx, update,
		models.ActionStatusSyncing, token, models.ActionStatusPending, now, limit); err != nil {
		return nil, &domain.StorageError{Op: "claim", Err: err}
	}

	query := `SELECT ` + actionColumns + ` FROM actions WHERE claim_token = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, token)
	if err != nil {
		return nil, &domain.StorageError{Op: "claim", Err: err}
	}
	defer rows.Close()

	var actions []models.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "claim", Err: err}
		}
		actions = append(actions, *action)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "claim", Err: err}
	}
	return actions, nil
}

func (s *SQLite) Requeue(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	query := `UPDATE actions SET status = ?, last_error = ?, next_attempt_at = ?, claim_token = NULL,
              attempt_count = attempt_count + 1
              WHERE id = ? AND status = ?`
	return s.transition(ctx, "requeue", query,
		models.ActionStatusPending, errMsg, nextAttemptAt, id, models.ActionStatusSyncing)
}

func (s *SQLite) Release(ctx context.Context, id int64) error {
	query := `UPDATE actions SET status = ?, claim_token = NULL WHERE id = ? AND status = ?`
	return s.transition(ctx, "release", query,
		models.ActionStatusPending, id, models.ActionStatusSyncing)
}

// MarkCompleted is idempotent: completing an already-completed action is
// a no-op, not an error.
func (s *SQLite) MarkCompleted(ctx context.Context, id int64) error {
	query := `UPDATE actions SET status = ?, last_error = NULL, next_attempt_at = NULL, claim_token = NULL, processed_at = ?
              WHERE id = ? AND status NOT IN (?, ?)`
	return s.transition(ctx, "complete", query,
		models.ActionStatusCompleted, time.Now(), id,
		models.ActionStatusCompleted, models.ActionStatusDiscarded)
}

func (s *SQLite) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	query := `UPDATE actions SET status = ?, last_error = ?, next_attempt_at = NULL, claim_token = NULL, processed_at = ?
              WHERE id = ? AND status NOT IN (?, ?)`
	return s.transition(ctx, "fail", query,
		models.ActionStatusFailed, errMsg, time.Now(), id,
		models.ActionStatusCompleted, models.ActionStatusDiscarded)
}

func (s *SQLite) MarkConflict(ctx context.Context, id int64, errMsg, canonical string) error {
	query := `UPDATE actions SET status = ?, last_error = ?, canonical_state = ?, next_attempt_at = NULL, claim_token = NULL, processed_at = ?
              WHERE id = ? AND status NOT IN (?, ?)`
	return s.transition(ctx, "conflict", query,
		models.ActionStatusConflict, errMsg, canonical, time.Now(), id,
		models.ActionStatusCompleted, models.ActionStatusDiscarded)
}

func (s *SQLite) MarkDiscarded(ctx context.Context, id int64) error {
	query := `UPDATE actions SET status = ?, claim_token = NULL, processed_at = ? WHERE id = ?`
	return s.transition(ctx, "discard", query, models.ActionStatusDiscarded, time.Now(), id)
}

func (s *SQLite) ResetForRetry(ctx context.Context, id int64) error {
	query := `UPDATE actions SET status = ?, attempt_count = 0, last_error = NULL, canonical_state = NULL,
              next_attempt_at = NULL, claim_token = NULL, processed_at = NULL
              WHERE id = ? AND status IN (?, ?)`
	result, err := s.db.ExecContext(ctx, query,
		models.ActionStatusPending, id, models.ActionStatusFailed, models.ActionStatusConflict)
	if err != nil {
		return &domain.StorageError{Op: "reset", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return &domain.StorageError{Op: "reset", Err: err}
	}
	if affected == 0 {
		return domain.ErrActionNotFound
	}
	return nil
}

func (s *SQLite) Counts(ctx context.Context) (map[models.ActionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM actions GROUP BY status`)
	if err != nil {
		return nil, &domain.StorageError{Op: "counts", Err: err}
	}
	defer rows.Close()

	counts := make(map[models.ActionStatus]int)
	for rows.Next() {
		var status models.ActionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &domain.StorageError{Op: "counts", Err: err}
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "counts", Err: err}
	}
	return counts, nil
}

func (s *SQLite) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM actions WHERE status IN (?, ?) AND processed_at IS NOT NULL AND processed_at < ?`
	result, err := s.db.ExecContext(ctx, query,
		models.ActionStatusCompleted, models.ActionStatusDiscarded, olderThan)
	if err != nil {
		return 0, &domain.StorageError{Op: "purge", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, &domain.StorageError{Op: "purge", Err: err}
	}
	return affected, nil
}

func (s *SQLite) transition(ctx context.Context, op, query string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &domain.StorageError{Op: op, Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*models.Action, error) {
	var a models.Action
	err := row.Scan(
		&a.ID, &a.Kind, &a.Resource, &a.Payload, &a.IdempotencyKey, &a.Status, &a.AttemptCount,
		&a.LastError, &a.CanonicalState, &a.CreatedAt, &a.ProcessedAt, &a.NextAttemptAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
