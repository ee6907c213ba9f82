package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"slotsync/internal/models"
	"slotsync/internal/queue"
	"slotsync/internal/store"
)

func TestAuditReport(t *testing.T) {
	logger := zerolog.Nop()
	mem := store.NewMemory()
	q := queue.NewManager(mem, queue.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2}, time.Hour, nil, &logger)
	ctx := context.Background()

	// One dead-lettered and one conflicted action; pending ones are not
	// part of the audit.
	_, err := q.Enqueue(ctx, models.ActionCreateBooking, "room-1", map[string]string{"x": "1"}, "key-failed")
	require.NoError(t, err)
	conflicted, err := q.Enqueue(ctx, models.ActionCreateBooking, "room-2", map[string]string{"x": "2"}, "key-conflict")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionCancelBooking, "room-3", map[string]string{"x": "3"}, "key-pending")
	require.NoError(t, err)

	claimed, err := q.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, q.DeadLetter(ctx, &claimed[0], errors.New("server status 500")))
	require.NoError(t, q.MarkConflict(ctx, conflicted.ID, "slot already booked", `{"id":"srv-9"}`))

	exporter := NewExporter(q, t.TempDir(), logger)
	path, err := exporter.AuditReport(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Audit")
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + two actions

	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "create_booking", rows[1][1])
	assert.Equal(t, "room-1", rows[1][2])
	assert.Equal(t, "failed", rows[1][3])
	assert.Contains(t, rows[1][5], "server status 500")
	assert.Equal(t, "conflict", rows[2][3])
	assert.Equal(t, "key-conflict", rows[2][6])
}

func TestAuditReportEmptyQueue(t *testing.T) {
	logger := zerolog.Nop()
	mem := store.NewMemory()
	q := queue.NewManager(mem, queue.RetryPolicy{MaxAttempts: 3}, time.Hour, nil, &logger)

	exporter := NewExporter(q, t.TempDir(), logger)
	path, err := exporter.AuditReport(context.Background())
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Audit")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
