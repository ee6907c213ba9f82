package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotsync/internal/config"
	"slotsync/internal/domain"
	"slotsync/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := zerolog.Nop()
	return NewClient(config.ServerConfig{
		BaseURL:        srv.URL,
		APIKey:         "secret-key",
		TimeoutSeconds: 5,
	}, &logger)
}

func TestClientCreateBooking(t *testing.T) {
	var gotIdemKey, gotAPIKey, gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotIdemKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get("X-Api-Key")
		gotPath = r.Method + " " + r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.ScheduledBooking{
			ID:       "srv-1",
			Resource: "room-1",
			Status:   models.StatusConfirmed,
		})
	})

	booking, err := client.CreateBooking(context.Background(), "key-1", []byte(`{"resource":"room-1"}`))
	require.NoError(t, err)
	require.NotNil(t, booking)
	assert.Equal(t, "srv-1", booking.ID)
	assert.Equal(t, "key-1", gotIdemKey)
	assert.Equal(t, "secret-key", gotAPIKey)
	assert.Equal(t, "POST /api/v1/bookings", gotPath)
}

func TestClientCancelBooking(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	booking, err := client.CancelBooking(context.Background(), "cancel:bk-1", "bk-1")
	require.NoError(t, err)
	assert.Nil(t, booking)
	assert.Equal(t, "DELETE /api/v1/bookings/bk-1", gotPath)
}

func TestClientClassifiesUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.CreateBooking(context.Background(), "key-1", nil)
	require.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestClientClassifiesConflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"slot already booked","canonical":{"id":"srv-9"}}`))
	})

	_, err := client.CreateBooking(context.Background(), "key-1", nil)
	require.Error(t, err)
	conflict, ok := domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, "slot already booked", conflict.Message)
	assert.JSONEq(t, `{"id":"srv-9"}`, conflict.Canonical)
}

func TestClientClassifiesValidation(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound, http.StatusForbidden} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"start time in the past"}`))
		})

		_, err := client.CreateBooking(context.Background(), "key-1", nil)
		require.Error(t, err, "status %d", status)
		assert.True(t, domain.IsValidation(err), "status %d", status)
		assert.Contains(t, err.Error(), "start time in the past")
	}
}

func TestClientClassifiesServerErrorsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.CreateBooking(context.Background(), "key-1", nil)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestClientConnectionErrorTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listens here anymore
	logger := zerolog.Nop()
	client := NewClient(config.ServerConfig{BaseURL: srv.URL, TimeoutSeconds: 1}, &logger)

	_, err := client.CreateBooking(context.Background(), "key-1", nil)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestClientNonJSONErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("plain text failure"))
	})

	_, err := client.CreateBooking(context.Background(), "key-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plain text failure")
}

func TestClientPing(t *testing.T) {
	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, healthy.Ping(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	err := down.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestClientReschedulePath(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.ScheduledBooking{ID: "bk-1", Start: time.Now()})
	})

	_, err := client.RescheduleBooking(context.Background(), "key-1", "bk-1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "POST /api/v1/bookings/bk-1/reschedule", gotPath)
}
