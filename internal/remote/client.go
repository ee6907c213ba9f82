package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"slotsync/internal/config"
	"slotsync/internal/domain"
	"slotsync/internal/models"

	"github.com/rs/zerolog"
)

// Client talks to the remote booking server. Every mutation carries an
// Idempotency-Key header so a retried request after a dropped response
// cannot double-apply.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

func NewClient(cfg config.ServerConfig, logger *zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "remote").Logger()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  log,
	}
}

// errorBody is the server's error envelope. Conflict responses also
// carry the resource's current canonical state.
type errorBody struct {
	Error     string          `json:"error"`
	Canonical json.RawMessage `json:"canonical,omitempty"`
}

func (c *Client) CreateBooking(ctx context.Context, idemKey string, payload []byte) (*models.ScheduledBooking, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/bookings", idemKey, payload)
}

func (c *Client) UpdateBooking(ctx context.Context, idemKey, resource string, payload []byte) (*models.ScheduledBooking, error) {
	return c.do(ctx, http.MethodPatch, "/api/v1/bookings/"+resource, idemKey, payload)
}

func (c *Client) CancelBooking(ctx context.Context, idemKey, resource string) (*models.ScheduledBooking, error) {
	return c.do(ctx, http.MethodDelete, "/api/v1/bookings/"+resource, idemKey, nil)
}

func (c *Client) RescheduleBooking(ctx context.Context, idemKey, resource string, payload []byte) (*models.ScheduledBooking, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/bookings/"+resource+"/reschedule", idemKey, payload)
}

// Ping is the health probe used by the network monitor.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransientError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &domain.TransientError{Err: fmt.Errorf("server status %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, payload []byte) (*models.ScheduledBooking, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idemKey)
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection errors are indistinguishable from a
		// delivered-but-unacknowledged request; the idempotency key makes
		// blind retry safe.
		return nil, &domain.TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.TransientError{Err: err}
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("server request")

	return classify(resp.StatusCode, raw)
}

func classify(status int, raw []byte) (*models.ScheduledBooking, error) {
	switch {
	case status >= 200 && status < 300:
		if len(raw) == 0 {
			return nil, nil
		}
		var booking models.ScheduledBooking
		if err := json.Unmarshal(raw, &booking); err != nil {
			return nil, &domain.TransientError{Err: fmt.Errorf("decode response: %w", err)}
		}
		return &booking, nil

	case status == http.StatusUnauthorized:
		return nil, domain.ErrAuthRequired

	case status == http.StatusConflict:
		eb := decodeErrorBody(raw)
		return nil, &domain.ConflictError{
			Message:   serverMessage(eb, "resource changed on server"),
			Canonical: string(eb.Canonical),
		}

	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound || status == http.StatusForbidden:
		eb := decodeErrorBody(raw)
		return nil, &domain.ValidationError{Message: serverMessage(eb, fmt.Sprintf("request rejected with status %d", status))}

	default:
		return nil, &domain.TransientError{Err: fmt.Errorf("server status %d", status)}
	}
}

func decodeErrorBody(raw []byte) errorBody {
	var eb errorBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &eb); err != nil {
			eb.Error = strings.TrimSpace(string(raw))
		}
	}
	return eb
}

func serverMessage(eb errorBody, fallback string) string {
	if eb.Error != "" {
		return eb.Error
	}
	return fallback
}
