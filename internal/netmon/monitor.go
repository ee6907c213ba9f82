package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"slotsync/internal/events"
	"slotsync/internal/metrics"
	"slotsync/internal/models"
)

// State describes the monitor's view of server reachability.
type State int

const (
	StateOffline State = iota
	StateReconciling
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateReconciling:
		return "reconciling"
	default:
		return "offline"
	}
}

// ConnectivitySource answers a single reachability probe.
type ConnectivitySource interface {
	Ping(ctx context.Context) error
}

// PendingChecker reports whether unsynchronized work remains.
type PendingChecker interface {
	HasPending(ctx context.Context) (bool, error)
}

// SyncTrigger starts a synchronization pass.
type SyncTrigger interface {
	Sync(ctx context.Context) (*models.SyncResult, error)
}

// Monitor probes connectivity and drives the offline/reconciling/online
// state machine. A transition to reconciling triggers a sync pass; the
// monitor moves on to online once the pass drains the queue.
type Monitor struct {
	source  ConnectivitySource
	queue   PendingChecker
	syncer  SyncTrigger
	bus     *events.EventBus
	logger  zerolog.Logger
	limiter *rate.Limiter

	probeInterval   time.Duration
	stabilityWindow time.Duration
	stableProbes    int

	mu          sync.Mutex
	state       State
	goodProbes  int
	onlineSince time.Time
}

type Config struct {
	ProbeInterval   time.Duration
	StabilityWindow time.Duration
	StableProbes    int
	RetriggerRPS    float64
}

func New(source ConnectivitySource, queue PendingChecker, syncer SyncTrigger, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.StableProbes <= 0 {
		cfg.StableProbes = 2
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 5 * time.Second
	}
	if cfg.RetriggerRPS <= 0 {
		cfg.RetriggerRPS = 0.2
	}
	return &Monitor{
		source:          source,
		queue:           queue,
		syncer:          syncer,
		bus:             bus,
		logger:          logger.With().Str("component", "netmon").Logger(),
		limiter:         rate.NewLimiter(rate.Limit(cfg.RetriggerRPS), 1),
		probeInterval:   cfg.ProbeInterval,
		stabilityWindow: cfg.StabilityWindow,
		stableProbes:    cfg.StableProbes,
		state:           StateOffline,
	}
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether direct server calls should be attempted.
func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

// NetworkQuality names the current state for session records.
func (m *Monitor) NetworkQuality() string {
	return m.State().String()
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeInterval)
	err := m.source.Ping(probeCtx)
	cancel()

	if err != nil {
		m.onProbe(ctx, false)
		return
	}
	m.onProbe(ctx, true)
}

func (m *Monitor) onProbe(ctx context.Context, reachable bool) {
	m.mu.Lock()

	if !reachable {
		m.goodProbes = 0
		if m.state != StateOffline {
			m.transitionLocked(StateOffline)
		}
		m.mu.Unlock()
		return
	}

	m.goodProbes++
	switch m.state {
	case StateOffline:
		// Debounce flapping links: require consecutive successful probes
		// before declaring the server back.
		if m.goodProbes < m.stableProbes {
			m.mu.Unlock()
			return
		}
		m.transitionLocked(StateReconciling)
		m.mu.Unlock()
		m.startReconcile(ctx)
		return
	case StateReconciling:
		m.mu.Unlock()
		m.checkDrained(ctx)
		return
	case StateOnline:
		m.mu.Unlock()
		m.retriggerIfPending(ctx)
		return
	}
	m.mu.Unlock()
}

func (m *Monitor) startReconcile(ctx context.Context) {
	m.logger.Info().Msg("connectivity restored, starting reconciliation")
	go m.runSync(ctx)
}

func (m *Monitor) runSync(ctx context.Context) {
	if _, err := m.syncer.Sync(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("reconciliation sync pass failed")
		return
	}
	m.checkDrained(ctx)
}

func (m *Monitor) checkDrained(ctx context.Context) {
	pending, err := m.queue.HasPending(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("pending check failed")
		return
	}
	if pending {
		// Still backlogged; kick another pass if the throttle allows.
		m.retriggerIfPending(ctx)
		return
	}

	m.mu.Lock()
	if m.state == StateReconciling {
		if m.stabilityWindow > 0 {
			if m.onlineSince.IsZero() {
				m.onlineSince = time.Now()
				m.mu.Unlock()
				return
			}
			if time.Since(m.onlineSince) < m.stabilityWindow {
				m.mu.Unlock()
				return
			}
		}
		m.transitionLocked(StateOnline)
	}
	m.mu.Unlock()
}

// retriggerIfPending starts an extra sync pass when queued work remains,
// rate-limited so repeated probes do not hammer the engine.
func (m *Monitor) retriggerIfPending(ctx context.Context) {
	pending, err := m.queue.HasPending(ctx)
	if err != nil || !pending {
		return
	}
	if !m.limiter.Allow() {
		return
	}
	go m.runSync(ctx)
}

func (m *Monitor) transitionLocked(next State) {
	prev := m.state
	m.state = next
	if next != StateReconciling {
		m.onlineSince = time.Time{}
	}
	if next == StateOffline {
		m.goodProbes = 0
	}

	m.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("connectivity state changed")
	metrics.SetNetworkState(int(next))

	if m.bus != nil {
		_ = m.bus.PublishJSON(events.EventConnectivityChanged, map[string]string{
			"from": prev.String(),
			"to":   next.String(),
		})
	}
}
