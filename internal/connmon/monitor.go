// Package connmon classifies network reachability as online, offline,
// or checking, and drives queue flush + cache refresh when connectivity
// returns.
package connmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/bakeline/batch-sync/internal/errors"
	"github.com/bakeline/batch-sync/internal/state"
	"golang.org/x/time/rate"
)

// State is the tri-state connection classification. There is no
// "degraded" state; pending-write count is an orthogonal signal layered
// on top of online.
type State string

const (
	StateChecking State = "checking"
	StateOnline   State = "online"
	StateOffline  State = "offline"
)

const (
	// defaultPollInterval is how often reachability is probed.
	defaultPollInterval = 60 * time.Second

	// defaultProbeTimeout bounds a single reachability probe.
	defaultProbeTimeout = 5 * time.Second

	// defaultRetryCooldown is the minimum gap between manual retries,
	// preventing tap-spam from flooding the probe/flush cycle.
	defaultRetryCooldown = 5 * time.Second

	// subscriberBuffer is the channel buffer per status subscriber.
	// Slow consumers miss intermediate snapshots rather than blocking
	// the monitor.
	subscriberBuffer = 8
)

// Status is the UI-facing signal bundle.
type Status struct {
	State        State      `json:"state"`
	PendingCount int        `json:"pending_count"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Prober checks backend reachability. *remote.Store satisfies this.
type Prober interface {
	Probe(ctx context.Context) error
}

// Flusher replays the offline write queue. *queue.Queue satisfies this.
type Flusher interface {
	Flush(ctx context.Context) int
	PendingCount() int
}

// Refresher pulls remote state into the local cache. The gateway
// satisfies this.
type Refresher interface {
	Refresh(ctx context.Context)
}

// Config tunes the monitor. Zero values take defaults.
type Config struct {
	PollInterval  time.Duration
	ProbeTimeout  time.Duration
	RetryCooldown time.Duration
}

// Monitor owns the connection state machine. Run drives it; all timers
// live in that goroutine and die with its context.
type Monitor struct {
	prober    Prober
	flusher   Flusher
	refresher Refresher
	store     *state.Store
	logger    *slog.Logger
	cfg       Config

	limiter *rate.Limiter
	retryCh chan struct{}

	mu           sync.Mutex
	st           State
	lastSyncedAt *time.Time

	subMu sync.Mutex
	subs  map[chan Status]struct{}
}

// New creates a monitor in the checking state. The last-synced-at
// timestamp from a previous session is restored from the state store.
func New(prober Prober, flusher Flusher, refresher Refresher, store *state.Store, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = defaultRetryCooldown
	}

	m := &Monitor{
		prober:    prober,
		flusher:   flusher,
		refresher: refresher,
		store:     store,
		logger:    logger,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Every(cfg.RetryCooldown), 1),
		retryCh:   make(chan struct{}, 1),
		st:        StateChecking,
		subs:      make(map[chan Status]struct{}),
	}

	if ts, err := store.LastSyncedAt(); err == nil {
		m.lastSyncedAt = ts
	} else {
		logger.Warn("reading last synced time", slog.String("error", err.Error()))
	}

	return m
}

// Run probes immediately, then on every poll tick and manual retry,
// until ctx is cancelled. It always returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			m.probe(ctx)

		case <-m.retryCh:
			m.probe(ctx)
		}
	}
}

// ManualRetry requests an immediate probe, forcing the checking state
// until it resolves. Calls within the cooldown window are dropped and
// return ErrRetryCooldown; no probe is dispatched for them.
func (m *Monitor) ManualRetry() error {
	if !m.limiter.Allow() {
		return apperrors.ErrRetryCooldown
	}

	m.setState(StateChecking)

	select {
	case m.retryCh <- struct{}{}:
	default:
	}

	return nil
}

// Status returns the current UI-facing signal bundle.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		State:        m.st,
		PendingCount: m.flusher.PendingCount(),
		LastSyncedAt: m.lastSyncedAt,
	}
}

// Subscribe registers a status channel. The caller receives a snapshot
// on every state or pending-count change; snapshots are dropped rather
// than blocking when the caller lags. Unsubscribe with the returned
// cancel function.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)

	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, ch)
		m.subMu.Unlock()
	}
}

// probe runs a single bounded reachability check and applies the
// resulting transition.
func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Probe(pctx)

	cancel()

	if ctx.Err() != nil {
		// Torn down while the probe was in flight; discard the result.
		return
	}

	if err != nil {
		if prev := m.setState(StateOffline); prev != StateOffline {
			m.logger.Info("connection lost", slog.String("error", err.Error()))
		}

		return
	}

	prev := m.setState(StateOnline)
	if prev != StateOnline {
		m.logger.Info("connection restored")
		m.syncNow(ctx)

		return
	}

	// Still online: drain anything that was queued since the last pass.
	// Flush is internally guarded, so a speculative call is harmless.
	if m.flusher.PendingCount() > 0 {
		m.flusher.Flush(ctx)
		m.notify()
	}
}

// syncNow performs the on-reconnect sequence. The order is load-bearing:
// queued local writes must land before the refresh, otherwise the pull
// would read pre-write server state and regress the cache.
func (m *Monitor) syncNow(ctx context.Context) {
	m.flusher.Flush(ctx)
	m.refresher.Refresh(ctx)

	now := time.Now().UTC()
	if err := m.store.SetLastSyncedAt(now); err != nil {
		m.logger.Warn("persisting last synced time", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	m.lastSyncedAt = &now
	m.mu.Unlock()

	m.notify()
}

// setState transitions to next, returning the previous state.
// Subscribers are notified only on change.
func (m *Monitor) setState(next State) State {
	m.mu.Lock()
	prev := m.st
	m.st = next
	m.mu.Unlock()

	if prev != next {
		m.notify()
	}

	return prev
}

func (m *Monitor) notify() {
	status := m.Status()

	m.subMu.Lock()
	defer m.subMu.Unlock()

	for ch := range m.subs {
		select {
		case ch <- status:
		default:
		}
	}
}
