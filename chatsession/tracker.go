package chatsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-relay/backend/provider"
	"github.com/onnwee/chat-relay/backend/telemetry"
)

// ChangeFunc receives the previous and the newly discovered session id.
// Either may be "" (no session). It runs synchronously inside Refresh, so it
// must not block; dispatch expensive work to a goroutine.
type ChangeFunc func(old, new string)

// Tracker owns the current session id. It rediscovers the active session via
// the provider gateway, persists changes through the Store, and runs an
// optional background monitoring loop.
type Tracker struct {
	gw       provider.Gateway
	store    *Store
	clock    clockwork.Clock
	interval time.Duration

	mu       sync.Mutex
	current  string
	onChange ChangeFunc

	monMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewTracker constructs a tracker. interval is the monitoring cadence used by
// StartMonitoring; it must be positive.
func NewTracker(gw provider.Gateway, store *Store, interval time.Duration, clock clockwork.Clock) (*Tracker, error) {
	if gw == nil {
		return nil, fmt.Errorf("chatsession: nil gateway")
	}
	if store == nil {
		return nil, fmt.Errorf("chatsession: nil store")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("chatsession: monitor interval must be positive, got %s", interval)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{gw: gw, store: store, clock: clock, interval: interval}, nil
}

// Current returns the in-memory session id without blocking. "" means no
// session is held.
func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// SetOnChange replaces the single registered change callback. Fan-out, if
// needed, belongs to the caller.
func (t *Tracker) SetOnChange(fn ChangeFunc) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// LoadPersisted seeds the in-memory session id from the persisted record.
// Returns "" when nothing usable is stored; never fails.
func (t *Tracker) LoadPersisted() string {
	rec, err := t.store.Load()
	if err != nil || rec == nil {
		return ""
	}
	if rec.Status != StatusActive || rec.SessionID == "" {
		return ""
	}
	t.mu.Lock()
	t.current = rec.SessionID
	t.mu.Unlock()
	slog.Info("restored persisted session", slog.String("component", "session_tracker"))
	return rec.SessionID
}

// Refresh resolves the active session. When force is false and a session is
// already held, it is returned unchanged. Provider failures leave both the
// in-memory and persisted state untouched.
func (t *Tracker) Refresh(ctx context.Context, force bool) (string, error) {
	t.mu.Lock()
	held := t.current
	t.mu.Unlock()
	if !force && held != "" {
		return held, nil
	}

	discovered, err := t.gw.ResolveActiveSession(ctx)
	if err != nil {
		telemetry.SessionDiscoveryErrors.Inc()
		return held, fmt.Errorf("resolve active session: %w", err)
	}

	t.mu.Lock()
	old := t.current
	if discovered == old {
		t.mu.Unlock()
		return old, nil
	}
	t.current = discovered
	fn := t.onChange
	t.mu.Unlock()

	// Persist outside the lock; the poller only needs the in-memory field.
	rec := Record{SessionID: discovered, LastUpdated: t.clock.Now().UTC(), Status: StatusActive}
	if discovered == "" {
		rec.Status = StatusEnded
	}
	if err := t.store.Save(rec); err != nil {
		slog.Warn("session record save failed; continuing in-memory only",
			slog.String("component", "session_tracker"), slog.Any("err", err))
	}

	telemetry.SessionChanges.Inc()
	telemetry.SetSessionActive(discovered != "")
	if discovered == "" {
		slog.Info("live session ended", slog.String("component", "session_tracker"))
	} else {
		slog.Info("live session discovered", slog.String("component", "session_tracker"))
	}

	if fn != nil {
		fn(old, discovered)
	}
	return discovered, nil
}

// StartMonitoring begins the background loop calling Refresh(force=true)
// every interval. Starting while already running is a no-op.
func (t *Tracker) StartMonitoring() {
	t.monMu.Lock()
	defer t.monMu.Unlock()
	if t.running {
		slog.Warn("session monitoring already running", slog.String("component", "session_tracker"))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	go t.monitorLoop(ctx, t.done)
	slog.Info("session monitoring started",
		slog.String("component", "session_tracker"), slog.Duration("interval", t.interval))
}

// StopMonitoring cancels the loop and blocks until the in-flight refresh (if
// any) has fully exited. Stopping an already-stopped tracker is a no-op.
func (t *Tracker) StopMonitoring() {
	t.monMu.Lock()
	defer t.monMu.Unlock()
	if !t.running {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
	t.done = nil
	t.running = false
	slog.Info("session monitoring stopped", slog.String("component", "session_tracker"))
}

func (t *Tracker) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if _, err := t.Refresh(ctx, true); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("session refresh failed; keeping last known state",
				slog.String("component", "session_tracker"), slog.Any("err", err))
		}
	}
}

// TrackerStatus is the status surface exposed to callers.
type TrackerStatus struct {
	CurrentSession   string        `json:"current_session,omitempty"`
	Monitoring       bool          `json:"monitoring"`
	Interval         time.Duration `json:"interval"`
	HasActiveSession bool          `json:"has_active_session"`
}

// Status reports the latest known good state; it never blocks on I/O.
func (t *Tracker) Status() TrackerStatus {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	t.monMu.Lock()
	running := t.running
	t.monMu.Unlock()
	return TrackerStatus{
		CurrentSession:   cur,
		Monitoring:       running,
		Interval:         t.interval,
		HasActiveSession: cur != "",
	}
}
