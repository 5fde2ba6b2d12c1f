package chatpoll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-relay/backend/chatsession"
	"github.com/onnwee/chat-relay/backend/provider"
	"github.com/onnwee/chat-relay/backend/telemetry"
)

const (
	// DefaultPollInterval is used when the provider gives no interval hint.
	DefaultPollInterval = 2 * time.Second
	// DefaultIdleInterval is slept between rechecks while no session is live.
	DefaultIdleInterval = 5 * time.Second
	// backoffCap bounds transient-failure backoff as a multiple of the hint.
	backoffCap = 5
)

// Options tune the poller. Zero values select the defaults above.
type Options struct {
	PollInterval time.Duration // fallback when the provider gives no hint
	IdleInterval time.Duration // recheck cadence while no session is live
	Clock        clockwork.Clock
}

// Poller runs the background fetch loop for the session currently held by
// the tracker. Novel events (per the dedup window) are handed to the
// dispatcher; duplicates are suppressed. The loop never terminates on its
// own: iteration errors are logged and retried, and Stop is the only
// intentional exit.
type Poller struct {
	gw      provider.Gateway
	tracker *chatsession.Tracker
	dedup   *DedupCache
	disp    *Dispatcher
	clock   clockwork.Clock

	defaultInterval time.Duration
	idleInterval    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	stateMu      sync.Mutex
	cursor       string
	lastSession  string
	pollInterval time.Duration

	processed atomic.Int64
}

// NewPoller constructs a poller. Non-positive intervals in opts are a
// configuration mistake and rejected at construction.
func NewPoller(gw provider.Gateway, tracker *chatsession.Tracker, dedup *DedupCache, disp *Dispatcher, opts Options) (*Poller, error) {
	if gw == nil {
		return nil, fmt.Errorf("chatpoll: nil gateway")
	}
	if tracker == nil {
		return nil, fmt.Errorf("chatpoll: nil tracker")
	}
	if dedup == nil {
		return nil, fmt.Errorf("chatpoll: nil dedup cache")
	}
	if disp == nil {
		return nil, fmt.Errorf("chatpoll: nil dispatcher")
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.IdleInterval == 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.PollInterval < 0 || opts.IdleInterval < 0 {
		return nil, fmt.Errorf("chatpoll: intervals must be positive (poll=%s idle=%s)", opts.PollInterval, opts.IdleInterval)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Poller{
		gw:              gw,
		tracker:         tracker,
		dedup:           dedup,
		disp:            disp,
		clock:           opts.Clock,
		defaultInterval: opts.PollInterval,
		idleInterval:    opts.IdleInterval,
		pollInterval:    opts.PollInterval,
	}, nil
}

// Start begins the background loop. Starting while already running is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		slog.Warn("message poller already running", slog.String("component", "message_poller"))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.loop(ctx, p.done)
	slog.Info("message poller started", slog.String("component", "message_poller"))
}

// Stop cancels the loop and blocks until the in-flight iteration has fully
// exited. Stopping an already-stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.running = false
	slog.Info("message poller stopped", slog.String("component", "message_poller"))
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		wait := p.iterate(ctx, &failures)
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(wait):
		}
	}
}

// iterate runs one poll cycle and returns how long to sleep before the next.
// All errors are handled here; nothing escapes past the loop boundary.
func (p *Poller) iterate(ctx context.Context, failures *int) time.Duration {
	session := p.tracker.Current()
	if session == "" {
		return p.idleInterval
	}

	p.stateMu.Lock()
	if session != p.lastSession {
		// Fresh session, fresh event-id namespace: the old cursor is invalid.
		p.cursor = ""
		p.lastSession = session
	}
	cursor := p.cursor
	p.stateMu.Unlock()

	var res provider.FetchResult
	var err error
	telemetry.TimeFunc(telemetry.FetchDuration, func() {
		res, err = p.gw.FetchEvents(ctx, session, cursor)
	})
	telemetry.PollCycles.Inc()
	if err != nil {
		return p.handleFetchError(ctx, err, failures)
	}
	*failures = 0

	interval := res.PollInterval
	if interval <= 0 {
		interval = p.defaultInterval
	}

	p.stateMu.Lock()
	if res.NextCursor != "" {
		p.cursor = res.NextCursor
	}
	p.pollInterval = interval
	p.stateMu.Unlock()
	telemetry.SetPollInterval(interval)

	for _, ev := range res.Events {
		if p.dedup.Seen(ev.ID) {
			telemetry.EventsDuplicate.Inc()
			continue
		}
		p.dedup.Add(ev.ID)
		p.disp.Dispatch(ctx, ev)
		p.processed.Add(1)
		telemetry.EventsProcessed.Inc()
	}
	return interval
}

func (p *Poller) handleFetchError(ctx context.Context, err error, failures *int) time.Duration {
	if ctx.Err() != nil {
		return p.idleInterval
	}
	telemetry.FetchErrors.Inc()

	if provider.IsSessionEnded(err) {
		// Terminal for this session: drop the cursor and let the tracker's
		// next refresh re-point us instead of hammering a dead session.
		p.stateMu.Lock()
		p.cursor = ""
		p.stateMu.Unlock()
		slog.Info("session ended upstream; waiting for rediscovery",
			slog.String("component", "message_poller"), slog.Any("err", err))
		return p.idleInterval
	}

	if provider.IsAuthFailure(err) {
		// The token refresher repairs credentials out of band; retry later.
		slog.Warn("fetch rejected upstream; credentials may be stale",
			slog.String("component", "message_poller"), slog.Any("err", err))
	} else {
		slog.Warn("fetch failed; retrying",
			slog.String("component", "message_poller"), slog.Any("err", err))
	}

	*failures++
	p.stateMu.Lock()
	base := p.pollInterval
	p.stateMu.Unlock()
	backoff := base
	for i := 1; i < *failures; i++ {
		backoff *= 2
		if backoff >= backoffCap*base {
			backoff = backoffCap * base
			break
		}
	}
	return backoff
}

// PollerStatus is the status surface exposed to callers.
type PollerStatus struct {
	Running            bool          `json:"running"`
	CurrentSession     string        `json:"current_session,omitempty"`
	PollInterval       time.Duration `json:"poll_interval"`
	ProcessedEvents    int64         `json:"processed_events"`
	RegisteredHandlers int           `json:"registered_handlers"`
}

// Status reports the latest known good state without blocking the loop.
func (p *Poller) Status() PollerStatus {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	p.stateMu.Lock()
	interval := p.pollInterval
	p.stateMu.Unlock()
	return PollerStatus{
		Running:            running,
		CurrentSession:     p.tracker.Current(),
		PollInterval:       interval,
		ProcessedEvents:    p.processed.Load(),
		RegisteredHandlers: p.disp.Len(),
	}
}
