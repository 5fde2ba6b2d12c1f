package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/onnwee/chat-relay/backend/chatpoll"
	"github.com/onnwee/chat-relay/backend/chatsession"
	dbpkg "github.com/onnwee/chat-relay/backend/db"
)

// SessionTracker is the status surface the handlers need from the tracker.
type SessionTracker interface {
	Status() chatsession.TrackerStatus
}

// MessagePoller is the status surface the handlers need from the poller.
type MessagePoller interface {
	Status() chatpoll.PollerStatus
}

// MessageSender posts a message to the active live chat.
type MessageSender interface {
	SendMessage(ctx context.Context, sessionID, text string) error
}

// SessionRecordLoader reads the persisted session record.
type SessionRecordLoader interface {
	Load() (*chatsession.Record, error)
}

// Handlers holds the dependencies for all HTTP endpoints.
type Handlers struct {
	db      *sql.DB
	tracker SessionTracker
	poller  MessagePoller
	sender  MessageSender
	store   SessionRecordLoader
}

// NewHandlers wires handler dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{db: deps.DB, tracker: deps.Tracker, poller: deps.Poller, sender: deps.Sender, store: deps.Store}
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credentials", func() error {
			var count int
			err := h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM oauth_tokens WHERE provider = 'youtube'").Scan(&count)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("missing OAuth token")
			}
			return nil
		}},
		{"session_store", func() error {
			if h.store == nil {
				return nil
			}
			_, err := h.store.Load()
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary: tracker state, poller
// state, and archive counters. It always reflects the latest known good
// state, even while errors are being retried underneath.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}
	if h.tracker != nil {
		ts := h.tracker.Status()
		resp["session"] = map[string]any{
			"current_session":    ts.CurrentSession,
			"monitoring":         ts.Monitoring,
			"check_interval_ms":  ts.Interval.Milliseconds(),
			"has_active_session": ts.HasActiveSession,
		}
	}
	if h.poller != nil {
		ps := h.poller.Status()
		resp["poller"] = map[string]any{
			"running":             ps.Running,
			"current_session":     ps.CurrentSession,
			"poll_interval_ms":    ps.PollInterval.Milliseconds(),
			"processed_events":    ps.ProcessedEvents,
			"registered_handlers": ps.RegisteredHandlers,
		}
	}
	if h.db != nil {
		if n, err := dbpkg.CountChatEvents(ctx, h.db); err == nil {
			resp["archived_events"] = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleSession returns the persisted session record.
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := h.store.Load()
	if err != nil || rec == nil {
		rec = &chatsession.Record{Status: chatsession.StatusUnknown}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

// HandleEvents returns recent archived chat events, newest first.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := dbpkg.RecentChatEvents(r.Context(), h.db, limit)
	if err != nil {
		slog.Error("failed to query chat events", slog.Any("err", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []dbpkg.ArchivedEvent{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

// HandleChatSend posts a message to the currently active live chat.
func (h *Handlers) HandleChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Message) == "" {
		http.Error(w, "invalid json: expected {\"message\": \"...\"}", http.StatusBadRequest)
		return
	}
	ts := h.tracker.Status()
	if !ts.HasActiveSession {
		http.Error(w, "no active live session", http.StatusConflict)
		return
	}
	if err := h.sender.SendMessage(r.Context(), ts.CurrentSession, body.Message); err != nil {
		slog.Error("failed to send chat message", slog.Any("err", err))
		http.Error(w, "send failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleConfig handles GET and PUT requests for safe configuration keys.
// Values are stored as kv overrides; secrets are never exposed here.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	safeKeys := map[string]bool{
		"LOG_LEVEL":              true,
		"LOG_FORMAT":             true,
		"DATA_DIR":               true,
		"SESSION_CHECK_INTERVAL": true,
		"POLL_FALLBACK_INTERVAL": true,
		"POLL_IDLE_INTERVAL":     true,
		"DEDUP_CAPACITY":         true,
		"DEDUP_TRIM_TO":          true,
	}
	switch r.Method {
	case http.MethodGet:
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
