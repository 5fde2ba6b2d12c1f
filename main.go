// Command backend is the main entrypoint for the chat-relay API and background workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: live session monitoring, chat polling, and the
//     OAuth token refresher for YouTube.
//   - Exposes a minimal HTTP server with /healthz, /status, /events, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"
	"github.com/onnwee/chat-relay/backend/chatpoll"
	"github.com/onnwee/chat-relay/backend/chatsession"
	"github.com/onnwee/chat-relay/backend/config"
	"github.com/onnwee/chat-relay/backend/db"
	"github.com/onnwee/chat-relay/backend/oauth"
	"github.com/onnwee/chat-relay/backend/provider"
	"github.com/onnwee/chat-relay/backend/server"
	"github.com/onnwee/chat-relay/backend/telemetry"
	"github.com/onnwee/chat-relay/backend/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for backward compatibility
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// YouTube API service and live chat gateway
	yt := youtubeapi.New(cfg, &db.TokenStoreAdapter{DB: database})
	gateway := youtubeapi.NewLiveChatGateway(yt)

	// Session tracking with persisted state
	store := chatsession.NewStore(cfg.DataDir)
	tracker, err := chatsession.NewTracker(gateway, store, cfg.SessionCheckInterval, nil)
	if err != nil {
		slog.Error("failed to construct session tracker", slog.Any("err", err))
		os.Exit(1)
	}
	tracker.LoadPersisted()

	// Dedup cache, handler dispatcher, and poller
	dedup, err := chatpoll.NewDedupCache(cfg.DedupCapacity, cfg.DedupTrimTo)
	if err != nil {
		slog.Error("invalid dedup configuration", slog.Any("err", err))
		os.Exit(1)
	}
	dispatcher := chatpoll.NewDispatcher()
	dispatcher.Register("log", func(hctx context.Context, ev provider.ChatEvent) error {
		slog.Info("chat message",
			slog.String("author", ev.AuthorName),
			slog.String("text", ev.Text),
			slog.String("event_id", ev.ID))
		return nil
	})
	dispatcher.Register("archive", func(hctx context.Context, ev provider.ChatEvent) error {
		return db.InsertChatEvent(hctx, database, tracker.Current(), ev)
	})

	poller, err := chatpoll.NewPoller(gateway, tracker, dedup, dispatcher, chatpoll.Options{
		PollInterval: cfg.PollFallbackInterval,
		IdleInterval: cfg.IdleInterval,
	})
	if err != nil {
		slog.Error("failed to construct poller", slog.Any("err", err))
		os.Exit(1)
	}
	tracker.SetOnChange(func(old, new string) {
		slog.Info("live session changed", slog.String("old", old), slog.String("new", new))
	})

	tracker.StartMonitoring()
	poller.Start()
	defer func() {
		poller.Stop()
		tracker.StopMonitoring()
	}()

	// Centralized OAuth token refresher for YouTube credentials
	oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if cfg.YTClientID == "" {
			return "", "", time.Time{}, "", context.Canceled
		}
		oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint, RedirectURL: cfg.YTRedirectURI}
		newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/events/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	deps := server.Deps{DB: database, Tracker: tracker, Poller: poller, Sender: gateway, Store: store}
	go func() {
		if err := server.Start(ctx, deps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
