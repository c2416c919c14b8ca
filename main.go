// Command backend is the main entrypoint for the banchostats ingestion service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Connects to Bancho IRC and records channel chat through a crash-safe
//     write-ahead queue, resolving nicknames to stable osu! ids via WHOIS.
//   - Starts background jobs: WAL drain, word aggregation, osu! user sync.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics, and
//     word statistics endpoints.
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dixxew/banchostats/backend/aggregate"
	"github.com/dixxew/banchostats/backend/bancho"
	"github.com/dixxew/banchostats/backend/config"
	"github.com/dixxew/banchostats/backend/db"
	"github.com/dixxew/banchostats/backend/identity"
	"github.com/dixxew/banchostats/backend/osuapi"
	"github.com/dixxew/banchostats/backend/server"
	"github.com/dixxew/banchostats/backend/telemetry"
	"github.com/dixxew/banchostats/backend/wal"
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
	if err := cfg.ValidateIRCReady(); err != nil {
		slog.Error("irc config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("banchostats", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned files first, embedded SQL as fallback
	// for deployments without a schema_migrations table.
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

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", slog.String("dir", cfg.DataDir), slog.Any("err", err))
		os.Exit(1)
	}

	// IRC client + identity resolver. The resolver dispatches WHOIS through the
	// client and the client's replies flow back through the event loop.
	client := bancho.New(bancho.Config{
		Server:   cfg.IRCServer,
		Port:     cfg.IRCPort,
		Nick:     cfg.IRCNick,
		Password: cfg.IRCPassword,
	})
	resolver := identity.NewResolver(filepath.Join(cfg.DataDir, "whois.json"), client)
	if err := resolver.Load(); err != nil {
		slog.Warn("identity snapshot load failed, starting empty", slog.Any("err", err))
	}

	queue := wal.New(cfg.DataDir)
	sink := &db.MessageSink{DB: database}

	go client.Run(ctx)
	client.Join(cfg.IRCChannel)

	// Inbound event loop: enqueue channel chat, feed WHOIS replies back.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-client.Events():
				switch e := ev.(type) {
				case bancho.ChannelMessage:
					if len([]rune(e.Text)) > cfg.MaxMessageLength {
						continue
					}
					if err := queue.Enqueue(wal.Event{Channel: e.Channel, Nick: e.Nick, Text: e.Text, DateUTC: e.At}); err != nil {
						slog.Error("wal enqueue failed", slog.Any("err", err))
						continue
					}
					telemetry.MessagesEnqueued.Inc()
				case bancho.WhoisReply:
					resolver.HandleReply(e.Nick, e.ProfileURL)
				case bancho.PrivateMessage:
					slog.Debug("private message", slog.String("nick", e.Nick), slog.String("text", e.Text))
				case bancho.ConnectedEvent:
					slog.Info("bancho connected")
				case bancho.DisconnectedEvent:
					slog.Info("bancho disconnected")
				}
			}
		}
	}()

	// Background jobs
	go queue.StartDrainJob(ctx, resolver, sink, cfg.DrainInterval)
	go aggregate.StartAggregationJob(ctx, database, cfg.AggInterval, cfg.AggLookbackDays)
	if cfg.HasOsuAPI() {
		api := osuapi.New(ctx, cfg.OsuClientID, cfg.OsuClientSecret, cfg.OsuAPIBase)
		go osuapi.StartUserSyncJob(ctx, database, api, 20*time.Second)
	} else {
		slog.Info("osu! api credentials absent, user sync disabled")
	}

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

	// HTTP server (health/status/metrics/stats)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
