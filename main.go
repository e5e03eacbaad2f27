// Command recorder runs the conversation recorder bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the session snapshot store (file, bbolt or Postgres) and restores
//     sessions persisted by the previous run.
//   - Connects the chat adapter (Telegram long polling or Twitch IRC) to the
//     recording controller.
//   - Runs housekeeping (snapshot flush, token pruning, retention) on cron.
//   - Exposes /healthz, /readyz, /status, /metrics and the admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM: pending confirmations are dropped,
// downloads drain and every session is snapshotted.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/onnwee/convo-recorder/archive"
	"github.com/onnwee/convo-recorder/config"
	"github.com/onnwee/convo-recorder/db"
	"github.com/onnwee/convo-recorder/maintenance"
	"github.com/onnwee/convo-recorder/record"
	"github.com/onnwee/convo-recorder/server"
	"github.com/onnwee/convo-recorder/snapshot"
	"github.com/onnwee/convo-recorder/telegram"
	"github.com/onnwee/convo-recorder/telemetry"
	"github.com/onnwee/convo-recorder/twitchchat"
)

// adapter is a chat platform connection feeding the controller.
type adapter interface {
	record.Messenger
	run(ctx context.Context, c *record.Controller) error
}

type telegramAdapter struct{ *telegram.Client }

func (a telegramAdapter) run(ctx context.Context, c *record.Controller) error {
	return telegram.NewPoller(a.Client, c).Run(ctx)
}

type twitchAdapter struct{ *twitchchat.Adapter }

func (a twitchAdapter) run(ctx context.Context, c *record.Controller) error {
	return a.Adapter.Run(ctx, c)
}

func newAdapter(cfg *config.Config) adapter {
	if cfg.BotPlatform == config.PlatformTwitch {
		return twitchAdapter{twitchchat.New(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, cfg.TwitchChannel)}
	}
	return telegramAdapter{telegram.NewClient(cfg.TelegramToken, cfg.TelegramAPIURL)}
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openDatabase connects and migrates. Versioned migrations are tried first;
// the embedded schema is the fallback for databases without them.
func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate db (both versioned and embedded SQL failed): %w", err)
		}
	}
	return database, nil
}

func startPprof() {
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

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()
	setupLogging()
	if err := run(); err != nil {
		slog.Error("recorder exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.ValidateBotReady(); err != nil {
		return err
	}

	telemetry.Init()
	// Optional; requires OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdownTracing, err := telemetry.InitTracing("convo-recorder", "1.0.0")
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var database *sql.DB
	if cfg.UsesDatabase() {
		if database, err = openDatabase(ctx, cfg.DBDsn); err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	enc, err := db.Encryptor()
	if err != nil {
		return err
	}
	store, err := snapshot.Open(snapshot.Options{
		Backend:   cfg.SnapshotBackend,
		Path:      cfg.SnapshotPath,
		DB:        database,
		Encryptor: enc,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close snapshot store", slog.Any("err", err))
		}
	}()

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		return err
	}

	chat := newAdapter(cfg)
	writer := archive.New(cfg.RecordsDir, chat, chat, archive.Options{
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		ExportWait:             cfg.ExportWait,
	})

	recCfg := settings.Recorder()
	recCfg.StopOnShutdown = cfg.StopOnShutdown
	ctrl := record.New(chat, writer, store, recCfg, record.WithGuard(record.DefaultGuard(settings)))
	if err := ctrl.Startup(ctx); err != nil {
		return err
	}

	settings.Watch(func(s *config.Settings) {
		next := s.Recorder()
		next.StopOnShutdown = cfg.StopOnShutdown
		ctrl.ApplyConfig(next)
		ctrl.Reconcile(ctx)
	})

	sched := maintenance.New(ctrl,
		maintenance.WithFlushInterval(cfg.SnapshotInterval),
		maintenance.WithRetention(writer, archive.LoadRetentionPolicy()))
	if err := sched.Start(ctx); err != nil {
		return err
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	checks := []server.Check{{
		Name: "records_dir",
		Fn: func(context.Context) error {
			return os.MkdirAll(cfg.RecordsDir, 0o750)
		},
	}}
	if database != nil {
		checks = append(checks, server.Check{Name: "database", Fn: database.PingContext})
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.Options{
			Recorder:  ctrl,
			Checks:    checks,
			Downloads: func() (int, int) { return writer.ActiveDownloads(), writer.MaxConcurrentDownloads() },
		}); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	adapterErr := make(chan error, 1)
	go func() { adapterErr <- chat.run(ctx, ctrl) }()
	slog.Info("recorder started",
		slog.String("platform", cfg.BotPlatform),
		slog.String("snapshot_backend", cfg.SnapshotBackend),
		slog.String("records_dir", cfg.RecordsDir))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-adapterErr:
		if err != nil {
			runErr = fmt.Errorf("chat adapter: %w", err)
		}
	}
	stop()
	slog.Info("shutting down")

	<-sched.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil && !errors.Is(err, record.ErrClosed) {
		runErr = multierr.Append(runErr, err)
	}
	return runErr
}
