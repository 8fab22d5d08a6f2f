package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/phsym/console-slog"

	"github.com/meridianlaw/casebridge/internal/audit"
	"github.com/meridianlaw/casebridge/internal/proxy"
	"github.com/meridianlaw/casebridge/internal/records"
	"github.com/meridianlaw/casebridge/internal/shared/auth"
	"github.com/meridianlaw/casebridge/internal/shared/config"
	"github.com/meridianlaw/casebridge/internal/shared/database"
	"github.com/meridianlaw/casebridge/internal/shared/metrics"
	secmiddleware "github.com/meridianlaw/casebridge/internal/shared/middleware"
	"github.com/meridianlaw/casebridge/internal/upstream"
	"github.com/meridianlaw/casebridge/internal/upstream/browser"
	"github.com/meridianlaw/casebridge/internal/upstream/otp"
)

// App holds all application dependencies
type App struct {
	Config   *config.Config
	DB       *database.DB
	Auth     *upstream.Authenticator
	Recorder audit.Recorder
}

func main() {
	ctx := context.Background()

	// Local development reads settings from .env; missing file is fine.
	_ = godotenv.Load()

	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	app := &App{Config: cfg}

	// Database is optional: without it sessions live in memory and the
	// records API is disabled.
	var settingsRepo *records.SettingsRepository
	var store upstream.SessionStore = upstream.NewMemorySessionStore()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Warn("database not available, running with in-memory session store", "error", err)
	} else {
		app.DB = db
		defer db.Close()

		if err := database.Migrate(ctx, db.Pool); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}

		settingsRepo = records.NewSettingsRepository(db.Pool, logger)
		if err := settingsRepo.Seed(ctx); err != nil {
			logger.Warn("settings seed failed", "error", err)
		}
		store = upstream.NewPostgresSessionStore(db.Pool)
	}

	// Audit trail is optional too.
	app.Recorder = audit.NopRecorder{}
	if cfg.Audit.Enabled {
		recorder, err := audit.NewEventStoreRecorder(cfg.Audit.ConnectionString)
		if err != nil {
			logger.Warn("audit store not available", "error", err)
		} else {
			app.Recorder = recorder
			defer recorder.Close()
			logger.Info("audit trail enabled")
		}
	}

	var source config.Source
	if settingsRepo != nil {
		source = config.NewSource(settingsRepo)
	} else {
		source = config.NewSource(nil)
	}

	otpRetriever := otp.NewIMAPRetriever(cfg.Mailbox, logger)
	driver := browser.NewChromeDriver(otpRetriever, logger)

	app.Auth = upstream.NewAuthenticator(cfg.Upstream, source, store, driver, app.Recorder, logger)
	forwarder := upstream.NewForwarder(cfg.Upstream, app.Auth, app.Recorder, logger)

	// Pick up a previous session so a restart doesn't force a login.
	if restored, err := app.Auth.TryRestore(ctx); err != nil {
		logger.Warn("session restore failed", "error", err)
	} else if restored {
		logger.Info("upstream session restored")
	} else {
		logger.Info("no stored session, first request will trigger a login")
	}

	proxyHandler := proxy.NewHandler(forwarder, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.MaxBody(64 << 20))
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler(app))
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	// Service API
	r.Route("/api", func(r chi.Router) {
		if cfg.Server.Env == "production" {
			r.Use(auth.Middleware(cfg.Auth))
		}

		r.Mount("/", proxyHandler.Routes())

		if app.DB != nil {
			recordsHandler := records.NewHandler(records.NewRepository(app.DB.Pool), settingsRepo)
			r.Mount("/records", recordsHandler.Routes())
		}
	})

	// Everything else is forwarded to the upstream.
	r.HandleFunc("/*", proxyHandler.Passthrough)
	r.HandleFunc("/", proxyHandler.Passthrough)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
		// Upstream calls can take a while; write timeout must outlast them.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Upstream.RequestTimeout + cfg.Upstream.LoginTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		close(done)
	}()

	logger.Info("casebridge listening",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"database", app.DB != nil,
		"audit", cfg.Audit.Enabled)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	logger.Info("server stopped")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level}))
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}
		status := http.StatusOK

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
				status = http.StatusServiceUnavailable
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if app.Auth.IsAuthenticated() {
			checks["upstream_session"] = "active"
		} else {
			checks["upstream_session"] = "none"
		}

		writeJSON(w, status, checks)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
