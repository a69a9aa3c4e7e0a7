package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kanefrayzy/pixera-sub000/internal/account"
	"github.com/kanefrayzy/pixera-sub000/internal/db"
	"github.com/kanefrayzy/pixera-sub000/internal/guard"
	"github.com/kanefrayzy/pixera-sub000/internal/maintenance"
	"github.com/kanefrayzy/pixera-sub000/internal/observability"
	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	signalSecret, err := mustEnv("SIGNAL_HASH_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	extractor := signals.NewExtractor(signalSecret)

	deviceRepo := guard.NewDeviceRepository(database)
	clusterRepo := guard.NewClusterRepository(database)
	grantRepo := guard.NewGrantRepository(database)
	attemptRepo := guard.NewAttemptRepository(database)

	guardService := guard.NewService(deviceRepo, clusterRepo, grantRepo, attemptRepo, logger, guard.Config{
		GrantTotal:        envIntOrDefault("GUEST_GRANT_TOTAL", 30),
		MaxBypassAttempts: envIntOrDefault("GUEST_BYPASS_MAX_ATTEMPTS", 5),
		BypassWindow:      envMinutesOrDefault("GUEST_BYPASS_WINDOW_MINUTES", 60),
		GuestJobsLimit:    envIntOrDefault("GUEST_JOBS_LIMIT", 100),
	})
	guardHandler := guard.NewHandler(guardService, extractor)

	accountRepo := account.NewRepository(database)
	accountService := account.NewService(accountRepo, guardService, logger, jwtSecret)
	accountService.WithSecurityConfig(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)
	accountHandler := account.NewHandler(accountService, extractor)

	loginLimiter := account.NewLoginRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	cleanupHandler := maintenance.NewCleanupHandler(
		attemptRepo,
		accountRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("GRANT_ATTEMPT_RETENTION_DAYS", 90),
		envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /guest/grant", guardHandler.EnsureGrant)
	mux.HandleFunc("POST /guest/spend", guardHandler.Spend)
	mux.HandleFunc("GET /guest/tokens", guardHandler.TokensInfo)
	mux.HandleFunc("POST /auth/signup", accountHandler.Signup)
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(accountHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", accountHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", accountHandler.Logout)
	mux.Handle("GET /me/balance", account.Middleware(jwtSecret, http.HandlerFunc(accountHandler.Balance)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
