package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nessacoiffeur/agenda/libs/auth"
	"github.com/nessacoiffeur/agenda/libs/config"
	"github.com/nessacoiffeur/agenda/libs/db"
	"github.com/nessacoiffeur/agenda/libs/httpx"
	"github.com/nessacoiffeur/agenda/libs/kafkax"
	otelx "github.com/nessacoiffeur/agenda/libs/otel"
	"github.com/nessacoiffeur/agenda/libs/runtime"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/booking"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/handlers"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/identity"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/ledger"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/outbox"
)

func main() {
	service := config.String("SERVICE_NAME", "agenda-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	store, checks, err := openStore(ctx, logger)
	if err != nil {
		logger.Error("store setup failed", "err", err)
		panic(err)
	}

	if err := seedAdmin(ctx, store, logger); err != nil {
		logger.Error("admin provisioning failed", "err", err)
		panic(err)
	}

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	coord := booking.NewCoordinator(store, logger, booking.Config{
		ConflictAttempts:  config.Int("COMMIT_CONFLICT_ATTEMPTS", 3),
		TransientAttempts: config.Int("COMMIT_TRANSIENT_ATTEMPTS", 3),
		BackoffBase:       config.Duration("COMMIT_BACKOFF_BASE", 500*time.Millisecond),
		BackoffCap:        config.Duration("COMMIT_BACKOFF_CAP", 6*time.Second),
	})
	identitySvc := identity.NewService(store, logger, identity.Config{
		Secret:   jwtSecret,
		TokenTTL: config.Duration("TOKEN_TTL", 8*time.Hour),
	})

	authHandler := handlers.NewAuthHandler(identitySvc, logger)
	agendaHandler := handlers.NewAgendaHandler(coord, store, logger)
	dashboardHandler := handlers.NewDashboardHandler(store, logger)

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.HandleFunc("/api/v1/auth/login", authHandler.Login)
	mux.HandleFunc("/api/v1/auth/change-password", authHandler.ChangePassword)
	mux.HandleFunc("/api/v1/public/slots", agendaHandler.Slots)
	mux.HandleFunc("/api/v1/public/staff", agendaHandler.StaffList)
	mux.HandleFunc("/api/v1/public/services", agendaHandler.ServiceList)
	mux.Handle("/api/v1/bookings", authHandler.RequireAuth(http.HandlerFunc(agendaHandler.Create)))
	mux.Handle("/api/v1/blackouts", authHandler.RequireAuth(http.HandlerFunc(agendaHandler.Blackout)))
	mux.Handle("/api/v1/appointments", authHandler.RequireAuth(http.HandlerFunc(agendaHandler.List)))
	mux.Handle("/api/v1/appointments/status", authHandler.RequireAuth(http.HandlerFunc(agendaHandler.ChangeStatus)))
	mux.Handle("/api/v1/dashboard/today", authHandler.RequireAuth(http.HandlerFunc(dashboardHandler.Today)))

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(corsFromEnv()),
		rateLimiterFromEnv(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("MAX_BODY_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "agenda")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// openStore picks the ledger backend from STORE_BACKEND: postgres
// (default), redis, or memory. The postgres path also starts the
// outbox publisher when Kafka brokers are configured.
func openStore(ctx context.Context, logger *slog.Logger) (ledger.Store, []runtime.ReadyCheck, error) {
	backend := strings.ToLower(config.String("STORE_BACKEND", "postgres"))
	switch backend {
	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return nil, nil, err
		}
		pool, err := db.Open(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connection failed: %w", err)
		}
		outboxRepo := outbox.NewRepository(pool)
		store := ledger.NewPostgresStore(pool, outboxRepo)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("schema setup failed: %w", err)
		}

		checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
		if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" {
			publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
				Brokers:   brokers,
				PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
				BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
			})
			go publisher.Run(ctx)
			checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		}
		return store, checks, nil

	case "redis":
		addr, err := config.RequiredString("REDIS_ADDR")
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		store := ledger.NewRedisStore(client, config.String("REDIS_LEDGER_KEY", ""))
		check := runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}}
		return store, []runtime.ReadyCheck{check}, nil

	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		return ledger.NewMemoryStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

// seedAdmin provisions the initial admin account from SEED_ADMIN_* env
// vars. A fresh deployment has no credentials at all, and accounts
// cannot bootstrap themselves.
func seedAdmin(ctx context.Context, store ledger.Store, logger *slog.Logger) error {
	username := strings.TrimSpace(config.String("SEED_ADMIN_USERNAME", ""))
	password := config.String("SEED_ADMIN_PASSWORD", "")
	if username == "" || password == "" {
		return nil
	}
	provisioner, ok := store.(ledger.StaffProvisioner)
	if !ok {
		return fmt.Errorf("store backend cannot provision staff")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	name := config.String("SEED_ADMIN_NAME", username)
	if err := provisioner.ProvisionStaff(ctx, ledger.Staff{
		ID:                 uuid.NewString(),
		Name:               name,
		Role:               "admin",
		Active:             true,
		Username:           username,
		PasswordHash:       hash,
		MustChangePassword: ledger.Flag(config.Bool("SEED_ADMIN_MUST_CHANGE", true)),
	}); err != nil {
		return err
	}
	logger.Info("admin account ensured", "username", username)
	return nil
}

func corsFromEnv() httpx.CORSPolicy {
	var origins []string
	for _, o := range strings.Split(config.String("CORS_ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return httpx.CORSPolicy{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", httpx.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           10 * time.Minute,
	}
}

// rateLimiterFromEnv picks the Redis fixed-window limiter when
// RATE_LIMIT_REDIS_ADDR is set, otherwise the in-process one.
func rateLimiterFromEnv(logger *slog.Logger) httpx.Middleware {
	limit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if addr := config.String("RATE_LIMIT_REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		limiter := httpx.NewRedisRateLimiter(client, limit, time.Minute, "agenda:rl")
		return limiter.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	}
	return httpx.NewRateLimiter(limit, time.Minute).Middleware()
}
