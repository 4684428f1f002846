package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-capacity/internal/analytics"
	analytics_api "ms-capacity/internal/analytics/api"
	"ms-capacity/internal/auth"
	"ms-capacity/internal/capacity"
	"ms-capacity/internal/capacity/capacity_api"
	capredis "ms-capacity/internal/capacity/redis"
	"ms-capacity/internal/config"
	"ms-capacity/internal/database"
	"ms-capacity/internal/database/migrations"
	"ms-capacity/internal/kafka"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/metrics"
	"ms-capacity/internal/orderevents"
	"ms-capacity/internal/sse"
	"ms-capacity/internal/telemetry"
	"ms-capacity/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"
)

func verifyConnections(ctx context.Context, cfg *config.Config, log *logger.Logger) (*bun.DB, *redis.Client) {
	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}

	if cfg.Database.AutoMigrate {
		runner, err := migrations.Open(cfg.Database.DSN, log)
		if err != nil {
			log.Fatal("MIGRATION", err.Error())
		}
		if err := runner.MigrateUp(); err != nil {
			log.Fatal("MIGRATION", fmt.Sprintf("Failed to apply migrations: %v", err))
		}
		if err := runner.Close(); err != nil {
			log.Warn("MIGRATION", fmt.Sprintf("Failed to close migrator: %v", err))
		}
		log.Info("MIGRATION", "Schema is up to date")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, redisClient.Options().DB))

	return bunDB, redisClient
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) auth.Verifier {
	if !cfg.Enabled {
		log.Warn("AUTH", "Authentication disabled, reservation and admin routes are open")
		return nil
	}
	if cfg.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("Failed to initialise OIDC verifier: %v", err))
		}
		log.Info("AUTH", fmt.Sprintf("Verifying tokens against issuer %s", cfg.OIDCIssuer))
		return v
	}
	log.Warn("AUTH", "Using DEV_JWT_SECRET for token verification")
	return auth.NewHS256Verifier(cfg.DevJWTSecret)
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.LogAPI(r.Method, r.URL.Path, fmt.Sprintf("%d", ww.Status()), time.Since(start).String())
		})
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("CONFIG: .env file not found, using environment variables")
	}

	cfg := config.Load()
	log, err := logger.New(logger.Options{
		Dir:      os.Getenv("LOG_DIR"),
		Service:  "capacity-service",
		MinLevel: logger.ParseLevel(cfg.LogLevel),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}
	log.Info("APP", "Starting Capacity Service initialization")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:       cfg.Telemetry.Enabled,
		ServiceName:   cfg.Telemetry.ServiceName,
		Environment:   os.Getenv("ENVIRONMENT"),
		CollectorAddr: cfg.Telemetry.CollectorAddr,
	})
	if err != nil {
		log.Fatal("TELEMETRY", err.Error())
	}
	recorder, err := metrics.NewRecorder(telemetry.Meter())
	if err != nil {
		log.Fatal("TELEMETRY", fmt.Sprintf("Failed to create instruments: %v", err))
	}

	log.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, log)
	defer bunDB.Close()
	defer redisClient.Close()

	cache := capredis.NewRedis(redisClient, log)
	emitter := sse.NewCapacityEventEmitter()

	opts := []capacity.Option{
		capacity.WithCache(cache),
		capacity.WithMetrics(recorder),
		capacity.WithPublisher(emitter),
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		topics := cfg.Kafka.Topics
		if err := kafka.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, []string{
			topics.ReservationCreated,
			topics.ReservationConfirmed,
			topics.ReservationReleased,
			topics.CapacityAdjusted,
			topics.OrderConfirmed,
			topics.OrderCancelled,
		}, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, topics, log)
		defer producer.Close()
		opts = append(opts, capacity.WithPublisher(producer))
		log.Info("KAFKA", "Kafka producer initialized successfully")
	}

	capacityService := capacity.NewService(bunDB, cfg.Capacity, log, opts...)

	verifier := buildVerifier(ctx, cfg.Auth, log)
	var authMW func(http.Handler) http.Handler
	if verifier != nil {
		authMW = auth.Middleware(verifier)
	}

	capacityHandler := capacity_api.NewHandler(capacityService, capacity_api.NewSSEHandler(log, emitter), log)
	analyticsHandler := analytics_api.NewHandler(analytics.NewService(bunDB), log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := bunDB.PingContext(r.Context()); err != nil {
			utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("database unavailable", err.Error()))
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
	})

	capacityHandler.RegisterRoutes(r, authMW)
	log.Info("ROUTER", "Capacity routes registered under /api/capacity")
	analyticsHandler.RegisterRoutes(r, authMW)
	log.Info("ROUTER", "Analytics routes registered under /api/capacity/analytics")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		WriteTimeout: 0, // SSE streams stay open
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP", fmt.Sprintf("🚀 Capacity Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
		}
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Warn("TELEMETRY", fmt.Sprintf("Telemetry shutdown: %v", err))
		}
		return nil
	})

	if cfg.Capacity.SweeperEnabled {
		var sweeperOpts []capacity.SweeperOption
		if cfg.Capacity.SweepLeaseEnabled {
			sweeperOpts = append(sweeperOpts, capacity.WithLease(cache.NewLease("expiry-sweeper")))
		}
		sweeper := capacity.NewSweeper(capacityService, cfg.Capacity, log, sweeperOpts...)
		if err := sweeper.Start(gctx); err != nil {
			log.Fatal("SWEEP", err.Error())
		}
		g.Go(func() error {
			<-gctx.Done()
			sweeper.Stop()
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		handler := orderevents.NewHandler(capacityService, cfg.Kafka.Topics, log)
		for _, topic := range []string{cfg.Kafka.Topics.OrderConfirmed, cfg.Kafka.Topics.OrderCancelled} {
			consumer := kafka.NewConsumer(cfg.Kafka.Brokers, topic, cfg.Kafka.GroupID, log)
			g.Go(func() error {
				defer consumer.Close()
				return consumer.Run(gctx, handler)
			})
		}
	}

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		log.Error("APP", err.Error())
		os.Exit(1)
	}
	log.Info("APP", "✅ Capacity Service shutdown complete")
}
