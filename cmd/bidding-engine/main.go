package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/Captain-Vikram/Live-Bidding/internal/adapters/api"
	"github.com/Captain-Vikram/Live-Bidding/internal/adapters/database"
	"github.com/Captain-Vikram/Live-Bidding/internal/adapters/events"
	"github.com/Captain-Vikram/Live-Bidding/internal/adapters/realtime"
	"github.com/Captain-Vikram/Live-Bidding/internal/engine"
	"github.com/Captain-Vikram/Live-Bidding/pkg/auth"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load environment variables (local overrides .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Postgres
	dbURL := os.Getenv("BIDDING_DB_URL")
	if dbURL == "" {
		logger.Error("BIDDING_DB_URL is not set")
		os.Exit(1)
	}

	dbConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Error("Unable to parse database config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Error("Unable to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if pingErr := pool.Ping(ctx); pingErr != nil {
		logger.Error("Unable to ping database", "error", pingErr)
		os.Exit(1)
	}
	logger.Info("Postgres Connected")

	if err := database.RunMigrations(pool); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// 2. RabbitMQ
	rabbitURL := os.Getenv("RABBITMQ_URL")
	if rabbitURL == "" {
		logger.Error("RABBITMQ_URL is not set")
		os.Exit(1)
	}

	amqpConn, err := amqp091.Dial(rabbitURL)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()
	logger.Info("RabbitMQ Connected")

	// 3. Redis
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		logger.Error("REDIS_URL is not set")
		os.Exit(1)
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisURL})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	logger.Info("Redis Connected")

	// 4. Token verification keys
	publicKeyPath := os.Getenv("AUTH_PUBLIC_KEY_PATH")
	if publicKeyPath == "" {
		logger.Error("AUTH_PUBLIC_KEY_PATH is not set")
		os.Exit(1)
	}
	publicKeyPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		logger.Error("Failed to read public key", "error", err)
		os.Exit(1)
	}
	issuer := os.Getenv("AUTH_ISSUER")
	if issuer == "" {
		issuer = "auth-service"
	}
	signer, err := auth.NewSignerFromPublicKey(publicKeyPEM, issuer)
	if err != nil {
		logger.Error("Failed to load public key", "error", err)
		os.Exit(1)
	}

	// 5. Engine
	gateway := database.NewPostgresGateway(pool, 3*time.Second)
	verifier := database.NewPostgresVerifier(pool)
	eng := engine.New(gateway, verifier, engine.DefaultConfig(), logger)
	if err := eng.Start(ctx); err != nil {
		logger.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}
	defer eng.Stop()

	// 6. Event bridges
	bridge := events.NewBridge(rdb, eng.Hub(), logger)

	notifier, err := events.NewNotifier(amqpConn, eng.Hub(), logger)
	if err != nil {
		logger.Error("Failed to create notifier", "error", err)
		os.Exit(1)
	}
	defer notifier.Close()

	// 7. HTTP surface
	apiHandler := api.NewHandler(eng, bridge, logger)
	wsHandler := realtime.NewHandler(eng, bridge, signer, logger)

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux, signer)
	mux.Handle("GET /ws/auction/{id}", wsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// h2c keeps HTTP/2 available without TLS for internal deployments.
	srv := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting Bidding Engine", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := bridge.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := notifier.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
