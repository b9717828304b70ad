package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/api"
	"github.com/tripbell/tripbell/internal/bus"
	"github.com/tripbell/tripbell/internal/config"
	"github.com/tripbell/tripbell/internal/db"
	"github.com/tripbell/tripbell/internal/metrics"
	"github.com/tripbell/tripbell/internal/notify"
	"github.com/tripbell/tripbell/internal/observ"
	"github.com/tripbell/tripbell/internal/push"
	"github.com/tripbell/tripbell/internal/redis"
	"github.com/tripbell/tripbell/internal/registry"
	"github.com/tripbell/tripbell/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; absent .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tripbell gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	reg := registry.New(db.NewRegistrationStore(database, logger), logger)

	// Redis backs the registration rate limit; the gateway runs without it.
	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, registration rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  60,
			Window: 1 * time.Minute,
		})
	}

	transports := []push.Transport{
		push.NewWebPushTransport(push.WebPushConfig{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		}, logger),
		push.NewOneSignalTransport(push.OneSignalConfig{
			AppID:          cfg.OneSignalAppID,
			APIKey:         cfg.OneSignalAPIKey,
			APIURL:         cfg.OneSignalAPIURL,
			AllowBroadcast: cfg.OneSignalAllowBroadcast,
		}, logger),
	}
	if cfg.SNSEnabled {
		snsTransport, err := push.NewSNSTransport(ctx, push.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			logger.Warn("SNS transport unavailable, mobile push disabled", zap.Error(err))
		} else {
			transports = append(transports, snsTransport)
		}
	}

	dispatcher := push.NewDispatcher(reg, logger, transports...)

	eventBus := bus.New(logger)
	defer eventBus.Close()

	notifier := notify.New(eventBus, dispatcher,
		time.Duration(cfg.DispatchTimeout)*time.Second, logger)

	streamHandler := stream.NewHandler(eventBus, api.UserID, stream.Config{
		QueueSize: cfg.StreamQueueSize,
		Keepalive: time.Duration(cfg.StreamKeepalive) * time.Second,
	}, logger)

	handler := api.NewHandler(logger, reg, notifier, cfg.VAPIDPublicKey)
	authenticator := api.HeaderAuthenticator{Header: cfg.IdentityHeader}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.AuthMiddleware(authenticator, logger))

		// Short-lived routes get a request timeout; the stream must not.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(api.RateLimitMiddleware(rateLimiter, logger))

			r.Post("/push/webpush", handler.RegisterWebPush)
			r.Post("/push/onesignal", handler.RegisterOneSignal)
			r.Post("/push/sns", handler.RegisterSNS)
			r.Delete("/push", handler.Unregister)
			r.Get("/push/vapid-key", handler.VAPIDKey)
			r.Post("/notify", handler.Notify)
		})

		r.Get("/stream", streamHandler.ServeHTTP)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	// Canceling the base context ends open SSE streams so Shutdown can drain.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE connections are long-lived by design, and the
		// short-lived routes already carry a per-route timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		baseCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
