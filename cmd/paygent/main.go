package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/chain/ethereum"
	"github.com/meterlane/paygent/internal/config"
	dbRedis "github.com/meterlane/paygent/internal/db/redis"
	"github.com/meterlane/paygent/internal/domain/pricing"
	logpkg "github.com/meterlane/paygent/internal/logger"
	"github.com/meterlane/paygent/internal/metrics"
	sessionrepo "github.com/meterlane/paygent/internal/repository/session"
	"github.com/meterlane/paygent/internal/signer"
	chiTransport "github.com/meterlane/paygent/internal/transport/chi"
	trinf "github.com/meterlane/paygent/internal/transport/inference"
	"github.com/meterlane/paygent/internal/transport/x402"
	healthuc "github.com/meterlane/paygent/internal/usecase/health"
	inferenceuc "github.com/meterlane/paygent/internal/usecase/inference"
	sessionuc "github.com/meterlane/paygent/internal/usecase/session"
	"github.com/meterlane/paygent/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting paygent sidecar",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("inference_url", cfg.Inference.BaseURL),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create session store", zap.Error(err))
	}
	defer store.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.WaitForReady(rootCtx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Session store not ready", zap.Error(err))
	}
	logger.Info("Connected to session store")

	// Register metrics explicitly (no init())
	metrics.RegisterHTTPMetrics()
	metrics.RegisterPaymentMetrics()
	metrics.RegisterInferenceMetrics()

	// A missing private key means the sidecar starts disconnected: session
	// creation and payments refuse until a key is configured.
	var sgn *signer.Local
	if cfg.Chain.PrivateKey != "" {
		sgn, err = signer.NewLocal(cfg.Chain.PrivateKey)
		if err != nil {
			logger.Fatal("Failed to load signing key", zap.Error(err))
		}
		logger.Info("Account connected", zap.String("address", sgn.Address()))
	} else {
		logger.Warn("No signing key configured, starting disconnected")
	}

	var rail sessionuc.Rail = sessionuc.DisconnectedRail{}
	var railChecker healthuc.RailChecker
	if cfg.Chain.RPCURL != "" {
		chainClient, chainErr := ethereum.NewClient(rootCtx, ethereum.Config{
			RPCURL:                cfg.Chain.RPCURL,
			ChainID:               cfg.Chain.ChainID,
			TokenAddress:          cfg.Chain.TokenAddress,
			SessionManagerAddress: cfg.Chain.SessionManagerAddress,
			TreasuryAddress:       cfg.Chain.TreasuryAddress,
		}, sgn, logger)
		if chainErr != nil {
			logger.Fatal("Failed to connect payment rail", zap.Error(chainErr))
		}
		defer chainClient.Close()
		rail = chainClient
		railChecker = chainClient
		logger.Info("Payment rail connected",
			zap.Int64("chain_id", cfg.Chain.ChainID),
			zap.String("token", cfg.Chain.TokenAddress),
		)
	}

	sessStore := sessionrepo.New(store, store, cfg.Database.KeyPrefix, logger)
	manager := sessionuc.NewManager(rail, sessStore, logger).
		WithMaxDuration(time.Duration(cfg.Session.MaxDurationHours) * time.Hour)
	if err := manager.Start(rootCtx); err != nil {
		logger.Fatal("Failed to restore session state", zap.Error(err))
	}

	// Pass nil interface (not typed nil pointer!) when disconnected.
	// Go gotcha: (*signer.Local)(nil) wrapped in x402.Signer != nil.
	var paySigner x402.Signer
	if sgn != nil {
		paySigner = sgn
	}
	payTransport := x402.New(nil, paySigner, cfg.Inference.MaxPaymentMicro, logger)

	inferenceClient, err := trinf.NewClient(trinf.Config{
		BaseURL: cfg.Inference.BaseURL,
		Timeout: time.Duration(cfg.Inference.TimeoutSec) * time.Second,
	}, payTransport, logger)
	if err != nil {
		logger.Fatal("Failed to create inference client", zap.Error(err))
	}

	schedule := pricing.Schedule{
		PricePerToken:    cfg.Inference.PricePerToken,
		PriceMultiplier:  cfg.Inference.PriceMultiplier,
		MaxTokensPerCall: cfg.Inference.MaxTokensPerCall,
	}
	chatSvc := inferenceuc.NewService(
		manager,
		inferenceClient,
		schedule,
		time.Duration(cfg.Inference.FlushIntervalMS)*time.Millisecond,
		func() bool { return sgn != nil },
		logger,
	)

	healthSvc := healthuc.New(store, railChecker)

	server := chiTransport.NewServer(manager, chatSvc, healthSvc, logger).
		WithDefaultModel(cfg.Inference.DefaultModel)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Register(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
