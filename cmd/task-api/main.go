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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/app/identity"
	"github.com/pairtask/project/internal/app/localstore"
	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/app/syncengine"
	"github.com/pairtask/project/internal/app/taskapi"
	platformauth "github.com/pairtask/project/internal/platform/auth"
	"github.com/pairtask/project/internal/platform/config"
	"github.com/pairtask/project/internal/platform/dbpool"
	"github.com/pairtask/project/internal/platform/metrics"
	"github.com/pairtask/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "task-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	client, err := natsutil.Connect(natsutil.ConnectConfig{
		URL:           cfg.NATSURL,
		Timeout:       cfg.NATSConnectTimeout,
		RetryInterval: cfg.NATSRetryInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer client.Close()

	remoteStore := store.NewPostgres(pool, natsutil.JetStreamPublisher{JS: client.JS}, log)
	identityRepo := identity.NewPostgresRepository(pool)
	if err := waitForSchema(runCtx, log, 30*time.Second, remoteStore.EnsureSchema, identityRepo.EnsureSchema); err != nil {
		log.Fatal().Err(err).Msg("schema readiness")
	}

	identitySvc := identity.NewService(identityRepo, remoteStore, platformauth.NewManager(cfg.JWTSecret, cfg.TokenTTL))
	apiSvc := taskapi.NewService(remoteStore, remoteStore, log)
	if cfg.OfflineMode {
		// Degraded mode: completion toggles run the same state machine
		// against the local file store.
		apiSvc.Coordinator = syncengine.NewCoordinator(localstore.New(cfg.LocalStorePath), nil, log)
		log.Warn().Str("path", cfg.LocalStorePath).Msg("offline mode, toggles use the local store")
	}
	handler := taskapi.NewHandler(apiSvc, identitySvc, cfg.AllowedOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().Str("addr", cfg.APIAddr).Msg("task API listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("serve")
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func waitForSchema(ctx context.Context, log zerolog.Logger, timeout time.Duration, ensures ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = nil
		for _, ensure := range ensures {
			attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := ensure(attemptCtx)
			cancel()
			if err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Msg("waiting for schema readiness")
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
