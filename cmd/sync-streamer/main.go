package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/app/syncengine"
	platformauth "github.com/pairtask/project/internal/platform/auth"
	"github.com/pairtask/project/internal/platform/config"
	"github.com/pairtask/project/internal/platform/dbpool"
	"github.com/pairtask/project/internal/platform/metrics"
	"github.com/pairtask/project/internal/platform/natsutil"
)

const heartbeatInterval = 25 * time.Second

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "sync-streamer").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	tokenManager := platformauth.NewManager(cfg.JWTSecret, cfg.TokenTTL)

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
	if err := waitForSchema(runCtx, log, 30*time.Second, remoteStore.EnsureSchema); err != nil {
		log.Fatal().Err(err).Msg("schema readiness")
	}

	engines := syncengine.NewRegistry(runCtx, syncengine.Deps{
		Subscriber: syncengine.JetStreamSubscriber{JS: client.JS},
		Session:    tokenSession{},
		Tasks:      remoteStore,
		Profiles:   remoteStore,
		Messages:   remoteStore,
		Log:        log,
	})

	authenticate := func(w http.ResponseWriter, r *http.Request) (platformauth.Claims, bool) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// EventSource cannot set headers; accept the token in the query.
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			http.Error(w, "token is required", http.StatusUnauthorized)
			return platformauth.Claims{}, false
		}
		claims, err := tokenManager.Parse(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return platformauth.Claims{}, false
		}
		return claims, true
	}

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

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", cfg.AllowedOrigin)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		claims, ok := authenticate(w, r)
		if !ok {
			return
		}

		engine, release := engines.Acquire(claims.Subject)
		defer release()

		updates, unsubscribe := engine.State.Subscribe()
		defer unsubscribe()

		send := func(event string, payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: %s\n", event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		// Initial snapshot so a freshly attached consumer renders without
		// waiting for the next change.
		send("task-list", engine.State.Tasks())
		send("partner", engine.State.Partner())
		send("connection", engine.Connection())

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-runCtx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
				send("connection", engine.Connection())
			case update := <-updates:
				if update.Tasks != nil {
					send("task-list", update.Tasks)
				}
				if update.PartnerChanged {
					send("partner", update.Partner)
				}
				if update.Notification != nil {
					send("notification", update.Notification)
				}
			}
		}
	})

	mux.HandleFunc("/events/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", cfg.AllowedOrigin)
		claims, ok := authenticate(w, r)
		if !ok {
			return
		}
		engine := engines.Peek(claims.Subject)
		if engine == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
			return
		}
		writeJSON(w, http.StatusOK, engine.Connection())
	})

	mux.HandleFunc("/events/reconnect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", cfg.AllowedOrigin)
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		claims, ok := authenticate(w, r)
		if !ok {
			return
		}
		engine := engines.Peek(claims.Subject)
		if engine == nil {
			http.Error(w, "no live stream for user", http.StatusConflict)
			return
		}
		engine.Reconnect(r.Context())
		writeJSON(w, http.StatusOK, engine.Connection())
	})

	mux.HandleFunc("/events/resume", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", cfg.AllowedOrigin)
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		claims, ok := authenticate(w, r)
		if !ok {
			return
		}
		engine := engines.Peek(claims.Subject)
		if engine == nil {
			http.Error(w, "no live stream for user", http.StatusConflict)
			return
		}
		engine.Resume(r.Context())
		writeJSON(w, http.StatusOK, engine.Connection())
	})

	// No WriteTimeout: SSE responses are intentionally long-lived.
	server := &http.Server{
		Addr:              cfg.StreamerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().Str("addr", cfg.StreamerAddr).Msg("sync streamer listening")
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

// tokenSession marks the stream as authenticated: requests only reach the
// engine after the JWT was parsed, so the engine-side session is always
// present.
type tokenSession struct{}

func (tokenSession) Token() (string, bool) { return "", true }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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
