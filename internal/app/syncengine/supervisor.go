package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/platform/metrics"
)

// Status is the supervisor lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "error"
)

const (
	defaultRetryDelay  = 5 * time.Second
	defaultMaxAttempts = 5
	defaultSettleDelay = time.Second
)

// ConnectionState is the externally visible view of one supervised stream.
type ConnectionState struct {
	Status            Status     `json:"status"`
	Connected         bool       `json:"connected"`
	LastError         string     `json:"last_error,omitempty"`
	LastEventAt       *time.Time `json:"last_event_at,omitempty"`
	EventCount        int        `json:"event_count"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
}

// StreamOpener is the ChangeStreamClient surface the supervisor drives.
type StreamOpener interface {
	Open(ctx context.Context, userID string) error
	Close()
	IsOpen() bool
}

// Supervisor is the single source of truth for "are we live". It owns bounded
// automatic reconnection: a fixed delay between attempts, a hard attempt cap,
// then manual-only recovery. Connection failures become state, never errors
// returned to event consumers.
type Supervisor struct {
	Client      StreamOpener
	UserID      string
	Log         zerolog.Logger
	RetryDelay  time.Duration
	MaxAttempts int
	SettleDelay time.Duration
	Now         func() time.Time

	mu           sync.Mutex
	state        ConnectionState
	retryTimer   *time.Timer
	generation   int
	connecting   bool
	reconnecting bool
}

func NewSupervisor(client StreamOpener, userID string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		Client:      client,
		UserID:      userID,
		Log:         log,
		RetryDelay:  defaultRetryDelay,
		MaxAttempts: defaultMaxAttempts,
		SettleDelay: defaultSettleDelay,
		Now:         func() time.Time { return time.Now().UTC() },
		state:       ConnectionState{Status: StatusDisconnected},
	}
}

// State returns a snapshot of the connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NoteEvent records one delivered change event.
func (s *Supervisor) NoteEvent() {
	now := s.Now()
	s.mu.Lock()
	s.state.EventCount++
	s.state.LastEventAt = &now
	s.mu.Unlock()
}

// Connect opens the stream unless it is already live or an open is in
// flight. On success the attempt counter resets to zero; on failure the
// counter advances and, below the cap, a retry timer is armed.
func (s *Supervisor) Connect(ctx context.Context) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.connect(ctx, gen)
}

// connect runs one open attempt for a given generation. Disconnect bumps the
// generation, so an attempt that was in flight when the stream was torn down
// recognises its result as stale and closes what it opened instead of
// resurrecting the connection.
func (s *Supervisor) connect(ctx context.Context, gen int) {
	s.mu.Lock()
	if s.generation != gen || s.connecting || s.Client.IsOpen() {
		s.mu.Unlock()
		return
	}
	s.connecting = true
	s.state.Status = StatusConnecting
	s.mu.Unlock()

	err := s.Client.Open(ctx, s.UserID)

	s.mu.Lock()
	s.connecting = false
	if s.generation != gen {
		s.mu.Unlock()
		s.Client.Close()
		return
	}
	if err == nil {
		s.state.Status = StatusConnected
		s.state.Connected = true
		s.state.LastError = ""
		s.state.ReconnectAttempts = 0
		s.mu.Unlock()
		s.Log.Info().Str("user_id", s.UserID).Msg("change stream connected")
		return
	}
	s.failLocked(err.Error())
	s.mu.Unlock()
}

// failLocked transitions to the error state and arms the retry timer while
// attempts remain. Callers hold s.mu.
func (s *Supervisor) failLocked(message string) {
	s.state.Status = StatusFailed
	s.state.Connected = false
	s.state.LastError = message
	s.state.ReconnectAttempts++
	attempts := s.state.ReconnectAttempts

	if attempts >= s.MaxAttempts {
		s.Log.Warn().Str("user_id", s.UserID).Int("attempts", attempts).
			Msg("automatic reconnection exhausted, manual reconnect required")
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	gen := s.generation
	s.retryTimer = time.AfterFunc(s.RetryDelay, func() {
		metrics.ReconnectAttempts.WithLabelValues("automatic").Inc()
		s.connect(context.Background(), gen)
	})
	s.Log.Warn().Str("user_id", s.UserID).Int("attempt", attempts).Str("error", message).
		Msg("change stream failed, retry scheduled")
}

// HandleStreamStatus absorbs per-subscription status transitions. An error or
// timeout on a live stream tears the whole client down and goes through the
// bounded-retry path; subscriptions are never retried in place.
func (s *Supervisor) HandleStreamStatus(topic string, status SubscriptionStatus, err error) {
	switch status {
	case StatusError, StatusTimedOut:
		if errors.Is(err, ErrNoSession) {
			// Degraded open in progress, not a live-stream failure.
			s.mu.Lock()
			s.state.LastError = err.Error()
			s.mu.Unlock()
			return
		}
		message := string(status)
		if err != nil {
			message = err.Error()
		}
		s.mu.Lock()
		wasConnected := s.state.Connected
		s.mu.Unlock()
		if wasConnected {
			s.Client.Close()
			s.mu.Lock()
			s.failLocked(topic + ": " + message)
			s.mu.Unlock()
		}
	case StatusSubscribed, StatusClosed:
		// Lifecycle chatter, already reflected by Connect/Disconnect.
	}
}

// Disconnect stops any pending retry, closes the stream and zeroes the
// attempt counter so the next Connect starts fresh. Bumping the generation
// invalidates any retry attempt already past its timer.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.generation++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.state.Status = StatusDisconnected
	s.state.Connected = false
	s.state.ReconnectAttempts = 0
	s.mu.Unlock()

	s.Client.Close()
}

// Reconnect is the manual recovery path: close, give the remote side a
// moment to release the prior subscriptions, then connect with a reset
// attempt counter. Reentrant-safe; a reconnect already in flight makes new
// calls no-ops.
func (s *Supervisor) Reconnect(ctx context.Context) {
	metrics.ReconnectAttempts.WithLabelValues("manual").Inc()
	s.reconnect(ctx)
}

func (s *Supervisor) reconnect(ctx context.Context) {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	s.Disconnect()

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.SettleDelay):
	}

	s.Connect(ctx)
}

// Resume requests a fresh connect pass after an external wake signal (the
// app becoming visible again, the network coming back). The stale stream is
// never trusted.
func (s *Supervisor) Resume(ctx context.Context) {
	metrics.ReconnectAttempts.WithLabelValues("resume").Inc()
	s.Log.Info().Str("user_id", s.UserID).Msg("resume requested, refreshing change stream")
	s.reconnect(ctx)
}
