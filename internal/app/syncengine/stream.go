package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/contracts"
	"github.com/pairtask/project/internal/messaging"
	"github.com/pairtask/project/internal/platform/metrics"
)

// ErrNoSession is reported (not returned) when a stream is opened without an
// auth token.
var ErrNoSession = errors.New("no auth session")

// SubscriptionStatus is reported per sub-subscription as it transitions.
type SubscriptionStatus string

const (
	StatusSubscribed SubscriptionStatus = "subscribed"
	StatusError      SubscriptionStatus = "error"
	StatusTimedOut   SubscriptionStatus = "timed_out"
	StatusClosed     SubscriptionStatus = "closed"
)

// StatusFunc receives status transitions for one topic subscription.
type StatusFunc func(topic string, status SubscriptionStatus, err error)

// EventFunc receives every raw change event, in arrival order.
type EventFunc func(event contracts.ChangeEvent)

// Subscriber abstracts the broker so the client can be exercised without a
// live NATS server.
type Subscriber interface {
	Subscribe(subject, consumerName string, handler func(data []byte)) (Subscription, error)
}

// Subscription is a disposable topic handle.
type Subscription interface {
	Unsubscribe() error
}

// SessionSource reports the current auth token, if any. A missing token does
// not abort an open: synchronization degrades instead of crashing.
type SessionSource interface {
	Token() (string, bool)
}

// JetStreamSubscriber adapts a JetStream context to Subscriber using
// ephemeral push consumers, new-events-only, one per open attempt.
type JetStreamSubscriber struct {
	JS nats.JetStreamContext
}

func (j JetStreamSubscriber) Subscribe(subject, consumerName string, handler func(data []byte)) (Subscription, error) {
	return j.JS.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	}, nats.DeliverNew(), nats.ConsumerName(consumerName))
}

// ChangeStreamClient owns one logical connection per signed-in user: broad
// subscriptions for task and completion changes (membership filtering happens
// downstream) and user-scoped subscriptions for profile and message changes.
type ChangeStreamClient struct {
	Subscriber Subscriber
	Session    SessionSource
	OnEvent    EventFunc
	OnStatus   StatusFunc
	Log        zerolog.Logger
	NewID      func() string

	mu     sync.Mutex
	userID string
	subs   map[string]Subscription
}

func NewChangeStreamClient(subscriber Subscriber, session SessionSource, onEvent EventFunc, onStatus StatusFunc, log zerolog.Logger) *ChangeStreamClient {
	return &ChangeStreamClient{
		Subscriber: subscriber,
		Session:    session,
		OnEvent:    onEvent,
		OnStatus:   onStatus,
		Log:        log,
		NewID:      nuid.Next,
	}
}

// Open establishes the per-user subscriptions. Idempotent for the same user;
// a different user closes the previous set first. Each attempt derives fresh
// consumer names so a stale server-side consumer from a prior attempt is
// never reused.
func (c *ChangeStreamClient) Open(ctx context.Context, userID string) error {
	c.mu.Lock()
	if len(c.subs) > 0 && c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.Close()

	if c.Session != nil {
		if _, ok := c.Session.Token(); !ok {
			// Best-effort open: report and carry on.
			c.Log.Warn().Str("user_id", userID).Msg("opening change stream without auth session")
			c.status("session", StatusError, ErrNoSession)
		}
	}

	topics := map[string]string{
		"tasks":       messaging.TaskSubject(),
		"completions": messaging.CompletionSubject(),
		"profile":     messaging.ProfileSubject(userID),
		"messages":    messaging.MessageSubject(userID),
	}

	opened := map[string]Subscription{}
	for topic, subject := range topics {
		consumerName := "sync-" + topic + "-" + c.NewID()
		sub, err := c.Subscriber.Subscribe(subject, consumerName, c.handleRaw)
		if err != nil {
			c.status(topic, StatusError, err)
			for openedTopic, openedSub := range opened {
				_ = openedSub.Unsubscribe()
				c.status(openedTopic, StatusClosed, nil)
			}
			return err
		}
		opened[topic] = sub
		c.status(topic, StatusSubscribed, nil)
	}

	c.mu.Lock()
	c.userID = userID
	c.subs = opened
	c.mu.Unlock()
	return nil
}

// Close releases every subscription. Safe when already closed.
func (c *ChangeStreamClient) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.userID = ""
	c.mu.Unlock()

	for topic, sub := range subs {
		_ = sub.Unsubscribe()
		c.status(topic, StatusClosed, nil)
	}
}

// IsOpen reports whether a subscription set is live.
func (c *ChangeStreamClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) > 0
}

func (c *ChangeStreamClient) handleRaw(data []byte) {
	var event contracts.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.Log.Warn().Err(err).Msg("malformed change event dropped")
		return
	}
	metrics.ChangeEventsReceived.WithLabelValues(string(event.Entity)).Inc()
	if c.OnEvent != nil {
		c.OnEvent(event)
	}
}

func (c *ChangeStreamClient) status(topic string, status SubscriptionStatus, err error) {
	if c.OnStatus != nil {
		c.OnStatus(topic, status, err)
	}
}
