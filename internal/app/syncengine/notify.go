package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/contracts"
	"github.com/pairtask/project/internal/platform/metrics"
)

// NotificationKind classifies an in-app notification.
type NotificationKind string

const (
	KindTaskAdded       NotificationKind = "task_added"
	KindTaskCompleted   NotificationKind = "task_completed"
	KindMessageReceived NotificationKind = "message_received"
)

// Notification is one entry of the in-app notification list. TaskID is set
// for task-scoped kinds so the consumer can jump to the task.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	TaskID    string           `json:"task_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Dispatcher delivers a notification to the outside world, typically an OS
// or push notification bridge. Delivery is best effort.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification)
}

// PermissionSource answers whether outward dispatch is currently allowed.
// The in-app list is appended to regardless.
type PermissionSource interface {
	Granted(ctx context.Context) bool
}

// AlwaysGranted is a PermissionSource for deployments without a permission
// prompt.
type AlwaysGranted struct{}

func (AlwaysGranted) Granted(context.Context) bool { return true }

const messageDedupWindow = 128

// Fanout turns change events into user-facing notifications: partner task
// additions and completions, and incoming messages. Events caused by the
// viewer themselves are suppressed.
type Fanout struct {
	ViewerID   string
	Profiles   store.ProfileStore
	State      *State
	Dispatcher Dispatcher
	Permission PermissionSource
	Log        zerolog.Logger
	Now        func() time.Time

	seenMessages map[string]struct{}
	seenOrder    []string
}

func NewFanout(viewerID string, profiles store.ProfileStore, state *State, dispatcher Dispatcher, permission PermissionSource, log zerolog.Logger) *Fanout {
	if permission == nil {
		permission = AlwaysGranted{}
	}
	return &Fanout{
		ViewerID:     viewerID,
		Profiles:     profiles,
		State:        state,
		Dispatcher:   dispatcher,
		Permission:   permission,
		Log:          log,
		Now:          func() time.Time { return time.Now().UTC() },
		seenMessages: map[string]struct{}{},
	}
}

// HandleEvent inspects a change event and announces it when it warrants a
// notification. Called from the engine goroutine, after reconciliation, so
// State already reflects the event.
func (f *Fanout) HandleEvent(ctx context.Context, event contracts.ChangeEvent) {
	if event.ActorID == f.ViewerID {
		return
	}

	switch event.Entity {
	case contracts.EntityTask:
		f.handleTask(ctx, event)
	case contracts.EntityMessage:
		f.handleMessage(ctx, event)
	}
}

func (f *Fanout) handleTask(ctx context.Context, event contracts.ChangeEvent) {
	switch event.Kind {
	case contracts.ChangeInsert:
		if event.TaskNew == nil || !event.TaskNew.VisibleTo(f.ViewerID) {
			return
		}
		f.announce(ctx, Notification{
			Kind:      KindTaskAdded,
			Title:     "New task added",
			Body:      event.TaskNew.Title,
			TaskID:    event.TaskNew.TaskID,
			CreatedAt: f.Now(),
		})
	case contracts.ChangeUpdate:
		if event.TaskOld == nil || event.TaskNew == nil {
			return
		}
		if event.TaskOld.Done || !event.TaskNew.Done {
			return
		}
		if !event.TaskNew.VisibleTo(f.ViewerID) {
			return
		}
		f.announce(ctx, Notification{
			Kind:      KindTaskCompleted,
			Title:     fmt.Sprintf("%s completed a task", f.completingUserName(ctx, event)),
			Body:      event.TaskNew.Title,
			TaskID:    event.TaskNew.TaskID,
			CreatedAt: f.Now(),
		})
	}
}

// completingUserName resolves who flipped the task to done. The reconciled
// task view's most recent completion record is authoritative; the event's
// actor is the fallback when no record has landed yet.
func (f *Fanout) completingUserName(ctx context.Context, event contracts.ChangeEvent) string {
	completerID := event.ActorID
	if f.State != nil {
		if view, ok := f.State.TaskByID(event.TaskNew.TaskID); ok {
			if latest, ok := view.LatestCompletion(); ok {
				completerID = latest.UserID
			}
		}
	}
	return f.displayName(ctx, completerID)
}

func (f *Fanout) handleMessage(ctx context.Context, event contracts.ChangeEvent) {
	if event.Kind != contracts.ChangeInsert || event.MessageNew == nil {
		return
	}
	msg := *event.MessageNew
	if msg.RecipientID != f.ViewerID {
		return
	}
	if f.seen(msg.MessageID) {
		return
	}

	f.announce(ctx, Notification{
		Kind:      KindMessageReceived,
		Title:     fmt.Sprintf("Message from %s", f.displayName(ctx, msg.SenderID)),
		Body:      msg.Body,
		TaskID:    msg.TaskID,
		CreatedAt: f.Now(),
	})
}

// Backfill announces messages fetched at startup that arrived while no
// stream was open. Dedup against live events goes through the same seen set.
func (f *Fanout) Backfill(ctx context.Context, messages []contracts.Message) {
	for _, msg := range messages {
		if msg.SenderID == f.ViewerID || msg.RecipientID != f.ViewerID {
			continue
		}
		if f.seen(msg.MessageID) {
			continue
		}
		f.announce(ctx, Notification{
			Kind:      KindMessageReceived,
			Title:     fmt.Sprintf("Message from %s", f.displayName(ctx, msg.SenderID)),
			Body:      msg.Body,
			TaskID:    msg.TaskID,
			CreatedAt: f.Now(),
		})
	}
}

// seen records a message id and reports whether it was already present. The
// set is bounded FIFO; old ids age out once the window fills.
func (f *Fanout) seen(messageID string) bool {
	if _, ok := f.seenMessages[messageID]; ok {
		return true
	}
	f.seenMessages[messageID] = struct{}{}
	f.seenOrder = append(f.seenOrder, messageID)
	if len(f.seenOrder) > messageDedupWindow {
		oldest := f.seenOrder[0]
		f.seenOrder = f.seenOrder[1:]
		delete(f.seenMessages, oldest)
	}
	return false
}

func (f *Fanout) displayName(ctx context.Context, userID string) string {
	if f.Profiles != nil {
		profile, err := f.Profiles.GetProfile(ctx, userID)
		if err == nil && profile.DisplayName != "" {
			return profile.DisplayName
		}
		if err != nil {
			f.Log.Debug().Err(err).Str("user_id", userID).Msg("display name lookup failed")
		}
	}
	return "Your partner"
}

func (f *Fanout) announce(ctx context.Context, n Notification) {
	metrics.NotificationsEmitted.WithLabelValues(string(n.Kind)).Inc()
	if f.State != nil {
		f.State.AppendNotification(n)
	}
	if f.Dispatcher != nil && f.Permission.Granted(ctx) {
		f.Dispatcher.Dispatch(ctx, n)
	}
}
