// Package store is the remote data service backing the task tracker: CRUD on
// tasks, completion records, profiles and messages, with one change event
// published per committed write. The sync engine consumes it through the
// interfaces below and never touches SQL directly.
package store

import (
	"context"
	"errors"

	"github.com/pairtask/project/internal/contracts"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrCompletionNotFound = errors.New("completion record not found")
	ErrNotOwner           = errors.New("only the task owner may delete it")
	ErrAlreadyLinked      = errors.New("user already has a partner")
)

// TaskStore is the task-and-completion surface consumed by the reconciliation
// engine and the completion-toggle coordinator.
type TaskStore interface {
	ListTasksForUser(ctx context.Context, userID string) ([]contracts.TaskView, error)
	GetTaskView(ctx context.Context, taskID string) (contracts.TaskView, error)
	SetTaskDone(ctx context.Context, taskID string, done bool, actorID string) error
	FindCompletion(ctx context.Context, taskID, userID string) (contracts.CompletionRecord, bool, error)
	InsertCompletion(ctx context.Context, rec contracts.CompletionRecord) error
	DeleteCompletion(ctx context.Context, taskID, userID string) error
}

// ProfileStore resolves partner info for reconciliation and display names for
// notification text.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (contracts.Profile, error)
}

// MessageStore is the acknowledgement-message surface: send plus the backfill
// read used when a notification fanout starts.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg contracts.Message) error
	ListMessagesForUser(ctx context.Context, userID string, limit int) ([]contracts.Message, error)
}
