package taskapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/app/syncengine"
	"github.com/pairtask/project/internal/contracts"
)

var (
	ErrTitleRequired  = errors.New("title is required")
	ErrTitleTooLong   = errors.New("title must be at most 100 characters")
	ErrTaskIDRequired = errors.New("task_id is required")
	ErrBodyRequired   = errors.New("message body is required")
	ErrBodyTooLong    = errors.New("message body must be at most 200 characters")
	ErrNoPartner      = errors.New("no partner linked")
	ErrNotVisible     = errors.New("task is not visible to this user")

	ErrDisplayNameRequired = errors.New("display name is required")
	ErrDisplayNameTooLong  = errors.New("display name must be at most 100 characters")
)

const (
	maxTitleLen       = 100
	maxBodyLen        = 200
	maxDisplayNameLen = 100
)

// Store is the write surface the API needs on top of the sync-engine's
// read-and-toggle interfaces.
type Store interface {
	store.TaskStore
	store.MessageStore
	CreateTask(ctx context.Context, task contracts.Task) error
	DeleteTask(ctx context.Context, taskID, actorID string) error
}

// ProfileDirectory extends the sync-engine's read-only profile view with the
// rename operation the API exposes.
type ProfileDirectory interface {
	store.ProfileStore
	UpdateDisplayName(ctx context.Context, userID, displayName string) error
}

// Service validates and executes task, toggle and message operations for one
// authenticated actor per call. Toggles go through the same coordinator the
// sync engine uses, so the flag and its completion record stay in lockstep
// no matter which surface drives the change.
type Service struct {
	Store       Store
	Profiles    ProfileDirectory
	Coordinator *syncengine.Coordinator
	NewID       func() string
	Now         func() time.Time
}

func NewService(st Store, profiles ProfileDirectory, log zerolog.Logger) *Service {
	return &Service{
		Store:       st,
		Profiles:    profiles,
		Coordinator: syncengine.NewCoordinator(st, nil, log),
		NewID:       nuid.Next,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateTask(ctx context.Context, actorID, title string) (contracts.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return contracts.Task{}, ErrTitleRequired
	}
	if len(title) > maxTitleLen {
		return contracts.Task{}, ErrTitleTooLong
	}

	task := contracts.Task{
		TaskID:    s.NewID(),
		Title:     title,
		OwnerID:   actorID,
		CreatedAt: s.Now(),
	}
	// New tasks are shared with the current partner, if any.
	if profile, err := s.Profiles.GetProfile(ctx, actorID); err == nil {
		task.PartnerID = profile.PartnerID
	}

	if err := s.Store.CreateTask(ctx, task); err != nil {
		return contracts.Task{}, err
	}
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, actorID, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ErrTaskIDRequired
	}
	return s.Store.DeleteTask(ctx, taskID, actorID)
}

func (s *Service) ListTasks(ctx context.Context, actorID string) ([]contracts.TaskView, error) {
	return s.Store.ListTasksForUser(ctx, actorID)
}

func (s *Service) Toggle(ctx context.Context, actorID, taskID string, done bool) (contracts.TaskView, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return contracts.TaskView{}, ErrTaskIDRequired
	}
	view, err := s.Store.GetTaskView(ctx, taskID)
	if err != nil {
		return contracts.TaskView{}, err
	}
	if !view.VisibleTo(actorID) {
		return contracts.TaskView{}, ErrNotVisible
	}
	return s.Coordinator.Toggle(ctx, taskID, actorID, done)
}

// SendMessage posts an acknowledgement about a task to the actor's partner.
func (s *Service) SendMessage(ctx context.Context, actorID, taskID, body string) (contracts.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return contracts.Message{}, ErrBodyRequired
	}
	if len(body) > maxBodyLen {
		return contracts.Message{}, ErrBodyTooLong
	}

	profile, err := s.Profiles.GetProfile(ctx, actorID)
	if err != nil {
		return contracts.Message{}, err
	}
	if profile.PartnerID == nil {
		return contracts.Message{}, ErrNoPartner
	}

	taskID = strings.TrimSpace(taskID)
	if taskID != "" {
		view, err := s.Store.GetTaskView(ctx, taskID)
		if err != nil {
			return contracts.Message{}, err
		}
		if !view.VisibleTo(actorID) {
			return contracts.Message{}, ErrNotVisible
		}
	}

	msg := contracts.Message{
		MessageID:   s.NewID(),
		TaskID:      taskID,
		SenderID:    actorID,
		RecipientID: *profile.PartnerID,
		Body:        body,
		CreatedAt:   s.Now(),
	}
	if err := s.Store.InsertMessage(ctx, msg); err != nil {
		return contracts.Message{}, err
	}
	return msg, nil
}

func (s *Service) GetProfile(ctx context.Context, actorID string) (contracts.Profile, error) {
	return s.Profiles.GetProfile(ctx, actorID)
}

// UpdateDisplayName renames the actor's profile and returns the updated view.
func (s *Service) UpdateDisplayName(ctx context.Context, actorID, displayName string) (contracts.Profile, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return contracts.Profile{}, ErrDisplayNameRequired
	}
	if len(displayName) > maxDisplayNameLen {
		return contracts.Profile{}, ErrDisplayNameTooLong
	}
	if err := s.Profiles.UpdateDisplayName(ctx, actorID, displayName); err != nil {
		return contracts.Profile{}, err
	}
	return s.Profiles.GetProfile(ctx, actorID)
}

func (s *Service) ListMessages(ctx context.Context, actorID string, limit int) ([]contracts.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.Store.ListMessagesForUser(ctx, actorID, limit)
}
