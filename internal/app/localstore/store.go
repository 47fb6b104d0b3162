// Package localstore is the degraded-mode fallback for the completion-toggle
// coordinator: the full task list, completions embedded, serialized as one
// JSON document under a single well-known path. Reads and writes replace the
// whole list; there are no partial updates.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/contracts"
)

// Store implements store.TaskStore against a local file.
type Store struct {
	Path  string
	Now   func() time.Time
	NewID func() string

	mu sync.Mutex
}

func New(path string) *Store {
	return &Store{
		Path:  path,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: nuid.Next,
	}
}

func (s *Store) load() ([]contracts.TaskView, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []contracts.TaskView{}, nil
		}
		return nil, err
	}
	var tasks []contracts.TaskView
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) save(tasks []contracts.TaskView) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil && filepath.Dir(s.Path) != "." {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Put inserts or replaces a task in the list. Used by tests and by the dev
// seeding path; the remote store is authoritative everywhere else.
func (s *Store) Put(_ context.Context, view contracts.TaskView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].TaskID == view.TaskID {
			tasks[i] = view
			return s.save(tasks)
		}
	}
	return s.save(append(tasks, view))
}

func (s *Store) ListTasksForUser(_ context.Context, userID string) ([]contracts.TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	visible := make([]contracts.TaskView, 0, len(tasks))
	for _, t := range tasks {
		if t.VisibleTo(userID) {
			visible = append(visible, t)
		}
	}
	return visible, nil
}

func (s *Store) GetTaskView(_ context.Context, taskID string) (contracts.TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return contracts.TaskView{}, err
	}
	for _, t := range tasks {
		if t.TaskID == taskID {
			return t, nil
		}
	}
	return contracts.TaskView{}, store.ErrTaskNotFound
}

func (s *Store) SetTaskDone(_ context.Context, taskID string, done bool, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].TaskID == taskID {
			tasks[i].Done = done
			return s.save(tasks)
		}
	}
	return store.ErrTaskNotFound
}

func (s *Store) FindCompletion(_ context.Context, taskID, userID string) (contracts.CompletionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return contracts.CompletionRecord{}, false, err
	}
	for _, t := range tasks {
		if t.TaskID != taskID {
			continue
		}
		if rec, ok := t.CompletedBy(userID); ok {
			return rec, true, nil
		}
	}
	return contracts.CompletionRecord{}, false, nil
}

func (s *Store) InsertCompletion(_ context.Context, rec contracts.CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].TaskID == rec.TaskID {
			if rec.RecordID == "" {
				rec.RecordID = s.NewID()
			}
			tasks[i].Completions = append(tasks[i].Completions, rec)
			return s.save(tasks)
		}
	}
	return store.ErrTaskNotFound
}

func (s *Store) DeleteCompletion(_ context.Context, taskID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].TaskID != taskID {
			continue
		}
		kept := tasks[i].Completions[:0]
		removed := false
		for _, rec := range tasks[i].Completions {
			if rec.UserID == userID {
				removed = true
				continue
			}
			kept = append(kept, rec)
		}
		if !removed {
			return store.ErrCompletionNotFound
		}
		tasks[i].Completions = kept
		return s.save(tasks)
	}
	return store.ErrTaskNotFound
}
