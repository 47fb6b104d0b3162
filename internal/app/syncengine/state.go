package syncengine

import (
	"fmt"
	"sync"

	"github.com/pairtask/project/internal/contracts"
)

// StateUpdate is one committed change broadcast to subscribers. Only the
// fields for the change that happened are set.
type StateUpdate struct {
	Tasks          []contracts.TaskView
	Partner        *contracts.Profile
	PartnerChanged bool
	Notification   *Notification
}

// State is the in-memory application state for one signed-in user: the task
// list, the derived partner profile and the in-app notification list. The
// reconciliation engine and the toggle coordinator are its only writers;
// subscribers observe committed changes through buffered channels.
type State struct {
	mu            sync.Mutex
	tasks         []contracts.TaskView
	partner       *contracts.Profile
	notifications []Notification
	subscribers   map[string]chan StateUpdate
	nextID        uint64
}

func NewState() *State {
	return &State{subscribers: map[string]chan StateUpdate{}}
}

// Subscribe registers a listener for committed updates. The returned func
// releases it.
func (s *State) Subscribe() (<-chan StateUpdate, func()) {
	ch := make(chan StateUpdate, 64)

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("sub-%d", s.nextID)
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *State) broadcast(update StateUpdate) {
	s.mu.Lock()
	subs := make([]chan StateUpdate, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Tasks returns a copy of the current task list.
func (s *State) Tasks() []contracts.TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.TaskView, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// TaskByID returns the current view of one task.
func (s *State) TaskByID(taskID string) (contracts.TaskView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return contracts.TaskView{}, false
}

// SetTasks replaces the task list and notifies subscribers. Callers diff
// before calling; SetTasks itself always broadcasts.
func (s *State) SetTasks(tasks []contracts.TaskView) {
	copied := make([]contracts.TaskView, len(tasks))
	copy(copied, tasks)

	s.mu.Lock()
	s.tasks = copied
	s.mu.Unlock()

	s.broadcast(StateUpdate{Tasks: copied})
}

// ReplaceTask swaps a single task view in place, used for optimistic updates
// and for the authoritative post-toggle refetch.
func (s *State) ReplaceTask(view contracts.TaskView) {
	s.mu.Lock()
	replaced := false
	for i := range s.tasks {
		if s.tasks[i].TaskID == view.TaskID {
			s.tasks[i] = view
			replaced = true
			break
		}
	}
	if !replaced {
		s.tasks = append(s.tasks, view)
	}
	snapshot := make([]contracts.TaskView, len(s.tasks))
	copy(snapshot, s.tasks)
	s.mu.Unlock()

	s.broadcast(StateUpdate{Tasks: snapshot})
}

// Partner returns the currently derived partner profile, nil when unlinked.
func (s *State) Partner() *contracts.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partner == nil {
		return nil
	}
	copied := *s.partner
	return &copied
}

// SetPartner replaces the derived partner profile (nil clears the link).
func (s *State) SetPartner(partner *contracts.Profile) {
	s.mu.Lock()
	if partner == nil {
		s.partner = nil
	} else {
		copied := *partner
		s.partner = &copied
	}
	stored := s.partner
	s.mu.Unlock()

	s.broadcast(StateUpdate{Partner: stored, PartnerChanged: true})
}

// AppendNotification adds to the in-app list and notifies subscribers.
func (s *State) AppendNotification(n Notification) {
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()

	s.broadcast(StateUpdate{Notification: &n})
}

// Notifications returns a copy of the in-app notification list.
func (s *State) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}
