package syncengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/contracts"
)

type setDoneCall struct {
	taskID  string
	done    bool
	actorID string
}

// memTasks is an in-memory TaskStore with per-operation error injection.
type memTasks struct {
	mu          sync.Mutex
	tasks       map[string]contracts.Task
	completions map[string]contracts.CompletionRecord

	listErr    error
	getErr     error
	setDoneErr error
	findErr    error
	insertErr  error
	deleteErr  error

	setDoneCalls []setDoneCall
}

func newMemTasks(tasks ...contracts.Task) *memTasks {
	m := &memTasks{
		tasks:       map[string]contracts.Task{},
		completions: map[string]contracts.CompletionRecord{},
	}
	for _, t := range tasks {
		m.tasks[t.TaskID] = t
	}
	return m
}

func completionKey(taskID, userID string) string { return taskID + "|" + userID }

func (m *memTasks) ListTasksForUser(_ context.Context, userID string) ([]contracts.TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []contracts.TaskView
	for _, t := range m.tasks {
		if t.VisibleTo(userID) {
			out = append(out, m.viewLocked(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (m *memTasks) GetTaskView(_ context.Context, taskID string) (contracts.TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return contracts.TaskView{}, m.getErr
	}
	t, ok := m.tasks[taskID]
	if !ok {
		return contracts.TaskView{}, store.ErrTaskNotFound
	}
	return m.viewLocked(t), nil
}

func (m *memTasks) viewLocked(t contracts.Task) contracts.TaskView {
	view := contracts.TaskView{Task: t}
	for _, rec := range m.completions {
		if rec.TaskID == t.TaskID {
			view.Completions = append(view.Completions, rec)
		}
	}
	sort.Slice(view.Completions, func(i, j int) bool {
		return view.Completions[i].CompletedAt.Before(view.Completions[j].CompletedAt)
	})
	return view
}

func (m *memTasks) SetTaskDone(_ context.Context, taskID string, done bool, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setDoneCalls = append(m.setDoneCalls, setDoneCall{taskID: taskID, done: done, actorID: actorID})
	if m.setDoneErr != nil {
		return m.setDoneErr
	}
	t, ok := m.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Done = done
	m.tasks[taskID] = t
	return nil
}

func (m *memTasks) FindCompletion(_ context.Context, taskID, userID string) (contracts.CompletionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return contracts.CompletionRecord{}, false, m.findErr
	}
	rec, ok := m.completions[completionKey(taskID, userID)]
	return rec, ok, nil
}

func (m *memTasks) InsertCompletion(_ context.Context, rec contracts.CompletionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.completions[completionKey(rec.TaskID, rec.UserID)] = rec
	return nil
}

func (m *memTasks) DeleteCompletion(_ context.Context, taskID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	key := completionKey(taskID, userID)
	if _, ok := m.completions[key]; !ok {
		return store.ErrCompletionNotFound
	}
	delete(m.completions, key)
	return nil
}

func (m *memTasks) hasCompletion(taskID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.completions[completionKey(taskID, userID)]
	return ok
}

func (m *memTasks) taskDone(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[taskID].Done
}

func (m *memTasks) addCompletion(rec contracts.CompletionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions[completionKey(rec.TaskID, rec.UserID)] = rec
}

type memProfiles struct {
	mu       sync.Mutex
	profiles map[string]contracts.Profile
	err      error
}

func newMemProfiles(profiles ...contracts.Profile) *memProfiles {
	m := &memProfiles{profiles: map[string]contracts.Profile{}}
	for _, p := range profiles {
		m.profiles[p.UserID] = p
	}
	return m
}

func (m *memProfiles) GetProfile(_ context.Context, userID string) (contracts.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return contracts.Profile{}, m.err
	}
	p, ok := m.profiles[userID]
	if !ok {
		return contracts.Profile{}, store.ErrProfileNotFound
	}
	return p, nil
}

type fakeSubscription struct {
	subject      string
	unsubscribed bool
	mu           sync.Mutex
}

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
	return nil
}

type openedSub struct {
	subject      string
	consumerName string
	handler      func(data []byte)
	sub          *fakeSubscription
}

// fakeSubscriber records every Subscribe call and can fail a given subject.
type fakeSubscriber struct {
	mu      sync.Mutex
	opened  []openedSub
	failOn  map[string]error
	openErr error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{failOn: map[string]error{}}
}

func (f *fakeSubscriber) Subscribe(subject, consumerName string, handler func(data []byte)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if err, ok := f.failOn[subject]; ok {
		return nil, err
	}
	sub := &fakeSubscription{subject: subject}
	f.opened = append(f.opened, openedSub{subject: subject, consumerName: consumerName, handler: handler, sub: sub})
	return sub, nil
}

func (f *fakeSubscriber) handlers() []openedSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]openedSub, len(f.opened))
	copy(out, f.opened)
	return out
}

func (f *fakeSubscriber) deliver(subject string, data []byte) {
	for _, o := range f.handlers() {
		if o.subject == subject {
			o.handler(data)
		}
	}
}

type staticSession struct {
	token string
	ok    bool
}

func (s staticSession) Token() (string, bool) { return s.token, s.ok }

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []Notification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n Notification) {
	d.mu.Lock()
	d.sent = append(d.sent, n)
	d.mu.Unlock()
}

func (d *recordingDispatcher) dispatched() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.sent))
	copy(out, d.sent)
	return out
}

type deniedPermission struct{}

func (deniedPermission) Granted(context.Context) bool { return false }

func strPtr(s string) *string { return &s }

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
