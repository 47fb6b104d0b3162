package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/contracts"
	"github.com/pairtask/project/internal/platform/metrics"
)

const (
	eventBufferSize    = 256
	messageBackfillMax = 50
)

// Deps are the collaborators an engine needs beyond its stores.
type Deps struct {
	Subscriber Subscriber
	Session    SessionSource
	Tasks      store.TaskStore
	Profiles   store.ProfileStore
	Messages   store.MessageStore
	Dispatcher Dispatcher
	Permission PermissionSource
	Log        zerolog.Logger
}

// Engine is the live synchronization loop for one signed-in user. It owns
// the user's State and processes change events on a single goroutine, so
// reconciliation and notification fanout never race each other.
type Engine struct {
	UserID      string
	State       *State
	Client      *ChangeStreamClient
	Supervisor  *Supervisor
	Reconciler  *Reconciler
	Coordinator *Coordinator
	Fanout      *Fanout

	messages store.MessageStore
	log      zerolog.Logger
	events   chan contracts.ChangeEvent
	done     chan struct{}
}

func NewEngine(userID string, deps Deps) *Engine {
	log := deps.Log.With().Str("user_id", userID).Logger()
	state := NewState()

	e := &Engine{
		UserID:   userID,
		State:    state,
		messages: deps.Messages,
		log:      log,
		events:   make(chan contracts.ChangeEvent, eventBufferSize),
		done:     make(chan struct{}),
	}

	e.Client = NewChangeStreamClient(deps.Subscriber, deps.Session, e.enqueue, nil, log)
	e.Supervisor = NewSupervisor(e.Client, userID, log)
	e.Client.OnStatus = e.Supervisor.HandleStreamStatus
	e.Reconciler = NewReconciler(userID, deps.Tasks, deps.Profiles, state, log)
	e.Coordinator = NewCoordinator(deps.Tasks, state, log)
	e.Fanout = NewFanout(userID, deps.Profiles, state, deps.Dispatcher, deps.Permission, log)
	return e
}

// enqueue hands a stream event to the engine goroutine. It runs on the
// subscriber's delivery goroutine and must not block; a full buffer means
// the engine is far behind and the next reconcile pass will catch up anyway.
func (e *Engine) enqueue(event contracts.ChangeEvent) {
	select {
	case e.events <- event:
	default:
		e.log.Warn().Str("entity", string(event.Entity)).Msg("event buffer full, dropping")
	}
}

// Run connects the stream and processes events until ctx is cancelled. It
// blocks; callers run it on its own goroutine. The initial state is loaded
// before the first event is handled.
func (e *Engine) Run(ctx context.Context) {
	metrics.LiveEngines.Inc()
	defer metrics.LiveEngines.Dec()
	defer close(e.done)
	defer e.Supervisor.Disconnect()

	e.Supervisor.Connect(ctx)
	e.Reconciler.Refresh(ctx)
	e.backfillMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.events:
			e.Supervisor.NoteEvent()
			e.Reconciler.HandleEvent(ctx, event)
			e.Fanout.HandleEvent(ctx, event)
		}
	}
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) backfillMessages(ctx context.Context) {
	if e.messages == nil {
		return
	}
	msgs, err := e.messages.ListMessagesForUser(ctx, e.UserID, messageBackfillMax)
	if err != nil {
		e.log.Warn().Err(err).Msg("message backfill failed")
		return
	}
	e.Fanout.Backfill(ctx, msgs)
}

// Toggle flips a task's done flag through the coordinator.
func (e *Engine) Toggle(ctx context.Context, taskID string, done bool) (contracts.TaskView, error) {
	return e.Coordinator.Toggle(ctx, taskID, e.UserID, done)
}

// Reconnect restarts the stream on explicit user request.
func (e *Engine) Reconnect(ctx context.Context) { e.Supervisor.Reconnect(ctx) }

// Resume restarts the stream after the consumer returns to the foreground.
func (e *Engine) Resume(ctx context.Context) { e.Supervisor.Resume(ctx) }

// Connection returns the supervisor's current view of the stream.
func (e *Engine) Connection() ConnectionState { return e.Supervisor.State() }

type engineLease struct {
	engine *Engine
	cancel context.CancelFunc
	refs   int
}

// Registry hands out one engine per user, reference counted. The engine
// starts on the first lease and stops a grace period after the last one is
// released, so a page reload reuses the running engine instead of replaying
// the connect sequence.
type Registry struct {
	deps       Deps
	linger     time.Duration
	mu         sync.Mutex
	engines    map[string]*engineLease
	newEngine  func(userID string, deps Deps) *Engine
	runContext context.Context
}

func NewRegistry(runCtx context.Context, deps Deps) *Registry {
	return &Registry{
		deps:       deps,
		linger:     30 * time.Second,
		engines:    map[string]*engineLease{},
		newEngine:  NewEngine,
		runContext: runCtx,
	}
}

// Acquire returns the user's engine, starting one if none is live. The
// release func must be called when the caller no longer needs it.
func (r *Registry) Acquire(userID string) (*Engine, func()) {
	r.mu.Lock()
	lease, ok := r.engines[userID]
	if !ok {
		ctx, cancel := context.WithCancel(r.runContext)
		lease = &engineLease{engine: r.newEngine(userID, r.deps), cancel: cancel}
		r.engines[userID] = lease
		go lease.engine.Run(ctx)
	}
	lease.refs++
	r.mu.Unlock()

	var once sync.Once
	return lease.engine, func() {
		once.Do(func() { r.release(userID, lease) })
	}
}

func (r *Registry) release(userID string, lease *engineLease) {
	r.mu.Lock()
	lease.refs--
	idle := lease.refs == 0
	r.mu.Unlock()

	if !idle {
		return
	}
	time.AfterFunc(r.linger, func() {
		r.mu.Lock()
		current, ok := r.engines[userID]
		if ok && current == lease && lease.refs == 0 {
			delete(r.engines, userID)
			lease.cancel()
		}
		r.mu.Unlock()
	})
}

// Peek returns the user's engine without taking a lease, nil when none is
// live.
func (r *Registry) Peek(userID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lease, ok := r.engines[userID]; ok {
		return lease.engine
	}
	return nil
}
