package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/contracts"
	"github.com/pairtask/project/internal/platform/metrics"
)

// ToggleStep names one step of the toggle state machine.
type ToggleStep string

const (
	StepUpdateTask       ToggleStep = "update_task"
	StepCreateCompletion ToggleStep = "create_completion"
	StepDeleteCompletion ToggleStep = "delete_completion"
	StepRefetch          ToggleStep = "refetch"
)

// ToggleError reports which step of a toggle failed and carries the cause.
type ToggleError struct {
	Step ToggleStep
	Err  error
}

func (e *ToggleError) Error() string {
	return fmt.Sprintf("toggle %s: %v", e.Step, e.Err)
}

func (e *ToggleError) Unwrap() error { return e.Err }

// IsToggleStep reports whether err is a ToggleError for the given step.
func IsToggleStep(err error, step ToggleStep) bool {
	var te *ToggleError
	return errors.As(err, &te) && te.Step == step
}

// Coordinator flips a task's done flag and keeps its completion record in
// lockstep, as a compensating transaction: no multi-record transaction is
// assumed from the store. In degraded (offline) deployments the same state
// machine runs against the local file store.
type Coordinator struct {
	Tasks store.TaskStore
	State *State
	Log   zerolog.Logger
	Now   func() time.Time
	NewID func() string
}

func NewCoordinator(tasks store.TaskStore, state *State, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		Tasks: tasks,
		State: state,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: nuid.Next,
	}
}

// Toggle sets the task's done flag to targetDone for actingUserID and
// returns the authoritative refetched view. Steps:
//
//  1. UpdateTask — failure aborts, nothing to roll back.
//  2. targetDone=true: CreateCompletion, fail-open on the existence check,
//     duplicate insert tolerated as a soft error.
//     targetDone=false: DeleteCompletion; failure compensates by reverting
//     the flag, then the error is returned. An undone task with a dangling
//     completion record would misrepresent history.
//  3. Refetch — the caller's optimistic copy is replaced by the store's view.
func (c *Coordinator) Toggle(ctx context.Context, taskID, actingUserID string, targetDone bool) (contracts.TaskView, error) {
	prior, err := c.Tasks.GetTaskView(ctx, taskID)
	if err != nil {
		metrics.ToggleFailures.WithLabelValues(string(StepUpdateTask)).Inc()
		return contracts.TaskView{}, &ToggleError{Step: StepUpdateTask, Err: err}
	}

	// Optimistic local update; reverted on failure, replaced by the
	// refetched view on success.
	optimistic := prior
	optimistic.Done = targetDone
	if c.State != nil {
		c.State.ReplaceTask(optimistic)
	}

	if err := c.Tasks.SetTaskDone(ctx, taskID, targetDone, actingUserID); err != nil {
		c.revertOptimistic(prior)
		metrics.ToggleFailures.WithLabelValues(string(StepUpdateTask)).Inc()
		return contracts.TaskView{}, &ToggleError{Step: StepUpdateTask, Err: err}
	}

	if targetDone {
		c.createCompletion(ctx, taskID, actingUserID)
	} else {
		if err := c.deleteCompletion(ctx, taskID, actingUserID); err != nil {
			// Compensate: revert the flag before surfacing the error.
			if revertErr := c.Tasks.SetTaskDone(ctx, taskID, prior.Done, actingUserID); revertErr != nil {
				c.Log.Error().Err(revertErr).Str("task_id", taskID).
					Msg("compensation failed, done flag and completion records diverged")
			}
			c.revertOptimistic(prior)
			metrics.ToggleFailures.WithLabelValues(string(StepDeleteCompletion)).Inc()
			return contracts.TaskView{}, &ToggleError{Step: StepDeleteCompletion, Err: err}
		}
	}

	authoritative, err := c.Tasks.GetTaskView(ctx, taskID)
	if err != nil {
		metrics.ToggleFailures.WithLabelValues(string(StepRefetch)).Inc()
		return contracts.TaskView{}, &ToggleError{Step: StepRefetch, Err: err}
	}
	if c.State != nil {
		c.State.ReplaceTask(authoritative)
	}
	return authoritative, nil
}

// createCompletion inserts the (task, user) record unless one exists. Both
// the existence check and the insert fail open: the flag update already
// succeeded and stays the source of truth, so a duplicate or missing record
// is a logged soft error, never a rollback.
func (c *Coordinator) createCompletion(ctx context.Context, taskID, actingUserID string) {
	_, exists, err := c.Tasks.FindCompletion(ctx, taskID, actingUserID)
	if err != nil {
		c.Log.Warn().Err(err).Str("task_id", taskID).
			Msg("completion existence check failed, inserting anyway")
	} else if exists {
		return
	}

	rec := contracts.CompletionRecord{
		RecordID:    c.NewID(),
		TaskID:      taskID,
		UserID:      actingUserID,
		CompletedAt: c.Now(),
	}
	if err := c.Tasks.InsertCompletion(ctx, rec); err != nil {
		metrics.ToggleFailures.WithLabelValues(string(StepCreateCompletion)).Inc()
		c.Log.Warn().Err(err).Str("task_id", taskID).Str("user_id", actingUserID).
			Msg("completion write failed, task flag remains authoritative")
	}
}

// deleteCompletion removes the (task, user) record. A record that is already
// gone satisfies the invariant and is not an error.
func (c *Coordinator) deleteCompletion(ctx context.Context, taskID, actingUserID string) error {
	err := c.Tasks.DeleteCompletion(ctx, taskID, actingUserID)
	if err != nil && !errors.Is(err, store.ErrCompletionNotFound) {
		return err
	}
	return nil
}

func (c *Coordinator) revertOptimistic(prior contracts.TaskView) {
	if c.State != nil {
		c.State.ReplaceTask(prior)
	}
}
