package syncengine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/contracts"
	"github.com/pairtask/project/internal/platform/metrics"
)

// Reconciler turns raw change events into minimal authoritative state
// updates. Task and completion events trigger a full joined refetch rather
// than a payload patch: the payload alone cannot reconstruct completion
// metadata, and a full re-read tolerates duplicate and out-of-order events.
type Reconciler struct {
	ViewerID string
	Tasks    store.TaskStore
	Profiles store.ProfileStore
	State    *State
	Log      zerolog.Logger
}

func NewReconciler(viewerID string, tasks store.TaskStore, profiles store.ProfileStore, state *State, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		ViewerID: viewerID,
		Tasks:    tasks,
		Profiles: profiles,
		State:    state,
		Log:      log,
	}
}

// HandleEvent processes one change event.
func (r *Reconciler) HandleEvent(ctx context.Context, event contracts.ChangeEvent) {
	switch event.Entity {
	case contracts.EntityTask:
		if task, ok := event.AffectedTask(); ok && !task.VisibleTo(r.ViewerID) {
			// Broad subscription, narrow handler: the wire cannot
			// express "owner OR partner" server-side.
			metrics.ReconcilePasses.WithLabelValues("filtered").Inc()
			return
		}
		r.refresh(ctx)
	case contracts.EntityCompletion:
		// Membership for a completion row resolves through its task;
		// a refetch for an invisible task diffs to a no-op anyway.
		r.refresh(ctx)
	case contracts.EntityProfile:
		r.refreshPartner(ctx, event)
	case contracts.EntityMessage:
		// Fanout-only entity, no task-list impact.
	}
}

// Refresh refetches the authoritative task list and commits it only when a
// meaningful field differs from the current list.
func (r *Reconciler) Refresh(ctx context.Context) {
	r.refresh(ctx)
}

func (r *Reconciler) refresh(ctx context.Context) {
	next, err := r.Tasks.ListTasksForUser(ctx, r.ViewerID)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues("failed").Inc()
		r.Log.Warn().Err(err).Str("user_id", r.ViewerID).Msg("task refetch failed")
		return
	}

	if tasksEqual(r.State.Tasks(), next) {
		// Identical refetch: committing would re-render and could
		// stomp an in-flight optimistic update with the same bytes.
		metrics.ReconcilePasses.WithLabelValues("unchanged").Inc()
		return
	}

	r.State.SetTasks(next)
	metrics.ReconcilePasses.WithLabelValues("committed").Inc()
}

// refreshPartner re-derives partner info from the viewer's own profile row.
func (r *Reconciler) refreshPartner(ctx context.Context, event contracts.ChangeEvent) {
	profile := event.ProfileNew
	if profile == nil {
		profile = event.ProfileOld
	}
	if profile == nil || profile.UserID != r.ViewerID {
		return
	}

	if event.Kind == contracts.ChangeDelete || profile.PartnerID == nil {
		r.State.SetPartner(nil)
		return
	}

	partner, err := r.Profiles.GetProfile(ctx, *profile.PartnerID)
	if err != nil {
		// Enrichment lookup, non-fatal: keep the bare link.
		r.Log.Warn().Err(err).Str("partner_id", *profile.PartnerID).Msg("partner profile lookup failed")
		r.State.SetPartner(&contracts.Profile{UserID: *profile.PartnerID})
		return
	}
	r.State.SetPartner(&partner)
}

// tasksEqual reports whether two refetched lists agree on identifier set,
// title, done flag, owner and partner. Order-insensitive: the comparison is
// by task identity, not list position.
func tasksEqual(prev, next []contracts.TaskView) bool {
	if len(prev) != len(next) {
		return false
	}
	byID := make(map[string]contracts.Task, len(prev))
	for _, t := range prev {
		byID[t.TaskID] = t.Task
	}
	for _, t := range next {
		old, ok := byID[t.TaskID]
		if !ok {
			return false
		}
		if old.Title != t.Title || old.Done != t.Done || old.OwnerID != t.OwnerID {
			return false
		}
		if !partnerEqual(old.PartnerID, t.PartnerID) {
			return false
		}
	}
	return true
}

func partnerEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
