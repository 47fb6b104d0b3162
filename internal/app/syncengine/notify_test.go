package syncengine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/contracts"
)

func newTestFanout(viewerID string, profiles *memProfiles, state *State, dispatcher Dispatcher, permission PermissionSource) *Fanout {
	f := NewFanout(viewerID, profiles, state, dispatcher, permission, zerolog.Nop())
	f.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return f
}

func TestFanout_SelfEventsSuppressed(t *testing.T) {
	state := NewState()
	dispatcher := &recordingDispatcher{}
	f := newTestFanout("alice", newMemProfiles(), state, dispatcher, nil)

	f.HandleEvent(context.Background(), contracts.ChangeEvent{
		Entity:  contracts.EntityTask,
		Kind:    contracts.ChangeInsert,
		ActorID: "alice",
		TaskNew: &contracts.Task{TaskID: "t1", Title: "laundry", OwnerID: "alice"},
	})

	if n := state.Notifications(); len(n) != 0 {
		t.Fatalf("own actions must not notify, got %+v", n)
	}
	if d := dispatcher.dispatched(); len(d) != 0 {
		t.Fatalf("own actions must not dispatch, got %+v", d)
	}
}

func TestFanout_TaskAddedByPartner(t *testing.T) {
	state := NewState()
	dispatcher := &recordingDispatcher{}
	f := newTestFanout("alice", newMemProfiles(), state, dispatcher, nil)

	f.HandleEvent(context.Background(), contracts.ChangeEvent{
		Entity:  contracts.EntityTask,
		Kind:    contracts.ChangeInsert,
		ActorID: "bob",
		TaskNew: &contracts.Task{TaskID: "t1", Title: "laundry", OwnerID: "bob", PartnerID: strPtr("alice")},
	})

	got := state.Notifications()
	if len(got) != 1 || got[0].Kind != KindTaskAdded || got[0].TaskID != "t1" {
		t.Fatalf("expected one task_added notification, got %+v", got)
	}
	if d := dispatcher.dispatched(); len(d) != 1 {
		t.Fatalf("expected outward dispatch, got %+v", d)
	}
}

func TestFanout_ForeignTaskIgnored(t *testing.T) {
	state := NewState()
	f := newTestFanout("alice", newMemProfiles(), state, nil, nil)

	f.HandleEvent(context.Background(), contracts.ChangeEvent{
		Entity:  contracts.EntityTask,
		Kind:    contracts.ChangeInsert,
		ActorID: "carol",
		TaskNew: &contracts.Task{TaskID: "t9", Title: "secret", OwnerID: "carol"},
	})

	if n := state.Notifications(); len(n) != 0 {
		t.Fatalf("task invisible to the viewer must not notify, got %+v", n)
	}
}

func TestFanout_TaskCompletedNamesCompleter(t *testing.T) {
	profiles := newMemProfiles(contracts.Profile{UserID: "bob", DisplayName: "Bob"})
	state := NewState()
	completedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	state.SetTasks([]contracts.TaskView{{
		Task: contracts.Task{TaskID: "t1", Title: "laundry", OwnerID: "alice", PartnerID: strPtr("bob"), Done: true},
		Completions: []contracts.CompletionRecord{
			{RecordID: "r1", TaskID: "t1", UserID: "bob", CompletedAt: completedAt},
		},
	}})
	f := newTestFanout("alice", profiles, state, nil, nil)

	f.HandleEvent(context.Background(), contracts.ChangeEvent{
		Entity:  contracts.EntityTask,
		Kind:    contracts.ChangeUpdate,
		ActorID: "bob",
		TaskOld: &contracts.Task{TaskID: "t1", Title: "laundry", OwnerID: "alice", PartnerID: strPtr("bob"), Done: false},
		TaskNew: &contracts.Task{TaskID: "t1", Title: "laundry", OwnerID: "alice", PartnerID: strPtr("bob"), Done: true},
	})

	got := state.Notifications()
	if len(got) != 1 || got[0].Kind != KindTaskCompleted {
		t.Fatalf("expected one task_completed notification, got %+v", got)
	}
	if want := "Bob completed a task"; got[0].Title != want {
		t.Fatalf("title = %q, want %q", got[0].Title, want)
	}
}

func TestFanout_UndoneUpdateNotAnnounced(t *testing.T) {
	state := NewState()
	f := newTestFanout("alice", newMemProfiles(), state, nil, nil)

	// done -> not done is an undo, not a completion.
	f.HandleEvent(context.Background(), contracts.ChangeEvent{
		Entity:  contracts.EntityTask,
		Kind:    contracts.ChangeUpdate,
		ActorID: "bob",
		TaskOld: &contracts.Task{TaskID: "t1", Title: "laundry", OwnerID: "alice", PartnerID: strPtr("bob"), Done: true},
		TaskNew: &contracts.Task{TaskID: "t1", Title: "laundry", OwnerID: "alice", PartnerID: strPtr("bob"), Done: false},
	})

	if n := state.Notifications(); len(n) != 0 {
		t.Fatalf("undo must not notify, got %+v", n)
	}
}

func TestFanout_MessageForViewer(t *testing.T) {
	profiles := newMemProfiles(contracts.Profile{UserID: "bob", DisplayName: "Bob"})
	state := NewState()
	f := newTestFanout("alice", profiles, state, nil, nil)

	f.HandleEvent(context.Background(), contracts.ChangeEvent{
		Entity:  contracts.EntityMessage,
		Kind:    contracts.ChangeInsert,
		ActorID: "bob",
		MessageNew: &contracts.Message{
			MessageID: "m1", TaskID: "t1", SenderID: "bob", RecipientID: "alice", Body: "done with this one",
		},
	})

	got := state.Notifications()
	if len(got) != 1 || got[0].Kind != KindMessageReceived {
		t.Fatalf("expected one message notification, got %+v", got)
	}
	if want := "Message from Bob"; got[0].Title != want {
		t.Fatalf("title = %q, want %q", got[0].Title, want)
	}
}

func TestFanout_MessageSenderNameFallsBack(t *testing.T) {
	state := NewState()
	f := newTestFanout("alice", newMemProfiles(), state, nil, nil)

	f.HandleEvent(context.Background(), contracts.ChangeEvent{
		Entity:  contracts.EntityMessage,
		Kind:    contracts.ChangeInsert,
		ActorID: "bob",
		MessageNew: &contracts.Message{
			MessageID: "m1", SenderID: "bob", RecipientID: "alice", Body: "hi",
		},
	})

	got := state.Notifications()
	if len(got) != 1 || got[0].Title != "Message from Your partner" {
		t.Fatalf("expected fallback sender name, got %+v", got)
	}
}

func TestFanout_MessageDedup(t *testing.T) {
	state := NewState()
	f := newTestFanout("alice", newMemProfiles(), state, nil, nil)

	event := contracts.ChangeEvent{
		Entity:  contracts.EntityMessage,
		Kind:    contracts.ChangeInsert,
		ActorID: "bob",
		MessageNew: &contracts.Message{
			MessageID: "m1", SenderID: "bob", RecipientID: "alice", Body: "hi",
		},
	}
	f.HandleEvent(context.Background(), event)
	f.HandleEvent(context.Background(), event)
	// Backfill of the same message must also dedup against the live event.
	f.Backfill(context.Background(), []contracts.Message{*event.MessageNew})

	if got := state.Notifications(); len(got) != 1 {
		t.Fatalf("duplicate message announced %d times", len(got))
	}
}

func TestFanout_DedupWindowBounded(t *testing.T) {
	f := newTestFanout("alice", newMemProfiles(), NewState(), nil, nil)

	for i := 0; i < messageDedupWindow*2; i++ {
		f.seen(fmt.Sprintf("m-%d", i))
	}
	if len(f.seenMessages) != messageDedupWindow || len(f.seenOrder) != messageDedupWindow {
		t.Fatalf("seen set must stay bounded, got %d/%d", len(f.seenMessages), len(f.seenOrder))
	}
	// The oldest half aged out, the newest half is still known.
	if f.seen("m-0") {
		t.Fatal("aged-out id must read as unseen")
	}
}

func TestFanout_PermissionDeniedStillRecordsInApp(t *testing.T) {
	state := NewState()
	dispatcher := &recordingDispatcher{}
	f := newTestFanout("alice", newMemProfiles(), state, dispatcher, deniedPermission{})

	f.HandleEvent(context.Background(), contracts.ChangeEvent{
		Entity:  contracts.EntityTask,
		Kind:    contracts.ChangeInsert,
		ActorID: "bob",
		TaskNew: &contracts.Task{TaskID: "t1", Title: "laundry", OwnerID: "bob", PartnerID: strPtr("alice")},
	})

	if n := state.Notifications(); len(n) != 1 {
		t.Fatalf("in-app list must be appended regardless of permission, got %+v", n)
	}
	if d := dispatcher.dispatched(); len(d) != 0 {
		t.Fatalf("denied permission must block outward dispatch, got %+v", d)
	}
}

func TestFanout_BackfillSkipsOwnAndForeign(t *testing.T) {
	state := NewState()
	f := newTestFanout("alice", newMemProfiles(), state, nil, nil)

	f.Backfill(context.Background(), []contracts.Message{
		{MessageID: "m1", SenderID: "alice", RecipientID: "bob", Body: "mine"},
		{MessageID: "m2", SenderID: "bob", RecipientID: "carol", Body: "not mine"},
		{MessageID: "m3", SenderID: "bob", RecipientID: "alice", Body: "for me"},
	})

	got := state.Notifications()
	if len(got) != 1 || got[0].Body != "for me" {
		t.Fatalf("expected only the inbound message announced, got %+v", got)
	}
}
