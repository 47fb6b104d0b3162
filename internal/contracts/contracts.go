package contracts

import "time"

// Entity names a record collection carried on the change stream.
type Entity string

const (
	EntityTask       Entity = "task"
	EntityCompletion Entity = "completion"
	EntityProfile    Entity = "profile"
	EntityMessage    Entity = "message"
)

// ChangeKind is the mutation that produced a change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Task is a shareable unit of household work. A nil PartnerID means the task
// is private to its owner.
type Task struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	OwnerID   string    `json:"owner_id"`
	PartnerID *string   `json:"partner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VisibleTo reports whether userID is the owner or the linked partner.
func (t Task) VisibleTo(userID string) bool {
	if t.OwnerID == userID {
		return true
	}
	return t.PartnerID != nil && *t.PartnerID == userID
}

// CompletionRecord records which linked user completed a task and when.
// At most one exists per (task, user) pair while the task is marked done.
type CompletionRecord struct {
	RecordID    string    `json:"record_id"`
	TaskID      string    `json:"task_id"`
	UserID      string    `json:"user_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Profile links a user to an optional partner. Symmetry of the link is
// maintained by the identity service, not by a database constraint.
type Profile struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	PartnerID   *string `json:"partner_id,omitempty"`
}

// Message is a short acknowledgement sent between linked users.
type Message struct {
	MessageID   string    `json:"message_id"`
	TaskID      string    `json:"task_id,omitempty"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskView is a task joined with its completion records, as returned by
// authoritative refetches.
type TaskView struct {
	Task
	Completions []CompletionRecord `json:"completions"`
}

// CompletedBy returns the completion record for userID, if any.
func (v TaskView) CompletedBy(userID string) (CompletionRecord, bool) {
	for _, rec := range v.Completions {
		if rec.UserID == userID {
			return rec, true
		}
	}
	return CompletionRecord{}, false
}

// LatestCompletion returns the most recent completion record on the view.
func (v TaskView) LatestCompletion() (CompletionRecord, bool) {
	var latest CompletionRecord
	found := false
	for _, rec := range v.Completions {
		if !found || rec.CompletedAt.After(latest.CompletedAt) {
			latest = rec
			found = true
		}
	}
	return latest, found
}

// ChangeEvent is the closed tagged union published by the store for every
// committed write and consumed by the sync engine. The payload pair selected
// by Entity is populated; the rest stay nil.
type ChangeEvent struct {
	EventID    string     `json:"event_id"`
	Entity     Entity     `json:"entity"`
	Kind       ChangeKind `json:"kind"`
	ActorID    string     `json:"actor_id"`
	OccurredAt time.Time  `json:"occurred_at"`

	TaskOld       *Task             `json:"task_old,omitempty"`
	TaskNew       *Task             `json:"task_new,omitempty"`
	CompletionOld *CompletionRecord `json:"completion_old,omitempty"`
	CompletionNew *CompletionRecord `json:"completion_new,omitempty"`
	ProfileOld    *Profile          `json:"profile_old,omitempty"`
	ProfileNew    *Profile          `json:"profile_new,omitempty"`
	MessageNew    *Message          `json:"message_new,omitempty"`
}

// AffectedTask returns the task payload the event refers to, preferring the
// new value. False for non-task events.
func (e ChangeEvent) AffectedTask() (Task, bool) {
	if e.Entity != EntityTask {
		return Task{}, false
	}
	if e.TaskNew != nil {
		return *e.TaskNew, true
	}
	if e.TaskOld != nil {
		return *e.TaskOld, true
	}
	return Task{}, false
}

// AffectedCompletion returns the completion payload, preferring the new value.
func (e ChangeEvent) AffectedCompletion() (CompletionRecord, bool) {
	if e.Entity != EntityCompletion {
		return CompletionRecord{}, false
	}
	if e.CompletionNew != nil {
		return *e.CompletionNew, true
	}
	if e.CompletionOld != nil {
		return *e.CompletionOld, true
	}
	return CompletionRecord{}, false
}
