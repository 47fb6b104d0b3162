package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/pairtask/project/internal/contracts"
)

const changesStream = "CHANGES"

// EnsureChangeStream creates (or validates) the single stream carrying every
// record-change event: pair.change.>
func EnsureChangeStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(changesStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      changesStream,
				Subjects:  []string{"pair.change.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}

// ChangeSubject returns the publish subject for one change event.
// Format: pair.change.{entity}.{scope} where scope is the row key for task and
// completion events and the addressed user for profile and message events.
func ChangeSubject(event contracts.ChangeEvent) string {
	switch event.Entity {
	case contracts.EntityTask:
		if task, ok := event.AffectedTask(); ok {
			return "pair.change.task." + task.TaskID
		}
		return "pair.change.task.unknown"
	case contracts.EntityCompletion:
		if rec, ok := event.AffectedCompletion(); ok {
			return "pair.change.completion." + rec.TaskID
		}
		return "pair.change.completion.unknown"
	case contracts.EntityProfile:
		if event.ProfileNew != nil {
			return "pair.change.profile." + event.ProfileNew.UserID
		}
		if event.ProfileOld != nil {
			return "pair.change.profile." + event.ProfileOld.UserID
		}
		return "pair.change.profile.unknown"
	case contracts.EntityMessage:
		if event.MessageNew != nil {
			return "pair.change.message." + event.MessageNew.RecipientID
		}
		return "pair.change.message.unknown"
	default:
		return "pair.change.unknown"
	}
}

// Subscription subjects per record collection. Task and completion changes are
// delivered broad and filtered by membership downstream: a single server-side
// filter cannot express "owner OR partner".
func TaskSubject() string                 { return "pair.change.task.>" }
func CompletionSubject() string           { return "pair.change.completion.>" }
func ProfileSubject(userID string) string { return "pair.change.profile." + userID }
func MessageSubject(userID string) string { return "pair.change.message." + userID }
