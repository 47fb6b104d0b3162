package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/contracts"
	"github.com/pairtask/project/internal/messaging"
	"github.com/pairtask/project/internal/platform/natsutil"
)

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  task_id text PRIMARY KEY,
  title text NOT NULL,
  done boolean NOT NULL DEFAULT false,
  owner_id text NOT NULL,
  partner_id text,
  created_at timestamptz NOT NULL
)`

const createCompletionsTableSQL = `
CREATE TABLE IF NOT EXISTS completion_records (
  record_id text PRIMARY KEY,
  task_id text NOT NULL,
  user_id text NOT NULL,
  completed_at timestamptz NOT NULL
)`

const createProfilesTableSQL = `
CREATE TABLE IF NOT EXISTS profiles (
  user_id text PRIMARY KEY,
  display_name text NOT NULL,
  partner_id text
)`

const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
  message_id text PRIMARY KEY,
  task_id text NOT NULL DEFAULT '',
  sender_id text NOT NULL,
  recipient_id text NOT NULL,
  body text NOT NULL,
  created_at timestamptz NOT NULL
)`

const createChangeEventsTableSQL = `
CREATE TABLE IF NOT EXISTS change_events (
  event_id text PRIMARY KEY,
  entity text NOT NULL,
  kind text NOT NULL,
  actor_id text NOT NULL,
  payload jsonb NOT NULL,
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const insertChangeEventSQL = `
INSERT INTO change_events (event_id, entity, kind, actor_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (event_id) DO NOTHING
`

const selectTaskSQL = `
SELECT task_id, title, done, owner_id, partner_id, created_at
FROM tasks
WHERE task_id = $1
`

const selectCompletionsForTasksSQL = `
SELECT record_id, task_id, user_id, completed_at
FROM completion_records
WHERE task_id = ANY($1)
ORDER BY completed_at
`

// Postgres persists all four record collections and publishes one change
// event per committed write. Publishing happens after commit: a consumer that
// misses an event recovers through the refetch path, while an event for an
// uncommitted row would not.
type Postgres struct {
	Pool    *pgxpool.Pool
	Publish natsutil.Publisher
	Log     zerolog.Logger
	Now     func() time.Time
	NewID   func() string
}

func NewPostgres(pool *pgxpool.Pool, publisher natsutil.Publisher, log zerolog.Logger) *Postgres {
	return &Postgres{
		Pool:    pool,
		Publish: publisher,
		Log:     log,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createTasksTableSQL,
		createCompletionsTableSQL,
		createProfilesTableSQL,
		createMessagesTableSQL,
		createChangeEventsTableSQL,
	} {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// publishChange records the event in the audit table and pushes it onto the
// change stream. Stream publish failures are logged, not returned: the write
// itself already committed and subscribers reconcile from refetches.
func (s *Postgres) publishChange(ctx context.Context, event contracts.ChangeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.Log.Error().Err(err).Str("entity", string(event.Entity)).Msg("encode change event")
		return
	}
	if _, err := s.Pool.Exec(ctx, insertChangeEventSQL,
		event.EventID, string(event.Entity), string(event.Kind), event.ActorID, payload, event.OccurredAt,
	); err != nil {
		s.Log.Warn().Err(err).Str("event_id", event.EventID).Msg("record change event")
	}
	if err := s.Publish.Publish(messaging.ChangeSubject(event), payload); err != nil {
		s.Log.Warn().Err(err).Str("event_id", event.EventID).Msg("publish change event")
	}
}

func (s *Postgres) newEvent(entity contracts.Entity, kind contracts.ChangeKind, actorID string) contracts.ChangeEvent {
	return contracts.ChangeEvent{
		EventID:    s.NewID(),
		Entity:     entity,
		Kind:       kind,
		ActorID:    actorID,
		OccurredAt: s.Now(),
	}
}

// --- tasks ---

func (s *Postgres) CreateTask(ctx context.Context, task contracts.Task) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO tasks (task_id, title, done, owner_id, partner_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		task.TaskID, task.Title, task.Done, task.OwnerID, task.PartnerID, task.CreatedAt,
	)
	if err != nil {
		return err
	}

	event := s.newEvent(contracts.EntityTask, contracts.ChangeInsert, task.OwnerID)
	event.TaskNew = &task
	s.publishChange(ctx, event)
	return nil
}

func (s *Postgres) DeleteTask(ctx context.Context, taskID, actorID string) error {
	old, err := s.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if old.OwnerID != actorID {
		return ErrNotOwner
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM completion_records WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	event := s.newEvent(contracts.EntityTask, contracts.ChangeDelete, actorID)
	event.TaskOld = &old
	s.publishChange(ctx, event)
	return nil
}

func (s *Postgres) SetTaskDone(ctx context.Context, taskID string, done bool, actorID string) error {
	old, err := s.getTask(ctx, taskID)
	if err != nil {
		return err
	}

	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET done = $2 WHERE task_id = $1`, taskID, done)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	updated := old
	updated.Done = done
	event := s.newEvent(contracts.EntityTask, contracts.ChangeUpdate, actorID)
	event.TaskOld = &old
	event.TaskNew = &updated
	s.publishChange(ctx, event)
	return nil
}

func (s *Postgres) getTask(ctx context.Context, taskID string) (contracts.Task, error) {
	var t contracts.Task
	err := s.Pool.QueryRow(ctx, selectTaskSQL, taskID).Scan(
		&t.TaskID, &t.Title, &t.Done, &t.OwnerID, &t.PartnerID, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.Task{}, ErrTaskNotFound
		}
		return contracts.Task{}, err
	}
	return t, nil
}

func (s *Postgres) ListTasksForUser(ctx context.Context, userID string) ([]contracts.TaskView, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT task_id, title, done, owner_id, partner_id, created_at
		 FROM tasks
		 WHERE owner_id = $1 OR partner_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := make([]contracts.TaskView, 0, 16)
	ids := make([]string, 0, 16)
	for rows.Next() {
		var t contracts.Task
		if err := rows.Scan(&t.TaskID, &t.Title, &t.Done, &t.OwnerID, &t.PartnerID, &t.CreatedAt); err != nil {
			return nil, err
		}
		views = append(views, contracts.TaskView{Task: t})
		ids = append(ids, t.TaskID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return views, nil
	}
	if err := s.attachCompletions(ctx, views, ids); err != nil {
		return nil, err
	}
	return views, nil
}

func (s *Postgres) GetTaskView(ctx context.Context, taskID string) (contracts.TaskView, error) {
	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return contracts.TaskView{}, err
	}
	views := []contracts.TaskView{{Task: t}}
	if err := s.attachCompletions(ctx, views, []string{taskID}); err != nil {
		return contracts.TaskView{}, err
	}
	return views[0], nil
}

func (s *Postgres) attachCompletions(ctx context.Context, views []contracts.TaskView, ids []string) error {
	rows, err := s.Pool.Query(ctx, selectCompletionsForTasksSQL, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	byTask := make(map[string][]contracts.CompletionRecord)
	for rows.Next() {
		var rec contracts.CompletionRecord
		if err := rows.Scan(&rec.RecordID, &rec.TaskID, &rec.UserID, &rec.CompletedAt); err != nil {
			return err
		}
		byTask[rec.TaskID] = append(byTask[rec.TaskID], rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range views {
		views[i].Completions = byTask[views[i].TaskID]
	}
	return nil
}

// --- completion records ---

func (s *Postgres) FindCompletion(ctx context.Context, taskID, userID string) (contracts.CompletionRecord, bool, error) {
	var rec contracts.CompletionRecord
	err := s.Pool.QueryRow(ctx,
		`SELECT record_id, task_id, user_id, completed_at
		 FROM completion_records
		 WHERE task_id = $1 AND user_id = $2
		 ORDER BY completed_at DESC
		 LIMIT 1`,
		taskID, userID,
	).Scan(&rec.RecordID, &rec.TaskID, &rec.UserID, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.CompletionRecord{}, false, nil
		}
		return contracts.CompletionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Postgres) InsertCompletion(ctx context.Context, rec contracts.CompletionRecord) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO completion_records (record_id, task_id, user_id, completed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (record_id) DO NOTHING`,
		rec.RecordID, rec.TaskID, rec.UserID, rec.CompletedAt,
	)
	if err != nil {
		return err
	}

	event := s.newEvent(contracts.EntityCompletion, contracts.ChangeInsert, rec.UserID)
	event.CompletionNew = &rec
	s.publishChange(ctx, event)
	return nil
}

func (s *Postgres) DeleteCompletion(ctx context.Context, taskID, userID string) error {
	old, found, err := s.FindCompletion(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if !found {
		return ErrCompletionNotFound
	}

	if _, err := s.Pool.Exec(ctx,
		`DELETE FROM completion_records WHERE task_id = $1 AND user_id = $2`,
		taskID, userID,
	); err != nil {
		return err
	}

	event := s.newEvent(contracts.EntityCompletion, contracts.ChangeDelete, userID)
	event.CompletionOld = &old
	s.publishChange(ctx, event)
	return nil
}

// --- profiles ---

func (s *Postgres) CreateProfile(ctx context.Context, profile contracts.Profile) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO profiles (user_id, display_name, partner_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		profile.UserID, profile.DisplayName, profile.PartnerID,
	)
	if err != nil {
		return err
	}

	event := s.newEvent(contracts.EntityProfile, contracts.ChangeInsert, profile.UserID)
	event.ProfileNew = &profile
	s.publishChange(ctx, event)
	return nil
}

func (s *Postgres) GetProfile(ctx context.Context, userID string) (contracts.Profile, error) {
	var p contracts.Profile
	err := s.Pool.QueryRow(ctx,
		`SELECT user_id, display_name, partner_id FROM profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.DisplayName, &p.PartnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.Profile{}, ErrProfileNotFound
		}
		return contracts.Profile{}, err
	}
	return p, nil
}

// UpdateDisplayName renames a profile, keeping the partner link intact.
func (s *Postgres) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	old, err := s.GetProfile(ctx, userID)
	if err != nil {
		return err
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE profiles SET display_name = $2 WHERE user_id = $1`,
		userID, displayName,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}

	updated := old
	updated.DisplayName = displayName
	event := s.newEvent(contracts.EntityProfile, contracts.ChangeUpdate, userID)
	event.ProfileOld = &old
	event.ProfileNew = &updated
	s.publishChange(ctx, event)
	return nil
}

// LinkPartners sets the partner pointer on both profiles in one transaction,
// keeping the link symmetric at the data layer even though consumers tolerate
// observing the two profile events in either order.
func (s *Postgres) LinkPartners(ctx context.Context, userA, userB, actorID string) error {
	profileA, err := s.GetProfile(ctx, userA)
	if err != nil {
		return err
	}
	profileB, err := s.GetProfile(ctx, userB)
	if err != nil {
		return err
	}
	if profileA.PartnerID != nil || profileB.PartnerID != nil {
		return ErrAlreadyLinked
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE profiles SET partner_id = $2 WHERE user_id = $1`, userA, userB); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE profiles SET partner_id = $2 WHERE user_id = $1`, userB, userA); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.publishProfileUpdate(ctx, profileA, &userB, actorID)
	s.publishProfileUpdate(ctx, profileB, &userA, actorID)
	return nil
}

// UnlinkPartners clears both sides of an existing link.
func (s *Postgres) UnlinkPartners(ctx context.Context, userID, actorID string) error {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if profile.PartnerID == nil {
		return nil
	}
	partnerID := *profile.PartnerID
	partner, err := s.GetProfile(ctx, partnerID)
	if err != nil && !errors.Is(err, ErrProfileNotFound) {
		return err
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE profiles SET partner_id = NULL WHERE user_id = $1`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE profiles SET partner_id = NULL WHERE user_id = $1`, partnerID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.publishProfileUpdate(ctx, profile, nil, actorID)
	if partner.UserID != "" {
		s.publishProfileUpdate(ctx, partner, nil, actorID)
	}
	return nil
}

func (s *Postgres) publishProfileUpdate(ctx context.Context, old contracts.Profile, partnerID *string, actorID string) {
	updated := old
	updated.PartnerID = partnerID
	event := s.newEvent(contracts.EntityProfile, contracts.ChangeUpdate, actorID)
	event.ProfileOld = &old
	event.ProfileNew = &updated
	s.publishChange(ctx, event)
}

// --- messages ---

func (s *Postgres) InsertMessage(ctx context.Context, msg contracts.Message) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO messages (message_id, task_id, sender_id, recipient_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.MessageID, msg.TaskID, msg.SenderID, msg.RecipientID, msg.Body, msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	event := s.newEvent(contracts.EntityMessage, contracts.ChangeInsert, msg.SenderID)
	event.MessageNew = &msg
	s.publishChange(ctx, event)
	return nil
}

func (s *Postgres) ListMessagesForUser(ctx context.Context, userID string, limit int) ([]contracts.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT message_id, task_id, sender_id, recipient_id, body, created_at
		 FROM messages
		 WHERE recipient_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]contracts.Message, 0, limit)
	for rows.Next() {
		var m contracts.Message
		if err := rows.Scan(&m.MessageID, &m.TaskID, &m.SenderID, &m.RecipientID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
