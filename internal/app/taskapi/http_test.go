package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairtask/project/internal/app/identity"
	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/contracts"
	platformauth "github.com/pairtask/project/internal/platform/auth"
)

type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]contracts.Task
	completions map[string]contracts.CompletionRecord
	messages    []contracts.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       map[string]contracts.Task{},
		completions: map[string]contracts.CompletionRecord{},
	}
}

func (f *fakeStore) CreateTask(_ context.Context, task contracts.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.TaskID] = task
	return nil
}

func (f *fakeStore) DeleteTask(_ context.Context, taskID, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.OwnerID != actorID {
		return store.ErrNotOwner
	}
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeStore) ListTasksForUser(_ context.Context, userID string) ([]contracts.TaskView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []contracts.TaskView
	for _, t := range f.tasks {
		if t.VisibleTo(userID) {
			out = append(out, f.viewLocked(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (f *fakeStore) GetTaskView(_ context.Context, taskID string) (contracts.TaskView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return contracts.TaskView{}, store.ErrTaskNotFound
	}
	return f.viewLocked(t), nil
}

func (f *fakeStore) viewLocked(t contracts.Task) contracts.TaskView {
	view := contracts.TaskView{Task: t}
	for _, rec := range f.completions {
		if rec.TaskID == t.TaskID {
			view.Completions = append(view.Completions, rec)
		}
	}
	return view
}

func (f *fakeStore) SetTaskDone(_ context.Context, taskID string, done bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Done = done
	f.tasks[taskID] = t
	return nil
}

func (f *fakeStore) FindCompletion(_ context.Context, taskID, userID string) (contracts.CompletionRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.completions[taskID+"|"+userID]
	return rec, ok, nil
}

func (f *fakeStore) InsertCompletion(_ context.Context, rec contracts.CompletionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions[rec.TaskID+"|"+rec.UserID] = rec
	return nil
}

func (f *fakeStore) DeleteCompletion(_ context.Context, taskID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskID + "|" + userID
	if _, ok := f.completions[key]; !ok {
		return store.ErrCompletionNotFound
	}
	delete(f.completions, key)
	return nil
}

func (f *fakeStore) InsertMessage(_ context.Context, msg contracts.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) ListMessagesForUser(_ context.Context, userID string, limit int) ([]contracts.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []contracts.Message
	for _, m := range f.messages {
		if m.RecipientID == userID || m.SenderID == userID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeIdentityRepo struct {
	users         map[string]identity.User
	refreshByHash map[string]identity.RefreshToken
	invites       map[string]identity.Invite
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{
		users:         map[string]identity.User{},
		refreshByHash: map[string]identity.RefreshToken{},
		invites:       map[string]identity.Invite{},
	}
}

func (f *fakeIdentityRepo) EnsureSchema(context.Context) error { return nil }

func (f *fakeIdentityRepo) CreateUser(_ context.Context, user identity.User) error {
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeIdentityRepo) FindUserByUsername(_ context.Context, username string) (identity.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return identity.User{}, identity.ErrNotFound
}

func (f *fakeIdentityRepo) FindUserByID(_ context.Context, userID string) (identity.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return identity.User{}, identity.ErrNotFound
	}
	return u, nil
}

func (f *fakeIdentityRepo) CreateRefreshToken(_ context.Context, token identity.RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeIdentityRepo) FindRefreshTokenByHash(_ context.Context, tokenHash string) (identity.RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return identity.RefreshToken{}, identity.ErrNotFound
	}
	return rt, nil
}

func (f *fakeIdentityRepo) RevokeRefreshToken(_ context.Context, tokenID string) error {
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			now := time.Now()
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

func (f *fakeIdentityRepo) CreateInvite(_ context.Context, invite identity.Invite) error {
	f.invites[invite.Code] = invite
	return nil
}

func (f *fakeIdentityRepo) FindInviteByCode(_ context.Context, code string) (identity.Invite, error) {
	inv, ok := f.invites[code]
	if !ok {
		return identity.Invite{}, identity.ErrNotFound
	}
	return inv, nil
}

func (f *fakeIdentityRepo) RedeemInvite(_ context.Context, code, userID string, at time.Time) error {
	inv, ok := f.invites[code]
	if !ok || inv.RedeemedBy != nil || at.After(inv.ExpiresAt) {
		return identity.ErrNotFound
	}
	inv.RedeemedBy = &userID
	inv.RedeemedAt = &at
	f.invites[code] = inv
	return nil
}

type fakeProfileDir struct {
	mu       sync.Mutex
	profiles map[string]contracts.Profile
}

func newFakeProfileDir() *fakeProfileDir {
	return &fakeProfileDir{profiles: map[string]contracts.Profile{}}
}

func (f *fakeProfileDir) CreateProfile(_ context.Context, p contracts.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UserID] = p
	return nil
}

func (f *fakeProfileDir) GetProfile(_ context.Context, userID string) (contracts.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return contracts.Profile{}, store.ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeProfileDir) UpdateDisplayName(_ context.Context, userID, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return store.ErrProfileNotFound
	}
	p.DisplayName = displayName
	f.profiles[userID] = p
	return nil
}

func (f *fakeProfileDir) LinkPartners(_ context.Context, userA, userB, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.profiles[userA]
	b := f.profiles[userB]
	if a.PartnerID != nil || b.PartnerID != nil {
		return store.ErrAlreadyLinked
	}
	a.PartnerID = &userB
	b.PartnerID = &userA
	f.profiles[userA] = a
	f.profiles[userB] = b
	return nil
}

func (f *fakeProfileDir) UnlinkPartners(_ context.Context, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[userID]
	if p.PartnerID != nil {
		partner := f.profiles[*p.PartnerID]
		partner.PartnerID = nil
		f.profiles[*p.PartnerID] = partner
	}
	p.PartnerID = nil
	f.profiles[userID] = p
	return nil
}

type testEnv struct {
	handler  http.Handler
	store    *fakeStore
	profiles *fakeProfileDir
	identity *identity.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newFakeStore()
	profiles := newFakeProfileDir()
	idSvc := identity.NewService(newFakeIdentityRepo(), profiles, platformauth.NewManager("test-secret", 15*time.Minute))
	next := 0
	idSvc.NewID = func() string {
		next++
		return fmt.Sprintf("uid-%d", next)
	}
	svc := NewService(st, profiles, zerolog.Nop())
	svcNext := 0
	svc.NewID = func() string {
		svcNext++
		return fmt.Sprintf("task-%d", svcNext)
	}
	handler := NewHandler(svc, idSvc, "").Router()
	return &testEnv{handler: handler, store: st, profiles: profiles, identity: idSvc}
}

func (e *testEnv) register(t *testing.T, username, displayName string) identity.AuthResponse {
	t.Helper()
	resp, err := e.identity.Register(context.Background(), username, displayName, "longenough")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return resp
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/register", "", registerRequest{
		Username: "ada", DisplayName: "Ada", Password: "longenough",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/register", "", registerRequest{
		Username: "ada", DisplayName: "Ada Again", Password: "longenough",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		Username: "ada", Password: "wrongwrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		Username: "ada", Password: "longenough",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var auth identity.AuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &auth); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if auth.AccessToken == "" {
		t.Fatal("login returned no access token")
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ada := env.register(t, "ada", "Ada")

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", ada.AccessToken, createTaskRequest{Title: "water plants"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var task contracts.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tasks", ada.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var tasks []contracts.TaskView
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != task.TaskID {
		t.Fatalf("unexpected list %+v", tasks)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.TaskID+"/toggle", ada.AccessToken, toggleRequest{Done: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d, body %s", rec.Code, rec.Body.String())
	}
	var view contracts.TaskView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode toggle: %v", err)
	}
	if !view.Done || len(view.Completions) != 1 {
		t.Fatalf("toggle view %+v", view)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+task.TaskID, ada.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestDeleteRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	ada := env.register(t, "ada", "Ada")
	ben := env.register(t, "ben", "Ben")

	rec := env.do(t, http.MethodPost, "/api/v1/invites", ada.AccessToken, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("invite status = %d, body %s", rec.Code, rec.Body.String())
	}
	var inv map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode invite: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/invites/accept", ben.AccessToken, acceptInviteRequest{Code: inv["code"]})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", ada.AccessToken, createTaskRequest{Title: "shared chore"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var task contracts.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.PartnerID == nil || *task.PartnerID != ben.UserID {
		t.Fatalf("new task must be shared with the partner, got %+v", task)
	}

	// The partner can see and toggle the task but not delete it.
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.TaskID+"/toggle", ben.AccessToken, toggleRequest{Done: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("partner toggle status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+task.TaskID, ben.AccessToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("partner delete status = %d, want 403", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+task.TaskID, ada.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("owner delete status = %d", rec.Code)
	}
}

func TestToggleRequiresVisibility(t *testing.T) {
	env := newTestEnv(t)
	ada := env.register(t, "ada", "Ada")
	carol := env.register(t, "carol", "Carol")

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", ada.AccessToken, createTaskRequest{Title: "private"})
	var task contracts.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.TaskID+"/toggle", carol.AccessToken, toggleRequest{Done: true})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign toggle status = %d, want 403", rec.Code)
	}
}

func TestMessagesRequirePartner(t *testing.T) {
	env := newTestEnv(t)
	ada := env.register(t, "ada", "Ada")

	rec := env.do(t, http.MethodPost, "/api/v1/messages", ada.AccessToken, sendMessageRequest{Body: "thanks!"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("unlinked message status = %d, want 409", rec.Code)
	}

	ben := env.register(t, "ben", "Ben")
	if err := env.profiles.LinkPartners(context.Background(), ada.UserID, ben.UserID, ada.UserID); err != nil {
		t.Fatalf("link: %v", err)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/messages", ada.AccessToken, sendMessageRequest{Body: "thanks!"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("message status = %d, body %s", rec.Code, rec.Body.String())
	}
	var msg contracts.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.RecipientID != ben.UserID {
		t.Fatalf("recipient = %q, want ben", msg.RecipientID)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/messages", ben.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list messages status = %d", rec.Code)
	}
	var msgs []contracts.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "thanks!" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestCreateTaskTitleBoundary(t *testing.T) {
	env := newTestEnv(t)
	ada := env.register(t, "ada", "Ada")

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", ada.Token, createTaskRequest{
		Title: strings.Repeat("x", 100),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("100-char title status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", ada.Token, createTaskRequest{
		Title: strings.Repeat("x", 101),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("101-char title status = %d, want 400", rec.Code)
	}
}

func TestSendMessageBodyBoundary(t *testing.T) {
	env := newTestEnv(t)
	ada := env.register(t, "ada", "Ada")
	ben := env.register(t, "ben", "Ben")
	if err := env.profiles.LinkPartners(context.Background(), ada.UserID, ben.UserID, ada.UserID); err != nil {
		t.Fatalf("link partners: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/messages", ada.Token, sendMessageRequest{
		Body: strings.Repeat("y", 200),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("200-char body status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/messages", ada.Token, sendMessageRequest{
		Body: strings.Repeat("y", 201),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("201-char body status = %d, want 400", rec.Code)
	}
}

func TestProfileReadAndRename(t *testing.T) {
	env := newTestEnv(t)
	ada := env.register(t, "ada", "Ada")

	rec := env.do(t, http.MethodGet, "/api/v1/profile", ada.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get profile status = %d, body %s", rec.Code, rec.Body.String())
	}
	var profile contracts.Profile
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.DisplayName != "Ada" {
		t.Fatalf("display name = %q, want Ada", profile.DisplayName)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/profile", ada.Token, updateProfileRequest{DisplayName: "Ada L."})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d, body %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatalf("decode renamed profile: %v", err)
	}
	if profile.DisplayName != "Ada L." {
		t.Fatalf("renamed display name = %q", profile.DisplayName)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/profile", ada.Token, updateProfileRequest{DisplayName: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank rename status = %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/tasks", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rec.Code)
	}
}
