package engine_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"approvalq/internal/activity"
	"approvalq/internal/config"
	"approvalq/internal/db"
	"approvalq/internal/domain"
	"approvalq/internal/engine"
	"approvalq/internal/engine/auth"
	"approvalq/internal/migrate"
	"approvalq/internal/notify"
	"approvalq/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type sentWelcome struct {
	email, secret string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentWelcome
}

func (n *recordingNotifier) SendWelcome(_ context.Context, email, secret string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentWelcome{email, secret})
	return nil
}

type countingStore struct {
	repo.Repo
	mu          sync.Mutex
	createUsers int
}

func (s *countingStore) CreateUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	s.mu.Lock()
	s.createUsers++
	s.mu.Unlock()
	return s.Repo.CreateUser(ctx, tx, u)
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Notifier *recordingNotifier
	Store    *countingStore
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clk.Now
	eng.Log = zerolog.Nop()
	eng.Passwords = func() (string, error) { return "fixedpwdAa1!", nil }
	store := &countingStore{Repo: eng.Repo}
	eng.Mutations = store
	n := &recordingNotifier{}
	eng.Notify = &notify.Dispatcher{Notifier: n, Recorder: eng.Activity, Log: zerolog.Nop()}
	t.Cleanup(eng.Close)

	ctx := context.Background()
	defs := map[string][]string{
		"Card Request":              {"Manager", "SuperAdmin"},
		domain.TypeUserCreation:     {"SuperAdmin"},
		domain.TypeUserModification: {"Manager"},
		"Branch Stock Request":      {"Manager"},
	}
	for typ, levels := range defs {
		if _, err := eng.SaveDefinition(ctx, typ, levels, "admin"); err != nil {
			t.Fatalf("seed definition %s: %v", typ, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Notifier: n, Store: store}
}

func (env testEnv) submitCard(t *testing.T) domain.Request {
	t.Helper()
	req, err := env.Engine.Submit(env.Ctx, "Card Request", json.RawMessage(`{"customerName":"John"}`), "teller1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return req
}

func (env testEnv) actions(t *testing.T) []string {
	t.Helper()
	entries, err := env.Engine.Repo.LatestActivity(env.Ctx, repo.ActivityFilters{})
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	out := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Action)
	}
	return out
}

func countAction(actions []string, action string) int {
	n := 0
	for _, a := range actions {
		if a == action {
			n++
		}
	}
	return n
}

func TestSubmitCreatesPendingRequestAtLevelOne(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)
	if req.Status != domain.StatusPending || req.CurrentLevel != 1 {
		t.Fatalf("unexpected state %s/%d", req.Status, req.CurrentLevel)
	}
	if req.CustomerName != "John" || req.Branch != "System" {
		t.Fatalf("display fields: %q %q", req.CustomerName, req.Branch)
	}
	if len(req.History) != 1 || req.History[0].Action != domain.ActionSubmitted || req.History[0].Level != 0 {
		t.Fatalf("history: %+v", req.History)
	}
	stored, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.History) != 1 || stored.History[0].ActorID != "teller1" {
		t.Fatalf("stored history: %+v", stored.History)
	}
	if countAction(env.actions(t), activity.SubmitRequest) != 1 {
		t.Fatalf("expected one SUBMIT_REQUEST")
	}
}

func TestSubmitUnknownTypeCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, "Loan Request", json.RawMessage(`{}`), "teller1")
	var unknown engine.UnknownWorkflowTypeError
	if !errors.As(err, &unknown) || unknown.RequestType != "Loan Request" {
		t.Fatalf("expected UnknownWorkflowTypeError, got %v", err)
	}
	reqs, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 0 {
		t.Fatalf("expected no requests, got %d", len(reqs))
	}
	if countAction(env.actions(t), activity.SubmitRequest) != 0 {
		t.Fatalf("unexpected SUBMIT_REQUEST")
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, domain.TypeUserCreation, json.RawMessage(`{"name":"no email"}`), "admin1")
	var perr domain.PayloadError
	if !errors.As(err, &perr) || perr.Field != "email" {
		t.Fatalf("expected payload error on email, got %v", err)
	}
}

func TestApproveThroughAllLevels(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)

	res, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1})
	if err != nil {
		t.Fatalf("approve level 1: %v", err)
	}
	if res.Completed || res.Request.CurrentLevel != 2 || res.Request.Status != domain.StatusPending {
		t.Fatalf("after level 1: %+v", res.Request)
	}

	res, err = env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "admin1", ExpectedLevel: 2})
	if err != nil {
		t.Fatalf("approve level 2: %v", err)
	}
	if !res.Completed || res.Request.Status != domain.StatusApproved || res.Request.CurrentLevel != 2 {
		t.Fatalf("after level 2: %+v", res.Request)
	}
	if res.Execution == nil || res.Execution.Kind != domain.KindGeneric {
		t.Fatalf("expected generic execution, got %+v", res.Execution)
	}
	h := res.Request.History
	if len(h) != 3 || h[1].Level != 1 || h[1].ActorID != "mgr1" || h[2].Level != 2 || h[2].ActorID != "admin1" {
		t.Fatalf("history: %+v", h)
	}
	actions := env.actions(t)
	for _, a := range []string{activity.ApproveRequest, activity.CompleteRequest, activity.RequestFulfilled} {
		if countAction(actions, a) != 1 {
			t.Fatalf("expected one %s in %v", a, actions)
		}
	}
	if env.Store.createUsers != 0 {
		t.Fatalf("generic request must not mutate users")
	}
}

func TestApproveStockRequestLogsBranch(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.Submit(env.Ctx, "Branch Stock Request", json.RawMessage(`{"branch":"Ikeja","quantity":50}`), "teller1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1}); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.Repo.LatestActivity(env.Ctx, repo.ActivityFilters{Action: activity.StockApproved})
	if err != nil || len(entries) != 1 {
		t.Fatalf("stock entries: %v %d", err, len(entries))
	}
	if entries[0].Details != "Stock request for Ikeja approved." {
		t.Fatalf("details: %q", entries[0].Details)
	}
}

func TestDeclineIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)
	res, err := env.Engine.Decline(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if res.Request.Status != domain.StatusDeclined || res.Request.CurrentLevel != 1 {
		t.Fatalf("after decline: %+v", res.Request)
	}

	_, err = env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "admin1", ExpectedLevel: 1})
	var notPending engine.RequestNotPendingError
	if !errors.As(err, &notPending) || notPending.Status != "Declined" {
		t.Fatalf("expected RequestNotPendingError, got %v", err)
	}
	_, err = env.Engine.Decline(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "admin1", ExpectedLevel: 1})
	if !errors.As(err, &notPending) {
		t.Fatalf("expected RequestNotPendingError on second decline, got %v", err)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 2 || got.History[1].Action != domain.ActionDeclined || got.History[1].Level != 1 {
		t.Fatalf("history: %+v", got.History)
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: "missing", ActorID: "mgr1", ExpectedLevel: 1})
	var nf engine.RequestNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected RequestNotFoundError, got %v", err)
	}
}

func TestApproveRejectsStaleExpectedLevel(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)
	if _, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr2", ExpectedLevel: 1})
	var stale engine.StaleLevelError
	if !errors.As(err, &stale) || stale.Current != 2 || stale.Expected != 1 {
		t.Fatalf("expected StaleLevelError, got %v", err)
	}
}

func TestConcurrentApprovalsOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr", ExpectedLevel: 1})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var stale engine.StaleLevelError
		var notPending engine.RequestNotPendingError
		if !errors.As(err, &stale) && !errors.As(err, &notPending) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", wins, errs)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentLevel != 2 || len(got.History) != 2 {
		t.Fatalf("expected level 2 with one approval, got level %d history %+v", got.CurrentLevel, got.History)
	}
}

func TestApproveWithoutExpectedLevelIsRejected(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err == nil {
			t.Fatalf("approve without expected level must fail")
		}
	}
	if _, err := env.Engine.Decline(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr"}); err == nil {
		t.Fatalf("decline without expected level must fail")
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.CurrentLevel != 1 || len(got.History) != 1 {
		t.Fatalf("request changed: %+v", got)
	}
}

func TestAuthorizedDoubleApproveStopsAtNextLevel(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			current, err := env.Engine.Authorize(env.Ctx, "Manager", req.ID)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = env.Engine.Approve(env.Ctx, engine.ActionOptions{
				RequestID: req.ID, ActorID: "mgr", ExpectedLevel: current.CurrentLevel,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var stale engine.StaleLevelError
		var notApprover auth.NotApproverError
		if !errors.As(err, &stale) && !errors.As(err, &notApprover) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", wins, errs)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.CurrentLevel != 2 {
		t.Fatalf("level 2 gate skipped: %+v", got)
	}
}

func TestUserCreationExecutesOnce(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.Submit(env.Ctx, domain.TypeUserCreation, json.RawMessage(`{"email":"a@b.com"}`), "admin1")
	if err != nil {
		t.Fatal(err)
	}
	if req.CustomerName != "a@b.com" {
		t.Fatalf("customer name: %q", req.CustomerName)
	}
	res, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "admin1", ExpectedLevel: 1})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Request.Status != domain.StatusApproved {
		t.Fatalf("status: %s", res.Request.Status)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "admin1", ExpectedLevel: 1}); err == nil {
		t.Fatalf("retrying an applied approval must fail")
	}
	env.Engine.Notify.Wait()

	if env.Store.createUsers != 1 {
		t.Fatalf("expected one create-user, got %d", env.Store.createUsers)
	}
	u, err := env.Engine.Repo.GetUserByEmail(env.Ctx, "a@b.com")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("fixedpwdAa1!")) != nil {
		t.Fatalf("password hash does not match generated secret")
	}
	actions := env.actions(t)
	if countAction(actions, activity.CreateUser) != 1 || countAction(actions, activity.NotifyUser) != 1 {
		t.Fatalf("actions: %v", actions)
	}
	entries, _ := env.Engine.Repo.LatestActivity(env.Ctx, repo.ActivityFilters{Action: activity.CreateUser})
	if len(entries) != 1 || entries[0].Target != "a@b.com" {
		t.Fatalf("create user entry: %+v", entries)
	}
	if len(env.Notifier.sent) != 1 || env.Notifier.sent[0].secret != "fixedpwdAa1!" {
		t.Fatalf("welcome: %+v", env.Notifier.sent)
	}
}

func TestMutationFailureLeavesRequestPending(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.Submit(env.Ctx, domain.TypeUserModification, json.RawMessage(`{"target_id":"ghost","data":{"name":"Nobody"}}`), "admin1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1})
	var mErr engine.MutationExecutionError
	if !errors.As(err, &mErr) || !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected MutationExecutionError wrapping not found, got %v", err)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.CurrentLevel != 1 || len(got.History) != 1 {
		t.Fatalf("request changed after failed mutation: %+v", got)
	}
	if countAction(env.actions(t), activity.CompleteRequest) != 0 {
		t.Fatalf("COMPLETE_REQUEST must roll back with the mutation")
	}
}

func TestUserModificationUpdatesUser(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.CreateUser(env.Ctx, nil, domain.User{ID: "usr_9", Email: "x@bank.com", PasswordHash: "h", CreatedAt: "t", UpdatedAt: "t"}); err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.Submit(env.Ctx, domain.TypeUserModification, json.RawMessage(`{"target_id":"usr_9","data":{"branch":"Lekki"}}`), "admin1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Branch != "Lekki" {
		t.Fatalf("branch: %q", req.Branch)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1}); err != nil {
		t.Fatal(err)
	}
	u, err := env.Engine.Repo.GetUser(env.Ctx, nil, "usr_9")
	if err != nil || u.Branch != "Lekki" {
		t.Fatalf("user not updated: %+v %v", u, err)
	}
}

func TestApproveWithMissingDefinition(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SaveDefinition(env.Ctx, "Temp", []string{"Manager"}, "admin"); err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.Submit(env.Ctx, "Temp", json.RawMessage(`{}`), "teller1")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteDefinition(env.Ctx, "Temp", "admin"); err == nil {
		t.Fatalf("delete must be refused while pending")
	}
	// Remove the chain underneath the request.
	if _, err := env.Engine.DB.Exec(`DELETE FROM workflow_definitions WHERE request_type='Temp'`); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1})
	var missing engine.WorkflowDefinitionMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected WorkflowDefinitionMissingError, got %v", err)
	}
	pending, err := env.Engine.PendingFor(env.Ctx, "Manager")
	if err != nil {
		t.Fatalf("pending must skip orphaned requests: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("orphaned request listed: %+v", pending)
	}
}

func TestPendingForMatchesCurrentLevelRole(t *testing.T) {
	env := newTestEnv(t)
	a := env.submitCard(t)
	b := env.submitCard(t)
	c := env.submitCard(t)
	if _, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: b.ID, ActorID: "mgr1", ExpectedLevel: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decline(env.Ctx, engine.ActionOptions{RequestID: c.ID, ActorID: "mgr1", ExpectedLevel: 1}); err != nil {
		t.Fatal(err)
	}

	mgr, err := env.Engine.PendingFor(env.Ctx, "Manager")
	if err != nil {
		t.Fatal(err)
	}
	if len(mgr) != 1 || mgr[0].ID != a.ID {
		t.Fatalf("manager queue: %+v", mgr)
	}
	admin, err := env.Engine.PendingFor(env.Ctx, "SuperAdmin")
	if err != nil {
		t.Fatal(err)
	}
	if len(admin) != 1 || admin[0].ID != b.ID {
		t.Fatalf("super admin queue: %+v", admin)
	}
	for _, r := range append(mgr, admin...) {
		if r.Status != domain.StatusPending {
			t.Fatalf("non-pending request listed: %+v", r)
		}
	}
	fresh, err := env.Engine.GetRequest(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := env.Engine.CanAct(env.Ctx, "Manager", fresh); err != nil || ok {
		t.Fatalf("manager must not act at level 2: %v", err)
	}
	if ok, err := env.Engine.CanAct(env.Ctx, "SuperAdmin", fresh); err != nil || !ok {
		t.Fatalf("super admin must act at level 2: %v", err)
	}
}

func TestPendingOrderIsSubmissionOrder(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, env.submitCard(t).ID)
	}
	got, err := env.Engine.PendingFor(env.Ctx, "Manager")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d, got %d", len(ids), len(got))
	}
	for i := range ids {
		if got[i].ID != ids[i] {
			t.Fatalf("order mismatch at %d", i)
		}
	}
}

func TestAuthorizeGate(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)
	if _, err := env.Engine.Authorize(env.Ctx, "SuperAdmin", req.ID); err == nil {
		t.Fatalf("SuperAdmin must not act at level 1")
	}
	got, err := env.Engine.Authorize(env.Ctx, "Manager", req.ID)
	if err != nil {
		t.Fatalf("manager gate: %v", err)
	}
	if got.CurrentLevel != 1 {
		t.Fatalf("level: %d", got.CurrentLevel)
	}
}

func TestSubscribePendingPushesSnapshots(t *testing.T) {
	env := newTestEnv(t)
	var (
		mu        sync.Mutex
		snapshots [][]domain.Request
	)
	unsubscribe, err := env.Engine.SubscribePending(env.Ctx, "Manager", func(reqs []domain.Request, err error) {
		if err != nil {
			t.Errorf("snapshot: %v", err)
			return
		}
		mu.Lock()
		snapshots = append(snapshots, reqs)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	req := env.submitCard(t)
	if _, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1}); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	env.submitCard(t)

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) != 3 {
		t.Fatalf("expected initial + 2 snapshots, got %d", len(snapshots))
	}
	if len(snapshots[0]) != 0 || len(snapshots[1]) != 1 || len(snapshots[2]) != 0 {
		t.Fatalf("snapshot sizes: %d %d %d", len(snapshots[0]), len(snapshots[1]), len(snapshots[2]))
	}
}

func TestDefinitionLifecycleIsLogged(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SaveDefinition(env.Ctx, "Card Request", []string{"Manager"}, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveDefinition(env.Ctx, "Loan", []string{"A", "B", "C", "D"}, "admin"); err == nil {
		t.Fatalf("expected max level error")
	}
	if err := env.Engine.DeleteDefinition(env.Ctx, "Branch Stock Request", "admin"); err != nil {
		t.Fatal(err)
	}
	var unknown engine.UnknownWorkflowTypeError
	if err := env.Engine.DeleteDefinition(env.Ctx, "Branch Stock Request", "admin"); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownWorkflowTypeError, got %v", err)
	}
	actions := env.actions(t)
	if countAction(actions, activity.CreateAuthList) != 4 || countAction(actions, activity.UpdateAuthList) != 1 || countAction(actions, activity.DeleteAuthList) != 1 {
		t.Fatalf("actions: %v", actions)
	}
}

func TestActivityRetentionBound(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Activity.Retention = 5
	for i := 0; i < 6; i++ {
		env.submitCard(t)
	}
	n, err := env.Engine.Repo.CountActivity(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 retained entries, got %d", n)
	}
	latest, _ := env.Engine.Repo.LatestActivity(env.Ctx, repo.ActivityFilters{Limit: 1})
	if latest[0].Action != activity.SubmitRequest {
		t.Fatalf("newest entry evicted: %+v", latest[0])
	}
}

func TestRequestCountsCoverEveryStatus(t *testing.T) {
	env := newTestEnv(t)
	counts, err := env.Engine.RequestCounts(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 3 || counts["Pending"] != 0 {
		t.Fatalf("empty counts: %v", counts)
	}
	env.submitCard(t)
	c := env.submitCard(t)
	if _, err := env.Engine.Decline(env.Ctx, engine.ActionOptions{RequestID: c.ID, ActorID: "mgr1", ExpectedLevel: 1}); err != nil {
		t.Fatal(err)
	}
	counts, err = env.Engine.RequestCounts(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["Pending"] != 1 || counts["Declined"] != 1 || counts["Approved"] != 0 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestRevokeAPIKeyChecksOwner(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.CreateUser(env.Ctx, nil, domain.User{ID: "usr_7", Email: "k@bank.com", PasswordHash: "h", CreatedAt: "t", UpdatedAt: "t"}); err != nil {
		t.Fatal(err)
	}
	_, key, err := env.Engine.CreateAPIKey(env.Ctx, "usr_7", "ci")
	if err != nil {
		t.Fatal(err)
	}
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "usr_7")
	if err != nil || len(keys) != 1 || keys[0].KeyHash != "" {
		t.Fatalf("list: %+v %v", keys, err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, "usr_other", "usr_other"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign revoke: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, "usr_7", "usr_7"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, "", "admin"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second revoke: %v", err)
	}
	if countAction(env.actions(t), activity.RevokeAPIKey) != 1 {
		t.Fatalf("actions: %v", env.actions(t))
	}
}

func TestShortenedChainGatesOnLastRole(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitCard(t)
	if _, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr1", ExpectedLevel: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveDefinition(env.Ctx, "Card Request", []string{"Manager"}, "admin"); err != nil {
		t.Fatal(err)
	}

	mgr, err := env.Engine.PendingFor(env.Ctx, "Manager")
	if err != nil {
		t.Fatal(err)
	}
	if len(mgr) != 1 || mgr[0].ID != req.ID {
		t.Fatalf("request at level 2 must reach the last role: %+v", mgr)
	}
	admin, err := env.Engine.PendingFor(env.Ctx, "SuperAdmin")
	if err != nil || len(admin) != 0 {
		t.Fatalf("super admin queue: %+v %v", admin, err)
	}
	current, err := env.Engine.Authorize(env.Ctx, "Manager", req.ID)
	if err != nil {
		t.Fatalf("manager gate: %v", err)
	}
	res, err := env.Engine.Approve(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mgr2", ExpectedLevel: current.CurrentLevel})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed || res.Request.Status != domain.StatusApproved {
		t.Fatalf("expected final approval: %+v", res.Request)
	}
}
