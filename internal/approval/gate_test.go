package approval_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"runway/internal/approval"
	"runway/internal/config"
	"runway/internal/db"
	"runway/internal/domain"
	"runway/internal/events"
	"runway/internal/migrate"
	"runway/internal/repo"
)

var baseTime = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

type gateEnv struct {
	Gate approval.Gate
	Repo repo.Repo
	Ctx  context.Context
	now  *time.Time
}

func newGateEnv(t *testing.T) *gateEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := baseTime
	env := &gateEnv{Repo: repo.Repo{DB: conn}, Ctx: context.Background(), now: &now}
	g := approval.NewGate(env.Repo, events.Writer{DB: conn, Now: func() time.Time { return *env.now }},
		config.Guardrails{ApprovalExpiryHours: 48})
	g.Now = func() time.Time { return *env.now }
	env.Gate = g
	return env
}

func (e *gateEnv) insertRun(t *testing.T, id string) {
	t.Helper()
	nowStr := baseTime.Format(time.RFC3339)
	tx, err := e.Repo.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = e.Repo.InsertRun(e.Ctx, tx, domain.AgentRun{
		ID: id, GraphVersion: "v1", TriggerType: domain.TriggerChatEvent,
		Status: domain.RunAwaitingApproval, CreatedAt: nowStr, UpdatedAt: nowStr,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func (e *gateEnv) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := e.Repo.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func (e *gateEnv) request(t *testing.T, runID string) domain.Approval {
	t.Helper()
	var a domain.Approval
	e.inTx(t, func(tx *sql.Tx) error {
		var err error
		a, err = e.Gate.Request(e.Ctx, tx, runID, domain.ApprovalCreate, "requester", domain.ChannelDashboard, `{"type":"CREATE"}`)
		return err
	})
	return a
}

func TestRequestSetsExpiry(t *testing.T) {
	env := newGateEnv(t)
	env.insertRun(t, "run-1")
	a := env.request(t, "run-1")

	if a.Status != domain.ApprovalPending {
		t.Fatalf("status = %v", a.Status)
	}
	wantExpiry := baseTime.Add(48 * time.Hour).Format(time.RFC3339)
	if a.ExpiresAt != wantExpiry {
		t.Fatalf("expires_at = %s, want %s", a.ExpiresAt, wantExpiry)
	}
	stored, err := env.Repo.GetApproval(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ActionJSON != `{"type":"CREATE"}` {
		t.Fatalf("action checkpoint not persisted: %q", stored.ActionJSON)
	}
}

func TestResolveApprove(t *testing.T) {
	env := newGateEnv(t)
	env.insertRun(t, "run-1")
	a := env.request(t, "run-1")

	var res approval.Resolution
	env.inTx(t, func(tx *sql.Tx) error {
		var err error
		res, err = env.Gate.Resolve(env.Ctx, tx, a, true, "alice")
		return err
	})
	if res != approval.ResolutionApproved {
		t.Fatalf("resolution = %v", res)
	}
	stored, _ := env.Repo.GetApproval(env.Ctx, a.ID)
	if stored.Status != domain.ApprovalApproved || stored.DecidedBy != "alice" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	env := newGateEnv(t)
	env.insertRun(t, "run-1")
	a := env.request(t, "run-1")

	env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.Gate.Resolve(env.Ctx, tx, a, false, "alice")
		return err
	})
	// Second decision against the stale PENDING snapshot must lose the
	// guarded update and report noop.
	var res approval.Resolution
	env.inTx(t, func(tx *sql.Tx) error {
		var err error
		res, err = env.Gate.Resolve(env.Ctx, tx, a, true, "bob")
		return err
	})
	if res != approval.ResolutionNoop {
		t.Fatalf("second decision = %v, want noop", res)
	}
	stored, _ := env.Repo.GetApproval(env.Ctx, a.ID)
	if stored.Status != domain.ApprovalRejected || stored.DecidedBy != "alice" {
		t.Fatalf("first decision must stand: %+v", stored)
	}
}

func TestDecisionAtExpiryBoundaryIsExpired(t *testing.T) {
	env := newGateEnv(t)
	env.insertRun(t, "run-1")
	a := env.request(t, "run-1")

	// Exactly T+48h: at-or-after the instant counts as expired, even
	// for an approval decision.
	*env.now = baseTime.Add(48 * time.Hour)
	var res approval.Resolution
	env.inTx(t, func(tx *sql.Tx) error {
		var err error
		res, err = env.Gate.Resolve(env.Ctx, tx, a, true, "alice")
		return err
	})
	if res != approval.ResolutionExpired {
		t.Fatalf("resolution = %v, want expired", res)
	}
	stored, _ := env.Repo.GetApproval(env.Ctx, a.ID)
	if stored.Status != domain.ApprovalExpired {
		t.Fatalf("status = %v", stored.Status)
	}
}

func TestDecisionJustBeforeExpiryCounts(t *testing.T) {
	env := newGateEnv(t)
	env.insertRun(t, "run-1")
	a := env.request(t, "run-1")

	*env.now = baseTime.Add(48*time.Hour - time.Second)
	var res approval.Resolution
	env.inTx(t, func(tx *sql.Tx) error {
		var err error
		res, err = env.Gate.Resolve(env.Ctx, tx, a, true, "alice")
		return err
	})
	if res != approval.ResolutionApproved {
		t.Fatalf("resolution = %v, want approved", res)
	}
}

func TestCancelForceExpires(t *testing.T) {
	env := newGateEnv(t)
	env.insertRun(t, "run-1")
	a := env.request(t, "run-1")

	var won bool
	env.inTx(t, func(tx *sql.Tx) error {
		var err error
		won, err = env.Gate.Cancel(env.Ctx, tx, a, "operator")
		return err
	})
	if !won {
		t.Fatalf("cancel should settle the pending approval")
	}
	stored, _ := env.Repo.GetApproval(env.Ctx, a.ID)
	if stored.Status != domain.ApprovalExpired {
		t.Fatalf("status = %v, want expired", stored.Status)
	}
}

func TestParseDecisionFailClosed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
		want bool
	}{
		{"approved true", `{"approved": true}`, true, true},
		{"approved false", `{"approved": false}`, true, false},
		{"extra fields", `{"approved": true, "id": "a-1"}`, true, true},
		{"missing field", `{"approve": true}`, false, false},
		{"wrong type", `{"approved": "yes"}`, false, false},
		{"not an object", `[true]`, false, false},
		{"empty", ``, false, false},
		{"garbage", `{"approved"`, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, ok := approval.ParseDecision([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && p.Approved != tc.want {
				t.Fatalf("approved = %v, want %v", p.Approved, tc.want)
			}
		})
	}
}
