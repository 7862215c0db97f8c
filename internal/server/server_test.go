package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"runway/internal/approval"
	"runway/internal/config"
	"runway/internal/cost"
	"runway/internal/db"
	"runway/internal/domain"
	"runway/internal/events"
	"runway/internal/migrate"
	"runway/internal/orchestrator"
	"runway/internal/queue"
	"runway/internal/repo"
	"runway/internal/server"
)

const testSecret = "test-signing-secret"

type serverEnv struct {
	Handler http.Handler
	Repo    repo.Repo
	Orch    *orchestrator.Orchestrator
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: time.Now}
	q := queue.New(r, w, zerolog.Nop())
	cfg := config.Default()
	orch := &orchestrator.Orchestrator{
		Repo:    r,
		Events:  w,
		Queue:   q,
		Gate:    approval.NewGate(r, w, cfg.Guardrails),
		Tracker: cost.New(r, cfg.Guardrails),
		Log:     zerolog.Nop(),
		Now:     time.Now,
	}
	orch.Register()

	h, err := server.New(server.Config{
		Repo:    r,
		Orch:    orch,
		Queue:   q,
		Tracker: orch.Tracker,
		Auth:    server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &serverEnv{Handler: h, Repo: r, Orch: orch}
}

func mintToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *serverEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.Handler.ServeHTTP(rec, req)
	return rec
}

func (e *serverEnv) asUser(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + mintToken(t, testSecret, "alice"),
	})
}

func TestHealthIsOpen(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(t, http.MethodGet, "/v0/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(t, http.MethodGet, "/v0/runs", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error envelope: %v", err)
	}
	if body.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", body.Error.Code)
	}
}

func TestForgedTokenRejected(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(t, http.MethodGet, "/v0/runs", "", map[string]string{
		"Authorization": "Bearer " + mintToken(t, "wrong-secret", "alice"),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestTokenWithoutSubjectRejected(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(t, http.MethodGet, "/v0/runs", "", map[string]string{
		"Authorization": "Bearer " + mintToken(t, testSecret, ""),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	env := newServerEnv(t)
	raw := "rk-local-test-key"
	err := env.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "ci-bot",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	rec := env.do(t, http.MethodGet, "/v0/runs", "", map[string]string{"X-Api-Key": raw})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/v0/runs", "", map[string]string{"X-Api-Key": "rk-unknown"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key status = %d", rec.Code)
	}
}

func TestTriggerStartsRun(t *testing.T) {
	env := newServerEnv(t)
	rec := env.asUser(t, http.MethodPost, "/v0/triggers",
		`{"trigger_type":"CHAT_EVENT","text":"rotate the signing keys","channel":"CHAT"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var run domain.AgentRun
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID == "" || run.Status != domain.RunCreated {
		t.Fatalf("run = %+v", run)
	}

	stored, err := env.Repo.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if stored.TriggerType != domain.TriggerChatEvent {
		t.Fatalf("trigger type = %v", stored.TriggerType)
	}
	jobs, err := env.Repo.ListJobs(context.Background(), repo.JobListOptions{RunID: run.ID})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("trigger job = %d, %v", len(jobs), err)
	}
}

func TestTriggerValidation(t *testing.T) {
	env := newServerEnv(t)
	rec := env.asUser(t, http.MethodPost, "/v0/triggers",
		`{"trigger_type":"CHAT_EVENT","text":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty text status = %d", rec.Code)
	}
	rec = env.asUser(t, http.MethodPost, "/v0/triggers",
		`{"trigger_type":"WEBHOOK","text":"hello"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown trigger status = %d", rec.Code)
	}
}

func TestRunLookupNotFound(t *testing.T) {
	env := newServerEnv(t)
	rec := env.asUser(t, http.MethodGet, "/v0/runs/run-missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDecisionOnFreshRunConflicts(t *testing.T) {
	env := newServerEnv(t)
	rec := env.asUser(t, http.MethodPost, "/v0/triggers",
		`{"trigger_type":"MANUAL_REVIEW","text":"review the backlog"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger status = %d", rec.Code)
	}
	var run domain.AgentRun
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}

	// The run has not reached its approval gate yet.
	rec = env.asUser(t, http.MethodPost, "/v0/runs/"+run.ID+"/decision", `{"approved":true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelRunEndpoint(t *testing.T) {
	env := newServerEnv(t)
	rec := env.asUser(t, http.MethodPost, "/v0/triggers",
		`{"trigger_type":"MANUAL_REVIEW","text":"review the backlog"}`)
	var run domain.AgentRun
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}

	rec = env.asUser(t, http.MethodPost, "/v0/runs/"+run.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rec.Code, rec.Body.String())
	}
	stored, err := env.Repo.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.RunAborted {
		t.Fatalf("status = %v", stored.Status)
	}
	// Terminal runs refuse a second cancel.
	rec = env.asUser(t, http.MethodPost, "/v0/runs/"+run.ID+"/cancel", "")
	if rec.Code == http.StatusOK {
		t.Fatalf("second cancel must fail")
	}
}

func TestCostEndpoint(t *testing.T) {
	env := newServerEnv(t)
	rec := env.asUser(t, http.MethodGet, "/v0/cost", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var total cost.Total
	if err := json.Unmarshal(rec.Body.Bytes(), &total); err != nil {
		t.Fatalf("decode total: %v", err)
	}
	if total.SampleCount != 0 {
		t.Fatalf("sample count = %d", total.SampleCount)
	}
	rec = env.asUser(t, http.MethodGet, "/v0/cost?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", rec.Code)
	}
}
