package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ecociel/labelling/auth"
	"github.com/ecociel/labelling/cache"
	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog/memlog"
	"github.com/ecociel/labelling/metrics"
	"github.com/ecociel/labelling/repos/mem"
	"github.com/ecociel/labelling/uc"
)

type tokenVerifier map[string]auth.Principal

func (v tokenVerifier) Authenticate(_ context.Context, credential string) (auth.Principal, error) {
	p, ok := v[credential]
	if !ok {
		return auth.Principal{}, errors.New("unknown token")
	}
	return p, nil
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, string, string, string, domain.Status, domain.Status) {}

func newTestAPI() (*API, *mem.TaskStore) {
	store := mem.NewTaskStore()
	dir := mem.NewWorkerDirectory()
	log := memlog.New()
	metadata := cache.NewMemory()
	auditor := nopAuditor{}

	ucs := UseCases{
		Create:   uc.MakeCreateTaskUseCase(store, metadata, auditor, log, time.Hour),
		List:     uc.MakeListTasksUseCase(store),
		Detail:   uc.MakeTaskDetailUseCase(store),
		Metadata: uc.MakeTaskMetadataUseCase(store, metadata, metrics.Nop{}, time.Hour),
		Update:   uc.MakeUpdateTaskUseCase(store, metadata, time.Hour),
		Submit:   uc.MakeSubmitTaskUseCase(store, auditor, log),
		Verdict:  uc.MakeVerdictUseCase(store, dir, auditor, log, metrics.Nop{}, nil, 3),
		Delete:   uc.MakeDeleteTaskUseCase(store, metadata),
		Audit:    uc.MakeAuditTrailUseCase(store, store),
	}
	verifier := tokenVerifier{
		"admin-token":    {Subject: "ada", TenantID: "acme", Role: domain.RoleAdmin},
		"labeller-token": {Subject: "lee", TenantID: "acme", Role: domain.RoleLabeller},
	}
	return New(ucs, verifier, nil), store
}

func doJSON(t *testing.T, api *API, method, path, token, body string) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Container().ServeHTTP(rec, req)

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope from %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func TestRejectsMissingCredential(t *testing.T) {
	api, _ := newTestAPI()
	rec, env := doJSON(t, api, http.MethodGet, "/task/list", "", "")
	if rec.Code != http.StatusUnauthorized || env.Status != "failure" {
		t.Fatalf("code=%d env=%+v, want 401 failure", rec.Code, env)
	}
}

func TestCreateTaskReturnsEnvelope(t *testing.T) {
	api, _ := newTestAPI()
	body := `{"external_id":"t-1","org":"ops","task_details":{"project_name":"frames","data_type":"image"}}`

	rec, env := doJSON(t, api, http.MethodPost, "/task/create", "admin-token", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body.String())
	}
	if env.Status != "success" || env.TimestampMS == 0 {
		t.Fatalf("envelope = %+v", env)
	}
	if strings.Contains(rec.Body.String(), "tenant_id") {
		t.Fatal("response leaks tenant_id")
	}

	rec, env = doJSON(t, api, http.MethodPost, "/task/create", "admin-token", body)
	if rec.Code != http.StatusConflict || env.Status != "failure" {
		t.Fatalf("duplicate create: code=%d env=%+v, want 409", rec.Code, env)
	}
}

func TestCreateTaskForbiddenForLabeller(t *testing.T) {
	api, _ := newTestAPI()
	body := `{"external_id":"t-1"}`
	rec, _ := doJSON(t, api, http.MethodPost, "/task/create", "labeller-token", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", rec.Code)
	}
}

func TestDetailUnknownTaskIs404(t *testing.T) {
	api, _ := newTestAPI()
	rec, env := doJSON(t, api, http.MethodGet, "/task/ghost", "admin-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
	if env.Status != "failure" || env.Message == "" || env.TimestampMS == 0 {
		t.Fatalf("failure envelope = %+v", env)
	}
}

func TestSubmitByAssigneeOverHTTP(t *testing.T) {
	api, store := newTestAPI()
	create := `{"external_id":"t-1","task_details":{"data_type":"image"}}`
	if rec, _ := doJSON(t, api, http.MethodPost, "/task/create", "admin-token", create); rec.Code != http.StatusCreated {
		t.Fatalf("create code = %d", rec.Code)
	}
	assignee := "lee"
	if _, err := store.CompareAndSetStatus(context.Background(), "acme", "t-1",
		domain.StatusQueued, domain.StatusChange{To: domain.StatusAllocated, Assignee: &assignee}); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}

	rec, env := doJSON(t, api, http.MethodPost, "/task/t-1/submit", "labeller-token", "")
	if rec.Code != http.StatusOK || env.Status != "success" {
		t.Fatalf("submit: code=%d env=%+v", rec.Code, env)
	}

	// a second submit is no longer a valid transition
	rec, _ = doJSON(t, api, http.MethodPost, "/task/t-1/submit", "labeller-token", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat submit code = %d, want 409", rec.Code)
	}
}

func TestDeletedTaskIsGone(t *testing.T) {
	api, store := newTestAPI()
	create := `{"external_id":"t-1","task_details":{"data_type":"image"}}`
	if rec, _ := doJSON(t, api, http.MethodPost, "/task/create", "admin-token", create); rec.Code != http.StatusCreated {
		t.Fatalf("create code = %d", rec.Code)
	}
	if err := store.SoftDelete(context.Background(), "acme", "t-1", "ada"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rec, _ := doJSON(t, api, http.MethodPost, "/task/t-1/submit", "labeller-token", "")
	if rec.Code != http.StatusGone {
		t.Fatalf("code = %d, want 410", rec.Code)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	api, _ := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	api.Container().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
}
