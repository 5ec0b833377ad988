package uc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ecociel/labelling/auth"
	"github.com/ecociel/labelling/cache"
	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog/memlog"
	"github.com/ecociel/labelling/metrics"
	"github.com/ecociel/labelling/repos/mem"
)

type recordingAuditor struct {
	mu    sync.Mutex
	facts []string
}

func (a *recordingAuditor) Record(_ context.Context, _, externalID, _ string, from, to domain.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.facts = append(a.facts, externalID+":"+string(from)+"->"+string(to))
}

func (a *recordingAuditor) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.facts) == 0 {
		return ""
	}
	return a.facts[len(a.facts)-1]
}

type countingMetrics struct {
	metrics.Nop
	mu        sync.Mutex
	hits      int
	misses    int
	escalated int
	approved  int
	rejected  int
}

func (m *countingMetrics) CacheHit() {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *countingMetrics) CacheMiss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

func (m *countingMetrics) TaskEscalated() {
	m.mu.Lock()
	m.escalated++
	m.mu.Unlock()
}

func (m *countingMetrics) VerdictApproved() {
	m.mu.Lock()
	m.approved++
	m.mu.Unlock()
}

func (m *countingMetrics) VerdictRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

type testEnv struct {
	store   *mem.TaskStore
	dir     *mem.WorkerDirectory
	log     *memlog.Log
	cache   *cache.Memory
	auditor *recordingAuditor
	metrics *countingMetrics
}

func newTestEnv() *testEnv {
	return &testEnv{
		store:   mem.NewTaskStore(),
		dir:     mem.NewWorkerDirectory(),
		log:     memlog.New(),
		cache:   cache.NewMemory(),
		auditor: &recordingAuditor{},
		metrics: &countingMetrics{},
	}
}

var (
	adminP    = auth.Principal{Subject: "ada", TenantID: "acme", Role: domain.RoleAdmin}
	labellerP = auth.Principal{Subject: "lee", TenantID: "acme", Role: domain.RoleLabeller}
	reviewerP = auth.Principal{Subject: "rae", TenantID: "acme", Role: domain.RoleReviewer}
)

func (e *testEnv) create(t *testing.T, externalID string) domain.Task {
	t.Helper()
	createTask := MakeCreateTaskUseCase(e.store, e.cache, e.auditor, e.log, time.Hour)
	task, err := createTask(context.Background(), adminP, CreateTaskRequest{
		ExternalID: externalID,
		Org:        "ops",
		Details:    domain.TaskDetails{ProjectName: "label frames"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTaskQueuesAndCaches(t *testing.T) {
	env := newTestEnv()
	task := env.create(t, "t-1")

	if task.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}
	if _, hit, _ := env.cache.Get(context.Background(), "acme", "t-1"); !hit {
		t.Fatal("details not cached on create")
	}
	if got := env.auditor.last(); got != "t-1:created->queued" {
		t.Fatalf("audit fact = %q", got)
	}
	recs, err := env.log.Read(context.Background(), "acme", "allocation", "c1", 10, 0)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(recs) != 1 || recs[0].Event.Kind != domain.KindQueued {
		t.Fatalf("log = %+v, want one Queued event", recs)
	}
}

func TestCreateTaskRequiresAdmin(t *testing.T) {
	env := newTestEnv()
	createTask := MakeCreateTaskUseCase(env.store, env.cache, env.auditor, env.log, time.Hour)
	_, err := createTask(context.Background(), labellerP, CreateTaskRequest{ExternalID: "t-1"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestListTasksScopesNonAdminsToOwnWork(t *testing.T) {
	env := newTestEnv()
	env.create(t, "mine")
	env.create(t, "other")
	mine := "lee"
	if _, err := env.store.CompareAndSetStatus(context.Background(), "acme", "mine",
		domain.StatusQueued, domain.StatusChange{To: domain.StatusAllocated, Assignee: &mine}); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}

	list := MakeListTasksUseCase(env.store)
	page, err := list(context.Background(), labellerP, domain.ListQuery{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.TotalElements != 1 || page.Tasks[0].ExternalID != "mine" {
		t.Fatalf("page = %+v, want only the labeller's task", page)
	}

	adminPage, err := list(context.Background(), adminP, domain.ListQuery{})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if adminPage.TotalElements != 2 {
		t.Fatalf("admin sees %d tasks, want 2", adminPage.TotalElements)
	}
}

func TestMetadataReadThrough(t *testing.T) {
	env := newTestEnv()
	env.create(t, "t-1")
	if err := env.cache.Invalidate(context.Background(), "acme", "t-1"); err != nil {
		t.Fatalf("drop cache: %v", err)
	}

	metadata := MakeTaskMetadataUseCase(env.store, env.cache, env.metrics, time.Hour)
	first, err := metadata(context.Background(), adminP, "t-1")
	if err != nil {
		t.Fatalf("cold read: %v", err)
	}
	if first.ProjectName != "label frames" {
		t.Fatalf("details = %+v", first)
	}
	if _, err := metadata(context.Background(), adminP, "t-1"); err != nil {
		t.Fatalf("warm read: %v", err)
	}
	if env.metrics.misses != 1 || env.metrics.hits != 1 {
		t.Fatalf("hits=%d misses=%d, want 1/1", env.metrics.hits, env.metrics.misses)
	}
}

func TestUpdateTaskRefreshesCache(t *testing.T) {
	env := newTestEnv()
	env.create(t, "t-1")

	update := MakeUpdateTaskUseCase(env.store, env.cache, time.Hour)
	_, err := update(context.Background(), adminP, "t-1", domain.TaskDetails{ProjectName: "relabel"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	details, hit, _ := env.cache.Get(context.Background(), "acme", "t-1")
	if !hit || details.ProjectName != "relabel" {
		t.Fatalf("cache after update = %+v hit=%v", details, hit)
	}
}

func TestSubmitOnlyByAssignee(t *testing.T) {
	env := newTestEnv()
	env.create(t, "t-1")
	assignee := "lee"
	if _, err := env.store.CompareAndSetStatus(context.Background(), "acme", "t-1",
		domain.StatusQueued, domain.StatusChange{To: domain.StatusAllocated, Assignee: &assignee}); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}

	submit := MakeSubmitTaskUseCase(env.store, env.auditor, env.log)
	if _, err := submit(context.Background(), auth.Principal{Subject: "mallory", TenantID: "acme", Role: domain.RoleLabeller}, "t-1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign submit err = %v, want forbidden", err)
	}

	task, err := submit(context.Background(), labellerP, "t-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != domain.StatusInReview {
		t.Fatalf("status = %s, want in_review", task.Status)
	}
}

func seedInReview(t *testing.T, env *testEnv, externalID, assignee, reviewer string) {
	t.Helper()
	env.create(t, externalID)
	ctx := context.Background()
	if _, err := env.store.CompareAndSetStatus(ctx, "acme", externalID,
		domain.StatusQueued, domain.StatusChange{To: domain.StatusAllocated, Assignee: &assignee}); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}
	if _, err := env.store.CompareAndSetStatus(ctx, "acme", externalID,
		domain.StatusAllocated, domain.StatusChange{To: domain.StatusInReview}); err != nil {
		t.Fatalf("seed submit: %v", err)
	}
	if _, err := env.store.SetReviewer(ctx, "acme", externalID, reviewer, "test"); err != nil {
		t.Fatalf("seed reviewer: %v", err)
	}
}

func TestVerdictApproveIsTerminal(t *testing.T) {
	env := newTestEnv()
	seedInReview(t, env, "t-1", "lee", "rae")

	verdict := MakeVerdictUseCase(env.store, env.dir, env.auditor, env.log, env.metrics, nil, 3)
	task, err := verdict(context.Background(), reviewerP, VerdictRequest{ExternalID: "t-1", Approve: true})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", task.Status)
	}
	if env.metrics.approved != 1 {
		t.Fatalf("approved metric = %d", env.metrics.approved)
	}
	if _, err := verdict(context.Background(), reviewerP, VerdictRequest{ExternalID: "t-1", Approve: true}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second approve err = %v, want invalid transition", err)
	}
}

func TestVerdictOnlyByAssignedReviewer(t *testing.T) {
	env := newTestEnv()
	seedInReview(t, env, "t-1", "lee", "rae")

	verdict := MakeVerdictUseCase(env.store, env.dir, env.auditor, env.log, env.metrics, nil, 3)
	other := auth.Principal{Subject: "sam", TenantID: "acme", Role: domain.RoleReviewer}
	if _, err := verdict(context.Background(), other, VerdictRequest{ExternalID: "t-1", Approve: true}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestRejectLoopsBackToQueue(t *testing.T) {
	env := newTestEnv()
	seedInReview(t, env, "t-1", "lee", "rae")

	verdict := MakeVerdictUseCase(env.store, env.dir, env.auditor, env.log, env.metrics, nil, 3)
	task, err := verdict(context.Background(), reviewerP, VerdictRequest{ExternalID: "t-1", Notes: "blurry labels"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.Status != domain.StatusQueued || task.Rejections != 1 {
		t.Fatalf("task = %+v, want queued with one rejection", task)
	}
	if task.Assignee != "" || task.Reviewer != "" {
		t.Fatal("assignment not cleared on rejection")
	}

	recs, _ := env.log.Read(context.Background(), "acme", "audit", "c1", 10, 0)
	kinds := make([]domain.EventKind, 0, len(recs))
	for _, r := range recs {
		kinds = append(kinds, r.Event.Kind)
	}
	// create's Queued, then Rejected, then the re-queue
	want := []domain.EventKind{domain.KindQueued, domain.KindRejected, domain.KindQueued}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

func TestRejectionBoundEscalates(t *testing.T) {
	env := newTestEnv()
	seedInReview(t, env, "t-1", "lee", "rae")
	verdict := MakeVerdictUseCase(env.store, env.dir, env.auditor, env.log, env.metrics, nil, 3)
	submitReady := func() {
		ctx := context.Background()
		assignee := "lee"
		if _, err := env.store.CompareAndSetStatus(ctx, "acme", "t-1",
			domain.StatusQueued, domain.StatusChange{To: domain.StatusAllocated, Assignee: &assignee}); err != nil {
			t.Fatalf("re-allocate: %v", err)
		}
		if _, err := env.store.CompareAndSetStatus(ctx, "acme", "t-1",
			domain.StatusAllocated, domain.StatusChange{To: domain.StatusInReview}); err != nil {
			t.Fatalf("re-submit: %v", err)
		}
		if _, err := env.store.SetReviewer(ctx, "acme", "t-1", "rae", "test"); err != nil {
			t.Fatalf("re-review: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		task, err := verdict(context.Background(), reviewerP, VerdictRequest{ExternalID: "t-1"})
		if err != nil {
			t.Fatalf("rejection %d: %v", i+1, err)
		}
		if task.Status != domain.StatusQueued {
			t.Fatalf("rejection %d status = %s, want queued", i+1, task.Status)
		}
		submitReady()
	}

	task, err := verdict(context.Background(), reviewerP, VerdictRequest{ExternalID: "t-1"})
	if err != nil {
		t.Fatalf("fourth rejection: %v", err)
	}
	if task.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", task.Status)
	}
	if task.Rejections != 4 {
		t.Fatalf("rejections = %d, want 4", task.Rejections)
	}
	if env.metrics.escalated != 1 {
		t.Fatalf("escalated metric = %d", env.metrics.escalated)
	}
}

func TestDeleteInvalidatesCacheAndBlocksWork(t *testing.T) {
	env := newTestEnv()
	env.create(t, "t-1")

	del := MakeDeleteTaskUseCase(env.store, env.cache)
	if err := del(context.Background(), labellerP, "t-1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("labeller delete err = %v, want forbidden", err)
	}
	if err := del(context.Background(), adminP, "t-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, hit, _ := env.cache.Get(context.Background(), "acme", "t-1"); hit {
		t.Fatal("cache entry survived delete")
	}

	submit := MakeSubmitTaskUseCase(env.store, env.auditor, env.log)
	if _, err := submit(context.Background(), labellerP, "t-1"); !errors.Is(err, domain.ErrDeleted) {
		t.Fatalf("submit on deleted err = %v, want deleted", err)
	}

	// delete again is a no-op
	if err := del(context.Background(), adminP, "t-1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestDetailHiddenFromUninvolvedWorkers(t *testing.T) {
	env := newTestEnv()
	seedInReview(t, env, "t-1", "lee", "rae")

	detail := MakeTaskDetailUseCase(env.store)
	if _, err := detail(context.Background(), labellerP, "t-1"); err != nil {
		t.Fatalf("assignee read: %v", err)
	}
	if _, err := detail(context.Background(), reviewerP, "t-1"); err != nil {
		t.Fatalf("reviewer read: %v", err)
	}
	other := auth.Principal{Subject: "sam", TenantID: "acme", Role: domain.RoleLabeller}
	if _, err := detail(context.Background(), other, "t-1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("uninvolved read err = %v, want forbidden", err)
	}
}

func TestForeignTenantNeverSeesOrMutatesTask(t *testing.T) {
	env := newTestEnv()
	seedInReview(t, env, "t-1", "lee", "rae")
	ctx := context.Background()

	foreignAdmin := auth.Principal{Subject: "gus", TenantID: "globex", Role: domain.RoleAdmin}
	foreignLabeller := auth.Principal{Subject: "lee", TenantID: "globex", Role: domain.RoleLabeller}
	foreignReviewer := auth.Principal{Subject: "rae", TenantID: "globex", Role: domain.RoleReviewer}

	detail := MakeTaskDetailUseCase(env.store)
	if _, err := detail(ctx, foreignAdmin, "t-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign detail err = %v, want not found", err)
	}

	// same subject names as the real assignee and reviewer, wrong tenant
	submit := MakeSubmitTaskUseCase(env.store, env.auditor, env.log)
	if _, err := submit(ctx, foreignLabeller, "t-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign submit err = %v, want not found", err)
	}
	verdict := MakeVerdictUseCase(env.store, env.dir, env.auditor, env.log, env.metrics, nil, 3)
	if _, err := verdict(ctx, foreignReviewer, VerdictRequest{ExternalID: "t-1", Approve: true}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign verdict err = %v, want not found", err)
	}
	del := MakeDeleteTaskUseCase(env.store, env.cache)
	if err := del(ctx, foreignAdmin, "t-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign delete err = %v, want not found", err)
	}

	task, err := env.store.GetTask(ctx, "acme", "t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.StatusInReview || task.DeletedAt != nil {
		t.Fatalf("task mutated across tenants: status=%s deleted=%v", task.Status, task.DeletedAt)
	}
}
