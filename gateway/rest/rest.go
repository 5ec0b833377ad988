// Package rest exposes the pipeline over HTTP. Every response is wrapped in
// the envelope {status, message, data, timestamp_ms}; task ids in paths are
// the caller's external ids, never internal ones.
package rest

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	restful "github.com/emicklei/go-restful/v3"

	"github.com/ecociel/labelling/auth"
	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/uc"
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Data        any    `json:"data,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// UseCases bundles the task operations the API serves.
type UseCases struct {
	Create   uc.CreateTaskUseCase
	List     uc.ListTasksUseCase
	Detail   uc.TaskDetailUseCase
	Metadata uc.TaskMetadataUseCase
	Update   uc.UpdateTaskUseCase
	Submit   uc.SubmitTaskUseCase
	Verdict  uc.VerdictUseCase
	Delete   uc.DeleteTaskUseCase
	Audit    uc.AuditTrailUseCase
}

// API is the HTTP gateway.
type API struct {
	ucs      UseCases
	verifier auth.Verifier
	logger   *slog.Logger
}

// New builds the gateway.
func New(ucs UseCases, verifier auth.Verifier, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{ucs: ucs, verifier: verifier, logger: logger}
}

// Container wires the routes into a go-restful container ready to serve.
func (a *API) Container() *restful.Container {
	c := restful.NewContainer()

	health := new(restful.WebService)
	health.Path("/health").Produces(restful.MIME_JSON)
	health.Route(health.GET("").To(a.health))
	c.Add(health)

	ws := new(restful.WebService)
	ws.Path("/task").Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Filter(a.authenticate)
	ws.Route(ws.POST("/create").To(a.createTask))
	ws.Route(ws.GET("/list").To(a.listTasks))
	ws.Route(ws.POST("/verdict").To(a.verdict))
	ws.Route(ws.GET("/{external_id}").To(a.taskDetail))
	ws.Route(ws.GET("/{external_id}/metadata").To(a.taskMetadata))
	ws.Route(ws.GET("/{external_id}/audit").To(a.auditTrail))
	ws.Route(ws.PUT("/{external_id}").To(a.updateTask))
	ws.Route(ws.POST("/{external_id}/submit").To(a.submitTask))
	ws.Route(ws.DELETE("/{external_id}").To(a.deleteTask))
	c.Add(ws)

	return c
}

// authenticate resolves the bearer token into a Principal on the request
// context. Requests without a valid credential never reach a handler.
func (a *API) authenticate(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	header := req.Request.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(resp, http.StatusUnauthorized, "missing bearer token")
		return
	}
	p, err := a.verifier.Authenticate(req.Request.Context(), token)
	if err != nil {
		writeError(resp, http.StatusUnauthorized, "invalid credential")
		return
	}
	req.Request = req.Request.WithContext(auth.WithPrincipal(req.Request.Context(), p))
	chain.ProcessFilter(req, resp)
}

func (a *API) health(_ *restful.Request, resp *restful.Response) {
	writeData(resp, http.StatusOK, map[string]string{"state": "up"})
}

func (a *API) createTask(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	var body uc.CreateTaskRequest
	if err := req.ReadEntity(&body); err != nil {
		writeError(resp, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.ExternalID == "" {
		writeError(resp, http.StatusBadRequest, "external_id is required")
		return
	}
	task, err := a.ucs.Create(req.Request.Context(), p, body)
	if err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusCreated, task)
}

func (a *API) listTasks(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	q, err := parseListQuery(req)
	if err != nil {
		writeError(resp, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.ucs.List(req.Request.Context(), p, q)
	if err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusOK, page)
}

func (a *API) taskDetail(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	task, err := a.ucs.Detail(req.Request.Context(), p, req.PathParameter("external_id"))
	if err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusOK, task)
}

func (a *API) taskMetadata(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	details, err := a.ucs.Metadata(req.Request.Context(), p, req.PathParameter("external_id"))
	if err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusOK, details)
}

func (a *API) auditTrail(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	facts, err := a.ucs.Audit(req.Request.Context(), p, req.PathParameter("external_id"))
	if err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusOK, facts)
}

func (a *API) updateTask(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	var details domain.TaskDetails
	if err := req.ReadEntity(&details); err != nil {
		writeError(resp, http.StatusBadRequest, "malformed request body")
		return
	}
	task, err := a.ucs.Update(req.Request.Context(), p, req.PathParameter("external_id"), details)
	if err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusOK, task)
}

func (a *API) submitTask(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	task, err := a.ucs.Submit(req.Request.Context(), p, req.PathParameter("external_id"))
	if err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusOK, task)
}

func (a *API) verdict(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	var body uc.VerdictRequest
	if err := req.ReadEntity(&body); err != nil {
		writeError(resp, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.ExternalID == "" {
		writeError(resp, http.StatusBadRequest, "external_id is required")
		return
	}
	task, err := a.ucs.Verdict(req.Request.Context(), p, body)
	if err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusOK, task)
}

func (a *API) deleteTask(req *restful.Request, resp *restful.Response) {
	p, ok := principal(req, resp)
	if !ok {
		return
	}
	if err := a.ucs.Delete(req.Request.Context(), p, req.PathParameter("external_id")); err != nil {
		a.writeFailure(resp, err)
		return
	}
	writeData(resp, http.StatusOK, nil)
}

func principal(req *restful.Request, resp *restful.Response) (auth.Principal, bool) {
	p, ok := auth.FromContext(req.Request.Context())
	if !ok {
		writeError(resp, http.StatusUnauthorized, "no authenticated principal")
	}
	return p, ok
}

func parseListQuery(req *restful.Request) (domain.ListQuery, error) {
	var q domain.ListQuery
	if raw := req.QueryParameter("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			q.Statuses = append(q.Statuses, domain.Status(strings.TrimSpace(s)))
		}
	}
	q.AssignedTo = req.QueryParameter("assigned_to")
	q.Org = req.QueryParameter("org")
	for name, dst := range map[string]**time.Time{
		"created_after":  &q.CreatedAfter,
		"created_before": &q.CreatedBefore,
	} {
		raw := req.QueryParameter(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New(name + " must be RFC 3339")
		}
		*dst = &ts
	}
	for name, dst := range map[string]*int{"page": &q.Page, "size": &q.Size} {
		raw := req.QueryParameter(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.New(name + " must be a non-negative integer")
		}
		*dst = n
	}
	q.SortBy = req.QueryParameter("sort_by")
	q.SortAsc = req.QueryParameter("order") == "asc"
	q.IncludeDeleted = req.QueryParameter("include_deleted") == "true"
	return q, nil
}

// writeFailure maps domain errors onto HTTP statuses.
func (a *API) writeFailure(resp *restful.Response, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(resp, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrDeleted):
		writeError(resp, http.StatusGone, "task is deleted")
	case errors.Is(err, domain.ErrDuplicateTask):
		writeError(resp, http.StatusConflict, "task already exists")
	case errors.Is(err, domain.ErrConcurrentModification):
		writeError(resp, http.StatusConflict, "task was modified concurrently, retry")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(resp, http.StatusConflict, "operation not valid in the task's current status")
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrTenantMismatch):
		writeError(resp, http.StatusForbidden, "not allowed")
	default:
		a.logger.Error("request failed", slog.Any("error", err))
		writeError(resp, http.StatusInternalServerError, "internal error")
	}
}

func writeData(resp *restful.Response, code int, data any) {
	_ = resp.WriteHeaderAndEntity(code, Envelope{
		Status:      "success",
		Data:        data,
		TimestampMS: time.Now().UnixMilli(),
	})
}

func writeError(resp *restful.Response, code int, message string) {
	_ = resp.WriteHeaderAndEntity(code, Envelope{
		Status:      "failure",
		Message:     message,
		TimestampMS: time.Now().UnixMilli(),
	})
}
