// Package api serves the job store query surface and the pipeline entry
// points over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/pipeline"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/getpup/pupsourcing/es"
	"github.com/gorilla/mux"
)

// DefaultMaxUploadBytes bounds SQL file uploads.
const DefaultMaxUploadBytes = 32 << 20

// Pipeline is the part of *pipeline.Pipeline the API drives.
type Pipeline interface {
	Initiate(ctx context.Context, req orchestrator.MigrationRequest) (string, error)
	Aggregate(ctx context.Context, parentJobID string) (orchestrator.StatusView, error)
	AggregateJobs(ctx context.Context, ids []string) (orchestrator.StatusView, error)
	Reconvert(ctx context.Context, jobID, originalSQL string) error
	SubmitSQL(ctx context.Context, sub pipeline.SQLSubmission) (string, error)
	SubmitConversion(ctx context.Context, req pipeline.ConversionRequest) ([]string, error)
}

// Config configures the API handler.
type Config struct {
	// Store is the job store (required).
	Store store.JobStore

	// Pipeline creates and aggregates jobs (required).
	Pipeline Pipeline

	// MaxUploadBytes bounds request bodies (default: 32 MiB).
	MaxUploadBytes int64

	// Logger is optional.
	Logger es.Logger
}

type handler struct {
	config Config
}

// NewHandler returns the API router.
func NewHandler(config Config) http.Handler {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	h := &handler{config: config}

	router := mux.NewRouter()
	router.HandleFunc("/migrations", h.initiate).Methods(http.MethodPost)
	router.HandleFunc("/migrations/{id}/status", h.status).Methods(http.MethodGet)
	router.HandleFunc("/migrations/{id}/report.xlsx", h.report).Methods(http.MethodGet)

	router.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	router.HandleFunc("/jobs/kinds", h.listKinds).Methods(http.MethodGet)
	router.HandleFunc("/jobs/aggregate", h.aggregateJobs).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{id}/children", h.children).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{id}/reconvert", h.reconvert).Methods(http.MethodPost)

	router.HandleFunc("/conversions", h.submitConversion).Methods(http.MethodPost)
	router.HandleFunc("/sql-executions", h.submitSQL).Methods(http.MethodPost)
	return router
}

func (h *handler) initiate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.MigrationRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.config.Pipeline.Initiate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	view, err := h.config.Pipeline.Aggregate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := h.config.Pipeline.Aggregate(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="migration-%s.xlsx"`, id))
	if err := pipeline.WriteReport(w, view); err != nil {
		h.logError(r.Context(), "failed to write report", "jobID", id, "error", err)
	}
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.config.Store.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) children(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.config.Store.GetJob(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	children, err := h.config.Store.GetChildren(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "child_jobs": children})
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.Query{
		Kind:   orchestrator.JobKind(q.Get("kind")),
		Search: q.Get("search"),
		Status: q.Get("status"),
	}
	var err error
	if query.Page, err = intParam(q.Get("page")); err != nil {
		h.fail(w, r, fmt.Errorf("%w: page: %v", pipeline.ErrInvalidRequest, err))
		return
	}
	if query.Size, err = intParam(q.Get("size")); err != nil {
		h.fail(w, r, fmt.Errorf("%w: size: %v", pipeline.ErrInvalidRequest, err))
		return
	}

	page, err := h.config.Store.Paginate(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) listKinds(w http.ResponseWriter, r *http.Request) {
	kinds, err := h.config.Store.ListKinds(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_types": kinds})
}

type aggregateRequest struct {
	JobIDs []string `json:"job_ids"`
}

// aggregateJobs answers 202 while any job is still running.
func (h *handler) aggregateJobs(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.JobIDs) == 0 {
		h.fail(w, r, fmt.Errorf("%w: job_ids is required", pipeline.ErrInvalidRequest))
		return
	}

	view, err := h.config.Pipeline.AggregateJobs(r.Context(), req.JobIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.State == orchestrator.PipelineProcessing {
		writeJSON(w, http.StatusAccepted, view)
		return
	}

	if r.URL.Query().Get("format") == "sql" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, pipeline.RenderSQL(view))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type reconvertRequest struct {
	OriginalSQL string `json:"original_sql"`
}

func (h *handler) reconvert(w http.ResponseWriter, r *http.Request) {
	var req reconvertRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.config.Pipeline.Reconvert(r.Context(), id, req.OriginalSQL); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *handler) submitConversion(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ConversionRequest
	if !h.decode(w, r, &req) {
		return
	}
	ids, err := h.config.Pipeline.SubmitConversion(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

// submitSQL accepts a JSON body or a multipart upload with a "file" part.
func (h *handler) submitSQL(w http.ResponseWriter, r *http.Request) {
	var sub pipeline.SQLSubmission
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var err error
		if sub, err = h.readUpload(w, r); err != nil {
			h.fail(w, r, err)
			return
		}
	} else if !h.decode(w, r, &sub) {
		return
	}

	id, err := h.config.Pipeline.SubmitSQL(r.Context(), sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *handler) readUpload(w http.ResponseWriter, r *http.Request) (pipeline.SQLSubmission, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		return pipeline.SQLSubmission{}, fmt.Errorf("%w: %v", pipeline.ErrInvalidRequest, err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return pipeline.SQLSubmission{}, fmt.Errorf("%w: file: %v", pipeline.ErrInvalidRequest, err)
	}
	defer func() {
		_ = file.Close()
	}()

	body, err := io.ReadAll(file)
	if err != nil {
		return pipeline.SQLSubmission{}, fmt.Errorf("%w: file: %v", pipeline.ErrInvalidRequest, err)
	}

	sub := pipeline.SQLSubmission{
		Filename: header.Filename,
		SQL:      string(body),
	}
	if target := r.FormValue("target_connection"); target != "" {
		if !json.Valid([]byte(target)) {
			return sub, fmt.Errorf("%w: target_connection is not valid JSON", pipeline.ErrInvalidRequest)
		}
		sub.TargetConnection = orchestrator.ConnectionRef(target)
	}
	if v := r.FormValue("is_verification"); v != "" {
		if sub.Verification, err = strconv.ParseBool(v); err != nil {
			return sub, fmt.Errorf("%w: is_verification: %v", pipeline.ErrInvalidRequest, err)
		}
	}
	return sub, nil
}

// decode reads a JSON body into v, writing a 400 response on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", pipeline.ErrInvalidRequest, err))
		return false
	}
	return true
}

// fail maps err to a status code and writes it as {"error": "..."}.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		h.logError(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// StatusCode returns the HTTP status code for err.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound), errors.Is(err, orchestrator.ErrParentNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest
	case orchestrator.IsStorage(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func (h *handler) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if h.config.Logger != nil {
		h.config.Logger.Error(ctx, msg, keyvals...)
	}
}
