package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/config"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/ingest"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/provision"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// DefaultMaxBodyBytes bounds request bodies other than output archives.
const DefaultMaxBodyBytes = 512 << 20

const multipartOverhead = 1 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	tasks    registry.TaskRegistry
	runs     runstore.RunStore
	engine   *provision.Service
	pipeline *ingest.Pipeline
	config   *config.Config
	logger   *slog.Logger

	// checks are extra dependencies /ready reports on, by name.
	checks map[string]func(context.Context) error
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(tasks registry.TaskRegistry, runs runstore.RunStore, engine *provision.Service, pipeline *ingest.Pipeline, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		tasks:    tasks,
		runs:     runs,
		engine:   engine,
		pipeline: pipeline,
		config:   cfg,
		logger:   logger,
		checks:   make(map[string]func(context.Context) error),
	}
}

// AddReadinessCheck makes /ready fail while check fails.
func (h *Handlers) AddReadinessCheck(name string, check func(context.Context) error) {
	h.checks[name] = check
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the run store and every
// registered dependency.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.runs.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, fmt.Errorf("runstore unhealthy: %w", err), http.StatusServiceUnavailable)
		return
	}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			h.respondError(w, r, fmt.Errorf("%s unhealthy: %w", name, err), http.StatusServiceUnavailable)
			return
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Tasks ---

// CreateTask handles POST /api/v1/tasks. The body is a YAML or JSON task
// descriptor.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	task, err := registry.LoadDescriptor(body)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	created, err := h.tasks.Create(r.Context(), task)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.logger.Info("task registered",
		slog.String("task_id", created.ID),
		slog.String("namespace", created.Namespace),
		slog.String("version", created.Version),
	)
	h.respondJSON(w, http.StatusCreated, created)
}

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &registry.ListOptions{Namespace: q.Get("namespace")}
	var err error
	if opts.Limit, err = queryInt(q.Get("limit")); err != nil {
		h.respondError(w, r, apperr.New(apperr.ErrInvalidRequest, "limit: %v", err), 0)
		return
	}
	if opts.Offset, err = queryInt(q.Get("offset")); err != nil {
		h.respondError(w, r, apperr.New(apperr.ErrInvalidRequest, "offset: %v", err), 0)
		return
	}

	tasks, err := h.tasks.List(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	infos := make([]*types.TaskInfo, len(tasks))
	for i, t := range tasks {
		infos[i] = t.Info()
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": infos})
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// GetTaskByVersion handles GET /api/v1/tasks/{namespace}/{version}
func (h *Handlers) GetTaskByVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	task, err := h.tasks.GetByVersion(r.Context(), vars["namespace"], vars["version"])
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// ListTaskRuns handles GET /api/v1/tasks/{id}/runs
func (h *Handlers) ListTaskRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]
	if _, err := h.tasks.Get(ctx, taskID); err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	runs, err := h.runs.ListRuns(ctx, taskID)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// --- Runs ---

// CreateRunResponse carries the new run and the secret its job uses to
// submit outputs. The secret is only ever returned here.
type CreateRunResponse struct {
	*types.Run
	Secret string `json:"secret"`
}

// CreateRun handles POST /api/v1/tasks/{id}/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.CreateRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusCreated, CreateRunResponse{Run: run, Secret: run.Secret})
}

// CreateRunByVersion handles POST /api/v1/tasks/{namespace}/{version}/runs
func (h *Handlers) CreateRunByVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	run, err := h.engine.CreateRunByVersion(r.Context(), vars["namespace"], vars["version"])
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusCreated, CreateRunResponse{Run: run, Secret: run.Secret})
}

// GetRun handles GET /api/v1/task-runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Resource(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// StateActionRequest asks for a run state transition.
type StateActionRequest struct {
	Desired string `json:"desired"`
}

// StateAction handles POST /api/v1/task-runs/{id}/state-actions
func (h *Handlers) StateAction(w http.ResponseWriter, r *http.Request) {
	var req StateActionRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	action, err := h.engine.Act(r.Context(), mux.Vars(r)["id"], req.Desired)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, action)
}

// --- Provisioning ---

// ProvisionParameter handles PUT /api/v1/task-runs/{id}/input-provisions/{name}.
// JSON bodies carry {param_name, value}; any other body is the raw content of
// a file or image input.
func (h *Handlers) ProvisionParameter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	var value any
	if isJSON(r) {
		var req provision.Request
		if err := h.decodeJSON(w, r, &req); err != nil {
			h.respondError(w, r, err, 0)
			return
		}
		if req.ParameterName != "" && req.ParameterName != name {
			h.respondError(w, r, apperr.New(apperr.ErrInvalidRequest,
				"body names parameter %q, path names %q", req.ParameterName, name), 0)
			return
		}
		value = req.Value
	} else {
		data, err := h.readContent(w, r)
		if err != nil {
			h.respondError(w, r, err, 0)
			return
		}
		value = data
	}

	resp, err := h.engine.ProvisionParameter(r.Context(), vars["id"], name, value)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ProvisionMany handles PUT /api/v1/task-runs/{id}/input-provisions
func (h *Handlers) ProvisionMany(w http.ResponseWriter, r *http.Request) {
	var reqs []provision.Request
	if err := h.decodeJSON(w, r, &reqs); err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	resps, err := h.engine.ProvisionMany(r.Context(), mux.Vars(r)["id"], reqs)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, resps)
}

// ItemRequest provisions one element of a collection input.
type ItemRequest struct {
	Index string `json:"index"`
	Value any    `json:"value"`
}

// ProvisionItem handles PUT /api/v1/task-runs/{id}/input-provisions/{name}/indexes.
// Raw file content takes its index from the ?index= query parameter.
func (h *Handlers) ProvisionItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req ItemRequest
	if isJSON(r) {
		if err := h.decodeJSON(w, r, &req); err != nil {
			h.respondError(w, r, err, 0)
			return
		}
	} else {
		data, err := h.readContent(w, r)
		if err != nil {
			h.respondError(w, r, err, 0)
			return
		}
		req = ItemRequest{Index: r.URL.Query().Get("index"), Value: data}
	}
	if req.Index == "" {
		h.respondError(w, r, apperr.New(apperr.ErrInvalidIndexPath, "index is required"), 0)
		return
	}

	resp, err := h.engine.ProvisionItem(r.Context(), vars["id"], vars["name"], req.Index, req.Value)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// --- Retrieval ---

// ListInputs handles GET /api/v1/task-runs/{id}/inputs
func (h *Handlers) ListInputs(w http.ResponseWriter, r *http.Request) {
	h.listValues(w, r, types.DirectionInput)
}

// ListOutputs handles GET /api/v1/task-runs/{id}/outputs
func (h *Handlers) ListOutputs(w http.ResponseWriter, r *http.Request) {
	h.listValues(w, r, types.DirectionOutput)
}

func (h *Handlers) listValues(w http.ResponseWriter, r *http.Request, dir types.Direction) {
	values, err := h.engine.Values(r.Context(), mux.Vars(r)["id"], dir)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, values)
}

// InputsArchive handles GET /api/v1/task-runs/{id}/inputs.zip
func (h *Handlers) InputsArchive(w http.ResponseWriter, r *http.Request) {
	h.archive(w, r, types.DirectionInput, "inputs.zip")
}

// OutputsArchive handles GET /api/v1/task-runs/{id}/outputs.zip
func (h *Handlers) OutputsArchive(w http.ResponseWriter, r *http.Request) {
	h.archive(w, r, types.DirectionOutput, "outputs.zip")
}

// archive buffers the zip so that a verification failure can still be
// reported as an error response.
func (h *Handlers) archive(w http.ResponseWriter, r *http.Request, dir types.Direction, filename string) {
	var buf bytes.Buffer
	if err := h.engine.Archive(r.Context(), mux.Vars(r)["id"], dir, &buf); err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondFile(w, "application/zip", filename, buf.Bytes())
}

// GetInput handles GET /api/v1/task-runs/{id}/input/{name}
func (h *Handlers) GetInput(w http.ResponseWriter, r *http.Request) {
	h.value(w, r, types.DirectionInput)
}

// GetOutput handles GET /api/v1/task-runs/{id}/output/{name}
func (h *Handlers) GetOutput(w http.ResponseWriter, r *http.Request) {
	h.value(w, r, types.DirectionOutput)
}

func (h *Handlers) value(w http.ResponseWriter, r *http.Request, dir types.Direction) {
	vars := mux.Vars(r)
	content, err := h.engine.Value(r.Context(), vars["id"], dir, vars["name"], r.URL.Query().Get("index"))
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	if content.Data != nil {
		h.respondFile(w, content.ContentType, content.Filename, content.Data)
		return
	}
	h.respondJSON(w, http.StatusOK, content.Value)
}

// --- Outputs ---

// SubmitOutputs handles POST /api/v1/task-runs/{id}/{secret}/outputs.zip,
// called by the job of the run. The path secret authenticates the caller.
func (h *Handlers) SubmitOutputs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	body := io.Reader(r.Body)
	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxArchive())
		f, _, err := r.FormFile("file")
		if err != nil {
			h.respondError(w, r, apperr.New(apperr.ErrInvalidRequest, "read upload: %v", err), 0)
			return
		}
		defer f.Close()
		body = f
	}

	run, err := h.pipeline.Submit(r.Context(), vars["id"], vars["secret"], body)
	if err != nil {
		h.respondError(w, r, err, 0)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondFile(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	if filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// respondError writes err as an ErrorResponse. A zero status derives the
// status from the error kind.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = StatusOf(err)
	}
	code := errorCode(err, status)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", GetRequestID(r.Context(), r)),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	} else {
		h.logger.Debug("request rejected",
			slog.String("request_id", GetRequestID(r.Context(), r)),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}
	writeErrorResponse(w, r, status, code, err.Error(), errorDetails(err))
}

func (h *Handlers) maxBody() int64 {
	if h.config.MaxBodyBytes > 0 {
		return h.config.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

// maxArchive bounds a multipart outputs upload: the archive limit plus
// room for the form framing.
func (h *Handlers) maxArchive() int64 {
	limit := h.config.MaxArchiveBytes
	if limit <= 0 {
		limit = ingest.DefaultConfig().MaxArchiveBytes
	}
	return limit + multipartOverhead
}

func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.New(apperr.ErrInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, apperr.New(apperr.ErrInvalidRequest, "read body: %v", err)
	}
	return data, nil
}

// readContent returns uploaded file content: the "file" part of a multipart
// form, or the raw body.
func (h *Handlers) readContent(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if !isMultipart(r) {
		return h.readBody(w, r)
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody())
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, apperr.New(apperr.ErrInvalidRequest, "read upload: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.New(apperr.ErrInvalidRequest, "read upload: %v", err)
	}
	return data, nil
}

// decodeJSON decodes the body keeping numbers as json.Number.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody()))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return apperr.New(apperr.ErrInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return n, nil
}
