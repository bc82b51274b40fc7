package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/copyleftdev/qvopt/internal/config"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/job"
	"github.com/copyleftdev/qvopt/internal/logging"
	"github.com/copyleftdev/qvopt/internal/optimization"
	"github.com/copyleftdev/qvopt/internal/qrt"
	"github.com/copyleftdev/qvopt/internal/store"
	"github.com/copyleftdev/qvopt/internal/task"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeNotFound       = -32004
)

// taskState tracks one task started through the server. The server is the
// handle's single consumer; record is set once the task has finished.
type taskState struct {
	name   string
	handle *task.Handle
	cancel context.CancelFunc
	record *store.Record
}

// TaskStatus is the status document of a task. Finished tasks carry the
// persisted record fields; running ones the best solution so far.
type TaskStatus struct {
	store.Record
	CurrentBest *optimization.Solution `json:"current_best,omitempty"`
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It starts optimization tasks from job documents and lets clients poll and
// cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	runner  *task.Runner
	runtime *qrt.Runtime
	results *store.Store

	tasks    map[string]*taskState
	tasksMu  sync.RWMutex // Protects the tasks map and each record
	watchers sync.WaitGroup
}

// NewServer creates a new server instance. Finished tasks are saved to
// results when it is not nil.
func NewServer(cfg *config.Config, logger Logger, runner *task.Runner, rt *qrt.Runtime, results *store.Store) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		runner:  runner,
		runtime: rt,
		results: results,
		tasks:   make(map[string]*taskState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleCancelTask)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

type taskRef struct {
	TaskID string `json:"task_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "task.start":
		var raw json.RawMessage
		if raw, err = firstParam(request.Params); err == nil {
			result, err = s.startTask(raw)
		}
	case "task.status":
		var ref taskRef
		if err = decodeParam(request.Params, &ref); err == nil {
			result, err = s.taskStatus(r.Context(), ref.TaskID)
		}
	case "task.cancel":
		var ref taskRef
		if err = decodeParam(request.Params, &ref); err == nil {
			err = s.cancelTask(r.Context(), ref.TaskID)
			result = map[string]string{"status": "cancellation requested"}
		}
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, rpcCode(err), err.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func firstParam(params []json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return nil, qverrors.E(qverrors.KindInvalid, "missing required parameters")
	}
	return params[0], nil
}

func decodeParam(params []json.RawMessage, v interface{}) error {
	raw, err := firstParam(params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return qverrors.WrapKind(qverrors.KindInvalid, err, "invalid parameter format, expected object")
	}
	return nil
}

func rpcCode(err error) int {
	switch qverrors.KindOf(err) {
	case qverrors.KindNotFound:
		return codeNotFound
	case qverrors.KindInvalid, qverrors.KindShapeMismatch:
		return codeInvalidParams
	default:
		return codeServerError
	}
}

// startTask decodes a JSON job document, fills unset fields from the
// runtime configuration and starts the task.
// Returns: {"task_id": "...", "status": "running"}
func (s *Server) startTask(raw []byte) (map[string]interface{}, error) {
	var spec job.Spec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, qverrors.WrapKind(qverrors.KindInvalid, err, "decoding job")
	}
	if s.cfg != nil {
		if spec.Objective == "" {
			spec.Objective = s.cfg.Runtime.Objective
		}
		if spec.Optimizer.Name == "" {
			spec.Optimizer.Name = s.cfg.Runtime.Optimizer
		}
		if spec.Optimizer.MaxIterations == 0 {
			spec.Optimizer.MaxIterations = s.cfg.Runtime.MaxIterations
		}
	}

	// Tasks outlive the request that started them.
	ctx, cancel := context.WithCancel(context.Background())
	h, _, err := spec.Start(ctx, s.runner, s.runtime)
	if err != nil {
		cancel()
		return nil, err
	}

	state := &taskState{name: spec.Name, handle: h, cancel: cancel}
	s.tasksMu.Lock()
	s.tasks[h.ID()] = state
	s.tasksMu.Unlock()

	s.watchers.Add(1)
	go s.watch(state)

	s.logger.Info("Task started", map[string]interface{}{
		"task_id":   h.ID(),
		"name":      spec.Name,
		"optimizer": spec.Optimizer.Name,
	})

	return map[string]interface{}{
		"task_id": h.ID(),
		"status":  task.StatusRunning,
	}, nil
}

// watch consumes the task's handle and records its outcome. Once the record
// is in the results store the task is dropped from memory; without a store,
// or when saving fails, the record stays attached to the task state.
func (s *Server) watch(state *taskState) {
	defer s.watchers.Done()
	b, err := state.handle.Sync()
	state.cancel()
	rec := store.NewRecord(state.name, state.handle, b, err)

	saved := false
	if s.results != nil {
		if saveErr := s.results.Save(context.Background(), rec); saveErr != nil {
			s.logger.Error("Saving task failed", map[string]interface{}{
				"task_id": rec.ID,
				"error":   saveErr.Error(),
			})
		} else {
			saved = true
		}
	}

	s.tasksMu.Lock()
	if saved {
		delete(s.tasks, rec.ID)
	} else {
		state.record = rec
	}
	s.tasksMu.Unlock()

	fields := map[string]interface{}{
		"task_id":     rec.ID,
		"status":      rec.Status,
		"evaluations": rec.Evaluations,
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("Task ended", fields)
		return
	}
	fields["opt_val"] = rec.OptVal
	s.logger.Info("Task ended", fields)
}

// taskStatus returns the status of a task started by this server, or of a
// task found in the results store.
func (s *Server) taskStatus(ctx context.Context, id string) (*TaskStatus, error) {
	if id == "" {
		return nil, qverrors.E(qverrors.KindInvalid, "task_id is required")
	}

	s.tasksMu.RLock()
	state, exists := s.tasks[id]
	var rec *store.Record
	if exists {
		rec = state.record
	}
	s.tasksMu.RUnlock()

	if !exists {
		if s.results == nil {
			return nil, qverrors.E(qverrors.KindNotFound, "task %s", id)
		}
		stored, err := s.results.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &TaskStatus{Record: *stored}, nil
	}

	if rec != nil {
		return &TaskStatus{Record: *rec}, nil
	}
	h := state.handle
	status := &TaskStatus{Record: store.Record{
		ID:          h.ID(),
		Name:        state.name,
		Optimizer:   h.Optimizer(),
		Status:      task.StatusRunning,
		Evaluations: h.Evaluations(),
		Started:     h.Started(),
		History:     h.History(),
	}}
	status.CurrentBest = h.Best()
	return status, nil
}

// cancelTask cancels a running task. The task reports "cancelled" once the
// optimizer has stopped.
func (s *Server) cancelTask(ctx context.Context, id string) error {
	if id == "" {
		return qverrors.E(qverrors.KindInvalid, "task_id is required")
	}

	s.tasksMu.RLock()
	state, exists := s.tasks[id]
	s.tasksMu.RUnlock()
	if !exists {
		if s.results == nil {
			return qverrors.E(qverrors.KindNotFound, "task %s", id)
		}
		stored, err := s.results.Get(ctx, id)
		if err != nil {
			return err
		}
		return qverrors.E(qverrors.KindInvalid, "cannot cancel task with status: %s", stored.Status)
	}
	if st := state.handle.Status(); st.Terminal() {
		return qverrors.E(qverrors.KindInvalid, "cannot cancel task with status: %s", st)
	}

	state.cancel()

	s.logger.Info("Task cancellation requested", map[string]interface{}{
		"task_id": id,
	})
	return nil
}

// listTasks returns every known task, newest first. Stored tasks are merged
// with the ones this server is tracking.
func (s *Server) listTasks(ctx context.Context) ([]*TaskStatus, error) {
	seen := map[string]bool{}
	var out []*TaskStatus

	s.tasksMu.RLock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.tasksMu.RUnlock()
	for _, id := range ids {
		st, err := s.taskStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		st.History = nil
		seen[id] = true
		out = append(out, st)
	}

	if s.results != nil {
		stored, err := s.results.List(ctx, 0)
		if err != nil {
			return nil, err
		}
		for _, rec := range stored {
			rec.History = nil
			if !seen[rec.ID] {
				out = append(out, &TaskStatus{Record: *rec})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// respondJSON writes v with the given HTTP status.
func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, err error) {
	respondJSON(w, qverrors.StatusCode(err), map[string]interface{}{
		"error": err.Error(),
		"kind":  qverrors.KindOf(err),
	})
}

// Close cancels running tasks and waits until their outcomes are recorded.
func (s *Server) Close() error {
	s.tasksMu.RLock()
	for _, t := range s.tasks {
		t.cancel()
	}
	s.tasksMu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	timeout := 30 * time.Second
	if s.cfg != nil && s.cfg.HTTP.ShutdownTimeout > 0 {
		timeout = s.cfg.HTTP.ShutdownTimeout
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return qverrors.Errorf("tasks still running after %s", timeout)
	}
}

// handleCreateTask handles POST /api/v1/tasks with a JSON job document.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		respondErr(w, qverrors.WrapKind(qverrors.KindInvalid, err, "invalid request body"))
		return
	}

	result, err := s.startTask(raw)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// handleListTasks handles GET /api/v1/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.listTasks(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// handleGetTask handles GET /api/v1/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := s.taskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleCancelTask handles DELETE /api/v1/tasks/{id}.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancellation requested",
	})
}
