package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/qvopt/internal/backend"
	"github.com/copyleftdev/qvopt/internal/backend/sim"
	"github.com/copyleftdev/qvopt/internal/buffer"
	"github.com/copyleftdev/qvopt/internal/config"
	"github.com/copyleftdev/qvopt/internal/ir"
	"github.com/copyleftdev/qvopt/internal/logging"
	_ "github.com/copyleftdev/qvopt/internal/optimization/local"
	"github.com/copyleftdev/qvopt/internal/qrt"
	"github.com/copyleftdev/qvopt/internal/store"
	"github.com/copyleftdev/qvopt/internal/task"
)

const scanJob = `{
  "name": "scan",
  "kernel": "kernel ansatz\nparams a b\nRy(a) 0\nRy(b) 1",
  "observable": "Z0 + Z1",
  "optimizer": {"name": "sequence", "points": [[0, 0], [1, 1]]}
}`

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ShutdownTimeout = 5 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"

	cfg.Runtime.Backend = "sim"
	cfg.Runtime.Objective = "vqe"
	cfg.Runtime.Optimizer = "nelder-mead"
	cfg.Runtime.MaxIterations = 50

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

type fixture struct {
	srv     *Server
	router  chi.Router
	results *store.Store
}

func newFixture(t *testing.T, b backend.Backend) *fixture {
	t.Helper()
	results, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	srv := NewServer(testConfig(t), testLogger(t), task.NewRunner(nil, nil), qrt.New(b, nil), results)
	t.Cleanup(func() { srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return &fixture{srv: srv, router: r, results: results}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), "body of %s %s", method, path)
	return rr, out
}

func (f *fixture) rpc(t *testing.T, method string, params ...interface{}) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)
	rr, out := f.do(t, http.MethodPost, "/rpc", string(body))
	require.Equal(t, http.StatusOK, rr.Code)
	return out
}

func (f *fixture) waitFor(t *testing.T, id string, status task.Status) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		_, last = f.do(t, http.MethodGet, "/api/v1/tasks/"+id, "")
		return last["status"] == string(status) && last["finished"] != "0001-01-01T00:00:00Z"
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, status)
	return last
}

// slowBackend reports zero for every program after a delay, or stops early
// when the context is done.
func slowBackend(delay time.Duration) backend.Backend {
	return backend.Func(func(ctx context.Context, reg *buffer.Register, programs []*ir.Program) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		for _, p := range programs {
			reg.AddChild(p.Name, 0, nil)
		}
		return nil
	})
}

func TestRegisterRoutes(t *testing.T) {
	f := newFixture(t, sim.New(0))

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/tasks", true},
		{"GET", "/api/v1/tasks", true},
		{"GET", "/api/v1/tasks/123", true},
		{"DELETE", "/api/v1/tasks/123", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			f.router.ServeHTTP(rr, req)
			routed := rr.Code != http.StatusNotFound || strings.Contains(rr.Body.String(), `"kind"`)
			assert.Equal(t, tt.shouldExist, routed)
		})
	}
}

func TestCreateAndGetTask(t *testing.T) {
	f := newFixture(t, sim.New(0))

	rr, out := f.do(t, http.MethodPost, "/api/v1/tasks", scanJob)
	require.Equal(t, http.StatusAccepted, rr.Code, out)
	id, _ := out["task_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "running", out["status"])

	status := f.waitFor(t, id, task.StatusCompleted)
	assert.Equal(t, "scan", status["name"])
	assert.Equal(t, "sequence", status["optimizer"])
	assert.Equal(t, []interface{}{1.0, 1.0}, status["opt_params"])
	assert.Equal(t, 2.0, status["evaluations"])
	assert.Len(t, status["history"], 2)

	stored, err := f.results.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)

	_, list := f.do(t, http.MethodGet, "/api/v1/tasks", "")
	assert.Len(t, list["tasks"], 1)
}

func TestStoredTasksOutliveServer(t *testing.T) {
	f := newFixture(t, sim.New(0))
	_, out := f.do(t, http.MethodPost, "/api/v1/tasks", scanJob)
	id := out["task_id"].(string)
	f.waitFor(t, id, task.StatusCompleted)

	other := NewServer(testConfig(t), testLogger(t), task.NewRunner(nil, nil), qrt.New(sim.New(0), nil), f.results)
	r := chi.NewRouter()
	other.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"completed"`)
}

func (f *fixture) tracked() int {
	f.srv.tasksMu.RLock()
	defer f.srv.tasksMu.RUnlock()
	return len(f.srv.tasks)
}

func TestFinishedTasksLeaveMemory(t *testing.T) {
	f := newFixture(t, sim.New(0))
	_, out := f.do(t, http.MethodPost, "/api/v1/tasks", scanJob)
	id := out["task_id"].(string)

	require.Eventually(t, func() bool { return f.tracked() == 0 }, 5*time.Second, 5*time.Millisecond)
	status := f.waitFor(t, id, task.StatusCompleted)
	assert.Len(t, status["history"], 2)

	rr, out := f.do(t, http.MethodDelete, "/api/v1/tasks/"+id, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, out["error"], "completed")

	// Without a store the finished task is the only copy and stays tracked.
	mem := &fixture{srv: NewServer(testConfig(t), testLogger(t), task.NewRunner(nil, nil), qrt.New(sim.New(0), nil), nil)}
	t.Cleanup(func() { mem.srv.Close() })
	mem.router = chi.NewRouter()
	mem.srv.RegisterRoutes(mem.router)
	_, out = mem.do(t, http.MethodPost, "/api/v1/tasks", scanJob)
	id = out["task_id"].(string)
	status = mem.waitFor(t, id, task.StatusCompleted)
	assert.Len(t, status["history"], 2)
	assert.Equal(t, 1, mem.tracked())
}

func TestCreateTaskErrors(t *testing.T) {
	f := newFixture(t, sim.New(0))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"unknown field", `{"kernel": "X 0", "observable": "Z0", "colour": 1}`, http.StatusBadRequest},
		{"missing kernel", `{"observable": "Z0"}`, http.StatusBadRequest},
		{"unknown optimizer", `{"kernel": "X 0", "observable": "Z0", "optimizer": {"name": "annealing"}}`, http.StatusNotFound},
		{"bad kernel", `{"kernel": "Ry(theta) 0", "observable": "Z0"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, out := f.do(t, http.MethodPost, "/api/v1/tasks", tt.body)
			assert.Equal(t, tt.code, rr.Code, out)
			assert.NotEmpty(t, out["error"])
		})
	}

	rr, _ := f.do(t, http.MethodGet, "/api/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr, _ = f.do(t, http.MethodDelete, "/api/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, slowBackend(20*time.Millisecond))

	points := make([][]float64, 500)
	for i := range points {
		points[i] = []float64{float64(i) / 100}
	}
	body, err := json.Marshal(map[string]interface{}{
		"kernel":     "params x\nRy(x) 0",
		"observable": "Z0",
		"optimizer":  map[string]interface{}{"name": "sequence", "points": points},
	})
	require.NoError(t, err)

	_, out := f.do(t, http.MethodPost, "/api/v1/tasks", string(body))
	id := out["task_id"].(string)

	_, status := f.do(t, http.MethodGet, "/api/v1/tasks/"+id, "")
	assert.Equal(t, "running", status["status"])

	rr, _ := f.do(t, http.MethodDelete, "/api/v1/tasks/"+id, "")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	status = f.waitFor(t, id, task.StatusCancelled)
	assert.Less(t, status["evaluations"], 500.0)

	rr, out = f.do(t, http.MethodDelete, "/api/v1/tasks/"+id, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, out["error"], "cancelled")
}

func TestJSONRPC(t *testing.T) {
	f := newFixture(t, sim.New(0))

	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(scanJob), &spec))
	out := f.rpc(t, "task.start", spec)
	result, ok := out["result"].(map[string]interface{})
	require.True(t, ok, out)
	id := result["task_id"].(string)

	f.waitFor(t, id, task.StatusCompleted)
	out = f.rpc(t, "task.status", map[string]string{"task_id": id})
	result = out["result"].(map[string]interface{})
	assert.Equal(t, "completed", result["status"])
	assert.InDelta(t, 1.0806, result["opt_val"], 1e-3)

	out = f.rpc(t, "task.cancel", map[string]string{"task_id": id})
	errObj := out["error"].(map[string]interface{})
	assert.Equal(t, float64(codeInvalidParams), errObj["code"])

	tests := []struct {
		name   string
		method string
		params []interface{}
		code   int
	}{
		{"unknown method", "task.pause", nil, codeMethodNotFound},
		{"missing params", "task.status", nil, codeInvalidParams},
		{"unknown task", "task.status", []interface{}{map[string]string{"task_id": "nope"}}, codeNotFound},
		{"empty id", "task.cancel", []interface{}{map[string]string{}}, codeInvalidParams},
		{"bad job", "task.start", []interface{}{map[string]string{"kernel": "X 0"}}, codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.rpc(t, tt.method, tt.params...)
			errObj, ok := out["error"].(map[string]interface{})
			require.True(t, ok, out)
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, 1.0, out["id"])
		})
	}
}

func TestJSONRPCMalformed(t *testing.T) {
	f := newFixture(t, sim.New(0))

	for _, body := range []string{`not json`, `{"jsonrpc": "1.0", "method": "task.status"}`} {
		rr, out := f.do(t, http.MethodPost, "/rpc", body)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NotNil(t, out["error"])
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, slowBackend(time.Hour))
	_, out := f.do(t, http.MethodPost, "/api/v1/tasks",
		`{"kernel": "params x\nRy(x) 0", "observable": "Z0", "optimizer": {"name": "sequence", "points": [[0]]}}`)
	id := out["task_id"].(string)

	require.NoError(t, f.srv.Close())
	stored, err := f.results.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, stored.Status)
}

func TestRespondWithError(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t), task.NewRunner(nil, nil), nil, nil)

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{"valid error response", codeInvalidParams, "invalid input", "123", "123"},
		{"nil id", codeServerError, "server error", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			assert.Equal(t, http.StatusOK, rr.Code, "JSON-RPC errors travel in a 200 body")

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&response))

			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}
