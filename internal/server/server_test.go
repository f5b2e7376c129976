package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerolab/foilopt/internal/logging"
	"github.com/aerolab/foilopt/internal/optimization"
)

// stubOptimizer lets tests script the engine's behavior.
type stubOptimizer struct {
	mu      sync.Mutex
	state   optimization.State
	best    *optimization.Solution
	history []optimization.Evaluation
	result  *optimization.Result
	err     error
	// blockUntilCancel makes Optimize wait for context cancellation.
	blockUntilCancel bool
}

func (o *stubOptimizer) Optimize(ctx context.Context) (*optimization.Result, error) {
	if o.blockUntilCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.result, nil
}

func (o *stubOptimizer) Best() *optimization.Solution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.best
}

func (o *stubOptimizer) History() []optimization.Evaluation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history
}

func (o *stubOptimizer) State() optimization.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *stubOptimizer) Stop() {}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.New(logging.ErrorLevel, &bytes.Buffer{})
}

func newTestServer(t *testing.T, factory Factory) *httptest.Server {
	t.Helper()
	srv := NewServer(factory, testLogger(t))
	t.Cleanup(func() { srv.Close() })

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func completedStub() *stubOptimizer {
	best := &optimization.Solution{Parameters: []float64{0.18, 0.5}, Score: -0.12}
	return &stubOptimizer{
		state: optimization.StateConverged,
		best:  best,
		history: []optimization.Evaluation{
			{Index: 0, Solution: &optimization.Solution{Parameters: []float64{0.2, 0.4}, Score: 0.3}},
			{Index: 1, Solution: best},
		},
		result: &optimization.Result{
			Best:        best,
			Evaluations: 2,
			Converged:   true,
			Reason:      "no improvement in 3 iterations",
		},
	}
}

func startRun(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/runs", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	id, _ := out["run_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func getStatus(t *testing.T, ts *httptest.Server, id string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/v1/runs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRunLifecycle(t *testing.T) {
	stub := completedStub()
	factory := func(runID string, ov Overrides) (*Run, error) {
		return &Run{
			Optimizer: stub,
			Budget:    10,
			Failures:  func() map[string]int { return map[string]int{"timeout": 1} },
		}, nil
	}
	ts := newTestServer(t, factory)

	id := startRun(t, ts, "")

	require.Eventually(t, func() bool {
		_, body := getStatus(t, ts, id)
		return body["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	code, body := getStatus(t, ts, id)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "converged", body["state"])
	assert.Equal(t, true, body["converged"])
	assert.Equal(t, "no improvement in 3 iterations", body["reason"])
	assert.InDelta(t, 0.2, body["progress"].(float64), 1e-9)

	best := body["best"].(map[string]interface{})
	assert.InDelta(t, -0.12, best["score"].(float64), 1e-9)

	history := body["history"].([]interface{})
	assert.Len(t, history, 2)

	failures := body["failures"].(map[string]interface{})
	assert.EqualValues(t, 1, failures["timeout"])
}

func TestStartRunPassesOverrides(t *testing.T) {
	var got Overrides
	factory := func(runID string, ov Overrides) (*Run, error) {
		got = ov
		return &Run{Optimizer: completedStub(), Budget: 5}, nil
	}
	ts := newTestServer(t, factory)

	startRun(t, ts, `{"max_evaluations": 40, "drag_weight": 0.6}`)

	require.NotNil(t, got.MaxEvaluations)
	assert.Equal(t, 40, *got.MaxEvaluations)
	require.NotNil(t, got.DragWeight)
	assert.Equal(t, 0.6, *got.DragWeight)
	assert.Nil(t, got.Seed)
}

func TestStartRunFactoryError(t *testing.T) {
	factory := func(runID string, ov Overrides) (*Run, error) {
		return nil, optimization.NewError("budget too small")
	}
	ts := newTestServer(t, factory)

	resp, err := http.Post(ts.URL+"/api/v1/runs", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunStatusNotFound(t *testing.T) {
	ts := newTestServer(t, func(string, Overrides) (*Run, error) {
		return &Run{Optimizer: completedStub(), Budget: 1}, nil
	})

	code, _ := getStatus(t, ts, "nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelRun(t *testing.T) {
	stub := &stubOptimizer{state: optimization.StateEvaluating, blockUntilCancel: true}
	ts := newTestServer(t, func(string, Overrides) (*Run, error) {
		return &Run{Optimizer: stub, Budget: 100}, nil
	})

	id := startRun(t, ts, "")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/runs/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := getStatus(t, ts, id)
	assert.Equal(t, "cancelled", body["status"])

	// A second cancel conflicts with the terminal state.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
