package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMLflow struct {
	mu          sync.Mutex
	experiments map[string]string
	calls       []string
	batch       map[string]any
	status      string
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{experiments: map[string]string{}}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	switch r.URL.Path {
	case "/api/2.0/mlflow/experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"experiment": map[string]string{"experiment_id": id}})
	case "/api/2.0/mlflow/experiments/create":
		f.experiments[body["name"].(string)] = "7"
		_, _ = w.Write([]byte(`{"experiment_id":"7"}`))
	case "/api/2.0/mlflow/runs/create":
		_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"r-1"}}}`))
	case "/api/2.0/mlflow/runs/log-batch":
		f.batch = body
		_, _ = w.Write([]byte(`{}`))
	case "/api/2.0/mlflow/runs/update":
		f.status, _ = body["status"].(string)
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestMLflowRecord(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewMLflow(srv.URL + "/")
	run := NewRun(DefaultExperiment, time.Now())
	run.Params["model_type"] = "isolation_forest"
	run.Params["n_estimators"] = "100"
	run.Metrics["f1_score"] = 0.75

	ctx := context.Background()
	require.NoError(t, client.Record(ctx, run))

	assert.Equal(t, []string{
		"GET /api/2.0/mlflow/experiments/get-by-name",
		"POST /api/2.0/mlflow/experiments/create",
		"POST /api/2.0/mlflow/runs/create",
		"POST /api/2.0/mlflow/runs/log-batch",
		"POST /api/2.0/mlflow/runs/update",
	}, fake.calls)
	assert.Equal(t, "FINISHED", fake.status)
	assert.Equal(t, "r-1", fake.batch["run_id"])
	assert.Len(t, fake.batch["params"], 2)
	assert.Len(t, fake.batch["metrics"], 1)

	// Second record reuses the cached experiment id.
	fake.calls = nil
	require.NoError(t, client.Record(ctx, run))
	assert.Equal(t, "POST /api/2.0/mlflow/runs/create", fake.calls[0])
}

func TestMLflowServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewMLflow(srv.URL).Record(context.Background(), NewRun("x", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}
