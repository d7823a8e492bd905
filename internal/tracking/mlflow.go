package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MLflow sends runs to an MLflow tracking server over its REST API.
type MLflow struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	experiments map[string]string // name -> id
}

// NewMLflow returns a client for the tracking server at baseURL.
func NewMLflow(baseURL string) *MLflow {
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	return &MLflow{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		experiments: map[string]string{},
	}
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type mlflowParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record creates a run, logs params and metrics in one batch and marks the
// run finished.
func (m *MLflow) Record(ctx context.Context, run Run) error {
	expID, err := m.experimentID(ctx, run.Experiment)
	if err != nil {
		return err
	}
	ts := run.Time.UnixMilli()

	var created struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	name := run.Name
	if name == "" {
		name = run.ID
	}
	if err := m.post(ctx, "/api/2.0/mlflow/runs/create", map[string]any{
		"experiment_id": expID,
		"start_time":    ts,
		"run_name":      name,
	}, &created); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	runID := created.Run.Info.RunID

	batch := struct {
		RunID   string         `json:"run_id"`
		Metrics []mlflowMetric `json:"metrics"`
		Params  []mlflowParam  `json:"params"`
	}{RunID: runID, Metrics: []mlflowMetric{}, Params: []mlflowParam{}}
	for _, k := range sortedKeys(run.Params) {
		batch.Params = append(batch.Params, mlflowParam{Key: k, Value: run.Params[k]})
	}
	for _, k := range sortedKeys(run.Metrics) {
		batch.Metrics = append(batch.Metrics, mlflowMetric{Key: k, Value: run.Metrics[k], Timestamp: ts})
	}
	if err := m.post(ctx, "/api/2.0/mlflow/runs/log-batch", batch, nil); err != nil {
		return fmt.Errorf("log batch: %w", err)
	}

	if err := m.post(ctx, "/api/2.0/mlflow/runs/update", map[string]any{
		"run_id":   runID,
		"status":   "FINISHED",
		"end_time": time.Now().UnixMilli(),
	}, nil); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// experimentID resolves name, creating the experiment on first use.
func (m *MLflow) experimentID(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = DefaultExperiment
	}
	m.mu.Lock()
	id, ok := m.experiments[name]
	m.mu.Unlock()
	if ok {
		return id, nil
	}

	var found struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	status, err := m.do(ctx, http.MethodGet,
		"/api/2.0/mlflow/experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &found)
	switch {
	case err == nil:
		id = found.Experiment.ExperimentID
	case status == http.StatusNotFound:
		var created struct {
			ExperimentID string `json:"experiment_id"`
		}
		if err := m.post(ctx, "/api/2.0/mlflow/experiments/create", map[string]string{"name": name}, &created); err != nil {
			return "", fmt.Errorf("create experiment %q: %w", name, err)
		}
		id = created.ExperimentID
	default:
		return "", fmt.Errorf("get experiment %q: %w", name, err)
	}

	m.mu.Lock()
	m.experiments[name] = id
	m.mu.Unlock()
	return id, nil
}

func (m *MLflow) post(ctx context.Context, path string, in, out any) error {
	_, err := m.do(ctx, http.MethodPost, path, in, out)
	return err
}

func (m *MLflow) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, truncate(string(raw), 200))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: decode: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
