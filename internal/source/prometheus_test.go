package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promServer(t *testing.T, body func(query string) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body(r.Form.Get("query")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func vector(ts time.Time, value string) string {
	return fmt.Sprintf(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[%d.000,"%s"]}]}}`,
		ts.Unix(), value)
}

func TestPrometheus_Latest(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := promServer(t, func(q string) string {
		switch q {
		case DefaultQueries[MeasurementCPU]:
			return vector(now.Add(-5*time.Second), "87.5")
		case "custom_mem":
			return vector(now, "41")
		}
		return `{"status":"success","data":{"resultType":"vector","result":[]}}`
	})

	p, err := NewPrometheus(srv.URL, map[string]string{MeasurementMemory: "custom_mem"}, nil)
	require.NoError(t, err)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	pt, err := p.Latest(ctx, MeasurementCPU, time.Minute)
	require.NoError(t, err)
	v, ok := pt.Field(FieldUsageIdle)
	require.True(t, ok)
	assert.Equal(t, 87.5, v)
	assert.True(t, pt.Time.Equal(now.Add(-5*time.Second)))

	pt, err = p.Latest(ctx, MeasurementMemory, time.Minute)
	require.NoError(t, err)
	v, _ = pt.Field(FieldUsedPercent)
	assert.Equal(t, 41.0, v)

	_, err = p.Latest(ctx, MeasurementNetwork, time.Minute)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = p.Latest(ctx, "disk", time.Minute)
	assert.Error(t, err)
}

func TestPrometheus_StaleSample(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := promServer(t, func(string) string { return vector(now.Add(-10*time.Minute), "1") })

	p, err := NewPrometheus(srv.URL, nil, nil)
	require.NoError(t, err)
	p.now = func() time.Time { return now }

	_, err = p.Latest(context.Background(), MeasurementCPU, 5*time.Minute)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestPrometheus_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p, err := NewPrometheus(srv.URL, nil, nil)
	require.NoError(t, err)
	_, err = p.Latest(context.Background(), MeasurementCPU, time.Minute)
	assert.Error(t, err)
}
