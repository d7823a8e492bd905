package source

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// DefaultQueries map each measurement onto node-exporter series. Each query
// must return a single value in the unit of the measurement's field.
var DefaultQueries = map[string]string{
	MeasurementCPU:     `avg(rate(node_cpu_seconds_total{mode="idle"}[1m])) * 100`,
	MeasurementMemory:  `(1 - sum(node_memory_MemAvailable_bytes) / sum(node_memory_MemTotal_bytes)) * 100`,
	MeasurementNetwork: `sum(node_network_receive_bytes_total{device!="lo"})`,
}

var measurementField = map[string]string{
	MeasurementCPU:     FieldUsageIdle,
	MeasurementMemory:  FieldUsedPercent,
	MeasurementNetwork: FieldBytesRecv,
}

// Prometheus runs one instant query per measurement.
type Prometheus struct {
	api     v1.API
	queries map[string]string
	logger  *zap.Logger
	now     func() time.Time
}

// NewPrometheus builds a source against the Prometheus HTTP API at url.
// Queries missing from queries fall back to DefaultQueries.
func NewPrometheus(url string, queries map[string]string, logger *zap.Logger) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{Address: url})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := make(map[string]string, len(DefaultQueries))
	for k, v := range DefaultQueries {
		q[k] = v
	}
	for k, v := range queries {
		if v != "" {
			q[k] = v
		}
	}
	return &Prometheus{api: v1.NewAPI(client), queries: q, logger: logger.Named("prometheus"), now: time.Now}, nil
}

func (p *Prometheus) Latest(ctx context.Context, measurement string, window time.Duration) (*models.Point, error) {
	query, ok := p.queries[measurement]
	if !ok {
		return nil, fmt.Errorf("no query configured for measurement %q", measurement)
	}
	now := p.now()
	val, warnings, err := p.api.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", measurement, err)
	}
	for _, w := range warnings {
		p.logger.Warn("prometheus query warning", zap.String("measurement", measurement), zap.String("warning", w))
	}

	var (
		newest model.SamplePair
		found  bool
	)
	switch v := val.(type) {
	case model.Vector:
		for _, s := range v {
			if !found || s.Timestamp.After(newest.Timestamp) {
				newest = model.SamplePair{Timestamp: s.Timestamp, Value: s.Value}
				found = true
			}
		}
	case *model.Scalar:
		newest = model.SamplePair{Timestamp: v.Timestamp, Value: v.Value}
		found = true
	default:
		return nil, fmt.Errorf("query %s: unsupported result type %s", measurement, val.Type())
	}
	if !found {
		return nil, ErrNoData
	}

	ts := newest.Timestamp.Time()
	if window > 0 && ts.Before(now.Add(-window)) {
		return nil, ErrNoData
	}
	return &models.Point{
		Measurement: measurement,
		Fields:      map[string]float64{measurementField[measurement]: float64(newest.Value)},
		Time:        ts.UTC(),
	}, nil
}
