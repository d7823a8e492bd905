// Package source reads host telemetry from a time-series backend and turns
// three independent measurements into one Sample.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// ErrNoData means the iteration has nothing to score.
var ErrNoData = errors.New("no data")

// Measurement and field names in the telemetry store.
const (
	MeasurementCPU         = "cpu"
	MeasurementMemory      = "mem"
	MeasurementNetwork     = "net"
	MeasurementPredictions = "ai_predictions"

	FieldUsageIdle   = "usage_idle"
	FieldUsedPercent = "used_percent"
	FieldBytesRecv   = "bytes_recv"
)

// Source returns the most recent point for a measurement within window, or
// ErrNoData.
type Source interface {
	Latest(ctx context.Context, measurement string, window time.Duration) (*models.Point, error)
}

// Writer accepts the per-iteration prediction point.
type Writer interface {
	WritePoint(ctx context.Context, p models.Point) error
}

// NetCursor remembers the previous cumulative byte counter so the reader can
// turn it into a rate.
type NetCursor struct {
	Bytes  float64   `json:"bytes"`
	Time   time.Time `json:"time"`
	Primed bool      `json:"primed"`
}

// Reader assembles Samples from a Source.
type Reader struct {
	src    Source
	window time.Duration
	now    func() time.Time
}

// NewReader returns a reader that queries src with the given recency window.
func NewReader(src Source, window time.Duration) *Reader {
	return &Reader{src: src, window: window, now: time.Now}
}

// WithClock overrides the clock used for sample timestamps.
func (r *Reader) WithClock(now func() time.Time) *Reader {
	r.now = now
	return r
}

// Read queries cpu, memory and network. All three must succeed; otherwise the
// error wraps ErrNoData. The returned cursor must be passed to the next call.
// A network point always advances the cursor, so the first reading after
// start only primes it.
func (r *Reader) Read(ctx context.Context, cur NetCursor) (models.Sample, NetCursor, error) {
	cpuPt, cpuErr := r.src.Latest(ctx, MeasurementCPU, r.window)
	memPt, memErr := r.src.Latest(ctx, MeasurementMemory, r.window)
	netPt, netErr := r.src.Latest(ctx, MeasurementNetwork, r.window)

	var (
		rate   float64
		rateOK bool
	)
	if netErr == nil {
		if bytes, ok := netPt.Field(FieldBytesRecv); ok {
			if cur.Primed {
				if dt := netPt.Time.Sub(cur.Time).Seconds(); dt > 0 {
					rate = (bytes - cur.Bytes) / dt
					if rate < 0 {
						rate = 0
					}
					rateOK = true
				}
			}
			cur = NetCursor{Bytes: bytes, Time: netPt.Time, Primed: true}
		} else {
			netErr = fmt.Errorf("field %s missing", FieldBytesRecv)
		}
	}

	if cpuErr != nil {
		return models.Sample{}, cur, noData(MeasurementCPU, cpuErr)
	}
	if memErr != nil {
		return models.Sample{}, cur, noData(MeasurementMemory, memErr)
	}
	if netErr != nil {
		return models.Sample{}, cur, noData(MeasurementNetwork, netErr)
	}
	if !rateOK {
		return models.Sample{}, cur, fmt.Errorf("%w: network rate not available yet", ErrNoData)
	}

	idle, ok := cpuPt.Field(FieldUsageIdle)
	if !ok {
		return models.Sample{}, cur, noData(MeasurementCPU, fmt.Errorf("field %s missing", FieldUsageIdle))
	}
	used, ok := memPt.Field(FieldUsedPercent)
	if !ok {
		return models.Sample{}, cur, noData(MeasurementMemory, fmt.Errorf("field %s missing", FieldUsedPercent))
	}

	return models.Sample{
		CPU:       100 - idle,
		Memory:    used,
		Network:   rate,
		Timestamp: r.now(),
	}, cur, nil
}

func noData(measurement string, err error) error {
	if errors.Is(err, ErrNoData) {
		return fmt.Errorf("%s: %w", measurement, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrNoData, measurement, err)
}

// PredictionPoint builds the point written back after each scored sample.
func PredictionPoint(s models.Sample, alert bool, ts time.Time) models.Point {
	flag := 0.0
	if alert {
		flag = 1
	}
	return models.Point{
		Measurement: MeasurementPredictions,
		Fields: map[string]float64{
			"is_anomaly": flag,
			"cpu_val":    s.CPU,
			"mem_val":    s.Memory,
			"net_val":    s.Network,
		},
		Time: ts,
	}
}
