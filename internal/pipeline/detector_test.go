package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/gate"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/db"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
	"github.com/kubilitics/kubilitics-sentinel/internal/source"
)

func TestNewDetector_RequiresCollaborators(t *testing.T) {
	_, err := NewDetector(DetectorOptions{})
	assert.Error(t, err)

	h := newHarness(t, false)
	_, err = NewDetector(DetectorOptions{
		Reader:    source.NewReader(h.src, time.Minute),
		Writer:    h.writer,
		Combiner:  h.detector.combiner,
		Holder:    h.holder,
		Buffers:   h.buffers,
		Retrainer: h.detector.retrainer,
		Gate:      gate.Gate{Threshold: 0},
	})
	assert.Error(t, err)
}

func TestStep_FirstReadIsNoData(t *testing.T) {
	h := newHarness(t, true)
	st := h.prime(t)

	assert.Equal(t, uint64(1), st.Iteration)
	assert.True(t, st.Net.Primed)
	assert.Zero(t, h.writer.count())
	assert.Zero(t, h.buffers.Training.Len())
}

func TestStep_SourceFailureIsNoData(t *testing.T) {
	h := newHarness(t, true)
	st := h.prime(t)
	st.Gate.Count = 5

	h.src.err = errBoom
	h.src.advance(DefaultPollInterval)
	next, res, err := h.detector.Step(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "no_data", res.Outcome)
	assert.Equal(t, 5, next.Gate.Count, "gate untouched on no-data")
	assert.Zero(t, h.writer.count())
}

func TestStep_WithoutModelEverythingIsNormal(t *testing.T) {
	h := newHarness(t, false)
	st := h.prime(t)

	st, res := h.step(t, st, 95, 95, 1e6)
	assert.Equal(t, "scored", res.Outcome)
	assert.Nil(t, res.Decision)
	assert.Equal(t, models.LabelNormal, res.Raw)
	assert.Equal(t, db.BufferTraining, res.Routed)
	assert.Zero(t, st.Gate.Count)

	p := h.writer.last()
	assert.Equal(t, source.MeasurementPredictions, p.Measurement)
	assert.Equal(t, 0.0, p.Fields["is_anomaly"])
	assert.Equal(t, 95.0, p.Fields["cpu_val"])
}

func TestStep_RoutingIsDisjoint(t *testing.T) {
	h := newHarness(t, true)
	st := h.prime(t)

	st, res := h.step(t, st, 20, 40, 1000)
	assert.Equal(t, models.LabelNormal, res.Raw)
	assert.Equal(t, db.BufferTraining, res.Routed)
	require.NotNil(t, res.Decision)
	assert.Equal(t, ensemble.StrategyHard, res.Decision.Strategy)

	_, res = h.step(t, st, 95, 95, 1e6)
	assert.Equal(t, models.LabelAnomaly, res.Raw)
	assert.Equal(t, db.BufferArchive, res.Routed)

	require.Equal(t, 1, h.buffers.Training.Len())
	require.Equal(t, 1, h.buffers.Archive.Len())
	assert.Equal(t, 20.0, round(h.buffers.Training.Items()[0].CPU))
	assert.Equal(t, 95.0, round(h.buffers.Archive.Items()[0].CPU))
}

func TestStep_GateAlertsOnTwelfthAndResets(t *testing.T) {
	h := newHarness(t, true)
	st := h.prime(t)

	var res StepResult
	for i := 1; i <= 11; i++ {
		st, res = h.step(t, st, 95, 95, 1e6)
		require.Equal(t, models.LabelAnomaly, res.Raw)
		assert.False(t, res.Alert, "iteration %d", i)
		assert.Equal(t, 0.0, h.writer.last().Fields["is_anomaly"])
	}
	assert.Equal(t, gate.PhaseAccumulating, h.detector.Snapshot().Phase)

	st, res = h.step(t, st, 95, 95, 1e6)
	assert.True(t, res.Alert)
	assert.Equal(t, 12, st.Gate.Count)
	assert.Equal(t, 1.0, h.writer.last().Fields["is_anomaly"])
	assert.Equal(t, gate.PhaseAlerting, h.detector.Snapshot().Phase)

	st, res = h.step(t, st, 20, 40, 1000)
	assert.False(t, res.Alert)
	assert.Zero(t, st.Gate.Count)
}

func TestStep_InvalidSampleSkipped(t *testing.T) {
	h := newHarness(t, true)
	st := h.prime(t)

	_, res := h.step(t, st, 130, 40, 1000)
	assert.Equal(t, "invalid", res.Outcome)
	assert.NotEmpty(t, res.Problems)
	assert.Zero(t, h.writer.count())
	assert.Zero(t, h.buffers.Training.Len()+h.buffers.Archive.Len())
}

func TestStep_WriteFailureSkipsRouting(t *testing.T) {
	h := newHarness(t, true)
	st := h.prime(t)
	st.Gate.Count = 11
	h.writer.err = errBoom

	h.src.set(20, 40, 1000)
	h.src.advance(DefaultPollInterval)
	next, res, err := h.detector.Step(context.Background(), st)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "error", res.Outcome)
	assert.Equal(t, 11, next.Gate.Count, "normal sample must not reset the gate")
	assert.Zero(t, h.buffers.Training.Len())

	h.src.set(95, 95, 1e6)
	h.src.advance(DefaultPollInterval)
	next, res, err = h.detector.Step(context.Background(), next)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, models.LabelAnomaly, res.Raw)
	assert.False(t, res.Alert, "no alert without a written point")
	assert.Equal(t, 11, next.Gate.Count, "anomaly must not advance the gate")
	assert.Equal(t, 11, h.detector.Snapshot().GateCount)
	assert.Zero(t, h.buffers.Archive.Len())

	h.writer.err = nil
	next, res = h.step(t, next, 95, 95, 1e6)
	assert.True(t, res.Alert)
	assert.Equal(t, 12, next.Gate.Count)
}

func TestStep_RetrainFiresAtThirtySamples(t *testing.T) {
	h := newHarness(t, false)
	st := h.prime(t)
	st.LastRetrain = h.clock.Now().Add(-time.Hour)

	samples := normalSamples(30, 3)
	var res StepResult
	for i, s := range samples[:29] {
		st, res = h.step(t, st, s.CPU, s.Memory, s.Network)
		require.False(t, res.Retrained, "sample %d", i+1)
	}
	assert.False(t, h.holder.Ready())

	s := samples[29]
	st, res = h.step(t, st, s.CPU, s.Memory, s.Network)
	assert.True(t, res.Retrained)
	assert.True(t, h.holder.Ready())
	assert.Equal(t, h.clock.Now(), st.LastRetrain)
	assert.Nil(t, res.Evaluation, "empty archive gives no evaluation")
	require.Len(t, h.tracker.runs, 1)

	snap := h.detector.Snapshot()
	assert.True(t, snap.ModelReady)
	assert.Equal(t, []string{ml.ModelIsolationForest}, snap.Models)

	// Timer restarted: the next sample does not retrain again.
	_, res = h.step(t, st, 20, 40, 1000)
	assert.False(t, res.Retrained)
}

func TestStep_RetrainWaitsForInterval(t *testing.T) {
	h := newHarness(t, false)
	st := h.prime(t)

	var res StepResult
	for _, s := range normalSamples(30, 4) {
		st, res = h.step(t, st, s.CPU, s.Memory, s.Network)
		if h.clock.Now().Sub(st.LastRetrain) < DefaultRetrainInterval {
			require.False(t, res.Retrained)
		}
	}
	// 30 steps of 10s after priming reach exactly 300s.
	assert.True(t, res.Retrained)
}

func TestStep_RetrainEvaluatesArchive(t *testing.T) {
	h := newHarness(t, true)
	st := h.prime(t)
	st.LastRetrain = h.clock.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		st, _ = h.step(t, st, 95, 95, 1e6)
	}
	var res StepResult
	for _, s := range normalSamples(80, 5) {
		st, res = h.step(t, st, s.CPU, s.Memory, s.Network)
		if res.Retrained {
			break
		}
	}
	require.True(t, res.Retrained)
	require.NotNil(t, res.Evaluation)
	// A few normal draws may also have been flagged and archived.
	assert.GreaterOrEqual(t, res.Evaluation.Total, 3)
	assert.Equal(t, h.buffers.Archive.Len(), res.Evaluation.Total)
	assert.NotNil(t, h.detector.Snapshot().LastEvaluation)
}

func TestSetGate(t *testing.T) {
	h := newHarness(t, true)
	assert.Error(t, h.detector.SetGate(gate.Gate{}))

	g := gate.Default()
	g.Threshold = 2
	require.NoError(t, h.detector.SetGate(g))

	st := h.prime(t)
	st, res := h.step(t, st, 95, 95, 1e6)
	assert.False(t, res.Alert)
	_, res = h.step(t, st, 95, 95, 1e6)
	assert.True(t, res.Alert)
	assert.Equal(t, 2, h.detector.Snapshot().Gate.Threshold)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, true)
	h.detector.interval = 5 * time.Millisecond
	h.src.set(20, 40, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan LoopState, 1)
	go func() { done <- h.detector.Run(ctx, h.detector.NewState()) }()

	select {
	case st := <-done:
		assert.GreaterOrEqual(t, st.Iteration, uint64(1))
		assert.True(t, st.Net.Primed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func round(v float64) float64 {
	if v < 0 {
		return -round(-v)
	}
	return float64(int64(v + 0.5))
}
