package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/gate"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
	"github.com/kubilitics/kubilitics-sentinel/internal/source"
	"github.com/kubilitics/kubilitics-sentinel/internal/tracking"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptSource serves cpu/mem/net points whose values the test sets before
// each step. The network counter grows by rate*elapsed on every Advance.
type scriptSource struct {
	clock *testClock
	mu    sync.Mutex
	cpu   float64
	mem   float64
	rate  float64
	bytes float64
	err   error
}

func (s *scriptSource) set(cpu, mem, rate float64) {
	s.mu.Lock()
	s.cpu, s.mem, s.rate = cpu, mem, rate
	s.mu.Unlock()
}

func (s *scriptSource) advance(d time.Duration) {
	s.mu.Lock()
	s.bytes += s.rate * d.Seconds()
	s.mu.Unlock()
	s.clock.Advance(d)
}

func (s *scriptSource) Latest(_ context.Context, m string, _ time.Duration) (*models.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	now := s.clock.Now()
	switch m {
	case source.MeasurementCPU:
		return &models.Point{Measurement: m, Fields: map[string]float64{source.FieldUsageIdle: 100 - s.cpu}, Time: now}, nil
	case source.MeasurementMemory:
		return &models.Point{Measurement: m, Fields: map[string]float64{source.FieldUsedPercent: s.mem}, Time: now}, nil
	case source.MeasurementNetwork:
		return &models.Point{Measurement: m, Fields: map[string]float64{source.FieldBytesRecv: s.bytes}, Time: now}, nil
	}
	return nil, source.ErrNoData
}

type recordingWriter struct {
	mu     sync.Mutex
	points []models.Point
	err    error
}

func (w *recordingWriter) WritePoint(_ context.Context, p models.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, p)
	return nil
}

func (w *recordingWriter) last() models.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.points[len(w.points)-1]
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

type recordingTracker struct {
	mu   sync.Mutex
	runs []tracking.Run
	err  error
}

func (r *recordingTracker) Record(_ context.Context, run tracking.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return r.err
}

var errBoom = errors.New("boom")

func testParams() ml.Params {
	p := ml.DefaultParams()
	p.NumTrees = 50
	return p
}

// normalSamples draws n samples around cpu 20, memory 40, network 1000.
func normalSamples(n int, seed int64) []models.Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]models.Sample, n)
	for i := range out {
		out[i] = models.Sample{
			CPU:       20 + 2*rng.NormFloat64(),
			Memory:    40 + 2*rng.NormFloat64(),
			Network:   1000 + 50*rng.NormFloat64(),
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Second),
		}
	}
	return out
}

func newTestRetrainer(t *testing.T, store ModelStore, holder *ml.Holder, tr tracking.Tracker) *Retrainer {
	t.Helper()
	comb, err := ensemble.NewCombiner(ensemble.StrategyHard, 0.5, nil)
	require.NoError(t, err)
	r, err := NewRetrainer(RetrainConfig{
		Models:     []string{ml.ModelIsolationForest},
		Params:     testParams(),
		MinSamples: DefaultMinRetrainSamples,
		Interval:   DefaultRetrainInterval,
	}, ml.DefaultRegistry(), store, holder, comb, tr, nil)
	require.NoError(t, err)
	return r
}

type harness struct {
	clock    *testClock
	src      *scriptSource
	writer   *recordingWriter
	tracker  *recordingTracker
	holder   *ml.Holder
	buffers  *Buffers
	detector *Detector
}

// newHarness builds a detector on fakes. When trained is true the holder
// starts with a model fitted on normalSamples.
func newHarness(t *testing.T, trained bool) *harness {
	t.Helper()
	h := &harness{
		clock:   &testClock{t: t0},
		writer:  &recordingWriter{},
		tracker: &recordingTracker{},
		holder:  &ml.Holder{},
		buffers: NewBuffers(nil, DefaultTrainingCapacity, DefaultArchiveCapacity),
	}
	h.src = &scriptSource{clock: h.clock}
	retrainer := newTestRetrainer(t, nil, h.holder, h.tracker)
	retrainer.now = h.clock.Now
	if trained {
		a, err := retrainer.Fit(normalSamples(300, 1))
		require.NoError(t, err)
		h.holder.Store(a)
	}
	comb, err := ensemble.NewCombiner(ensemble.StrategyHard, 0.5, nil)
	require.NoError(t, err)

	d, err := NewDetector(DetectorOptions{
		Reader:    source.NewReader(h.src, time.Minute).WithClock(h.clock.Now),
		Writer:    h.writer,
		Combiner:  comb,
		Holder:    h.holder,
		Buffers:   h.buffers,
		Retrainer: retrainer,
		Gate:      gate.Default(),
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)
	h.detector = d
	return h
}

// prime runs the first iteration, which only seeds the network cursor.
func (h *harness) prime(t *testing.T) LoopState {
	t.Helper()
	h.src.set(20, 40, 1000)
	st, res, err := h.detector.Step(context.Background(), h.detector.NewState())
	require.NoError(t, err)
	require.Equal(t, "no_data", res.Outcome)
	return st
}

// step advances the clock by one poll interval with the given readings.
func (h *harness) step(t *testing.T, st LoopState, cpu, mem, rate float64) (LoopState, StepResult) {
	t.Helper()
	h.src.set(cpu, mem, rate)
	h.src.advance(DefaultPollInterval)
	st, res, err := h.detector.Step(context.Background(), st)
	require.NoError(t, err)
	return st, res
}
