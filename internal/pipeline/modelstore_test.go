package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/db"
)

func fittedArtifact(t *testing.T) *ml.Artifact {
	t.Helper()
	return fittedArtifactAt(t, t0, 0)
}

// fittedArtifactAt trains on normal samples with cpu shifted by cpuShift.
func fittedArtifactAt(t *testing.T, at time.Time, cpuShift float64) *ml.Artifact {
	t.Helper()
	r := newTestRetrainer(t, nil, nil, nil)
	r.now = func() time.Time { return at }
	samples := normalSamples(120, 7)
	for i := range samples {
		samples[i].CPU += cpuShift
	}
	a, err := r.Fit(samples)
	require.NoError(t, err)
	return a
}

func assertSamePredictions(t *testing.T, want, got *ml.Artifact) {
	t.Helper()
	require.Equal(t, want.ModelIDs(), got.ModelIDs())
	for _, s := range normalSamples(20, 8) {
		wv, err := want.Scaler.Transform(s.Vector())
		require.NoError(t, err)
		gv, err := got.Scaler.Transform(s.Vector())
		require.NoError(t, err)
		for _, id := range want.ModelIDs() {
			ws, _ := want.Scorers[id].Score(wv)
			gs, _ := got.Scorers[id].Score(gv)
			assert.Equal(t, ws, gs)
		}
	}
}

func TestFileModels_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	m := NewFileModels(dir, ml.DefaultRegistry())
	ctx := context.Background()

	_, err := m.Load(ctx)
	assert.ErrorIs(t, err, ErrNoArtifact)

	a := fittedArtifact(t)
	require.NoError(t, m.Save(ctx, a))

	stamp := strconv.FormatInt(t0.Unix(), 10)
	for _, name := range []string{ScorerFile, ScalerFile, "scorer-" + stamp + ".json", "scaler-" + stamp + ".json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	got, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.SampleCount, got.SampleCount)
	assertSamePredictions(t, a, got)
}

func TestSQLiteModels_RoundTrip(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	m := NewSQLiteModels(store, ml.DefaultRegistry())
	ctx := context.Background()

	_, err = m.Load(ctx)
	assert.ErrorIs(t, err, ErrNoArtifact)

	a := fittedArtifact(t)
	require.NoError(t, m.Save(ctx, a))
	require.NoError(t, m.Save(ctx, a))

	versions, err := store.ListArtifactVersions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	got, err := m.Load(ctx)
	require.NoError(t, err)
	assertSamePredictions(t, a, got)
}

func TestFileModels_InterruptedSaveKeepsMatchingPair(t *testing.T) {
	dir := t.TempDir()
	m := NewFileModels(dir, ml.DefaultRegistry())
	ctx := context.Background()

	first := fittedArtifact(t)
	require.NoError(t, m.Save(ctx, first))

	// the next save stops after replacing scaler.json, before scorer.json
	second := fittedArtifactAt(t, t0.Add(time.Hour), 40)
	_, scaler, err := second.Encode()
	require.NoError(t, err)
	require.NoError(t, writeAtomic(filepath.Join(dir, ScalerFile), scaler))

	got, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Generation, got.Generation)
	assert.Equal(t, first.Scaler.Mean(), got.Scaler.Mean())
	assertSamePredictions(t, first, got)
}

func TestFileModels_MismatchWithoutHistoryIsAnError(t *testing.T) {
	dir := t.TempDir()
	m := NewFileModels(dir, ml.DefaultRegistry())
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, fittedArtifact(t)))
	require.NoError(t, os.Remove(filepath.Join(dir, "scaler-"+strconv.FormatInt(t0.Unix(), 10)+".json")))

	_, scaler, err := fittedArtifactAt(t, t0.Add(time.Hour), 40).Encode()
	require.NoError(t, err)
	require.NoError(t, writeAtomic(filepath.Join(dir, ScalerFile), scaler))

	_, err = m.Load(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoArtifact)
}

func TestFileModels_RetainsNewestGenerations(t *testing.T) {
	dir := t.TempDir()
	m := NewFileModels(dir, ml.DefaultRegistry()).WithRetention(2)
	ctx := context.Background()

	var last *ml.Artifact
	for i := 0; i < 4; i++ {
		last = fittedArtifactAt(t, t0.Add(time.Duration(i)*time.Minute), 0)
		require.NoError(t, m.Save(ctx, last))
	}

	scorers, err := filepath.Glob(filepath.Join(dir, "scorer-*.json"))
	require.NoError(t, err)
	scalers, err := filepath.Glob(filepath.Join(dir, "scaler-*.json"))
	require.NoError(t, err)
	assert.Len(t, scorers, 2)
	assert.Len(t, scalers, 2)
	for i := 2; i < 4; i++ {
		stamp := strconv.FormatInt(t0.Add(time.Duration(i)*time.Minute).Unix(), 10)
		assert.FileExists(t, filepath.Join(dir, "scorer-"+stamp+".json"))
		assert.FileExists(t, filepath.Join(dir, "scaler-"+stamp+".json"))
	}

	got, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.Generation, got.Generation)
}

func TestSQLiteModels_RetainsNewestVersions(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	m := NewSQLiteModels(store, ml.DefaultRegistry()).WithRetention(2)
	ctx := context.Background()

	var last *ml.Artifact
	for i := 0; i < 3; i++ {
		last = fittedArtifactAt(t, t0.Add(time.Duration(i)*time.Minute), 0)
		require.NoError(t, m.Save(ctx, last))
	}

	versions, err := store.ListArtifactVersions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	got, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.Generation, got.Generation)
}
