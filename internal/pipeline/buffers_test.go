package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-sentinel/internal/cache"
	"github.com/kubilitics/kubilitics-sentinel/internal/db"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(models.Sample{CPU: float64(i)})
		assert.False(t, evicted)
	}
	old, evicted := r.Push(models.Sample{CPU: 4})
	assert.True(t, evicted)
	assert.Equal(t, 1.0, old.CPU)
	assert.Equal(t, 3, r.Len())

	var got []float64
	for _, s := range r.Items() {
		got = append(got, s.CPU)
	}
	assert.Equal(t, []float64{2, 3, 4}, got)
}

func TestRing_TrainingCapacity(t *testing.T) {
	r := NewRing(DefaultTrainingCapacity)
	for i := 0; i < DefaultTrainingCapacity+1; i++ {
		r.Push(models.Sample{CPU: float64(i)})
	}
	assert.Equal(t, DefaultTrainingCapacity, r.Len())
	assert.Equal(t, 1.0, r.Items()[0].CPU)
}

func TestBuffers_RouteAndRestore(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	b := NewBuffers(store, 2, 2)
	for i, label := range []models.Label{models.LabelNormal, models.LabelAnomaly, models.LabelNormal, models.LabelNormal} {
		name, err := b.Route(ctx, models.Sample{CPU: float64(i), Timestamp: t0}, label)
		require.NoError(t, err)
		if label.IsAnomaly() {
			assert.Equal(t, db.BufferArchive, name)
		} else {
			assert.Equal(t, db.BufferTraining, name)
		}
	}
	assert.Equal(t, 2, b.Training.Len())
	assert.Equal(t, 1, b.Archive.Len())

	restored := NewBuffers(store, 2, 2)
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, b.Training.Items(), restored.Training.Items())
	assert.Equal(t, 1.0, restored.Archive.Items()[0].CPU)
}

func TestBuffers_RedisRestoreKeepsNewestInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	rb := cache.NewRedisBuffersFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rb.Close() })
	ctx := context.Background()

	const trainingCap, archiveCap = 3, 2
	b := NewBuffers(rb, trainingCap, archiveCap)
	for i := 0; i < trainingCap+1; i++ {
		s := models.Sample{CPU: float64(i), Memory: 40, Network: 1000, Timestamp: t0.Add(time.Duration(i) * time.Minute)}
		_, err := b.Route(ctx, s, models.LabelNormal)
		require.NoError(t, err)
	}
	for i := 0; i < archiveCap+1; i++ {
		s := models.Sample{CPU: 90 + float64(i), Memory: 95, Network: 1e6, Timestamp: t0.Add(time.Duration(i) * time.Minute)}
		_, err := b.Route(ctx, s, models.LabelAnomaly)
		require.NoError(t, err)
	}

	training, err := mr.List("sentinel:buffer:" + db.BufferTraining)
	require.NoError(t, err)
	assert.Len(t, training, trainingCap)

	restored := NewBuffers(rb, trainingCap, archiveCap)
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, b.Training.Items(), restored.Training.Items())
	assert.Equal(t, b.Archive.Items(), restored.Archive.Items())

	var cpus []float64
	for _, s := range restored.Training.Items() {
		cpus = append(cpus, s.CPU)
	}
	assert.Equal(t, []float64{1, 2, 3}, cpus)
	assert.Equal(t, 92.0, restored.Archive.Items()[archiveCap-1].CPU)

	// A smaller ring on restart keeps only the newest entries.
	smaller := NewBuffers(rb, 2, 1)
	require.NoError(t, smaller.Restore(ctx))
	assert.Equal(t, 2.0, smaller.Training.Items()[0].CPU)
	assert.Equal(t, 92.0, smaller.Archive.Items()[0].CPU)
}

func TestBuffers_Seed(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	b := NewBuffers(store, 5, 5)
	_, err = b.Route(ctx, models.Sample{CPU: 99, Timestamp: t0}, models.LabelNormal)
	require.NoError(t, err)

	require.NoError(t, b.Seed(ctx, normalSamples(8, 1)))
	assert.Equal(t, 5, b.Training.Len())

	saved, err := store.LoadSamples(ctx, db.BufferTraining, 100)
	require.NoError(t, err)
	assert.Len(t, saved, 5)
	for _, s := range saved {
		assert.NotEqual(t, 99.0, s.CPU)
	}
}

func TestBuffers_InMemory(t *testing.T) {
	b := NewBuffers(nil, 2, 2)
	require.NoError(t, b.Restore(context.Background()))
	_, err := b.Route(context.Background(), models.Sample{}, models.LabelAnomaly)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Archive.Len())
}
