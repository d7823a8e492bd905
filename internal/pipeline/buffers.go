package pipeline

import (
	"context"
	"fmt"

	"github.com/kubilitics/kubilitics-sentinel/internal/db"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// Default buffer capacities.
const (
	DefaultTrainingCapacity = 2000
	DefaultArchiveCapacity  = 1000
)

// Ring is a bounded FIFO of samples. When full, Push evicts the oldest entry.
// It is not safe for concurrent use.
type Ring struct {
	buf   []models.Sample
	head  int // index of the oldest entry
	count int
}

// NewRing returns an empty ring holding at most capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]models.Sample, capacity)}
}

// Push appends s. If the ring was full the oldest sample is returned with
// evicted set to true.
func (r *Ring) Push(s models.Sample) (old models.Sample, evicted bool) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = s
		r.count++
		return models.Sample{}, false
	}
	old = r.buf[r.head]
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	return old, true
}

// Len returns the number of samples held.
func (r *Ring) Len() int { return r.count }

// Cap returns the capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Items returns the samples oldest first. The slice is a copy.
func (r *Ring) Items() []models.Sample {
	out := make([]models.Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Reset empties the ring.
func (r *Ring) Reset() {
	r.head, r.count = 0, 0
}

// Buffers holds the training buffer and the anomaly archive. Every push is
// written through to the backing store before Route returns.
type Buffers struct {
	Training *Ring
	Archive  *Ring

	store db.BufferStore
}

// NewBuffers returns empty buffers. store may be nil for in-memory only.
func NewBuffers(store db.BufferStore, trainingCap, archiveCap int) *Buffers {
	return &Buffers{
		Training: NewRing(trainingCap),
		Archive:  NewRing(archiveCap),
		store:    store,
	}
}

// Restore reloads both buffers from the store, keeping the newest entries.
func (b *Buffers) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	for _, target := range []struct {
		name string
		ring *Ring
	}{
		{db.BufferTraining, b.Training},
		{db.BufferArchive, b.Archive},
	} {
		samples, err := b.store.LoadSamples(ctx, target.name, target.ring.Cap())
		if err != nil {
			return fmt.Errorf("restore %s buffer: %w", target.name, err)
		}
		target.ring.Reset()
		for _, s := range samples {
			target.ring.Push(s)
		}
	}
	return nil
}

// Route sends a normal sample to the training buffer and an anomalous one to
// the archive, never both. It returns the buffer name. The in-memory ring is
// always updated; a persistence failure is returned but does not undo it.
func (b *Buffers) Route(ctx context.Context, s models.Sample, raw models.Label) (string, error) {
	name, ring := db.BufferTraining, b.Training
	if raw.IsAnomaly() {
		name, ring = db.BufferArchive, b.Archive
	}
	ring.Push(s)
	if b.store == nil {
		return name, nil
	}
	if err := b.store.AppendSample(ctx, name, s, ring.Cap()); err != nil {
		return name, fmt.Errorf("persist %s buffer: %w", name, err)
	}
	return name, nil
}

// Seed replaces the training buffer with samples, keeping the newest ones.
func (b *Buffers) Seed(ctx context.Context, samples []models.Sample) error {
	b.Training.Reset()
	if b.store != nil {
		if err := b.store.ClearSamples(ctx, db.BufferTraining); err != nil {
			return fmt.Errorf("clear training buffer: %w", err)
		}
	}
	if len(samples) > b.Training.Cap() {
		samples = samples[len(samples)-b.Training.Cap():]
	}
	for _, s := range samples {
		if _, err := b.Route(ctx, s, models.LabelNormal); err != nil {
			return err
		}
	}
	return nil
}
