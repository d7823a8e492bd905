package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the detector.
type Store interface {
	PointStore
	BufferStore
	ArtifactStore
	RunStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Points ──────────────────────────────────────────────────────────────────

// PointStore is a minimal time-series store: the detector reads telemetry
// from it and writes one prediction point per iteration back to it.
type PointStore interface {
	WritePoint(ctx context.Context, p models.Point) error

	// LatestPoint returns the newest point for measurement at or after since.
	// Returns ErrNotFound when there is none.
	LatestPoint(ctx context.Context, measurement string, since time.Time) (*models.Point, error)

	// QueryPoints returns points in [from, to] ordered oldest first. A zero
	// bound is open; limit <= 0 means no limit.
	QueryPoints(ctx context.Context, measurement string, from, to time.Time, limit int) ([]models.Point, error)
}

// ─── Buffers ─────────────────────────────────────────────────────────────────

// Buffer names.
const (
	BufferTraining = "training"
	BufferArchive  = "archive"
)

// BufferStore persists the bounded sample buffers so a restart resumes from
// the last known contents.
type BufferStore interface {
	// AppendSample adds s to buffer and drops the oldest entries beyond
	// capacity in the same transaction.
	AppendSample(ctx context.Context, buffer string, s models.Sample, capacity int) error

	// LoadSamples returns up to limit of the newest samples, oldest first.
	LoadSamples(ctx context.Context, buffer string, limit int) ([]models.Sample, error)

	ClearSamples(ctx context.Context, buffer string) error
}

// ─── Model artifacts ─────────────────────────────────────────────────────────

// Artifact row names.
const (
	ArtifactScorer = "scorer"
	ArtifactScaler = "scaler"
)

// ArtifactMeta describes a persisted model generation.
type ArtifactMeta struct {
	TrainedAt     time.Time `json:"trained_at"`
	Contamination float64   `json:"contamination"`
	SampleCount   int       `json:"sample_count"`
	Models        []string  `json:"models"`
}

// ArtifactRecord is one generation of the scorer/scaler pair.
type ArtifactRecord struct {
	Version   int64        `json:"version"`
	Scorer    []byte       `json:"-"`
	Scaler    []byte       `json:"-"`
	Meta      ArtifactMeta `json:"meta"`
	CreatedAt time.Time    `json:"created_at"`
}

// ArtifactStore keeps recent saved generations; the latest is the highest
// version.
type ArtifactStore interface {
	// SaveArtifacts writes both blobs as a new version and, when keep > 0,
	// drops all but the newest keep versions, in one transaction. It returns
	// the new version number.
	SaveArtifacts(ctx context.Context, scorer, scaler []byte, meta ArtifactMeta, keep int) (int64, error)

	// LoadArtifacts returns the latest generation, or ErrNotFound.
	LoadArtifacts(ctx context.Context) (*ArtifactRecord, error)

	// ListArtifactVersions returns metadata for recent generations, newest
	// first. Blobs are not loaded.
	ListArtifactVersions(ctx context.Context, limit int) ([]*ArtifactRecord, error)
}

// ─── Training runs ───────────────────────────────────────────────────────────

// RunRecord is one training or retraining event.
type RunRecord struct {
	ID         string             `json:"id"`
	Experiment string             `json:"experiment"`
	Params     map[string]string  `json:"params"`
	Metrics    map[string]float64 `json:"metrics"`
	StartedAt  time.Time          `json:"started_at"`
}

// RunStore backs the sqlite tracking sink.
type RunStore interface {
	AppendRun(ctx context.Context, rec *RunRecord) error

	// ListRuns returns runs newest first. An empty experiment matches all.
	ListRuns(ctx context.Context, experiment string, limit int) ([]*RunRecord, error)
}
