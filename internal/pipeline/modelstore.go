package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/db"
)

// ErrNoArtifact means no model has been trained yet.
var ErrNoArtifact = errors.New("no model artifact")

// ModelStore persists the scorer and scaler under fixed logical names.
type ModelStore interface {
	Load(ctx context.Context) (*ml.Artifact, error)
	Save(ctx context.Context, a *ml.Artifact) error
}

// DefaultKeepVersions is how many saved generations a store retains.
const DefaultKeepVersions = 10

// ─── SQLite ──────────────────────────────────────────────────────────────────

// SQLiteModels keeps the newest artifact versions in the model_artifacts
// table.
type SQLiteModels struct {
	store db.ArtifactStore
	reg   *ml.Registry
	keep  int
}

// NewSQLiteModels returns a model store backed by store.
func NewSQLiteModels(store db.ArtifactStore, reg *ml.Registry) *SQLiteModels {
	return &SQLiteModels{store: store, reg: reg, keep: DefaultKeepVersions}
}

// WithRetention sets how many versions are kept. n <= 0 keeps all.
func (m *SQLiteModels) WithRetention(n int) *SQLiteModels {
	m.keep = n
	return m
}

func (m *SQLiteModels) Load(ctx context.Context) (*ml.Artifact, error) {
	rec, err := m.store.LoadArtifacts(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, err
	}
	a, err := ml.DecodeArtifact(m.reg, rec.Scorer, rec.Scaler)
	if err != nil {
		return nil, fmt.Errorf("decode artifact v%d: %w", rec.Version, err)
	}
	return a, nil
}

func (m *SQLiteModels) Save(ctx context.Context, a *ml.Artifact) error {
	scorer, scaler, err := a.Encode()
	if err != nil {
		return err
	}
	_, err = m.store.SaveArtifacts(ctx, scorer, scaler, db.ArtifactMeta{
		TrainedAt:     a.TrainedAt,
		Contamination: a.Contamination,
		SampleCount:   a.SampleCount,
		Models:        a.ModelIDs(),
	}, m.keep)
	return err
}

// ─── Files ───────────────────────────────────────────────────────────────────

// File names used by FileModels.
const (
	ScorerFile = "scorer.json"
	ScalerFile = "scaler.json"
)

// FileModels stores <dir>/scorer.json and <dir>/scaler.json, plus a
// scorer-<unix>.json and scaler-<unix>.json copy of each saved generation.
// scorer.json is written last and acts as the latest pointer: when the
// scaler next to it belongs to another generation, Load falls back to the
// timestamped scaler of the scorer's own generation.
type FileModels struct {
	dir  string
	reg  *ml.Registry
	keep int
}

// NewFileModels returns a model store rooted at dir.
func NewFileModels(dir string, reg *ml.Registry) *FileModels {
	return &FileModels{dir: dir, reg: reg, keep: DefaultKeepVersions}
}

// WithRetention sets how many timestamped generations are kept. n <= 0
// keeps all.
func (m *FileModels) WithRetention(n int) *FileModels {
	m.keep = n
	return m
}

func historyName(kind string, unix int64) string {
	return fmt.Sprintf("%s-%d.json", kind, unix)
}

func (m *FileModels) Load(_ context.Context) (*ml.Artifact, error) {
	scorer, err := os.ReadFile(filepath.Join(m.dir, ScorerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, err
	}
	scaler, err := os.ReadFile(filepath.Join(m.dir, ScalerFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		a, derr := ml.DecodeArtifact(m.reg, scorer, scaler)
		if !errors.Is(derr, ml.ErrGenerationMismatch) {
			return a, derr
		}
	}
	return m.recoverScaler(scorer)
}

// recoverScaler pairs scorer with the timestamped scaler saved alongside it.
func (m *FileModels) recoverScaler(scorer []byte) (*ml.Artifact, error) {
	st, err := ml.ReadStamp(scorer)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(m.dir, historyName("scaler", st.TrainedAt.Unix()))
	scaler, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no scaler for generation %s: %w", st.Generation, err)
	}
	return ml.DecodeArtifact(m.reg, scorer, scaler)
}

func (m *FileModels) Save(_ context.Context, a *ml.Artifact) error {
	scorer, scaler, err := a.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	trained := a.TrainedAt
	if trained.IsZero() {
		trained = time.Now()
	}
	for _, f := range []struct {
		name string
		data []byte
	}{
		{historyName("scorer", trained.Unix()), scorer},
		{historyName("scaler", trained.Unix()), scaler},
		{ScalerFile, scaler},
		{ScorerFile, scorer},
	} {
		if err := writeAtomic(filepath.Join(m.dir, f.name), f.data); err != nil {
			return err
		}
	}
	// The new generation is in place; leftovers are retried on the next save.
	_ = m.prune()
	return nil
}

// prune removes timestamped generations beyond the newest keep.
func (m *FileModels) prune() error {
	if m.keep <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(m.dir, "scorer-*.json"))
	if err != nil {
		return err
	}
	var stamps []int64
	for _, path := range matches {
		base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "scorer-"), ".json")
		if n, err := strconv.ParseInt(base, 10, 64); err == nil {
			stamps = append(stamps, n)
		}
	}
	if len(stamps) <= m.keep {
		return nil
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] > stamps[j] })
	for _, n := range stamps[m.keep:] {
		for _, kind := range []string{"scorer", "scaler"} {
			if err := os.Remove(filepath.Join(m.dir, historyName(kind, n))); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("prune %s: %w", historyName(kind, n), err)
			}
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
