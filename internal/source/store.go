package source

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/internal/db"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// Store reads points from the local SQLite time-series tables. It is also a
// Writer, so predictions land next to the telemetry they describe.
type Store struct {
	points db.PointStore
	now    func() time.Time
}

// NewStore wraps a point store.
func NewStore(points db.PointStore) *Store {
	return &Store{points: points, now: time.Now}
}

func (s *Store) Latest(ctx context.Context, measurement string, window time.Duration) (*models.Point, error) {
	var since time.Time
	if window > 0 {
		since = s.now().Add(-window)
	}
	p, err := s.points.LatestPoint(ctx, measurement, since)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoData
	}
	return p, err
}

func (s *Store) WritePoint(ctx context.Context, p models.Point) error {
	return s.points.WritePoint(ctx, p)
}
