package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// Point and buffer timestamps are stored as unix nanoseconds so range scans
// compare integers.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS points (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    measurement TEXT NOT NULL,
    fields      TEXT NOT NULL DEFAULT '{}',
    ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_points_measurement_ts ON points(measurement, ts DESC);

CREATE TABLE IF NOT EXISTS buffer_samples (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    buffer      TEXT NOT NULL,
    cpu         REAL NOT NULL,
    memory      REAL NOT NULL,
    network     REAL NOT NULL,
    ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buffer_samples_buffer ON buffer_samples(buffer, id DESC);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS model_artifacts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    version     INTEGER NOT NULL,
    name        TEXT NOT NULL CHECK(name IN ('scorer', 'scaler')),
    data        BLOB NOT NULL,
    meta        TEXT NOT NULL DEFAULT '{}',
    created_at  DATETIME NOT NULL,
    UNIQUE(version, name)
);
CREATE INDEX IF NOT EXISTS idx_model_artifacts_version ON model_artifacts(version DESC);

CREATE TABLE IF NOT EXISTS training_runs (
    id          TEXT PRIMARY KEY,
    experiment  TEXT NOT NULL DEFAULT '',
    params      TEXT NOT NULL DEFAULT '{}',
    metrics     TEXT NOT NULL DEFAULT '{}',
    started_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_training_runs_started_at ON training_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_training_runs_experiment ON training_runs(experiment);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Points ──────────────────────────────────────────────────────────────────

func (s *sqliteStore) WritePoint(ctx context.Context, p models.Point) error {
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO points(measurement, fields, ts) VALUES(?,?,?)`,
		p.Measurement, string(fields), ts.UnixNano())
	if err != nil {
		return fmt.Errorf("insert point: %w", err)
	}
	return nil
}

func (s *sqliteStore) LatestPoint(ctx context.Context, measurement string, since time.Time) (*models.Point, error) {
	query := `SELECT measurement, fields, ts FROM points WHERE measurement = ?`
	args := []any{measurement}
	if !since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, since.UnixNano())
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT 1`

	p, err := scanPoint(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqliteStore) QueryPoints(ctx context.Context, measurement string, from, to time.Time, limit int) ([]models.Point, error) {
	query := `SELECT measurement, fields, ts FROM points WHERE measurement = ?`
	args := []any{measurement}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY ts ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func scanPoint(row rowScanner) (*models.Point, error) {
	var (
		p      models.Point
		fields string
		ts     int64
	)
	if err := row.Scan(&p.Measurement, &fields, &ts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	p.Time = fromNanos(ts)
	return &p, nil
}

// ─── Buffers ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendSample(ctx context.Context, buffer string, smp models.Sample, capacity int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO buffer_samples(buffer, cpu, memory, network, ts) VALUES(?,?,?,?,?)`,
		buffer, smp.CPU, smp.Memory, smp.Network, toNanos(smp.Timestamp))
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	if capacity > 0 {
		_, err = tx.ExecContext(ctx, `
            DELETE FROM buffer_samples
            WHERE buffer = ? AND id NOT IN (
                SELECT id FROM buffer_samples WHERE buffer = ? ORDER BY id DESC LIMIT ?
            )`, buffer, buffer, capacity)
		if err != nil {
			return fmt.Errorf("trim buffer %s: %w", buffer, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadSamples(ctx context.Context, buffer string, limit int) ([]models.Sample, error) {
	query := `SELECT cpu, memory, network, ts FROM (
        SELECT id, cpu, memory, network, ts FROM buffer_samples WHERE buffer = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	query += `) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, buffer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Sample
	for rows.Next() {
		var (
			smp models.Sample
			ts  int64
		)
		if err := rows.Scan(&smp.CPU, &smp.Memory, &smp.Network, &ts); err != nil {
			return nil, err
		}
		smp.Timestamp = fromNanos(ts)
		result = append(result, smp)
	}
	return result, rows.Err()
}

func (s *sqliteStore) ClearSamples(ctx context.Context, buffer string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM buffer_samples WHERE buffer = ?`, buffer)
	return err
}

// ─── Model artifacts ─────────────────────────────────────────────────────────

func (s *sqliteStore) SaveArtifacts(ctx context.Context, scorer, scaler []byte, meta ArtifactMeta, keep int) (int64, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encode meta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM model_artifacts`).Scan(&version); err != nil {
		return 0, fmt.Errorf("next artifact version: %w", err)
	}
	now := time.Now().UTC()
	for _, row := range []struct {
		name string
		data []byte
	}{
		{ArtifactScorer, scorer},
		{ArtifactScaler, scaler},
	} {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO model_artifacts(version, name, data, meta, created_at)
            VALUES(?,?,?,?,?)
        `, version, row.name, row.data, string(metaJSON), now)
		if err != nil {
			return 0, fmt.Errorf("insert %s artifact: %w", row.name, err)
		}
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM model_artifacts WHERE version <= ?`, version-int64(keep)); err != nil {
			return 0, fmt.Errorf("prune artifacts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *sqliteStore) LoadArtifacts(ctx context.Context) (*ArtifactRecord, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
        SELECT version FROM model_artifacts
        GROUP BY version HAVING COUNT(DISTINCT name) = 2
        ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest artifact version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, data, meta, created_at FROM model_artifacts WHERE version = ?`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rec := &ArtifactRecord{Version: version}
	for rows.Next() {
		var name, meta, ts string
		var data []byte
		if err := rows.Scan(&name, &data, &meta, &ts); err != nil {
			return nil, err
		}
		switch name {
		case ArtifactScorer:
			rec.Scorer = data
		case ArtifactScaler:
			rec.Scaler = data
		}
		if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
			return nil, fmt.Errorf("decode artifact meta: %w", err)
		}
		rec.CreatedAt, _ = parseTime(ts)
	}
	return rec, rows.Err()
}

func (s *sqliteStore) ListArtifactVersions(ctx context.Context, limit int) ([]*ArtifactRecord, error) {
	query := `SELECT version, meta, created_at FROM model_artifacts WHERE name = 'scorer' ORDER BY version DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ArtifactRecord
	for rows.Next() {
		rec := &ArtifactRecord{}
		var meta, ts string
		if err := rows.Scan(&rec.Version, &meta, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
			return nil, fmt.Errorf("decode artifact meta: %w", err)
		}
		rec.CreatedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Training runs ───────────────────────────────────────────────────────────

func (s *sqliteStore) AppendRun(ctx context.Context, rec *RunRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO training_runs(id, experiment, params, metrics, started_at)
        VALUES(?,?,?,?,?)
    `, rec.ID, rec.Experiment, string(params), string(metrics), rec.StartedAt.UTC())
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, experiment string, limit int) ([]*RunRecord, error) {
	query := `SELECT id, experiment, params, metrics, started_at FROM training_runs WHERE 1=1`
	args := []any{}
	if experiment != "" {
		query += ` AND experiment = ?`
		args = append(args, experiment)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var params, metrics, ts string
		if err := rows.Scan(&rec.ID, &rec.Experiment, &params, &metrics, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		rec.StartedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// toNanos maps the zero time to 0 so it survives a round trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
