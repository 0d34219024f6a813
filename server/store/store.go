package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/san-kum/traffic-cv/server/counting"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a stream has no stored session.
var ErrNotFound = errors.New("not found")

// Store persists per-stream vehicle count buckets in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// SessionSummary is the stored record of one stream session.
type SessionSummary struct {
	StreamID  string     `json:"stream_id"`
	StartedAt time.Time  `json:"started_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Frames    int        `json:"frames"`
	Vehicles  int        `json:"vehicles"`
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Count store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}

	// m is not closed: closing it would close the shared *sql.DB
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (s *Store) Version() (uint, error) {
	var version uint
	err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// RecordCounts adds counts to the stream's bucket starting at bucketStart.
// Repeated calls for the same bucket accumulate.
func (s *Store) RecordCounts(ctx context.Context, streamID string, bucketStart time.Time, counts counting.Counts) error {
	if len(counts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vehicle_counts (stream_id, bucket_start, class, count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_id, bucket_start, class)
		DO UPDATE SET count = count + excluded.count, updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare count insert: %w", err)
	}
	defer stmt.Close()

	start := bucketStart.UTC().Unix()
	for class, n := range counts {
		if n == 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, streamID, start, class.String(), n); err != nil {
			return fmt.Errorf("failed to record %s count: %w", class, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit counts: %w", err)
	}
	return nil
}

// Series returns the stream's stored buckets at or after since, oldest
// first. An empty class sums every class.
func (s *Store) Series(ctx context.Context, streamID, class string, since time.Time) ([]counting.Point, error) {
	query := `
		SELECT bucket_start, SUM(count)
		FROM vehicle_counts
		WHERE stream_id = ? AND bucket_start >= ?`
	args := []any{streamID, since.UTC().Unix()}
	if class != "" {
		query += ` AND class = ?`
		args = append(args, class)
	}
	query += ` GROUP BY bucket_start ORDER BY bucket_start`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var points []counting.Point
	for rows.Next() {
		var start int64
		var count int
		if err := rows.Scan(&start, &count); err != nil {
			return nil, fmt.Errorf("failed to scan series row: %w", err)
		}
		points = append(points, counting.Point{Timestamp: time.Unix(start, 0).UTC(), Count: count})
	}
	return points, rows.Err()
}

// Totals returns the stream's stored counts per class.
func (s *Store) Totals(ctx context.Context, streamID string) (counting.Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT class, SUM(count)
		FROM vehicle_counts
		WHERE stream_id = ?
		GROUP BY class`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	totals := make(counting.Counts)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan totals row: %w", err)
		}
		var class counting.VehicleClass
		if err := class.UnmarshalText([]byte(name)); err != nil {
			s.logger.Warn("Skipping stored count with unknown class",
				zap.String("stream_id", streamID),
				zap.String("class", name))
			continue
		}
		totals[class] = n
	}
	return totals, rows.Err()
}

// RecordSession inserts or replaces the summary of a stream session.
func (s *Store) RecordSession(ctx context.Context, sum SessionSummary) error {
	var closed sql.NullInt64
	if sum.ClosedAt != nil {
		closed = sql.NullInt64{Int64: sum.ClosedAt.UTC().Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_sessions (stream_id, started_at, closed_at, frames, vehicles)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (stream_id)
		DO UPDATE SET closed_at = excluded.closed_at, frames = excluded.frames, vehicles = excluded.vehicles`,
		sum.StreamID, sum.StartedAt.UTC().Unix(), closed, sum.Frames, sum.Vehicles)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sum.StreamID, err)
	}
	return nil
}

func (s *Store) Session(ctx context.Context, streamID string) (SessionSummary, error) {
	var (
		sum     SessionSummary
		started int64
		closed  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, started_at, closed_at, frames, vehicles
		FROM stream_sessions
		WHERE stream_id = ?`, streamID).
		Scan(&sum.StreamID, &started, &closed, &sum.Frames, &sum.Vehicles)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionSummary{}, fmt.Errorf("session %s: %w", streamID, ErrNotFound)
	}
	if err != nil {
		return SessionSummary{}, fmt.Errorf("failed to read session %s: %w", streamID, err)
	}

	sum.StartedAt = time.Unix(started, 0).UTC()
	if closed.Valid {
		t := time.Unix(closed.Int64, 0).UTC()
		sum.ClosedAt = &t
	}
	return sum, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrateLogger adapts zap to migrate.Logger.
type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Sugar().Debugf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
