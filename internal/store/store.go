package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"blunav/positioning-server/internal/model"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound reports a lookup for a missing row.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS beacons (
			id TEXT PRIMARY KEY,
			uuid TEXT NOT NULL,
			major INTEGER NOT NULL,
			minor INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			floor TEXT NOT NULL,
			area_id TEXT NOT NULL,
			power INTEGER NOT NULL,
			interval INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS signal_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			beacon_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signal_readings_client_time ON signal_readings(client_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS position_fixes (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			confidence REAL NOT NULL,
			error REAL NOT NULL,
			algorithm TEXT NOT NULL,
			beacon_count INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_position_fixes_client_time ON position_fixes(client_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			beacon_id TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// InsertSignalReading persists a validated signal reading.
func (s *Store) InsertSignalReading(ctx context.Context, r model.SignalReading) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	recordedAt := r.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO signal_readings (beacon_id, client_id, rssi, recorded_at) VALUES (?, ?, ?, ?);`,
		r.BeaconID,
		r.ClientID,
		r.RSSI,
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert signal reading: %w", err)
	}

	return nil
}

// RecentSignalReadings returns the most recent readings ordered by received time descending.
func (s *Store) RecentSignalReadings(ctx context.Context, limit int, since *time.Time) ([]model.StoredSignalReading, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	query := `SELECT beacon_id, client_id, rssi, recorded_at, received_at FROM signal_readings`
	var args []interface{}
	if since != nil {
		query += ` WHERE received_at > ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent signal readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows, limit)
}

// LatestReadingsForClient returns the newest reading per beacon for one
// tracked client, the input set for a live position fix.
func (s *Store) LatestReadingsForClient(ctx context.Context, clientID string) ([]model.StoredSignalReading, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT beacon_id, client_id, rssi, recorded_at, received_at FROM signal_readings
		 WHERE id IN (
			SELECT MAX(id) FROM signal_readings WHERE client_id = ? GROUP BY beacon_id
		 )
		 ORDER BY beacon_id;`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("query latest readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows, 8)
}

func scanReadings(rows *sql.Rows, sizeHint int) ([]model.StoredSignalReading, error) {
	readings := make([]model.StoredSignalReading, 0, sizeHint)

	for rows.Next() {
		var (
			beaconID      string
			clientID      string
			rssi          int16
			recordedAtStr string
			receivedAtStr string
		)

		if err := rows.Scan(&beaconID, &clientID, &rssi, &recordedAtStr, &receivedAtStr); err != nil {
			return nil, fmt.Errorf("scan signal reading: %w", err)
		}

		recordedAt, _ := time.Parse(time.RFC3339Nano, recordedAtStr)
		receivedAt, _ := time.Parse(time.RFC3339Nano, receivedAtStr)

		readings = append(readings, model.StoredSignalReading{
			SignalReading: model.SignalReading{
				BeaconID:  beaconID,
				ClientID:  clientID,
				RSSI:      rssi,
				Timestamp: recordedAt,
			},
			ReceivedAt: receivedAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal readings: %w", err)
	}

	return readings, nil
}

// InsertPositionFix persists a computed estimate, assigning an id when absent.
func (s *Store) InsertPositionFix(ctx context.Context, fix model.PositionFix) (model.PositionFix, error) {
	if s.db == nil {
		return model.PositionFix{}, fmt.Errorf("store not initialized")
	}

	if fix.ID == "" {
		fix.ID = uuid.NewString()
	}
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO position_fixes (id, client_id, x, y, z, confidence, error, algorithm, beacon_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		fix.ID,
		fix.ClientID,
		fix.X,
		fix.Y,
		fix.Z,
		fix.Confidence,
		fix.Error,
		fix.Algorithm,
		fix.BeaconCount,
		fix.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.PositionFix{}, fmt.Errorf("insert position fix: %w", err)
	}

	return fix, nil
}

// RecentPositionFixes returns the newest fixes for a client, newest first.
func (s *Store) RecentPositionFixes(ctx context.Context, clientID string, limit int) ([]model.PositionFix, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, client_id, x, y, z, confidence, error, algorithm, beacon_count, created_at
		 FROM position_fixes WHERE client_id = ? ORDER BY created_at DESC LIMIT ?;`,
		clientID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query position fixes: %w", err)
	}
	defer rows.Close()

	fixes := make([]model.PositionFix, 0, limit)
	for rows.Next() {
		var (
			fix          model.PositionFix
			createdAtStr string
		)
		if err := rows.Scan(&fix.ID, &fix.ClientID, &fix.X, &fix.Y, &fix.Z, &fix.Confidence, &fix.Error, &fix.Algorithm, &fix.BeaconCount, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan position fix: %w", err)
		}
		fix.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		fixes = append(fixes, fix)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position fixes: %w", err)
	}

	return fixes, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (beacon_id, payload, error) VALUES (?, ?, ?);`,
		e.BeaconID,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// CreateBeacon inserts an inventory record, assigning an id when absent.
func (s *Store) CreateBeacon(ctx context.Context, b model.InventoryBeacon) (model.InventoryBeacon, error) {
	if s.db == nil {
		return model.InventoryBeacon{}, fmt.Errorf("store not initialized")
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := b.Validate(); err != nil {
		return model.InventoryBeacon{}, err
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO beacons (id, uuid, major, minor, x, y, z, floor, area_id, power, interval, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		b.ID, b.UUID, b.Major, b.Minor,
		b.Location.X, b.Location.Y, b.Location.Z, b.Location.Floor, b.Location.AreaID,
		b.Power, b.Interval, b.Status,
	)
	if err != nil {
		return model.InventoryBeacon{}, fmt.Errorf("insert beacon: %w", err)
	}

	return b, nil
}

// GetBeacon loads one inventory record.
func (s *Store) GetBeacon(ctx context.Context, id string) (model.InventoryBeacon, error) {
	if s.db == nil {
		return model.InventoryBeacon{}, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, uuid, major, minor, x, y, z, floor, area_id, power, interval, status FROM beacons WHERE id = ?;`,
		id,
	)

	var b model.InventoryBeacon
	err := row.Scan(&b.ID, &b.UUID, &b.Major, &b.Minor,
		&b.Location.X, &b.Location.Y, &b.Location.Z, &b.Location.Floor, &b.Location.AreaID,
		&b.Power, &b.Interval, &b.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.InventoryBeacon{}, fmt.Errorf("beacon %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.InventoryBeacon{}, fmt.Errorf("get beacon: %w", err)
	}

	return b, nil
}

// ListBeacons returns the whole inventory ordered by id.
func (s *Store) ListBeacons(ctx context.Context) ([]model.InventoryBeacon, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, uuid, major, minor, x, y, z, floor, area_id, power, interval, status FROM beacons ORDER BY id;`,
	)
	if err != nil {
		return nil, fmt.Errorf("query beacons: %w", err)
	}
	defer rows.Close()

	beacons := make([]model.InventoryBeacon, 0, 16)
	for rows.Next() {
		var b model.InventoryBeacon
		if err := rows.Scan(&b.ID, &b.UUID, &b.Major, &b.Minor,
			&b.Location.X, &b.Location.Y, &b.Location.Z, &b.Location.Floor, &b.Location.AreaID,
			&b.Power, &b.Interval, &b.Status); err != nil {
			return nil, fmt.Errorf("scan beacon: %w", err)
		}
		beacons = append(beacons, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beacons: %w", err)
	}

	return beacons, nil
}

// UpdateBeacon replaces an existing inventory record.
func (s *Store) UpdateBeacon(ctx context.Context, b model.InventoryBeacon) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if err := b.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE beacons SET uuid = ?, major = ?, minor = ?, x = ?, y = ?, z = ?, floor = ?, area_id = ?,
		 power = ?, interval = ?, status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?;`,
		b.UUID, b.Major, b.Minor,
		b.Location.X, b.Location.Y, b.Location.Z, b.Location.Floor, b.Location.AreaID,
		b.Power, b.Interval, b.Status, b.ID,
	)
	if err != nil {
		return fmt.Errorf("update beacon: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update beacon: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("beacon %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

// DeleteBeacon removes an inventory record.
func (s *Store) DeleteBeacon(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM beacons WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete beacon: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete beacon: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("beacon %s: %w", id, ErrNotFound)
	}
	return nil
}
