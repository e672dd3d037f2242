package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"skywatch/go-telemetry-server/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotReady is returned by every write and query until schema
// initialization has completed. Callers surface it to clients as a
// retryable condition, never as a permanent failure.
var ErrNotReady = errors.New("store not ready")

// Store is the persistence gateway over the SQLite database. It exclusively
// owns the durable collections; every accepted write appends new rows
// (cameras excepted, which update in place by entity id).
type Store struct {
	db    *sql.DB
	ready atomic.Bool
}

// Open initializes the database connection, creating directories as needed.
// The store refuses writes until InitSchema has run.
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
	s.ready.Store(false)
	return s.db.Close()
}

// Ready reports whether the store accepts writes.
func (s *Store) Ready() bool {
	return s.db != nil && s.ready.Load()
}

func (s *Store) ensureReady() error {
	if !s.Ready() {
		return ErrNotReady
	}
	return nil
}

const pointColumns = `device_id, camera_id, time, latitude, longitude, altitude, kind, severity, media_url`

// InitSchema ensures baseline tables exist and marks the store ready.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return ErrNotReady
	}

	pointTable := func(name string) string {
		return `CREATE TABLE IF NOT EXISTS ` + name + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			camera_id TEXT,
			time INTEGER NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			altitude REAL NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			severity TEXT,
			media_url TEXT,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`
	}

	stmts := []string{
		pointTable("my_drones"),
		`CREATE INDEX IF NOT EXISTS idx_my_drones_device_time ON my_drones(device_id, time);`,
		pointTable("opponents"),
		`CREATE INDEX IF NOT EXISTS idx_opponents_device_time ON opponents(device_id, time);`,
		`CREATE TABLE IF NOT EXISTS cameras (
			device_id TEXT PRIMARY KEY,
			name TEXT,
			status TEXT NOT NULL DEFAULT 'inactive',
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			altitude REAL NOT NULL DEFAULT 0,
			direction REAL NOT NULL DEFAULT 0,
			fov REAL NOT NULL DEFAULT 0,
			detection_range REAL NOT NULL DEFAULT 0,
			time INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			camera_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			target_id TEXT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			altitude REAL NOT NULL DEFAULT 0,
			kind TEXT,
			status TEXT,
			confidence REAL,
			image_url TEXT,
			description TEXT,
			time INTEGER NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_detections_camera_time ON detections(camera_id, time);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			origin TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	s.ready.Store(true)
	return nil
}

// AppendPoints bulk-appends classified records to one destination inside a
// single transaction. An empty record list writes nothing and returns 0.
// Camera records are upserted in place by entity id instead of appended.
func (s *Store) AppendPoints(ctx context.Context, dest model.Destination, records []model.PointRecord) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	if dest == model.DestCameras {
		return s.upsertCameras(ctx, records)
	}

	table, err := pointTableName(dest)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+table+` (`+pointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return 0, fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.EntityID,
			nullString(rec.CorrelationID),
			rec.Time,
			rec.Latitude,
			rec.Longitude,
			rec.Altitude,
			string(rec.Kind),
			nullString(rec.Severity),
			nullString(rec.MediaURL),
		); err != nil {
			return 0, fmt.Errorf("append to %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return len(records), nil
}

func (s *Store) upsertCameras(ctx context.Context, records []model.PointRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin camera upsert: %w", err)
	}
	defer tx.Rollback()

	// Status arrives as NULL when the report carried none, so an explicit
	// "inactive" still deactivates a stored camera.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cameras (device_id, name, status, latitude, longitude, altitude, direction, fov, detection_range, time, updated_at)
		 VALUES (?, ?, COALESCE(?, 'inactive'), ?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(device_id)
		 DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE cameras.name END,
			 status = COALESCE(?, cameras.status),
			 latitude = excluded.latitude,
			 longitude = excluded.longitude,
			 altitude = excluded.altitude,
			 direction = excluded.direction,
			 fov = excluded.fov,
			 detection_range = excluded.detection_range,
			 time = excluded.time,
			 updated_at = excluded.updated_at;`)
	if err != nil {
		return 0, fmt.Errorf("prepare camera upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		meta := rec.Camera
		if meta == nil {
			meta = &model.CameraMeta{}
		}
		status := nullString(meta.Status)
		if _, err := stmt.ExecContext(ctx,
			rec.EntityID,
			meta.Name,
			status,
			rec.Latitude,
			rec.Longitude,
			rec.Altitude,
			meta.Direction,
			meta.FOV,
			meta.DetectionRange,
			rec.Time,
			status,
		); err != nil {
			return 0, fmt.Errorf("upsert camera %s: %w", rec.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit camera upsert: %w", err)
	}
	return len(records), nil
}

// InsertDetection appends one detection event row.
func (s *Store) InsertDetection(ctx context.Context, d model.Detection) error {
	if err := s.ensureReady(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (camera_id, device_id, target_id, latitude, longitude, altitude, kind, status, confidence, image_url, description, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		d.CameraID,
		d.DeviceID,
		nullString(d.TargetID),
		d.Latitude,
		d.Longitude,
		d.Altitude,
		nullString(string(d.Kind)),
		nullString(d.Status),
		d.Confidence,
		nullString(d.ImageURL),
		nullString(d.Description),
		d.Time,
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// InsertIngestionError records a payload that failed to decode or validate.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if err := s.ensureReady(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_errors (origin, payload, error) VALUES (?, ?, ?);`,
		e.Origin,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentPoints returns the most recent drone or opponent records, newest
// first, optionally restricted to rows received after since.
func (s *Store) RecentPoints(ctx context.Context, dest model.Destination, limit int, since *time.Time) ([]model.StoredPoint, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	table, err := pointTableName(dest)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + pointColumns + `, received_at FROM ` + table
	var args []interface{}
	if since != nil {
		query += ` WHERE received_at > ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY received_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent points: %w", err)
	}
	defer rows.Close()

	points := make([]model.StoredPoint, 0, limit)
	for rows.Next() {
		var (
			p          model.StoredPoint
			cameraID   sql.NullString
			severity   sql.NullString
			mediaURL   sql.NullString
			kind       string
			receivedAt string
		)
		if err := rows.Scan(&p.EntityID, &cameraID, &p.Time, &p.Latitude, &p.Longitude, &p.Altitude, &kind, &severity, &mediaURL, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		p.CorrelationID = cameraID.String
		p.Kind = model.Kind(kind)
		p.Severity = severity.String
		p.MediaURL = mediaURL.String
		p.ReceivedAt = receivedAt
		points = append(points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate points: %w", err)
	}
	return points, nil
}

// Cameras returns every known camera, most recently updated first.
func (s *Store) Cameras(ctx context.Context) ([]model.PointRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, name, status, latitude, longitude, altitude, direction, fov, detection_range, time
		 FROM cameras ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query cameras: %w", err)
	}
	defer rows.Close()

	var cameras []model.PointRecord
	for rows.Next() {
		var (
			rec  model.PointRecord
			meta model.CameraMeta
			name sql.NullString
		)
		if err := rows.Scan(&rec.EntityID, &name, &meta.Status, &rec.Latitude, &rec.Longitude, &rec.Altitude, &meta.Direction, &meta.FOV, &meta.DetectionRange, &rec.Time); err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		meta.Name = name.String
		rec.Kind = model.KindCamera
		rec.Camera = &meta
		cameras = append(cameras, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cameras: %w", err)
	}
	return cameras, nil
}

// RecentDetections returns the latest detection events, newest first.
func (s *Store) RecentDetections(ctx context.Context, limit int) ([]model.Detection, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT camera_id, device_id, target_id, latitude, longitude, altitude, kind, status, confidence, image_url, description, time
		 FROM detections ORDER BY received_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var detections []model.Detection
	for rows.Next() {
		var (
			d                      model.Detection
			targetID, kind, status sql.NullString
			imageURL, description  sql.NullString
			confidence             sql.NullFloat64
		)
		if err := rows.Scan(&d.CameraID, &d.DeviceID, &targetID, &d.Latitude, &d.Longitude, &d.Altitude, &kind, &status, &confidence, &imageURL, &description, &d.Time); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.TargetID = targetID.String
		d.Kind = model.Kind(kind.String)
		d.Status = status.String
		d.Confidence = confidence.Float64
		d.ImageURL = imageURL.String
		d.Description = description.String
		detections = append(detections, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return detections, nil
}

// Snapshot returns the current map state for a freshly connected client:
// recent drone and opponent points plus every known camera.
func (s *Store) Snapshot(ctx context.Context, limit int) ([]model.PointRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	var snapshot []model.PointRecord
	for _, dest := range []model.Destination{model.DestMyDrones, model.DestOpponents} {
		points, err := s.RecentPoints(ctx, dest, limit, nil)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			snapshot = append(snapshot, p.PointRecord)
		}
	}

	cameras, err := s.Cameras(ctx)
	if err != nil {
		return nil, err
	}
	snapshot = append(snapshot, cameras...)

	return snapshot, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all persisted configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}
	return config, nil
}

// WipeData removes all telemetry while preserving configuration.
func (s *Store) WipeData(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}

	for _, table := range []string{"my_drones", "opponents", "cameras", "detections", "ingestion_errors"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+`;`); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	return nil
}

func pointTableName(dest model.Destination) (string, error) {
	switch dest {
	case model.DestMyDrones:
		return "my_drones", nil
	case model.DestOpponents:
		return "opponents", nil
	default:
		return "", fmt.Errorf("no point table for destination %q", dest)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
