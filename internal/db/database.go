package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/codeshare/internal/room"
)

// ErrVersionNotFound is returned when a version lookup yields no results.
var ErrVersionNotFound = errors.New("version not found")

var _ room.Store = (*Database)(nil)

type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

type Version struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Language    string    `json:"language"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"` // Auto-saved vs manual
}

type Stats struct {
	RoomCount    int
	VersionCount int
}

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	logger = logger.With(zap.String("component", "database"))
	logger.Info("database initialized", zap.String("path", dbPath))
	return &Database{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		language TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC);

	CREATE TABLE IF NOT EXISTS room_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_versions_room_id ON room_versions(room_id);
	CREATE INDEX IF NOT EXISTS idx_room_versions_created_at ON room_versions(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks that the database is reachable.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// ContentHash is the short fingerprint used to skip duplicate versions.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

// Room operations

func (d *Database) CreateRoomRecord(ctx context.Context, rec room.Record) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, language, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Language, rec.Content, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting room %s: %w", rec.ID, err)
	}
	return nil
}

func (d *Database) FindRoomRecord(ctx context.Context, id string) (room.Record, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, language, content, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var rec room.Record
	err := row.Scan(&rec.ID, &rec.Language, &rec.Content, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return room.Record{}, room.ErrRoomNotFound
	}
	if err != nil {
		return room.Record{}, fmt.Errorf("reading room %s: %w", id, err)
	}
	return rec, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]room.Record, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, language, content, created_at, updated_at FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []room.Record
	for rows.Next() {
		var rec room.Record
		if err := rows.Scan(&rec.ID, &rec.Language, &rec.Content, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, rec)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes a room and, by cascade, its versions.
func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return room.ErrRoomNotFound
	}
	return nil
}

// UpsertSnapshot stores the room's latest content and appends an automatic
// version when the content differs from the newest version.
func (d *Database) UpsertSnapshot(ctx context.Context, id, content, language string, at time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning snapshot: %w", err)
	}
	defer tx.Rollback()

	at = at.UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, language, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			language = excluded.language,
			content = excluded.content,
			updated_at = excluded.updated_at
	`, id, language, content, at, at)
	if err != nil {
		return fmt.Errorf("upserting room %s: %w", id, err)
	}

	hash := ContentHash(content)
	var latest string
	err = tx.QueryRowContext(ctx,
		"SELECT content_hash FROM room_versions WHERE room_id = ? ORDER BY id DESC LIMIT 1",
		id,
	).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading latest version of %s: %w", id, err)
	}

	if latest != hash {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_versions (room_id, name, description, content, language, content_hash, created_by, is_auto, created_at)
			VALUES (?, ?, '', ?, ?, ?, '', TRUE, ?)
		`, id, fmt.Sprintf("Auto-save %s", at.Format("Jan 2, 3:04 PM")), content, language, hash, at)
		if err != nil {
			return fmt.Errorf("recording version of %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

// Version operations

const versionColumns = "id, room_id, name, description, content, language, content_hash, created_by, is_auto, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(s scanner) (*Version, error) {
	var v Version
	err := s.Scan(&v.ID, &v.RoomID, &v.Name, &v.Description, &v.Content, &v.Language, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVersion saves a new version of the document
func (d *Database) CreateVersion(ctx context.Context, v Version) (*Version, error) {
	if v.ContentHash == "" {
		v.ContentHash = ContentHash(v.Content)
	}
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO room_versions (room_id, name, description, content, language, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.RoomID, v.Name, v.Description, v.Content, v.Language, v.ContentHash, v.CreatedBy, v.IsAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetVersion(ctx, int(id))
}

// GetVersion retrieves a specific version by ID
func (d *Database) GetVersion(ctx context.Context, id int) (*Version, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+versionColumns+" FROM room_versions WHERE id = ?", id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	return v, err
}

// ListVersions returns versions for a room, newest first
func (d *Database) ListVersions(ctx context.Context, roomID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM room_versions
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (d *Database) GetVersionCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_versions WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// GetLatestVersion returns the most recent version for a room
func (d *Database) GetLatestVersion(ctx context.Context, roomID string) (*Version, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM room_versions
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, roomID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	return v, err
}

func (d *Database) DeleteVersion(ctx context.Context, id int) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM room_versions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrVersionNotFound
	}
	return nil
}

// PruneAutoVersions removes old auto-saved versions of every room, keeping the
// most recent keepCount per room. It returns the number of rows removed.
func (d *Database) PruneAutoVersions(ctx context.Context, keepCount int) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM room_versions
		WHERE is_auto = TRUE AND id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY room_id ORDER BY id DESC) AS rn
				FROM room_versions
				WHERE is_auto = TRUE
			) WHERE rn <= ?
		)
	`, keepCount)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats

func (d *Database) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&stats.RoomCount); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_versions").Scan(&stats.VersionCount); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
