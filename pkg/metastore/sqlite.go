package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (CGO_ENABLED=0 compatible)

	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// SQLiteStore is the durable Store backed by a single sqlite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at opts.Path.
func OpenSQLite(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite metadata store requires a path")
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	// One connection serializes writers inside the process and keeps the
	// pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, now: clock(opts)}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}
	if err := s.pinAlgorithm(ctx, opts.Algorithm); err != nil {
		db.Close()
		return nil, err
	}
	plog.Debug("Opened metadata store", "driver", SQLite, "path", opts.Path)
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		name TEXT PRIMARY KEY,
		uuid TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	-- Checksum cache keyed by file identity
	CREATE TABLE IF NOT EXISTS checksums (
		device INTEGER NOT NULL,
		inode INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		PRIMARY KEY (device, inode, mtime)
	);

	-- One archive location per checksum, never rewritten
	CREATE TABLE IF NOT EXISTS archive (
		checksum TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		compressed INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_bucket ON archive(bucket);

	CREATE TABLE IF NOT EXISTS entries (
		run TEXT NOT NULL REFERENCES runs(name),
		path TEXT NOT NULL,
		mtime INTEGER NOT NULL,
		checksum TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_run ON entries(run);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) pinAlgorithm(ctx context.Context, algorithm string) error {
	if algorithm == "" {
		return nil
	}
	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = 'checksum_algorithm'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, "INSERT INTO settings (key, value) VALUES ('checksum_algorithm', ?)", algorithm)
		return err
	case err != nil:
		return fmt.Errorf("failed to read checksum algorithm: %w", err)
	case stored != algorithm:
		return fmt.Errorf("%w: store uses %s, requested %s", ErrChecksumAlgorithmMismatch, stored, algorithm)
	}
	return nil
}

func (s *SQLiteStore) OpenBackupRun(ctx context.Context) (string, error) {
	started := s.now()
	id := uuid.Must(uuid.NewV7()).String()
	for n := 1; ; n++ {
		name := runNameCandidate(started, n)
		res, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO runs (name, uuid, started_at) VALUES (?, ?, ?)",
			name, id, started.UnixNano())
		if err != nil {
			return "", fmt.Errorf("failed to open backup run: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			return name, nil
		}
	}
}

func (s *SQLiteStore) CompleteBackupRun(ctx context.Context, run string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET completed_at = COALESCE(completed_at, ?) WHERE name = ?",
		s.now().UnixNano(), run)
	if err != nil {
		return fmt.Errorf("failed to complete backup run %s: %w", run, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, run)
	}
	return nil
}

func (s *SQLiteStore) LookupChecksum(ctx context.Context, id Identity) (string, bool, error) {
	var checksum string
	err := s.db.QueryRowContext(ctx,
		"SELECT checksum FROM checksums WHERE device = ? AND inode = ? AND mtime = ?",
		int64(id.Device), int64(id.Inode), id.ModTime).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up checksum for %s: %w", id, err)
	}
	return checksum, true, nil
}

func (s *SQLiteStore) RememberChecksum(ctx context.Context, id Identity, checksum string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO checksums (device, inode, mtime, checksum) VALUES (?, ?, ?, ?)",
		int64(id.Device), int64(id.Inode), id.ModTime, checksum)
	if err != nil {
		return fmt.Errorf("failed to remember checksum for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) LookupArchiveDir(ctx context.Context, checksum string) (Location, bool, error) {
	var loc Location
	err := s.db.QueryRowContext(ctx,
		"SELECT bucket, compressed FROM archive WHERE checksum = ?", checksum).Scan(&loc.Bucket, &loc.Compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return Location{}, false, nil
	}
	if err != nil {
		return Location{}, false, fmt.Errorf("failed to look up archive location of %s: %w", checksum, err)
	}
	return loc, true, nil
}

func (s *SQLiteStore) RememberArchiveDir(ctx context.Context, checksum string, loc Location) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO archive (checksum, bucket, compressed) VALUES (?, ?, ?)",
		checksum, loc.Bucket, loc.Compressed)
	if err != nil {
		return fmt.Errorf("failed to remember archive location of %s: %w", checksum, err)
	}
	return nil
}

func (s *SQLiteStore) AddBackupEntry(ctx context.Context, run, path string, modTime int64, checksum string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entries (run, path, mtime, checksum) VALUES (?, ?, ?, ?)",
		run, path, modTime, checksum)
	if err != nil {
		return fmt.Errorf("failed to add backup entry for %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) ArchiveDirUsage(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT bucket, COUNT(*) FROM archive GROUP BY bucket")
	if err != nil {
		return nil, fmt.Errorf("failed to read archive usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int)
	for rows.Next() {
		var bucket string
		var count int
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, err
		}
		usage[bucket] = count
	}
	return usage, rows.Err()
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name, r.uuid, r.started_at, r.completed_at,
		       (SELECT COUNT(*) FROM entries e WHERE e.run = r.name)
		FROM runs r ORDER BY r.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&r.Name, &r.UUID, &started, &completed, &r.Entries); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if completed.Valid {
			r.CompletedAt = time.Unix(0, completed.Int64).UTC()
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
