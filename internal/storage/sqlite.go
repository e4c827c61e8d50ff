package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kensaku/internal/models"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

// SQLiteStore implements SpanStore using SQLite. State survives between sessions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, kerr.Wrap(err, kerr.CodeStoreDatabaseFailure, "failed to open database", kerr.FieldPath(dbPath))
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, kerr.Wrap(err, kerr.CodeStoreDatabaseFailure, "failed to enable WAL")
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, kerr.Wrap(err, kerr.CodeStoreDatabaseFailure, "failed to initialize schema")
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		name TEXT,
		file_type TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		modified_at INTEGER NOT NULL DEFAULT 0,
		span_count INTEGER NOT NULL DEFAULT 0,
		skipped_spans INTEGER NOT NULL DEFAULT 0,
		last_seen_version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_files_last_seen ON files(last_seen_version);

	CREATE TABLE IF NOT EXISTS spans (
		file_path TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		kind TEXT NOT NULL,
		name TEXT,
		language TEXT,
		content TEXT NOT NULL,
		dependencies TEXT,
		embedding_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (file_path, start_line),
		FOREIGN KEY (file_path) REFERENCES files(path) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_spans_embedding ON spans(embedding_id);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertFileSpans replaces the file row and its spans in one transaction.
func (s *SQLiteStore) UpsertFileSpans(ctx context.Context, file *models.ProjectFile, spans []*models.StoredSpan, version uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbFailure(err, "begin upsert")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM spans WHERE file_path = ?`, file.Path); err != nil {
		return dbFailure(err, "retire spans")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (path, name, file_type, size, modified_at, span_count, skipped_spans, last_seen_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			name = excluded.name, file_type = excluded.file_type, size = excluded.size,
			modified_at = excluded.modified_at, span_count = excluded.span_count,
			skipped_spans = excluded.skipped_spans, last_seen_version = excluded.last_seen_version`,
		file.Path, file.Name, file.FileType, file.Size, toUnixNano(file.ModifiedAt), len(spans), file.SkippedSpans, int64(version),
	)
	if err != nil {
		return dbFailure(err, "upsert file")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spans (file_path, start_line, end_line, kind, name, language, content, dependencies, embedding_id, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return dbFailure(err, "prepare span insert")
	}
	defer stmt.Close()

	for _, sp := range spans {
		deps, err := json.Marshal(sp.Dependencies)
		if err != nil {
			return fmt.Errorf("failed to marshal dependencies: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, file.Path, sp.StartLine, sp.EndLine, string(sp.Kind), sp.Name,
			sp.Language, sp.Content, string(deps), sp.EmbeddingID, int64(version)); err != nil {
			return dbFailure(err, "insert span")
		}
	}
	if err := tx.Commit(); err != nil {
		return dbFailure(err, "commit upsert")
	}
	return nil
}

// RemoveFile deletes the file row; spans follow through the cascade.
func (s *SQLiteStore) RemoveFile(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbFailure(err, "begin remove")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM spans WHERE file_path = ?`, path); err != nil {
		return dbFailure(err, "remove spans")
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return dbFailure(err, "remove file")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(path)
	}
	if err := tx.Commit(); err != nil {
		return dbFailure(err, "commit remove")
	}
	return nil
}

const spanColumns = `file_path, start_line, end_line, kind, name, language, content, dependencies, embedding_id, version`

// SpansForFile returns the file's spans ordered by start line. The file lookup and the span
// rows are read in one transaction so they agree.
func (s *SQLiteStore) SpansForFile(ctx context.Context, path string) ([]*models.StoredSpan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbFailure(err, "begin read")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM files WHERE path = ?`, path).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(path)
	}
	if err != nil {
		return nil, dbFailure(err, "lookup file")
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+spanColumns+` FROM spans WHERE file_path = ? ORDER BY start_line`, path)
	if err != nil {
		return nil, dbFailure(err, "query spans")
	}
	defer rows.Close()

	spans := []*models.StoredSpan{}
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, dbFailure(err, "iterate spans")
	}
	return spans, nil
}

func (s *SQLiteStore) GetSpan(ctx context.Context, path string, startLine int) (*models.StoredSpan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+spanColumns+` FROM spans WHERE file_path = ? AND start_line = ?`, path, startLine)
	sp, err := scanSpan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerr.New(kerr.CodeFileNotFound, "span not found", kerr.FieldPath(path), kerr.Field("start_line", startLine))
	}
	return sp, err
}

const fileColumns = `path, name, file_type, size, modified_at, span_count, skipped_spans, last_seen_version`

func (s *SQLiteStore) GetFile(ctx context.Context, path string) (*models.ProjectFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(path)
	}
	return f, err
}

func (s *SQLiteStore) AllFiles(ctx context.Context) ([]*models.ProjectFile, error) {
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files ORDER BY path`)
}

func (s *SQLiteStore) Touch(ctx context.Context, path string, version uint64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE files SET last_seen_version = ? WHERE path = ?`, int64(version), path)
	if err != nil {
		return dbFailure(err, "touch file")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(path)
	}
	return nil
}

func (s *SQLiteStore) StaleFiles(ctx context.Context, belowVersion uint64) ([]*models.ProjectFile, error) {
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE last_seen_version < ? ORDER BY path`, int64(belowVersion))
}

func (s *SQLiteStore) queryFiles(ctx context.Context, query string, args ...any) ([]*models.ProjectFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbFailure(err, "query files")
	}
	defer rows.Close()

	files := []*models.ProjectFile{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, dbFailure(err, "iterate files")
	}
	return files, nil
}

// CountFiles returns the total number of files.
func (s *SQLiteStore) CountFiles(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&count); err != nil {
		return 0, dbFailure(err, "count files")
	}
	return count, nil
}

// CountSpans returns the total number of spans.
func (s *SQLiteStore) CountSpans(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spans`).Scan(&count); err != nil {
		return 0, dbFailure(err, "count spans")
	}
	return count, nil
}

func (s *SQLiteStore) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbFailure(err, "read meta")
	}
	return value, true, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return dbFailure(err, "write meta")
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbFailure(err, "begin clear")
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM spans`, `DELETE FROM files`, `DELETE FROM meta`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return dbFailure(err, "clear")
		}
	}
	if err := tx.Commit(); err != nil {
		return dbFailure(err, "commit clear")
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (*models.StoredSpan, error) {
	var sp models.StoredSpan
	var kind string
	var name, language, deps sql.NullString
	var version int64
	err := row.Scan(&sp.FilePath, &sp.StartLine, &sp.EndLine, &kind, &name, &language,
		&sp.Content, &deps, &sp.EmbeddingID, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbFailure(err, "scan span")
	}
	sp.Kind = models.SpanKind(kind)
	sp.Name = name.String
	sp.Language = language.String
	sp.Version = uint64(version)
	if deps.Valid && deps.String != "" && deps.String != "null" {
		if err := json.Unmarshal([]byte(deps.String), &sp.Dependencies); err != nil {
			return nil, kerr.Wrap(err, kerr.CodeEntryCorrupt, "failed to unmarshal dependencies", kerr.FieldPath(sp.FilePath))
		}
	}
	return &sp, nil
}

func scanFile(row rowScanner) (*models.ProjectFile, error) {
	var f models.ProjectFile
	var name, fileType sql.NullString
	var modified, version int64
	err := row.Scan(&f.Path, &name, &fileType, &f.Size, &modified, &f.SpanCount, &f.SkippedSpans, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbFailure(err, "scan file")
	}
	f.Name = name.String
	f.FileType = fileType.String
	f.ModifiedAt = fromUnixNano(modified)
	f.LastSeenVersion = uint64(version)
	return &f, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func dbFailure(err error, op string) error {
	return kerr.Wrap(err, kerr.CodeStoreDatabaseFailure, op)
}
