package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"locomote/internal/model"
	"locomote/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements the Store interface using SQLite. Each origin
// gets its own database file; the full record JSON is kept in a blob
// column with the structural fields extracted for the secondary indexes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the
// appropriate PRAGMAs. Exported for tools and tests that need a properly
// configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The sync engine is the single writer but the request path reads
	// concurrently; WAL keeps readers unblocked during refresh.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// indexColumn maps an index name to its backing column.
func indexColumn(index string) (string, error) {
	switch index {
	case IndexPath:
		return "path", nil
	case IndexCategory:
		return "category", nil
	case IndexStatus:
		return "status", nil
	case IndexCommit:
		return "commit_hash", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}
}

func (s *SQLiteStore) Read(ctx context.Context, path string) (*model.FileRecord, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT record FROM files WHERE path = ?", path).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading record %s: %w", path, err)
	}
	return decodeRecord(raw)
}

func (s *SQLiteStore) ReadAll(ctx context.Context, paths []string) ([]*model.FileRecord, error) {
	result := make([]*model.FileRecord, len(paths))
	for i, path := range paths {
		rec, err := s.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		result[i] = rec
	}
	return result, nil
}

func (s *SQLiteStore) Write(ctx context.Context, rec *model.FileRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.Path, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (path, category, status, commit_hash, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			category    = excluded.category,
			status      = excluded.status,
			commit_hash = excluded.commit_hash,
			record      = excluded.record`,
		rec.Path, rec.Category, string(rec.Status), rec.Commit, raw)
	if err != nil {
		return fmt.Errorf("writing record %s: %w", rec.Path, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE path = ?", path); err != nil {
		return fmt.Errorf("deleting record %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) OpenCursor(ctx context.Context, index string, c Constraint) (Cursor, error) {
	col, err := indexColumn(index)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s, path FROM files", col)
	var args []any
	switch t := c.(type) {
	case Equals:
		query += fmt.Sprintf(" WHERE %s = ?", col)
		args = append(args, t.Value)
	case Range:
		sep := " WHERE"
		if t.From != "" {
			query += fmt.Sprintf("%s %s >= ?", sep, col)
			args = append(args, t.From)
			sep = " AND"
		}
		if t.To != "" {
			query += fmt.Sprintf("%s %s <= ?", sep, col)
			args = append(args, t.To)
		}
	case Prefix:
		query += fmt.Sprintf(" WHERE %s >= ?", col)
		args = append(args, t.Value)
	case nil:
		// Unconstrained scan.
	default:
		return nil, fmt.Errorf("unsupported constraint %T", c)
	}
	query += fmt.Sprintf(" ORDER BY %s, path", col)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("opening cursor on %s: %w", index, err)
	}
	return &rowsCursor{rows: rows}, nil
}

func (s *SQLiteStore) Count(ctx context.Context, index string, key string) (int, error) {
	col, err := indexColumn(index)
	if err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM files WHERE %s = ?", col)
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s=%s: %w", index, key, err)
	}
	return n, nil
}

func (s *SQLiteStore) ForEach(ctx context.Context, index string, key string, fn func(*model.FileRecord) error) error {
	col, err := indexColumn(index)
	if err != nil {
		return err
	}

	// Collect matching records before invoking callbacks, so that a
	// callback may write back to the store without a statement open.
	query := fmt.Sprintf("SELECT record FROM files WHERE %s = ? ORDER BY %s, path", col, col)
	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("scanning %s=%s: %w", index, key, err)
	}
	var recs []*model.FileRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return fmt.Errorf("scanning record: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("scanning %s=%s: %w", index, key, err)
	}
	rows.Close()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func decodeRecord(raw []byte) (*model.FileRecord, error) {
	var rec model.FileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding stored record: %w", err)
	}
	return &rec, nil
}

// rowsCursor adapts a sql.Rows result set to the Cursor interface.
type rowsCursor struct {
	rows *sql.Rows
	key  string
	pk   string
}

func (c *rowsCursor) Next() (bool, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return false, fmt.Errorf("advancing cursor: %w", err)
		}
		return false, nil
	}
	if err := c.rows.Scan(&c.key, &c.pk); err != nil {
		return false, fmt.Errorf("scanning cursor row: %w", err)
	}
	return true, nil
}

func (c *rowsCursor) Key() string {
	return c.key
}

func (c *rowsCursor) PrimaryKey() string {
	return c.pk
}

func (c *rowsCursor) Close() error {
	return c.rows.Close()
}

// Compile-time check that SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
