package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS layer_files (
	key         TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	layer_id    TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	data        BLOB NOT NULL,
	size        INTEGER NOT NULL,
	uploaded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_layer_files_project ON layer_files(project_id);
`

// SQLiteStore keeps blobs in a single table. Writes are upserts, so a reader
// sees either the old or the new content of a key.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Blob, error) {
	b := &Blob{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, data, size, uploaded_at FROM layer_files WHERE key = ?`, key,
	).Scan(&b.Name, &b.Data, &b.Size, &b.UploadedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) Put(ctx context.Context, b Blob) error {
	projectID, layerID, ok := SplitKey(b.Key)
	if !ok {
		return fmt.Errorf("malformed key %q", b.Key)
	}
	if b.UploadedAt.IsZero() {
		b.UploadedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO layer_files (key, project_id, layer_id, name, data, size, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			data = excluded.data,
			size = excluded.size,
			uploaded_at = excluded.uploaded_at
	`, b.Key, projectID, layerID, b.Name, b.Data, len(b.Data), b.UploadedAt)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM layer_files WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, projectID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM layer_files WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete project: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) List(ctx context.Context, projectID string) ([]Blob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, name, size, uploaded_at FROM layer_files WHERE project_id = ? ORDER BY key`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var out []Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.Key, &b.Name, &b.Size, &b.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
