package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	captured_at TIMESTAMP NOT NULL,
	data        BLOB NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS index_entries (
	document_id TEXT PRIMARY KEY,
	model_id    TEXT NOT NULL,
	vector      BLOB NOT NULL,
	snippet     TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "docsort.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent pipelines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveCheckpoint(ctx context.Context, cp *document.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, state, captured_at, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, data = excluded.data, updated_at = excluded.updated_at`,
		cp.ID, cp.State.String(), cp.Capture.CapturedAt.UTC(), data, cp.UpdatedAt.UTC())
	return wrap("save checkpoint", cp.ID, err)
}

func (s *SQLite) Checkpoint(ctx context.Context, id string) (*document.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("load checkpoint", id, err)
	}
	var cp document.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

func (s *SQLite) Checkpoints(ctx context.Context) ([]*document.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM checkpoints`)
	if err != nil {
		return nil, wrap("list checkpoints", "", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*document.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("list checkpoints", "", err)
		}
		var cp document.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list checkpoints", "", err)
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *SQLite) SaveRecord(ctx context.Context, rec document.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, category, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET category = excluded.category, data = excluded.data, updated_at = excluded.updated_at`,
		rec.ID, rec.Classification.Category, data, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return wrap("save record", rec.ID, err)
}

func (s *SQLite) Record(ctx context.Context, id string) (document.Record, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Record{}, ErrNotFound
	}
	if err != nil {
		return document.Record{}, wrap("load record", id, err)
	}
	var rec document.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return document.Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLite) Records(ctx context.Context) ([]document.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM records`)
	if err != nil {
		return nil, wrap("list records", "", err)
	}
	defer func() { _ = rows.Close() }()
	var out []document.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("list records", "", err)
		}
		var rec document.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list records", "", err)
	}
	sortRecords(out)
	return out, nil
}

const upsertEntry = `
	INSERT INTO index_entries (document_id, model_id, vector, snippet, updated_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(document_id) DO UPDATE SET model_id = excluded.model_id, vector = excluded.vector,
		snippet = excluded.snippet, updated_at = excluded.updated_at`

func (s *SQLite) PutEntry(ctx context.Context, e document.IndexEntry) error {
	_, err := s.db.ExecContext(ctx, upsertEntry,
		e.DocumentID, e.ModelID, encodeVector(e.Vector), e.Snippet, e.UpdatedAt.UTC())
	return wrap("put index entry", e.DocumentID, err)
}

func (s *SQLite) DeleteEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM index_entries WHERE document_id = ?`, id)
	return wrap("delete index entry", id, err)
}

func (s *SQLite) Entries(ctx context.Context) ([]document.IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, model_id, vector, snippet, updated_at FROM index_entries ORDER BY document_id`)
	if err != nil {
		return nil, wrap("list index entries", "", err)
	}
	defer func() { _ = rows.Close() }()
	var out []document.IndexEntry
	for rows.Next() {
		var (
			e    document.IndexEntry
			blob []byte
			at   time.Time
		)
		if err := rows.Scan(&e.DocumentID, &e.ModelID, &blob, &e.Snippet, &at); err != nil {
			return nil, wrap("list index entries", "", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode vector %s: %w", e.DocumentID, err)
		}
		e.Vector = vec
		e.UpdatedAt = at
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list index entries", "", err)
	}
	return out, nil
}

func (s *SQLite) ReplaceEntries(ctx context.Context, entries []document.IndexEntry, modelID string) error {
	return s.inTx(ctx, "replace index", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_entries`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, upsertEntry)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, e.DocumentID, e.ModelID, encodeVector(e.Vector),
				e.Snippet, e.UpdatedAt.UTC()); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, MetaEmbeddingModel, modelID)
		return err
	})
}

func (s *SQLite) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, wrap("load meta", key, err)
}

func (s *SQLite) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return wrap("save meta", key, err)
}

func (s *SQLite) DeleteDocument(ctx context.Context, id string) error {
	return s.inTx(ctx, "delete document", func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM index_entries WHERE document_id = ?`,
			`DELETE FROM records WHERE id = ?`,
			`DELETE FROM checkpoints WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, "", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrap(op, "", err)
	}
	return wrap(op, "", tx.Commit())
}

// wrap turns a database failure into a retryable StorageError.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &document.StorageError{Op: op, Path: key, Err: err}
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
