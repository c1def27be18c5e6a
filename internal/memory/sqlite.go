package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore persists memories in a SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	s := newSQLiteStore(db)
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE(role, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_role ON memories(role)",
		"CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Save upserts an entry keyed by (role, key).
func (s *SQLiteStore) Save(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	tags, err := encodeTags(e.Tags)
	if err != nil {
		return Entry{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, role, key, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(role, key) DO UPDATE SET
			content = excluded.content,
			tags = excluded.tags,
			created_at = excluded.created_at
	`, e.ID, e.Role, e.Key, e.Content, tags, e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("save memory: %w", err)
	}
	return e, nil
}

// Recall returns entries whose key, content, or tags contain the query,
// newest first.
func (s *SQLiteStore) Recall(ctx context.Context, roles []string, query string, limit int) ([]Entry, error) {
	where, args := roleClause(roles)
	if query != "" {
		pattern := "%" + escapeLike(query) + "%"
		where = append(where, `(key LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	return s.query(ctx, where, args, clampLimit(limit))
}

// List returns entries newest first.
func (s *SQLiteStore) List(ctx context.Context, roles []string, limit int) ([]Entry, error) {
	where, args := roleClause(roles)
	return s.query(ctx, where, args, clampLimit(limit))
}

func (s *SQLiteStore) query(ctx context.Context, where []string, args []any, limit int) ([]Entry, error) {
	q := "SELECT id, role, key, content, tags, created_at FROM memories"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tags sql.NullString
		if err := rows.Scan(&e.ID, &e.Role, &e.Key, &e.Content, &tags, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
				return nil, fmt.Errorf("decode tags: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func roleClause(roles []string) (where []string, args []any) {
	if roles == nil {
		return nil, nil
	}
	if len(roles) == 0 {
		// An empty visibility set matches nothing.
		return []string{"1 = 0"}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")
	where = []string{"role IN (" + placeholders + ")"}
	for _, r := range roles {
		args = append(args, r)
	}
	return where, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func encodeTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode tags: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
