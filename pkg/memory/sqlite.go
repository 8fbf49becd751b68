// Package memory persists persona memories in a local SQLite database.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

// timeLayout sorts lexically in creation order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a memory id does not exist.
var ErrNotFound = errors.New("memory not found")

// SQLiteStore implements commentary.MemoryStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ commentary.MemoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
// The path ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS persona_memories (
		id          TEXT PRIMARY KEY,
		persona_id  TEXT NOT NULL,
		kind        TEXT NOT NULL DEFAULT 'general',
		content     TEXT NOT NULL,
		game_name   TEXT,
		importance  INTEGER NOT NULL DEFAULT 3,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_persona_memories_recall
		ON persona_memories(persona_id, importance DESC, created_at DESC);
	`)
	return err
}

// Remember stores m and returns it with its id and creation time filled in.
func (s *SQLiteStore) Remember(ctx context.Context, m commentary.Memory) (commentary.Memory, error) {
	if m.PersonaID == "" {
		return commentary.Memory{}, errors.New("memory: persona id is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if m.ID == "" {
		m.ID = ulid.MustNew(ulid.Timestamp(m.CreatedAt), ulid.DefaultEntropy()).String()
	}
	if m.Kind == "" {
		m.Kind = commentary.MemoryGeneral
	}

	var game *string
	if m.GameName != "" {
		game = &m.GameName
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persona_memories (id, persona_id, kind, content, game_name, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PersonaID, string(m.Kind), m.Content, game, m.Importance, m.CreatedAt.Format(timeLayout))
	if err != nil {
		return commentary.Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

// Recall returns up to limit memories for a persona, most important first and
// newest first within equal importance. A limit <= 0 returns all of them.
func (s *SQLiteStore) Recall(ctx context.Context, personaID string, limit int) ([]commentary.Memory, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, persona_id, kind, content, game_name, importance, created_at
		 FROM persona_memories
		 WHERE persona_id = ?
		 ORDER BY importance DESC, created_at DESC, id DESC
		 LIMIT ?`, personaID, limit)
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	return collect(rows)
}

// List returns the newest memories across all personas, or for one persona
// when personaID is set.
func (s *SQLiteStore) List(ctx context.Context, personaID string, limit int) ([]commentary.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, persona_id, kind, content, game_name, importance, created_at
		FROM persona_memories`
	args := []any{}
	if personaID != "" {
		query += ` WHERE persona_id = ?`
		args = append(args, personaID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return collect(rows)
}

// Forget deletes a memory by id.
func (s *SQLiteStore) Forget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM persona_memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of memories stored per persona.
func (s *SQLiteStore) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona_id, COUNT(*) FROM persona_memories GROUP BY persona_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func collect(rows *sql.Rows) ([]commentary.Memory, error) {
	defer rows.Close()
	var out []commentary.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemory(rows *sql.Rows) (commentary.Memory, error) {
	var m commentary.Memory
	var kind, createdAt string
	var game sql.NullString
	if err := rows.Scan(&m.ID, &m.PersonaID, &kind, &m.Content, &game, &m.Importance, &createdAt); err != nil {
		return m, err
	}
	m.Kind = commentary.MemoryKind(kind)
	if game.Valid {
		m.GameName = game.String
	}
	m.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return m, nil
}
