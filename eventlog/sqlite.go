package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bazelment/yoloswe/agentd/universal"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists events in a SQLite database (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// SessionRow summarizes one stored session.
type SessionRow struct {
	First    time.Time
	Last     time.Time
	ID       string
	LastType universal.EventType
	Events   int
}

// OpenSQLite opens (or creates) the database at path and applies
// migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; the pool serializes access.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Append implements Store. Re-appending a stored event is a no-op.
func (s *SQLiteStore) Append(ctx context.Context, ev universal.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (event_id, session_id, sequence, type, time, body) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.SessionID, ev.Sequence, string(ev.Type), ev.Time.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) ([]universal.Event, error) {
	return s.query(ctx, `SELECT body FROM events ORDER BY session_id, sequence`)
}

// Events returns one session's events with sequence greater than offset.
func (s *SQLiteStore) Events(ctx context.Context, sessionID string, offset int64) ([]universal.Event, error) {
	return s.query(ctx, `SELECT body FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence`, sessionID, offset)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]universal.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []universal.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev universal.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Sessions summarizes every stored session, most recent first.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.session_id, COUNT(*), MIN(e.time), MAX(e.time),
		       (SELECT type FROM events l WHERE l.session_id = e.session_id ORDER BY l.sequence DESC LIMIT 1)
		FROM events e
		GROUP BY e.session_id
		ORDER BY MAX(e.time) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			r           SessionRow
			first, last string
			lastType    string
		)
		if err := rows.Scan(&r.ID, &r.Events, &first, &last, &lastType); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.First, _ = time.Parse(time.RFC3339Nano, first)
		r.Last, _ = time.Parse(time.RFC3339Nano, last)
		r.LastType = universal.EventType(lastType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
