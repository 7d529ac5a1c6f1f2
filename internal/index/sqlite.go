package index

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nugget/tlsight/internal/events"
)

// SQLite is the opt-in persisted Index: a single migrated table, plain
// database/sql queries, no ORM. Unlike Ring it survives a restart,
// trading that durability for a disk write per Add.
type SQLite struct {
	db       *sql.DB
	capacity int
}

// NewSQLite opens (creating if necessary) a SQLite-backed index at
// dbPath. A non-positive capacity is replaced with DefaultCapacity;
// Add prunes the oldest rows once the table exceeds it.
func NewSQLite(dbPath string, capacity int) (*SQLite, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	db, err := sql.Open(driverName, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	s := &SQLite{db: db, capacity: capacity}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index db: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			pid INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			payload_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
		CREATE INDEX IF NOT EXISTS idx_events_pid ON events(pid);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`)
	return err
}

// Add implements Index. Errors are not returned (Index.Add has no
// error return, matching Ring); a failed insert is silently dropped,
// since the index is a best-effort lookup aid, not a durability
// guarantee for the pipeline itself.
func (s *SQLite) Add(e events.Event) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}
	_, _ = s.db.Exec(`
		INSERT INTO events (id, source, event_type, pid, timestamp, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.Source, eventType(e), e.Int64Field("pid"), e.Timestamp, string(payload))

	s.prune()
}

func (s *SQLite) prune() {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&total); err != nil || total <= s.capacity {
		return
	}
	s.db.Exec(`
		DELETE FROM events WHERE seq IN (
			SELECT seq FROM events ORDER BY seq ASC LIMIT ?
		)
	`, total-s.capacity)
}

func (s *SQLite) query(where string, args ...any) ([]events.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, source, timestamp, payload_json FROM events WHERE `+where+` ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var idStr, source, payloadJSON string
		var ts int64
		if err := rows.Scan(&idStr, &source, &ts, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("unmarshal index payload: %w", err)
		}
		id, _ := uuid.Parse(idStr)
		out = append(out, events.Event{ID: id, Timestamp: ts, Source: source, Payload: payload})
	}
	return out, rows.Err()
}

// BySource implements Index.
func (s *SQLite) BySource(source string) ([]events.Event, error) {
	return s.query("source = ?", source)
}

// ByEventType implements Index.
func (s *SQLite) ByEventType(key string) ([]events.Event, error) {
	return s.query("event_type = ?", key)
}

// ByPID implements Index.
func (s *SQLite) ByPID(pid int64) ([]events.Event, error) {
	return s.query("pid = ?", pid)
}

// ByTimeRange implements Index.
func (s *SQLite) ByTimeRange(start, end int64) ([]events.Event, error) {
	return s.query("timestamp >= ? AND timestamp <= ?", start, end)
}

// Len implements Index.
func (s *SQLite) Len() int {
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n
}

// Close implements Index.
func (s *SQLite) Close() error { return s.db.Close() }
