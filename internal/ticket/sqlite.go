package ticket

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// WAL for concurrent reads; busy_timeout so writers wait for the
	// lock instead of failing with SQLITE_BUSY. Passed in the DSN so
	// every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id         TEXT PRIMARY KEY,
			origin     TEXT NOT NULL,
			sequence   INTEGER NOT NULL,
			owner_id   INTEGER NOT NULL,
			username   TEXT NOT NULL DEFAULT '',
			nickname   TEXT NOT NULL DEFAULT '',
			category   TEXT NOT NULL,
			message    TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'open',
			created_at TEXT NOT NULL,
			UNIQUE(origin, sequence)
		);

		CREATE TABLE IF NOT EXISTS counters (
			origin TEXT PRIMARY KEY,
			value  INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_owner ON tickets(owner_id);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(t *protocol.Ticket) error {
	_, err := s.db.Exec(`
		INSERT INTO tickets (id, origin, sequence, owner_id, username, nickname, category, message, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username=excluded.username, nickname=excluded.nickname,
			category=excluded.category, message=excluded.message
	`, t.ID, string(t.Origin), t.Sequence, t.OwnerID, t.Username, t.Nickname,
		t.Category, t.Message, string(t.Status), t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ticket store: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT id, origin, sequence, owner_id, username, nickname, category, message, status, created_at FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) List(filter Filter) ([]*protocol.Ticket, error) {
	query := "SELECT id, origin, sequence, owner_id, username, nickname, category, message, status, created_at FROM tickets WHERE 1=1"
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Origin != "" {
		query += " AND origin = ?"
		args = append(args, string(filter.Origin))
	}
	if filter.OwnerID != 0 {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	query += " ORDER BY created_at DESC, sequence DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(id string, status protocol.TicketStatus) error {
	result, err := s.db.Exec(`UPDATE tickets SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("ticket store: update status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	}
	return nil
}

// NextSequence bumps the durable counter for origin in a single statement.
// SQLite serializes writers, so the returned value is unique even under
// concurrent callers, and the write is on disk before the value is handed
// out.
func (s *SQLiteStore) NextSequence(origin protocol.Origin) (uint64, error) {
	var value uint64
	err := s.db.QueryRow(`
		INSERT INTO counters (origin, value) VALUES (?, 1)
		ON CONFLICT(origin) DO UPDATE SET value = value + 1
		RETURNING value
	`, string(origin)).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("ticket store: next sequence: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Stats() (map[protocol.Origin]uint64, error) {
	rows, err := s.db.Query(`SELECT origin, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("ticket store: stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[protocol.Origin]uint64)
	for rows.Next() {
		var origin string
		var value uint64
		if err := rows.Scan(&origin, &value); err != nil {
			return nil, fmt.Errorf("ticket store: stats scan: %w", err)
		}
		stats[protocol.Origin(origin)] = value
	}
	return stats, rows.Err()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var origin, status, createdAt string
	err := row.Scan(&t.ID, &origin, &t.Sequence, &t.OwnerID, &t.Username,
		&t.Nickname, &t.Category, &t.Message, &status, &createdAt)
	if err != nil {
		return nil, err
	}
	t.Origin = protocol.Origin(origin)
	t.Status = protocol.TicketStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}
