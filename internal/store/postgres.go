// Package store provides the PostgreSQL persistence layer for duolog: staff
// user records, translation sessions, and the durable message projection of
// finalized turns.
//
// The in-memory turn log remains the authoritative live view; rows written
// here are the write-once durable record. [Migrate] is idempotent and safe to
// run on every application start.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the duolog tables. Execute it via [Store.Migrate]
// or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id          TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
    id                UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id           TEXT         NOT NULL REFERENCES users (id),
    started_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    staff_language    TEXT         NOT NULL,
    visitor_language  TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id);

CREATE TABLE IF NOT EXISTS messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  UUID         NOT NULL REFERENCES sessions (id),
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    language    TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages (session_id);
`

// StaffUser is a durable identity record for a staff member, keyed by their
// validated SI token.
type StaffUser struct {
	ID        string
	CreatedAt time.Time
}

// Session binds a staff user to one staff/visitor language pairing for the
// duration of a login. Sessions are immutable once created.
type Session struct {
	ID              string
	UserID          string
	StartedAt       time.Time
	StaffLanguage   string
	VisitorLanguage string
}

// Message is the write-once persisted projection of a finalized turn.
type Message struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists users, sessions, and messages in PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	db DB
}

// New creates a Store over the given database connection or pool. The caller
// is responsible for calling [Store.Migrate] to ensure the schema exists
// before issuing queries (the [Connect] helper does both).
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL, creating the tables and indexes if they
// do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// GetUser looks up a staff user by ID. It returns (nil, nil) when no user
// with the given ID exists.
func (s *Store) GetUser(ctx context.Context, id string) (*StaffUser, error) {
	const query = `SELECT id, created_at FROM users WHERE id = $1`

	var u StaffUser
	err := s.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get user %q: %w", id, err)
	}
	return &u, nil
}

// ErrDuplicateUser reports that a user with the same ID already exists. It is
// returned by [Store.CreateUser] on a unique-violation so that callers can
// recover from concurrent first-time creation by re-querying.
var ErrDuplicateUser = errors.New("user already exists")

// CreateUser inserts a new staff user record. A concurrent insert of the
// same ID surfaces as [ErrDuplicateUser].
func (s *Store) CreateUser(ctx context.Context, id string) (*StaffUser, error) {
	const query = `INSERT INTO users (id) VALUES ($1) RETURNING id, created_at`

	var u StaffUser
	err := s.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("store: create user %q: %w", id, ErrDuplicateUser)
		}
		return nil, fmt.Errorf("store: create user %q: %w", id, err)
	}
	return &u, nil
}

// CreateSession inserts a session binding userID to the given language pair
// and returns the generated session ID.
func (s *Store) CreateSession(ctx context.Context, userID, staffLanguage, visitorLanguage string) (string, error) {
	const query = `
		INSERT INTO sessions (user_id, staff_language, visitor_language)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id string
	err := s.db.QueryRow(ctx, query, userID, staffLanguage, visitorLanguage).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: create session for %q: %w", userID, err)
	}
	return id, nil
}

// InsertMessage appends a finalized turn to the messages table. Messages are
// write-once; there is no update or delete path.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	const query = `
		INSERT INTO messages (session_id, role, content, language)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.Exec(ctx, query, m.SessionID, m.Role, m.Content, m.Language)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// ListMessages returns all persisted messages for a session in arrival order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	const query = `
		SELECT session_id, role, content, language, created_at
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.SessionID, &m.Role, &m.Content, &m.Language, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
