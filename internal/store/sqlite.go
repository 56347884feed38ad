package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

// SQLiteStore keeps each user's blob in a single row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// A single writer keeps saves serialized at the database level too.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS reminders (
		user_id    TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, userID string, events model.EventSet) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}

	data, err := Marshal(events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO reminders (user_id, payload, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		userID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save reminders for user %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, userID string) model.EventSet {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM reminders WHERE user_id = ?`, userID).Scan(&payload)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			appLog.Error("load reminders failed", err, "user", userID)
		}
		return model.EventSet{}
	}

	events, err := Unmarshal([]byte(payload))
	if err != nil {
		appLog.Error("decode reminders failed", err, "user", userID)
		return model.EventSet{}
	}
	return events
}

func (s *SQLiteStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM reminders ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
