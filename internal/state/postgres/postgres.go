package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"almacenpos/terminal/internal/state"
)

type Store struct {
	db       *sql.DB
	terminal string
}

// New opens the pool, pings it and makes sure terminal_state exists. Rows
// are scoped by terminalID so a shop database can hold every till's cart.
func New(ctx context.Context, databaseURL string, terminalID string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS terminal_state (
			terminal_id TEXT NOT NULL,
			state_key TEXT NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (terminal_id, state_key)
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if terminalID == "" {
		terminalID = "default"
	}
	return &Store{db: db, terminal: terminalID}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, state.ErrEmptyKey
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM terminal_state WHERE terminal_id = $1 AND state_key = $2
	`, s.terminal, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return state.ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_state (terminal_id, state_key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (terminal_id, state_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, s.terminal, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return state.ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM terminal_state WHERE terminal_id = $1 AND state_key = $2`, s.terminal, key)
	return err
}
