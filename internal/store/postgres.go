package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quill-chat/quill/internal/chat"
)

const (
	keyConversations = "conversations"
	keyCurrentID     = "current_conversation_id"
)

// PostgresStore persists chat state in PostgreSQL as a two-key table, the
// same substrate shape the browser client used: one key for the full
// conversation mapping, one for the current-conversation pointer. Both
// keys are written in a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS quill_state (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (map[string]chat.Conversation, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM quill_state WHERE key=$1`, keyConversations,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]chat.Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	var all map[string]chat.Conversation
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrCorruptState, err)
	}
	if all == nil {
		all = map[string]chat.Conversation{}
	}
	return all, nil
}

func (s *PostgresStore) Save(ctx context.Context, all map[string]chat.Conversation, currentID string) error {
	rawAll, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode conversations: %w", err)
	}
	rawCurrent, err := json.Marshal(currentID)
	if err != nil {
		return fmt.Errorf("encode current id: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `INSERT INTO quill_state (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := tx.Exec(ctx, upsert, keyConversations, rawAll); err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	if _, err := tx.Exec(ctx, upsert, keyCurrentID, rawCurrent); err != nil {
		return fmt.Errorf("save current id: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *PostgresStore) CurrentID(ctx context.Context) (string, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM quill_state WHERE key=$1`, keyCurrentID,
	).Scan(&raw)
	if err == nil {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: %v", chat.ErrCorruptState, err)
		}
		if id != "" {
			return id, nil
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("load current id: %w", err)
	}

	id := uuid.NewString()
	rawID, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("encode current id: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO quill_state (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		keyCurrentID, rawID)
	if err != nil {
		return "", fmt.Errorf("persist current id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
