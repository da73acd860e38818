package services

import (
	"context"
	"fmt"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements the Store interface on a PostgreSQL database. Messages belong to a user row, which
// is created on the user's first message.
type Postgres struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         text PRIMARY KEY,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id         uuid PRIMARY KEY,
	user_id    text NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	role       text NOT NULL CHECK (role IN ('user', 'assistant')),
	content    text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS messages_user_created_idx ON messages (user_id, created_at);
`

// NewPostgres connects to the database at databaseURL and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string) (Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return Postgres{}, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return Postgres{}, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return Postgres{}, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return Postgres{}, fmt.Errorf("migrate schema: %w", err)
	}

	return Postgres{pool: pool}, nil
}

// Close closes every connection in the pool.
func (p Postgres) Close() error {
	p.pool.Close()
	return nil
}

// AddMessage inserts the message for the user, creating the user row if needed.
func (p Postgres) AddMessage(ctx context.Context, userID string, message models.StoredMessage) (string, error) {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO users (id) VALUES ($1)
			ON CONFLICT (id) DO UPDATE SET updated_at = now()
		`, userID); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, user_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, message.ID, userID, string(message.Role), message.Content, message.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return message.ID, nil
}

// Messages returns the user's messages, oldest first.
func (p Postgres) Messages(ctx context.Context, userID string) ([]models.StoredMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, user_id, role, content, created_at
		FROM messages
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.StoredMessage{}
	for rows.Next() {
		var (
			msg  models.StoredMessage
			role string
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
