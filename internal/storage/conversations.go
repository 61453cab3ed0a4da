package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opal-net/opal/internal/model"
)

const conversationColumns = `id, title, messages, plan, sources, created_at, updated_at`

// GetConversation returns a conversation by ID, or ErrNotFound.
func (db *DB) GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return conv, nil
}

// SaveConversation upserts a conversation in a single durable write.
// All mutations of one orchestration turn (messages, plan, sources, title)
// land together; updated_at is stamped by the database. Concurrent jobs
// on the same conversation can deadlock against each other, so the
// write retries on transient conflicts.
func (db *DB) SaveConversation(ctx context.Context, c model.Conversation) error {
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO conversations (id, title, messages, plan, sources)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				messages = EXCLUDED.messages,
				plan = EXCLUDED.plan,
				sources = EXCLUDED.sources,
				updated_at = now()`,
			c.ID, c.Title, c.Messages, c.Plan, c.Sources,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save conversation: %w", err)
	}
	return nil
}

// ListConversations returns conversations ordered newest-updated-first,
// plus the total count for pagination.
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM conversations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count conversations: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 ORDER BY updated_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, total, rows.Err()
}

// RenameConversation updates only the title. Returns ErrNotFound for
// unknown IDs.
func (db *DB) RenameConversation(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`,
		id, title,
	)
	if err != nil {
		return fmt.Errorf("storage: rename conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation. Returns ErrNotFound for
// unknown IDs.
func (db *DB) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.Title, &c.Messages, &c.Plan, &c.Sources, &c.CreatedAt, &c.UpdatedAt)
	if c.Messages == nil {
		c.Messages = []model.Message{}
	}
	if c.Sources == nil {
		c.Sources = []model.Source{}
	}
	return c, err
}
