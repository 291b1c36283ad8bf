package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxloop/voxloop/pkg/chat"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Ping probes the pool, for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// ownedTx loads the conversation header inside tx, distinguishing unknown
// ids from ids owned by someone else.
func (p *Postgres) ownedTx(ctx context.Context, tx pgx.Tx, id, ownerID string) (*chat.Conversation, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, owner_id, title, model, system_prompt, created_at, updated_at
		FROM conversations WHERE id = $1`, id)

	var conv chat.Conversation
	err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.Model, &conv.SystemPrompt, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if conv.OwnerID != ownerID {
		return nil, errForbidden
	}
	return &conv, nil
}

func (p *Postgres) Get(ctx context.Context, id, ownerID string) (*chat.Conversation, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := p.ownedTx(ctx, tx, id, ownerID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, role, text, created_at, truncated, attachments
		FROM messages WHERE conversation_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			msg     chat.Message
			rawAtts []byte
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Text, &msg.Timestamp, &msg.Truncated, &rawAtts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(rawAtts, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments for message %s: %w", msg.ID, err)
		}
		if len(msg.Attachments) == 0 {
			msg.Attachments = nil
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return conv, nil
}

func (p *Postgres) Create(ctx context.Context, ownerID string, first chat.Message, opts CreateOptions) (*chat.Conversation, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var conv chat.Conversation
	row := tx.QueryRow(ctx, `
		INSERT INTO conversations (owner_id, title, model, system_prompt)
		VALUES ($1, '', $2, $3)
		RETURNING id, owner_id, title, model, system_prompt, created_at, updated_at`,
		ownerID, opts.Model, opts.SystemPrompt)
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.Model, &conv.SystemPrompt, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	if err := insertMessage(ctx, tx, conv.ID, first); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	conv.Messages = []chat.Message{first}
	return &conv, nil
}

func (p *Postgres) AppendExchange(ctx context.Context, id, ownerID string, userMsg, assistantMsg chat.Message, isFirstExchange bool) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := p.ownedTx(ctx, tx, id, ownerID); err != nil {
		return err
	}
	if !isFirstExchange {
		if err := insertMessage(ctx, tx, id, userMsg); err != nil {
			return err
		}
	}
	if err := insertMessage(ctx, tx, id, assistantMsg); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, conversationID string, msg chat.Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []chat.Attachment{}
	}
	payload, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments for message %s: %w", msg.ID, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, text, created_at, truncated, attachments)
		VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $2), $3, $4, $5, $6, $7)`,
		msg.ID, conversationID, msg.Role, msg.Text, ts, msg.Truncated, payload)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateTitle(ctx context.Context, id, ownerID, title string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE conversations SET title = $1, updated_at = now()
		WHERE id = $2 AND owner_id = $3`, title, id, ownerID)
	if err != nil {
		return fmt.Errorf("update title %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id, ownerID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := p.ownedTx(ctx, tx, id, ownerID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("delete messages %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (p *Postgres) ListRecent(ctx context.Context, ownerID string, limit int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_id, title, model, system_prompt, created_at, updated_at
		FROM conversations WHERE owner_id = $1
		ORDER BY updated_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		var conv chat.Conversation
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.Model, &conv.SystemPrompt, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}
