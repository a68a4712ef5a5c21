package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/model"
)

// MessageRepo — доступ к таблице messages.
type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// Create вставляет сообщение. Повторная вставка с тем же id (ретрай клиента
// с одинаковым send_key) не ошибка: возвращается уже сохранённая запись.
func (r *MessageRepo) Create(ctx context.Context, m *model.Message) (*model.Message, error) {
	const q = `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	ct, err := r.pool.Exec(ctx, q, m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.GetByID(ctx, m.ID)
	}
	return m, nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	const q = `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
		       u.id, u.display_name, u.role, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`

	m, err := scanMessage(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListByConversation возвращает страницу истории в хронологическом порядке
// (старые раньше новых), смещение считается от конца.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*model.Message, error) {
	defer logger.DeferLogDuration("MessageRepo.ListByConversation", time.Now())()

	const q = `
		SELECT * FROM (
			SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
			       u.id, u.display_name, u.role, u.avatar_url
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2 OFFSET $3
		) page ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, q, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetLast возвращает последнее сообщение диалога или nil, если их нет.
func (r *MessageRepo) GetLast(ctx context.Context, conversationID string) (*model.Message, error) {
	const q = `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
		       u.id, u.display_name, u.role, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1`

	m, err := scanMessage(r.pool.QueryRow(ctx, q, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m         model.Message
		sender    model.UserPublic
		avatarURL *string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt,
		&sender.ID, &sender.DisplayName, &sender.Role, &avatarURL)
	if err != nil {
		return nil, err
	}
	if avatarURL != nil {
		sender.AvatarURL = *avatarURL
	}
	m.Sender = &sender
	return &m, nil
}
