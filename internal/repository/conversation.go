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

// ConversationRepo — доступ к таблицам conversations и conversation_members.
type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

// ListForUser возвращает диалоги пользователя вместе с числом непрочитанных
// сообщений. Последнее сообщение и участники добиваются отдельными запросами.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	defer logger.DeferLogDuration("ConversationRepo.ListForUser", time.Now())()

	const q = `
		SELECT c.id, c.listing_id, c.created_at,
		       (SELECT count(*) FROM messages m
		         WHERE m.conversation_id = c.id
		           AND m.sender_id <> $1
		           AND m.created_at > cm.last_read_at) AS unread
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = $1
		ORDER BY c.created_at DESC`

	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		var (
			c         model.Conversation
			createdAt time.Time
		)
		if err := rows.Scan(&c.ID, &c.ListingID, &createdAt, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt = createdAt
		c.UpdatedAt = createdAt
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	const q = `SELECT id, listing_id, created_at FROM conversations WHERE id = $1`

	var c model.Conversation
	err := r.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.ListingID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.UpdatedAt = c.CreatedAt
	return &c, nil
}

// Create заводит диалог и его участников в одной транзакции.
func (r *ConversationRepo) Create(ctx context.Context, c *model.Conversation, memberIDs []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, listing_id, created_at) VALUES ($1, $2, $3)`,
		c.ID, c.ListingID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, uid := range memberIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, last_read_at) VALUES ($1, $2, $3)`,
			c.ID, uid, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// FindByListing ищет существующий диалог по объявлению между теми же участниками.
func (r *ConversationRepo) FindByListing(ctx context.Context, listingID, userID, peerID string) (string, error) {
	const q = `
		SELECT c.id FROM conversations c
		WHERE c.listing_id = $1
		  AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $2)
		  AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $3)
		LIMIT 1`

	var id string
	err := r.pool.QueryRow(ctx, q, listingID, userID, peerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find conversation: %w", err)
	}
	return id, nil
}

func (r *ConversationRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	const q = `SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`

	var one int
	err := r.pool.QueryRow(ctx, q, conversationID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return true, nil
}

func (r *ConversationRepo) GetMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	const q = `SELECT user_id FROM conversation_members WHERE conversation_id = $1`

	rows, err := r.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("member ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetParticipants возвращает публичные профили участников диалога.
func (r *ConversationRepo) GetParticipants(ctx context.Context, conversationID string) ([]model.UserPublic, error) {
	const q = `
		SELECT u.id, u.display_name, u.role, u.avatar_url
		FROM conversation_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.conversation_id = $1
		ORDER BY u.display_name`

	rows, err := r.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	defer rows.Close()

	var out []model.UserPublic
	for rows.Next() {
		var (
			p         model.UserPublic
			avatarURL *string
		)
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Role, &avatarURL); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if avatarURL != nil {
			p.AvatarURL = *avatarURL
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ConversationRepo) UpdateMemberLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	const q = `
		UPDATE conversation_members SET last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2`

	_, err := r.pool.Exec(ctx, q, conversationID, userID, at)
	if err != nil {
		return fmt.Errorf("update last_read_at: %w", err)
	}
	return nil
}
