package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rentora/internal/model"
)

// UserRepo — доступ к таблице users.
type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
		INSERT INTO users (id, email, display_name, role, avatar_url, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, q,
		u.ID, u.Email, u.DisplayName, u.Role, u.AvatarURL, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	const q = `
		SELECT id, email, display_name, role, avatar_url, password_hash, created_at
		FROM users WHERE id = $1`

	return r.scanOne(r.pool.QueryRow(ctx, q, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	const q = `
		SELECT id, email, display_name, role, avatar_url, password_hash, created_at
		FROM users WHERE lower(email) = lower($1)`

	return r.scanOne(r.pool.QueryRow(ctx, q, email))
}

func (r *UserRepo) scanOne(row pgx.Row) (*model.User, error) {
	var (
		u         model.User
		avatarURL *string
		createdAt time.Time
	)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &avatarURL, &u.PasswordHash, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if avatarURL != nil {
		u.AvatarURL = *avatarURL
	}
	u.CreatedAt = createdAt
	return &u, nil
}
