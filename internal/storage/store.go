package storage

import "context"

// TokenStore — хранилище выданных devserver-ом токенов (по jti) и rate limit
// попыток входа. Выданный токен живёт здесь до logout: JWT с валидной подписью,
// но без записи в store, считается отозванным.
// Реализации: redis.Client, memory.Client (по умолчанию, без внешних зависимостей).
type TokenStore interface {
	SetToken(ctx context.Context, tokenID, userID string) error
	// GetToken возвращает userID владельца или "" если токен не выдан/отозван.
	GetToken(ctx context.Context, tokenID string) (string, error)
	DeleteToken(ctx context.Context, tokenID string) error
	CheckLoginRateLimit(ctx context.Context, email string) (allowed bool, err error)
	Close() error
}
