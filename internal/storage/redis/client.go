package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Токен живёт в Redis 30 дней (logout удаляет раньше); rate limit входа —
// 20 попыток / 10 минут на email.
const (
	TokenTTL        = 30 * 24 * 3600
	LoginRateWindow = 600
	LoginRateMax    = 20
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetToken сохраняет владельца токена по ключу token:{jti}.
func (c *Client) SetToken(ctx context.Context, tokenID, userID string) error {
	return c.cli.Set(ctx, "token:"+tokenID, userID, TokenTTL*time.Second).Err()
}

// GetToken возвращает userID владельца; отсутствие ключа — не ошибка (токен отозван).
func (c *Client) GetToken(ctx context.Context, tokenID string) (string, error) {
	val, err := c.cli.Get(ctx, "token:"+tokenID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) DeleteToken(ctx context.Context, tokenID string) error {
	return c.cli.Del(ctx, "token:"+tokenID).Err()
}

// CheckLoginRateLimit инкрементирует счётчик login:{email} с TTL окна.
func (c *Client) CheckLoginRateLimit(ctx context.Context, email string) (bool, error) {
	key := "login:" + email
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	if n == 1 {
		if err := c.cli.Expire(ctx, key, LoginRateWindow*time.Second).Err(); err != nil {
			return false, fmt.Errorf("redis expire: %w", err)
		}
	}
	return n <= LoginRateMax, nil
}
