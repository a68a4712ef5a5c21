package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/model"
	"github.com/rentora/internal/repository"
	"github.com/rentora/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrRateLimited        = errors.New("too many login attempts")
)

// AuthService выдаёт и проверяет токены доступа. Токен — JWT с jti,
// который дополнительно регистрируется в TokenStore: logout удаляет jti,
// и подписанный, но отозванный токен перестаёт приниматься.
type AuthService struct {
	users  *repository.UserRepo
	tokens storage.TokenStore
	secret []byte
	ttl    time.Duration
}

func NewAuthService(users *repository.UserRepo, tokens storage.TokenStore, secret string, ttl time.Duration) *AuthService {
	return &AuthService{
		users:  users,
		tokens: tokens,
		secret: []byte(secret),
		ttl:    ttl,
	}
}

func (s *AuthService) Register(ctx context.Context, email, password, displayName string, role model.Role) (*model.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, "", err
	}

	token, err := s.issueToken(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	logger.Infof("registered user %s (%s)", u.ID, u.Role)
	return u, token, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	allowed, err := s.tokens.CheckLoginRateLimit(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if !allowed {
		return nil, "", ErrRateLimited
	}

	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.issueToken(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Logout отзывает токен. Невалидный токен не ошибка: сессии уже нет.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return nil
	}
	return s.tokens.DeleteToken(ctx, claims.ID)
}

// ValidateToken проверяет подпись, срок и что jti не отозван.
// Возвращает id пользователя.
func (s *AuthService) ValidateToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", ErrTokenInvalid
	}
	userID, err := s.tokens.GetToken(ctx, claims.ID)
	if err != nil {
		return "", err
	}
	if userID == "" || userID != claims.Subject {
		return "", ErrTokenInvalid
	}
	return userID, nil
}

func (s *AuthService) issueToken(ctx context.Context, userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if err := s.tokens.SetToken(ctx, claims.ID, userID); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

func (s *AuthService) parse(token string) (*jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// ChannelSignature подписывает пару socket_id:channel. Подпись отдаётся
// клиенту эндпоинтом авторизации каналов и предъявляется в кадре subscribe.
func (s *AuthService) ChannelSignature(socketID, channel string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(socketID + ":" + channel))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *AuthService) VerifyChannelSignature(socketID, channel, auth string) bool {
	want := s.ChannelSignature(socketID, channel)
	return hmac.Equal([]byte(want), []byte(auth))
}
