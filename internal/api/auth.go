package api

import (
	"context"
	"net/http"

	"github.com/rentora/internal/model"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	DisplayName string     `json:"display_name"`
	Role        model.Role `json:"role"`
}

// AuthResponse — ответ login/register: токен плюс профиль одним заходом,
// чтобы клиенту не требовался второй запрос за личностью.
type AuthResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// Login обменивает e-mail и пароль на сессию. Токен в клиенте не выставляет —
// это делает session.Store после сохранения учётных данных.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register создаёт учётную запись; пофилдовые ошибки приходят как ValidationError.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout инвалидирует токен на сервере. Вызывается best-effort: локальный
// teardown сессии не зависит от результата.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// Me возвращает профиль владельца токена; AuthError означает, что токен мёртв.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
