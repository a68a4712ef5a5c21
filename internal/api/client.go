// Package api — тонкий REST-клиент бэкенда Rentora. Все мутации (отправка
// сообщений, typing) идут через него; realtime-транспорт только доставляет
// события обратно.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken задаёт bearer-токен для последующих запросов. Пустая строка сбрасывает.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token возвращает текущий bearer-токен.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// do выполняет запрос и декодирует ответ в out (если out != nil).
// Статусы отображаются в таксономию ошибок: 401 → AuthError, 400/422 →
// ValidationError, 404 → NotFoundError, остальное и ошибки транспорта → NetworkError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api %s %s: marshal: %w", method, path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("api %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Op: method + " " + path, Err: fmt.Errorf("decode: %w", err)}
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &AuthError{Message: eb.Error}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ValidationError{Message: eb.Error, Fields: eb.Fields}
	case http.StatusNotFound:
		return &NotFoundError{Message: eb.Error}
	default:
		msg := eb.Error
		if msg == "" {
			msg = resp.Status
		}
		return &NetworkError{Op: method + " " + path, Err: errors.New(msg)}
	}
}
