package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rentora/internal/model"
)

// Conversations возвращает переписки пользователя, отсортированные сервером
// по свежести (updated_at по убыванию).
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var resp struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// Messages возвращает историю переписки в хронологическом порядке.
func (c *Client) Messages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?limit=%d&offset=%d", conversationID, limit, offset)
	var resp struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

type sendMessageRequest struct {
	Content string `json:"content"`
	// SendKey — клиентский ключ идемпотентности: сервер использует его как id
	// сообщения, поэтому оптимистичная вставка и live-эхо всегда совпадают по id.
	SendKey string `json:"send_key,omitempty"`
}

// SendMessage отправляет сообщение. Сервер сохраняет его и ретранслирует
// остальным подписчикам канала переписки; сам ответ содержит созданное сообщение.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, sendKey string) (*model.Message, error) {
	var m model.Message
	path := "/api/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, sendMessageRequest{Content: content, SendKey: sendKey}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// Typing — fire-and-forget сигнал "печатает"; ошибки игнорируются вызывающим.
func (c *Client) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	path := "/api/conversations/" + conversationID + "/typing"
	return c.do(ctx, http.MethodPost, path, typingRequest{IsTyping: isTyping}, nil)
}

// MarkRead сбрасывает счётчик непрочитанного при открытии переписки.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/read", nil, nil)
}

type channelAuthRequest struct {
	SocketID string `json:"socket_id"`
	Channel  string `json:"channel"`
}

type channelAuthResponse struct {
	Auth string `json:"auth"`
}

// AuthorizeChannel авторизует подписку на приватный канал conversation.{id}:
// сервер проверяет, что владелец токена — участник переписки, и возвращает
// подпись, которую транспорт примет в кадре subscribe.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error) {
	var resp channelAuthResponse
	err := c.do(ctx, http.MethodPost, "/api/realtime/auth", channelAuthRequest{SocketID: socketID, Channel: channel}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Auth, nil
}
