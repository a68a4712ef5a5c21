package model

import "time"

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
	Sender         *UserPublic `json:"sender,omitempty"`
}

// TypingEvent — эфемерный сигнал "пользователь печатает" в рамках одной переписки.
// Не хранится: living-набор на клиенте истекает через typingTTL, если не пришло
// явное isTyping=false.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
	IsTyping       bool   `json:"is_typing"`
}
