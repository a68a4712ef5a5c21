package realtime

import (
	"encoding/json"
	"fmt"
)

// Wire protocol of the realtime transport. The same frames are spoken by the
// client manager here and by the devserver hub, so the types live in one place.

type EventType string

const (
	// Server → client.
	EventConnectionEstablished EventType = "connection_established"
	EventSubscribed            EventType = "subscribed"
	EventMessageSent           EventType = "message_sent"
	EventUserTyping            EventType = "user_typing"
	EventError                 EventType = "error"

	// Client → server. Control frames only: application writes always go
	// through REST, the transport is delivery-only.
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
)

// CloseCodeAuthFailure — код закрытия для мёртвого/отозванного токена.
// Отличается от сетевых обрывов: по нему клиент не ретраится, а разлогинивается.
const CloseCodeAuthFailure = 4009

type Frame struct {
	Type    EventType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Auth    string          `json:"auth,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame собирает кадр с сериализованным payload.
func NewFrame(t EventType, channel string, payload any) (Frame, error) {
	f := Frame{Type: t, Channel: channel}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("realtime frame %s: %w", t, err)
		}
		f.Payload = data
	}
	return f, nil
}

// ConnectionEstablishedPayload присваивает соединению socket_id; он участвует
// в авторизации приватных каналов.
type ConnectionEstablishedPayload struct {
	SocketID string `json:"socket_id"`
}

// ChannelName возвращает имя приватного канала переписки.
func ChannelName(conversationID string) string {
	return "conversation." + conversationID
}
