package model

import "time"

// Conversation — переписка между гостем и хозяином по конкретному объявлению.
type Conversation struct {
	ID           string       `json:"id"`
	ListingID    string       `json:"listing_id,omitempty"`
	Participants []UserPublic `json:"participants"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CreatedAt    time.Time    `json:"created_at"`
}

type ConversationMember struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
}
