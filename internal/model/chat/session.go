package chat

import "time"

// ConversationID identifies one logical thread of exchanges.
type ConversationID string

func (id ConversationID) String() string { return string(id) }

// Session captures the bounded history of one conversation.
type Session struct {
	ID         ConversationID `json:"id"`
	History    []Turn         `json:"history"`
	CreatedAt  time.Time      `json:"createdAt"`
	LastAccess time.Time      `json:"lastAccess"`
}
