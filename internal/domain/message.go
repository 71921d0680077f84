package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

const MaxMessageLen = 4096

type MessageID string

// Message is transient here; durable history belongs to the message store.
type Message struct {
	ID         MessageID  `json:"id"`
	RoomID     RoomID     `json:"roomId"`
	SenderID   IdentityID `json:"senderId"`
	SenderName string     `json:"senderName"`
	Content    string     `json:"content"`
	Timestamp  int64      `json:"timestamp"` // unix ms
}

func NewMessage(room RoomID, sender *Identity, content string, now time.Time) *Message {
	return &Message{
		ID:         MessageID(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()),
		RoomID:     room,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Content:    content,
		Timestamp:  now.UnixMilli(),
	}
}
