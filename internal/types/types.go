package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Message is the presentation form of a stored message. UserId is nil for
// system or anonymous messages. Content is empty once the message has been
// soft-deleted.
type Message struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"room_id"`
	UserId    *int      `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// MessagePage is one page of room history, ordered oldest to newest.
// NextCursor is nil when no older messages remain.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	NextCursor *time.Time `json:"next_cursor"`
}
