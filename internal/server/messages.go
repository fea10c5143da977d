package server

import (
	"time"

	"roomchat/internal/types"
)

// Inbound event types. Anything else is logged and dropped.
const (
	TypeJoin    = "join"
	TypeLeave   = "leave"
	TypeMessage = "message"
	TypeEdit    = "edit"
	TypeDelete  = "delete"
)

// Outbound-only event types.
const (
	TypeSystem  = "system"
	TypeHistory = "history"
	TypeError   = "error"
)

// ClientMessage is the wire shape of an inbound client event, discriminated
// by Type.
type ClientMessage struct {
	Type      string `json:"type"`
	RoomId    string `json:"roomId,omitempty"`
	Payload   string `json:"payload,omitempty"`
	MessageId string `json:"messageId,omitempty"`
	Text      string `json:"text,omitempty"`
}

type EventUser struct {
	UserId *int   `json:"userId"`
	Name   string `json:"name"`
}

// ServerMessage is the wire shape of an outbound event. Exactly the fields
// relevant to Type are populated.
type ServerMessage struct {
	Type string `json:"type"`

	// system
	Message string `json:"message,omitempty"`

	// history
	Messages   []types.Message `json:"messages,omitempty"`
	NextCursor *time.Time      `json:"nextCursor,omitempty"`

	// message
	Id        string     `json:"id,omitempty"`
	RoomId    string     `json:"roomId,omitempty"`
	User      *EventUser `json:"user,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`

	// edit and delete
	MessageId string `json:"messageId,omitempty"`
	Text      string `json:"text,omitempty"`

	// error
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func SystemMessage(text string) *ServerMessage {
	return &ServerMessage{
		Type:    TypeSystem,
		Message: text,
	}
}

func HistoryMessage(page types.MessagePage) *ServerMessage {
	return &ServerMessage{
		Type:       TypeHistory,
		Messages:   page.Messages,
		NextCursor: page.NextCursor,
	}
}

func ErrValidationFailed(reason string) *ServerMessage {
	return &ServerMessage{
		Type:  TypeError,
		Code:  400,
		Error: reason,
	}
}

func ErrForbiddenMessage() *ServerMessage {
	return &ServerMessage{
		Type:  TypeError,
		Code:  403,
		Error: "forbidden",
	}
}

func ErrMessageNotFound() *ServerMessage {
	return &ServerMessage{
		Type:  TypeError,
		Code:  404,
		Error: "message not found",
	}
}

func ErrInternalError() *ServerMessage {
	return &ServerMessage{
		Type:  TypeError,
		Code:  500,
		Error: "internal server error",
	}
}

// ErrDeliveryDelayed tells the sender the write is durable but live delivery
// failed. It must not read as a write failure.
func ErrDeliveryDelayed() *ServerMessage {
	return &ServerMessage{
		Type:  TypeError,
		Code:  503,
		Error: "message stored, live delivery may be delayed",
	}
}
