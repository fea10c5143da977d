package database

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxContentLength bounds message and edit text.
	MaxContentLength = 200
	// DefaultPageLimit is used when a client requests no limit.
	DefaultPageLimit = 30
	// MaxPageLimit caps the page size regardless of the client request.
	MaxPageLimit = 50
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid content")
)

type Repository interface {
	Ping() error
	Close() error

	CreateAccount(params CreateAccountParams) (Account, error)
	GetAccountById(id int) (Account, error)
	GetAccountByEmail(email string) (Account, error)

	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessage(id string) (Message, error)
	// ListMessages returns up to limit messages for a room ordered oldest to
	// newest, strictly older than the before cursor (zero value means the
	// newest page). The returned cursor is nil when no older messages remain.
	ListMessages(roomId string, before time.Time, limit int) ([]Message, *time.Time, error)
	UpdateMessage(id, content string) (Message, error)
	SoftDeleteMessage(id string) (Message, error)
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if len(content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrValidation, MaxContentLength)
	}
	return nil
}

// clampLimit normalizes a client-requested page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
