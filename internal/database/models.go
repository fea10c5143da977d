package database

import (
	"database/sql"
	"time"
)

type Account struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	Id        string
	RoomId    string
	UserId    sql.NullInt64
	Username  string
	Content   string
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateMessageParams struct {
	RoomId  string
	UserId  *int
	Content string
}
