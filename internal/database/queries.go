package database

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// messageColumns is the shared select list for message reads. Content is
// blanked at the query edge for soft-deleted rows so callers never see it.
const messageColumns = "m.id, m.room_id, m.user_id, COALESCE(a.username, ''), " +
	"CASE WHEN m.deleted THEN '' ELSE m.content END, m.deleted, m.created_at, m.updated_at"

func (db *PgRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgRepository) GetAccountById(id int) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgRepository) GetAccountByEmail(email string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.PasswordHash,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	if err := validateContent(params.Content); err != nil {
		return Message{}, err
	}

	var userId sql.NullInt64
	if params.UserId != nil {
		userId = sql.NullInt64{Int64: int64(*params.UserId), Valid: true}
	}

	res := db.conn.QueryRow(
		"INSERT INTO messages (id, room_id, user_id, content, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"RETURNING id, room_id, user_id, COALESCE((SELECT username FROM accounts WHERE id = $3), ''), "+
			"content, deleted, created_at, updated_at",
		uuid.NewString(),
		params.RoomId,
		userId,
		params.Content,
		time.Now().UTC(),
	)

	var m Message
	err := res.Scan(
		&m.Id,
		&m.RoomId,
		&m.UserId,
		&m.Username,
		&m.Content,
		&m.Deleted,
		&m.CreatedAt,
		&m.UpdatedAt,
	)

	return m, err
}

func (db *PgRepository) GetMessage(id string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages m "+
			"LEFT JOIN accounts a ON m.user_id = a.id WHERE m.id = $1 LIMIT 1",
		id,
	)

	var m Message
	err := row.Scan(
		&m.Id,
		&m.RoomId,
		&m.UserId,
		&m.Username,
		&m.Content,
		&m.Deleted,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}

	return m, err
}

func (db *PgRepository) ListMessages(roomId string, before time.Time, limit int) ([]Message, *time.Time, error) {
	limit = clampLimit(limit)

	query := "SELECT " + messageColumns + " FROM messages m " +
		"LEFT JOIN accounts a ON m.user_id = a.id WHERE m.room_id = $1 "
	args := []any{roomId}

	if !before.IsZero() {
		query += "AND m.created_at < $2 ORDER BY m.created_at DESC LIMIT $3"
		args = append(args, before, limit+1)
	} else {
		query += "ORDER BY m.created_at DESC LIMIT $2"
		args = append(args, limit+1)
	}

	// fetch one extra row to detect whether an older page exists
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id,
			&m.RoomId,
			&m.UserId,
			&m.Username,
			&m.Content,
			&m.Deleted,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, nil, err
		}

		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	messages, nextCursor := pageWindow(messages, limit)

	return messages, nextCursor, nil
}

// pageWindow trims a newest-first overfetch down to one page in oldest-first
// order. The extra row beyond limit only signals that an older page exists;
// the cursor is the oldest kept row's timestamp, so it is nil exactly when
// this is the last page.
func pageWindow(messages []Message, limit int) ([]Message, *time.Time) {
	var nextCursor *time.Time
	if len(messages) > limit {
		messages = messages[:limit]
		cursor := messages[len(messages)-1].CreatedAt
		nextCursor = &cursor
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nextCursor
}

func (db *PgRepository) UpdateMessage(id, content string) (Message, error) {
	if err := validateContent(content); err != nil {
		return Message{}, err
	}

	res := db.conn.QueryRow(
		"UPDATE messages SET content = $2, updated_at = $3 WHERE id = $1 AND NOT deleted "+
			"RETURNING id, room_id, user_id, content, deleted, created_at, updated_at",
		id,
		content,
		time.Now().UTC(),
	)

	var m Message
	err := res.Scan(
		&m.Id,
		&m.RoomId,
		&m.UserId,
		&m.Content,
		&m.Deleted,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}

	if m.UserId.Valid {
		row := db.conn.QueryRow("SELECT username FROM accounts WHERE id = $1", m.UserId.Int64)
		if err := row.Scan(&m.Username); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
	}

	return m, nil
}

func (db *PgRepository) SoftDeleteMessage(id string) (Message, error) {
	res := db.conn.QueryRow(
		"UPDATE messages SET deleted = TRUE, updated_at = $2 WHERE id = $1 "+
			"RETURNING id, room_id, user_id, deleted, created_at, updated_at",
		id,
		time.Now().UTC(),
	)

	// content stays in the row but is never returned once deleted
	var m Message
	err := res.Scan(
		&m.Id,
		&m.RoomId,
		&m.UserId,
		&m.Deleted,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}

	return m, err
}
