package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateUser inserts a new user and returns its generated id.
func (s *Store) CreateUser(ctx context.Context, u User) (string, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Locale == "" {
		u.Locale = "ru-RU"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, chat_user_id, phone_e164, display_name, locale)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.ChatUserID, u.PhoneE164, u.DisplayName, u.Locale)
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	return u.ID, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, chat_user_id, phone_e164, display_name, locale, created_at
		FROM users WHERE id = $1
	`, id))
}

// GetUserByChatUserID looks a user up by their chat-provider identity,
// used on inbound webhook dispatch to resolve the acting user.
func (s *Store) GetUserByChatUserID(ctx context.Context, chatUserID int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, chat_user_id, phone_e164, display_name, locale, created_at
		FROM users WHERE chat_user_id = $1
	`, chatUserID))
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ChatUserID, &u.PhoneE164, &u.DisplayName, &u.Locale, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}
