// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id gets a fresh uuid.
func NewUser(id UserID, username string, role Role) (*User, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if id == "" {
		id = UserID(uuid.NewString())
	}
	if len(id) > MaxUserIDLen {
		id = id[:MaxUserIDLen]
	}
	return &User{ID: id, Username: username, Role: role}, nil
}

func (u *User) SetUsername(username string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	u.Username = username
	return nil
}

func validateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
