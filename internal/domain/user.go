// Package domain contains entities and wire payloads without transport logic.
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen = 36
	MaxChatIDLen = 64
)

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDInvalid = errors.New("user id contains '/'")
)

type (
	UserID string
	ChatID string
)

// NewUserID is a tiny helper for anonymous sessions that have no account id.
func NewUserID() UserID {
	return UserID(uuid.NewString())
}

// ParseUserID validates an id that will be embedded in a topic path.
func ParseUserID(raw string) (UserID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	if strings.Contains(raw, "/") {
		return "", ErrUserIDInvalid
	}
	return UserID(raw), nil
}

func (u UserID) String() string { return string(u) }
func (c ChatID) String() string { return string(c) }
