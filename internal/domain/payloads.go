package domain

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var ErrInvalidPayload = errors.New("invalid payload")

// NotificationAction is the closed set of server notification kinds.
type NotificationAction string

const (
	ActionNewMessage     NotificationAction = "new_message"
	ActionFriendRequest  NotificationAction = "friend_request"
	ActionFriendAccepted NotificationAction = "friend_accepted"
	ActionPostComment    NotificationAction = "post_comment"
	ActionPostLike       NotificationAction = "post_like"
)

type Notification struct {
	Action NotificationAction `json:"action" validate:"required,oneof=new_message friend_request friend_accepted post_comment post_like"`
	From   UserID             `json:"from" validate:"required,max=36"`
	ChatID ChatID             `json:"chatId,omitempty" validate:"required_if=Action new_message,max=64"`
	Text   string             `json:"text,omitempty"`
	At     int64              `json:"at,omitempty"`
}

type Presence struct {
	UserID   UserID `json:"userId" validate:"required,max=36"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type TypingEvent struct {
	ChatID ChatID `json:"chatId" validate:"required,max=64"`
	UserID UserID `json:"userId" validate:"required,max=36"`
	Typing bool   `json:"typing"`
}

// ServerError is pushed on /errors/{userId}.
type ServerError struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// ChatMessage is the body sent to /app/chat. The server stamps From and
// At before relaying it on /chat/{chatId}.
type ChatMessage struct {
	ChatID ChatID `json:"chatId" validate:"required,max=64"`
	Text   string `json:"text" validate:"required,max=4096"`
	To     UserID `json:"to,omitempty" validate:"omitempty,max=36"`
	From   UserID `json:"from,omitempty" validate:"omitempty,max=36"`
	At     int64  `json:"at,omitempty"`
}

// Decode parses raw into v and validates struct tags.
func Decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Validate checks struct tags of an outbound payload.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
