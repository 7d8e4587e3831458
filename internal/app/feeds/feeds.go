// Package feeds wraps the bus with typed subscriptions for the live
// features: notifications, presence, typing, chat and server errors.
package feeds

import (
	"fmt"
	"time"

	"github.com/dkeye/Voicelink/internal/app/bus"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

type Bus interface {
	Subscribe(topic string, h bus.Handler, opts ...bus.SubscribeOption) (*bus.Subscription, error)
	Publish(topic string, payload any) *bus.Delivery
}

type Feeds struct {
	bus  Bus
	self domain.UserID
}

func New(b Bus, self domain.UserID) *Feeds {
	return &Feeds{bus: b, self: self}
}

func (f *Feeds) Notifications(fn func(domain.Notification)) (*bus.Subscription, error) {
	return typed(f.bus, domain.NotificationsTopic(f.self), fn)
}

// Errors delivers errors the server pushes for this user.
func (f *Feeds) Errors(fn func(domain.ServerError)) (*bus.Subscription, error) {
	return typed(f.bus, domain.ErrorsTopic(f.self), fn)
}

func (f *Feeds) Presence(user domain.UserID, fn func(domain.Presence)) (*bus.Subscription, error) {
	return typed(f.bus, domain.OnlineTopic(user), fn)
}

// Typing delivers typing events of other members of chat.
func (f *Feeds) Typing(chat domain.ChatID, fn func(domain.TypingEvent)) (*bus.Subscription, error) {
	return typed(f.bus, domain.TypingTopic(chat), func(ev domain.TypingEvent) {
		if ev.UserID != f.self {
			fn(ev)
		}
	})
}

func (f *Feeds) Chat(chat domain.ChatID, fn func(domain.ChatMessage)) (*bus.Subscription, error) {
	return typed(f.bus, domain.ChatTopic(chat), fn)
}

func (f *Feeds) SendTyping(chat domain.ChatID, typing bool) *bus.Delivery {
	return f.publish(domain.TopicAppTyping, domain.TypingEvent{ChatID: chat, UserID: f.self, Typing: typing})
}

// SendChat posts text to chat. to, when set, also gets a new_message
// notification.
func (f *Feeds) SendChat(chat domain.ChatID, text string, to domain.UserID) *bus.Delivery {
	return f.publish(domain.TopicAppChat, domain.ChatMessage{
		ChatID: chat,
		Text:   text,
		To:     to,
		At:     time.Now().UnixMilli(),
	})
}

func (f *Feeds) publish(topic string, payload any) *bus.Delivery {
	if err := domain.Validate(payload); err != nil {
		return bus.Failed(fmt.Errorf("%w: %w", domain.ErrPublishFailure, err))
	}
	return f.bus.Publish(topic, payload)
}

// typed decodes and validates every message before calling fn. Messages
// that fail are logged and dropped.
func typed[T any](b Bus, topic string, fn func(T)) (*bus.Subscription, error) {
	return b.Subscribe(topic, func(msg bus.Message) {
		var v T
		if err := domain.Decode(msg.Body, &v); err != nil {
			log.Warn().Str("module", "feeds").Str("topic", msg.Topic).Err(err).Msg("dropping message")
			return
		}
		fn(v)
	})
}
