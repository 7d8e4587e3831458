// Package broker is the server side of the message bus: it tracks client
// sessions and their topic subscriptions, routes /app/* sends and fans
// messages out to subscribers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrUnknownRoute = errors.New("unknown route")
	ErrBadFrame     = errors.New("bad frame")
)

type Stats struct {
	Sessions int `json:"sessions"`
	Users    int `json:"users"`
	Topics   int `json:"topics"`
}

type Hub struct {
	Registry *Registry
	Topics   *Topics
	Policy   Policy
	now      func() time.Time
}

func NewHub(policy Policy) *Hub {
	return &Hub{
		Registry: NewRegistry(),
		Topics:   NewTopics(),
		Policy:   policy,
		now:      time.Now,
	}
}

// Connect binds a new client socket for uid. cancel ends the socket's pumps.
func (h *Hub) Connect(uid domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) SessionID {
	sid := SessionID(uuid.NewString())
	if first := h.Registry.Bind(sid, uid, conn, cancel); first {
		h.Publish(domain.OnlineTopic(uid), domain.Presence{UserID: uid, Online: true})
	}
	return sid
}

func (h *Hub) Disconnect(sid SessionID) {
	h.Topics.RemoveSession(sid)
	uid, last, ok := h.Registry.Unbind(sid)
	if ok && last {
		h.Publish(domain.OnlineTopic(uid), domain.Presence{
			UserID:   uid,
			Online:   false,
			LastSeen: h.now().UnixMilli(),
		})
	}
}

// Kick ends every socket uid holds and returns how many there were.
// Clients see a transport drop and reconnect on their own.
func (h *Hub) Kick(uid domain.UserID) int {
	n := 0
	for _, sid := range h.Registry.Sessions(uid) {
		if h.Registry.Cancel(sid) {
			n++
		}
	}
	return n
}

func (h *Hub) Stats() Stats {
	sessions, users := h.Registry.Counts()
	return Stats{Sessions: sessions, Users: users, Topics: h.Topics.Count()}
}

// HandleFrame applies one client frame.
func (h *Hub) HandleFrame(sid SessionID, f core.Frame) {
	conn, uid, ok := h.Registry.Get(sid)
	if !ok {
		return
	}
	switch f.Command {
	case core.CmdSubscribe:
		if f.Destination == "" || f.Subscription == "" || domain.IsAppDestination(f.Destination) {
			h.reject(conn, f.Subscription, fmt.Errorf("%w: subscribe %q", ErrBadFrame, f.Destination))
			return
		}
		if owner, private := domain.PrivateOwner(f.Destination); private && owner != uid {
			h.reject(conn, f.Subscription, fmt.Errorf("%w: %s", ErrForbidden, f.Destination))
			return
		}
		h.Topics.Add(f.Destination, sid, f.Subscription)

	case core.CmdUnsubscribe:
		h.Topics.Remove(f.Destination, sid, f.Subscription)

	case core.CmdSend:
		if err := h.route(uid, f.Destination, f.Body); err != nil {
			log.Warn().Str("module", "broker").Str("user", string(uid)).Str("dest", f.Destination).Err(err).Msg("route failed")
			h.pushError(uid, err, f.Destination)
		}

	default:
		h.reject(conn, "", fmt.Errorf("%w: command %q", ErrBadFrame, f.Command))
	}
}

func (h *Hub) route(from domain.UserID, dest string, body []byte) error {
	switch dest {
	case domain.TopicAppChat:
		return h.routeChat(from, body)
	case domain.TopicAppTyping:
		return h.routeTyping(from, body)
	case domain.TopicAppCall:
		return h.routeCall(from, body)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRoute, dest)
	}
}

func (h *Hub) routeChat(from domain.UserID, body []byte) error {
	fields, err := decodeFields(body)
	if err != nil {
		return err
	}
	msg := domain.ChatMessage{
		ChatID: domain.ChatID(cast.ToString(fields["chatId"])),
		Text:   cast.ToString(fields["text"]),
		To:     domain.UserID(cast.ToString(fields["to"])),
		From:   from,
		At:     h.now().UnixMilli(),
	}
	if err := domain.Validate(msg); err != nil {
		return err
	}
	h.Publish(domain.ChatTopic(msg.ChatID), msg)
	if msg.To != "" && msg.To != from {
		h.Publish(domain.NotificationsTopic(msg.To), domain.Notification{
			Action: domain.ActionNewMessage,
			From:   from,
			ChatID: msg.ChatID,
			Text:   msg.Text,
			At:     msg.At,
		})
	}
	return nil
}

func (h *Hub) routeTyping(from domain.UserID, body []byte) error {
	fields, err := decodeFields(body)
	if err != nil {
		return err
	}
	ev := domain.TypingEvent{
		ChatID: domain.ChatID(cast.ToString(fields["chatId"])),
		UserID: from,
		Typing: cast.ToBool(fields["typing"]),
	}
	if err := domain.Validate(ev); err != nil {
		return err
	}
	h.Publish(domain.TypingTopic(ev.ChatID), ev)
	return nil
}

func (h *Hub) routeCall(from domain.UserID, body []byte) error {
	sig, err := domain.DecodeSignal(body)
	if err != nil {
		return err
	}
	if sig.From != from {
		return fmt.Errorf("%w: signal from %s sent by %s", ErrForbidden, sig.From, from)
	}
	res := h.Publish(domain.CallsTopic(sig.To), sig)
	if res.SendTo == 0 && sig.Kind == domain.SignalInvite {
		// nobody is listening; answer for the callee
		h.Publish(domain.CallsTopic(from), domain.Signal{
			Kind:   domain.SignalReject,
			CallID: sig.CallID,
			From:   sig.To,
			To:     from,
		})
	}
	return nil
}

// Publish fans body out to every subscriber of topic and applies the
// backpressure policy to sessions that could not keep up.
func (h *Hub) Publish(topic string, body any) PublishResult {
	raw, err := json.Marshal(body)
	if err != nil {
		log.Error().Str("module", "broker").Str("topic", topic).Err(err).Msg("encode body")
		return PublishResult{}
	}

	res := PublishResult{}
	for _, t := range h.Topics.targets(topic) {
		conn, _, ok := h.Registry.Get(t.sid)
		if !ok {
			continue
		}
		data, err := json.Marshal(core.Frame{
			Command:      core.CmdMessage,
			Destination:  topic,
			Subscription: t.subID,
			Body:         raw,
		})
		if err != nil {
			continue
		}
		if err := conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, t.sid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "broker").Str("topic", topic).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("publish result")

	if h.Policy != nil {
		for _, sid := range res.Dropped {
			switch h.Policy.OnBackPressure(topic, sid) {
			case KickMember:
				h.Registry.Cancel(sid)
			case MarkSlow:
				log.Warn().Str("module", "broker").Str("sid", string(sid)).Msg("slow session")
			case DropFrame, NoAction:
			}
		}
	}
	return res
}

func (h *Hub) reject(conn core.SignalConnection, subID string, err error) {
	data, _ := json.Marshal(core.Frame{
		Command:      core.CmdError,
		Subscription: subID,
		Message:      err.Error(),
	})
	_ = conn.TrySend(data)
}

func (h *Hub) pushError(uid domain.UserID, err error, ref string) {
	code := "bad_request"
	switch {
	case errors.Is(err, ErrForbidden):
		code = "forbidden"
	case errors.Is(err, ErrUnknownRoute):
		code = "unknown_route"
	}
	h.Publish(domain.ErrorsTopic(uid), domain.ServerError{Code: code, Message: err.Error(), Ref: ref})
}

func decodeFields(body []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return fields, nil
}
