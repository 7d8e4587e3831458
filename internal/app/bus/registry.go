package bus

import (
	"slices"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// Message is one inbound MESSAGE frame as handed to handlers.
type Message struct {
	Topic string
	Body  []byte
}

func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

type Handler func(Message)

type SubscribeOption func(*Subscription)

// OnError registers a callback for server-side rejection of the topic's
// physical subscription.
func OnError(fn func(error)) SubscribeOption {
	return func(s *Subscription) { s.onError = fn }
}

// Subscription is a handle for one registered handler.
type Subscription struct {
	m       *Manager
	topic   string
	handler Handler
	onError func(error)
	removed atomic.Bool
}

func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes the handler. Safe to call more than once and from
// inside a handler.
func (s *Subscription) Unsubscribe() { s.m.Unsubscribe(s) }

func (s *Subscription) fail(err error) {
	if s.onError != nil {
		s.onError(err)
		return
	}
	log.Warn().Str("module", "bus.registry").Str("topic", s.topic).Err(err).Msg("subscription rejected")
}

type topicEntry struct {
	topic  string
	subs   []*Subscription
	physID string
}

// registry maps topics to handlers. physID is empty while the topic has no
// physical subscription on the current connection. Guarded by Manager.mu.
type registry struct {
	topics map[string]*topicEntry
	order  []*topicEntry
}

func newRegistry() *registry {
	return &registry{topics: make(map[string]*topicEntry)}
}

func (r *registry) add(s *Subscription) (*topicEntry, bool) {
	e, ok := r.topics[s.topic]
	if !ok {
		e = &topicEntry{topic: s.topic}
		r.topics[s.topic] = e
		r.order = append(r.order, e)
	}
	e.subs = append(e.subs, s)
	return e, len(e.subs) == 1
}

// remove drops s and reports whether it was the topic's last handler.
func (r *registry) remove(s *Subscription) (*topicEntry, bool) {
	e, ok := r.topics[s.topic]
	if !ok {
		return nil, false
	}
	i := slices.Index(e.subs, s)
	if i < 0 {
		return e, false
	}
	e.subs = slices.Delete(e.subs, i, i+1)
	if len(e.subs) > 0 {
		return e, false
	}
	delete(r.topics, s.topic)
	if j := slices.Index(r.order, e); j >= 0 {
		r.order = slices.Delete(r.order, j, j+1)
	}
	return e, true
}

// snapshot returns the handlers for an inbound message. Frames carrying a
// subscription id other than the topic's current one are stale.
func (r *registry) snapshot(topic, subID string) []*Subscription {
	e, ok := r.topics[topic]
	if !ok || len(e.subs) == 0 {
		return nil
	}
	if subID != "" && subID != e.physID {
		return nil
	}
	return slices.Clone(e.subs)
}

// reject clears the physical subscription with the given id and returns
// the handlers that were relying on it.
func (r *registry) reject(subID string) (string, []*Subscription) {
	for _, e := range r.order {
		if e.physID != "" && e.physID == subID {
			e.physID = ""
			return e.topic, slices.Clone(e.subs)
		}
	}
	return "", nil
}

func (r *registry) clearPhysical() {
	for _, e := range r.order {
		e.physID = ""
	}
}

func (r *registry) entries() []*topicEntry {
	return slices.Clone(r.order)
}

func (r *registry) handlerCount(topic string) int {
	if e, ok := r.topics[topic]; ok {
		return len(e.subs)
	}
	return 0
}

// dispatch invokes every live handler once. A panicking handler is logged
// and does not affect the others.
func dispatch(subs []*Subscription, msg Message) {
	for _, s := range subs {
		if s.removed.Load() {
			continue
		}
		var pc panics.Catcher
		pc.Try(func() { s.handler(msg) })
		if r := pc.Recovered(); r != nil {
			log.Error().
				Str("module", "bus.registry").
				Str("topic", msg.Topic).
				Err(r.AsError()).
				Msg("handler panicked")
		}
	}
}
