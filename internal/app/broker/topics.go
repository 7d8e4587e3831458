package broker

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// PublishResult reports one fan-out. Dropped sessions had a full buffer.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}

type target struct {
	sid   SessionID
	subID string
}

// Topics maps topics to the sessions subscribed to them. Each session holds
// at most one subscription id per topic.
type Topics struct {
	mu        sync.RWMutex
	subs      map[string]map[SessionID]string
	bySession map[SessionID]map[string]struct{}
}

func NewTopics() *Topics {
	return &Topics{
		subs:      make(map[string]map[SessionID]string),
		bySession: make(map[SessionID]map[string]struct{}),
	}
}

func (t *Topics) Add(topic string, sid SessionID, subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.subs[topic]
	if !ok {
		m = make(map[SessionID]string)
		t.subs[topic] = m
	}
	m[sid] = subID
	s, ok := t.bySession[sid]
	if !ok {
		s = make(map[string]struct{})
		t.bySession[sid] = s
	}
	s[topic] = struct{}{}
	log.Debug().Str("module", "broker.topics").Str("topic", topic).Str("sid", string(sid)).Msg("subscribed")
}

// Remove drops the session's subscription to topic if subID matches.
func (t *Topics) Remove(topic string, sid SessionID, subID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.subs[topic]
	if !ok {
		return false
	}
	if cur, ok := m[sid]; !ok || (subID != "" && cur != subID) {
		return false
	}
	t.removeLocked(topic, sid)
	return true
}

func (t *Topics) RemoveSession(sid SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic := range t.bySession[sid] {
		t.removeLocked(topic, sid)
	}
	delete(t.bySession, sid)
}

func (t *Topics) removeLocked(topic string, sid SessionID) {
	m := t.subs[topic]
	delete(m, sid)
	if len(m) == 0 {
		delete(t.subs, topic)
	}
	if s, ok := t.bySession[sid]; ok {
		delete(s, topic)
		if len(s) == 0 {
			delete(t.bySession, sid)
		}
	}
}

func (t *Topics) targets(topic string) []target {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.subs[topic]
	out := make([]target, 0, len(m))
	for sid, subID := range m {
		out = append(out, target{sid: sid, subID: subID})
	}
	return out
}

func (t *Topics) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
