package broker

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

// SessionID identifies one client socket. A user may hold several.
type SessionID string

type sessionEntry struct {
	User   domain.UserID
	Conn   core.SignalConnection
	Cancel context.CancelFunc
	Since  time.Time
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*sessionEntry
	users    map[domain.UserID]map[SessionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[SessionID]*sessionEntry),
		users:    make(map[domain.UserID]map[SessionID]struct{}),
	}
}

// Bind registers a session and reports whether it is the user's first.
func (r *Registry) Bind(sid SessionID, uid domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{User: uid, Conn: conn, Cancel: cancel, Since: time.Now()}
	set, ok := r.users[uid]
	if !ok {
		set = make(map[SessionID]struct{})
		r.users[uid] = set
	}
	set[sid] = struct{}{}
	log.Info().Str("module", "broker.registry").Str("sid", string(sid)).Str("user", string(uid)).Msg("bound session")
	return len(set) == 1
}

// Unbind removes a session and reports whether it was the user's last.
func (r *Registry) Unbind(sid SessionID) (domain.UserID, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", false, false
	}
	delete(r.sessions, sid)
	set := r.users[e.User]
	delete(set, sid)
	last := len(set) == 0
	if last {
		delete(r.users, e.User)
	}
	log.Info().Str("module", "broker.registry").Str("sid", string(sid)).Msg("unbind session")
	return e.User, last, true
}

func (r *Registry) Get(sid SessionID) (core.SignalConnection, domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Conn, e.User, true
	}
	return nil, "", false
}

func (r *Registry) Online(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[uid]) > 0
}

func (r *Registry) Counts() (sessions, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.users)
}

func (r *Registry) Cancel(sid SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "broker.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

// Sessions lists the sessions uid currently holds.
func (r *Registry) Sessions(uid domain.UserID) []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionID, 0, len(r.users[uid]))
	for sid := range r.users[uid] {
		out = append(out, sid)
	}
	return out
}
