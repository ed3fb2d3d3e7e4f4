// Package session holds the authoritative in-memory state of every live
// whiteboard: the ordered element snapshot, the participant roster, the set
// of currently connected users, and the per-user rate counters.
package session

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
)

// Registry is the process-local store of all session state. A single mutex
// serializes every mutation, which is what makes "last applied wins" a
// well-defined outcome for racing updates: the winner is simply the last
// caller through the lock. No operation ever returns an error; anything
// addressed at an unknown session or element is a logged no-op, so a late
// event for an already-ended session is dropped rather than failing the
// sender's connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*state
	limiter  *RateLimiter
}

type state struct {
	elements     []board.Element
	participants map[string]struct{}
	active       map[string]struct{}
}

func newState() *state {
	return &state{
		participants: make(map[string]struct{}),
		active:       make(map[string]struct{}),
	}
}

// NewRegistry creates an empty registry. The rate limiter is shared across
// all sessions but counts per user.
func NewRegistry(limiter *RateLimiter) *Registry {
	return &Registry{
		sessions: make(map[string]*state),
		limiter:  limiter,
	}
}

// Ensure returns whether the session already existed, creating an empty one
// if not. Safe to call repeatedly.
func (r *Registry) Ensure(sessionID string) (existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; ok {
		return true
	}
	r.sessions[sessionID] = newState()
	log.Debug().Str("session_id", sessionID).Msg("session created")
	return false
}

// Seed installs a previously persisted snapshot into a session. Used once at
// room creation; it never overwrites elements already present.
func (r *Registry) Seed(sessionID string, elements []board.Element) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || len(s.elements) > 0 {
		return
	}
	s.elements = append(s.elements, elements...)
}

// Append adds an element to the end of the session's z-order. Malformed
// elements (missing id, type, or author) are rejected with a log line and no
// signal to the network.
func (r *Registry) Append(sessionID string, el board.Element) bool {
	if el == nil || el.ID() == "" || el.Kind() == "" || el.Author() == "" {
		log.Warn().Str("session_id", sessionID).Msg("rejected malformed element")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		log.Debug().Str("session_id", sessionID).Msg("append on unknown session dropped")
		return false
	}
	s.elements = append(s.elements, el)
	return true
}

// Replace swaps the element with a matching id in place, preserving z-order.
// An update that races a delete finds no match and is dropped; it never
// resurrects the element.
func (r *Registry) Replace(sessionID string, el board.Element) bool {
	if el == nil || el.ID() == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for i, existing := range s.elements {
		if existing.ID() == el.ID() {
			s.elements[i] = el
			return true
		}
	}
	return false
}

// Remove deletes the element with the given id. No-op if absent.
func (r *Registry) Remove(sessionID, elementID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for i, existing := range s.elements {
		if existing.ID() == elementID {
			s.elements = append(s.elements[:i], s.elements[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveLastByUser removes the most recent surviving element authored by the
// user, scanning from the tail. This is the undo primitive: it removes at
// most one element and may skip over later elements drawn by other users.
func (r *Registry) RemoveLastByUser(sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for i := len(s.elements) - 1; i >= 0; i-- {
		if s.elements[i].Author() == userID {
			s.elements = append(s.elements[:i], s.elements[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAllByUser filters out every element the user authored, returning how
// many were dropped.
func (r *Registry) RemoveAllByUser(sessionID, userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}
	kept := s.elements[:0]
	removed := 0
	for _, el := range s.elements {
		if el.Author() == userID {
			removed++
			continue
		}
		kept = append(kept, el)
	}
	s.elements = kept
	return removed
}

// Snapshot returns a copy of the session's element list in z-order. Nil for
// an unknown session.
func (r *Registry) Snapshot(sessionID string) []board.Element {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]board.Element, len(s.elements))
	copy(out, s.elements)
	return out
}

// Discard drops the session and everything attached to it. Called on
// explicit session end only; an empty room keeps its state for reconnection.
func (r *Registry) Discard(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		log.Info().Str("session_id", sessionID).Msg("session discarded")
	}
}

// AddParticipant marks the user as authorized for the session roster.
func (r *Registry) AddParticipant(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.participants[userID] = struct{}{}
	}
}

// RemoveParticipant revokes roster membership, as on kick.
func (r *Registry) RemoveParticipant(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		delete(s.participants, userID)
	}
}

// IsParticipant reports whether the user is on the session roster.
func (r *Registry) IsParticipant(sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	_, ok = s.participants[userID]
	return ok
}

// SetActive records the user as connected. Reports whether this was an
// offline-to-online transition.
func (r *Registry) SetActive(sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, already := s.active[userID]; already {
		return false
	}
	s.active[userID] = struct{}{}
	return true
}

// SetInactive records the user as disconnected. Reports whether the user was
// active before the call.
func (r *Registry) SetInactive(sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, was := s.active[userID]; !was {
		return false
	}
	delete(s.active, userID)
	return true
}

// ActiveUsers returns the ids of users with at least one live connection.
func (r *Registry) ActiveUsers(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// Allow consumes one rate-limit token for the user. Excess events within the
// window are dropped by the caller, never queued.
func (r *Registry) Allow(sessionID, userID string) bool {
	if r.limiter == nil {
		return true
	}
	allowed := r.limiter.Allow(sessionID + "/" + userID)
	if !allowed {
		log.Debug().
			Str("session_id", sessionID).
			Str("user_id", userID).
			Msg("rate limit exceeded, dropping event")
	}
	return allowed
}
