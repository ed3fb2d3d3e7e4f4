// Package router is the protocol state machine: it validates and authorizes
// inbound events, applies them to the session registry, and fans the results
// out to the right rooms. The router itself holds no canvas state.
package router

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
	"github.com/khattaby/collaborative-whiteboard/internal/gateway"
	"github.com/khattaby/collaborative-whiteboard/internal/session"
)

// Network is the fan-out surface the router drives. The connection manager
// implements it; tests substitute a recorder.
type Network interface {
	Broadcast(room string, payload []byte)
	BroadcastExcept(room, exceptID string, payload []byte)
	SendTo(connID string, payload []byte)
}

// Presence answers whether a user still has a live connection in a session.
type Presence interface {
	Online(sessionID, userID string) bool
}

// Persister decouples the event path from storage. Loads happen once at room
// creation; saves are debounced and fire-and-forget, never awaited by a
// handler.
type Persister interface {
	Load(ctx context.Context, sessionID string) ([]board.Element, error)
	MarkDirty(sessionID string)
	Flush(sessionID string)
	Discard(sessionID string)
}

// Mirror republishes session events for external consumers.
type Mirror interface {
	Publish(sessionID string, event []byte)
}

// Router dispatches the event catalogue. Every handler degrades to a no-op
// plus a log line on invalid input; nothing ever errors back across the
// event boundary, so one bad payload cannot interrupt the rest of the room.
type Router struct {
	registry *session.Registry
	net      Network
	presence Presence
	policy   Policy
	store    Persister
	mirror   Mirror
}

// New creates a router over its collaborators.
func New(registry *session.Registry, net Network, presence Presence, policy Policy, store Persister, mirror Mirror) *Router {
	return &Router{
		registry: registry,
		net:      net,
		presence: presence,
		policy:   policy,
		store:    store,
		mirror:   mirror,
	}
}

// HandleConnect runs when a connection binds to its rooms. First contact
// with a session id creates the room and seeds it from the persisted
// snapshot, if one exists.
func (r *Router) HandleConnect(ctx context.Context, p gateway.Peer) {
	if p.SessionID == "" {
		return
	}
	if existed := r.registry.Ensure(p.SessionID); existed {
		return
	}
	elements, err := r.store.Load(ctx, p.SessionID)
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", p.SessionID).
			Msg("failed to load persisted session, starting empty")
		return
	}
	if len(elements) > 0 {
		r.registry.Seed(p.SessionID, elements)
	}
}

// HandleMessage applies one inbound event in arrival order. There is no
// cross-connection ordering: two racing updates to the same element resolve
// to whichever one the registry applies last.
func (r *Router) HandleMessage(p gateway.Peer, raw []byte) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", p.ID).
			Msg("dropping unparseable event")
		return
	}

	switch event.Type {
	case EventJoinSession:
		r.handleJoin(p, event.Data)
	case EventCursorMove:
		r.handleCursorMove(p, event.Data)
	case EventAddElement:
		r.handleAddElement(p, event.Data)
	case EventUpdateElement:
		r.handleUpdateElement(p, event.Data)
	case EventDeleteElement:
		r.handleDeleteElement(p, event.Data)
	case EventUndoElement:
		r.handleUndo(p, event.Data)
	case EventClearUserElements:
		r.handleClear(p, event.Data)
	case EventSessionEnded:
		r.handleSessionEnded(p, event.Data)
	case EventKickUser:
		r.handleKickUser(p, event.Data)
	case EventUserLeft:
		r.handleUserLeft(p, event.Data)
	case EventSendInvite:
		r.handleSendInvite(p, event.Data)
	case EventSendFriendRequest:
		r.handleSendFriendRequest(p, event.Data)
	case EventAcceptFriendReq:
		r.handleAcceptFriendRequest(p, event.Data)
	case EventRemoveFriend:
		r.handleRemoveFriend(p, event.Data)
	default:
		log.Warn().
			Str("connection_id", p.ID).
			Str("event_type", string(event.Type)).
			Msg("dropping unknown event type")
	}
}

// HandleDisconnect cleans up after a connection has left its rooms: the
// cursor goes immediately, the offline transition only once no other
// connection keeps the user present.
func (r *Router) HandleDisconnect(p gateway.Peer) {
	if p.SessionID == "" {
		return
	}
	room := gateway.SessionRoom(p.SessionID)
	r.sendRoom(room, encode(EventCursorRemove, CursorRemovePayload{ConnectionID: p.ID}))

	if r.presence.Online(p.SessionID, p.UserID) {
		return
	}
	if r.registry.SetInactive(p.SessionID, p.UserID) {
		r.broadcastState(p.SessionID, encode(EventUserStatusChange, StatusChangePayload{
			UserID: p.UserID,
			Status: UserStatusOffline,
		}))
	}
}

func (r *Router) handleJoin(p gateway.Peer, data json.RawMessage) {
	if p.SessionID == "" {
		log.Warn().Str("connection_id", p.ID).Msg("join without a bound session dropped")
		return
	}
	var payload JoinSessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Warn().Err(err).Str("connection_id", p.ID).Msg("dropping malformed join")
		return
	}
	user := payload.User
	// The connection's bound identity wins over whatever the payload claims.
	user.ID = p.UserID

	r.registry.Ensure(p.SessionID)
	r.registry.AddParticipant(p.SessionID, user.ID)
	cameOnline := r.registry.SetActive(p.SessionID, user.ID)

	room := gateway.SessionRoom(p.SessionID)
	// Joining twice re-broadcasts membership; consumers deduplicate by id.
	r.sendRoomExcept(room, p.ID, encode(EventUserJoined, user))
	if cameOnline {
		r.broadcastState(p.SessionID, encode(EventUserStatusChange, StatusChangePayload{
			UserID: user.ID,
			Status: UserStatusOnline,
		}))
	}

	r.sendTo(p.ID, encode(EventActiveUsers, r.registry.ActiveUsers(p.SessionID)))
	r.sendTo(p.ID, encode(EventInitElements, r.snapshot(p.SessionID)))
}

func (r *Router) handleCursorMove(p gateway.Peer, data json.RawMessage) {
	if p.SessionID == "" || !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	var payload CursorMovePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	cursor := board.Cursor{
		ConnectionID: p.ID,
		X:            payload.X,
		Y:            payload.Y,
		Name:         payload.Name,
		Color:        payload.Color,
	}
	r.sendRoomExcept(gateway.SessionRoom(p.SessionID), p.ID, encode(EventCursorUpdate, cursor))
}

func (r *Router) handleAddElement(p gateway.Peer, data json.RawMessage) {
	if p.SessionID == "" || !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	el, err := board.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", p.ID).Msg("dropping invalid add-element")
		return
	}
	if !r.registry.Append(p.SessionID, el) {
		return
	}
	// Not echoed to the sender: its optimistic insert already holds the
	// element.
	r.fanOutExcept(p, encode(EventElementAdded, el))
	r.store.MarkDirty(p.SessionID)
}

func (r *Router) handleUpdateElement(p gateway.Peer, data json.RawMessage) {
	if p.SessionID == "" || !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	el, err := board.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", p.ID).Msg("dropping invalid update-element")
		return
	}
	if !r.registry.Replace(p.SessionID, el) {
		// Update raced a delete; dropping it keeps the element dead.
		return
	}
	r.fanOutExcept(p, encode(EventElementUpdated, el))
	r.store.MarkDirty(p.SessionID)
}

func (r *Router) handleDeleteElement(p gateway.Peer, data json.RawMessage) {
	if p.SessionID == "" || !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	var payload DeleteElementPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ElementID == "" {
		return
	}
	if !r.policy.CanDeleteElement(p.SessionID, p.UserID, payload.ElementID) {
		return
	}
	if !r.registry.Remove(p.SessionID, payload.ElementID) {
		return
	}
	r.fanOutExcept(p, encode(EventElementDeleted, payload))
	r.store.MarkDirty(p.SessionID)
}

func (r *Router) handleUndo(p gateway.Peer, data json.RawMessage) {
	if p.SessionID == "" || !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	var payload UndoElementPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	// Unlike delete, undo is owner-checked: you can only undo yourself.
	if payload.UserID != p.UserID {
		log.Warn().
			Str("connection_id", p.ID).
			Str("user_id", p.UserID).
			Str("target_user_id", payload.UserID).
			Msg("dropping undo for another user")
		return
	}
	if !r.registry.RemoveLastByUser(p.SessionID, p.UserID) {
		return
	}
	// The client cannot know which id was removed, so the whole snapshot is
	// replayed to everyone, sender included.
	r.broadcastState(p.SessionID, encode(EventElementsUpdate, r.snapshot(p.SessionID)))
	r.store.MarkDirty(p.SessionID)
}

func (r *Router) handleClear(p gateway.Peer, data json.RawMessage) {
	if p.SessionID == "" || !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	var payload ClearUserElementsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if payload.UserID != p.UserID {
		log.Warn().
			Str("connection_id", p.ID).
			Str("user_id", p.UserID).
			Str("target_user_id", payload.UserID).
			Msg("dropping clear for another user")
		return
	}
	if r.registry.RemoveAllByUser(p.SessionID, p.UserID) == 0 {
		return
	}
	r.broadcastState(p.SessionID, encode(EventElementsUpdate, r.snapshot(p.SessionID)))
	r.store.MarkDirty(p.SessionID)
}

func (r *Router) handleSessionEnded(p gateway.Peer, data json.RawMessage) {
	var payload SessionEndedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = p.SessionID
	}
	if sessionID == "" {
		return
	}
	if !r.policy.CanEndSession(sessionID, p.UserID) {
		return
	}
	r.broadcastState(sessionID, encode(EventSessionEnded, nil))
	// Capture the final snapshot before the registry forgets it.
	r.store.Flush(sessionID)
	r.registry.Discard(sessionID)
	r.store.Discard(sessionID)
}

func (r *Router) handleKickUser(p gateway.Peer, data json.RawMessage) {
	var payload KickUserPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		return
	}
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = p.SessionID
	}
	if !r.policy.CanKickUser(sessionID, p.UserID, payload.UserID) {
		return
	}
	r.registry.RemoveParticipant(sessionID, payload.UserID)
	r.registry.SetInactive(sessionID, payload.UserID)
	// The kicked connection receives this too and is expected to close
	// itself on receipt.
	r.broadcastState(sessionID, encode(EventUserKicked, payload))
}

func (r *Router) handleUserLeft(p gateway.Peer, data json.RawMessage) {
	var payload UserLeftPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		return
	}
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = p.SessionID
	}
	// Leaving clears activity only; roster authorization is held externally
	// and survives for a later rejoin.
	r.registry.SetInactive(sessionID, payload.UserID)
	r.broadcastState(sessionID, encode(EventUserLeft, payload))
}

func (r *Router) handleSendInvite(p gateway.Peer, data json.RawMessage) {
	if !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	var payload SendInvitePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	for _, toUserID := range payload.ToUserIDs {
		if toUserID == "" {
			continue
		}
		r.sendRoom(gateway.InboxRoom(toUserID), encode(EventNewInvite, payload.Session))
	}
}

func (r *Router) handleSendFriendRequest(p gateway.Peer, data json.RawMessage) {
	if !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	var payload SendFriendRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ToUserID == "" {
		return
	}
	r.sendRoom(gateway.InboxRoom(payload.ToUserID), encode(EventNewFriendRequest, payload.Request))
}

func (r *Router) handleAcceptFriendRequest(p gateway.Peer, data json.RawMessage) {
	if !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	var payload AcceptFriendRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ToUserID == "" {
		return
	}
	r.sendRoom(gateway.InboxRoom(payload.ToUserID), encode(EventFriendReqAccepted, payload.Friendship))
}

func (r *Router) handleRemoveFriend(p gateway.Peer, data json.RawMessage) {
	if !r.registry.Allow(p.SessionID, p.UserID) {
		return
	}
	var payload RemoveFriendPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ToUserID == "" {
		return
	}
	r.sendRoom(gateway.InboxRoom(payload.ToUserID), encode(EventFriendRemoved, payload))
}

// snapshot returns a non-nil element list so full replaces marshal as [].
func (r *Router) snapshot(sessionID string) []board.Element {
	elements := r.registry.Snapshot(sessionID)
	if elements == nil {
		elements = []board.Element{}
	}
	return elements
}

// fanOutExcept sends a state-bearing event to everyone in the session room
// but the acting connection, and mirrors it outward.
func (r *Router) fanOutExcept(p gateway.Peer, payload []byte) {
	if payload == nil {
		return
	}
	r.net.BroadcastExcept(gateway.SessionRoom(p.SessionID), p.ID, payload)
	r.publish(p.SessionID, payload)
}

// broadcastState sends a state-bearing event to the whole session room,
// sender included, and mirrors it outward.
func (r *Router) broadcastState(sessionID string, payload []byte) {
	if payload == nil {
		return
	}
	r.net.Broadcast(gateway.SessionRoom(sessionID), payload)
	r.publish(sessionID, payload)
}

// sendRoom, sendRoomExcept and sendTo carry ephemeral traffic (cursors,
// targeted replies, inbox relays) that is never mirrored.
func (r *Router) sendRoom(room string, payload []byte) {
	if payload != nil {
		r.net.Broadcast(room, payload)
	}
}

func (r *Router) sendRoomExcept(room, exceptID string, payload []byte) {
	if payload != nil {
		r.net.BroadcastExcept(room, exceptID, payload)
	}
}

func (r *Router) sendTo(connID string, payload []byte) {
	if payload != nil {
		r.net.SendTo(connID, payload)
	}
}

func (r *Router) publish(sessionID string, payload []byte) {
	if r.mirror != nil {
		r.mirror.Publish(sessionID, payload)
	}
}
