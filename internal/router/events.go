package router

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
)

// Event is the wire envelope for both directions: an event name plus a
// type-specific payload.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventType names one message of the protocol.
type EventType string

// Inbound events (client to server).
const (
	EventJoinSession       EventType = "join-session"
	EventCursorMove        EventType = "cursor-move"
	EventAddElement        EventType = "add-element"
	EventUpdateElement     EventType = "update-element"
	EventDeleteElement     EventType = "delete-element"
	EventUndoElement       EventType = "undo-element"
	EventClearUserElements EventType = "clear-user-elements"
	EventSessionEnded      EventType = "session-ended"
	EventKickUser          EventType = "kick-user"
	EventUserLeft          EventType = "user-left"
	EventSendInvite        EventType = "send-invite"
	EventSendFriendRequest EventType = "send-friend-request"
	EventAcceptFriendReq   EventType = "accept-friend-request"
	EventRemoveFriend      EventType = "remove-friend"
)

// Outbound events (server to client).
const (
	EventInitElements      EventType = "init-elements"
	EventElementAdded      EventType = "element-added"
	EventElementUpdated    EventType = "element-updated"
	EventElementDeleted    EventType = "element-deleted"
	EventElementsUpdate    EventType = "elements-update"
	EventCursorUpdate      EventType = "cursor-update"
	EventCursorRemove      EventType = "cursor-remove"
	EventUserJoined        EventType = "user-joined"
	EventUserStatusChange  EventType = "user-status-change"
	EventUserKicked        EventType = "user-kicked"
	EventActiveUsers       EventType = "active-users"
	EventNewInvite         EventType = "new-invite"
	EventNewFriendRequest  EventType = "new-friend-request"
	EventFriendReqAccepted EventType = "friend-request-accepted"
	EventFriendRemoved     EventType = "friend-removed"
)

// UserStatusOnline and UserStatusOffline are the two presence transitions.
const (
	UserStatusOnline  = "online"
	UserStatusOffline = "offline"
)

// JoinSessionPayload attaches a user to the session it connected for.
type JoinSessionPayload struct {
	User board.User `json:"user"`
}

// CursorMovePayload is a pointer position report. Never stored.
type CursorMovePayload struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Name  string  `json:"name,omitempty"`
	Color string  `json:"color,omitempty"`
}

// DeleteElementPayload addresses one element by id.
type DeleteElementPayload struct {
	ElementID string `json:"elementId"`
}

// UndoElementPayload asks to remove the user's chronologically last element.
type UndoElementPayload struct {
	UserID string `json:"userId"`
}

// ClearUserElementsPayload asks to remove every element the user authored.
type ClearUserElementsPayload struct {
	UserID string `json:"userId"`
}

// SessionEndedPayload terminates a session for everyone.
type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
}

// KickUserPayload removes a user from the roster and the room.
type KickUserPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// UserLeftPayload marks a voluntary exit; roster membership persists.
type UserLeftPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// SendInvitePayload relays a session invite to each recipient's inbox. The
// session body is opaque to the router.
type SendInvitePayload struct {
	ToUserIDs []string        `json:"toUserIds"`
	Session   json.RawMessage `json:"session"`
}

// SendFriendRequestPayload relays a friend request to one inbox.
type SendFriendRequestPayload struct {
	ToUserID string          `json:"toUserId"`
	Request  json.RawMessage `json:"request"`
}

// AcceptFriendRequestPayload relays an acceptance back to the requester.
type AcceptFriendRequestPayload struct {
	ToUserID   string          `json:"toUserId"`
	Friendship json.RawMessage `json:"friendship"`
}

// RemoveFriendPayload relays a friendship removal.
type RemoveFriendPayload struct {
	ToUserID        string `json:"toUserId"`
	RemovedByUserID string `json:"removedByUserId"`
}

// StatusChangePayload is the outbound presence transition.
type StatusChangePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// CursorRemovePayload tells clients to drop a departed connection's cursor.
type CursorRemovePayload struct {
	ConnectionID string `json:"connectionId"`
}

// encode wraps a payload in the envelope. Marshal failures are programming
// errors on our own types; they are logged and yield nil, which the fan-out
// path skips.
func encode(eventType EventType, payload any) []byte {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event payload")
			return nil
		}
	}
	raw, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
		return nil
	}
	return raw
}
