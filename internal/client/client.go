package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
	"github.com/khattaby/collaborative-whiteboard/internal/router"
)

// Handlers are the client application's hooks. OnChange fires after any
// mutation of the element collection and is where re-rendering happens; all
// hooks are optional.
type Handlers struct {
	OnChange       func()
	OnCursor       func(board.Cursor)
	OnCursorRemove func(connectionID string)
	OnActiveUsers  func(userIDs []string)
	OnUserJoined   func(board.User)
	OnUserLeft     func(userID string)
	OnStatusChange func(userID, status string)
	OnSessionEnded func()
	OnKicked       func()
	OnInvite       func(session json.RawMessage)
	OnFriendEvent  func(eventType string, payload json.RawMessage)
}

// Config describes one connection.
type Config struct {
	// BaseURL is the server's websocket endpoint, e.g. ws://host:8080/ws.
	BaseURL   string
	SessionID string
	UserID    string
	Name      string
	Color     string
	// Token is the optional bearer credential.
	Token string
}

// Client connects to the sync server, keeps a Collection reconciled with the
// event stream, and exposes send methods mirroring the inbound catalogue.
type Client struct {
	config   Config
	conn     *websocket.Conn
	writeMu  sync.Mutex
	elements *Collection
	handlers Handlers

	cursorMu sync.RWMutex
	cursors  map[string]board.Cursor

	done chan struct{}
}

// Dial connects and starts the read loop.
func Dial(config Config, handlers Handlers) (*Client, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	query := u.Query()
	query.Set("userId", config.UserID)
	if config.SessionID != "" {
		query.Set("sessionId", config.SessionID)
	}
	if config.Token != "" {
		query.Set("token", config.Token)
	}
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c := &Client{
		config:   config,
		conn:     conn,
		elements: NewCollection(),
		handlers: handlers,
		cursors:  make(map[string]board.Cursor),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Elements is the client's reconciled collection.
func (c *Client) Elements() *Collection { return c.elements }

// Cursors returns the current remote cursors by connection id.
func (c *Client) Cursors() map[string]board.Cursor {
	c.cursorMu.RLock()
	defer c.cursorMu.RUnlock()
	out := make(map[string]board.Cursor, len(c.cursors))
	for id, cur := range c.cursors {
		out[id] = cur
	}
	return out
}

// Done closes when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down.
func (c *Client) Close() error { return c.conn.Close() }

// Join announces this user to the session room.
func (c *Client) Join() error {
	return c.sendEvent(router.EventJoinSession, router.JoinSessionPayload{
		User: board.User{ID: c.config.UserID, Name: c.config.Name, Color: c.config.Color},
	})
}

// MoveCursor reports the local pointer position.
func (c *Client) MoveCursor(x, y float64) error {
	return c.sendEvent(router.EventCursorMove, router.CursorMovePayload{
		X:     x,
		Y:     y,
		Name:  c.config.Name,
		Color: c.config.Color,
	})
}

// StagePending renders an in-progress element locally before any round trip.
func (c *Client) StagePending(el board.Element) {
	c.elements.SetPending(el)
	c.changed()
}

// CommitPending promotes the staged element and sends it to the server. The
// server will not echo it back; the local copy is already authoritative for
// this client.
func (c *Client) CommitPending() error {
	el := c.elements.CommitPending()
	if el == nil {
		return nil
	}
	c.changed()
	return c.sendEvent(router.EventAddElement, el)
}

// AddElement applies an element locally and sends it.
func (c *Client) AddElement(el board.Element) error {
	c.elements.Upsert(el)
	c.changed()
	return c.sendEvent(router.EventAddElement, el)
}

// UpdateElement applies an edit locally and sends it.
func (c *Client) UpdateElement(el board.Element) error {
	c.elements.Upsert(el)
	c.changed()
	return c.sendEvent(router.EventUpdateElement, el)
}

// DeleteElement removes an element locally and sends the deletion.
func (c *Client) DeleteElement(elementID string) error {
	c.elements.Remove(elementID)
	c.changed()
	return c.sendEvent(router.EventDeleteElement, router.DeleteElementPayload{ElementID: elementID})
}

// Undo asks the server to remove this user's most recent element. The
// result arrives as a full-snapshot elements-update, sender included.
func (c *Client) Undo() error {
	return c.sendEvent(router.EventUndoElement, router.UndoElementPayload{UserID: c.config.UserID})
}

// ClearOwn asks the server to remove every element this user authored.
func (c *Client) ClearOwn() error {
	return c.sendEvent(router.EventClearUserElements, router.ClearUserElementsPayload{UserID: c.config.UserID})
}

// EndSession terminates the session for everyone.
func (c *Client) EndSession() error {
	return c.sendEvent(router.EventSessionEnded, router.SessionEndedPayload{SessionID: c.config.SessionID})
}

// KickUser removes another participant.
func (c *Client) KickUser(userID string) error {
	return c.sendEvent(router.EventKickUser, router.KickUserPayload{
		UserID:    userID,
		SessionID: c.config.SessionID,
	})
}

// Leave announces a voluntary exit before closing.
func (c *Client) Leave() error {
	return c.sendEvent(router.EventUserLeft, router.UserLeftPayload{
		UserID:    c.config.UserID,
		SessionID: c.config.SessionID,
	})
}

// SendInvite relays a session invite to each recipient's inbox.
func (c *Client) SendInvite(toUserIDs []string, sessionBody json.RawMessage) error {
	return c.sendEvent(router.EventSendInvite, router.SendInvitePayload{
		ToUserIDs: toUserIDs,
		Session:   sessionBody,
	})
}

func (c *Client) sendEvent(eventType router.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	raw, err := json.Marshal(router.Event{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.conn.Close()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.apply(raw)
	}
}

// apply merges one server event into local state. Unknown events are
// ignored so older clients survive protocol additions.
func (c *Client) apply(raw []byte) {
	var event router.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		log.Warn().Err(err).Msg("client dropping unparseable event")
		return
	}

	switch event.Type {
	case router.EventInitElements, router.EventElementsUpdate:
		elements, err := board.DecodeList(event.Data)
		if err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("client dropping bad snapshot")
			return
		}
		c.elements.ReplaceAll(elements)
		c.changed()

	case router.EventElementAdded, router.EventElementUpdated:
		el, err := board.Decode(event.Data)
		if err != nil {
			return
		}
		c.elements.Upsert(el)
		c.changed()

	case router.EventElementDeleted:
		var payload router.DeleteElementPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		c.elements.Remove(payload.ElementID)
		c.changed()

	case router.EventCursorUpdate:
		var cursor board.Cursor
		if err := json.Unmarshal(event.Data, &cursor); err != nil {
			return
		}
		c.cursorMu.Lock()
		c.cursors[cursor.ConnectionID] = cursor
		c.cursorMu.Unlock()
		if c.handlers.OnCursor != nil {
			c.handlers.OnCursor(cursor)
		}

	case router.EventCursorRemove:
		var payload router.CursorRemovePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		c.cursorMu.Lock()
		delete(c.cursors, payload.ConnectionID)
		c.cursorMu.Unlock()
		if c.handlers.OnCursorRemove != nil {
			c.handlers.OnCursorRemove(payload.ConnectionID)
		}

	case router.EventActiveUsers:
		var userIDs []string
		if err := json.Unmarshal(event.Data, &userIDs); err != nil {
			return
		}
		if c.handlers.OnActiveUsers != nil {
			c.handlers.OnActiveUsers(userIDs)
		}

	case router.EventUserJoined:
		var user board.User
		if err := json.Unmarshal(event.Data, &user); err != nil {
			return
		}
		if c.handlers.OnUserJoined != nil {
			c.handlers.OnUserJoined(user)
		}

	case router.EventUserLeft:
		var payload router.UserLeftPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		if c.handlers.OnUserLeft != nil {
			c.handlers.OnUserLeft(payload.UserID)
		}

	case router.EventUserStatusChange:
		var payload router.StatusChangePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		if c.handlers.OnStatusChange != nil {
			c.handlers.OnStatusChange(payload.UserID, payload.Status)
		}

	case router.EventUserKicked:
		var payload router.KickUserPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		if payload.UserID == c.config.UserID {
			// Kicked connections are expected to hang up themselves.
			if c.handlers.OnKicked != nil {
				c.handlers.OnKicked()
			}
			c.conn.Close()
		}

	case router.EventSessionEnded:
		if c.handlers.OnSessionEnded != nil {
			c.handlers.OnSessionEnded()
		}
		c.conn.Close()

	case router.EventNewInvite:
		if c.handlers.OnInvite != nil {
			c.handlers.OnInvite(event.Data)
		}

	case router.EventNewFriendRequest, router.EventFriendReqAccepted, router.EventFriendRemoved:
		if c.handlers.OnFriendEvent != nil {
			c.handlers.OnFriendEvent(string(event.Type), event.Data)
		}
	}
}

func (c *Client) changed() {
	if c.handlers.OnChange != nil {
		c.handlers.OnChange()
	}
}
