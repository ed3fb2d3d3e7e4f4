// Package gateway accepts websocket connections, binds each one to a user
// identity and its rooms, and owns the fan-out path from the event router to
// the wire.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionRoom and InboxRoom name the two broadcast scopes: one per
// whiteboard, one per user for invites and friend events.
func SessionRoom(sessionID string) string { return "session:" + sessionID }
func InboxRoom(userID string) string      { return "user:" + userID }

// Peer is the router's view of a connection: identity and room binding, no
// transport details.
type Peer struct {
	ID            string
	UserID        string
	SessionID     string
	Authenticated bool
}

// EventHandler receives the lifecycle and traffic of every connection. The
// event router implements it.
type EventHandler interface {
	HandleConnect(ctx context.Context, p Peer)
	HandleMessage(p Peer, raw []byte)
	// HandleDisconnect runs after the connection has been removed from its
	// rooms, so presence checks see only the survivors.
	HandleDisconnect(p Peer)
}

// ConnectionManager tracks live connections per room and serializes fan-out
// through a single broadcast channel.
type ConnectionManager struct {
	rooms     map[string]map[*Connection]bool
	connsByID map[string]*Connection
	mu        sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  EventHandler

	broadcastCh chan broadcastMessage
}

// Connection is one live websocket client.
type Connection struct {
	Peer
	Rooms []string

	conn    *websocket.Conn
	send    chan []byte
	manager *ConnectionManager

	ConnectedAt time.Time
	lastPing    time.Time
}

// ConnectionConfig tunes the websocket transport.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	room    string
	payload []byte
	// exceptID skips one connection, implementing the no-echo rule for
	// element events and cursor moves.
	exceptID string
	// onlyID targets a single connection (join replies).
	onlyID string
}

// DefaultConnectionConfig returns transport defaults suitable for element
// payloads (strokes with many points need more headroom than chat).
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  256 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a manager. The handler is attached separately
// because the router needs the manager first.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		rooms:     make(map[string]map[*Connection]bool),
		connsByID: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1024),
	}
}

// SetHandler attaches the event router. Must be called before Serve.
func (cm *ConnectionManager) SetHandler(h EventHandler) {
	cm.handler = h
}

// Start drains the broadcast channel until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.deliver(message)
		}
	}
}

// Serve upgrades an HTTP request and runs the connection until it drops. The
// connection always joins the user's inbox room; it joins a session room only
// when a session id was bound at connect time.
func (cm *ConnectionManager) Serve(w http.ResponseWriter, r *http.Request, peer Peer) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return err
	}

	rooms := []string{InboxRoom(peer.UserID)}
	if peer.SessionID != "" {
		rooms = append(rooms, SessionRoom(peer.SessionID))
	}

	connection := &Connection{
		Peer:        peer,
		Rooms:       rooms,
		conn:        conn,
		send:        make(chan []byte, 256),
		manager:     cm,
		ConnectedAt: time.Now(),
		lastPing:    time.Now(),
	}

	cm.register(connection)
	if cm.handler != nil {
		cm.handler.HandleConnect(r.Context(), peer)
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", peer.ID).
		Str("user_id", peer.UserID).
		Str("session_id", peer.SessionID).
		Bool("authenticated", peer.Authenticated).
		Msg("websocket connection established")

	return nil
}

// NewPeerID mints a collision-resistant connection identifier.
func NewPeerID() string { return uuid.New().String() }

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connsByID[conn.ID] = conn
	for _, room := range conn.Rooms {
		if cm.rooms[room] == nil {
			cm.rooms[room] = make(map[*Connection]bool)
		}
		cm.rooms[room][conn] = true
	}
}

// unregister removes the connection from every room, then notifies the
// handler so its presence check runs against the remaining connections.
func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	if _, ok := cm.connsByID[conn.ID]; !ok {
		cm.mu.Unlock()
		return
	}
	delete(cm.connsByID, conn.ID)
	for _, room := range conn.Rooms {
		if members, ok := cm.rooms[room]; ok {
			delete(members, conn)
			if len(members) == 0 {
				delete(cm.rooms, room)
			}
		}
	}
	close(conn.send)
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("session_id", conn.SessionID).
		Msg("connection unregistered")

	if cm.handler != nil {
		cm.handler.HandleDisconnect(conn.Peer)
	}
}

// Broadcast sends a payload to every connection in a room.
func (cm *ConnectionManager) Broadcast(room string, payload []byte) {
	cm.enqueue(broadcastMessage{room: room, payload: payload})
}

// BroadcastExcept sends to every connection in a room but one.
func (cm *ConnectionManager) BroadcastExcept(room, exceptID string, payload []byte) {
	cm.enqueue(broadcastMessage{room: room, payload: payload, exceptID: exceptID})
}

// SendTo delivers to a single connection by id.
func (cm *ConnectionManager) SendTo(connID string, payload []byte) {
	cm.enqueue(broadcastMessage{onlyID: connID, payload: payload})
}

func (cm *ConnectionManager) enqueue(message broadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().Str("room", message.room).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) deliver(message broadcastMessage) {
	cm.mu.RLock()
	var targets []*Connection
	if message.onlyID != "" {
		if conn, ok := cm.connsByID[message.onlyID]; ok {
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.rooms[message.room] {
			if conn.ID == message.exceptID {
				continue
			}
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.send <- message.payload:
		default:
			// Connection is slow or dead; drop it rather than stalling the
			// rest of the room.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("connection send buffer full, closing connection")
			cm.unregister(conn)
			conn.conn.Close()
		}
	}
}

// UserConnectionCount counts the user's live connections in a room. Presence
// enumerates current connections instead of trusting a counter, which would
// desync under reconnection races.
func (cm *ConnectionManager) UserConnectionCount(room, userID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	count := 0
	for conn := range cm.rooms[room] {
		if conn.UserID == userID {
			count++
		}
	}
	return count
}

// Stats summarizes live connections per room.
func (cm *ConnectionManager) Stats() (total int, perRoom map[string]int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	perRoom = make(map[string]int, len(cm.rooms))
	for room, members := range cm.rooms {
		perRoom[room] = len(members)
		total += len(members)
	}
	return total, perRoom
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.lastPing = time.Now()
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.lastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		if c.manager.handler != nil {
			c.manager.handler.HandleMessage(c.Peer, message)
		}
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
