package gateway

// Tracker answers "is user U online in session S" from live connections
// alone. Status is never persisted: a participant with no connections is
// simply offline until they reconnect.
type Tracker struct {
	manager *ConnectionManager
}

// NewTracker creates a presence tracker over the connection manager.
func NewTracker(cm *ConnectionManager) *Tracker {
	return &Tracker{manager: cm}
}

// Online reports whether the user has at least one live connection in the
// session room. Called after a disconnect has been unregistered, it sees
// only the surviving connections, so closing one of two tabs does not flap
// the user offline.
func (t *Tracker) Online(sessionID, userID string) bool {
	return t.manager.UserConnectionCount(SessionRoom(sessionID), userID) > 0
}
