package router

// Policy is the capability check for actions the protocol does not tie to
// element ownership. Today every rule answers allow: delete and kick are
// deliberately ungated server-side, with the UI expected to gate them by
// role. Keeping the check explicit makes a future tightening a policy
// change instead of a protocol change.
type Policy interface {
	CanDeleteElement(sessionID, userID, elementID string) bool
	CanKickUser(sessionID, actorID, targetID string) bool
	CanEndSession(sessionID, userID string) bool
}

// AllowAll is the default policy: trust that privileged events were already
// authorized by the surrounding application before being emitted.
type AllowAll struct{}

func (AllowAll) CanDeleteElement(sessionID, userID, elementID string) bool { return true }
func (AllowAll) CanKickUser(sessionID, actorID, targetID string) bool      { return true }
func (AllowAll) CanEndSession(sessionID, userID string) bool               { return true }
