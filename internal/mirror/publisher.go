// Package mirror republishes session events onto a message bus for external
// consumers such as audit or analytics. It is publish-only: nothing is ever
// consumed back into a registry, so a single sync server stays the one
// source of truth.
package mirror

// Publisher mirrors one already-encoded session event outward. Fire and
// forget; delivery failures never reach the event path.
type Publisher interface {
	Publish(sessionID string, event []byte)
	Close()
}

// NopPublisher is the default when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(sessionID string, event []byte) {}

func (NopPublisher) Close() {}
