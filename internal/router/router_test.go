package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
	"github.com/khattaby/collaborative-whiteboard/internal/gateway"
	"github.com/khattaby/collaborative-whiteboard/internal/session"
)

type sent struct {
	room     string
	exceptID string
	connID   string
	event    Event
}

type fakeNetwork struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeNetwork) record(m sent, payload []byte) {
	var event Event
	json.Unmarshal(payload, &event)
	m.event = event
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
}

func (f *fakeNetwork) Broadcast(room string, payload []byte) {
	f.record(sent{room: room}, payload)
}

func (f *fakeNetwork) BroadcastExcept(room, exceptID string, payload []byte) {
	f.record(sent{room: room, exceptID: exceptID}, payload)
}

func (f *fakeNetwork) SendTo(connID string, payload []byte) {
	f.record(sent{connID: connID}, payload)
}

func (f *fakeNetwork) ofType(eventType EventType) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, m := range f.sent {
		if m.event.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeNetwork) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

type fakePresence struct {
	online map[string]bool
}

func (f *fakePresence) Online(sessionID, userID string) bool {
	return f.online[sessionID+"/"+userID]
}

type fakePersister struct {
	mu      sync.Mutex
	seeded  []board.Element
	dirty   []string
	flushed []string
}

func (f *fakePersister) Load(ctx context.Context, sessionID string) ([]board.Element, error) {
	return f.seeded, nil
}

func (f *fakePersister) MarkDirty(sessionID string) {
	f.mu.Lock()
	f.dirty = append(f.dirty, sessionID)
	f.mu.Unlock()
}

func (f *fakePersister) Flush(sessionID string) {
	f.mu.Lock()
	f.flushed = append(f.flushed, sessionID)
	f.mu.Unlock()
}

func (f *fakePersister) Discard(sessionID string) {}

type fixture struct {
	router   *Router
	registry *session.Registry
	net      *fakeNetwork
	presence *fakePresence
	store    *fakePersister
	clock    *clockwork.FakeClock
}

func newFixture(limit int) *fixture {
	clock := clockwork.NewFakeClock()
	registry := session.NewRegistry(session.NewRateLimiter(clock, limit, time.Second))
	net := &fakeNetwork{}
	presence := &fakePresence{online: make(map[string]bool)}
	store := &fakePersister{}
	r := New(registry, net, presence, AllowAll{}, store, nil)
	return &fixture{router: r, registry: registry, net: net, presence: presence, store: store, clock: clock}
}

func peer(connID, userID, sessionID string) gateway.Peer {
	return gateway.Peer{ID: connID, UserID: userID, SessionID: sessionID}
}

func event(t *testing.T, eventType EventType, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	assert.Equal(t, err, nil)
	raw, err := json.Marshal(Event{Type: eventType, Data: data})
	assert.Equal(t, err, nil)
	return raw
}

func rectJSON(id, userID string) json.RawMessage {
	return json.RawMessage(`{"id":"` + id + `","type":"rectangle","userId":"` + userID + `","x":0,"y":0,"width":10,"height":10,"color":"#000"}`)
}

func join(t *testing.T, f *fixture, p gateway.Peer) {
	t.Helper()
	f.router.HandleConnect(context.Background(), p)
	f.router.HandleMessage(p, event(t, EventJoinSession, JoinSessionPayload{User: board.User{ID: p.UserID}}))
}

func snapshotIDs(f *fixture, sessionID string) []string {
	elements := f.registry.Snapshot(sessionID)
	out := make([]string, len(elements))
	for i, el := range elements {
		out[i] = el.ID()
	}
	return out
}

func TestJoinRepliesToJoinerAndAnnouncesToRoom(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))

	joined := f.net.ofType(EventUserJoined)
	assert.Equal(t, len(joined), 1)
	assert.Equal(t, joined[0].room, "session:s1")
	assert.Equal(t, joined[0].exceptID, "c1")

	online := f.net.ofType(EventUserStatusChange)
	assert.Equal(t, len(online), 1)
	var status StatusChangePayload
	json.Unmarshal(online[0].event.Data, &status)
	assert.Equal(t, status, StatusChangePayload{UserID: "A", Status: UserStatusOnline})

	active := f.net.ofType(EventActiveUsers)
	assert.Equal(t, len(active), 1)
	assert.Equal(t, active[0].connID, "c1")

	init := f.net.ofType(EventInitElements)
	assert.Equal(t, len(init), 1)
	assert.Equal(t, init[0].connID, "c1")
	var elements []json.RawMessage
	json.Unmarshal(init[0].event.Data, &elements)
	assert.Equal(t, len(elements), 0)
}

func TestJoinerReceivesExistingSnapshot(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e1", "A")))
	f.net.reset()

	join(t, f, peer("c2", "B", "s1"))

	init := f.net.ofType(EventInitElements)
	assert.Equal(t, len(init), 1)
	elements, err := board.DecodeList(init[0].event.Data)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(elements), 1)
	assert.Equal(t, elements[0].ID(), "e1")
}

func TestSecondTabDoesNotReannounceOnline(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.net.reset()

	join(t, f, peer("c2", "A", "s1"))

	// Membership is re-broadcast (consumers dedupe), but there is no second
	// online transition.
	assert.Equal(t, len(f.net.ofType(EventUserJoined)), 1)
	assert.Equal(t, len(f.net.ofType(EventUserStatusChange)), 0)
}

func TestAddElementFansOutWithoutEcho(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e1", "A")))

	added := f.net.ofType(EventElementAdded)
	assert.Equal(t, len(added), 1)
	assert.Equal(t, added[0].room, "session:s1")
	assert.Equal(t, added[0].exceptID, "c1")

	el, err := board.Decode(added[0].event.Data)
	assert.Equal(t, err, nil)
	assert.Equal(t, el.ID(), "e1")
	assert.Equal(t, snapshotIDs(f, "s1"), []string{"e1"})
	assert.Equal(t, f.store.dirty, []string{"s1"})
}

func TestInvalidAddElementIsDroppedSilently(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventAddElement, json.RawMessage(`{"type":"rectangle","userId":"A"}`)))

	assert.Equal(t, len(f.net.ofType(EventElementAdded)), 0)
	assert.Equal(t, len(snapshotIDs(f, "s1")), 0)
}

func TestUpdateAfterDeleteIsDropped(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e1", "A")))
	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventDeleteElement, DeleteElementPayload{ElementID: "e1"}))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventUpdateElement, rectJSON("e1", "A")))

	assert.Equal(t, len(f.net.ofType(EventElementUpdated)), 0)
	assert.Equal(t, len(snapshotIDs(f, "s1")), 0)
}

func TestAnyParticipantMayDeleteAnyElement(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	join(t, f, peer("c2", "B", "s1"))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e1", "A")))
	f.net.reset()

	// B deletes A's element: no ownership check on delete.
	f.router.HandleMessage(peer("c2", "B", "s1"),
		event(t, EventDeleteElement, DeleteElementPayload{ElementID: "e1"}))

	deleted := f.net.ofType(EventElementDeleted)
	assert.Equal(t, len(deleted), 1)
	assert.Equal(t, deleted[0].exceptID, "c2")
	assert.Equal(t, len(snapshotIDs(f, "s1")), 0)
}

func TestUndoRequiresOwnership(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e1", "A")))
	f.net.reset()

	// B tries to undo A's element: dropped.
	f.router.HandleMessage(peer("c2", "B", "s1"),
		event(t, EventUndoElement, UndoElementPayload{UserID: "A"}))

	assert.Equal(t, len(f.net.ofType(EventElementsUpdate)), 0)
	assert.Equal(t, snapshotIDs(f, "s1"), []string{"e1"})
}

func TestUndoBroadcastsFullSnapshotToWholeRoom(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e1", "A")))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e2", "A")))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventUndoElement, UndoElementPayload{UserID: "A"}))

	updates := f.net.ofType(EventElementsUpdate)
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, updates[0].room, "session:s1")
	// Sender included: no except filter on full-snapshot replaces.
	assert.Equal(t, updates[0].exceptID, "")

	elements, err := board.DecodeList(updates[0].event.Data)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(elements), 1)
	assert.Equal(t, elements[0].ID(), "e1")
}

func TestUndoWithNothingToUndoIsSilent(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventUndoElement, UndoElementPayload{UserID: "A"}))

	assert.Equal(t, len(f.net.ofType(EventElementsUpdate)), 0)
}

func TestClearOwnElements(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	join(t, f, peer("c2", "B", "s1"))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("a1", "A")))
	f.router.HandleMessage(peer("c2", "B", "s1"), event(t, EventAddElement, rectJSON("b1", "B")))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("a2", "A")))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventClearUserElements, ClearUserElementsPayload{UserID: "A"}))

	updates := f.net.ofType(EventElementsUpdate)
	assert.Equal(t, len(updates), 1)
	elements, err := board.DecodeList(updates[0].event.Data)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(elements), 1)
	assert.Equal(t, elements[0].ID(), "b1")
}

func TestRateLimitDropsExcessEvents(t *testing.T) {
	f := newFixture(3)
	f.registry.Ensure("s1")

	p := peer("c1", "A", "s1")
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		f.router.HandleMessage(p, event(t, EventAddElement, rectJSON(id, "A")))
	}

	// Exactly the cap applied and broadcast; the rest silently dropped.
	assert.Equal(t, len(snapshotIDs(f, "s1")), 3)
	assert.Equal(t, len(f.net.ofType(EventElementAdded)), 3)
}

func TestSessionEndedDiscardsAndFlushes(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e1", "A")))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventSessionEnded, SessionEndedPayload{SessionID: "s1"}))

	ended := f.net.ofType(EventSessionEnded)
	assert.Equal(t, len(ended), 1)
	assert.Equal(t, ended[0].room, "session:s1")
	assert.Equal(t, f.store.flushed, []string{"s1"})
	assert.Equal(t, f.registry.Snapshot("s1"), nil)

	// Late events for the ended session are no-ops.
	f.net.reset()
	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventAddElement, rectJSON("e2", "A")))
	assert.Equal(t, len(f.net.ofType(EventElementAdded)), 0)
}

func TestKickRemovesParticipantAndBroadcastsToAll(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	join(t, f, peer("c2", "B", "s1"))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventKickUser, KickUserPayload{UserID: "B", SessionID: "s1"}))

	kicked := f.net.ofType(EventUserKicked)
	assert.Equal(t, len(kicked), 1)
	// The kicked connection hears it too and must hang up client-side.
	assert.Equal(t, kicked[0].exceptID, "")
	assert.Equal(t, f.registry.IsParticipant("s1", "B"), false)
}

func TestUserLeftKeepsRoster(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventUserLeft, UserLeftPayload{UserID: "A", SessionID: "s1"}))

	assert.Equal(t, len(f.net.ofType(EventUserLeft)), 1)
	assert.Equal(t, len(f.registry.ActiveUsers("s1")), 0)
	assert.Equal(t, f.registry.IsParticipant("s1", "A"), true)
}

func TestDisconnectRemovesCursorAlways(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	join(t, f, peer("c2", "A", "s1"))
	f.net.reset()

	// Another tab survives: cursor goes, status stays.
	f.presence.online["s1/A"] = true
	f.router.HandleDisconnect(peer("c1", "A", "s1"))

	removed := f.net.ofType(EventCursorRemove)
	assert.Equal(t, len(removed), 1)
	var payload CursorRemovePayload
	json.Unmarshal(removed[0].event.Data, &payload)
	assert.Equal(t, payload.ConnectionID, "c1")
	assert.Equal(t, len(f.net.ofType(EventUserStatusChange)), 0)
}

func TestDisconnectOfLastConnectionGoesOffline(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.net.reset()

	f.presence.online["s1/A"] = false
	f.router.HandleDisconnect(peer("c1", "A", "s1"))

	changes := f.net.ofType(EventUserStatusChange)
	assert.Equal(t, len(changes), 1)
	var status StatusChangePayload
	json.Unmarshal(changes[0].event.Data, &status)
	assert.Equal(t, status, StatusChangePayload{UserID: "A", Status: UserStatusOffline})

	// A second disconnect for the same user does not re-fire offline.
	f.net.reset()
	f.router.HandleDisconnect(peer("c1-again", "A", "s1"))
	assert.Equal(t, len(f.net.ofType(EventUserStatusChange)), 0)
}

func TestCursorMoveFansOutTaggedWithConnection(t *testing.T) {
	f := newFixture(100)
	join(t, f, peer("c1", "A", "s1"))
	f.net.reset()

	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventCursorMove, CursorMovePayload{X: 4, Y: 2, Name: "Ana", Color: "#0f0"}))

	updates := f.net.ofType(EventCursorUpdate)
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, updates[0].exceptID, "c1")

	var cursor board.Cursor
	json.Unmarshal(updates[0].event.Data, &cursor)
	assert.Equal(t, cursor.ConnectionID, "c1")
	assert.Equal(t, cursor.X, 4.0)
}

func TestInvitesGoToEachInbox(t *testing.T) {
	f := newFixture(100)
	f.registry.Ensure("s1")

	f.router.HandleMessage(peer("c1", "A", "s1"), event(t, EventSendInvite, SendInvitePayload{
		ToUserIDs: []string{"B", "C"},
		Session:   json.RawMessage(`{"id":"s1","name":"Sketching"}`),
	}))

	invites := f.net.ofType(EventNewInvite)
	assert.Equal(t, len(invites), 2)
	assert.Equal(t, invites[0].room, "user:B")
	assert.Equal(t, invites[1].room, "user:C")
}

func TestFriendEventsAreInboxRelays(t *testing.T) {
	f := newFixture(100)
	f.registry.Ensure("s1")
	p := peer("c1", "A", "s1")

	f.router.HandleMessage(p, event(t, EventSendFriendRequest, SendFriendRequestPayload{
		ToUserID: "B",
		Request:  json.RawMessage(`{"from":"A"}`),
	}))
	f.router.HandleMessage(p, event(t, EventAcceptFriendReq, AcceptFriendRequestPayload{
		ToUserID:   "B",
		Friendship: json.RawMessage(`{"a":"A","b":"B"}`),
	}))
	f.router.HandleMessage(p, event(t, EventRemoveFriend, RemoveFriendPayload{
		ToUserID:        "B",
		RemovedByUserID: "A",
	}))

	assert.Equal(t, len(f.net.ofType(EventNewFriendRequest)), 1)
	assert.Equal(t, len(f.net.ofType(EventFriendReqAccepted)), 1)
	assert.Equal(t, len(f.net.ofType(EventFriendRemoved)), 1)
	for _, m := range f.net.ofType(EventNewFriendRequest) {
		assert.Equal(t, m.room, "user:B")
	}
}

func TestConnectSeedsFromPersistedSnapshot(t *testing.T) {
	f := newFixture(100)
	f.store.seeded = []board.Element{
		&board.Shape{Meta: board.Meta{ElementID: "old", Type: board.KindRectangle, UserID: "A"}},
	}

	f.router.HandleConnect(context.Background(), peer("c1", "A", "s1"))
	assert.Equal(t, snapshotIDs(f, "s1"), []string{"old"})

	// Reconnecting later must not re-seed over live state.
	f.router.HandleMessage(peer("c1", "A", "s1"),
		event(t, EventDeleteElement, DeleteElementPayload{ElementID: "old"}))
	f.router.HandleConnect(context.Background(), peer("c2", "B", "s1"))
	assert.Equal(t, len(snapshotIDs(f, "s1")), 0)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	f := newFixture(100)
	f.registry.Ensure("s1")

	f.router.HandleMessage(peer("c1", "A", "s1"), []byte(`{"type":"warp-canvas","data":{}}`))
	f.router.HandleMessage(peer("c1", "A", "s1"), []byte(`not json at all`))

	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	assert.Equal(t, len(f.net.sent), 0)
}
