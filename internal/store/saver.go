package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
)

// DefaultSaveDelay is how long after the last edit a session is persisted.
const DefaultSaveDelay = 1500 * time.Millisecond

// SnapshotFunc supplies the current element list for a session; the registry
// provides it.
type SnapshotFunc func(sessionID string) []board.Element

// Saver debounces persistence per session: every edit restarts a timer, and
// the snapshot is written once the session has been quiet for the delay.
// Writes run in their own goroutines so a slow database never backs up into
// the event path.
type Saver struct {
	store    Store
	snapshot SnapshotFunc
	clock    clockwork.Clock
	delay    time.Duration

	mu     sync.Mutex
	timers map[string]*sessionTimer
}

type sessionTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// NewSaver builds a debounced saver over the given clock.
func NewSaver(store Store, snapshot SnapshotFunc, clock clockwork.Clock, delay time.Duration) *Saver {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &Saver{
		store:    store,
		snapshot: snapshot,
		clock:    clock,
		delay:    delay,
		timers:   make(map[string]*sessionTimer),
	}
}

// Load fetches the persisted snapshot for a session.
func (s *Saver) Load(ctx context.Context, sessionID string) ([]board.Element, error) {
	return s.store.LoadSession(ctx, sessionID)
}

// MarkDirty notes that the session changed and (re)starts its debounce
// timer.
func (s *Saver) MarkDirty(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.timers[sessionID]; ok {
		st.timer.Reset(s.delay)
		return
	}

	st := &sessionTimer{
		timer:  s.clock.NewTimer(s.delay),
		cancel: make(chan struct{}),
	}
	s.timers[sessionID] = st

	go func() {
		select {
		case <-st.timer.Chan():
			s.removeTimer(sessionID, st)
			s.write(sessionID, s.snapshot(sessionID))
		case <-st.cancel:
			st.timer.Stop()
		}
	}()
}

// Flush captures the session's current snapshot immediately and writes it in
// the background. Called on explicit session end, before the registry
// forgets the state.
func (s *Saver) Flush(sessionID string) {
	s.discard(sessionID)
	elements := s.snapshot(sessionID)
	go s.write(sessionID, elements)
}

// Discard drops any pending save for an ended session.
func (s *Saver) Discard(sessionID string) {
	s.discard(sessionID)
}

func (s *Saver) discard(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.timers[sessionID]; ok {
		close(st.cancel)
		delete(s.timers, sessionID)
	}
}

func (s *Saver) removeTimer(sessionID string, st *sessionTimer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.timers[sessionID]; ok && current == st {
		delete(s.timers, sessionID)
	}
}

func (s *Saver) write(sessionID string, elements []board.Element) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.store.SaveSession(ctx, sessionID, elements); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Msg("failed to persist session snapshot")
		return
	}
	log.Debug().
		Str("session_id", sessionID).
		Int("elements", len(elements)).
		Msg("session snapshot persisted")
}
