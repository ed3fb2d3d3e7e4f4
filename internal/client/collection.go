// Package client is the participant-side half of the sync protocol: a local
// ordered element collection, the merge rules that reconcile it with server
// events, and a websocket client that feeds it.
package client

import (
	"sync"

	"github.com/khattaby/collaborative-whiteboard/internal/board"
)

// Collection is a client's local view of the canvas: elements in z-order
// with id-based addressing, plus at most one optimistic in-progress element
// rendered before the server has seen it.
type Collection struct {
	mu       sync.RWMutex
	elements []board.Element
	index    map[string]int
	pending  board.Element
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{index: make(map[string]int)}
}

// Upsert merges one element by id: update in place where found, else append.
// The append fallback is defensive — an update can arrive for an element
// whose add was missed, and dropping it would diverge forever. Upsert is
// idempotent and commutes with itself across distinct ids, which is what
// makes echoed confirmations harmless.
func (c *Collection) Upsert(el board.Element) {
	if el == nil || el.ID() == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(el)
}

func (c *Collection) upsertLocked(el board.Element) {
	if i, ok := c.index[el.ID()]; ok {
		c.elements[i] = el
		return
	}
	c.index[el.ID()] = len(c.elements)
	c.elements = append(c.elements, el)

	// A confirmation for the element we were optimistically drawing
	// supersedes the prediction.
	if c.pending != nil && c.pending.ID() == el.ID() {
		c.pending = nil
	}
}

// Remove deletes an element by id. No-op if absent.
func (c *Collection) Remove(elementID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[elementID]
	if !ok {
		return
	}
	c.elements = append(c.elements[:i], c.elements[i+1:]...)
	delete(c.index, elementID)
	for j := i; j < len(c.elements); j++ {
		c.index[c.elements[j].ID()] = j
	}
}

// ReplaceAll installs a full-snapshot replace (undo, clear, init). The
// server's order wins wholesale; a pending element that reappears in the
// snapshot is deduplicated by id.
func (c *Collection) ReplaceAll(elements []board.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.elements = c.elements[:0]
	c.index = make(map[string]int, len(elements))
	for _, el := range elements {
		if el == nil || el.ID() == "" {
			continue
		}
		if _, ok := c.index[el.ID()]; ok {
			continue
		}
		c.index[el.ID()] = len(c.elements)
		c.elements = append(c.elements, el)
		if c.pending != nil && c.pending.ID() == el.ID() {
			c.pending = nil
		}
	}
}

// SetPending stages the element currently being drawn locally.
func (c *Collection) SetPending(el board.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = el
}

// CommitPending promotes the in-progress element into the collection,
// returning it so the caller can send the add event. Nil when nothing was
// pending.
func (c *Collection) CommitPending() board.Element {
	c.mu.Lock()
	defer c.mu.Unlock()

	el := c.pending
	c.pending = nil
	if el != nil {
		c.upsertLocked(el)
	}
	return el
}

// Render returns the elements to paint, in z-order, with the pending element
// on top. The slice is a copy.
func (c *Collection) Render() []board.Element {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]board.Element, 0, len(c.elements)+1)
	out = append(out, c.elements...)
	if c.pending != nil {
		out = append(out, c.pending)
	}
	return out
}

// Get returns the element with the given id.
func (c *Collection) Get(elementID string) (board.Element, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[elementID]
	if !ok {
		return nil, false
	}
	return c.elements[i], true
}

// Len counts confirmed elements, excluding any pending one.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.elements)
}
