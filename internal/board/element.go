package board

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one case of the element union.
type Kind string

const (
	KindStroke    Kind = "stroke"
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindTriangle  Kind = "triangle"
	KindDiamond   Kind = "diamond"
	KindLine      Kind = "line"
	KindArrow     Kind = "arrow"
	KindText      Kind = "text"
	KindSticky    Kind = "sticky"
)

// Element is one drawable object on the shared canvas. Identity is the id
// alone: two elements are the same element iff their ids match, regardless of
// content, and the id never changes after creation.
type Element interface {
	ID() string
	Author() string
	Kind() Kind
}

// Point is a single coordinate on the infinite canvas.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Meta carries the fields every element kind shares. It is embedded so the
// wire form stays flat: {"id":..,"type":..,"userId":..,...kind fields}.
type Meta struct {
	ElementID string `json:"id"`
	Type      Kind   `json:"type"`
	UserID    string `json:"userId"`
	// Name is a display-name snapshot of the author, kept so attribution
	// survives the author disconnecting.
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

func (m Meta) ID() string     { return m.ElementID }
func (m Meta) Author() string { return m.UserID }
func (m Meta) Kind() Kind     { return m.Type }

func (m Meta) validate() error {
	if m.ElementID == "" {
		return fmt.Errorf("element missing id")
	}
	if m.Type == "" {
		return fmt.Errorf("element %s missing type", m.ElementID)
	}
	if m.UserID == "" {
		return fmt.Errorf("element %s missing userId", m.ElementID)
	}
	return nil
}

// Stroke is a freehand drawing: an ordered point sequence with one width and
// color for the whole path.
type Stroke struct {
	Meta
	Points      []Point `json:"points"`
	StrokeWidth float64 `json:"strokeWidth"`
}

// Shape is a parametric figure anchored at (X, Y). Width and Height are
// signed extents so a drag up-and-left yields negative values rather than a
// renormalized origin.
type Shape struct {
	Meta
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Fill        string  `json:"fill,omitempty"`
}

// Text is a plain text object anchored at (X, Y).
type Text struct {
	Meta
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Content  string  `json:"text"`
	FontSize float64 `json:"fontSize"`
}

// Sticky is a sticky note: text plus a box that grows with its word-wrapped
// content. Width and Height are derived, see Autosize.
type Sticky struct {
	Meta
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Content  string  `json:"text"`
	FontSize float64 `json:"fontSize"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// User identifies a participant as carried on join and presence events.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// Cursor is the ephemeral pointer position of one connection. Keyed by
// connection, not user, so two tabs show two cursors. Never persisted.
type Cursor struct {
	ConnectionID string  `json:"id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Name         string  `json:"name,omitempty"`
	Color        string  `json:"color,omitempty"`
}

// Decode parses one element off the wire, dispatching on the type tag and
// validating the shared header. Unknown kinds and missing id/type/userId are
// errors; the caller drops the event.
func Decode(raw []byte) (Element, error) {
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode element: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}

	switch meta.Type {
	case KindStroke:
		var el Stroke
		if err := json.Unmarshal(raw, &el); err != nil {
			return nil, fmt.Errorf("decode stroke %s: %w", meta.ElementID, err)
		}
		return &el, nil
	case KindRectangle, KindCircle, KindTriangle, KindDiamond, KindLine, KindArrow:
		var el Shape
		if err := json.Unmarshal(raw, &el); err != nil {
			return nil, fmt.Errorf("decode shape %s: %w", meta.ElementID, err)
		}
		return &el, nil
	case KindText:
		var el Text
		if err := json.Unmarshal(raw, &el); err != nil {
			return nil, fmt.Errorf("decode text %s: %w", meta.ElementID, err)
		}
		return &el, nil
	case KindSticky:
		var el Sticky
		if err := json.Unmarshal(raw, &el); err != nil {
			return nil, fmt.Errorf("decode sticky %s: %w", meta.ElementID, err)
		}
		return &el, nil
	default:
		return nil, fmt.Errorf("element %s has unknown type %q", meta.ElementID, meta.Type)
	}
}

// DecodeList parses an element array (init-elements, elements-update).
// Malformed entries are skipped rather than failing the whole list, so one
// bad element cannot wedge a full-snapshot replace.
func DecodeList(raw []byte) ([]Element, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode element list: %w", err)
	}
	elements := make([]Element, 0, len(items))
	for _, item := range items {
		el, err := Decode(item)
		if err != nil {
			continue
		}
		elements = append(elements, el)
	}
	return elements, nil
}
