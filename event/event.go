// Package event defines the persisted history record and its closed set of
// payload types. Every user-visible edit in the editor becomes one Event;
// the log store assigns sequence numbers at persist time and the replayer
// folds payloads back into a sketch.State.
//
// The payload union is closed on purpose: adding a shape operation means
// adding a type here, a kind constant, and a Decode arm. Rows whose kind is
// not recognized (newer file read by older build, or corrupted kind column)
// decode to Unknown so a single bad row can never make a document unloadable.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teacurran/WireTuner-sub000/idgen"
	"github.com/teacurran/WireTuner-sub000/sketch"
)

// Event kinds as stored in the kind column.
const (
	KindShapeAdded     = "shape.added"
	KindShapeRemoved   = "shape.removed"
	KindPathExtended   = "path.extended"
	KindShapeMoved     = "shape.moved"
	KindShapeStyled    = "shape.styled"
	KindShapeReordered = "shape.reordered"
	KindCanvasResized  = "canvas.resized"
	KindGroupStart     = "group.start"
	KindGroupEnd       = "group.end"
)

// ErrUnknownKind marks a payload whose kind is not in the union.
var ErrUnknownKind = errors.New("event: unknown event kind")

// Payload is one member of the closed event union.
type Payload interface {
	Kind() string
	Apply(*sketch.State) error
}

// Event is an immutable history record. Seq is assigned by the log store at
// persist time: strictly increasing, gap-free, 1-based per document (0 means
// "before any event"). Events are never mutated once persisted.
type Event struct {
	ID      string
	DocID   string
	Seq     int64
	Time    time.Time
	Payload Payload
}

// Kind returns the payload kind.
func (e Event) Kind() string { return e.Payload.Kind() }

// New builds an unsequenced event for the given document. Seq stays 0 until
// the log store assigns it.
func New(docID string, p Payload) Event {
	return Event{
		ID:      idgen.EventID(),
		DocID:   docID,
		Time:    time.Now().UTC(),
		Payload: p,
	}
}

// ShapeAdded inserts a new shape on top of the stack.
type ShapeAdded struct {
	Shape sketch.Shape `json:"shape"`
}

func (p ShapeAdded) Kind() string { return KindShapeAdded }

func (p ShapeAdded) Apply(s *sketch.State) error {
	return s.Insert(p.Shape.Clone())
}

// ShapeRemoved deletes a shape.
type ShapeRemoved struct {
	ShapeID string `json:"shape_id"`
}

func (p ShapeRemoved) Kind() string { return KindShapeRemoved }

func (p ShapeRemoved) Apply(s *sketch.State) error {
	return s.Remove(p.ShapeID)
}

// PathExtended appends drag samples to a path. Continuous drawing input
// produces a run of these, one per sample batch.
type PathExtended struct {
	ShapeID string         `json:"shape_id"`
	Points  []sketch.Point `json:"points"`
}

func (p PathExtended) Kind() string { return KindPathExtended }

func (p PathExtended) Apply(s *sketch.State) error {
	return s.ExtendPath(p.ShapeID, p.Points...)
}

// ShapeMoved translates a shape.
type ShapeMoved struct {
	ShapeID string  `json:"shape_id"`
	DX      float64 `json:"dx"`
	DY      float64 `json:"dy"`
}

func (p ShapeMoved) Kind() string { return KindShapeMoved }

func (p ShapeMoved) Apply(s *sketch.State) error {
	return s.Move(p.ShapeID, p.DX, p.DY)
}

// ShapeStyled replaces a shape's style.
type ShapeStyled struct {
	ShapeID string       `json:"shape_id"`
	Style   sketch.Style `json:"style"`
}

func (p ShapeStyled) Kind() string { return KindShapeStyled }

func (p ShapeStyled) Apply(s *sketch.State) error {
	return s.SetStyle(p.ShapeID, p.Style)
}

// ShapeReordered moves a shape to a new Z index.
type ShapeReordered struct {
	ShapeID string `json:"shape_id"`
	Index   int    `json:"index"`
}

func (p ShapeReordered) Kind() string { return KindShapeReordered }

func (p ShapeReordered) Apply(s *sketch.State) error {
	return s.Reorder(p.ShapeID, p.Index)
}

// CanvasResized sets the canvas dimensions.
type CanvasResized struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (p CanvasResized) Kind() string { return KindCanvasResized }

func (p CanvasResized) Apply(s *sketch.State) error {
	return s.ResizeCanvas(p.Width, p.Height)
}

// GroupStart opens an operation group. Start and end markers share GroupID.
// Markers carry no document mutation — Apply is a no-op.
type GroupStart struct {
	GroupID string `json:"group_id"`
	Label   string `json:"label"`
}

func (p GroupStart) Kind() string { return KindGroupStart }

func (p GroupStart) Apply(*sketch.State) error { return nil }

// GroupEnd closes the operation group opened with the same GroupID.
type GroupEnd struct {
	GroupID string `json:"group_id"`
}

func (p GroupEnd) Kind() string { return KindGroupEnd }

func (p GroupEnd) Apply(*sketch.State) error { return nil }

// Unknown preserves a row whose kind or payload could not be decoded. The
// raw bytes survive round trips so a newer build can still read them.
type Unknown struct {
	RawKind string
	Raw     []byte
}

func (p Unknown) Kind() string { return p.RawKind }

func (p Unknown) Apply(*sketch.State) error {
	return fmt.Errorf("%w: %s", ErrUnknownKind, p.RawKind)
}

// IsMarker reports whether kind is a group boundary marker.
func IsMarker(kind string) bool {
	return kind == KindGroupStart || kind == KindGroupEnd
}

// Encode serializes a payload to the bytes stored in the payload column.
// Unknown payloads pass their original bytes through unchanged.
func Encode(p Payload) ([]byte, error) {
	if u, ok := p.(Unknown); ok {
		return u.Raw, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", p.Kind(), err)
	}
	return data, nil
}

// Decode parses a stored payload. An unrecognized kind or malformed body
// returns an Unknown payload carrying the raw bytes alongside a non-nil
// error; callers treat that as a recoverable per-event condition, not a
// failure of the whole read.
func Decode(kind string, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindShapeAdded:
		p, err = unmarshal[ShapeAdded](data)
	case KindShapeRemoved:
		p, err = unmarshal[ShapeRemoved](data)
	case KindPathExtended:
		p, err = unmarshal[PathExtended](data)
	case KindShapeMoved:
		p, err = unmarshal[ShapeMoved](data)
	case KindShapeStyled:
		p, err = unmarshal[ShapeStyled](data)
	case KindShapeReordered:
		p, err = unmarshal[ShapeReordered](data)
	case KindCanvasResized:
		p, err = unmarshal[CanvasResized](data)
	case KindGroupStart:
		p, err = unmarshal[GroupStart](data)
	case KindGroupEnd:
		p, err = unmarshal[GroupEnd](data)
	default:
		return Unknown{RawKind: kind, Raw: data}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err != nil {
		return Unknown{RawKind: kind, Raw: data}, fmt.Errorf("event: decode %s: %w", kind, err)
	}
	return p, nil
}

func unmarshal[T Payload](data []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
