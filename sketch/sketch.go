// Package sketch holds the materialized vector document: a canvas plus an
// ordered list of shapes. It is the value the rest of the engine replays
// events into, snapshots, caches, and hands back to the editor.
//
// States move between goroutines and cache layers, so the package gives the
// engine two guarantees it leans on everywhere: Clone is a full deep copy
// (a cached State can never be mutated through a returned reference), and
// Footprint is a deterministic byte estimate usable for cache budgeting.
package sketch

import (
	"errors"
	"fmt"
)

// Shape kinds.
const (
	KindPath    = "path"
	KindRect    = "rect"
	KindEllipse = "ellipse"
	KindText    = "text"
)

// Errors returned by State mutations.
var (
	ErrShapeExists  = errors.New("sketch: shape id already present")
	ErrShapeMissing = errors.New("sketch: no shape with that id")
	ErrNotPath      = errors.New("sketch: shape is not a path")
	ErrBadCanvas    = errors.New("sketch: canvas dimensions must be positive")
)

// Point is a canvas coordinate in document units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Style is the paint applied to a shape.
type Style struct {
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	Opacity     float64 `json:"opacity"`
}

// Shape is a single drawable element. Paths carry their sample points in
// Points; rect/ellipse/text use the X/Y/W/H bounds. Z order is implied by
// the position of the shape's ID in State.Order.
type Shape struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	Points []Point `json:"points,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	W      float64 `json:"w,omitempty"`
	H      float64 `json:"h,omitempty"`
	Text   string  `json:"text,omitempty"`
	Style  Style   `json:"style"`
}

// Clone returns a deep copy of the shape.
func (sh *Shape) Clone() *Shape {
	cp := *sh
	if sh.Points != nil {
		cp.Points = make([]Point, len(sh.Points))
		copy(cp.Points, sh.Points)
	}
	return &cp
}

// Canvas is the drawing surface.
type Canvas struct {
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Background string  `json:"background,omitempty"`
}

// State is the full document at one point in history. Shapes maps ID to
// shape; Order lists IDs bottom-to-top. The two are kept consistent by the
// mutation methods — callers should not edit them directly.
type State struct {
	Canvas Canvas            `json:"canvas"`
	Shapes map[string]*Shape `json:"shapes"`
	Order  []string          `json:"order"`
}

// NewState returns an empty document with the default canvas.
func NewState() *State {
	return &State{
		Canvas: Canvas{Width: 1024, Height: 768, Background: "#ffffff"},
		Shapes: make(map[string]*Shape),
	}
}

// Clone returns a deep copy. The copy shares no memory with the original.
func (s *State) Clone() *State {
	cp := &State{
		Canvas: s.Canvas,
		Shapes: make(map[string]*Shape, len(s.Shapes)),
	}
	for id, sh := range s.Shapes {
		cp.Shapes[id] = sh.Clone()
	}
	if s.Order != nil {
		cp.Order = make([]string, len(s.Order))
		copy(cp.Order, s.Order)
	}
	return cp
}

// Rough per-element heap costs for Footprint. These do not need to be exact,
// only deterministic and monotone in document size.
const (
	stateOverhead = 96
	shapeOverhead = 160
	pointSize     = 16
	orderEntry    = 24
)

// Footprint returns a deterministic estimate of the in-memory size of the
// state in bytes. Cache layers use it to enforce byte budgets.
func (s *State) Footprint() int64 {
	n := int64(stateOverhead + len(s.Canvas.Background))
	for id, sh := range s.Shapes {
		n += shapeOverhead
		n += int64(len(id) + len(sh.ID) + len(sh.Kind) + len(sh.Text))
		n += int64(len(sh.Style.Stroke) + len(sh.Style.Fill))
		n += pointSize * int64(len(sh.Points))
	}
	for _, id := range s.Order {
		n += orderEntry + int64(len(id))
	}
	return n
}

// ShapeCount returns the number of shapes in the document.
func (s *State) ShapeCount() int { return len(s.Order) }

// Shape returns the shape with the given ID, or false.
func (s *State) Shape(id string) (*Shape, bool) {
	sh, ok := s.Shapes[id]
	return sh, ok
}

// Insert adds a shape on top of the stack. The shape is stored as-is; pass a
// clone if the caller keeps a reference.
func (s *State) Insert(sh *Shape) error {
	if _, ok := s.Shapes[sh.ID]; ok {
		return fmt.Errorf("%w: %s", ErrShapeExists, sh.ID)
	}
	s.Shapes[sh.ID] = sh
	s.Order = append(s.Order, sh.ID)
	return nil
}

// Remove deletes a shape and its Z-order entry.
func (s *State) Remove(id string) error {
	if _, ok := s.Shapes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrShapeMissing, id)
	}
	delete(s.Shapes, id)
	for i, oid := range s.Order {
		if oid == id {
			s.Order = append(s.Order[:i], s.Order[i+1:]...)
			break
		}
	}
	return nil
}

// Move translates a shape by (dx, dy). Paths move every point; bounded
// shapes move their origin.
func (s *State) Move(id string, dx, dy float64) error {
	sh, ok := s.Shapes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrShapeMissing, id)
	}
	if sh.Kind == KindPath {
		for i := range sh.Points {
			sh.Points[i].X += dx
			sh.Points[i].Y += dy
		}
		return nil
	}
	sh.X += dx
	sh.Y += dy
	return nil
}

// SetStyle replaces a shape's style.
func (s *State) SetStyle(id string, st Style) error {
	sh, ok := s.Shapes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrShapeMissing, id)
	}
	sh.Style = st
	return nil
}

// ExtendPath appends sample points to a path shape. Used for continuous
// drawing input where each drag sample is its own event.
func (s *State) ExtendPath(id string, pts ...Point) error {
	sh, ok := s.Shapes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrShapeMissing, id)
	}
	if sh.Kind != KindPath {
		return fmt.Errorf("%w: %s is %s", ErrNotPath, id, sh.Kind)
	}
	sh.Points = append(sh.Points, pts...)
	return nil
}

// Reorder moves a shape to the given Z index. The index is clamped into the
// valid range so replaying a reorder against a shorter stack stays safe.
func (s *State) Reorder(id string, index int) error {
	cur := -1
	for i, oid := range s.Order {
		if oid == id {
			cur = i
			break
		}
	}
	if cur < 0 {
		return fmt.Errorf("%w: %s", ErrShapeMissing, id)
	}
	if index < 0 {
		index = 0
	}
	if index > len(s.Order)-1 {
		index = len(s.Order) - 1
	}
	if index == cur {
		return nil
	}
	s.Order = append(s.Order[:cur], s.Order[cur+1:]...)
	s.Order = append(s.Order[:index], append([]string{id}, s.Order[index:]...)...)
	return nil
}

// ResizeCanvas sets the canvas dimensions.
func (s *State) ResizeCanvas(w, h float64) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: %gx%g", ErrBadCanvas, w, h)
	}
	s.Canvas.Width = w
	s.Canvas.Height = h
	return nil
}
