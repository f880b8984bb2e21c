// Package opgroup merges the editor's raw event stream into operations, the
// unit the undo stack works in.
//
// A continuous gesture (a freehand drag emitting dozens of path.extended
// events) must undo as one step. Tools that know their own boundaries call
// Begin/End around the gesture; for streams without explicit boundaries the
// grouper falls back to time: consecutive events closer together than the
// idle threshold belong to one operation, a longer gap starts the next.
//
// A completed operation of two or more events is wrapped in group.start /
// group.end markers sharing a group ID; a single event stands alone with no
// markers. The grouper only buffers and decides — persisting the returned
// batches is the caller's job.
package opgroup

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/idgen"
)

// DefaultIdleThreshold separates operations in an unbounded input stream.
const DefaultIdleThreshold = 200 * time.Millisecond

// Label returns the user-facing operation label for an event kind, used for
// group markers and for lone events in undo/redo menus.
func Label(kind string) string {
	if l, ok := labels[kind]; ok {
		return l
	}
	return "Edit"
}

var labels = map[string]string{
	event.KindShapeAdded:     "Add shape",
	event.KindShapeRemoved:   "Remove shape",
	event.KindPathExtended:   "Draw path",
	event.KindShapeMoved:     "Move shape",
	event.KindShapeStyled:    "Restyle shape",
	event.KindShapeReordered: "Reorder shape",
	event.KindCanvasResized:  "Resize canvas",
}

// Options tunes the grouper.
type Options struct {
	// IdleThreshold is the gap that separates operations.
	// Default: DefaultIdleThreshold.
	IdleThreshold time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Grouper accumulates one open operation at a time. Safe for concurrent use,
// though the editor's input pump is effectively single-threaded.
type Grouper struct {
	docID string
	idle  time.Duration
	log   *slog.Logger

	mu       sync.Mutex
	open     bool
	explicit bool
	groupID  string
	label    string
	buf      []event.Event
	last     time.Time
}

// New creates a grouper for one document.
func New(docID string, opts Options) *Grouper {
	opts.defaults()
	return &Grouper{
		docID: docID,
		idle:  opts.IdleThreshold,
		log:   opts.Logger,
	}
}

// Begin opens an explicitly bounded operation, closing any open one first.
// The returned batch is the closed previous operation, nil if there was none.
// Explicitly begun operations keep their markers even when they end up with
// a single event, so the label survives.
func (g *Grouper) Begin(label string, now time.Time) []event.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	closed := g.closeLocked()
	g.open = true
	g.explicit = true
	g.groupID = idgen.GroupID()
	g.label = label
	g.last = now
	return closed
}

// End closes the current operation and returns it. Nil when nothing is open.
func (g *Grouper) End(now time.Time) []event.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = now
	return g.closeLocked()
}

// Add buffers ev into the current operation. When the gap since the previous
// event reaches the idle threshold the open operation is closed and returned,
// and ev starts the next one. Explicitly begun operations never split on
// idle; their tool decides when they end.
func (g *Grouper) Add(ev event.Event, now time.Time) []event.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	var closed []event.Event
	if g.open && !g.explicit && !g.last.IsZero() && now.Sub(g.last) >= g.idle {
		closed = g.closeLocked()
	}
	if !g.open {
		g.open = true
		g.explicit = false
		g.groupID = idgen.GroupID()
		g.label = Label(ev.Kind())
	}
	g.buf = append(g.buf, ev)
	g.last = now
	return closed
}

// Flush closes and returns the open operation regardless of idle time.
// Save and document-close call this so nothing stays buffered.
func (g *Grouper) Flush(now time.Time) []event.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = now
	return g.closeLocked()
}

// FlushIfIdle closes the open operation only when it was lazily opened and
// the idle threshold has passed since its last event. A periodic tick calls
// this so a finished gesture gets persisted without waiting for the next
// input. Explicit operations wait for End (or Flush).
func (g *Grouper) FlushIfIdle(now time.Time) []event.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open || g.explicit || g.last.IsZero() || now.Sub(g.last) < g.idle {
		return nil
	}
	return g.closeLocked()
}

// Pending returns the number of buffered events in the open operation.
func (g *Grouper) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buf)
}

func (g *Grouper) closeLocked() []event.Event {
	if !g.open {
		return nil
	}
	buf := g.buf
	g.open = false
	g.buf = nil

	if len(buf) == 0 {
		return nil
	}
	// Lazily opened single-event operations stand alone.
	if len(buf) == 1 && !g.explicit {
		g.log.Debug("opgroup: lone event", "doc", g.docID, "kind", buf[0].Kind())
		return buf
	}

	start := event.New(g.docID, event.GroupStart{GroupID: g.groupID, Label: g.label})
	start.Time = buf[0].Time
	end := event.New(g.docID, event.GroupEnd{GroupID: g.groupID})
	end.Time = buf[len(buf)-1].Time

	out := make([]event.Event, 0, len(buf)+2)
	out = append(out, start)
	out = append(out, buf...)
	out = append(out, end)
	g.log.Debug("opgroup: operation closed",
		"doc", g.docID, "group", g.groupID, "label", g.label, "events", len(buf))
	return out
}
