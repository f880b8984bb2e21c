// Package histnav navigates document history: undo, redo, and arbitrary
// position jumps, all expressed as "rebuild the state at sequence N".
//
// The navigator works in operations, not raw events — one undo reverts a
// whole drag gesture. Position 0 is the empty document. Recording new
// operations while positioned before the newest event invalidates the redo
// branch: the abandoned events and any snapshots beyond the position are
// deleted in the same transaction that appends the superseding operation,
// which keeps sequence numbers gap-free.
//
// Recently visited states are kept in a small LRU so stepping back and forth
// near the current position does not replay from storage every time. Cached
// states never alias: entries are deep-copied in and deep-copied out.
package histnav

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/eventlog"
	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/opgroup"
	"github.com/teacurran/WireTuner-sub000/replay"
	"github.com/teacurran/WireTuner-sub000/sketch"
	"github.com/teacurran/WireTuner-sub000/snapshot"
	"github.com/teacurran/WireTuner-sub000/telemetry"
)

var (
	// ErrAtOldest means undo was called at position 0.
	ErrAtOldest = errors.New("histnav: already at oldest state")
	// ErrAtNewest means redo was called at the newest position.
	ErrAtNewest = errors.New("histnav: already at newest state")
)

// RangeError reports a jump target outside [0, Max].
type RangeError struct {
	Target int64
	Max    int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("histnav: target %d out of range [0, %d]", e.Target, e.Max)
}

// Options tunes the navigator.
type Options struct {
	// CacheSize bounds the visited-state LRU. Default: 10.
	CacheSize int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Telemetry receives cache hit/miss datapoints. Nil disables recording.
	Telemetry *telemetry.Recorder
}

func (o *Options) defaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Navigator tracks one document session's position in history.
type Navigator struct {
	docID  string
	db     *sql.DB
	events *eventlog.Store
	snaps  *snapshot.Store
	rep    *replay.Replayer
	cache  *lru.Cache[int64, *sketch.State]
	log    *slog.Logger
	tel    *telemetry.Recorder

	mu     sync.Mutex
	pos    int64
	maxSeq int64
}

// New creates a navigator positioned at the document's newest event.
func New(ctx context.Context, docID string, db *sql.DB, events *eventlog.Store, snaps *snapshot.Store, rep *replay.Replayer, opts Options) (*Navigator, error) {
	opts.defaults()
	cache, err := lru.New[int64, *sketch.State](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("histnav: cache: %w", err)
	}
	max, err := events.MaxSeq(ctx, docID)
	if err != nil {
		return nil, err
	}
	return &Navigator{
		docID:  docID,
		db:     db,
		events: events,
		snaps:  snaps,
		rep:    rep,
		cache:  cache,
		log:    opts.Logger,
		tel:    opts.Telemetry,
		pos:    max,
		maxSeq: max,
	}, nil
}

// Pos returns the current position: the sequence of the last applied event.
func (n *Navigator) Pos() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pos
}

// MaxSeq returns the newest known sequence.
func (n *Navigator) MaxSeq() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxSeq
}

// CanUndo reports whether any operation precedes the current position.
func (n *Navigator) CanUndo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pos > 0
}

// CanRedo reports whether undone operations remain ahead of the position,
// against the newest sequence last read from storage (Redo and Refresh
// re-read it; CanRedo itself never does I/O).
func (n *Navigator) CanRedo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pos < n.maxSeq
}

// Refresh re-reads the newest sequence from storage and drops the cache.
// The external-change watcher calls this when another process wrote the file.
func (n *Navigator) Refresh(ctx context.Context) error {
	max, err := n.events.MaxSeq(ctx, n.docID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache.Purge()
	n.maxSeq = max
	if n.pos > max {
		n.pos = max
	}
	return nil
}

// State returns the document state at the current position. The caller owns
// the returned state; mutating it never affects the cache.
func (n *Navigator) State(ctx context.Context) (*sketch.State, error) {
	n.mu.Lock()
	pos := n.pos
	n.mu.Unlock()
	return n.stateAt(ctx, pos)
}

func (n *Navigator) stateAt(ctx context.Context, pos int64) (*sketch.State, error) {
	if st, ok := n.cache.Get(pos); ok {
		n.tel.Record(telemetry.MCacheHit, n.docID, 1)
		return st.Clone(), nil
	}
	n.tel.Record(telemetry.MCacheMiss, n.docID, 1)

	res, err := n.rep.Replay(ctx, n.docID, pos)
	if err != nil {
		return nil, err
	}
	n.cache.Add(pos, res.State.Clone())
	return res.State, nil
}

// NavigateTo jumps to an arbitrary position. Targets outside [0, MaxSeq]
// return a *RangeError.
func (n *Navigator) NavigateTo(ctx context.Context, target int64) (*sketch.State, error) {
	n.mu.Lock()
	if target < 0 || target > n.maxSeq {
		err := &RangeError{Target: target, Max: n.maxSeq}
		n.mu.Unlock()
		return nil, err
	}
	n.pos = target
	n.mu.Unlock()
	return n.stateAt(ctx, target)
}

// Undo moves back one operation and returns the resulting state.
func (n *Navigator) Undo(ctx context.Context) (*sketch.State, error) {
	n.mu.Lock()
	pos := n.pos
	n.mu.Unlock()
	if pos == 0 {
		return nil, ErrAtOldest
	}
	target, err := n.undoTarget(ctx, pos)
	if err != nil {
		return nil, err
	}
	st, err := n.NavigateTo(ctx, target)
	if err != nil {
		return nil, err
	}
	n.log.Debug("histnav: undo", "doc", n.docID, "from", pos, "to", target)
	return st, nil
}

// Redo moves forward one operation and returns the resulting state. The
// newest sequence is re-read from storage first: events appended by another
// writer since the last refresh are redoable immediately, not only after the
// change watcher's next tick.
func (n *Navigator) Redo(ctx context.Context) (*sketch.State, error) {
	storeMax, err := n.events.MaxSeq(ctx, n.docID)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	if storeMax > n.maxSeq {
		n.maxSeq = storeMax
	}
	pos, max := n.pos, n.maxSeq
	n.mu.Unlock()
	if pos >= max {
		return nil, ErrAtNewest
	}
	target, err := n.redoTarget(ctx, pos, max)
	if err != nil {
		return nil, err
	}
	st, err := n.NavigateTo(ctx, target)
	if err != nil {
		return nil, err
	}
	n.log.Debug("histnav: redo", "doc", n.docID, "from", pos, "to", target)
	return st, nil
}

// undoTarget resolves where one undo step from pos lands: before the start
// of the operation that pos sits in or at the end of, or one event back when
// that operation is a lone event.
func (n *Navigator) undoTarget(ctx context.Context, pos int64) (int64, error) {
	start, _, err := n.events.OpStartBefore(ctx, n.docID, pos)
	if err != nil {
		return 0, err
	}
	if start == 0 {
		// No group anywhere behind: lone events all the way down.
		return pos - 1, nil
	}
	end, err := n.events.OpEndAfter(ctx, n.docID, start)
	if err != nil {
		return 0, err
	}
	if end != 0 && end < pos {
		// The nearest group closed before pos: pos sits on a lone event.
		return pos - 1, nil
	}
	return start - 1, nil
}

// redoTarget resolves where one redo step from pos lands: the end of the
// group opening at pos+1, or pos+1 when the next event stands alone.
func (n *Navigator) redoTarget(ctx context.Context, pos, max int64) (int64, error) {
	nextStart, _, err := n.events.OpStartAfter(ctx, n.docID, pos)
	if err != nil {
		return 0, err
	}
	if nextStart != pos+1 {
		return pos + 1, nil
	}
	end, err := n.events.OpEndAfter(ctx, n.docID, pos)
	if err != nil {
		return 0, err
	}
	if end == 0 {
		// Start marker with no matching end; don't strand the user mid-group.
		return max, nil
	}
	return end, nil
}

// UndoLabel returns the user-facing label of the operation Undo would
// revert, "" when there is none.
func (n *Navigator) UndoLabel(ctx context.Context) (string, error) {
	n.mu.Lock()
	pos := n.pos
	n.mu.Unlock()
	if pos == 0 {
		return "", nil
	}

	start, label, err := n.events.OpStartBefore(ctx, n.docID, pos)
	if err != nil {
		return "", err
	}
	if start != 0 {
		end, err := n.events.OpEndAfter(ctx, n.docID, start)
		if err != nil {
			return "", err
		}
		if end == 0 || end >= pos {
			if label == "" {
				label = "Edit"
			}
			return label, nil
		}
	}
	return n.kindLabelAt(ctx, pos)
}

// RedoLabel returns the user-facing label of the operation Redo would
// reapply, "" when there is none.
func (n *Navigator) RedoLabel(ctx context.Context) (string, error) {
	n.mu.Lock()
	pos, max := n.pos, n.maxSeq
	n.mu.Unlock()
	if pos >= max {
		return "", nil
	}

	nextStart, label, err := n.events.OpStartAfter(ctx, n.docID, pos)
	if err != nil {
		return "", err
	}
	if nextStart == pos+1 {
		if label == "" {
			label = "Edit"
		}
		return label, nil
	}
	return n.kindLabelAt(ctx, pos+1)
}

func (n *Navigator) kindLabelAt(ctx context.Context, seq int64) (string, error) {
	recs, err := n.events.Range(ctx, n.docID, seq, seq)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", nil
	}
	return opgroup.Label(recs[0].Event.Kind()), nil
}

// RecordOps persists a completed operation batch. When the position is
// behind the newest event, the redo branch — events and snapshots beyond the
// position — is deleted in the same transaction that appends the batch, so
// assigned sequences stay contiguous. Returns the assigned sequences.
func (n *Navigator) RecordOps(ctx context.Context, evs []event.Event) ([]int64, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var (
		seqs      []int64
		truncated int64
	)
	err := histdb.RunTx(ctx, n.db, func(tx *sql.Tx) error {
		truncated = 0
		if n.pos < n.maxSeq {
			var err error
			if truncated, err = n.events.TruncateAfter(ctx, tx, n.docID, n.pos); err != nil {
				return err
			}
			if _, err := n.snaps.DeleteAfter(ctx, tx, n.docID, n.pos); err != nil {
				return err
			}
		}
		var err error
		seqs, err = n.events.Append(ctx, tx, n.docID, evs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if truncated > 0 {
		n.log.Info("histnav: redo branch invalidated",
			"doc", n.docID, "pos", n.pos, "events_removed", truncated)
	}
	n.dropBeyondLocked(n.pos)
	n.pos = seqs[len(seqs)-1]
	n.maxSeq = n.pos
	return seqs, nil
}

// Advance moves the position and known maximum to newMax without touching
// storage. The save path appends flushed events inside its own transaction
// and then advances the navigator to match.
func (n *Navigator) Advance(newMax int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropBeyondLocked(n.pos)
	n.pos = newMax
	n.maxSeq = newMax
}

// dropBeyondLocked evicts cached states past seq; they belong to an
// invalidated branch.
func (n *Navigator) dropBeyondLocked(seq int64) {
	for _, k := range n.cache.Keys() {
		if k > seq {
			n.cache.Remove(k)
		}
	}
}
