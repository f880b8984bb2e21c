// Package scrub serves timeline scrubbing: rapid StateAt requests as the
// user drags across history. A jump to an arbitrary position would otherwise
// cost a replay from the nearest snapshot every time; the cache keeps
// recently materialized states as checkpoints and derives a requested
// position from the nearest one at or below it, applying only the events in
// between.
//
// The cache is bounded by bytes, not entries — states vary wildly in size —
// with least-recently-used eviction. Long derivations deposit intermediate
// checkpoints at a fixed interval so the next request in the same region is
// cheap. States larger than the whole budget bypass the cache. Entries are
// deep-copied in and out; a caller can mutate what it gets back.
package scrub

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/teacurran/WireTuner-sub000/eventlog"
	"github.com/teacurran/WireTuner-sub000/replay"
	"github.com/teacurran/WireTuner-sub000/sketch"
)

// Defaults. The budget suits a desktop editor holding one document; the
// interval keeps worst-case derivation under a few hundred event applies.
const (
	DefaultBudget   = 64 << 20 // 64 MiB
	DefaultInterval = 250
)

// Options tunes the cache.
type Options struct {
	// Budget bounds total cached state bytes. Default: DefaultBudget.
	Budget int64
	// Interval is the event spacing of deposited checkpoints.
	// Default: DefaultInterval.
	Interval int64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
	Bytes   int64
}

type entry struct {
	seq  int64
	st   *sketch.State
	cost int64
	elem *list.Element
}

// Cache materializes and caches document states for one document.
type Cache struct {
	docID    string
	events   *eventlog.Store
	rep      *replay.Replayer
	budget   int64
	interval int64
	log      *slog.Logger

	mu      sync.Mutex
	entries map[int64]*entry
	order   *list.List // front = most recently used, values are *entry
	seqs    []int64    // sorted index for nearest-at-or-below lookup
	size    int64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache over the document's event log, with rep as the cold
// path for positions nowhere near a checkpoint.
func New(docID string, events *eventlog.Store, rep *replay.Replayer, opts Options) *Cache {
	opts.defaults()
	return &Cache{
		docID:    docID,
		events:   events,
		rep:      rep,
		budget:   opts.Budget,
		interval: opts.Interval,
		log:      opts.Logger,
		entries:  make(map[int64]*entry),
		order:    list.New(),
	}
}

// Prime walks the event range up to upTo once, depositing a checkpoint every
// Interval, so any later StateAt is at most one interval of event applies
// away from a cached base. Opening the timeline scrubber calls this; resuming
// from the nearest existing checkpoint keeps a re-prime after new edits cheap.
func (c *Cache) Prime(ctx context.Context, upTo int64) error {
	if upTo <= 0 {
		return nil
	}
	base, st := c.lookup(upTo)
	if base == upTo {
		return nil
	}
	if st == nil {
		st = sketch.NewState()
	}

	recs, err := c.events.Range(ctx, c.docID, base+1, upTo)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.DecodeErr != nil {
			c.log.Warn("scrub: event skipped",
				"doc", c.docID, "seq", rec.Event.Seq, "error", rec.DecodeErr)
			continue
		}
		if err := rec.Event.Payload.Apply(st); err != nil {
			c.log.Warn("scrub: event skipped",
				"doc", c.docID, "seq", rec.Event.Seq, "kind", rec.Event.Kind(), "error", err)
			continue
		}
		if rec.Event.Seq%c.interval == 0 {
			c.put(rec.Event.Seq, st)
		}
	}
	c.put(upTo, st)
	c.log.Debug("scrub: primed", "doc", c.docID, "to", upTo, "from", base)
	return nil
}

// StateAt returns the document state at seq. The caller owns the result.
func (c *Cache) StateAt(ctx context.Context, seq int64) (*sketch.State, error) {
	if seq <= 0 {
		return sketch.NewState(), nil
	}

	base, st := c.lookup(seq)
	if st != nil && base == seq {
		c.hits.Add(1)
		return st, nil
	}
	c.misses.Add(1)

	if st == nil {
		// Cold: nothing cached at or below seq. Replay resolves the
		// snapshot chain itself.
		res, err := c.rep.Replay(ctx, c.docID, seq)
		if err != nil {
			return nil, err
		}
		c.put(seq, res.State)
		return res.State, nil
	}

	// Warm: roll the nearest checkpoint forward, depositing intermediate
	// checkpoints along the way.
	recs, err := c.events.Range(ctx, c.docID, base+1, seq)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.DecodeErr != nil {
			c.log.Warn("scrub: event skipped",
				"doc", c.docID, "seq", rec.Event.Seq, "error", rec.DecodeErr)
			continue
		}
		if err := rec.Event.Payload.Apply(st); err != nil {
			c.log.Warn("scrub: event skipped",
				"doc", c.docID, "seq", rec.Event.Seq, "kind", rec.Event.Kind(), "error", err)
			continue
		}
		if rec.Event.Seq%c.interval == 0 && rec.Event.Seq != seq {
			c.put(rec.Event.Seq, st)
		}
	}
	c.put(seq, st)
	return st, nil
}

// lookup returns a clone of the entry at seq, or of the nearest one below
// it. The second return is nil when nothing at or below seq is cached.
func (c *Cache) lookup(seq int64) (int64, *sketch.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[seq]; ok {
		c.order.MoveToFront(e.elem)
		return seq, e.st.Clone()
	}

	// Largest cached seq strictly below the request.
	i := sort.Search(len(c.seqs), func(i int) bool { return c.seqs[i] >= seq })
	if i == 0 {
		return 0, nil
	}
	e := c.entries[c.seqs[i-1]]
	c.order.MoveToFront(e.elem)
	return e.seq, e.st.Clone()
}

// put stores a clone of st as the checkpoint for seq, evicting from the
// least-recently-used end until the budget holds.
func (c *Cache) put(seq int64, st *sketch.State) {
	cost := st.Footprint()
	if cost > c.budget {
		c.log.Debug("scrub: state exceeds cache budget",
			"doc", c.docID, "seq", seq, "bytes", cost, "budget", c.budget)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[seq]; ok {
		c.removeLocked(old)
	}
	e := &entry{seq: seq, st: st.Clone(), cost: cost}
	e.elem = c.order.PushFront(e)
	c.entries[seq] = e
	c.insertSeqLocked(seq)
	c.size += cost

	for c.size > c.budget {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
	}
}

// InvalidateBeyond drops checkpoints past seq. Recording new operations
// behind the newest event truncates history; checkpoints on the abandoned
// branch would resurrect it.
func (c *Cache) InvalidateBeyond(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.seq > seq {
			c.removeLocked(e)
		}
	}
}

// Purge empties the cache. The external-change watcher calls this when
// another process rewrote the document.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64]*entry)
	c.order.Init()
	c.seqs = c.seqs[:0]
	c.size = 0
}

// Stats returns cumulative hit/miss counters and current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, bytes := len(c.entries), c.size
	c.mu.Unlock()
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
		Bytes:   bytes,
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.seq)
	i := sort.Search(len(c.seqs), func(i int) bool { return c.seqs[i] >= e.seq })
	if i < len(c.seqs) && c.seqs[i] == e.seq {
		c.seqs = append(c.seqs[:i], c.seqs[i+1:]...)
	}
	c.size -= e.cost
}

func (c *Cache) insertSeqLocked(seq int64) {
	i := sort.Search(len(c.seqs), func(i int) bool { return c.seqs[i] >= seq })
	c.seqs = append(c.seqs, 0)
	copy(c.seqs[i+1:], c.seqs[i:])
	c.seqs[i] = seq
}
