// CLAUDE:SUMMARY Document session and save orchestrator: one-transaction saves with WAL-checkpoint durability, SaveAs via VACUUM INTO, classified failures.
// Package docsave owns the lifetime of an open document: the .wire database
// handle, the stores and caches layered over it, and the save contract.
//
// A save is one transaction — metadata bump, pending events, and a snapshot
// when one is due — followed by PRAGMA wal_checkpoint(FULL). Only after the
// checkpoint succeeds is the save reported durable; the .wire file alone,
// without its WAL sidecar, then contains everything. Concurrent saves of the
// same document are rejected, never queued.
//
// Every failure surfaces as a *Failure with a stable Kind so the editor can
// show the right dialog instead of a driver string.
package docsave

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/teacurran/WireTuner-sub000/docwatch"
	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/eventlog"
	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/histnav"
	"github.com/teacurran/WireTuner-sub000/idgen"
	"github.com/teacurran/WireTuner-sub000/opgroup"
	"github.com/teacurran/WireTuner-sub000/replay"
	"github.com/teacurran/WireTuner-sub000/scrub"
	"github.com/teacurran/WireTuner-sub000/sketch"
	"github.com/teacurran/WireTuner-sub000/snapshot"
	"github.com/teacurran/WireTuner-sub000/telemetry"
)

// DirtyState describes the document relative to its file.
type DirtyState string

const (
	// StateClean: the file holds exactly what the user sees.
	StateClean DirtyState = "clean"
	// StateDirty: edits or history navigation since the last save.
	StateDirty DirtyState = "dirty"
	// StateUnsaved: the document has never been saved to a user path.
	StateUnsaved DirtyState = "unsaved"
)

// Result reports a completed save.
type Result struct {
	Path            string        `json:"path"`
	Seq             int64         `json:"seq"`
	Events          int           `json:"events"`
	Bytes           int64         `json:"bytes"`
	SnapshotCreated bool          `json:"snapshot_created"`
	Duration        time.Duration `json:"duration"`
}

// SessionOptions tunes a document session.
type SessionOptions struct {
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Trace opens the database through the sqltrace driver.
	Trace bool
	// Telemetry records engine metrics into a <path>.metrics sidecar.
	Telemetry bool
	// Snapshot tunes cadence and retention.
	Snapshot snapshot.Options
	// Navigator tunes the undo LRU.
	Navigator histnav.Options
	// Scrub tunes the scrubbing checkpoint cache.
	Scrub scrub.Options
	// Group tunes operation grouping.
	Group opgroup.Options

	guard *saveGuard
}

func (o *SessionOptions) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.guard == nil {
		o.guard = newSaveGuard()
	}
}

// Session is one open document. Not safe for concurrent editing from
// multiple goroutines; the editor's input pump is single-threaded, and Save
// guards itself against concurrent invocation.
type Session struct {
	log   *slog.Logger
	opts  SessionOptions
	guard *saveGuard
	docID string

	mu           sync.Mutex
	path         string
	scratch      bool
	closed       bool
	meta         *Meta
	titleDirty   bool
	lastSavedPos int64
	lastSavedMax int64
	loadWarnings []replay.Warning

	db      *sql.DB
	mdb     *sql.DB
	tel     *telemetry.Recorder
	events  *eventlog.Store
	snaps   *snapshot.Store
	mgr     *snapshot.Manager
	rep     *replay.Replayer
	nav     *histnav.Navigator
	grouper *opgroup.Grouper
	cache   *scrub.Cache
}

// Open opens (or creates) the document at path. A file with history but no
// metadata row fails with KindMetadataMissing; one written by a newer build
// fails rather than guessing at its layout.
func Open(ctx context.Context, path string, opts SessionOptions) (*Session, error) {
	s, err := open(ctx, path, false, opts)
	if err != nil {
		return nil, Classify(err, path)
	}
	return s, nil
}

// OpenScratch creates a document with no user path yet. History lives in a
// scratch .wire file under the OS temp directory until SaveAs assigns a real
// location; a crash leaves the scratch file for recovery.
func OpenScratch(ctx context.Context, opts SessionOptions) (*Session, error) {
	path := filepath.Join(os.TempDir(), "wiretuner", idgen.DocID()+".wire")
	s, err := open(ctx, path, true, opts)
	if err != nil {
		return nil, Classify(err, path)
	}
	return s, nil
}

func open(ctx context.Context, path string, scratch bool, o SessionOptions) (*Session, error) {
	o.defaults()

	var dbOpts []histdb.Option
	if scratch {
		dbOpts = append(dbOpts, histdb.WithMkdirAll())
	}
	if o.Trace {
		dbOpts = append(dbOpts, histdb.WithTrace())
	}
	db, err := histdb.Open(path, dbOpts...)
	if err != nil {
		return nil, err
	}
	// One connection: the session is single-writer and per-connection
	// pragmas stay in force.
	db.SetMaxOpenConns(1)

	s := &Session{
		log:     o.Logger,
		opts:    o,
		guard:   o.guard,
		path:    path,
		scratch: scratch,
		db:      db,
	}
	if err := s.assemble(ctx); err != nil {
		s.closeTelemetry()
		db.Close()
		return nil, err
	}
	return s, nil
}

func metricsPath(docPath string) string { return docPath + ".metrics" }

// closeTelemetry stops the recorder and closes its sidecar handle, leaving
// the session ready for assemble to reopen telemetry at the current path.
func (s *Session) closeTelemetry() {
	s.tel.Close()
	if s.mdb != nil {
		s.mdb.Close()
		s.mdb = nil
	}
	s.tel = nil
}

// assemble creates schemas, resolves metadata, and builds the component
// stack over s.db. Used at open and again after SaveAs swaps files.
func (s *Session) assemble(ctx context.Context) error {
	s.events = eventlog.NewStore(s.db)
	if err := s.events.EnsureSchema(ctx); err != nil {
		return err
	}
	s.snaps = snapshot.NewStore(s.db)
	if err := s.snaps.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := EnsureMetaSchema(ctx, s.db); err != nil {
		return err
	}

	meta, err := ReadMeta(ctx, s.db)
	switch {
	case errors.Is(err, ErrMetadataMissing):
		var has bool
		if qerr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM events)`).Scan(&has); qerr != nil {
			return qerr
		}
		if has {
			return fmt.Errorf("%w: %s has history but no documents row", ErrMetadataMissing, s.path)
		}
		now := time.Now().UTC()
		meta = &Meta{
			DocID:         idgen.DocID(),
			Title:         titleFor(s.path, s.scratch),
			FormatVersion: FormatVersion,
			CreatedAt:     now,
			ModifiedAt:    now,
		}
		err = histdb.RunTx(ctx, s.db, func(tx *sql.Tx) error {
			return writeMeta(ctx, tx, meta, now)
		})
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}
	if meta.FormatVersion > FormatVersion {
		return fail(KindUnknown, s.path, nil,
			"document uses format %d; this build reads up to %d",
			meta.FormatVersion, FormatVersion)
	}
	s.meta = meta
	s.docID = meta.DocID

	if s.opts.Telemetry && s.tel == nil {
		// Metrics live in a sidecar database so recording never contends
		// with the document's own connection.
		mdb, err := histdb.Open(metricsPath(s.path))
		if err != nil {
			return err
		}
		s.mdb = mdb
		s.tel = telemetry.New(mdb)
		if err := s.tel.Init(); err != nil {
			return err
		}
	}

	snapOpts := s.opts.Snapshot
	snapOpts.Logger = s.log
	s.mgr = snapshot.NewManager(s.snaps, snapOpts)

	s.rep = replay.New(s.events, s.snaps, s.mgr, replay.Options{
		Logger:    s.log,
		Telemetry: s.tel,
	})

	navOpts := s.opts.Navigator
	navOpts.Logger = s.log
	navOpts.Telemetry = s.tel
	nav, err := histnav.New(ctx, s.docID, s.db, s.events, s.snaps, s.rep, navOpts)
	if err != nil {
		return err
	}
	s.nav = nav

	groupOpts := s.opts.Group
	groupOpts.Logger = s.log
	s.grouper = opgroup.New(s.docID, groupOpts)

	scrubOpts := s.opts.Scrub
	scrubOpts.Logger = s.log
	s.cache = scrub.New(s.docID, s.events, s.rep, scrubOpts)

	// Initial load. Corrupt snapshots or skipped events surface here so the
	// editor can tell the user before they touch anything.
	res, err := s.rep.Replay(ctx, s.docID, s.nav.MaxSeq())
	if err != nil {
		return err
	}
	s.loadWarnings = res.Warnings
	s.lastSavedPos = s.nav.Pos()
	s.lastSavedMax = s.nav.MaxSeq()
	s.titleDirty = false

	s.log.Info("docsave: opened",
		"doc", s.docID, "path", s.path, "scratch", s.scratch,
		"events", s.nav.MaxSeq(), "warnings", len(res.Warnings))
	return nil
}

func titleFor(path string, scratch bool) string {
	if scratch {
		return "Untitled"
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DocID returns the document's stable identity.
func (s *Session) DocID() string { return s.docID }

// Path returns the backing file path (a temp scratch path until SaveAs).
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Title returns the document title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Title
}

// SetTitle renames the document; persisted on the next save.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if title != s.meta.Title {
		s.meta.Title = title
		s.titleDirty = true
	}
}

// Meta returns a copy of the document metadata.
func (s *Session) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.meta
}

// LoadWarnings returns degradations encountered while loading the document.
func (s *Session) LoadWarnings() []replay.Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadWarnings
}

// Navigator exposes undo/redo state queries (CanUndo, labels, position).
func (s *Session) Navigator() *histnav.Navigator { return s.nav }

// ScrubStats reports checkpoint-cache behavior.
func (s *Session) ScrubStats() scrub.Stats { return s.cache.Stats() }

// Events lists persisted history records in [fromSeq, toSeq].
func (s *Session) Events(ctx context.Context, fromSeq, toSeq int64) ([]eventlog.Record, error) {
	s.mu.Lock()
	store := s.events
	s.mu.Unlock()
	return store.Range(ctx, s.docID, fromSeq, toSeq)
}

// Metrics aggregates one engine metric for this document since the given
// time. Returns an empty summary when telemetry is disabled.
func (s *Session) Metrics(ctx context.Context, name string, since time.Time) (*telemetry.Summary, error) {
	s.mu.Lock()
	tel := s.tel
	s.mu.Unlock()
	return tel.Summarize(ctx, name, s.docID, since)
}

// Watch starts polling for writes landing in the document file from outside
// this session (a sync agent, another process appending events). On change
// the scrub cache is purged and the navigator refreshed, so the new events
// become redoable without disturbing the current position.
//
// The watcher is bound to the database handle open at call time; after
// SaveAs retargets the session onto a new file, cancel ctx and start a new
// watcher.
func (s *Session) Watch(ctx context.Context, opts docwatch.Options) *docwatch.Watcher {
	if opts.Detector == nil {
		opts.Detector = docwatch.EventSeqDetector(s.docID)
	}
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	w := docwatch.New(db, opts)
	go w.OnChange(ctx, func() error {
		s.mu.Lock()
		cache, nav := s.cache, s.nav
		s.mu.Unlock()
		cache.Purge()
		return nav.Refresh(ctx)
	})
	return w
}

// DirtyState reports the document's relation to its file. Never-saved
// documents are "unsaved"; otherwise any pending events, new operations, or
// history navigation since the last save makes it "dirty".
func (s *Session) DirtyState() DirtyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scratch {
		return StateUnsaved
	}
	if s.titleDirty ||
		s.grouper.Pending() > 0 ||
		s.nav.Pos() != s.lastSavedPos ||
		s.nav.MaxSeq() != s.lastSavedMax {
		return StateDirty
	}
	return StateClean
}

// Apply records one edit into the current operation. If the idle gap closed
// the previous operation, that operation is persisted first.
func (s *Session) Apply(ctx context.Context, p event.Payload) error {
	ev := event.New(s.docID, p)
	return s.record(ctx, s.grouper.Add(ev, time.Now()))
}

// BeginOperation opens an explicitly bounded operation (tool gesture start).
func (s *Session) BeginOperation(ctx context.Context, label string) error {
	return s.record(ctx, s.grouper.Begin(label, time.Now()))
}

// EndOperation closes the current operation and persists it.
func (s *Session) EndOperation(ctx context.Context) error {
	return s.record(ctx, s.grouper.End(time.Now()))
}

// FlushPending persists whatever operation is open, regardless of idle time.
func (s *Session) FlushPending(ctx context.Context) error {
	return s.record(ctx, s.grouper.Flush(time.Now()))
}

// FlushIdle persists the open operation if its gesture has gone quiet.
// Call it from a periodic tick.
func (s *Session) FlushIdle(ctx context.Context) error {
	return s.record(ctx, s.grouper.FlushIfIdle(time.Now()))
}

func (s *Session) record(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	if s.nav.CanRedo() {
		// Recording from behind truncates the branch ahead; scrubbing
		// checkpoints on it must go too.
		s.cache.InvalidateBeyond(s.nav.Pos())
	}
	if _, err := s.nav.RecordOps(ctx, batch); err != nil {
		return Classify(err, s.Path())
	}
	return nil
}

// State returns the persisted document state at the current position.
func (s *Session) State(ctx context.Context) (*sketch.State, error) {
	return s.nav.State(ctx)
}

// Undo persists any open operation, then steps back one operation.
func (s *Session) Undo(ctx context.Context) (*sketch.State, error) {
	if err := s.FlushPending(ctx); err != nil {
		return nil, err
	}
	return s.nav.Undo(ctx)
}

// Redo steps forward one operation.
func (s *Session) Redo(ctx context.Context) (*sketch.State, error) {
	if err := s.FlushPending(ctx); err != nil {
		return nil, err
	}
	return s.nav.Redo(ctx)
}

// NavigateTo jumps the session position to an arbitrary sequence.
func (s *Session) NavigateTo(ctx context.Context, target int64) (*sketch.State, error) {
	if err := s.FlushPending(ctx); err != nil {
		return nil, err
	}
	return s.nav.NavigateTo(ctx, target)
}

// ScrubTo materializes the state at seq through the checkpoint cache without
// moving the session position. Timeline preview uses this; releasing the
// scrubber at a position is NavigateTo.
func (s *Session) ScrubTo(ctx context.Context, seq int64) (*sketch.State, error) {
	if err := s.FlushPending(ctx); err != nil {
		return nil, err
	}
	return s.cache.StateAt(ctx, seq)
}

// PrimeScrub precomputes the checkpoint lattice across the whole timeline.
// Call it when the scrubber UI opens, so every drag target is near a
// checkpoint.
func (s *Session) PrimeScrub(ctx context.Context) error {
	if err := s.FlushPending(ctx); err != nil {
		return err
	}
	return s.cache.Prime(ctx, s.nav.MaxSeq())
}

// Save persists the document durably at its current path: one transaction
// (metadata, pending events, snapshot when due), then a full WAL checkpoint.
// A save already in flight for this document is rejected with
// KindTransactionFailed.
func (s *Session) Save(ctx context.Context) (*Result, error) {
	if !s.guard.begin(s.docID) {
		return nil, fail(KindTransactionFailed, s.Path(), nil, "save already in progress")
	}
	defer s.guard.end(s.docID)
	return s.save(ctx)
}

func (s *Session) save(ctx context.Context) (*Result, error) {
	start := time.Now()
	path := s.Path()

	pending := s.grouper.Flush(start)
	pos := s.nav.Pos()
	max := s.nav.MaxSeq()
	truncating := len(pending) > 0 && pos < max
	newPos := pos + int64(len(pending))

	// All reads happen before the transaction; the single connection is
	// then free for the writes.
	st, err := s.nav.State(ctx)
	if err != nil {
		return nil, Classify(err, path)
	}
	for i := range pending {
		if aerr := pending[i].Payload.Apply(st); aerr != nil {
			s.log.Warn("docsave: pending event did not apply",
				"doc", s.docID, "kind", pending[i].Kind(), "error", aerr)
		}
	}

	var lastSnap int64
	row, err := s.snaps.Latest(ctx, s.docID, newPos)
	switch {
	case err == nil:
		lastSnap = row.Seq
	case errors.Is(err, snapshot.ErrNoSnapshot):
	default:
		return nil, Classify(err, path)
	}
	snapshotDue := newPos > 0 && s.mgr.ShouldSnapshot(newPos-lastSnap, st.Footprint())

	s.mu.Lock()
	meta := *s.meta
	s.mu.Unlock()

	var created *snapshot.Meta
	err = histdb.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		created = nil
		if truncating {
			if _, err := s.events.TruncateAfter(ctx, tx, s.docID, pos); err != nil {
				return err
			}
			if _, err := s.snaps.DeleteAfter(ctx, tx, s.docID, pos); err != nil {
				return err
			}
		}
		if len(pending) > 0 {
			if _, err := s.events.Append(ctx, tx, s.docID, pending); err != nil {
				return err
			}
		}
		if err := writeMeta(ctx, tx, &meta, start); err != nil {
			return err
		}
		if snapshotDue {
			m, err := s.mgr.Create(ctx, tx, s.docID, newPos, st)
			if err != nil {
				return err
			}
			created = m
		}
		return nil
	})
	if err != nil {
		return nil, Classify(err, path)
	}

	// Durability gate: the save is not complete until the WAL is flushed
	// into the main file.
	if err := histdb.Checkpoint(ctx, s.db); err != nil {
		return nil, Classify(err, path)
	}

	if len(pending) > 0 {
		if truncating {
			s.cache.InvalidateBeyond(pos)
		}
		s.nav.Advance(newPos)
	}
	if _, err := s.mgr.Prune(ctx, s.docID); err != nil {
		s.log.Warn("docsave: snapshot prune failed", "doc", s.docID, "error", err)
	}

	s.mu.Lock()
	s.meta.ModifiedAt = start.UTC()
	s.titleDirty = false
	s.lastSavedPos = s.nav.Pos()
	s.lastSavedMax = s.nav.MaxSeq()
	s.mu.Unlock()

	var bytes int64
	if fi, err := os.Stat(path); err == nil {
		bytes = fi.Size()
	}
	dur := time.Since(start)

	s.recordSaveMetrics(ctx, dur, len(pending), created != nil, newPos)
	s.log.Info("docsave: saved",
		"doc", s.docID, "path", path, "events", len(pending), "seq", newPos,
		"snapshot", created != nil, "bytes", bytes, "duration", dur)

	return &Result{
		Path:            path,
		Seq:             newPos,
		Events:          len(pending),
		Bytes:           bytes,
		SnapshotCreated: created != nil,
		Duration:        dur,
	}, nil
}

func (s *Session) recordSaveMetrics(ctx context.Context, dur time.Duration, events int, snapped bool, newPos int64) {
	s.tel.Record(telemetry.MSaveDurationMs, s.docID, float64(dur.Milliseconds()))
	s.tel.Record(telemetry.MSaveEventCount, s.docID, float64(events))
	if snapped {
		s.tel.Record(telemetry.MSnapshotCreated, s.docID, 1)
	}
	if newPos > 0 {
		if n, err := s.snaps.Count(ctx, s.docID); err == nil {
			s.tel.Record(telemetry.MSnapshotRatio, s.docID, float64(n)/float64(newPos))
		}
	}
}

// SaveAs saves at the current path, copies the document to target with
// VACUUM INTO, atomically renames it into place, and switches the session to
// the new file. The copy is transactionally consistent even though the
// source stays open. A scratch file is removed after a successful move.
func (s *Session) SaveAs(ctx context.Context, target string) (*Result, error) {
	if !s.guard.begin(s.docID) {
		return nil, fail(KindTransactionFailed, target, nil, "save already in progress")
	}
	defer s.guard.end(s.docID)

	// A default title follows the file to its first real name. Renaming
	// before the save puts the new title in the copy below.
	s.mu.Lock()
	if s.meta.Title == "Untitled" {
		s.meta.Title = titleFor(target, false)
		s.titleDirty = true
	}
	s.mu.Unlock()

	res, err := s.save(ctx)
	if err != nil {
		return nil, err
	}

	// VACUUM INTO takes a literal, not a bind parameter.
	tmp := fmt.Sprintf("%s.tmp%d", target, os.Getpid())
	os.Remove(tmp)
	vacuum := fmt.Sprintf(`VACUUM INTO '%s'`, strings.ReplaceAll(tmp, "'", "''"))
	if _, err := s.db.ExecContext(ctx, vacuum); err != nil {
		os.Remove(tmp)
		return nil, Classify(err, target)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return nil, Classify(err, target)
	}

	s.mu.Lock()
	oldPath, oldScratch := s.path, s.scratch
	pos := s.nav.Pos()
	s.mu.Unlock()

	// Switch the session over: close the old handles, assemble on the new
	// file, restore the history position.
	s.closeTelemetry()
	if err := s.db.Close(); err != nil {
		return nil, Classify(err, oldPath)
	}

	db, err := histdb.Open(target, s.dbOpts()...)
	if err != nil {
		s.reopenAt(ctx, oldPath, oldScratch)
		return nil, Classify(err, target)
	}
	db.SetMaxOpenConns(1)

	s.mu.Lock()
	s.db = db
	s.path = target
	s.scratch = false
	s.mu.Unlock()

	if err := s.assemble(ctx); err != nil {
		s.closeTelemetry()
		db.Close()
		s.reopenAt(ctx, oldPath, oldScratch)
		return nil, Classify(err, target)
	}
	if _, err := s.nav.NavigateTo(ctx, pos); err != nil {
		return nil, Classify(err, target)
	}
	s.mu.Lock()
	s.lastSavedPos = pos
	s.lastSavedMax = s.nav.MaxSeq()
	s.mu.Unlock()

	if oldScratch {
		removeSidecars(oldPath)
	}

	res.Path = target
	if fi, err := os.Stat(target); err == nil {
		res.Bytes = fi.Size()
	}
	s.log.Info("docsave: saved as", "doc", s.docID, "path", target, "from", oldPath)
	return res, nil
}

func (s *Session) dbOpts() []histdb.Option {
	var opts []histdb.Option
	if s.opts.Trace {
		opts = append(opts, histdb.WithTrace())
	}
	return opts
}

// reopenAt best-effort restores the session on its previous file after a
// failed SaveAs switch, so the document stays editable.
func (s *Session) reopenAt(ctx context.Context, path string, scratch bool) {
	db, err := histdb.Open(path, s.dbOpts()...)
	if err != nil {
		s.log.Error("docsave: reopen after failed save-as", "path", path, "error", err)
		return
	}
	db.SetMaxOpenConns(1)
	s.mu.Lock()
	s.db = db
	s.path = path
	s.scratch = scratch
	s.mu.Unlock()
	if err := s.assemble(ctx); err != nil {
		s.log.Error("docsave: reassemble after failed save-as", "path", path, "error", err)
	}
}

func removeSidecars(path string) {
	for _, p := range []string{path, metricsPath(path)} {
		os.Remove(p)
		os.Remove(p + "-wal")
		os.Remove(p + "-shm")
	}
}

// Close flushes any open operation into the log, stops telemetry, and closes
// the file. The scratch file of a never-saved document is left on disk for
// recovery.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.FlushPending(ctx); err != nil {
		s.log.Warn("docsave: flush on close", "doc", s.docID, "error", err)
	}
	s.closeTelemetry()
	if err := s.db.Close(); err != nil {
		return Classify(err, s.Path())
	}
	s.log.Info("docsave: closed", "doc", s.docID, "path", s.Path())
	return nil
}
