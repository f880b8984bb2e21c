// CLAUDE:SUMMARY HTTP document service: REST history operations over the session registry, with SQL tracing and external-change watchers.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/teacurran/WireTuner-sub000/docsave"
	"github.com/teacurran/WireTuner-sub000/docwatch"
	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/histnav"
	"github.com/teacurran/WireTuner-sub000/replay"
	"github.com/teacurran/WireTuner-sub000/scrub"
	"github.com/teacurran/WireTuner-sub000/sketch"
	"github.com/teacurran/WireTuner-sub000/sqltrace"
	"github.com/teacurran/WireTuner-sub000/telemetry"
)

type watchHandle struct {
	cancel context.CancelFunc
	w      *docwatch.Watcher
}

type server struct {
	log      *slog.Logger
	cfg      *ServeConfig
	registry *docsave.Registry
	traces   *sqltrace.Store

	mu       sync.Mutex
	watchers map[string]watchHandle
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveServeConfig(serveConfigPath, serveAddr)
	if err != nil {
		return err
	}
	log := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &server{log: log, cfg: cfg, watchers: map[string]watchHandle{}}

	if cfg.Trace {
		// The trace store writes through the plain driver: recording slow
		// queries must not trace itself.
		tdb, err := sql.Open("sqlite", cfg.TraceDB)
		if err != nil {
			return fmt.Errorf("open trace db: %w", err)
		}
		tdb.SetMaxOpenConns(1)
		traces := sqltrace.NewStore(tdb)
		if err := traces.Init(); err != nil {
			return fmt.Errorf("init trace db: %w", err)
		}
		sqltrace.SetStore(traces)
		srv.traces = traces
		defer func() {
			traces.Close()
			tdb.Close()
		}()
		log.Info("sql tracing enabled", "db", cfg.TraceDB)
	}

	opts := cfg.SessionOptions()
	opts.Logger = log
	srv.registry = docsave.NewRegistry(opts)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("wirehist: listening", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("wirehist: shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Warn("shutdown", "error", err)
	}
	return srv.registry.CloseAll(context.Background())
}

func (s *server) routes(ctx context.Context) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/docs", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/open", s.handleOpen(ctx))
			r.Post("/scratch", s.handleScratch)

			r.Route("/{docID}", func(r chi.Router) {
				r.Get("/", s.handleInfo)
				r.Delete("/", s.handleClose)
				r.Get("/state", s.handleState)
				r.Get("/events", s.handleEvents)
				r.Get("/history", s.handleHistory)
				r.Get("/watch", s.handleWatch)
				r.Get("/metrics", s.handleMetrics)
				r.Post("/apply", s.handleApply)
				r.Post("/ops/begin", s.handleBegin)
				r.Post("/ops/end", s.handleEnd)
				r.Post("/undo", s.handleUndo)
				r.Post("/redo", s.handleRedo)
				r.Post("/navigate", s.handleNavigate)
				r.Post("/scrub", s.handleScrub)
				r.Post("/scrub/prime", s.handlePrime)
				r.Post("/save", s.handleSave)
				r.Post("/saveas", s.handleSaveAs(ctx))
				r.Post("/title", s.handleTitle)
			})
		})

		r.Get("/debug/slow", s.handleSlow)
	})

	return r
}

// docSummary is the list-level view of an open document.
type docSummary struct {
	DocID  string             `json:"doc_id"`
	Path   string             `json:"path"`
	Title  string             `json:"title"`
	State  docsave.DirtyState `json:"state"`
	Pos    int64              `json:"pos"`
	MaxSeq int64              `json:"max_seq"`
}

func summarize(sess *docsave.Session) docSummary {
	nav := sess.Navigator()
	return docSummary{
		DocID:  sess.DocID(),
		Path:   sess.Path(),
		Title:  sess.Title(),
		State:  sess.DirtyState(),
		Pos:    nav.Pos(),
		MaxSeq: nav.MaxSeq(),
	}
}

// docDetail adds the fields the editor needs when focusing one document.
type docDetail struct {
	docSummary
	Meta      docsave.Meta     `json:"meta"`
	CanUndo   bool             `json:"can_undo"`
	CanRedo   bool             `json:"can_redo"`
	UndoLabel string           `json:"undo_label,omitempty"`
	RedoLabel string           `json:"redo_label,omitempty"`
	Warnings  []replay.Warning `json:"load_warnings,omitempty"`
	Scrub     scrub.Stats      `json:"scrub"`
}

func (s *server) detail(ctx context.Context, sess *docsave.Session) docDetail {
	nav := sess.Navigator()
	d := docDetail{
		docSummary: summarize(sess),
		Meta:       sess.Meta(),
		CanUndo:    nav.CanUndo(),
		CanRedo:    nav.CanRedo(),
		Warnings:   sess.LoadWarnings(),
		Scrub:      sess.ScrubStats(),
	}
	if label, err := nav.UndoLabel(ctx); err == nil {
		d.UndoLabel = label
	}
	if label, err := nav.RedoLabel(ctx); err == nil {
		d.RedoLabel = label
	}
	return d
}

// session resolves {docID} or writes a 404.
func (s *server) session(w http.ResponseWriter, r *http.Request) (*docsave.Session, bool) {
	sess, ok := s.registry.Get(chi.URLParam(r, "docID"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("document not open"))
	}
	return sess, ok
}

func (s *server) handleList(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.Sessions()
	out := make([]docSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleOpen(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			writeError(w, http.StatusBadRequest, errors.New(`body must be {"path": "..."}`))
			return
		}
		sess, err := s.registry.Open(r.Context(), req.Path)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.startWatcher(ctx, sess)
		writeJSON(w, http.StatusCreated, s.detail(r.Context(), sess))
	}
}

func (s *server) handleScratch(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.OpenScratch(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.detail(r.Context(), sess))
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.detail(r.Context(), sess))
}

func (s *server) handleClose(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.stopWatcher(sess.DocID())
	if err := s.registry.Close(r.Context(), sess.DocID()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"closed": sess.DocID()})
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	st, err := sess.State(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	from := queryInt64(r, "from", 1)
	to := queryInt64(r, "to", sess.Navigator().MaxSeq())
	recs, err := sess.Events(r.Context(), from, to)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	writeJSON(w, http.StatusOK, eventRows(recs))
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	nav := sess.Navigator()
	out := struct {
		Pos       int64  `json:"pos"`
		MaxSeq    int64  `json:"max_seq"`
		CanUndo   bool   `json:"can_undo"`
		CanRedo   bool   `json:"can_redo"`
		UndoLabel string `json:"undo_label,omitempty"`
		RedoLabel string `json:"redo_label,omitempty"`
	}{Pos: nav.Pos(), MaxSeq: nav.MaxSeq(), CanUndo: nav.CanUndo(), CanRedo: nav.CanRedo()}
	if label, err := nav.UndoLabel(r.Context()); err == nil {
		out.UndoLabel = label
	}
	if label, err := nav.RedoLabel(r.Context()); err == nil {
		out.RedoLabel = label
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleWatch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	h, ok := s.watchers[sess.DocID()]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("document not watched"))
		return
	}
	writeJSON(w, http.StatusOK, h.w.Stats())
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = telemetry.MSaveDurationMs
	}
	since := queryDuration(r, "since", 24*time.Hour)
	sum, err := sess.Metrics(r.Context(), name, time.Now().Add(-since))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) handleApply(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"kind": "...", "payload": {...}}`))
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = []byte("{}")
	}
	p, err := event.Decode(req.Kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := sess.Apply(r.Context(), p); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(sess))
}

func (s *server) handleBegin(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := sess.BeginOperation(r.Context(), req.Label); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(sess))
}

func (s *server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.EndOperation(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

// navResult returns the state along with the position it belongs to.
type navResult struct {
	Pos    int64         `json:"pos"`
	MaxSeq int64         `json:"max_seq"`
	State  *sketch.State `json:"state"`
}

func (s *server) navigated(sess *docsave.Session, st *sketch.State) navResult {
	nav := sess.Navigator()
	return navResult{Pos: nav.Pos(), MaxSeq: nav.MaxSeq(), State: st}
}

func (s *server) handleUndo(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	st, err := sess.Undo(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.navigated(sess, st))
}

func (s *server) handleRedo(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	st, err := sess.Redo(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.navigated(sess, st))
}

func (s *server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Seq int64 `json:"seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := sess.NavigateTo(r.Context(), req.Seq)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.navigated(sess, st))
}

func (s *server) handleScrub(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Seq int64 `json:"seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := sess.ScrubTo(r.Context(), req.Seq)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	// Scrubbing previews without moving the position.
	writeJSON(w, http.StatusOK, s.navigated(sess, st))
}

// handlePrime precomputes the scrub checkpoint lattice; the UI calls it when
// the timeline opens so drags land near checkpoints.
func (s *server) handlePrime(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.PrimeScrub(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.ScrubStats())
}

func (s *server) handleSave(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	res, err := sess.Save(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleSaveAs(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			writeError(w, http.StatusBadRequest, errors.New(`body must be {"path": "..."}`))
			return
		}
		res, err := s.registry.SaveAs(r.Context(), sess.DocID(), req.Path)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		// The session now sits on a new database handle; rebind the watcher.
		s.stopWatcher(sess.DocID())
		s.startWatcher(ctx, sess)
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *server) handleTitle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"title": "..."}`))
		return
	}
	sess.SetTitle(req.Title)
	writeJSON(w, http.StatusOK, summarize(sess))
}

func (s *server) handleSlow(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeError(w, http.StatusNotFound, errors.New("sql tracing disabled"))
		return
	}
	minDur := queryDuration(r, "min", 50*time.Millisecond)
	limit := queryInt(r, "limit", 50)
	entries, err := s.traces.Slow(r.Context(), minDur, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) startWatcher(ctx context.Context, sess *docsave.Session) {
	if !s.cfg.Watch.Enabled || sess.DirtyState() == docsave.StateUnsaved {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w := sess.Watch(wctx, docwatch.Options{
		Interval: s.cfg.Watch.Interval,
		Debounce: s.cfg.Watch.Debounce,
		Logger:   s.log,
	})
	s.mu.Lock()
	s.watchers[sess.DocID()] = watchHandle{cancel: cancel, w: w}
	s.mu.Unlock()
}

func (s *server) stopWatcher(docID string) {
	s.mu.Lock()
	h, ok := s.watchers[docID]
	if ok {
		delete(s.watchers, docID)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// writeFailure maps engine errors onto HTTP statuses.
func (s *server) writeFailure(w http.ResponseWriter, err error) {
	var f *docsave.Failure
	var re *histnav.RangeError
	switch {
	case errors.Is(err, docsave.ErrAlreadyOpen):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &f):
		writeJSON(w, failureStatus(f.Kind), map[string]string{"error": f.Error(), "kind": f.Kind})
	case errors.Is(err, histnav.ErrAtOldest), errors.Is(err, histnav.ErrAtNewest):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &re):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func failureStatus(kind string) int {
	switch kind {
	case docsave.KindDiskFull:
		return http.StatusInsufficientStorage
	case docsave.KindPermissionDenied:
		return http.StatusForbidden
	case docsave.KindLockTimeout:
		return http.StatusServiceUnavailable
	case docsave.KindPathResolution:
		return http.StatusBadRequest
	case docsave.KindMetadataMissing:
		return http.StatusUnprocessableEntity
	case docsave.KindTransactionFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func queryDuration(r *http.Request, key string, def time.Duration) time.Duration {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return v
}
