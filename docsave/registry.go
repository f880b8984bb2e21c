// CLAUDE:SUMMARY Tracks open document sessions by ID and path, sharing one concurrent-save guard across all of them.
package docsave

import (
	"context"
	"errors"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// saveGuard is the test-and-set gate rejecting concurrent saves of the same
// document. Shared across a registry so two sessions over one document (not
// that the registry allows it) could never interleave saves.
type saveGuard struct {
	active mapset.Set[string]
}

func newSaveGuard() *saveGuard {
	return &saveGuard{active: mapset.NewSet[string]()}
}

// begin claims the document; false when a save is already in flight.
func (g *saveGuard) begin(docID string) bool { return g.active.Add(docID) }

func (g *saveGuard) end(docID string) { g.active.Remove(docID) }

// ErrAlreadyOpen is returned when Open targets a file that already has a
// session in the registry.
var ErrAlreadyOpen = errors.New("docsave: document already open")

// Registry tracks the editor's open documents.
type Registry struct {
	opts SessionOptions

	mu       sync.Mutex
	sessions map[string]*Session // by docID
	byPath   map[string]string   // path -> docID
}

// NewRegistry creates a registry. All sessions it opens share opts and one
// save guard.
func NewRegistry(opts SessionOptions) *Registry {
	opts.defaults()
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
		byPath:   make(map[string]string),
	}
}

// Open opens the document at path and registers it. A path that is already
// open returns ErrAlreadyOpen — the editor should focus the existing window.
func (r *Registry) Open(ctx context.Context, path string) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.byPath[path]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	r.mu.Unlock()

	s, err := Open(ctx, path, r.opts)
	if err != nil {
		return nil, err
	}
	r.register(s)
	return s, nil
}

// OpenScratch creates and registers a never-saved document.
func (r *Registry) OpenScratch(ctx context.Context) (*Session, error) {
	s, err := OpenScratch(ctx, r.opts)
	if err != nil {
		return nil, err
	}
	r.register(s)
	return s, nil
}

func (r *Registry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.DocID()] = s
	r.byPath[s.Path()] = s.DocID()
}

// Get returns the session for docID.
func (r *Registry) Get(docID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[docID]
	return s, ok
}

// Sessions returns all open sessions, ordered by document ID.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID() < out[j].DocID() })
	return out
}

// SaveAs delegates to the session and re-indexes its new path.
func (r *Registry) SaveAs(ctx context.Context, docID, target string) (*Result, error) {
	s, ok := r.Get(docID)
	if !ok {
		return nil, fail(KindUnknown, target, nil, "no open document %s", docID)
	}
	res, err := s.SaveAs(ctx, target)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	for p, id := range r.byPath {
		if id == docID {
			delete(r.byPath, p)
		}
	}
	r.byPath[s.Path()] = docID
	r.mu.Unlock()
	return res, nil
}

// Close closes one session and removes it from the registry.
func (r *Registry) Close(ctx context.Context, docID string) error {
	r.mu.Lock()
	s, ok := r.sessions[docID]
	if ok {
		delete(r.sessions, docID)
		for p, id := range r.byPath {
			if id == docID {
				delete(r.byPath, p)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close(ctx)
}

// CloseAll closes every session, returning the first error encountered.
func (r *Registry) CloseAll(ctx context.Context) error {
	var first error
	for _, s := range r.Sessions() {
		if err := r.Close(ctx, s.DocID()); err != nil && first == nil {
			first = err
		}
	}
	return first
}
