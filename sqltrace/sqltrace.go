// Package sqltrace provides transparent SQL tracing for modernc.org/sqlite.
//
// It registers a "sqlite-hist" driver that wraps the standard "sqlite" driver,
// intercepting every Exec and Query at the database/sql/driver level. No
// engine code changes are needed beyond switching the driver name:
//
//	import _ "github.com/teacurran/WireTuner-sub000/sqltrace"  // registers "sqlite-hist"
//
//	// Trace store (opened with raw "sqlite" to avoid recursion)
//	traceDB, _ := histdb.Open("traces.db")
//	store := sqltrace.NewStore(traceDB)
//	store.Init()
//	sqltrace.SetStore(store)
//
//	// Document DB — all queries are now traced automatically
//	db, _ := histdb.Open("drawing.wire", histdb.WithTrace())
//
// Without a Store (SetStore not called or nil), the driver still logs every
// query via slog with adaptive levels (Debug, Warn >50ms, Error on failure).
// 50ms is two editor frames; a save or replay statement past that budget is
// visible as a stutter.
package sqltrace

import (
	"database/sql"
	"sync"

	sqlite "modernc.org/sqlite"
)

// Entry is a single SQL trace record.
type Entry struct {
	Op         string // "Exec" or "Query"
	Query      string // SQL statement
	DurationUs int64  // microseconds
	Error      string // empty if success
	Timestamp  int64  // unix microseconds
}

// Recorder is the interface for trace persistence backends.
type Recorder interface {
	RecordAsync(e *Entry)
	Close() error
}

// global store for persistence (nil = slog-only, no SQLite persistence)
var (
	globalStore Recorder
	storeMu     sync.RWMutex
)

// SetStore sets the global trace recorder for persistence.
// Pass nil to disable persistence (slog-only mode).
func SetStore(s Recorder) {
	storeMu.Lock()
	globalStore = s
	storeMu.Unlock()
}

func getStore() Recorder {
	storeMu.RLock()
	defer storeMu.RUnlock()
	return globalStore
}

func init() {
	sql.Register("sqlite-hist", &TracingDriver{
		Driver: &sqlite.Driver{},
	})
}
