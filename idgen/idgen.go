// Package idgen provides pluggable ID generation for the history engine.
//
// Constructors across the repo (event, opgroup, docsave) accept a Generator,
// making the ID strategy a startup-time decision rather than a compile-time one.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "evt_", "grp_", "doc_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the repo-wide default: UUIDv7 (RFC 9562).
// Prefixed variants compose on top.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Scoped generators for the three persisted ID spaces.
var (
	EventID Generator = Prefixed("evt_", UUIDv7())
	GroupID Generator = Prefixed("grp_", UUIDv7())
	DocID   Generator = Prefixed("doc_", UUIDv7())
)

// Parse validates an ID (a UUID, optionally carrying one of the known
// prefixes) and returns it or an error.
func Parse(s string) (string, error) {
	raw := s
	for _, p := range []string{"evt_", "grp_", "doc_"} {
		if rest, ok := strings.CutPrefix(s, p); ok {
			raw = rest
			break
		}
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("invalid ID %q: %w", s, err)
	}
	return s, nil
}
