package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/teacurran/WireTuner-sub000/sketch"
)

// Codec serializes document states for storage. The default is the canonical
// sketch JSON form; the editor can substitute its own serializer as long as
// Decode(Encode(s)) round-trips.
type Codec interface {
	Name() string
	Encode(*sketch.State) ([]byte, error)
	Decode([]byte) (*sketch.State, error)
}

// JSONCodec is the default Codec, backed by sketch.Encode/Decode.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(s *sketch.State) ([]byte, error) { return sketch.Encode(s) }

func (JSONCodec) Decode(data []byte) (*sketch.State, error) { return sketch.Decode(data) }

// Options tunes snapshot cadence and retention.
type Options struct {
	// BaseInterval is the event interval between snapshots for a small
	// document. Default: 1000.
	BaseInterval int64
	// SizeStep stretches the interval as the state grows: every SizeStep
	// bytes of state adds one BaseInterval to the cadence. Default: 256 KiB.
	SizeStep int64
	// MaxInterval caps the stretched interval. Default: 8 * BaseInterval.
	MaxInterval int64
	// Keep is how many snapshots Prune retains. Default: 4.
	Keep int
	// Codec overrides the default JSONCodec.
	Codec Codec
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.BaseInterval <= 0 {
		o.BaseInterval = 1000
	}
	if o.SizeStep <= 0 {
		o.SizeStep = 256 << 10
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 8 * o.BaseInterval
	}
	if o.Keep <= 0 {
		o.Keep = 4
	}
	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager decides when snapshots are due and handles the encode/compress/
// hash pipeline in both directions.
type Manager struct {
	store *Store
	opts  Options
}

// NewManager creates a manager over the given store.
func NewManager(store *Store, opts Options) *Manager {
	opts.defaults()
	return &Manager{store: store, opts: opts}
}

// Store returns the underlying row store.
func (m *Manager) Store() *Store { return m.store }

// Keep returns the configured retention count.
func (m *Manager) Keep() int { return m.opts.Keep }

// Interval returns the snapshot cadence in events for a state of the given
// size. Larger documents snapshot less often, so per-snapshot cost stays
// proportionate:
//
//	interval = BaseInterval * (1 + stateBytes/SizeStep), capped at MaxInterval
func (m *Manager) Interval(stateBytes int64) int64 {
	iv := m.opts.BaseInterval * (1 + stateBytes/m.opts.SizeStep)
	if iv > m.opts.MaxInterval {
		iv = m.opts.MaxInterval
	}
	return iv
}

// ShouldSnapshot reports whether a snapshot is due after sinceLast events
// for a state of the given size.
func (m *Manager) ShouldSnapshot(sinceLast, stateBytes int64) bool {
	return sinceLast >= m.Interval(stateBytes)
}

// Create encodes, compresses, hashes, and upserts a snapshot of st at seq,
// inside the caller's transaction.
func (m *Manager) Create(ctx context.Context, tx *sql.Tx, docID string, seq int64, st *sketch.State) (*Meta, error) {
	raw, err := m.opts.Codec.Encode(st)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode state: %w", err)
	}
	sum := sha256.Sum256(raw)
	sha := hex.EncodeToString(sum[:])

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, fmt.Errorf("snapshot: gzip: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: gzip close: %w", err)
	}

	codec := "gzip+" + m.opts.Codec.Name()
	if err := m.store.Put(ctx, tx, docID, seq, buf.Bytes(), codec, sha); err != nil {
		return nil, err
	}

	meta := &Meta{
		DocID:  docID,
		Seq:    seq,
		Codec:  codec,
		SHA256: sha,
		Size:   int64(buf.Len()),
	}
	m.opts.Logger.Debug("snapshot: created",
		"doc", docID, "seq", seq,
		"raw_bytes", len(raw), "stored_bytes", buf.Len())
	return meta, nil
}

// Decode verifies and decodes a stored row: gunzip, SHA-256 compare against
// the recorded hash, then codec decode. Any failure wraps ErrCorrupt so the
// replayer can fall back to an older snapshot.
func (m *Manager) Decode(row *Row) (*sketch.State, error) {
	wantCodec := "gzip+" + m.opts.Codec.Name()
	if row.Codec != wantCodec {
		return nil, fmt.Errorf("%w: codec %q, reader expects %q", ErrCorrupt, row.Codec, wantCodec)
	}

	gr, err := gzip.NewReader(bytes.NewReader(row.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip: %v", ErrCorrupt, err)
	}
	raw, err := io.ReadAll(gr)
	if cerr := gr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip: %v", ErrCorrupt, err)
	}

	sum := sha256.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != row.SHA256 {
		return nil, fmt.Errorf("%w: sha256 %s, recorded %s", ErrCorrupt, got[:12], row.SHA256[:min(12, len(row.SHA256))])
	}

	st, err := m.opts.Codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}
	return st, nil
}

// Verify loads nothing extra; it decodes the row and reports only the error.
// The verify CLI fans this out across snapshots.
func (m *Manager) Verify(row *Row) error {
	_, err := m.Decode(row)
	return err
}

// Prune applies the retention policy for the document.
func (m *Manager) Prune(ctx context.Context, docID string) (int64, error) {
	return m.store.Prune(ctx, docID, m.opts.Keep)
}
