package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Cursor is an opaque, provider-native position in a run log. The empty
// cursor addresses the position before the first entry.
type Cursor string

// Kind classifies a durable log entry.
type Kind string

const (
	// KindChunk is a payload entry produced by the runner.
	KindChunk Kind = "chunk"
	// KindError is a recoverable error entry; the run continues after it.
	KindError Kind = "error"
	// KindFatal is a terminal error entry; nothing may follow it.
	KindFatal Kind = "fatal"
	// KindEnd is the clean completion entry carrying run statistics.
	KindEnd Kind = "end"
)

// Terminal reports whether the kind seals a run.
func (k Kind) Terminal() bool { return k == KindFatal || k == KindEnd }

// Valid reports whether k is one of the four entry kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindChunk, KindError, KindFatal, KindEnd:
		return true
	}
	return false
}

// Entry is one persisted log record.
type Entry struct {
	Kind         Kind
	Sequence     uint64 // 0-based, gapless within a run
	Payload      []byte // raw JSON
	Cursor       Cursor // position of this entry
	AppendedAtMs int64
}

// AppendRecord is the write-side view of an entry. Sequence, cursor and
// timestamp are assigned by the provider.
type AppendRecord struct {
	Kind    Kind
	Payload []byte
}

// ReadOptions bound a single ReadFrom call.
type ReadOptions struct {
	// Limit caps the batch size; 0 means DefaultReadLimit.
	Limit int
	// Block is how long to wait for new entries when none are available;
	// 0 returns the empty batch immediately.
	Block time.Duration
}

// DefaultReadLimit is the batch size used when ReadOptions.Limit is 0.
const DefaultReadLimit = 128

// Provider persists run logs. Implementations must be safe for concurrent
// readers; writes to one run are serialized by the engine.
type Provider interface {
	// Name identifies the implementation ("memory", "pebble", ...).
	Name() string

	// CreateRun allocates a run under streamKey and returns its ID.
	// A failed create leaves no partial state behind.
	CreateRun(ctx context.Context, streamKey string) (string, error)

	// Append persists rec, assigning the next sequence atomically with the
	// write, and returns the completed entry including its cursor. The run
	// is sealed by a terminal kind; appends after that fail.
	Append(ctx context.Context, streamKey, runID string, rec AppendRecord) (Entry, error)

	// ReadFrom returns entries strictly after the given cursor, in order,
	// without gaps, never crossing a terminal entry mid-batch. With no
	// entry available it blocks up to opts.Block, then returns an empty
	// batch. It returns io.EOF when the run is finished and nothing
	// remains after the cursor, and CodeUnknownRun for unknown runs.
	ReadFrom(ctx context.Context, streamKey, runID string, after Cursor, opts ReadOptions) ([]Entry, error)

	// Exists reports whether the run is known to this provider.
	Exists(ctx context.Context, streamKey, runID string) (bool, error)

	// Close releases resources. The provider is unusable afterwards.
	Close() error
}

// Expirer is implemented by providers that support retention of finished
// runs. ExpireFinished removes runs under streamKey whose terminal entry is
// older than the window and returns how many runs were removed. An empty
// streamKey targets every stream.
type Expirer interface {
	ExpireFinished(ctx context.Context, streamKey string, olderThan time.Duration) (int, error)
}

// CursorFromSeq formats a sequence as a cursor. Fixed-width hex keeps
// cursors short and lexicographically ordered.
func CursorFromSeq(seq uint64) Cursor {
	return Cursor(fmt.Sprintf("%016x", seq))
}

// SeqFromCursor parses a cursor minted by CursorFromSeq.
func SeqFromCursor(c Cursor) (uint64, error) {
	if len(c) != 16 {
		return 0, fmt.Errorf("cursor %q: want 16 hex chars", c)
	}
	seq, err := strconv.ParseUint(string(c), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("cursor %q: %w", c, err)
	}
	return seq, nil
}
