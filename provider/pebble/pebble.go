// Package pebble persists run logs in an embedded Pebble database. It is
// the durable single-node backend: every append is one atomic batch that
// writes the entry record and the run metadata together, with a
// configurable WAL fsync policy.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	pebbledb "github.com/cockroachdb/pebble"

	"github.com/leonj1/river/pkg/id"
	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
)

func init() {
	provider.Register("pebble", func(opts provider.OpenOptions) (provider.Provider, error) {
		mode, err := ParseFsyncMode(opts.Fsync)
		if err != nil {
			return nil, err
		}
		return Open(Options{
			DataDir:       opts.DataDir,
			Fsync:         mode,
			FsyncInterval: opts.FsyncInterval,
			Logger:        opts.Logger,
		})
	})
}

// FsyncMode defines WAL durability behavior for appends.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed append.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within the
	// configured interval (group commit).
	FsyncModeInterval
	// FsyncModeNever issues no application-level syncs. Pebble may still
	// sync on its own schedule; crash durability is weakest here.
	FsyncModeNever
)

// ParseFsyncMode maps a configuration string to a mode. Empty selects the
// default group-commit behavior.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "":
		return FsyncModeUnspecified, nil
	case "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	}
	return FsyncModeUnspecified, fmt.Errorf("pebble: unknown fsync mode %q", s)
}

// Options configures the pebble provider.
type Options struct {
	// DataDir is the database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group commit when Fsync is FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. Nil means sensible defaults.
	PebbleOptions *pebbledb.Options
	// Logger receives provider events. Nil means a default logger.
	Logger log.Logger
}

// Provider implements provider.Provider on a Pebble keyspace.
type Provider struct {
	db        *pebbledb.DB
	writeSync bool
	logger    log.Logger
	done      chan struct{}

	mu     sync.Mutex
	states map[string]*runState

	nowMs func() int64
}

// runState is the in-memory head of one run: its next sequence and finish
// flag, plus the broadcast channel appends close to wake blocked readers.
type runState struct {
	mu       sync.Mutex
	nextSeq  uint64
	finished bool
	sealedAt int64
	notify   chan struct{}
}

// Open creates or opens the database directory.
func Open(opts Options) (*Provider, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebbledb.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync is requested per commit; no WAL interval needed.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebbledb.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", opts.DataDir, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Provider{
		db:        inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		logger:    logger.With(log.Component("provider.pebble")),
		done:      make(chan struct{}),
		states:    map[string]*runState{},
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (p *Provider) Name() string { return "pebble" }

func (p *Provider) CreateRun(_ context.Context, streamKey string) (string, error) {
	runID := id.New()
	meta := encodeMeta(0, false, 0)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosedLocked() {
		return "", riverr.New(riverr.CodeProvider, "pebble provider closed")
	}
	if err := p.commitSet(keyMeta(streamKey, runID), meta); err != nil {
		return "", riverr.Wrap(riverr.CodeProvider, "create run", err)
	}
	p.states[streamKey+"/"+runID] = &runState{notify: make(chan struct{})}
	return runID, nil
}

func (p *Provider) Append(_ context.Context, streamKey, runID string, rec provider.AppendRecord) (provider.Entry, error) {
	if !rec.Kind.Valid() {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "invalid entry kind %q", rec.Kind)
	}
	st, err := p.state(streamKey, runID)
	if err != nil {
		return provider.Entry{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "run %s is finished", runID)
	}

	seq := st.nextSeq
	now := p.nowMs()
	sealedAt := int64(0)
	if rec.Kind.Terminal() {
		sealedAt = now
	}

	b := p.db.NewBatch()
	defer b.Close()
	record := encodeRecord(encodeHeader(rec.Kind, seq, now), rec.Payload)
	if err := b.Set(keyEntry(streamKey, runID, seq), record, nil); err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "stage entry", err)
	}
	if err := b.Set(keyMeta(streamKey, runID), encodeMeta(seq+1, rec.Kind.Terminal(), sealedAt), nil); err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "stage meta", err)
	}
	if err := b.Commit(p.syncMode()); err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "commit append", err)
	}

	st.nextSeq = seq + 1
	if rec.Kind.Terminal() {
		st.finished = true
		st.sealedAt = sealedAt
	}
	close(st.notify)
	st.notify = make(chan struct{})

	return provider.Entry{
		Kind:         rec.Kind,
		Sequence:     seq,
		Payload:      append([]byte(nil), rec.Payload...),
		Cursor:       provider.CursorFromSeq(seq),
		AppendedAtMs: now,
	}, nil
}

func (p *Provider) ReadFrom(ctx context.Context, streamKey, runID string, after provider.Cursor, opts provider.ReadOptions) ([]provider.Entry, error) {
	st, err := p.state(streamKey, runID)
	if err != nil {
		return nil, err
	}
	var from uint64
	if after != "" {
		seq, err := provider.SeqFromCursor(after)
		if err != nil {
			return nil, riverr.Wrap(riverr.CodeMalformedToken, "bad cursor", err)
		}
		from = seq + 1
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = provider.DefaultReadLimit
	}

	var timeout <-chan time.Time
	for {
		st.mu.Lock()
		nextSeq := st.nextSeq
		finished := st.finished
		notify := st.notify
		st.mu.Unlock()

		if from < nextSeq {
			return p.scan(streamKey, runID, from, limit)
		}
		if finished {
			return nil, io.EOF
		}
		if opts.Block <= 0 {
			return nil, nil
		}
		if timeout == nil {
			timer := time.NewTimer(opts.Block)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-notify:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, riverr.New(riverr.CodeProvider, "pebble provider closed")
		}
	}
}

// scan reads up to limit decoded entries starting at seq from.
func (p *Provider) scan(streamKey, runID string, from uint64, limit int) ([]provider.Entry, error) {
	_, hi := entryBounds(streamKey, runID)
	iter, err := p.db.NewIter(&pebbledb.IterOptions{
		LowerBound: keyEntry(streamKey, runID, from),
		UpperBound: hi,
	})
	if err != nil {
		return nil, riverr.Wrap(riverr.CodeProvider, "open iterator", err)
	}
	defer iter.Close()

	entries := make([]provider.Entry, 0, limit)
	for ok := iter.First(); ok && len(entries) < limit; ok = iter.Next() {
		entry, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, riverr.Wrap(riverr.CodeProvider,
				fmt.Sprintf("entry at seq %d", seqFromEntryKey(iter.Key())), err)
		}
		entries = append(entries, entry)
		if entry.Kind.Terminal() {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, riverr.Wrap(riverr.CodeProvider, "scan entries", err)
	}
	return entries, nil
}

func (p *Provider) Exists(_ context.Context, streamKey, runID string) (bool, error) {
	p.mu.Lock()
	if _, ok := p.states[streamKey+"/"+runID]; ok {
		p.mu.Unlock()
		return true, nil
	}
	p.mu.Unlock()

	_, closer, err := p.db.Get(keyMeta(streamKey, runID))
	if errors.Is(err, pebbledb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, riverr.Wrap(riverr.CodeProvider, "read meta", err)
	}
	_ = closer.Close()
	return true, nil
}

// ExpireFinished removes finished runs whose terminal entry is older than
// the window. Each run is deleted in its own batch: a range delete over the
// entries plus the metadata key.
func (p *Provider) ExpireFinished(ctx context.Context, streamKey string, olderThan time.Duration) (int, error) {
	cutoff := p.nowMs() - olderThan.Milliseconds()
	lo := metaPrefix(streamKey)
	iter, err := p.db.NewIter(&pebbledb.IterOptions{LowerBound: lo, UpperBound: prefixEnd(lo)})
	if err != nil {
		return 0, riverr.Wrap(riverr.CodeProvider, "open meta iterator", err)
	}
	defer iter.Close()

	removed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		_, finished, sealedAt, err := decodeMeta(iter.Value())
		if err != nil {
			p.logger.Warn("expire.meta.skip", log.Str("key", string(iter.Key())), log.Err(err))
			continue
		}
		if !finished || sealedAt > cutoff {
			continue
		}
		stream, runID, err := splitMetaKey(iter.Key())
		if err != nil {
			p.logger.Warn("expire.meta.skip", log.Err(err))
			continue
		}

		b := p.db.NewBatch()
		entryLo, entryHi := entryBounds(stream, runID)
		if err := b.DeleteRange(entryLo, entryHi, nil); err == nil {
			err = b.Delete(keyMeta(stream, runID), nil)
			if err == nil {
				err = b.Commit(p.syncMode())
			}
		} else {
			_ = b.Close()
			return removed, riverr.Wrap(riverr.CodeProvider, "stage expire", err)
		}
		_ = b.Close()
		if err != nil {
			return removed, riverr.Wrap(riverr.CodeProvider, "commit expire", err)
		}

		p.mu.Lock()
		delete(p.states, stream+"/"+runID)
		p.mu.Unlock()
		removed++
	}
	if err := iter.Error(); err != nil {
		return removed, riverr.Wrap(riverr.CodeProvider, "scan meta", err)
	}
	if removed > 0 {
		p.logger.Info("expire.sweep", log.Str("stream", streamKey), log.Int("removed", removed))
	}
	return removed, nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosedLocked() {
		return nil
	}
	close(p.done)
	p.states = map[string]*runState{}
	return p.db.Close()
}

// state returns the cached head of a run, loading it from metadata on first
// touch so reopened databases resume where they left off.
func (p *Provider) state(streamKey, runID string) (*runState, error) {
	key := streamKey + "/" + runID
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosedLocked() {
		return nil, riverr.New(riverr.CodeProvider, "pebble provider closed")
	}
	if st, ok := p.states[key]; ok {
		return st, nil
	}

	val, closer, err := p.db.Get(keyMeta(streamKey, runID))
	if errors.Is(err, pebbledb.ErrNotFound) {
		return nil, riverr.Newf(riverr.CodeUnknownRun, "run %s/%s not found", streamKey, runID)
	}
	if err != nil {
		return nil, riverr.Wrap(riverr.CodeProvider, "read meta", err)
	}
	nextSeq, finished, sealedAt, derr := decodeMeta(val)
	_ = closer.Close()
	if derr != nil {
		return nil, riverr.Wrap(riverr.CodeProvider, "decode meta", derr)
	}

	st := &runState{nextSeq: nextSeq, finished: finished, sealedAt: sealedAt, notify: make(chan struct{})}
	p.states[key] = st
	return st, nil
}

func (p *Provider) syncMode() *pebbledb.WriteOptions {
	if p.writeSync {
		return pebbledb.Sync
	}
	return pebbledb.NoSync
}

func (p *Provider) commitSet(key, value []byte) error {
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	return b.Commit(p.syncMode())
}

func (p *Provider) isClosedLocked() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Meta value: nextSeq (8 bytes BE) | flags (1 byte, bit 0 = finished) |
// sealed-at ms (8 bytes BE).
func encodeMeta(nextSeq uint64, finished bool, sealedAt int64) []byte {
	m := make([]byte, 17)
	binary.BigEndian.PutUint64(m[0:8], nextSeq)
	if finished {
		m[8] = 1
	}
	binary.BigEndian.PutUint64(m[9:17], uint64(sealedAt))
	return m
}

func decodeMeta(m []byte) (nextSeq uint64, finished bool, sealedAt int64, err error) {
	if len(m) < 17 {
		return 0, false, 0, fmt.Errorf("meta too short (%d bytes)", len(m))
	}
	nextSeq = binary.BigEndian.Uint64(m[0:8])
	finished = m[8]&1 == 1
	sealedAt = int64(binary.BigEndian.Uint64(m[9:17]))
	return nextSeq, finished, sealedAt, nil
}
