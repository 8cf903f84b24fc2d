// Package memory provides the in-process run log. It is the
// zero-configuration backend used by tests and single-node development
// setups; runs survive for the life of the process only.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/leonj1/river/pkg/id"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
)

func init() {
	provider.Register("memory", func(provider.OpenOptions) (provider.Provider, error) {
		return New(), nil
	})
}

// Provider keeps every run in ordinary slices guarded by per-run mutexes.
// Blocked readers wait on a broadcast channel that each append closes and
// replaces.
type Provider struct {
	mu   sync.RWMutex
	runs map[string]*memRun
	done chan struct{}

	nowMs func() int64
}

type memRun struct {
	streamKey string

	mu       sync.Mutex
	entries  []provider.Entry
	finished bool
	sealedAt int64
	notify   chan struct{}
}

// New returns an empty in-memory provider.
func New() *Provider {
	return &Provider{
		runs:  map[string]*memRun{},
		done:  make(chan struct{}),
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

func (p *Provider) Name() string { return "memory" }

func runKey(streamKey, runID string) string { return streamKey + "/" + runID }

func (p *Provider) CreateRun(_ context.Context, streamKey string) (string, error) {
	runID := id.New()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosedLocked() {
		return "", riverr.New(riverr.CodeProvider, "memory provider closed")
	}
	p.runs[runKey(streamKey, runID)] = &memRun{
		streamKey: streamKey,
		notify:    make(chan struct{}),
	}
	return runID, nil
}

func (p *Provider) Append(_ context.Context, streamKey, runID string, rec provider.AppendRecord) (provider.Entry, error) {
	if !rec.Kind.Valid() {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "invalid entry kind %q", rec.Kind)
	}
	r, err := p.lookup(streamKey, runID)
	if err != nil {
		return provider.Entry{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "run %s is finished", runID)
	}
	seq := uint64(len(r.entries))
	entry := provider.Entry{
		Kind:         rec.Kind,
		Sequence:     seq,
		Payload:      bytes.Clone(rec.Payload),
		Cursor:       provider.CursorFromSeq(seq),
		AppendedAtMs: p.nowMs(),
	}
	r.entries = append(r.entries, entry)
	if rec.Kind.Terminal() {
		r.finished = true
		r.sealedAt = entry.AppendedAtMs
	}
	close(r.notify)
	r.notify = make(chan struct{})
	return entry, nil
}

func (p *Provider) ReadFrom(ctx context.Context, streamKey, runID string, after provider.Cursor, opts provider.ReadOptions) ([]provider.Entry, error) {
	r, err := p.lookup(streamKey, runID)
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
		r.mu.Lock()
		if from < uint64(len(r.entries)) {
			end := from + uint64(limit)
			if end > uint64(len(r.entries)) {
				end = uint64(len(r.entries))
			}
			batch := make([]provider.Entry, end-from)
			copy(batch, r.entries[from:end])
			r.mu.Unlock()
			return batch, nil
		}
		finished := r.finished
		notify := r.notify
		r.mu.Unlock()

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
			return nil, riverr.New(riverr.CodeProvider, "memory provider closed")
		}
	}
}

func (p *Provider) Exists(_ context.Context, streamKey, runID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.runs[runKey(streamKey, runID)]
	return ok, nil
}

// ExpireFinished drops finished runs whose terminal entry is older than the
// window. Live runs are never touched.
func (p *Provider) ExpireFinished(_ context.Context, streamKey string, olderThan time.Duration) (int, error) {
	cutoff := p.nowMs() - olderThan.Milliseconds()
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for key, r := range p.runs {
		if streamKey != "" && r.streamKey != streamKey {
			continue
		}
		r.mu.Lock()
		expired := r.finished && r.sealedAt <= cutoff
		r.mu.Unlock()
		if expired {
			delete(p.runs, key)
			removed++
		}
	}
	return removed, nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isClosedLocked() {
		close(p.done)
		p.runs = map[string]*memRun{}
	}
	return nil
}

func (p *Provider) lookup(streamKey, runID string) (*memRun, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.isClosedLocked() {
		return nil, riverr.New(riverr.CodeProvider, "memory provider closed")
	}
	r, ok := p.runs[runKey(streamKey, runID)]
	if !ok {
		return nil, riverr.Newf(riverr.CodeUnknownRun, "run %s/%s not found", streamKey, runID)
	}
	return r, nil
}

func (p *Provider) isClosedLocked() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
