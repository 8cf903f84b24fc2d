// Package sqlite persists run logs in a single SQLite database file. Entries
// are append-only at the schema level; run heads live in a runs table
// updated in the same transaction as each insert. The file can be shared
// with other processes: in-process readers are woken by append broadcasts,
// external writers are picked up when the blocking-read window elapses.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leonj1/river/pkg/id"
	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
)

func init() {
	provider.Register("sqlite", func(opts provider.OpenOptions) (provider.Provider, error) {
		return Open(opts.Path, opts.Logger)
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	stream_key TEXT NOT NULL,
	run_id TEXT NOT NULL,
	next_seq INTEGER NOT NULL DEFAULT 0,
	finished INTEGER NOT NULL DEFAULT 0,
	sealed_at_ms INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (stream_key, run_id)
);

CREATE TABLE IF NOT EXISTS entries (
	stream_key TEXT NOT NULL,
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	appended_at_ms INTEGER NOT NULL,
	PRIMARY KEY (stream_key, run_id, seq)
);

CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: UPDATE forbidden');
END;
`

// Provider implements provider.Provider on a SQLite file.
type Provider struct {
	db     *sql.DB
	path   string
	logger log.Logger
	done   chan struct{}

	mu     sync.Mutex
	notify map[string]chan struct{}

	nowMs func() int64
}

// Open creates or opens the database file and applies the schema.
func Open(path string, logger log.Logger) (*Provider, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// Pragmas are per-connection; one pooled connection keeps them in force
	// and sidesteps writer-writer SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	if logger == nil {
		logger = log.NewLogger()
	}
	return &Provider{
		db:     db,
		path:   path,
		logger: logger.With(log.Component("provider.sqlite")),
		done:   make(chan struct{}),
		notify: map[string]chan struct{}{},
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (p *Provider) Name() string { return "sqlite" }

func (p *Provider) CreateRun(ctx context.Context, streamKey string) (string, error) {
	runID := id.New()
	_, err := p.db.ExecContext(ctx, `
INSERT INTO runs(stream_key, run_id, created_at_ms) VALUES(?, ?, ?)`,
		streamKey, runID, p.nowMs())
	if err != nil {
		return "", riverr.Wrap(riverr.CodeProvider, "create run", err)
	}
	return runID, nil
}

func (p *Provider) Append(ctx context.Context, streamKey, runID string, rec provider.AppendRecord) (provider.Entry, error) {
	if !rec.Kind.Valid() {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "invalid entry kind %q", rec.Kind)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "begin append", err)
	}
	defer tx.Rollback()

	var nextSeq uint64
	var finished int
	row := tx.QueryRowContext(ctx, `
SELECT next_seq, finished FROM runs WHERE stream_key=? AND run_id=?`, streamKey, runID)
	if err := row.Scan(&nextSeq, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return provider.Entry{}, riverr.Newf(riverr.CodeUnknownRun, "run %s/%s not found", streamKey, runID)
		}
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "read run head", err)
	}
	if finished != 0 {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "run %s is finished", runID)
	}

	now := p.nowMs()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO entries(stream_key, run_id, seq, kind, payload, appended_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`,
		streamKey, runID, int64(nextSeq), string(rec.Kind), rec.Payload, now); err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "insert entry", err)
	}

	sealedAt := int64(0)
	finish := 0
	if rec.Kind.Terminal() {
		finish = 1
		sealedAt = now
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE runs SET next_seq=?, finished=?, sealed_at_ms=? WHERE stream_key=? AND run_id=?`,
		int64(nextSeq+1), finish, sealedAt, streamKey, runID); err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "advance run head", err)
	}
	if err := tx.Commit(); err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "commit append", err)
	}

	p.broadcast(streamKey, runID)
	return provider.Entry{
		Kind:         rec.Kind,
		Sequence:     nextSeq,
		Payload:      append([]byte(nil), rec.Payload...),
		Cursor:       provider.CursorFromSeq(nextSeq),
		AppendedAtMs: now,
	}, nil
}

func (p *Provider) ReadFrom(ctx context.Context, streamKey, runID string, after provider.Cursor, opts provider.ReadOptions) ([]provider.Entry, error) {
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
		notify := p.watch(streamKey, runID)

		var nextSeq uint64
		var finished int
		row := p.db.QueryRowContext(ctx, `
SELECT next_seq, finished FROM runs WHERE stream_key=? AND run_id=?`, streamKey, runID)
		if err := row.Scan(&nextSeq, &finished); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, riverr.Newf(riverr.CodeUnknownRun, "run %s/%s not found", streamKey, runID)
			}
			return nil, riverr.Wrap(riverr.CodeProvider, "read run head", err)
		}

		if from < nextSeq {
			return p.selectEntries(ctx, streamKey, runID, from, limit)
		}
		if finished != 0 {
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
			return nil, riverr.New(riverr.CodeProvider, "sqlite provider closed")
		}
	}
}

func (p *Provider) selectEntries(ctx context.Context, streamKey, runID string, from uint64, limit int) ([]provider.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT seq, kind, payload, appended_at_ms
FROM entries
WHERE stream_key=? AND run_id=? AND seq>=?
ORDER BY seq ASC
LIMIT ?`, streamKey, runID, int64(from), limit)
	if err != nil {
		return nil, riverr.Wrap(riverr.CodeProvider, "select entries", err)
	}
	defer rows.Close()

	entries := make([]provider.Entry, 0, limit)
	for rows.Next() {
		var seq int64
		var kind string
		var payload []byte
		var atMs int64
		if err := rows.Scan(&seq, &kind, &payload, &atMs); err != nil {
			return nil, riverr.Wrap(riverr.CodeProvider, "scan entry", err)
		}
		entry := provider.Entry{
			Kind:         provider.Kind(kind),
			Sequence:     uint64(seq),
			Payload:      payload,
			Cursor:       provider.CursorFromSeq(uint64(seq)),
			AppendedAtMs: atMs,
		}
		entries = append(entries, entry)
		if entry.Kind.Terminal() {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, riverr.Wrap(riverr.CodeProvider, "iterate entries", err)
	}
	return entries, nil
}

func (p *Provider) Exists(ctx context.Context, streamKey, runID string) (bool, error) {
	var one int
	row := p.db.QueryRowContext(ctx, `
SELECT 1 FROM runs WHERE stream_key=? AND run_id=?`, streamKey, runID)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, riverr.Wrap(riverr.CodeProvider, "read run", err)
	}
	return true, nil
}

// ExpireFinished deletes finished runs sealed before the window, entries and
// head row together in one transaction per sweep.
func (p *Provider) ExpireFinished(ctx context.Context, streamKey string, olderThan time.Duration) (int, error) {
	cutoff := p.nowMs() - olderThan.Milliseconds()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, riverr.Wrap(riverr.CodeProvider, "begin expire", err)
	}
	defer tx.Rollback()

	query := `SELECT stream_key, run_id FROM runs WHERE finished=1 AND sealed_at_ms<=?`
	args := []any{cutoff}
	if streamKey != "" {
		query += ` AND stream_key=?`
		args = append(args, streamKey)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, riverr.Wrap(riverr.CodeProvider, "select expired runs", err)
	}
	type runRef struct{ stream, run string }
	var expired []runRef
	for rows.Next() {
		var r runRef
		if err := rows.Scan(&r.stream, &r.run); err != nil {
			rows.Close()
			return 0, riverr.Wrap(riverr.CodeProvider, "scan expired run", err)
		}
		expired = append(expired, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, riverr.Wrap(riverr.CodeProvider, "iterate expired runs", err)
	}
	rows.Close()

	for _, r := range expired {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM entries WHERE stream_key=? AND run_id=?`, r.stream, r.run); err != nil {
			return 0, riverr.Wrap(riverr.CodeProvider, "delete entries", err)
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM runs WHERE stream_key=? AND run_id=?`, r.stream, r.run); err != nil {
			return 0, riverr.Wrap(riverr.CodeProvider, "delete run", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, riverr.Wrap(riverr.CodeProvider, "commit expire", err)
	}
	if len(expired) > 0 {
		p.logger.Info("expire.sweep", log.Str("stream", streamKey), log.Int("removed", len(expired)))
	}
	return len(expired), nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return nil
	default:
	}
	close(p.done)
	p.notify = map[string]chan struct{}{}
	p.mu.Unlock()
	return p.db.Close()
}

// watch returns the broadcast channel for a run, creating it on first use.
func (p *Provider) watch(streamKey, runID string) <-chan struct{} {
	key := streamKey + "/" + runID
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.notify[key]
	if !ok {
		ch = make(chan struct{})
		p.notify[key] = ch
	}
	return ch
}

func (p *Provider) broadcast(streamKey, runID string) {
	key := streamKey + "/" + runID
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.notify[key]; ok {
		close(ch)
	}
	p.notify[key] = make(chan struct{})
}
