// Package redis persists run logs in Redis Streams. Entries are XADDed one
// per append; native stream IDs serve as cursors, XRANGE with an exclusive
// start replays strictly after a cursor and XREAD BLOCK follows the live
// tail, so resumers on other processes need no in-memory coordination at
// all. Finished runs can expire via native TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leonj1/river/pkg/id"
	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
)

func init() {
	provider.Register("redis", func(opts provider.OpenOptions) (provider.Provider, error) {
		return Open(Options{
			Addr:      opts.Addr,
			Prefix:    opts.Prefix,
			Retention: opts.Retention,
			Logger:    opts.Logger,
		})
	})
}

// DefaultPrefix namespaces every key this provider touches.
const DefaultPrefix = "river:"

// Options configures the redis provider.
type Options struct {
	// Addr is the server address. Default "127.0.0.1:6379".
	Addr string
	// Prefix namespaces keys. Default DefaultPrefix.
	Prefix string
	// Retention, when positive, sets a TTL on a run's keys at seal time so
	// finished runs expire without a janitor.
	Retention time.Duration
	// Logger receives provider events. Nil means a default logger.
	Logger log.Logger
}

// Provider implements provider.Provider on Redis Streams.
type Provider struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    log.Logger

	nowMs func() int64
}

// Open connects and pings the server.
func Open(opts Options) (*Provider, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Provider{
		client:    client,
		prefix:    opts.Prefix,
		retention: opts.Retention,
		logger:    logger.With(log.Component("provider.redis")),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (p *Provider) Name() string { return "redis" }

func (p *Provider) streamKey(stream, runID string) string {
	return p.prefix + "stream:" + stream + ":" + runID
}

func (p *Provider) metaKey(stream, runID string) string {
	return p.prefix + "meta:" + stream + ":" + runID
}

func (p *Provider) CreateRun(ctx context.Context, streamKey string) (string, error) {
	runID := id.New()
	err := p.client.HSet(ctx, p.metaKey(streamKey, runID),
		"next_seq", 0,
		"finished", 0,
		"created_at", p.nowMs(),
	).Err()
	if err != nil {
		return "", riverr.Wrap(riverr.CodeProvider, "create run", err)
	}
	return runID, nil
}

func (p *Provider) Append(ctx context.Context, streamKey, runID string, rec provider.AppendRecord) (provider.Entry, error) {
	if !rec.Kind.Valid() {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "invalid entry kind %q", rec.Kind)
	}
	meta := p.metaKey(streamKey, runID)

	finished, err := p.client.HGet(ctx, meta, "finished").Result()
	if errors.Is(err, redis.Nil) {
		return provider.Entry{}, riverr.Newf(riverr.CodeUnknownRun, "run %s/%s not found", streamKey, runID)
	}
	if err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "read run head", err)
	}
	if finished == "1" {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "run %s is finished", runID)
	}

	next, err := p.client.HIncrBy(ctx, meta, "next_seq", 1).Result()
	if err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "advance run head", err)
	}
	seq := uint64(next - 1)
	now := p.nowMs()

	stream := p.streamKey(streamKey, runID)
	msgID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"kind":    string(rec.Kind),
			"seq":     seq,
			"payload": rec.Payload,
			"at":      now,
		},
	}).Result()
	if err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "append entry", err)
	}

	if rec.Kind.Terminal() {
		pipe := p.client.Pipeline()
		pipe.HSet(ctx, meta, "finished", 1, "sealed_at", now)
		if p.retention > 0 {
			pipe.PExpire(ctx, meta, p.retention)
			pipe.PExpire(ctx, stream, p.retention)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return provider.Entry{}, riverr.Wrap(riverr.CodeProvider, "seal run", err)
		}
	}

	return provider.Entry{
		Kind:         rec.Kind,
		Sequence:     seq,
		Payload:      append([]byte(nil), rec.Payload...),
		Cursor:       provider.Cursor(msgID),
		AppendedAtMs: now,
	}, nil
}

func (p *Provider) ReadFrom(ctx context.Context, streamKey, runID string, after provider.Cursor, opts provider.ReadOptions) ([]provider.Entry, error) {
	meta := p.metaKey(streamKey, runID)
	stream := p.streamKey(streamKey, runID)

	known, err := p.client.Exists(ctx, meta).Result()
	if err != nil {
		return nil, riverr.Wrap(riverr.CodeProvider, "check run", err)
	}
	if known == 0 {
		return nil, riverr.Newf(riverr.CodeUnknownRun, "run %s/%s not found", streamKey, runID)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = provider.DefaultReadLimit
	}
	rangeStart := "-"
	readFrom := "0-0"
	if after != "" {
		rangeStart = "(" + string(after)
		readFrom = string(after)
	}
	deadline := time.Now().Add(opts.Block)

	for {
		msgs, err := p.client.XRangeN(ctx, stream, rangeStart, "+", int64(limit)).Result()
		if err != nil {
			return nil, classifyReadErr(err)
		}
		if len(msgs) > 0 {
			return toEntries(msgs)
		}

		finished, err := p.client.HGet(ctx, meta, "finished").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, riverr.Wrap(riverr.CodeProvider, "read run head", err)
		}
		if finished == "1" {
			return nil, io.EOF
		}
		if opts.Block <= 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining < time.Millisecond {
			return nil, nil
		}

		res, err := p.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, readFrom},
			Count:   int64(limit),
			Block:   remaining,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, classifyReadErr(err)
		}
		if len(res) > 0 && len(res[0].Messages) > 0 {
			return toEntries(res[0].Messages)
		}
	}
}

func (p *Provider) Exists(ctx context.Context, streamKey, runID string) (bool, error) {
	n, err := p.client.Exists(ctx, p.metaKey(streamKey, runID)).Result()
	if err != nil {
		return false, riverr.Wrap(riverr.CodeProvider, "check run", err)
	}
	return n > 0, nil
}

// ExpireFinished sweeps finished runs sealed before the window. With a
// positive Retention the server expires keys on its own and the sweep only
// catches runs sealed before retention was enabled.
func (p *Provider) ExpireFinished(ctx context.Context, streamKey string, olderThan time.Duration) (int, error) {
	cutoff := p.nowMs() - olderThan.Milliseconds()
	pattern := p.prefix + "meta:*"
	if streamKey != "" {
		pattern = p.prefix + "meta:" + streamKey + ":*"
	}

	removed := 0
	iter := p.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		meta := iter.Val()
		vals, err := p.client.HMGet(ctx, meta, "finished", "sealed_at").Result()
		if err != nil {
			return removed, riverr.Wrap(riverr.CodeProvider, "read run head", err)
		}
		if len(vals) != 2 || vals[0] != "1" {
			continue
		}
		sealedAt, ok := vals[1].(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(sealedAt, 10, 64)
		if err != nil || ms > cutoff {
			continue
		}
		stream := strings.Replace(meta, p.prefix+"meta:", p.prefix+"stream:", 1)
		if err := p.client.Del(ctx, meta, stream).Err(); err != nil {
			return removed, riverr.Wrap(riverr.CodeProvider, "delete run", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, riverr.Wrap(riverr.CodeProvider, "scan runs", err)
	}
	if removed > 0 {
		p.logger.Info("expire.sweep", log.Str("stream", streamKey), log.Int("removed", removed))
	}
	return removed, nil
}

func (p *Provider) Close() error {
	return p.client.Close()
}

func classifyReadErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if strings.Contains(err.Error(), "Invalid stream ID") {
		return riverr.Wrap(riverr.CodeMalformedToken, "bad cursor", err)
	}
	return riverr.Wrap(riverr.CodeProvider, "read entries", err)
}

func toEntries(msgs []redis.XMessage) ([]provider.Entry, error) {
	entries := make([]provider.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := toEntry(msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if entry.Kind.Terminal() {
			break
		}
	}
	return entries, nil
}

func toEntry(msg redis.XMessage) (provider.Entry, error) {
	kind, _ := msg.Values["kind"].(string)
	if !provider.Kind(kind).Valid() {
		return provider.Entry{}, riverr.Newf(riverr.CodeProvider, "entry %s has kind %q", msg.ID, kind)
	}
	seqStr, _ := msg.Values["seq"].(string)
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return provider.Entry{}, riverr.Wrap(riverr.CodeProvider,
			fmt.Sprintf("entry %s sequence %q", msg.ID, seqStr), err)
	}
	payload, _ := msg.Values["payload"].(string)
	atStr, _ := msg.Values["at"].(string)
	atMs, _ := strconv.ParseInt(atStr, 10, 64)

	return provider.Entry{
		Kind:         provider.Kind(kind),
		Sequence:     seq,
		Payload:      []byte(payload),
		Cursor:       provider.Cursor(msg.ID),
		AppendedAtMs: atMs,
	}, nil
}
