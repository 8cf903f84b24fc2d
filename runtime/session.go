package runtime

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/leonj1/river/envelope"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
	"github.com/leonj1/river/token"
)

// Item is one delivered envelope together with its durable position. Token
// is a resumption token minted for that position: present on stream_start
// and every chunk and recoverable error, empty on terminal envelopes, which
// have nothing after them to resume to.
type Item struct {
	Envelope envelope.Envelope
	Cursor   provider.Cursor
	Token    string
}

// Session is an ordered envelope feed for one run, either live (attached to
// a producer in this process) or replaying from the provider. Recv must not
// be called concurrently; Close may be called from any goroutine.
type Session struct {
	runID  string
	src    sessionSource
	detach func()

	mu     sync.Mutex
	closed bool
}

type sessionSource interface {
	next(ctx context.Context) (Item, error)
}

func newLiveSession(r *run, first Item) *Session {
	return &Session{
		runID:  r.id,
		src:    &liveSource{run: r, pending: []Item{first}},
		detach: r.detachLive,
	}
}

func newReplaySession(rt *Runtime, def Definition, runID string, cursor provider.Cursor) *Session {
	return &Session{
		runID: runID,
		src: &replaySource{
			rt:     rt,
			def:    def,
			runID:  runID,
			cursor: cursor,
		},
		detach: func() {},
	}
}

// RunID returns the run this session delivers.
func (s *Session) RunID() string { return s.runID }

// Recv returns the next envelope in order. It blocks until an item is
// available, the stream finishes (io.EOF), or ctx is done. After a terminal
// envelope the next call returns io.EOF.
func (s *Session) Recv(ctx context.Context) (Item, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Item{}, ErrSessionClosed
	}
	s.mu.Unlock()
	return s.src.next(ctx)
}

// Close detaches the session. For live sessions this releases the producer
// from this subscriber's backpressure; the run itself keeps going.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.detach()
	return nil
}

// liveSource drains the run's feed channel. The terminal envelope never
// travels through the channel: the seal closes the feed and the source
// fetches the stored terminal item afterwards, so completion is delivered
// even when the buffer was full at seal time.
type liveSource struct {
	run          *run
	pending      []Item
	terminalSent bool
}

func (s *liveSource) next(ctx context.Context) (Item, error) {
	if len(s.pending) > 0 {
		it := s.pending[0]
		s.pending = s.pending[1:]
		return it, nil
	}
	if s.terminalSent {
		return Item{}, io.EOF
	}
	select {
	case it, ok := <-s.run.feed:
		if ok {
			return it, nil
		}
		s.terminalSent = true
		if term, found := s.run.terminalItem(); found {
			return term, nil
		}
		return Item{}, io.EOF
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// replaySource reads entries strictly after the cursor in batches, then
// tail-follows with bounded blocking reads until the provider reports the
// run finished. An empty batch with a nil error means the block window
// elapsed with nothing new; the read is simply reissued.
type replaySource struct {
	rt     *Runtime
	def    Definition
	runID  string
	cursor provider.Cursor
	buf    []provider.Entry
	done   bool
}

func (s *replaySource) next(ctx context.Context) (Item, error) {
	for {
		if s.done {
			return Item{}, io.EOF
		}
		if len(s.buf) > 0 {
			entry := s.buf[0]
			s.buf = s.buf[1:]
			s.cursor = entry.Cursor
			env, err := envelope.FromEntry(entry)
			if err != nil {
				s.done = true
				return Item{}, riverr.Wrap(riverr.CodeProvider, "decode entry", err)
			}
			it := Item{Envelope: env, Cursor: entry.Cursor}
			if env.Terminal() {
				s.done = true
			} else {
				it.Token = token.Encode(token.New(s.def.StreamKey, s.runID, entry.Cursor))
			}
			return it, nil
		}
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		batch, err := s.def.Provider.ReadFrom(ctx, s.def.StreamKey, s.runID, s.cursor, provider.ReadOptions{
			Limit: s.rt.readBatch,
			Block: s.rt.readBlock,
		})
		switch {
		case errors.Is(err, io.EOF):
			s.done = true
			return Item{}, io.EOF
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Item{}, err
		case err != nil:
			return Item{}, riverr.Classify(err, riverr.CodeProvider)
		}
		s.buf = batch
	}
}
