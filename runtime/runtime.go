package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leonj1/river/envelope"
	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
	"github.com/leonj1/river/token"
)

var (
	// ErrRunClosed is returned by handle operations after the run reached a
	// terminal state.
	ErrRunClosed = errors.New("runtime: run is closed")
	// ErrSessionClosed is returned by Recv after Close.
	ErrSessionClosed = errors.New("runtime: session is closed")
)

// Runner produces a run's items through the handle. Returning nil closes the
// run cleanly if the runner has not already sealed it; returning an error
// seals it as failed; a panic is recovered and treated as a fatal error.
type Runner func(ctx context.Context, run *Run) error

// Definition is the runtime's view of one stream: where entries persist and
// what produces them.
type Definition struct {
	StreamKey string
	Provider  provider.Provider
	Run       Runner
}

func (d Definition) validate() error {
	if d.StreamKey == "" {
		return errors.New("runtime: definition needs a stream key")
	}
	if d.Provider == nil {
		return errors.New("runtime: definition needs a provider")
	}
	if d.Run == nil {
		return errors.New("runtime: definition needs a runner")
	}
	return nil
}

// Options tunes a Runtime.
type Options struct {
	Logger  log.Logger
	Metrics Metrics
	// LiveBuffer is the live feed capacity per run. A full feed blocks the
	// producer rather than dropping items. Default 256.
	LiveBuffer int
	// ReadBatch caps entries per provider read during resume. Default 128.
	ReadBatch int
	// ReadBlock bounds how long a provider read waits at the live tail
	// before the session reissues it. Default 250ms.
	ReadBlock time.Duration
}

// Runtime coordinates producers, durable appends and delivery sessions.
type Runtime struct {
	logger     log.Logger
	metrics    Metrics
	liveBuffer int
	readBatch  int
	readBlock  time.Duration

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New builds a Runtime.
func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.LiveBuffer <= 0 {
		opts.LiveBuffer = 256
	}
	if opts.ReadBatch <= 0 {
		opts.ReadBatch = provider.DefaultReadLimit
	}
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = 250 * time.Millisecond
	}
	return &Runtime{
		logger:     opts.Logger.With(log.Component("runtime")),
		metrics:    opts.Metrics,
		liveBuffer: opts.LiveBuffer,
		readBatch:  opts.ReadBatch,
		readBlock:  opts.ReadBlock,
		runs:       map[string]*run{},
	}
}

// Start creates a durable run for def, spawns its producer and returns the
// live session. ctx is the caller's cancellation signal for the producer:
// cancelling it aborts the run. A failed create leaves nothing behind.
func (rt *Runtime) Start(ctx context.Context, def Definition, input any) (*Session, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, riverr.Wrap(riverr.CodeCancelled, "start rejected", err)
	}

	runID, err := def.Provider.CreateRun(ctx, def.StreamKey)
	if err != nil {
		return nil, riverr.Classify(err, riverr.CodeProvider)
	}

	r := newRun(rt, def, runID, input, ctx)
	rt.register(r)
	rt.metrics.RunStarted(def.StreamKey)

	startToken := token.Encode(token.New(def.StreamKey, runID, ""))
	sess := newLiveSession(r, Item{
		Envelope: envelope.StreamStart(runID, startToken),
		Token:    startToken,
	})

	r.launch()
	return sess, nil
}

// Resume opens a delivery session for the run the token names, replaying
// the durable log strictly after the token's cursor and then following the
// live tail. The producer does not need to live in this process, or at all.
func (rt *Runtime) Resume(ctx context.Context, def Definition, tok token.Token) (*Session, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	if tok.StreamKey != def.StreamKey {
		return nil, riverr.Newf(riverr.CodeMalformedToken,
			"token stream key %q does not match definition %q", tok.StreamKey, def.StreamKey)
	}

	known, err := def.Provider.Exists(ctx, tok.StreamKey, tok.RunID)
	if err != nil {
		return nil, riverr.Classify(err, riverr.CodeProvider)
	}
	if !known {
		return nil, riverr.Newf(riverr.CodeUnknownRun, "run %s not found for stream %q", tok.RunID, tok.StreamKey)
	}

	rt.metrics.ResumeStarted(def.StreamKey)
	rt.logger.Debug("resume.start",
		log.Str("stream", def.StreamKey),
		log.Str("run_id", tok.RunID),
		log.Str("cursor", string(tok.Cursor)),
	)
	return newReplaySession(rt, def, tok.RunID, tok.Cursor), nil
}

// RunState reports the in-memory state of a live run. Terminal runs are
// dropped from the registry, so a miss means unknown or finished.
func (rt *Runtime) RunState(runID string) (State, bool) {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return "", false
	}
	// The registry lock is released first: a sealing run holds its own
	// mutex while unregistering, the opposite order.
	return r.currentState(), true
}

// ActiveRuns counts producers currently attached to this runtime.
func (rt *Runtime) ActiveRuns() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.runs)
}

// Shutdown aborts every live run and waits for their producers to seal, or
// for ctx to expire.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.RLock()
	for _, r := range rt.runs {
		r.cancel()
	}
	rt.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *Runtime) register(r *run) {
	rt.mu.Lock()
	rt.runs[r.id] = r
	rt.mu.Unlock()
}

func (rt *Runtime) unregister(runID string) {
	rt.mu.Lock()
	delete(rt.runs, runID)
	rt.mu.Unlock()
}
