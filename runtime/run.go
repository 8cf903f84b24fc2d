package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leonj1/river/envelope"
	"github.com/leonj1/river/internal/jsoncodec"
	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
	"github.com/leonj1/river/token"
)

// run coordinates one producer. A single mutex serializes every durable
// append with its live push, which is what makes the dual write atomic with
// respect to other handle calls: an entry is never live before it is
// durable, and never out of order.
type run struct {
	rt     *Runtime
	def    Definition
	id     string
	input  any
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// abortSignal releases a blocked live push the moment the caller
	// cancels. It is closed outside the run mutex; the abort seal takes the
	// mutex afterwards, so a push blocked under the mutex cannot deadlock
	// the abort path.
	abortSignal  chan struct{}
	detachSignal chan struct{}
	detachOnce   sync.Once

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	chunks     int
	feed       chan Item
	feedClosed bool
	detached   bool
	terminal   Item
}

func newRun(rt *Runtime, def Definition, runID string, input any, parent context.Context) *run {
	ctx, cancel := context.WithCancel(parent)
	return &run{
		rt:           rt,
		def:          def,
		id:           runID,
		input:        input,
		logger:       rt.logger.With(log.Str("stream", def.StreamKey), log.Str("run_id", runID)),
		ctx:          ctx,
		cancel:       cancel,
		abortSignal:  make(chan struct{}),
		detachSignal: make(chan struct{}),
		state:        StateCreated,
		startedAt:    time.Now(),
		feed:         make(chan Item, rt.liveBuffer),
	}
}

// launch flips the run to RUNNING and starts the producer and the abort
// watcher.
func (r *run) launch() {
	r.mu.Lock()
	r.state = StateRunning
	r.startedAt = time.Now()
	r.mu.Unlock()
	r.logger.Info("run.start")

	runnerDone := make(chan struct{})
	r.rt.wg.Add(2)

	go func() {
		defer r.rt.wg.Done()
		select {
		case <-runnerDone:
		case <-r.ctx.Done():
			close(r.abortSignal)
			r.abort()
		}
	}()

	go func() {
		defer r.rt.wg.Done()
		defer close(runnerDone)
		r.finish(r.invoke())
	}()
}

// invoke calls the runner with panic recovery: a panicking producer fails
// its run, never the process.
func (r *run) invoke() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("run.panic", log.Any("panic", rec))
			err = riverr.Newf(riverr.CodeRunnerFatal, "runner panic: %v", rec)
		}
	}()
	return r.def.Run(r.ctx, &Run{run: r})
}

// finish seals the run according to the runner's outcome, unless a handle
// call or the abort watcher already sealed it.
func (r *run) finish(err error) {
	if err == nil {
		cerr := r.closeClean(context.WithoutCancel(r.ctx))
		if cerr != nil && !errors.Is(cerr, ErrRunClosed) {
			r.logger.Error("run.close", log.Err(cerr))
		}
		return
	}
	if r.ctx.Err() != nil {
		// Cancelled mid-run; the abort watcher owns the seal.
		return
	}
	ferr := r.failWith(context.WithoutCancel(r.ctx), riverr.Classify(err, riverr.CodeRunnerFatal))
	if ferr != nil && !errors.Is(ferr, ErrRunClosed) {
		r.logger.Error("run.fail", log.Err(ferr))
	}
}

// abort seals the run with a durable cancellation entry. The live session
// observes the aborted envelope instead of the entry itself.
func (r *run) abort() {
	cause := riverr.New(riverr.CodeCancelled, "run aborted")
	payload, _ := cause.MarshalPayload()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	// The producer context is already cancelled; the terminal entry must
	// land regardless.
	_, err := r.def.Provider.Append(context.WithoutCancel(r.ctx), r.def.StreamKey, r.id,
		provider.AppendRecord{Kind: provider.KindFatal, Payload: payload})
	if err != nil {
		r.logger.Error("run.abort.append", log.Err(err))
	}
	r.sealLocked(StateAborted, Item{Envelope: envelope.Aborted()})
}

// closeClean appends the end entry with run statistics and seals COMPLETED.
func (r *run) closeClean(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return ErrRunClosed
	}
	stats := envelope.EndStats{TotalChunks: r.chunks, TotalTimeMs: elapsedMs(r.startedAt)}
	payload, err := jsoncodec.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode end stats: %w", err)
	}
	entry, err := r.appendLocked(ctx, provider.KindEnd, payload)
	if err != nil {
		return r.escalateLocked(err)
	}
	env, _ := envelope.FromEntry(entry)
	r.sealLocked(StateCompleted, Item{Envelope: env, Cursor: entry.Cursor})
	return nil
}

// failWith appends a durable fatal entry and seals FAILED.
func (r *run) failWith(ctx context.Context, cause *riverr.Error) error {
	payload, perr := cause.MarshalPayload()
	if perr != nil {
		payload = []byte(fmt.Sprintf(`{"message":%q,"code":%q}`, cause.Message, riverr.CodeRunnerFatal))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return ErrRunClosed
	}
	entry, err := r.appendLocked(ctx, provider.KindFatal, payload)
	if err != nil {
		return r.escalateLocked(err)
	}
	env, _ := envelope.FromEntry(entry)
	r.logger.Warn("run.fail", log.Str("error", cause.Message))
	r.sealLocked(StateFailed, Item{Envelope: env, Cursor: entry.Cursor})
	return nil
}

// appendOpen is the mid-run append path used by the handle. Seal state is
// checked before cancellation so appends after Close or CloseWithError
// report ErrRunClosed, not a spurious abort.
func (r *run) appendOpen(ctx context.Context, kind provider.Kind, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.state == StateAborted:
		return riverr.New(riverr.CodeCancelled, "run aborted")
	case r.state != StateRunning:
		return ErrRunClosed
	}
	if r.ctx.Err() != nil {
		return riverr.Wrap(riverr.CodeCancelled, "run aborted", context.Cause(r.ctx))
	}
	if _, err := r.appendLocked(ctx, kind, payload); err != nil {
		return r.escalateLocked(err)
	}
	return nil
}

// appendLocked performs the dual write: durable append first, then the live
// push. Terminal kinds are not pushed here; the seal hands them to the
// session so delivery cannot be lost to a full feed.
func (r *run) appendLocked(ctx context.Context, kind provider.Kind, payload []byte) (provider.Entry, error) {
	start := time.Now()
	entry, err := r.def.Provider.Append(ctx, r.def.StreamKey, r.id,
		provider.AppendRecord{Kind: kind, Payload: payload})
	if err != nil {
		return provider.Entry{}, err
	}
	r.rt.metrics.EntryAppended(r.def.StreamKey, kind, time.Since(start), len(payload))
	if kind == provider.KindChunk {
		r.chunks++
	}
	if !kind.Terminal() {
		env, mapErr := envelope.FromEntry(entry)
		if mapErr != nil {
			r.logger.Debug("run.push.skip", log.Err(mapErr), log.Uint64("seq", entry.Sequence))
			return entry, nil
		}
		r.pushLocked(Item{Envelope: env, Cursor: entry.Cursor, Token: r.tokenAt(entry.Cursor)})
	}
	return entry, nil
}

// escalateLocked converts a failed durable append into a terminal failure:
// best-effort fatal marker for resumers, terminal error for the live
// session, FAILED state, and the storage error back to the producer.
func (r *run) escalateLocked(err error) error {
	if r.ctx.Err() != nil {
		return riverr.Wrap(riverr.CodeCancelled, "run aborted", err)
	}
	perr := riverr.Classify(err, riverr.CodeProvider)
	if payload, merr := perr.MarshalPayload(); merr == nil {
		_, _ = r.def.Provider.Append(context.WithoutCancel(r.ctx), r.def.StreamKey, r.id,
			provider.AppendRecord{Kind: provider.KindFatal, Payload: payload})
	}
	r.logger.Error("run.fail", log.Err(err))
	r.sealLocked(StateFailed, Item{Envelope: envelope.StreamError(perr.Message, false)})
	return perr
}

// pushLocked offers an item to the live feed, blocking when the buffer is
// full. The entry is already durable; abort or detach release a blocked
// push, and a resume replays anything the live path did not deliver.
func (r *run) pushLocked(it Item) {
	if r.detached || r.feedClosed {
		return
	}
	select {
	case r.feed <- it:
	case <-r.abortSignal:
	case <-r.detachSignal:
		r.detached = true
	}
}

// sealLocked moves the run to a terminal state exactly once.
func (r *run) sealLocked(state State, terminal Item) {
	if r.state.Terminal() {
		return
	}
	r.state = state
	r.terminal = terminal
	if !r.feedClosed {
		r.feedClosed = true
		close(r.feed)
	}
	r.cancel()
	r.rt.unregister(r.id)
	r.rt.metrics.RunFinished(r.def.StreamKey, state, time.Since(r.startedAt), r.chunks)
	switch state {
	case StateCompleted:
		r.logger.Info("run.close", log.Int("chunks", r.chunks), log.Float64("elapsed_ms", elapsedMs(r.startedAt)))
	case StateAborted:
		r.logger.Info("run.abort", log.Int("chunks", r.chunks))
	}
}

func (r *run) detachLive() {
	r.detachOnce.Do(func() { close(r.detachSignal) })
}

func (r *run) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) terminalItem() (Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Terminal() || r.terminal.Envelope.Type == "" {
		return Item{}, false
	}
	return r.terminal, true
}

func (r *run) tokenAt(c provider.Cursor) string {
	return token.Encode(token.New(r.def.StreamKey, r.id, c))
}

// Run is the handle a Runner emits through. Appends are serialized in call
// order; every method is safe after the run ends and reports the seal.
type Run struct {
	run *run
}

// RunID returns the durable run identifier.
func (h *Run) RunID() string { return h.run.id }

// StreamKey returns the stream this run belongs to.
func (h *Run) StreamKey() string { return h.run.def.StreamKey }

// Input returns the decoded, validated input the run was started with.
func (h *Run) Input() any { return h.run.input }

// AppendChunk appends one payload durably and offers it to the live feed.
// json.RawMessage passes through as-is; any other value is JSON-encoded.
func (h *Run) AppendChunk(ctx context.Context, v any) error {
	payload, err := encodeChunk(v)
	if err != nil {
		return riverr.Wrap(riverr.CodeRunner, "encode chunk", err)
	}
	return h.run.appendOpen(ctx, provider.KindChunk, payload)
}

// AppendError records a recoverable error; the run stays open and
// subscribers see a stream_error with recoverable set.
func (h *Run) AppendError(ctx context.Context, cause error) error {
	rerr := riverr.Classify(cause, riverr.CodeRunner)
	payload, perr := rerr.MarshalPayload()
	if perr != nil {
		return riverr.Wrap(riverr.CodeRunner, "encode error entry", perr)
	}
	return h.run.appendOpen(ctx, provider.KindError, payload)
}

// CloseWithError seals the run as FAILED with a durable fatal entry.
// Nothing can be appended afterwards.
func (h *Run) CloseWithError(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errors.New("runner failed")
	}
	return h.run.failWith(ctx, riverr.Classify(cause, riverr.CodeRunnerFatal))
}

// Close seals the run as COMPLETED, appending the end entry with the chunk
// count and elapsed time. Runners that return nil without calling Close get
// it called for them.
func (h *Run) Close(ctx context.Context) error {
	return h.run.closeClean(ctx)
}

func encodeChunk(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !jsoncodec.Valid(raw) {
			return nil, errors.New("raw chunk is not valid JSON")
		}
		return raw, nil
	}
	return jsoncodec.Marshal(v)
}

func elapsedMs(since time.Time) float64 {
	return float64(time.Since(since).Microseconds()) / 1000.0
}
