package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leonj1/river/envelope"
	"github.com/leonj1/river/internal/jsoncodec"
	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/provider/memory"
	"github.com/leonj1/river/riverr"
	"github.com/leonj1/river/token"
)

func jsonRaw(s string) json.RawMessage { return json.RawMessage(s) }

func testRuntime(t *testing.T, opts Options) (*Runtime, *memory.Provider) {
	t.Helper()
	p := memory.New()
	t.Cleanup(func() { _ = p.Close() })
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithLevel(log.ErrorLevel))
	}
	if opts.ReadBlock == 0 {
		opts.ReadBlock = 50 * time.Millisecond
	}
	rt := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt, p
}

// countDef produces n chunks of the form {"value":i} and closes cleanly.
func countDef(p provider.Provider, key string, n int, delay time.Duration) Definition {
	return Definition{
		StreamKey: key,
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			for i := 0; i < n; i++ {
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				if err := run.AppendChunk(ctx, map[string]int{"value": i}); err != nil {
					return err
				}
			}
			return run.Close(ctx)
		},
	}
}

// collectAll drains a session to io.EOF. It is safe to call off the test
// goroutine; collect is the fatal wrapper for the test goroutine itself.
func collectAll(sess *Session) ([]Item, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var items []Item
	for {
		it, err := sess.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return items, fmt.Errorf("recv after %d items: %w", len(items), err)
		}
		items = append(items, it)
	}
}

func collect(t *testing.T, sess *Session) []Item {
	t.Helper()
	items, err := collectAll(sess)
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func chunkValue(t *testing.T, it Item) int {
	t.Helper()
	if it.Envelope.Type != envelope.TypeChunk {
		t.Fatalf("envelope type = %q, want chunk", it.Envelope.Type)
	}
	var body struct {
		Value int `json:"value"`
	}
	if err := jsoncodec.Unmarshal(it.Envelope.Chunk, &body); err != nil {
		t.Fatalf("decode chunk %s: %v", it.Envelope.Chunk, err)
	}
	return body.Value
}

func specialOf(t *testing.T, it Item, want envelope.SpecialType) *envelope.Special {
	t.Helper()
	if it.Envelope.Type != envelope.TypeSpecial || it.Envelope.Special == nil {
		t.Fatalf("envelope = %+v, want special %s", it.Envelope, want)
	}
	if it.Envelope.Special.Type != want {
		t.Fatalf("special type = %q, want %q", it.Envelope.Special.Type, want)
	}
	return it.Envelope.Special
}

func TestStartDeliversLiveSequence(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	sess, err := rt.Start(context.Background(), countDef(p, "count", 3, 0), map[string]int{"max": 3})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	items := collect(t, sess)
	if len(items) != 5 {
		t.Fatalf("got %d items, want 5 (start, 3 chunks, end)", len(items))
	}

	start := specialOf(t, items[0], envelope.SpecialStreamStart)
	if start.StreamRunID != sess.RunID() {
		t.Fatalf("stream_start run id = %q, want %q", start.StreamRunID, sess.RunID())
	}
	if items[0].Token == "" || items[0].Token != start.EncodedResumptionToken {
		t.Fatalf("stream_start token %q does not match envelope token %q", items[0].Token, start.EncodedResumptionToken)
	}

	for i := 1; i <= 3; i++ {
		if got := chunkValue(t, items[i]); got != i-1 {
			t.Fatalf("chunk %d value = %d", i-1, got)
		}
		if items[i].Token == "" {
			t.Fatalf("chunk %d has no resumption token", i-1)
		}
		tok, err := token.Decode(items[i].Token)
		if err != nil {
			t.Fatalf("chunk %d token: %v", i-1, err)
		}
		if tok.StreamKey != "count" || tok.RunID != sess.RunID() || tok.Cursor != items[i].Cursor {
			t.Fatalf("chunk %d token = %+v, cursor %q", i-1, tok, items[i].Cursor)
		}
	}

	end := specialOf(t, items[4], envelope.SpecialStreamEnd)
	if end.TotalChunks == nil || *end.TotalChunks != 3 {
		t.Fatalf("stream_end total_chunks = %v, want 3", end.TotalChunks)
	}
	if end.TotalTimeMs == nil || *end.TotalTimeMs < 0 {
		t.Fatalf("stream_end total_time_ms = %v", end.TotalTimeMs)
	}
	if items[4].Token != "" {
		t.Fatalf("terminal envelope minted token %q", items[4].Token)
	}
	if !items[4].Envelope.Terminal() {
		t.Fatal("stream_end not terminal")
	}
}

func TestRunnerNilReturnClosesRun(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			for i := 0; i < 2; i++ {
				if err := run.AppendChunk(ctx, map[string]int{"value": i}); err != nil {
					return err
				}
			}
			return nil // no explicit Close
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	items := collect(t, sess)
	end := specialOf(t, items[len(items)-1], envelope.SpecialStreamEnd)
	if end.TotalChunks == nil || *end.TotalChunks != 2 {
		t.Fatalf("total_chunks = %v, want 2", end.TotalChunks)
	}
}

func TestResumeReplaysStrictlyAfterCursor(t *testing.T) {
	rt, p := testRuntime(t, Options{})
	def := countDef(p, "count", 3, 0)

	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	live := collect(t, sess)

	// Resume after the first chunk: exactly the rest follows, no
	// stream_start, no repeats.
	tok, err := token.Decode(live[1].Token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	resumed, err := rt.Resume(context.Background(), def, tok)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	items := collect(t, resumed)
	if len(items) != 3 {
		t.Fatalf("resumed %d items, want 3 (2 chunks, end)", len(items))
	}
	if got := chunkValue(t, items[0]); got != 1 {
		t.Fatalf("first resumed chunk = %d, want 1", got)
	}
	if got := chunkValue(t, items[1]); got != 2 {
		t.Fatalf("second resumed chunk = %d, want 2", got)
	}
	specialOf(t, items[2], envelope.SpecialStreamEnd)

	// The start token replays the whole run.
	startTok, err := token.Decode(live[0].Token)
	if err != nil {
		t.Fatalf("decode start token: %v", err)
	}
	resumed, err = rt.Resume(context.Background(), def, startTok)
	if err != nil {
		t.Fatalf("Resume from start: %v", err)
	}
	all := collect(t, resumed)
	if len(all) != 4 {
		t.Fatalf("full replay = %d items, want 4", len(all))
	}
	if all[0].Envelope.Type != envelope.TypeChunk {
		t.Fatalf("replay starts with %q, want chunk", all[0].Envelope.Type)
	}
}

func TestResumeAfterCompletionYieldsTerminalOnly(t *testing.T) {
	rt, p := testRuntime(t, Options{})
	def := countDef(p, "count", 3, 0)

	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	live := collect(t, sess)
	lastChunkTok, err := token.Decode(live[3].Token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}

	for i := 0; i < 2; i++ {
		resumed, err := rt.Resume(context.Background(), def, lastChunkTok)
		if err != nil {
			t.Fatalf("Resume %d: %v", i, err)
		}
		items := collect(t, resumed)
		if len(items) != 1 {
			t.Fatalf("resume %d delivered %d items, want the terminal only", i, len(items))
		}
		specialOf(t, items[0], envelope.SpecialStreamEnd)
		if items[0].Token != "" {
			t.Fatalf("terminal replay minted token %q", items[0].Token)
		}
	}
}

func TestRecoverableErrorKeepsRunOpen(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			if err := run.AppendChunk(ctx, map[string]int{"value": 0}); err != nil {
				return err
			}
			if err := run.AppendError(ctx, errors.New("flaky upstream")); err != nil {
				return err
			}
			if err := run.AppendChunk(ctx, map[string]int{"value": 1}); err != nil {
				return err
			}
			return run.Close(ctx)
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	items := collect(t, sess)
	if len(items) != 5 {
		t.Fatalf("got %d items, want 5", len(items))
	}

	serr := specialOf(t, items[2], envelope.SpecialStreamError)
	if serr.Message != "flaky upstream" {
		t.Fatalf("stream_error message = %q", serr.Message)
	}
	if serr.Recoverable == nil || !*serr.Recoverable {
		t.Fatalf("stream_error recoverable = %v, want true", serr.Recoverable)
	}
	if items[2].Token == "" {
		t.Fatal("recoverable error minted no token")
	}
	end := specialOf(t, items[4], envelope.SpecialStreamEnd)
	if end.TotalChunks == nil || *end.TotalChunks != 2 {
		t.Fatalf("total_chunks = %v, want 2 (errors do not count)", end.TotalChunks)
	}

	// Resuming past the error continues the stream.
	tok, err := token.Decode(items[2].Token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	resumed, err := rt.Resume(context.Background(), def, tok)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	rest := collect(t, resumed)
	if len(rest) != 2 {
		t.Fatalf("resumed %d items, want 2", len(rest))
	}
	if got := chunkValue(t, rest[0]); got != 1 {
		t.Fatalf("chunk after error = %d, want 1", got)
	}
}

func TestCloseWithErrorSealsFailed(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	appendAfter := make(chan error, 1)
	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			if err := run.AppendChunk(ctx, map[string]int{"value": 0}); err != nil {
				return err
			}
			if err := run.CloseWithError(ctx, errors.New("digest exploded")); err != nil {
				return err
			}
			appendAfter <- run.AppendChunk(ctx, map[string]int{"value": 1})
			return nil
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	items := collect(t, sess)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	serr := specialOf(t, items[2], envelope.SpecialStreamError)
	if serr.Message != "digest exploded" {
		t.Fatalf("message = %q", serr.Message)
	}
	if serr.Recoverable == nil || *serr.Recoverable {
		t.Fatalf("recoverable = %v, want false", serr.Recoverable)
	}
	if !items[2].Envelope.Terminal() {
		t.Fatal("unrecoverable stream_error not terminal")
	}

	if err := <-appendAfter; !errors.Is(err, ErrRunClosed) {
		t.Fatalf("append after fatal close = %v, want ErrRunClosed", err)
	}
	if _, ok := rt.RunState(sess.RunID()); ok {
		t.Fatal("failed run still registered")
	}

	// Replay of a failed run ends on the unrecoverable error.
	tok, err := token.Decode(items[1].Token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	resumed, err := rt.Resume(context.Background(), def, tok)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	rest := collect(t, resumed)
	if len(rest) != 1 {
		t.Fatalf("replayed %d items, want 1", len(rest))
	}
	replayed := specialOf(t, rest[0], envelope.SpecialStreamError)
	if replayed.Recoverable == nil || *replayed.Recoverable {
		t.Fatal("replayed failure is not terminal")
	}
}

func TestRunnerErrorSealsFailed(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			if err := run.AppendChunk(ctx, map[string]int{"value": 0}); err != nil {
				return err
			}
			return errors.New("boom")
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	items := collect(t, sess)
	serr := specialOf(t, items[len(items)-1], envelope.SpecialStreamError)
	if serr.Message != "boom" {
		t.Fatalf("message = %q, want boom", serr.Message)
	}
	if serr.Recoverable == nil || *serr.Recoverable {
		t.Fatal("runner failure delivered as recoverable")
	}
}

func TestRunnerPanicIsFatal(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			if err := run.AppendChunk(ctx, map[string]int{"value": 0}); err != nil {
				return err
			}
			panic("kaboom")
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	items := collect(t, sess)
	serr := specialOf(t, items[len(items)-1], envelope.SpecialStreamError)
	if !strings.Contains(serr.Message, "runner panic") || !strings.Contains(serr.Message, "kaboom") {
		t.Fatalf("message = %q", serr.Message)
	}
	if serr.Recoverable == nil || *serr.Recoverable {
		t.Fatal("panic delivered as recoverable")
	}
}

func TestAbortDeliversAbortedAndSealsDurably(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstAppended := make(chan struct{})
	lateAppend := make(chan error, 1)
	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(runCtx context.Context, run *Run) error {
			if err := run.AppendChunk(runCtx, map[string]int{"value": 0}); err != nil {
				return err
			}
			close(firstAppended)
			<-runCtx.Done()
			lateAppend <- run.AppendChunk(context.Background(), map[string]int{"value": 1})
			return runCtx.Err()
		},
	}
	sess, err := rt.Start(ctx, def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-firstAppended
	cancel()

	items := collect(t, sess)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3 (start, chunk, aborted)", len(items))
	}
	if items[2].Envelope.Type != envelope.TypeAborted {
		t.Fatalf("last envelope = %+v, want aborted", items[2].Envelope)
	}
	if items[2].Token != "" {
		t.Fatal("aborted envelope minted a token")
	}

	if err := <-lateAppend; !riverr.IsCode(err, riverr.CodeCancelled) {
		t.Fatalf("append after abort = %v, want %s", err, riverr.CodeCancelled)
	}

	// Durably the run is sealed with a fatal entry; a resumer sees an
	// unrecoverable stream_error, not the live-only aborted envelope.
	tok, err := token.Decode(items[1].Token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	resumed, err := rt.Resume(context.Background(), def, tok)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	rest := collect(t, resumed)
	if len(rest) != 1 {
		t.Fatalf("replayed %d items, want 1", len(rest))
	}
	serr := specialOf(t, rest[0], envelope.SpecialStreamError)
	if serr.Message != "run aborted" {
		t.Fatalf("message = %q", serr.Message)
	}
	if serr.Recoverable == nil || *serr.Recoverable {
		t.Fatal("abort replayed as recoverable")
	}
}

func TestLiveAndReplayAgree(t *testing.T) {
	rt, p := testRuntime(t, Options{ReadBlock: 20 * time.Millisecond})
	def := countDef(p, "count", 10, 2*time.Millisecond)

	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancelRecv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelRecv()
	first, err := sess.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv start: %v", err)
	}
	startTok, err := token.Decode(first.Token)
	if err != nil {
		t.Fatalf("decode start token: %v", err)
	}

	// A replay session follows the live tail of the same run.
	resumed, err := rt.Resume(context.Background(), def, startTok)
	if err != nil {
		t.Fatalf("Resume mid-run: %v", err)
	}
	type result struct {
		items []Item
		err   error
	}
	replayCh := make(chan result, 1)
	go func() {
		items, err := collectAll(resumed)
		replayCh <- result{items, err}
	}()

	live := collect(t, sess)
	replay := <-replayCh
	if replay.err != nil {
		t.Fatalf("replay: %v", replay.err)
	}
	replayed := replay.items

	if len(replayed) != len(live) {
		t.Fatalf("replay saw %d items, live saw %d (after start)", len(replayed), len(live))
	}
	for i := range replayed {
		a, err := envelope.Marshal(replayed[i].Envelope)
		if err != nil {
			t.Fatalf("marshal replay %d: %v", i, err)
		}
		b, err := envelope.Marshal(live[i].Envelope)
		if err != nil {
			t.Fatalf("marshal live %d: %v", i, err)
		}
		if string(a) != string(b) {
			t.Fatalf("item %d differs:\nreplay: %s\nlive:   %s", i, a, b)
		}
	}
}

func TestConcurrentResumes(t *testing.T) {
	rt, p := testRuntime(t, Options{})
	def := countDef(p, "count", 5, 0)

	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	live := collect(t, sess)
	startTok, err := token.Decode(live[0].Token)
	if err != nil {
		t.Fatalf("decode start token: %v", err)
	}

	const readers = 4
	results := make([][]Item, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resumed, err := rt.Resume(context.Background(), def, startTok)
			if err != nil {
				t.Errorf("Resume %d: %v", i, err)
				return
			}
			items, err := collectAll(resumed)
			if err != nil {
				t.Errorf("reader %d: %v", i, err)
				return
			}
			results[i] = items
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	for i, items := range results {
		if len(items) != 6 {
			t.Fatalf("reader %d saw %d items, want 6", i, len(items))
		}
		for j := 0; j < 5; j++ {
			if got := chunkValue(t, items[j]); got != j {
				t.Fatalf("reader %d chunk %d = %d", i, j, got)
			}
		}
		specialOf(t, items[5], envelope.SpecialStreamEnd)
	}
}

func TestDetachedSessionDoesNotBlockProducer(t *testing.T) {
	rt, p := testRuntime(t, Options{LiveBuffer: 1})

	const chunks = 64
	runnerDone := make(chan error, 1)
	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			for i := 0; i < chunks; i++ {
				if err := run.AppendChunk(ctx, map[string]int{"value": i}); err != nil {
					runnerDone <- err
					return err
				}
			}
			err := run.Close(ctx)
			runnerDone <- err
			return err
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancelRecv := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRecv()
	if _, err := sess.Recv(ctx); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-runnerDone:
		if err != nil {
			t.Fatalf("runner finished with %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("producer blocked after subscriber detached")
	}

	// Every entry is durable despite the dead subscriber.
	var total int
	var cursor provider.Cursor
	for {
		batch, err := p.ReadFrom(context.Background(), "count", sess.RunID(), cursor, provider.ReadOptions{})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		total += len(batch)
		cursor = batch[len(batch)-1].Cursor
	}
	if total != chunks+1 {
		t.Fatalf("durable log has %d entries, want %d", total, chunks+1)
	}

	if _, err := sess.Recv(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Recv on closed session = %v, want ErrSessionClosed", err)
	}
}

func TestShutdownAbortsLiveRuns(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	started := make(chan struct{})
	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			if err := run.AppendChunk(ctx, map[string]int{"value": 0}); err != nil {
				return err
			}
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := rt.ActiveRuns(); n != 0 {
		t.Fatalf("ActiveRuns = %d after shutdown", n)
	}

	items := collect(t, sess)
	if items[len(items)-1].Envelope.Type != envelope.TypeAborted {
		t.Fatalf("last envelope = %+v, want aborted", items[len(items)-1].Envelope)
	}
}

func TestResumeValidation(t *testing.T) {
	rt, p := testRuntime(t, Options{})
	def := countDef(p, "count", 1, 0)

	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(t, sess)

	_, err = rt.Resume(context.Background(), def, token.New("count", "01JXAMPLE0000000000000000", ""))
	if !riverr.IsCode(err, riverr.CodeUnknownRun) {
		t.Fatalf("Resume unknown run = %v, want %s", err, riverr.CodeUnknownRun)
	}

	_, err = rt.Resume(context.Background(), def, token.New("other", sess.RunID(), ""))
	if !riverr.IsCode(err, riverr.CodeMalformedToken) {
		t.Fatalf("Resume wrong stream = %v, want %s", err, riverr.CodeMalformedToken)
	}
}

func TestStartValidation(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	if _, err := rt.Start(context.Background(), Definition{Provider: p, Run: func(context.Context, *Run) error { return nil }}, nil); err == nil {
		t.Fatal("Start without stream key succeeded")
	}
	if _, err := rt.Start(context.Background(), Definition{StreamKey: "count", Run: func(context.Context, *Run) error { return nil }}, nil); err == nil {
		t.Fatal("Start without provider succeeded")
	}
	if _, err := rt.Start(context.Background(), Definition{StreamKey: "count", Provider: p}, nil); err == nil {
		t.Fatal("Start without runner succeeded")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rt.Start(cancelled, countDef(p, "count", 1, 0), nil)
	if !riverr.IsCode(err, riverr.CodeCancelled) {
		t.Fatalf("Start with cancelled ctx = %v, want %s", err, riverr.CodeCancelled)
	}
}

type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[State]int
	appended map[provider.Kind]int
	resumes  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{finished: map[State]int{}, appended: map[provider.Kind]int{}}
}

func (m *recordingMetrics) RunStarted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RunFinished(_ string, state State, _ time.Duration, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[state]++
}

func (m *recordingMetrics) EntryAppended(_ string, kind provider.Kind, _ time.Duration, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended[kind]++
}

func (m *recordingMetrics) ResumeStarted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes++
}

func TestMetricsHooks(t *testing.T) {
	metrics := newRecordingMetrics()
	rt, p := testRuntime(t, Options{Metrics: metrics})
	def := countDef(p, "count", 3, 0)

	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	live := collect(t, sess)

	tok, err := token.Decode(live[0].Token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	resumed, err := rt.Resume(context.Background(), def, tok)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	collect(t, resumed)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.started != 1 {
		t.Fatalf("started = %d", metrics.started)
	}
	if metrics.finished[StateCompleted] != 1 {
		t.Fatalf("finished = %v", metrics.finished)
	}
	if metrics.appended[provider.KindChunk] != 3 || metrics.appended[provider.KindEnd] != 1 {
		t.Fatalf("appended = %v", metrics.appended)
	}
	if metrics.resumes != 1 {
		t.Fatalf("resumes = %d", metrics.resumes)
	}
}

func TestRunStatePrunedAfterSeal(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	gate := make(chan struct{})
	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			<-gate
			return run.Close(ctx)
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state, ok := rt.RunState(sess.RunID()); !ok || state != StateRunning {
		t.Fatalf("RunState = %q, %v, want RUNNING", state, ok)
	}
	close(gate)
	collect(t, sess)
	if _, ok := rt.RunState(sess.RunID()); ok {
		t.Fatal("completed run still in registry")
	}
}

func TestAppendedChunksAreRawJSON(t *testing.T) {
	rt, p := testRuntime(t, Options{})

	def := Definition{
		StreamKey: "count",
		Provider:  p,
		Run: func(ctx context.Context, run *Run) error {
			if err := run.AppendChunk(ctx, jsonRaw(`{"pre":"encoded"}`)); err != nil {
				return err
			}
			if err := run.AppendChunk(ctx, jsonRaw(`not json`)); err == nil {
				return errors.New("invalid raw chunk accepted")
			} else if !riverr.IsCode(err, riverr.CodeRunner) {
				return fmt.Errorf("invalid raw chunk error = %w", err)
			}
			return run.Close(ctx)
		},
	}
	sess, err := rt.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	items := collect(t, sess)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if string(items[1].Envelope.Chunk) != `{"pre":"encoded"}` {
		t.Fatalf("chunk = %s", items[1].Envelope.Chunk)
	}
}
