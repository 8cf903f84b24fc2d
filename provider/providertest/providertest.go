// Package providertest is a conformance suite for provider implementations.
// Backend packages call Run from their own tests; every subtest exercises a
// fresh provider from the supplied constructor.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
)

// Run executes the conformance suite. open must return a ready provider;
// cleanup is registered on t.
func Run(t *testing.T, open func(t *testing.T) provider.Provider) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, p provider.Provider)
	}{
		{"CreateAndExists", testCreateAndExists},
		{"AppendAssignsSequence", testAppendAssignsSequence},
		{"ReadAll", testReadAll},
		{"ReadAfterCursor", testReadAfterCursor},
		{"ReadLimit", testReadLimit},
		{"BlockWaitsForAppend", testBlockWaitsForAppend},
		{"EmptyBatchBeforeFinish", testEmptyBatchBeforeFinish},
		{"FinishedRunEOF", testFinishedRunEOF},
		{"AppendAfterTerminal", testAppendAfterTerminal},
		{"UnknownRun", testUnknownRun},
		{"ConcurrentTail", testConcurrentTail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := open(t)
			t.Cleanup(func() { _ = p.Close() })
			tc.fn(t, p)
		})
	}
}

func mustCreate(t *testing.T, p provider.Provider, stream string) string {
	t.Helper()
	runID, err := p.CreateRun(context.Background(), stream)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return runID
}

func mustAppend(t *testing.T, p provider.Provider, stream, runID string, kind provider.Kind, payload string) provider.Entry {
	t.Helper()
	entry, err := p.Append(context.Background(), stream, runID, provider.AppendRecord{
		Kind:    kind,
		Payload: []byte(payload),
	})
	if err != nil {
		t.Fatalf("Append %s: %v", kind, err)
	}
	return entry
}

// seedRun appends n chunks followed by an end entry and returns every entry
// in append order.
func seedRun(t *testing.T, p provider.Provider, stream, runID string, n int) []provider.Entry {
	t.Helper()
	entries := make([]provider.Entry, 0, n+1)
	for i := 0; i < n; i++ {
		entries = append(entries, mustAppend(t, p, stream, runID, provider.KindChunk, fmt.Sprintf(`{"value":%d}`, i)))
	}
	entries = append(entries, mustAppend(t, p, stream, runID, provider.KindEnd, `{"total_chunks":0,"total_time_ms":0}`))
	return entries
}

func testCreateAndExists(t *testing.T, p provider.Provider) {
	ctx := context.Background()
	runID := mustCreate(t, p, "orders")

	ok, err := p.Exists(ctx, "orders", runID)
	if err != nil || !ok {
		t.Fatalf("Exists(%s) = %v, %v, want true", runID, ok, err)
	}
	ok, err = p.Exists(ctx, "orders", "no-such-run")
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v, want false", ok, err)
	}
	ok, err = p.Exists(ctx, "other-stream", runID)
	if err != nil || ok {
		t.Fatalf("Exists(wrong stream) = %v, %v, want false", ok, err)
	}
}

func testAppendAssignsSequence(t *testing.T, p provider.Provider) {
	runID := mustCreate(t, p, "orders")

	var prev provider.Entry
	for i := 0; i < 5; i++ {
		entry := mustAppend(t, p, "orders", runID, provider.KindChunk, fmt.Sprintf(`{"i":%d}`, i))
		if entry.Sequence != uint64(i) {
			t.Fatalf("entry %d: sequence = %d", i, entry.Sequence)
		}
		if entry.Cursor == "" {
			t.Fatalf("entry %d: empty cursor", i)
		}
		if i > 0 && entry.Cursor == prev.Cursor {
			t.Fatalf("cursor %q repeated", entry.Cursor)
		}
		if entry.AppendedAtMs == 0 {
			t.Fatalf("entry %d: zero timestamp", i)
		}
		prev = entry
	}
}

func testReadAll(t *testing.T, p provider.Provider) {
	runID := mustCreate(t, p, "orders")
	want := seedRun(t, p, "orders", runID, 3)

	got, err := p.ReadFrom(context.Background(), "orders", runID, "", provider.ReadOptions{})
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d entries, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i].Kind != want[i].Kind || got[i].Sequence != want[i].Sequence {
			t.Fatalf("entry %d = %s/%d, want %s/%d", i, got[i].Kind, got[i].Sequence, want[i].Kind, want[i].Sequence)
		}
		if string(got[i].Payload) != string(want[i].Payload) {
			t.Fatalf("entry %d payload = %s, want %s", i, got[i].Payload, want[i].Payload)
		}
		if got[i].Cursor != want[i].Cursor {
			t.Fatalf("entry %d cursor = %q, want %q", i, got[i].Cursor, want[i].Cursor)
		}
	}
	if got[len(got)-1].Kind != provider.KindEnd {
		t.Fatalf("last entry = %s, want end", got[len(got)-1].Kind)
	}
}

func testReadAfterCursor(t *testing.T, p provider.Provider) {
	runID := mustCreate(t, p, "orders")
	all := seedRun(t, p, "orders", runID, 4)

	// Resuming from each entry's cursor must yield exactly the suffix.
	for i, entry := range all {
		got, err := p.ReadFrom(context.Background(), "orders", runID, entry.Cursor, provider.ReadOptions{})
		if i == len(all)-1 {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("read after terminal: entries=%d err=%v, want io.EOF", len(got), err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ReadFrom(after %d): %v", i, err)
		}
		if len(got) != len(all)-i-1 {
			t.Fatalf("ReadFrom(after %d) = %d entries, want %d", i, len(got), len(all)-i-1)
		}
		if got[0].Sequence != all[i+1].Sequence {
			t.Fatalf("ReadFrom(after %d) starts at seq %d, want %d", i, got[0].Sequence, all[i+1].Sequence)
		}
	}
}

func testReadLimit(t *testing.T, p provider.Provider) {
	runID := mustCreate(t, p, "orders")
	seedRun(t, p, "orders", runID, 9)

	var cursor provider.Cursor
	var total int
	for {
		batch, err := p.ReadFrom(context.Background(), "orders", runID, cursor, provider.ReadOptions{Limit: 4})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if len(batch) == 0 || len(batch) > 4 {
			t.Fatalf("batch size %d with limit 4", len(batch))
		}
		total += len(batch)
		cursor = batch[len(batch)-1].Cursor
	}
	if total != 10 {
		t.Fatalf("paged through %d entries, want 10", total)
	}
}

func testBlockWaitsForAppend(t *testing.T, p provider.Provider) {
	runID := mustCreate(t, p, "orders")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		_, err := p.Append(context.Background(), "orders", runID, provider.AppendRecord{
			Kind:    provider.KindChunk,
			Payload: []byte(`{"late":true}`),
		})
		if err != nil {
			t.Errorf("late append: %v", err)
		}
	}()

	start := time.Now()
	batch, err := p.ReadFrom(context.Background(), "orders", runID, "", provider.ReadOptions{Block: 5 * time.Second})
	wg.Wait()
	if err != nil {
		t.Fatalf("blocking read: %v", err)
	}
	if len(batch) != 1 || string(batch[0].Payload) != `{"late":true}` {
		t.Fatalf("blocking read = %v", batch)
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Fatalf("blocking read waited the full window (%v)", elapsed)
	}
}

func testEmptyBatchBeforeFinish(t *testing.T, p provider.Provider) {
	runID := mustCreate(t, p, "orders")
	entry := mustAppend(t, p, "orders", runID, provider.KindChunk, `{"i":0}`)

	// Past the only entry on an unfinished run: the block window elapses
	// and the provider signals "nothing yet", not end of stream.
	batch, err := p.ReadFrom(context.Background(), "orders", runID, entry.Cursor, provider.ReadOptions{Block: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("ReadFrom on open run: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("got %d entries, want none", len(batch))
	}
}

func testFinishedRunEOF(t *testing.T, p provider.Provider) {
	runID := mustCreate(t, p, "orders")
	all := seedRun(t, p, "orders", runID, 2)
	last := all[len(all)-1].Cursor

	for i := 0; i < 2; i++ {
		batch, err := p.ReadFrom(context.Background(), "orders", runID, last, provider.ReadOptions{Block: time.Second})
		if !errors.Is(err, io.EOF) {
			t.Fatalf("read %d after terminal: entries=%d err=%v, want io.EOF", i, len(batch), err)
		}
	}
}

func testAppendAfterTerminal(t *testing.T, p provider.Provider) {
	runID := mustCreate(t, p, "orders")
	mustAppend(t, p, "orders", runID, provider.KindFatal, `{"message":"boom","code":"RUNNER_FATAL"}`)

	_, err := p.Append(context.Background(), "orders", runID, provider.AppendRecord{
		Kind:    provider.KindChunk,
		Payload: []byte(`{"i":99}`),
	})
	if err == nil {
		t.Fatal("append after fatal succeeded")
	}
}

func testUnknownRun(t *testing.T, p provider.Provider) {
	ctx := context.Background()

	_, err := p.ReadFrom(ctx, "orders", "missing-run", "", provider.ReadOptions{})
	if !riverr.IsCode(err, riverr.CodeUnknownRun) {
		t.Fatalf("ReadFrom unknown run: %v, want %s", err, riverr.CodeUnknownRun)
	}
	_, err = p.Append(ctx, "orders", "missing-run", provider.AppendRecord{
		Kind:    provider.KindChunk,
		Payload: []byte(`{}`),
	})
	if !riverr.IsCode(err, riverr.CodeUnknownRun) {
		t.Fatalf("Append unknown run: %v, want %s", err, riverr.CodeUnknownRun)
	}
}

// testConcurrentTail runs a writer and a tailing reader side by side and
// checks the reader sees every entry once, in order, ending at the terminal.
func testConcurrentTail(t *testing.T, p provider.Provider) {
	const chunks = 25
	runID := mustCreate(t, p, "orders")

	go func() {
		for i := 0; i < chunks; i++ {
			_, err := p.Append(context.Background(), "orders", runID, provider.AppendRecord{
				Kind:    provider.KindChunk,
				Payload: []byte(fmt.Sprintf(`{"i":%d}`, i)),
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
		_, err := p.Append(context.Background(), "orders", runID, provider.AppendRecord{
			Kind:    provider.KindEnd,
			Payload: []byte(`{"total_chunks":25,"total_time_ms":1}`),
		})
		if err != nil {
			t.Errorf("append end: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var cursor provider.Cursor
	var seen []provider.Entry
	for {
		batch, err := p.ReadFrom(ctx, "orders", runID, cursor, provider.ReadOptions{Limit: 7, Block: 200 * time.Millisecond})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("tail read: %v", err)
		}
		if len(batch) == 0 {
			continue
		}
		seen = append(seen, batch...)
		cursor = batch[len(batch)-1].Cursor
		if batch[len(batch)-1].Kind.Terminal() {
			break
		}
	}

	if len(seen) != chunks+1 {
		t.Fatalf("tailed %d entries, want %d", len(seen), chunks+1)
	}
	for i, entry := range seen {
		if entry.Sequence != uint64(i) {
			t.Fatalf("entry %d has sequence %d", i, entry.Sequence)
		}
	}
	if seen[len(seen)-1].Kind != provider.KindEnd {
		t.Fatalf("tail ended on %s, want end", seen[len(seen)-1].Kind)
	}
}
