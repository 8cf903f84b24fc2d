// Package provider defines the durability contract of the stream engine.
//
// # Overview
//
// A Provider persists the append-only log of one run per (streamKey, runID)
// pair and hands out provider-native cursors. The engine is the single
// writer; any number of readers may follow the log concurrently. Durable
// append ordering is the source of truth for delivery ordering: an entry is
// only visible to readers after Append returned.
//
//	runID, _ := p.CreateRun(ctx, "count")
//	entry, _ := p.Append(ctx, "count", runID, provider.AppendRecord{
//	    Kind:    provider.KindChunk,
//	    Payload: []byte(`{"value":0}`),
//	})
//
//	// Replay strictly after a cursor, then follow the tail.
//	batch, err := p.ReadFrom(ctx, "count", runID, entry.Cursor, provider.ReadOptions{
//	    Limit: 128,
//	    Block: 250 * time.Millisecond,
//	})
//
// ReadFrom never returns a gap and never splits a batch across a terminal
// entry. An empty batch with a nil error means the block window elapsed and
// the caller should reissue; io.EOF means the run is finished and nothing
// remains after the cursor.
//
// Cursors are opaque strings. Sequence-addressed providers (memory, pebble,
// sqlite) format them with CursorFromSeq; the redis provider uses native
// stream IDs. A cursor is only meaningful to the provider that issued it.
//
// # Registry
//
// Provider implementations register a named factory in their init function;
// servers open the configured one with Open. Blank-import the implementation
// packages to make them available.
package provider
