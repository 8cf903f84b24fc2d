// Package envelope defines the wire protocol of delivered stream items.
//
// # Overview
//
// Every item a session delivers is one Envelope, serialized as a single JSON
// object. The shapes are fixed:
//
//	{"type":"special","special":{"type":"stream_start","stream_run_id":"<id>","encoded_resumption_token":"<token>"}}
//	{"type":"chunk","chunk":<payload>}
//	{"type":"special","special":{"type":"stream_end","total_chunks":3,"total_time_ms":12.5}}
//	{"type":"special","special":{"type":"stream_error","message":"...","recoverable":false}}
//	{"type":"aborted"}
//
// stream_error carries both recoverable mid-run errors (recoverable:true,
// the stream continues) and terminal failures (recoverable:false, the stream
// ends). aborted is live-only: it tells an attached subscriber that the
// caller's cancellation fired; replay of an aborted run surfaces the durable
// terminal stream_error instead.
//
// FromEntry is the deterministic mapping from durable log entries to
// envelopes. Live delivery and replay share it, which is what makes a
// resumed stream byte-identical to the live one.
package envelope
