// Package client provides the `riverd` command-line client.
//
// The CLI talks to a river server's SSE endpoint to start runs and resume
// them from an encoded token. It is primarily intended for developers and
// operators.
//
// Installation
//
//	go install github.com/leonj1/river/cmd/riverd@latest
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it comes
// from the RIVER_HTTP environment variable and defaults to
// http://127.0.0.1:8080.
//
// Usage
//
//	riverd call count --input '{"max":10,"delay_ms":100}'
//	riverd call words --input '{"text":"durable streams resume cleanly"}'
//
//	# Interrupt the call, then pick up where delivery stopped:
//	riverd resume <token>
//
// Notes
//
//   - call prints each received envelope as one JSON line on stdout, then
//     a final {"resume_token":...} line when the server issued one.
//   - resume replays everything after the token's cursor and follows the
//     live tail; resuming a finished run prints its terminal envelope.
//   - disconnecting the client never stops the run on the server.
package client
