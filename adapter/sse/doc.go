// Package sse is the HTTP transport for streams, speaking Server-Sent
// Events in both directions: a Handler that starts and resumes runs over
// one endpoint, and a Client that consumes them.
//
// Every event carries the envelope JSON in its data field; events whose
// item minted a resumption token also carry that token in the SSE id field,
// so browser EventSource reconnects and explicit resumes both land exactly
// after the last delivered entry.
//
// A client disconnect only detaches delivery. The producer keeps running
// and appending durably; the dropped client resumes from its last id.
package sse
