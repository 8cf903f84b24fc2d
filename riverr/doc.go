// Package riverr defines the error taxonomy shared by the engine, the
// durability providers and the transport adapters.
//
// # Overview
//
// Every failure that crosses a package boundary is an *Error carrying a Code,
// a human message, optional structured details and an optional wrapped cause.
// Codes are stable strings: they are persisted inside durable error entries
// and mapped to transport status codes at adapter boundaries, so they never
// change meaning.
//
//	err := riverr.Wrap(riverr.CodeProvider, "append entry", cause)
//	if riverr.IsCode(err, riverr.CodeProvider) {
//	    // storage failed after retries
//	}
//
// Classification helpers decide stream continuation: Recoverable reports
// whether an error may be surfaced mid-stream without terminating the run.
package riverr
