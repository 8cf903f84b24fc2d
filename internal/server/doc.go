// Package server wires the SSE API, health probe and Prometheus metrics
// onto one HTTP listener with graceful shutdown.
//
// Example:
//
//	s := server.New(server.Options{Logger: logger, Stream: handler})
//	_ = s.ListenAndServe(ctx, ":8080")
package server
