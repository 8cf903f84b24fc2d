// Package serverrun exposes a shared Run entrypoint used by the CLI to start
// a river node: provider, runtime, demo streams, SSE API and metrics,
// handling lifecycle and shutdown.
//
// Example:
//
//	opts := serverrun.Options{ConfigPath: "/etc/river.yaml", HTTPAddr: ":8080"}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
