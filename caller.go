package river

import (
	"context"

	"github.com/leonj1/river/runtime"
	"github.com/leonj1/river/token"
)

// Caller is the server-side entry point: it resolves stream keys through a
// router and drives runs on a runtime. Transport adapters hold one.
type Caller struct {
	router *Router
	rt     *runtime.Runtime
}

// NewCaller binds a router to a runtime.
func NewCaller(router *Router, rt *runtime.Runtime) *Caller {
	return &Caller{router: router, rt: rt}
}

// Start decodes rawInput with the stream's input decoder and starts a run.
// Validation happens before anything durable, so a rejected input leaves no
// trace. ctx is the run's abort signal, not the delivery connection.
func (c *Caller) Start(ctx context.Context, streamKey string, rawInput []byte) (*Session, error) {
	def, err := c.router.Lookup(streamKey)
	if err != nil {
		return nil, err
	}
	input, err := def.decode(rawInput)
	if err != nil {
		return nil, err
	}
	return c.rt.Start(ctx, def.runtimeDef(), input)
}

// Resume opens a delivery session for the run an encoded token names,
// replaying the durable log strictly after the token's cursor.
func (c *Caller) Resume(ctx context.Context, encoded string) (*Session, error) {
	tok, err := token.Decode(encoded)
	if err != nil {
		return nil, err
	}
	def, err := c.router.Lookup(tok.StreamKey)
	if err != nil {
		return nil, err
	}
	return c.rt.Resume(ctx, def.runtimeDef(), tok)
}
