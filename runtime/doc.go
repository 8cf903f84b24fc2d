// Package runtime owns run lifecycles: it starts producers, coordinates the
// durable-first dual write, and serves live and resumed delivery sessions.
//
// # Overview
//
// Start creates a durable run, spawns the producer goroutine and returns a
// live Session. Every item the producer emits through its Run handle is
// appended to the provider's log before it is offered to the live feed, so
// durability is never gated on a subscriber keeping up or being present at
// all.
//
//	sess, err := rt.Start(ctx, runtime.Definition{
//	    StreamKey: "count",
//	    Provider:  prov,
//	    Run: func(ctx context.Context, r *runtime.Run) error {
//	        for i := 0; i < 3; i++ {
//	            if err := r.AppendChunk(ctx, map[string]int{"value": i}); err != nil {
//	                return err
//	            }
//	        }
//	        return nil // clean end appended automatically
//	    },
//	}, input)
//
//	for {
//	    item, err := sess.Recv(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
//
// Resume opens a session that replays the durable log strictly after the
// token's cursor and then follows the live tail through the provider's
// blocking reads. Replay and live delivery share one entry-to-envelope
// mapping, so a resumed stream is indistinguishable from the live one.
//
// # Cancellation
//
// The context given to Start is the caller's cancellation signal for the
// producer, not for delivery. When it fires mid-run the engine seals the run
// as ABORTED with a durable terminal entry, the live session observes an
// aborted envelope, and the producer's next append fails with CodeCancelled.
// Delivery is cancelled per call through the context given to Recv.
package runtime
