// Package river is the public face of the stream engine. A stream
// definition binds a stream key to an input decoder, a durability provider
// and a runner; a router indexes definitions by key; a caller starts and
// resumes runs on behalf of transport adapters.
//
// Minimal use:
//
//	def := river.NewStream("count").
//		Input(river.JSONInput[CountInput]()).
//		Provider(prov).
//		Runner(countRunner)
//	router, _ := river.NewRouter(def)
//	caller := river.NewCaller(router, runtime.New(runtime.Options{}))
//
//	sess, err := caller.Start(ctx, "count", []byte(`{"max":3}`))
//
// Every item a runner emits is durably appended before any subscriber sees
// it, so a session can be dropped at any point and resumed with the token
// carried by the last received item.
package river
