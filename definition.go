package river

import (
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/runtime"
)

// Definition binds a stream key to its input decoder, provider and runner.
// Build one with NewStream; the builder steps are ordered so a definition
// cannot exist without all three parts.
type Definition struct {
	streamKey string
	input     InputFunc
	provider  provider.Provider
	runner    Runner
}

// StreamKey returns the key requests address this stream by.
func (d *Definition) StreamKey() string { return d.streamKey }

// Provider returns the durability provider runs of this stream persist to.
func (d *Definition) Provider() provider.Provider { return d.provider }

func (d *Definition) decode(raw []byte) (any, error) {
	return d.input(raw)
}

func (d *Definition) runtimeDef() runtime.Definition {
	return runtime.Definition{
		StreamKey: d.streamKey,
		Provider:  d.provider,
		Run:       d.runner,
	}
}

// NewStream begins building a definition for key.
func NewStream(key string) *StreamBuilder {
	return &StreamBuilder{key: key}
}

// StreamBuilder is the first builder step; Input advances it.
type StreamBuilder struct {
	key string
}

// Input sets the decoder for request payloads.
func (b *StreamBuilder) Input(fn InputFunc) *StreamBuilderWithInput {
	return &StreamBuilderWithInput{key: b.key, input: fn}
}

// StreamBuilderWithInput is the second builder step; Provider advances it.
type StreamBuilderWithInput struct {
	key   string
	input InputFunc
}

// Provider sets where runs of this stream persist.
func (b *StreamBuilderWithInput) Provider(p provider.Provider) *StreamBuilderWithProvider {
	return &StreamBuilderWithProvider{key: b.key, input: b.input, provider: p}
}

// StreamBuilderWithProvider is the final builder step; Runner completes the
// definition.
type StreamBuilderWithProvider struct {
	key      string
	input    InputFunc
	provider provider.Provider
}

// Runner sets the producer and returns the finished definition.
func (b *StreamBuilderWithProvider) Runner(fn Runner) *Definition {
	return &Definition{
		streamKey: b.key,
		input:     b.input,
		provider:  b.provider,
		runner:    fn,
	}
}
