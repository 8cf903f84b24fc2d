// Package jsoncodec centralizes JSON encoding for payloads, tokens and wire
// envelopes. It wraps sonic configured for standard-library compatible
// behavior so hot paths (chunk appends, replay mapping) avoid reflection-heavy
// encoding without changing wire output.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return api.Valid(data)
}
