// Package token encodes and decodes resumption tokens.
//
// A token names a position inside one run: stream key, run ID and the
// provider-native cursor of the last entry the client saw. The encoded form
// is URL-safe base64 over a versioned JSON body, opaque to clients: only the
// engine mints tokens and only the engine parses them. Unknown JSON fields
// are ignored so older engines tolerate tokens minted by newer ones.
package token

import (
	"encoding/base64"

	"github.com/leonj1/river/internal/jsoncodec"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
)

// Version is the token body version this engine mints and accepts.
const Version = 1

// Token is the decoded resumption token.
type Token struct {
	Version   int             `json:"v"`
	StreamKey string          `json:"stream_key"`
	RunID     string          `json:"run_id"`
	Cursor    provider.Cursor `json:"cursor,omitempty"`
}

// New builds a token at the given position. An empty cursor addresses the
// start of the run.
func New(streamKey, runID string, cursor provider.Cursor) Token {
	return Token{Version: Version, StreamKey: streamKey, RunID: runID, Cursor: cursor}
}

// Encode serializes t into its opaque wire form.
func Encode(t Token) string {
	if t.Version == 0 {
		t.Version = Version
	}
	body, _ := jsoncodec.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(body)
}

// Decode parses an encoded token. Every failure is CodeMalformedToken; a
// malformed token never reaches a provider.
func Decode(encoded string) (Token, error) {
	if encoded == "" {
		return Token{}, riverr.New(riverr.CodeMalformedToken, "empty resumption token")
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate padded input from clients that re-encode.
		body, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return Token{}, riverr.Wrap(riverr.CodeMalformedToken, "decode resumption token", err)
	}
	var t Token
	if err := jsoncodec.Unmarshal(body, &t); err != nil {
		return Token{}, riverr.Wrap(riverr.CodeMalformedToken, "parse resumption token", err)
	}
	if t.Version != Version {
		return Token{}, riverr.Newf(riverr.CodeMalformedToken, "unsupported token version %d", t.Version)
	}
	if t.StreamKey == "" || t.RunID == "" {
		return Token{}, riverr.New(riverr.CodeMalformedToken, "token missing stream key or run id")
	}
	return t, nil
}
