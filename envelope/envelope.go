package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/leonj1/river/internal/jsoncodec"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/riverr"
)

// Type discriminates the top-level envelope.
type Type string

const (
	TypeChunk   Type = "chunk"
	TypeSpecial Type = "special"
	TypeAborted Type = "aborted"
)

// SpecialType discriminates control envelopes.
type SpecialType string

const (
	SpecialStreamStart SpecialType = "stream_start"
	SpecialStreamEnd   SpecialType = "stream_end"
	SpecialStreamError SpecialType = "stream_error"
)

// Special is the payload of control envelopes. Numeric and boolean fields
// are pointers so a set zero value still appears on the wire while unrelated
// variants omit it.
type Special struct {
	Type SpecialType `json:"type"`

	// stream_start
	StreamRunID            string `json:"stream_run_id,omitempty"`
	EncodedResumptionToken string `json:"encoded_resumption_token,omitempty"`

	// stream_end
	TotalChunks *int     `json:"total_chunks,omitempty"`
	TotalTimeMs *float64 `json:"total_time_ms,omitempty"`

	// stream_error
	Message     string `json:"message,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`
}

// Envelope is one delivered stream item.
type Envelope struct {
	Type    Type            `json:"type"`
	Chunk   json.RawMessage `json:"chunk,omitempty"`
	Special *Special        `json:"special,omitempty"`
}

// EndStats is the payload of the durable end entry and of the stream_end
// envelope.
type EndStats struct {
	TotalChunks int     `json:"total_chunks"`
	TotalTimeMs float64 `json:"total_time_ms"`
}

// StreamStart announces a new run together with its initial resumption
// token.
func StreamStart(runID, encodedToken string) Envelope {
	return Envelope{Type: TypeSpecial, Special: &Special{
		Type:                   SpecialStreamStart,
		StreamRunID:            runID,
		EncodedResumptionToken: encodedToken,
	}}
}

// Chunk wraps a raw JSON payload produced by the runner.
func Chunk(payload []byte) Envelope {
	return Envelope{Type: TypeChunk, Chunk: json.RawMessage(payload)}
}

// StreamEnd announces clean completion.
func StreamEnd(stats EndStats) Envelope {
	return Envelope{Type: TypeSpecial, Special: &Special{
		Type:        SpecialStreamEnd,
		TotalChunks: &stats.TotalChunks,
		TotalTimeMs: &stats.TotalTimeMs,
	}}
}

// StreamError announces a run error. Recoverable errors leave the stream
// open; unrecoverable ones are terminal.
func StreamError(message string, recoverable bool) Envelope {
	return Envelope{Type: TypeSpecial, Special: &Special{
		Type:        SpecialStreamError,
		Message:     message,
		Recoverable: &recoverable,
	}}
}

// Aborted is the live-only notification that the caller cancelled the run.
func Aborted() Envelope {
	return Envelope{Type: TypeAborted}
}

// Terminal reports whether nothing can follow e on a stream: stream_end,
// an unrecoverable stream_error, or aborted.
func (e Envelope) Terminal() bool {
	switch e.Type {
	case TypeAborted:
		return true
	case TypeSpecial:
		if e.Special == nil {
			return false
		}
		switch e.Special.Type {
		case SpecialStreamEnd:
			return true
		case SpecialStreamError:
			return e.Special.Recoverable == nil || !*e.Special.Recoverable
		}
	}
	return false
}

// Stats extracts end statistics from a stream_end envelope.
func (e Envelope) Stats() (EndStats, bool) {
	if e.Type != TypeSpecial || e.Special == nil || e.Special.Type != SpecialStreamEnd {
		return EndStats{}, false
	}
	var s EndStats
	if e.Special.TotalChunks != nil {
		s.TotalChunks = *e.Special.TotalChunks
	}
	if e.Special.TotalTimeMs != nil {
		s.TotalTimeMs = *e.Special.TotalTimeMs
	}
	return s, true
}

// Marshal serializes e to its wire form.
func Marshal(e Envelope) ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// Unmarshal parses a wire envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// FromEntry maps a durable log entry to its envelope. Replay and live
// delivery both use this mapping.
func FromEntry(entry provider.Entry) (Envelope, error) {
	switch entry.Kind {
	case provider.KindChunk:
		return Chunk(entry.Payload), nil
	case provider.KindError:
		return StreamError(riverr.FromPayload(entry.Payload).Message, true), nil
	case provider.KindFatal:
		return StreamError(riverr.FromPayload(entry.Payload).Message, false), nil
	case provider.KindEnd:
		var stats EndStats
		if err := jsoncodec.Unmarshal(entry.Payload, &stats); err != nil {
			return Envelope{}, fmt.Errorf("decode end entry at seq %d: %w", entry.Sequence, err)
		}
		return StreamEnd(stats), nil
	default:
		return Envelope{}, fmt.Errorf("unknown entry kind %q at seq %d", entry.Kind, entry.Sequence)
	}
}
