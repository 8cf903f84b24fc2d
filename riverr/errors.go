package riverr

import (
	"errors"
	"fmt"

	"github.com/leonj1/river/internal/jsoncodec"
)

// Code classifies an error across package boundaries.
type Code string

const (
	// CodeUnknown is the fallback for unclassified failures.
	CodeUnknown Code = "UNKNOWN"
	// CodeValidation marks input rejected by a stream definition's decoder.
	CodeValidation Code = "VALIDATION"
	// CodeRunner marks a recoverable producer error; the run continues.
	CodeRunner Code = "RUNNER"
	// CodeRunnerFatal marks a producer error that terminates the run.
	CodeRunnerFatal Code = "RUNNER_FATAL"
	// CodeProvider marks a storage operation that failed after retries.
	CodeProvider Code = "PROVIDER"
	// CodeUnknownRun marks a resumption token naming a run the provider
	// cannot find.
	CodeUnknownRun Code = "UNKNOWN_RUN"
	// CodeMalformedToken marks a resumption token that failed decoding.
	CodeMalformedToken Code = "MALFORMED_TOKEN"
	// CodeCancelled marks a run aborted by the caller's signal.
	CodeCancelled Code = "CANCELLED"
	// CodeStreamNotFound marks a stream key with no registered definition.
	CodeStreamNotFound Code = "STREAM_NOT_FOUND"
)

// Error is the taxonomy error. Details are optional structured context that
// survives durable serialization.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	cause error
}

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that wraps cause. A nil cause behaves like New.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured context and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so call sites can compare with
// errors.Is(err, riverr.New(riverr.CodeProvider, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Classify returns err as an *Error, wrapping unclassified errors under
// fallback. A nil err returns nil.
func Classify(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: fallback, Message: err.Error(), cause: err}
}

// CodeOf extracts the code of err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Recoverable reports whether err may be delivered mid-stream without
// terminating the run. Only CodeRunner qualifies.
func Recoverable(err error) bool {
	return IsCode(err, CodeRunner)
}

// payload is the durable serialization of an Error inside error and fatal
// log entries.
type payload struct {
	Message string         `json:"message"`
	Code    Code           `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// MarshalPayload serializes e for storage in a durable entry.
func (e *Error) MarshalPayload() ([]byte, error) {
	return jsoncodec.Marshal(payload{Message: e.Message, Code: e.Code, Details: e.Details})
}

// FromPayload rebuilds an *Error from a durable entry payload. Undecodable
// payloads degrade to CodeUnknown with the raw text as message rather than
// failing replay.
func FromPayload(data []byte) *Error {
	var p payload
	if err := jsoncodec.Unmarshal(data, &p); err != nil || p.Message == "" && p.Code == "" {
		return &Error{Code: CodeUnknown, Message: string(data)}
	}
	if p.Code == "" {
		p.Code = CodeUnknown
	}
	return &Error{Code: p.Code, Message: p.Message, Details: p.Details}
}
