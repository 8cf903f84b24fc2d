package river

import (
	"github.com/leonj1/river/internal/jsoncodec"
	"github.com/leonj1/river/riverr"
	"github.com/leonj1/river/runtime"
)

// Runner, Run, Session and Item are the runtime types every definition and
// adapter touches, re-exported so common use needs one import.
type (
	Runner  = runtime.Runner
	Run     = runtime.Run
	Session = runtime.Session
	Item    = runtime.Item
)

// InputFunc decodes the raw request payload into the value the runner
// receives through Run.Input. Rejections carry CodeValidation.
type InputFunc func(raw []byte) (any, error)

// Validator is implemented by input types that check themselves after
// decoding.
type Validator interface {
	Validate() error
}

// JSONInput returns an InputFunc that decodes JSON into T and runs its
// Validate method when T or *T implements Validator. An empty payload
// decodes as an empty object, so inputs with only optional fields work
// without a request body.
func JSONInput[T any]() InputFunc {
	return func(raw []byte) (any, error) {
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		var v T
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return nil, riverr.Wrap(riverr.CodeValidation, "decode input", err)
		}
		if val, ok := any(&v).(Validator); ok {
			if err := val.Validate(); err != nil {
				return nil, riverr.Wrap(riverr.CodeValidation, "invalid input", err)
			}
		}
		return v, nil
	}
}

// RawInput passes the payload through as json.RawMessage-compatible bytes
// for streams that forward input untouched.
func RawInput() InputFunc {
	return func(raw []byte) (any, error) {
		if len(raw) > 0 && !jsoncodec.Valid(raw) {
			return nil, riverr.New(riverr.CodeValidation, "input is not valid JSON")
		}
		return append([]byte(nil), raw...), nil
	}
}
