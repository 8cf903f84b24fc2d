package riverr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := New(CodeValidation, "bad input")
	if got := e.Error(); got != "VALIDATION: bad input" {
		t.Fatalf("unexpected message: %q", got)
	}
	wrapped := Wrap(CodeProvider, "append entry", errors.New("disk full"))
	if got := wrapped.Error(); got != "PROVIDER: append entry: disk full" {
		t.Fatalf("unexpected wrapped message: %q", got)
	}
}

func TestUnwrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap(CodeProvider, "append", cause))

	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable through wrap chain")
	}
	if !IsCode(err, CodeProvider) {
		t.Fatalf("code not detected through wrap chain")
	}
	if IsCode(err, CodeValidation) {
		t.Fatalf("wrong code matched")
	}
	if !errors.Is(err, New(CodeProvider, "")) {
		t.Fatalf("errors.Is code matching failed")
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil, CodeRunner) != nil {
		t.Fatalf("nil error should classify to nil")
	}
	plain := errors.New("plain failure")
	c := Classify(plain, CodeRunner)
	if c.Code != CodeRunner || c.Message != "plain failure" {
		t.Fatalf("unexpected classification: %+v", c)
	}
	if !errors.Is(c, plain) {
		t.Fatalf("classified error lost its cause")
	}
	already := New(CodeRunnerFatal, "kept")
	if got := Classify(fmt.Errorf("w: %w", already), CodeRunner); got.Code != CodeRunnerFatal {
		t.Fatalf("classification overrode existing code: %v", got.Code)
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(New(CodeRunner, "transient")) {
		t.Fatalf("CodeRunner should be recoverable")
	}
	for _, code := range []Code{CodeRunnerFatal, CodeProvider, CodeCancelled, CodeValidation} {
		if Recoverable(New(code, "x")) {
			t.Fatalf("code %s should not be recoverable", code)
		}
	}
	if Recoverable(errors.New("foreign")) {
		t.Fatalf("foreign errors should not be recoverable")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	e := New(CodeRunnerFatal, "model unavailable").WithDetails(map[string]any{"attempt": float64(3)})
	raw, err := e.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	back := FromPayload(raw)
	if back.Code != CodeRunnerFatal || back.Message != "model unavailable" {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if back.Details["attempt"] != float64(3) {
		t.Fatalf("details lost: %+v", back.Details)
	}
}

func TestFromPayloadTolerant(t *testing.T) {
	back := FromPayload([]byte("not json"))
	if back.Code != CodeUnknown || back.Message != "not json" {
		t.Fatalf("undecodable payload should degrade, got %+v", back)
	}
	partial := FromPayload([]byte(`{"message":"m"}`))
	if partial.Code != CodeUnknown || partial.Message != "m" {
		t.Fatalf("missing code should default to UNKNOWN, got %+v", partial)
	}
}
