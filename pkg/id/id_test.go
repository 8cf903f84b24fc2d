package id

import (
	"testing"
	"time"
)

func TestNewIsValidAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := New()
		if len(s) != 26 {
			t.Fatalf("unexpected length %d for %q", len(s), s)
		}
		if !IsValid(s) {
			t.Fatalf("generated ID does not validate: %q", s)
		}
		if seen[s] {
			t.Fatalf("duplicate ID: %q", s)
		}
		seen[s] = true
	}
}

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if !(prev < next) {
			t.Fatalf("IDs not increasing: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	s := New()
	at, ok := Time(s)
	if !ok {
		t.Fatalf("Time failed for %q", s)
	}
	if at.Before(before) || at.After(time.Now().Add(time.Second)) {
		t.Fatalf("embedded time %v outside expected window", at)
	}
	if _, ok := Time("not-an-id"); ok {
		t.Fatalf("Time should reject garbage")
	}
}

func TestIsValidRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "short", "0123456789012345678901234!"} {
		if IsValid(s) {
			t.Fatalf("IsValid accepted %q", s)
		}
	}
}
