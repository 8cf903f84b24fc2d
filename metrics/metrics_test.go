package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/runtime"
)

// The collector must satisfy the runtime hook interface.
var _ runtime.Metrics = (*Collector)(nil)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	if err := c.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}

	c.RunStarted("count")
	c.RunStarted("count")
	c.RunStarted("words")
	c.EntryAppended("count", provider.KindChunk, time.Millisecond, 24)
	c.EntryAppended("count", provider.KindChunk, time.Millisecond, 16)
	c.EntryAppended("count", provider.KindEnd, time.Millisecond, 32)
	c.RunFinished("count", runtime.StateCompleted, 120*time.Millisecond, 2)
	c.ResumeStarted("count")

	if got := testutil.ToFloat64(c.runsStarted.WithLabelValues("count")); got != 2 {
		t.Errorf("runs_started_total{count} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.runsStarted.WithLabelValues("words")); got != 1 {
		t.Errorf("runs_started_total{words} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.runsFinished.WithLabelValues("count", string(runtime.StateCompleted))); got != 1 {
		t.Errorf("runs_finished_total{count,COMPLETED} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.entriesAppended.WithLabelValues("count", string(provider.KindChunk))); got != 2 {
		t.Errorf("entries_appended_total{count,chunk} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.entryBytes.WithLabelValues("count", string(provider.KindChunk))); got != 40 {
		t.Errorf("entry_bytes_total{count,chunk} = %v, want 40", got)
	}
	if got := testutil.ToFloat64(c.resumes.WithLabelValues("count")); got != 1 {
		t.Errorf("resumes_total{count} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.appendSeconds); got != 1 {
		t.Errorf("append_seconds series = %d, want 1", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	if err := c.Register(); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := c.Register(); err != nil {
		t.Fatalf("second register: %v", err)
	}

	// A sibling collector against the same registry collides by name and
	// must tolerate it.
	other := New(reg)
	if err := other.Register(); err != nil {
		t.Fatalf("sibling register: %v", err)
	}
}
