package runtime

import (
	"time"

	"github.com/leonj1/river/provider"
)

// Metrics is the engine's instrumentation seam. The prometheus
// implementation lives in the metrics package; NopMetrics is the default.
type Metrics interface {
	RunStarted(streamKey string)
	RunFinished(streamKey string, state State, elapsed time.Duration, chunks int)
	EntryAppended(streamKey string, kind provider.Kind, elapsed time.Duration, bytes int)
	ResumeStarted(streamKey string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) RunStarted(string)                                       {}
func (NopMetrics) RunFinished(string, State, time.Duration, int)           {}
func (NopMetrics) EntryAppended(string, provider.Kind, time.Duration, int) {}
func (NopMetrics) ResumeStarted(string)                                    {}
