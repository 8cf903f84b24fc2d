// Package metrics implements the engine's instrumentation hooks on
// Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/runtime"
)

// Collector implements runtime.Metrics. Construct with New, call Register
// once, and pass it to runtime.Options.
type Collector struct {
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runSeconds      *prometheus.HistogramVec
	runChunks       *prometheus.HistogramVec
	entriesAppended *prometheus.CounterVec
	entryBytes      *prometheus.CounterVec
	appendSeconds   *prometheus.HistogramVec
	resumes         *prometheus.CounterVec

	registerer prometheus.Registerer
	mu         sync.Mutex
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "river",
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "river",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// New builds the collector set. A nil registerer means the default global
// registerer.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Collector{
		registerer: registerer,
		runsStarted: newCounterVec("runs_started_total",
			"Runs created, by stream.", []string{"stream"}),
		runsFinished: newCounterVec("runs_finished_total",
			"Runs sealed, by stream and terminal state.", []string{"stream", "state"}),
		runSeconds: newHistogramVec("run_seconds",
			"Wall time from start to seal.",
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
			[]string{"stream"}),
		runChunks: newHistogramVec("run_chunks",
			"Chunks appended per run.",
			[]float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
			[]string{"stream"}),
		entriesAppended: newCounterVec("entries_appended_total",
			"Durable log entries appended, by stream and entry kind.", []string{"stream", "kind"}),
		entryBytes: newCounterVec("entry_bytes_total",
			"Durable payload bytes appended, by stream and entry kind.", []string{"stream", "kind"}),
		appendSeconds: newHistogramVec("append_seconds",
			"Latency of one durable append.",
			[]float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			[]string{"stream"}),
		resumes: newCounterVec("resumes_total",
			"Resume sessions opened, by stream.", []string{"stream"}),
	}
}

// Register registers every collector. Safe to call more than once; an
// AlreadyRegisteredError is not a failure.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		c.runsStarted,
		c.runsFinished,
		c.runSeconds,
		c.runChunks,
		c.entriesAppended,
		c.entryBytes,
		c.appendSeconds,
		c.resumes,
	}
	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	c.registered = true
	return nil
}

func (c *Collector) RunStarted(streamKey string) {
	c.runsStarted.WithLabelValues(streamKey).Inc()
}

func (c *Collector) RunFinished(streamKey string, state runtime.State, elapsed time.Duration, chunks int) {
	c.runsFinished.WithLabelValues(streamKey, string(state)).Inc()
	c.runSeconds.WithLabelValues(streamKey).Observe(elapsed.Seconds())
	c.runChunks.WithLabelValues(streamKey).Observe(float64(chunks))
}

func (c *Collector) EntryAppended(streamKey string, kind provider.Kind, elapsed time.Duration, bytes int) {
	c.entriesAppended.WithLabelValues(streamKey, string(kind)).Inc()
	c.entryBytes.WithLabelValues(streamKey, string(kind)).Add(float64(bytes))
	c.appendSeconds.WithLabelValues(streamKey).Observe(elapsed.Seconds())
}

func (c *Collector) ResumeStarted(streamKey string) {
	c.resumes.WithLabelValues(streamKey).Inc()
}
