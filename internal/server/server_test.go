package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leonj1/river"
	"github.com/leonj1/river/adapter/sse"
	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider/memory"
	"github.com/leonj1/river/runtime"
)

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	logger, err := log.ApplyConfig(&log.Config{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return logger
}

func testStreamHandler(t *testing.T) http.Handler {
	t.Helper()
	prov := memory.New()
	t.Cleanup(func() { _ = prov.Close() })
	rt := runtime.New(runtime.Options{Logger: testLogger(t), ReadBlock: 50 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})

	def := river.NewStream("count").
		Input(river.JSONInput[countInput]()).
		Provider(prov).
		Runner(func(ctx context.Context, run *river.Run) error {
			var in countInput
			if v, ok := run.Input().(countInput); ok {
				in = v
			}
			for i := 0; i < in.Max; i++ {
				if err := run.AppendChunk(ctx, map[string]int{"value": i}); err != nil {
					return err
				}
			}
			return nil
		})
	router, err := river.NewRouter(def)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	caller := river.NewCaller(router, rt)
	return sse.NewHandler(caller, sse.HandlerOptions{Logger: testLogger(t)})
}

type countInput struct {
	Max int `json:"max"`
}

func TestHealthHandler(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestHealthHandlerNotServing(t *testing.T) {
	s := New(Options{
		Logger: testLogger(t),
		Health: func(ctx context.Context) error { return errors.New("backend down") },
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "river_test_counter"})
	reg.MustRegister(c)
	c.Inc()

	s := New(Options{Logger: testLogger(t), Gatherer: reg})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "river_test_counter 1") {
		t.Fatalf("metrics body missing counter: %s", w.Body.String())
	}
}

func TestRequestIDStamped(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id to be stamped")
	}

	// A caller-supplied id is preserved.
	req = httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set("X-Request-Id", "client-chosen")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "client-chosen" {
		t.Fatalf("request id: %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})
	req := httptest.NewRequest(http.MethodOptions, "/v1/stream", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status: %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS headers")
	}
}

func TestStreamRouteServesSSE(t *testing.T) {
	s := New(Options{Logger: testLogger(t), Stream: testStreamHandler(t)})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/v1/stream", "application/json",
		strings.NewReader(`{"stream_key":"count","input":{"max":2}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}
	var events int
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: ") {
			events++
		}
	}
	// stream_start, chunk 0, chunk 1, stream_end
	if events != 4 {
		t.Fatalf("expected 4 events, got %d", events)
	}
}

func TestListenAndServeShutsDown(t *testing.T) {
	s := New(Options{Logger: testLogger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	// Wait for the listener to come up, then probe it.
	var addr string
	for i := 0; i < 100; i++ {
		if addr = s.Addr(); addr != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get(fmt.Sprintf("http://%s/v1/healthz", addr))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
