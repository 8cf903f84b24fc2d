package pebble

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/provider/providertest"
	"github.com/leonj1/river/riverr"
)

func openTest(t *testing.T, dir string) *Provider {
	t.Helper()
	p, err := Open(Options{
		DataDir: dir,
		Logger:  log.NewLogger(log.WithLevel(log.ErrorLevel)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

func TestConformance(t *testing.T) {
	providertest.Run(t, func(t *testing.T) provider.Provider {
		return openTest(t, t.TempDir())
	})
}

func TestReopenRecoversRuns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p1 := openTest(t, dir)
	runID, err := p1.CreateRun(ctx, "orders")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := p1.Append(ctx, "orders", runID, provider.AppendRecord{
			Kind:    provider.KindChunk,
			Payload: []byte(`{"i":0}`),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A new provider over the same directory continues the sequence.
	p2 := openTest(t, dir)
	ok, err := p2.Exists(ctx, "orders", runID)
	if err != nil || !ok {
		t.Fatalf("Exists after reopen = %v, %v", ok, err)
	}
	entry, err := p2.Append(ctx, "orders", runID, provider.AppendRecord{
		Kind:    provider.KindChunk,
		Payload: []byte(`{"i":2}`),
	})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if entry.Sequence != 2 {
		t.Fatalf("sequence after reopen = %d, want 2", entry.Sequence)
	}
	if _, err := p2.Append(ctx, "orders", runID, provider.AppendRecord{
		Kind:    provider.KindEnd,
		Payload: []byte(`{"total_chunks":3,"total_time_ms":1}`),
	}); err != nil {
		t.Fatalf("Append end: %v", err)
	}
	got, err := p2.ReadFrom(ctx, "orders", runID, "", provider.ReadOptions{})
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("read %d entries, want 4", len(got))
	}
	for i, e := range got {
		if e.Sequence != uint64(i) {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
	}
	if err := p2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The finished flag survives reopen too.
	p3 := openTest(t, dir)
	defer p3.Close()
	_, err = p3.ReadFrom(ctx, "orders", runID, got[3].Cursor, provider.ReadOptions{Block: time.Second})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("read past terminal after reopen = %v, want io.EOF", err)
	}
	if _, err := p3.Append(ctx, "orders", runID, provider.AppendRecord{
		Kind:    provider.KindChunk,
		Payload: []byte(`{}`),
	}); err == nil {
		t.Fatal("append to finished run succeeded after reopen")
	}
}

func TestExpireFinished(t *testing.T) {
	ctx := context.Background()
	p := openTest(t, t.TempDir())
	defer p.Close()

	base := time.Now().UnixMilli()
	p.nowMs = func() int64 { return base }

	sealed, err := p.CreateRun(ctx, "orders")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := p.Append(ctx, "orders", sealed, provider.AppendRecord{
		Kind:    provider.KindEnd,
		Payload: []byte(`{"total_chunks":0,"total_time_ms":0}`),
	}); err != nil {
		t.Fatalf("Append end: %v", err)
	}
	open, err := p.CreateRun(ctx, "orders")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := p.Append(ctx, "orders", open, provider.AppendRecord{
		Kind:    provider.KindChunk,
		Payload: []byte(`{"i":0}`),
	}); err != nil {
		t.Fatalf("Append chunk: %v", err)
	}

	p.nowMs = func() int64 { return base + time.Hour.Milliseconds() }
	removed, err := p.ExpireFinished(ctx, "orders", 30*time.Minute)
	if err != nil {
		t.Fatalf("ExpireFinished: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d runs, want 1", removed)
	}
	if ok, _ := p.Exists(ctx, "orders", sealed); ok {
		t.Fatal("expired run still exists")
	}
	if _, err := p.ReadFrom(ctx, "orders", sealed, "", provider.ReadOptions{}); !riverr.IsCode(err, riverr.CodeUnknownRun) {
		t.Fatalf("read of expired run = %v, want %s", err, riverr.CodeUnknownRun)
	}
	if ok, _ := p.Exists(ctx, "orders", open); !ok {
		t.Fatal("open run was expired")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	header := encodeHeader(provider.KindChunk, 42, 1700000000000)
	payload := []byte(`{"value":7}`)
	raw := encodeRecord(header, payload)

	entry, err := decodeRecord(raw)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if entry.Kind != provider.KindChunk || entry.Sequence != 42 {
		t.Fatalf("decoded %s/%d", entry.Kind, entry.Sequence)
	}
	if entry.AppendedAtMs != 1700000000000 {
		t.Fatalf("decoded ts %d", entry.AppendedAtMs)
	}
	if string(entry.Payload) != string(payload) {
		t.Fatalf("decoded payload %s", entry.Payload)
	}
	if entry.Cursor != provider.CursorFromSeq(42) {
		t.Fatalf("decoded cursor %q", entry.Cursor)
	}
}

func TestRecordCorruption(t *testing.T) {
	raw := encodeRecord(encodeHeader(provider.KindEnd, 1, 1), []byte(`{}`))

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)/2] ^= 0xff
	if _, err := decodeRecord(flipped); err == nil {
		t.Fatal("decode of corrupted record succeeded")
	}
	if _, err := decodeRecord(raw[:3]); err == nil {
		t.Fatal("decode of truncated record succeeded")
	}
}

func TestParseFsyncMode(t *testing.T) {
	cases := []struct {
		in   string
		want FsyncMode
		ok   bool
	}{
		{"", FsyncModeUnspecified, true},
		{"always", FsyncModeAlways, true},
		{"interval", FsyncModeInterval, true},
		{"never", FsyncModeNever, true},
		{"sometimes", FsyncModeUnspecified, false},
	}
	for _, tc := range cases {
		got, err := ParseFsyncMode(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ParseFsyncMode(%q) = %v, %v", tc.in, got, err)
		}
	}
}
