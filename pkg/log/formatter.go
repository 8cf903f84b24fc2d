package log

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/leonj1/river/internal/jsoncodec"
)

// defaultTimestampFormat is RFC3339 with millisecond precision.
const defaultTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// TextFormatter renders entries as a single human-readable line:
//
//	2026-01-02T15:04:05.000Z INFO run.start component=runtime run_id=01J...
type TextFormatter struct {
	// TimestampFormat overrides the default millisecond RFC3339 layout.
	TimestampFormat string
	// DisableTimestamp omits the timestamp, which keeps test output stable.
	DisableTimestamp bool
}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	if !f.DisableTimestamp {
		layout := f.TimestampFormat
		if layout == "" {
			layout = defaultTimestampFormat
		}
		ts := entry.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		buf.WriteString(ts.Format(layout))
		buf.WriteByte(' ')
	}

	buf.WriteString(entry.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)

	if entry.Error != nil {
		fmt.Fprintf(&buf, " error=%q", entry.Error.Error())
	}

	// Sorted keys keep lines diffable.
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Fields[k])
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// JSONFormatter renders entries as one JSON object per line with ts, level
// and msg keys plus the flattened fields.
type JSONFormatter struct {
	// TimestampFormat overrides the default millisecond RFC3339 layout.
	TimestampFormat string
}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = defaultTimestampFormat
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	obj := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		obj[k] = v
	}
	obj["ts"] = ts.Format(layout)
	obj["level"] = entry.Level.String()
	obj["msg"] = entry.Message
	if entry.Error != nil {
		obj["error"] = entry.Error.Error()
	}

	line, err := jsoncodec.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
