package log

import (
	"fmt"
	"strings"
)

// Config declaratively describes a logger, typically populated from the
// server configuration or environment.
type Config struct {
	// Level is the minimum severity: debug, info, warn, error or fatal.
	Level string `json:"level" yaml:"level"`
	// Format selects the formatter: text or json.
	Format string `json:"format" yaml:"format"`
	// Output selects the sink: console, file or null. Default console.
	Output string `json:"output" yaml:"output"`
	// FilePath is required when Output is file.
	FilePath string `json:"file_path" yaml:"file_path"`
	// RedactKeys masks the values of these field keys.
	RedactKeys []string `json:"redact_keys" yaml:"redact_keys"`
	// SampleInitial and SampleThereafter enable per-message sampling when
	// SampleThereafter is positive.
	SampleInitial    int `json:"sample_initial" yaml:"sample_initial"`
	SampleThereafter int `json:"sample_thereafter" yaml:"sample_thereafter"`
}

// ParseLevel converts a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ApplyConfig builds a logger from cfg. A nil cfg yields the defaults:
// info level, text format, console output.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "json":
		formatter = &JSONFormatter{}
	case "text", "":
		formatter = &TextFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var output Output
	switch strings.ToLower(cfg.Output) {
	case "console", "":
		output = NewConsoleOutput()
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output %q requires file_path", cfg.Output)
		}
		output, err = NewFileOutput(cfg.FilePath)
		if err != nil {
			return nil, err
		}
	case "null":
		output = NullOutput{}
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	opts := []LoggerOption{
		WithLevel(level),
		WithFormatter(formatter),
		WithOutput(output),
	}
	if len(cfg.RedactKeys) > 0 {
		opts = append(opts, WithRedaction(cfg.RedactKeys...))
	}
	if cfg.SampleThereafter > 0 {
		opts = append(opts, WithSampling(cfg.SampleInitial, cfg.SampleThereafter))
	}
	return NewLogger(opts...), nil
}
