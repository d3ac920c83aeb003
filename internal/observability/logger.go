package observability

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Logger writes one structured line per event. Fields are flattened into
// key/value pairs. A nil *Logger discards everything.
type Logger struct {
	base hclog.Logger
}

func NewLogger(cfg LogConfig) *Logger {
	return NewLoggerTo(os.Stdout, cfg)
}

func NewLoggerTo(w io.Writer, cfg LogConfig) *Logger {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return &Logger{base: hclog.New(&hclog.LoggerOptions{
		Name:       "authcore",
		Level:      level,
		Output:     w,
		JSONFormat: !strings.EqualFold(cfg.Format, "text"),
		TimeFormat: time.RFC3339Nano,
	})}
}

// Named returns a sub-logger whose events carry name as a prefix.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{base: l.base.Named(name)}
}

// HC exposes the underlying hclog logger for libraries that take one.
func (l *Logger) HC() hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l.base
}

func (l *Logger) Debug(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.base.Debug(message, flatten(fields)...)
}

func (l *Logger) Info(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.base.Info(message, flatten(fields)...)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.base.Warn(message, flatten(fields)...)
}

func (l *Logger) Error(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.base.Error(message, flatten(fields)...)
}

func flatten(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

// ShortID returns the tail of an identifier for log lines.
func ShortID(id string) string {
	const keep = 8
	if len(id) <= keep {
		return id
	}
	return "…" + id[len(id)-keep:]
}
