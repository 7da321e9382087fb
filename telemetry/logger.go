package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/altis0725/OKAMI/core"
)

// Log levels in increasing severity. Comparison is by index.
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) int {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return levelDebug
	case "WARN", "WARNING":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// StructuredLogger is OKAMI's production logger. It writes one line per
// event, JSON when LOG_FORMAT=json (or when running inside Kubernetes),
// text otherwise. The *WithContext variants attach the active trace and
// span IDs so log lines correlate with exported spans.
type StructuredLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     int
	json      bool
	service   string
	component string
}

// LoggerOption customizes a StructuredLogger at construction.
type LoggerOption func(*StructuredLogger)

// WithOutput redirects log lines, used by tests to capture output.
func WithOutput(w io.Writer) LoggerOption {
	return func(l *StructuredLogger) { l.out = w }
}

// WithLevel overrides the environment-derived level.
func WithLevel(level string) LoggerOption {
	return func(l *StructuredLogger) { l.level = parseLevel(level) }
}

// WithJSON forces the output format regardless of environment.
func WithJSON(enabled bool) LoggerOption {
	return func(l *StructuredLogger) { l.json = enabled }
}

// NewLogger builds a logger from the environment: LOG_LEVEL gates severity,
// LOG_FORMAT selects json/text, and a detected Kubernetes environment
// defaults to JSON for log aggregation.
func NewLogger(service string, opts ...LoggerOption) *StructuredLogger {
	format := os.Getenv(core.EnvLogFormat)
	if format == "" && os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	l := &StructuredLogger{
		out:     os.Stderr,
		level:   parseLevel(os.Getenv(core.EnvLogLevel)),
		json:    strings.EqualFold(format, "json"),
		service: service,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithComponent returns a child logger whose lines carry a component tag.
// The child shares the parent's writer and level.
func (l *StructuredLogger) WithComponent(component string) core.Logger {
	child := &StructuredLogger{
		out:       l.out,
		level:     l.level,
		json:      l.json,
		service:   l.service,
		component: component,
	}
	return child
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields, nil)
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields, nil)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields, nil)
}

func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields, nil)
}

func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields, ctx)
}

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields, ctx)
}

func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields, ctx)
}

func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields, ctx)
}

func (l *StructuredLogger) log(level int, label, msg string, fields map[string]interface{}, ctx context.Context) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+6)
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = label
	entry["msg"] = msg
	if l.service != "" {
		entry["service"] = l.service
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			entry["trace_id"] = sc.TraceID().String()
			entry["span_id"] = sc.SpanID().String()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.json {
		line, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.out, "%s %s %s (unmarshalable fields: %v)\n",
				entry["time"], label, msg, err)
			return
		}
		l.out.Write(append(line, '\n'))
		return
	}
	fmt.Fprintf(l.out, "%s %-5s %s%s\n", entry["time"], label, msg, textFields(entry))
}

// textFields renders the non-fixed keys in deterministic order so text
// output is diffable in tests.
func textFields(entry map[string]interface{}) string {
	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "time", "level", "msg":
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return b.String()
}
