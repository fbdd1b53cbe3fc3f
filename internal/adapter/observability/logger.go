// Package observability provides pipeline-wide structured logging, built on
// the same shape as the LLM HTTP clients' request/response logger
// (internal/adapter/llm/http), generalized from per-call API logging to
// job-lifecycle events (claimed, phase transitions, chunk dispatched, parse
// failures).
package observability

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// Logger is the pipeline-wide structured logging contract. Orchestrators log
// through this interface rather than calling the standard log package
// directly, so tests can substitute a recording fake.
type Logger interface {
	Info(ctx context.Context, message string, fields map[string]interface{})
	Warn(ctx context.Context, message string, fields map[string]interface{})
	Error(ctx context.Context, message string, fields map[string]interface{})
}

// LogFormat selects the rendering of a log line.
type LogFormat int

const (
	LogFormatHuman LogFormat = iota
	LogFormatJSON
)

// StdLogger writes structured log lines to the standard log package,
// matching the level/format split of llmhttp.DefaultLogger.
type StdLogger struct {
	format LogFormat
}

// NewStdLogger creates a logger that renders in the given format.
func NewStdLogger(format LogFormat) *StdLogger {
	return &StdLogger{format: format}
}

func (l *StdLogger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.write("INFO", message, fields)
}

func (l *StdLogger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.write("WARN", message, fields)
}

func (l *StdLogger) Error(ctx context.Context, message string, fields map[string]interface{}) {
	l.write("ERROR", message, fields)
}

func (l *StdLogger) write(level, message string, fields map[string]interface{}) {
	if l.format == LogFormatJSON {
		log.Printf(`{"level":"%s","message":%q%s}`, level, message, jsonFields(fields))
		return
	}
	log.Printf("[%s] %s%s", level, message, humanFields(fields))
}

// keys returns field names in deterministic order so log output (and tests
// asserting on it) don't depend on Go's randomized map iteration.
func keys(fields map[string]interface{}) []string {
	ks := make([]string, 0, len(fields))
	for k := range fields {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func humanFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	out := ""
	for _, k := range keys(fields) {
		out += fmt.Sprintf(" %s=%v", k, fields[k])
	}
	return out
}

func jsonFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	out := ""
	for _, k := range keys(fields) {
		out += fmt.Sprintf(`,%q:%q`, k, fmt.Sprintf("%v", fields[k]))
	}
	return out
}
