package livegen

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmylchreest/livegen/internal/observability"
)

// Reporter receives the user-facing progress of a run. Calls may come from
// session and playback goroutines.
type Reporter interface {
	Status(text string)
	Error(err error)
	Playing(url string, live bool)
}

// LogReporter reports through a structured logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a reporter that logs every update.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = observability.Discard()
	}
	return &LogReporter{logger: observability.WithComponent(logger, "reporter")}
}

func (r *LogReporter) Status(text string) {
	r.logger.Info("status", slog.String("status", text))
}

func (r *LogReporter) Error(err error) {
	r.logger.Error("error", slog.String("error", err.Error()))
}

func (r *LogReporter) Playing(url string, live bool) {
	r.logger.Info("playing", slog.String("url", url), slog.Bool("live", live))
}

// WriterReporter prints one line per update, for terminals.
type WriterReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterReporter creates a reporter printing to w.
func NewWriterReporter(w io.Writer) *WriterReporter {
	return &WriterReporter{w: w}
}

func (r *WriterReporter) Status(text string) {
	r.printf("status: %s\n", text)
}

func (r *WriterReporter) Error(err error) {
	r.printf("error: %v\n", err)
}

func (r *WriterReporter) Playing(url string, live bool) {
	kind := "file"
	if live {
		kind = "stream"
	}
	r.printf("playing %s: %s\n", kind, url)
}

func (r *WriterReporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.w, format, args...)
}
