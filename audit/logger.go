// Package audit writes the coordinator's trace log: one JSON object per
// line, one line per executed or skipped service. The file is the only
// resource shared across in-flight dispatches, so writes are serialized.
// An optional NATS mirror republishes every event for live consumers.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultPath is where the trace log lives in the deployed stack.
const DefaultPath = "/shared/logs/trace.log"

// DefaultSubject is the NATS subject of the mirror.
const DefaultSubject = "coordinator.audit"

// Event is one trace line. Field order is the wire order. The coordinator
// fills every field; stub services leave the coordinator-only tail empty
// so their lines stay slim.
type Event struct {
	Timestamp     string         `json:"timestamp"`
	Service       string         `json:"service"`
	CorrelationID string         `json:"correlation_id"`
	JWT           map[string]any `json:"jwt"`
	Request       any            `json:"request"`
	Response      any            `json:"response"`

	TargetService  string `json:"target_service,omitempty"`
	TargetURL      string `json:"target_url,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Query          string `json:"query,omitempty"`
	ContractInput  string `json:"contract_input,omitempty"`
	ContractOutput string `json:"contract_output,omitempty"`
}

// Stamp fills the timestamp with the current UTC time when unset.
func (e *Event) Stamp() {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.JWT == nil {
		e.JWT = map[string]any{}
	}
}

// Logger appends events to the trace log file. The zero path disables file
// output; Log then only feeds the mirror, if any.
type Logger struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File

	nc      *nats.Conn
	subject string
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the slog logger used for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		l.logger = logger
	}
}

// WithMirror republishes every event to the subject on the given NATS
// connection. Publish failures are non-fatal and never block the file
// write.
func WithMirror(nc *nats.Conn, subject string) Option {
	return func(l *Logger) {
		l.nc = nc
		if subject == "" {
			subject = DefaultSubject
		}
		l.subject = subject
	}
}

// New creates a logger appending to path. The parent directory is created
// on first write, not here, so a logger for a read-only path can still be
// constructed (writes will warn).
func New(path string, opts ...Option) *Logger {
	l := &Logger{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log appends one event line. Failures are warn-logged and swallowed: the
// trace log never affects a dispatch outcome.
func (l *Logger) Log(event Event) {
	event.Stamp()

	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("Audit event not encodable", "error", err, "target", event.TargetService)
		return
	}

	if l.path != "" {
		if err := l.append(line); err != nil {
			l.logger.Warn("Audit write failed",
				"path", l.path,
				"error", err)
		}
	}

	if l.nc != nil {
		if err := l.nc.Publish(l.subject, line); err != nil {
			l.logger.Warn("Audit mirror publish failed",
				"subject", l.subject,
				"error", err)
		}
	}
}

// append writes line + newline under the mutex, opening the file lazily.
func (l *Logger) append(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if dir := filepath.Dir(l.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		l.file = f
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close closes the underlying file, if one was opened.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
