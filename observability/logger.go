// Package observability implements the Structured Logger and Audit Logger
// (spec §4.9) on top of zerolog, the logging library every layer of this
// stack already depends on (assoc, scu, scp, pool all carry a
// zerolog.Logger field).
package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level orders the Structured Logger's severities (spec §4.9:
// Debug<Info<Warning<Error).
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Category classifies a log message by subsystem (spec §4.9).
type Category string

const (
	CategoryConnection   Category = "connection"
	CategoryAssociation  Category = "association"
	CategoryPdu          Category = "pdu"
	CategoryDimse        Category = "dimse"
	CategoryQuery        Category = "query"
	CategoryRetrieve     Category = "retrieve"
	CategoryVerification Category = "verification"
	CategoryStateMachine Category = "state_machine"
	CategoryPerformance  Category = "performance"
	CategoryStorage      Category = "storage"
	CategoryAudit        Category = "audit"
)

// Message is one structured log entry (spec §4.9's
// {level, category, text, context, timestamp}).
type Message struct {
	Level     Level
	Category  Category
	Text      string
	Context   map[string]string
	Timestamp time.Time
}

// Handler receives every Message that survives the logger's level and
// category filters. Implementations must not block; a slow sink is the
// handler's own responsibility to buffer (spec §5).
type Handler interface {
	Handle(Message)
}

// Logger is the Structured Logger: a minimum-level filter and an
// enabled-categories filter gate every message before it reaches any
// registered Handler (spec §4.9).
type Logger struct {
	mu         sync.RWMutex
	minLevel   Level
	categories map[Category]bool // nil means every category is enabled
	handlers   []Handler
}

// New builds a Logger at minLevel. A nil or empty categories set enables
// every category.
func New(minLevel Level, categories ...Category) *Logger {
	l := &Logger{minLevel: minLevel}
	if len(categories) > 0 {
		l.categories = make(map[Category]bool, len(categories))
		for _, c := range categories {
			l.categories[c] = true
		}
	}
	return l
}

// AddHandler registers a Handler to receive future messages.
func (l *Logger) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// SetMinLevel changes the minimum level filter at runtime.
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// EnableCategory adds a category to the enabled set, switching out of
// "every category enabled" mode on first call.
func (l *Logger) EnableCategory(c Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.categories == nil {
		l.categories = make(map[Category]bool)
	}
	l.categories[c] = true
}

func (l *Logger) enabled(level Level, category Category) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if level < l.minLevel {
		return false
	}
	if l.categories != nil && !l.categories[category] {
		return false
	}
	return true
}

// Log dispatches msg to every registered handler if it passes the level
// and category filters.
func (l *Logger) Log(level Level, category Category, text string, context map[string]string) {
	if !l.enabled(level, category) {
		return
	}
	msg := Message{Level: level, Category: category, Text: text, Context: context, Timestamp: time.Now()}

	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h.Handle(msg)
	}
}

func (l *Logger) Debugf(category Category, text string, context map[string]string) {
	l.Log(Debug, category, text, context)
}
func (l *Logger) Infof(category Category, text string, context map[string]string) {
	l.Log(Info, category, text, context)
}
func (l *Logger) Warnf(category Category, text string, context map[string]string) {
	l.Log(Warning, category, text, context)
}
func (l *Logger) Errorf(category Category, text string, context map[string]string) {
	l.Log(Error, category, text, context)
}

// zerologHandler adapts a Handler to a zerolog.Logger writing to w — used
// by both the console and file handlers below, keeping the wire format
// (JSON or console-pretty) a zerolog concern rather than this package's.
type zerologHandler struct {
	logger zerolog.Logger
}

func newZerologHandler(w io.Writer) zerologHandler {
	return zerologHandler{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (h zerologHandler) Handle(msg Message) {
	var event *zerolog.Event
	switch msg.Level {
	case Debug:
		event = h.logger.Debug()
	case Warning:
		event = h.logger.Warn()
	case Error:
		event = h.logger.Error()
	default:
		event = h.logger.Info()
	}
	event = event.Str("category", string(msg.Category))
	for k, v := range msg.Context {
		event = event.Str(k, v)
	}
	event.Msg(msg.Text)
}

// ConsoleHandler writes human-readable colorized lines to w (default
// os.Stderr), via zerolog.ConsoleWriter — the same pretty-printer the
// pack's console-facing services use in development.
type ConsoleHandler struct{ zerologHandler }

// NewConsoleHandler wraps w (os.Stderr if nil) with zerolog's
// ConsoleWriter.
func NewConsoleHandler(w io.Writer) ConsoleHandler {
	if w == nil {
		w = os.Stderr
	}
	return ConsoleHandler{newZerologHandler(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})}
}

// FileHandler writes newline-delimited JSON to an open file.
type FileHandler struct{ zerologHandler }

// NewFileHandler opens path for appending and wraps it as a Handler. The
// caller is responsible for closing the returned *os.File's lifecycle via
// Close.
func NewFileHandler(path string) (*FileHandler, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return &FileHandler{newZerologHandler(f)}, f, nil
}

// UnifiedLoggingHandler is a stub sink for a platform unified-logging
// facility (e.g. syslog/journald); Emit is the integration point a
// deployment wires its transport into.
type UnifiedLoggingHandler struct {
	Emit func(Message)
}

func (h UnifiedLoggingHandler) Handle(msg Message) {
	if h.Emit != nil {
		h.Emit(msg)
	}
}
