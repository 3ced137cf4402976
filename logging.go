package ldapper

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Message is one recorded log line.
type Message struct {
	Level zapcore.Level
	Text  string
}

// Recorder forwards log lines to a zap logger while keeping a copy in
// memory, so callers can present the narration of a Save or Delete to an
// end user after the fact.
type Recorder struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	messages []Message
}

// NewRecorder wraps log; a nil logger records silently.
func NewRecorder(log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{log: log.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (r *Recorder) record(level zapcore.Level, text string) {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Level: level, Text: text})
	r.mu.Unlock()
}

func (r *Recorder) Debugf(format string, args ...any) {
	r.record(zapcore.DebugLevel, fmt.Sprintf(format, args...))
	r.log.Debugf(format, args...)
}

func (r *Recorder) Infof(format string, args ...any) {
	r.record(zapcore.InfoLevel, fmt.Sprintf(format, args...))
	r.log.Infof(format, args...)
}

func (r *Recorder) Warnf(format string, args ...any) {
	r.record(zapcore.WarnLevel, fmt.Sprintf(format, args...))
	r.log.Warnf(format, args...)
}

func (r *Recorder) Errorf(format string, args ...any) {
	r.record(zapcore.ErrorLevel, fmt.Sprintf(format, args...))
	r.log.Errorf(format, args...)
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Flush returns the recorded messages and clears the buffer.
func (r *Recorder) Flush() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.messages
	r.messages = nil
	return out
}

// HasErrors reports whether anything at error level has been recorded.
func (r *Recorder) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.Level >= zapcore.ErrorLevel {
			return true
		}
	}
	return false
}

// HasWarnings reports whether anything at warn level or above has been
// recorded.
func (r *Recorder) HasWarnings() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.Level >= zapcore.WarnLevel {
			return true
		}
	}
	return false
}
