// Package status carries human-readable progress narration from the harvest
// core to whatever presentation layer is attached.
package status

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level classifies a status message.
type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

// Sink receives status narration and numeric progress.
type Sink interface {
	Log(level Level, msg string)
	Progress(phase string, done, total int)
}

// Logf formats and sends a message to s.
func Logf(s Sink, level Level, format string, args ...any) {
	s.Log(level, fmt.Sprintf(format, args...))
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(Level, string)          {}
func (Nop) Progress(string, int, int) {}

// ZapSink writes status events to a zap logger.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink wraps l. A nil logger falls back to the global logger.
func NewZapSink(l *zap.Logger) *ZapSink {
	if l == nil {
		l = zap.L()
	}
	return &ZapSink{log: l.With(zap.String("component", "status"))}
}

func (z *ZapSink) Log(level Level, msg string) {
	switch level {
	case Warning:
		z.log.Warn(msg)
	case Error:
		z.log.Error(msg)
	default:
		z.log.Info(msg, zap.String("level", string(level)))
	}
}

func (z *ZapSink) Progress(phase string, done, total int) {
	z.log.Debug("progress",
		zap.String("phase", phase),
		zap.Int("done", done),
		zap.Int("total", total),
	)
}

// Event is one recorded status message.
type Event struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// ProgressState is the latest progress for a phase.
type ProgressState struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Recorder keeps a bounded in-memory log of events and the latest progress
// per phase. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	limit    int
	events   []Event
	progress map[string]ProgressState
	nowFunc  func() time.Time
}

// NewRecorder creates a Recorder retaining at most limit events (default 500).
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 500
	}
	return &Recorder{
		limit:    limit,
		progress: make(map[string]ProgressState),
		nowFunc:  time.Now,
	}
}

func (r *Recorder) Log(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Time: r.nowFunc().UTC(), Level: level, Message: msg})
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
}

func (r *Recorder) Progress(phase string, done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[phase] = ProgressState{Done: done, Total: total}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ProgressOf returns the latest progress for phase.
func (r *Recorder) ProgressOf(phase string) (ProgressState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[phase]
	return p, ok
}

// Snapshot returns events and all progress states.
func (r *Recorder) Snapshot() ([]Event, map[string]ProgressState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]Event, len(r.events))
	copy(events, r.events)
	progress := make(map[string]ProgressState, len(r.progress))
	for k, v := range r.progress {
		progress[k] = v
	}
	return events, progress
}

// Reset clears all recorded state.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.progress = make(map[string]ProgressState)
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Log(level Level, msg string) {
	for _, s := range m {
		s.Log(level, msg)
	}
}

func (m Multi) Progress(phase string, done, total int) {
	for _, s := range m {
		s.Progress(phase, done, total)
	}
}
