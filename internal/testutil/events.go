package testutil

import (
	"fmt"
	"strings"
	"sync"
)

// EventLog is a numbered, append-only log of observed events.
//
// Sequence numbers come from a logical counter, never wall time, so the same
// scenario produces a byte-identical log on every run.
//
// Thread-safety: all methods are safe for concurrent use.
type EventLog struct {
	mu    sync.Mutex
	seq   int64
	lines []string
}

// NewEventLog creates an empty log. The first event gets seq 1.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Record appends "<seq> <source>: <message>" and returns the seq.
func (l *EventLog) Record(source, format string, args ...any) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.lines = append(l.lines, fmt.Sprintf("%04d %s: %s", l.seq, source, fmt.Sprintf(format, args...)))
	return l.seq
}

// Current returns the seq of the last event, or 0.
func (l *EventLog) Current() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Lines returns a copy of the log.
func (l *EventLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// String joins the log with newlines, ending in one.
func (l *EventLog) String() string {
	lines := l.Lines()
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Reset empties the log and restarts numbering at 1.
func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = 0
	l.lines = nil
}
