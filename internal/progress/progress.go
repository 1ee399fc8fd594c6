/*
Package progress implements the Progress & Log Envelope (C7): an ordered
log array persisted alongside a task's status, credit spend, and progress
percentage.

Grounded on metering/metering.go's AsyncLogger (buffered append, periodic
flush of a structured log record) from the teacher, narrowed from an
async-batched writer to a simple in-process envelope the driver appends to
and periodically persists, since §4.7 calls for synchronous persistence
every 1-5 appends rather than a background flush loop.
*/
package progress

import (
	"encoding/json"
	"time"
)

// Level is the log entry severity (§4.7).
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelDebug   Level = "debug"
)

// Phase is the log entry's driver phase tag (§4.7).
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseApify    Phase = "apify"
	PhaseProcess  Phase = "process"
	PhaseVerify   Phase = "verify"
	PhaseComplete Phase = "complete"
)

// StatsToken is the synthetic final-entry message carrying the full stats
// object in Details (§4.7).
const StatsToken = "__STATS__"

// Entry is one log envelope row.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Level     Level           `json:"level"`
	Phase     Phase           `json:"phase"`
	Step      *int            `json:"step,omitempty"`
	Total     *int            `json:"total,omitempty"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Envelope accumulates log entries and tracks how many appends have
// happened since the last persist, so the driver knows when to flush
// (§4.7: "every 1-5 appends it persists the envelope").
type Envelope struct {
	entries       []Entry
	sinceFlush    int
	totalSteps    int
	currentStep   int
}

// New creates an envelope for a task whose requestedCount determines the
// total step count (§4.7: totalSteps = requestedCount + 10).
func New(requestedCount int) *Envelope {
	return &Envelope{totalSteps: requestedCount + 10}
}

// Append adds an entry and advances the step counter by stepDelta (0 for
// log-only entries that don't represent driver progress).
func (e *Envelope) Append(level Level, phase Phase, message string, stepDelta int, details json.RawMessage) {
	e.currentStep += stepDelta
	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Phase:     phase,
		Message:   message,
		Details:   details,
	}
	if stepDelta != 0 || details != nil {
		step := e.currentStep
		total := e.totalSteps
		entry.Step = &step
		entry.Total = &total
	}
	e.entries = append(e.entries, entry)
	e.sinceFlush++
}

// AppendStats appends the synthetic final stats entry (§4.7).
func (e *Envelope) AppendStats(stats json.RawMessage) {
	e.Append(LevelInfo, PhaseComplete, StatsToken, 0, stats)
}

// ShouldFlush reports whether enough entries have accumulated to persist
// (§4.7: every 1-5 appends).
func (e *Envelope) ShouldFlush() bool {
	return e.sinceFlush >= 5
}

// MarkFlushed resets the flush counter after the driver persists.
func (e *Envelope) MarkFlushed() {
	e.sinceFlush = 0
}

// Progress computes the current percentage (§4.7:
// round(currentStep/totalSteps * 100)).
func (e *Envelope) Progress() int {
	if e.totalSteps <= 0 {
		return 100
	}
	pct := float64(e.currentStep) / float64(e.totalSteps) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return int(pct + 0.5)
}

// MarshalJSON serializes the envelope's entries for persistence into the
// task's logs column.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.entries)
}

// Entries returns the accumulated log entries.
func (e *Envelope) Entries() []Entry {
	return e.entries
}
