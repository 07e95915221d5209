// Package log provides structured event logging.
// This file appends JSON events to log.jsonl.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event type constants.
const (
	EventRequestReceived    = "request_received"
	EventDecision           = "decision"
	EventRoundOpened        = "round_opened"
	EventStateChanged       = "state_changed"
	EventCommitmentRecorded = "commitment_recorded"
	EventRoundResolved      = "round_resolved"
	EventApplyFailed        = "apply_failed"
	EventPersistFailed      = "persist_failed"
	EventSimulationStarted  = "simulation_started"
	EventSimulationComplete = "simulation_complete"
)

// LogEvent represents a single structured event written to the log.
type LogEvent struct {
	Time         time.Time              `json:"time"`
	Event        string                 `json:"event"`
	RequestID    string                 `json:"request,omitempty"`
	RequesterID  string                 `json:"requester,omitempty"`
	ResourceID   string                 `json:"resource,omitempty"`
	RoundID      string                 `json:"round,omitempty"`
	CommitmentID string                 `json:"commitment,omitempty"`
	ChangeID     string                 `json:"change,omitempty"`
	Kind         string                 `json:"kind,omitempty"`
	Status       string                 `json:"status,omitempty"`
	From         string                 `json:"from,omitempty"`
	To           string                 `json:"to,omitempty"`
	Slot         string                 `json:"slot,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Participants []string               `json:"participants,omitempty"`
	Completed    int                    `json:"completed,omitempty"`
	Total        int                    `json:"total,omitempty"`
	DurationMs   int64                  `json:"duration_ms,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Logger writes append-only JSONL events to a log file.
type Logger struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewLogger creates a Logger that writes to .labassist/log.jsonl inside dir.
// Creates the .labassist/ directory if it does not already exist.
// Does not truncate an existing log file.
func NewLogger(dir string) (*Logger, error) {
	stateDir := filepath.Join(dir, ".labassist")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create .labassist directory: %w", err)
	}

	return &Logger{
		path: filepath.Join(stateDir, "log.jsonl"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the clock used to stamp events without a Time.
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// Append writes a single LogEvent as one JSON line to the log file.
// If event.Time is the zero value, it is set from the logger's clock.
// The file is opened in append mode, written to, and then closed.
// Thread-safe via mutex.
func (l *Logger) Append(event LogEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Time.IsZero() {
		event.Time = l.now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Write the JSON line followed by a newline.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}

	return nil
}

// ReadAll reads and parses all events from the log file.
// Returns an empty slice (not an error) if the file does not exist.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEvent{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	return events, nil
}

// Filter returns the events of the given type, in log order.
func Filter(events []LogEvent, event string) []LogEvent {
	var out []LogEvent
	for _, e := range events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
