package log

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	fixed := time.Date(2025, 10, 7, 10, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	if err := l.Append(LogEvent{Event: EventRoundOpened, RoundID: "r-0001", Participants: []string{"a", "b"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(LogEvent{Event: EventDecision, RequestID: "req-1", Status: "Granted"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if !events[0].Time.Equal(fixed) {
		t.Errorf("Time = %v, want %v", events[0].Time, fixed)
	}
	if got := Filter(events, EventDecision); len(got) != 1 || got[0].RequestID != "req-1" {
		t.Errorf("Filter = %+v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, ".labassist", "log.jsonl")); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

func TestReadAllMissingFile(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	events, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestConcurrentAppend(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Append(LogEvent{Event: EventCommitmentRecorded})
		}()
	}
	wg.Wait()

	events, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 25 {
		t.Errorf("len(events) = %d, want 25", len(events))
	}
}
