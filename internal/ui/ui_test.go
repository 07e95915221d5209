package ui

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/simulate"
	"github.com/chinanuj/AgenticLabAssistant/internal/testutil"
)

func replay(t *testing.T, data string) (*simulate.Result, string) {
	t.Helper()
	sc, err := simulate.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var buf bytes.Buffer
	p := NewProgress(&buf, sc.Name, len(sc.Requests))
	p.Start()
	res, err := simulate.Run(context.Background(), sc, simulate.Options{OnDecision: p.Step})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p.Finish()
	WriteSchedule(&buf, res.Resources, res.Schedule)
	return res, buf.String()
}

func TestProgressScenarioA(t *testing.T) {
	_, out := replay(t, testutil.ScenarioA())

	for _, want := range []string{
		`Scenario "scenario-a": 2 requests`,
		"[1/2] A alice (BTech)  + GRANTED  lab-1 2025-10-07 10:00-11:00  round r-0001",
		"[2/2] B bob (PhD)  + NEGOTIATED  lab-1 2025-10-07 10:30-11:30  round r-0002",
		"moved A lab-1 2025-10-07 10:00-11:00 -> lab-1 2025-10-07 09:30-10:30",
		"Done: 2/2 placed (1 granted, 1 negotiated)",
		"lab-1  AI Lab  (capacity 30)",
		"2025-10-07 09:30-10:30  A",
		"moved 30m0s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output contains escape codes")
	}
}

func TestOutputIsByteIdentical(t *testing.T) {
	for _, data := range []string{testutil.ScenarioA(), testutil.ScenarioB()} {
		_, first := replay(t, data)
		_, second := replay(t, data)
		if first != second {
			t.Errorf("outputs differ:\n%s\n---\n%s", first, second)
		}
	}
}

func TestPlainEntriesAndSchedule(t *testing.T) {
	res, _ := replay(t, testutil.ScenarioB())
	entries := PlainEntries(res.Entries)
	if strings.Count(entries, "\n") != 2 || !strings.Contains(entries, "bob (MTech)") {
		t.Errorf("entries:\n%s", entries)
	}
	sched := PlainSchedule(res.Resources, res.Schedule)
	if !strings.Contains(sched, "lab-2  Robotics Lab  (capacity 15, arm)") {
		t.Errorf("schedule:\n%s", sched)
	}
}

func TestWriteDecisionDenied(t *testing.T) {
	var buf bytes.Buffer
	WriteDecision(&buf, coordinator.Decision{Kind: coordinator.Denied, RequestID: "X", Reason: "CapacityExceeded", Detail: "too many"})
	if got := buf.String(); got != "X  x DENIED  CapacityExceeded  too many\n" {
		t.Errorf("got %q", got)
	}
}

func TestWriteHistory(t *testing.T) {
	var buf bytes.Buffer
	WriteHistory(&buf, "alice", nil)
	if !strings.Contains(buf.String(), "(none)") {
		t.Errorf("got %q", buf.String())
	}
	buf.Reset()
	WriteHistory(&buf, "alice", []ledger.Commitment{{RoundID: "r-0001", Kind: ledger.KindDirect, Status: ledger.StatusAccepted, ResourceID: "lab-1", Terms: "add A"}})
	if !strings.Contains(buf.String(), "r-0001  direct     Accepted   lab-1  add A") {
		t.Errorf("got %q", buf.String())
	}
}

func TestWriteRounds(t *testing.T) {
	var buf bytes.Buffer
	WriteRounds(&buf, []ledger.Round{
		{ID: "r-0001", Outcome: ledger.OutcomeAllocated, Direct: true, Participants: []string{"alice", "lab-1"}},
		{ID: "r-0002", Outcome: ledger.OutcomeTimedOut, Participants: []string{"bob", "alice"}},
	})
	out := buf.String()
	for _, want := range []string{
		"r-0001  Allocated  direct      alice, lab-1",
		"r-0002  TimedOut   negotiated  bob, alice",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
