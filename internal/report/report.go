// Package report generates run summaries after a simulation completes.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
	"github.com/chinanuj/AgenticLabAssistant/internal/simulate"
	"github.com/chinanuj/AgenticLabAssistant/internal/ui"
)

// Report holds the aggregated statistics for a completed simulation run.
type Report struct {
	Scenario    string
	Start       time.Time
	Requests    int
	Granted     int
	Negotiated  int
	Denied      int
	Denials     map[booking.ErrorKind]int
	Rounds      map[ledger.Outcome]int
	Direct      int
	Commitments int // commitments recorded across negotiated rounds
	Decisions   string
	Schedule    string
	Span        time.Duration // simulated time covered, from the event log
	Failures    int           // apply and persist failures logged during the run
	Elapsed     time.Duration // wall-clock time of the replay
}

// Build aggregates a simulation result.
func Build(res *simulate.Result, elapsed time.Duration) *Report {
	r := &Report{
		Scenario: res.Name,
		Start:    res.Start,
		Requests: len(res.Entries),
		Denials:  make(map[booking.ErrorKind]int),
		Rounds:   make(map[ledger.Outcome]int),
		Elapsed:  elapsed,
	}
	r.Granted, r.Negotiated, r.Denied = res.Counts()
	for _, e := range res.Entries {
		if !e.Decision.OK() {
			r.Denials[e.Decision.Reason]++
		}
		if e.Decision.Kind != coordinator.Granted {
			r.Commitments += len(e.Decision.Commitments)
		}
	}
	for _, rd := range res.Rounds {
		r.Rounds[rd.Outcome]++
		if rd.Direct {
			r.Direct++
		}
	}
	r.Decisions = ui.PlainEntries(res.Entries)
	r.Schedule = ui.PlainSchedule(res.Resources, res.Schedule)
	return r
}

// GenerateReport builds the report for res, reads the simulated span from the
// project's event log if one is given, and writes report.md to runDir.
func GenerateReport(res *simulate.Result, logger *log.Logger, runDir string, elapsed time.Duration) (*Report, error) {
	r := Build(res, elapsed)

	if logger != nil {
		events, err := logger.ReadAll()
		if err == nil && len(events) > 0 {
			run := runEvents(events, res.Name)
			r.Span = computeSpan(run)
			r.Failures = len(log.Filter(run, log.EventApplyFailed)) + len(log.Filter(run, log.EventPersistFailed))
		}
	}

	if err := WriteReport(runDir, r); err != nil {
		return r, fmt.Errorf("writing report: %w", err)
	}
	return r, nil
}

// FormatReport produces a human-readable markdown summary.
func FormatReport(r *Report) string {
	var b strings.Builder

	b.WriteString("# Simulation Report\n\n")
	fmt.Fprintf(&b, "Scenario:    %s\n", r.Scenario)
	if !r.Start.IsZero() {
		fmt.Fprintf(&b, "Start:       %s\n", r.Start.Format(time.RFC3339))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Requests:    %d total\n", r.Requests)
	fmt.Fprintf(&b, "  Granted:   %d\n", r.Granted)
	fmt.Fprintf(&b, "  Negotiated: %d\n", r.Negotiated)
	fmt.Fprintf(&b, "  Denied:    %d\n", r.Denied)
	for _, kind := range sortedKinds(r.Denials) {
		fmt.Fprintf(&b, "    %s: %d\n", kind, r.Denials[kind])
	}
	b.WriteString("\n")

	total := 0
	for _, n := range r.Rounds {
		total += n
	}
	fmt.Fprintf(&b, "Rounds:      %d total (%d direct)\n", total, r.Direct)
	for _, o := range []ledger.Outcome{ledger.OutcomeAllocated, ledger.OutcomeDenied, ledger.OutcomeTimedOut} {
		if n := r.Rounds[o]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", o, n)
		}
	}
	if r.Commitments > 0 {
		fmt.Fprintf(&b, "Commitments: %d in negotiated rounds\n", r.Commitments)
	}
	if r.Failures > 0 {
		fmt.Fprintf(&b, "Failures:    %d apply or persist failure(s), see log.jsonl\n", r.Failures)
	}
	b.WriteString("\n")

	if r.Decisions != "" {
		b.WriteString("## Decisions\n\n```\n")
		b.WriteString(r.Decisions)
		b.WriteString("```\n\n")
	}
	if r.Schedule != "" {
		b.WriteString("## Final schedule\n\n```\n")
		b.WriteString(r.Schedule)
		b.WriteString("```\n\n")
	}

	if r.Span > 0 {
		fmt.Fprintf(&b, "Simulated:   %s\n", formatDuration(r.Span))
	}
	if r.Elapsed > 0 {
		fmt.Fprintf(&b, "Elapsed:     %s\n", formatDuration(r.Elapsed))
	}

	return b.String()
}

// WriteReport writes the formatted report to {runDir}/report.md.
// Creates the run directory if it does not exist.
func WriteReport(runDir string, report *Report) error {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	content := FormatReport(report)
	path := filepath.Join(runDir, "report.md")

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}

	return nil
}

// runEvents returns the events of the last run of scenario: from its
// simulation_started event through the simulation_complete that follows.
// An unfinished run yields everything logged since it started.
func runEvents(events []log.LogEvent, scenario string) []log.LogEvent {
	start := -1
	for i, e := range events {
		if e.Event == log.EventSimulationStarted && scenarioOf(e) == scenario {
			start = i
		}
	}
	if start < 0 {
		return nil
	}
	for i := start + 1; i < len(events); i++ {
		if events[i].Event == log.EventSimulationComplete && scenarioOf(events[i]) == scenario {
			return events[start : i+1]
		}
	}
	return events[start:]
}

func scenarioOf(e log.LogEvent) string {
	name, _ := e.Data["scenario"].(string)
	return name
}

// computeSpan measures the simulated time of a finished run.
func computeSpan(run []log.LogEvent) time.Duration {
	if len(run) < 2 || run[len(run)-1].Event != log.EventSimulationComplete {
		return 0
	}
	d := run[len(run)-1].Time.Sub(run[0].Time)
	if d < 0 {
		return 0
	}
	return d
}
