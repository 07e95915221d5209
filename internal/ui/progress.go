// Package ui renders decisions and schedules for the terminal.
// This file implements the live decision feed shown while a scenario replays.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/simulate"
)

// Style variables used when writing to a terminal.
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// painter applies styles only when writing to a terminal, so piped output
// stays byte-identical across runs.
type painter struct {
	styled bool
}

func (p painter) paint(st lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return st.Render(s)
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Progress prints one line per decision as a scenario replays.
type Progress struct {
	mu      sync.Mutex
	out     io.Writer
	p       painter
	name    string
	total   int
	entries []simulate.Entry
}

// NewProgress creates a feed for a scenario with total steps. Styling is on
// when out is a terminal.
func NewProgress(out io.Writer, name string, total int) *Progress {
	return &Progress{out: out, p: painter{styled: IsTerminal(out)}, name: name, total: total}
}

// Start prints the header.
func (p *Progress) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.p.paint(titleStyle, fmt.Sprintf("Scenario %q: %d requests", p.name, p.total)))
	fmt.Fprintln(p.out)
}

// Step prints one decision.
func (p *Progress) Step(e simulate.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	fmt.Fprint(p.out, formatEntry(p.p, e, p.total))
}

// Finish prints the summary line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	granted, negotiated, denied := 0, 0, 0
	for _, e := range p.entries {
		switch e.Decision.Kind {
		case coordinator.Granted:
			granted++
		case coordinator.Negotiated:
			negotiated++
		default:
			denied++
		}
	}
	fmt.Fprintf(p.out, "\nDone: %d/%d placed (%d granted, %d negotiated)", granted+negotiated, len(p.entries), granted, negotiated)
	if denied > 0 {
		fmt.Fprintf(p.out, ", %s", p.p.paint(errStyle, fmt.Sprintf("%d denied", denied)))
	}
	fmt.Fprintln(p.out)
}

// PlainEntries renders every entry without styling.
func PlainEntries(entries []simulate.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(formatEntry(painter{}, e, len(entries)))
	}
	return b.String()
}

// formatEntry renders a step and, for negotiated decisions, the moves it made.
func formatEntry(p painter, e simulate.Entry, total int) string {
	var b strings.Builder
	who := e.Requester
	if who == "" {
		who = "-"
	}
	id := e.Decision.RequestID
	if id == "" {
		id = e.Step.ID
	}
	if id == "" {
		id = "-"
	}
	fmt.Fprintf(&b, "[%d/%d] %s %s (%s)  ", e.Index, total, id, who, e.Tier)
	b.WriteString(formatOutcome(p, e.Decision))
	b.WriteString("\n")
	for _, line := range moveLines(e.Decision) {
		fmt.Fprintf(&b, "        %s\n", p.paint(dimStyle, line))
	}
	return b.String()
}

// formatOutcome is the status part of a decision line.
func formatOutcome(p painter, d coordinator.Decision) string {
	var parts []string
	switch d.Kind {
	case coordinator.Granted:
		parts = append(parts, statusIcon(p, d.Kind)+" "+p.paint(okStyle, "GRANTED"), formatSlot(d.Slot))
	case coordinator.Negotiated:
		parts = append(parts, statusIcon(p, d.Kind)+" "+p.paint(warnStyle, "NEGOTIATED"), formatSlot(d.Slot))
	default:
		parts = append(parts, statusIcon(p, d.Kind)+" "+p.paint(errStyle, "DENIED"), string(d.Reason))
	}
	if d.RoundID != "" {
		parts = append(parts, p.paint(dimStyle, "round "+d.RoundID))
	}
	if d.Kind == coordinator.Denied && d.Detail != "" {
		parts = append(parts, p.paint(dimStyle, d.Detail))
	}
	return strings.Join(parts, "  ")
}

// moveLines describes the incumbents a negotiated decision displaced.
func moveLines(d coordinator.Decision) []string {
	if d.Kind != coordinator.Negotiated {
		return nil
	}
	var lines []string
	for _, ch := range d.Changes {
		for _, op := range ch.Ops {
			switch op.Kind {
			case booking.OpMove:
				lines = append(lines, fmt.Sprintf("moved %s %s -> %s", op.Binding.ID, formatSlot(op.Binding.Slot), formatSlot(op.To)))
			case booking.OpRemove:
				lines = append(lines, fmt.Sprintf("moved %s off %s", op.Binding.ID, op.Binding.Slot.ResourceID))
			case booking.OpAdd:
				if op.Binding.ID != d.RequestID {
					lines = append(lines, fmt.Sprintf("placed %s %s", op.Binding.ID, formatSlot(op.Binding.Slot)))
				}
			}
		}
	}
	return lines
}

// statusIcon returns the icon for a decision kind.
func statusIcon(p painter, k coordinator.DecisionKind) string {
	if !p.styled {
		switch k {
		case coordinator.Granted, coordinator.Negotiated:
			return "+"
		default:
			return "x"
		}
	}
	switch k {
	case coordinator.Granted:
		return okStyle.Render("✓")
	case coordinator.Negotiated:
		return warnStyle.Render("⇄")
	default:
		return errStyle.Render("✗")
	}
}

// formatSlot renders "lab-1 2025-10-07 10:00-11:00".
func formatSlot(s booking.TimeSlot) string {
	if s.Start.IsZero() {
		return ""
	}
	end := s.End.Format("15:04")
	if s.End.YearDay() != s.Start.YearDay() || s.End.Year() != s.Start.Year() {
		end = s.End.Format("2006-01-02 15:04")
	}
	return fmt.Sprintf("%s %s-%s", s.ResourceID, s.Start.Format("2006-01-02 15:04"), end)
}
