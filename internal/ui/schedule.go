package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
)

// WriteSchedule prints every resource followed by its bindings in start order.
func WriteSchedule(w io.Writer, resources []agent.Description, schedule map[string][]booking.Binding) {
	fmt.Fprint(w, formatSchedule(painter{styled: IsTerminal(w)}, resources, schedule))
}

// PlainSchedule renders the schedule without styling.
func PlainSchedule(resources []agent.Description, schedule map[string][]booking.Binding) string {
	return formatSchedule(painter{}, resources, schedule)
}

func formatSchedule(p painter, resources []agent.Description, schedule map[string][]booking.Binding) string {
	var b strings.Builder
	b.WriteString(p.paint(titleStyle, "Schedule"))
	b.WriteString("\n")
	for _, r := range resources {
		fmt.Fprintf(&b, "  %s  %s  %s\n", p.paint(titleStyle, r.ID), r.Name, p.paint(dimStyle, describeResource(r)))
		bindings := schedule[r.ID]
		if len(bindings) == 0 {
			fmt.Fprintf(&b, "    %s\n", p.paint(dimStyle, "(empty)"))
			continue
		}
		for _, bd := range bindings {
			line := fmt.Sprintf("%s  %-8s %-10s %-8s %3d", formatSpan(bd.Slot), bd.ID, bd.Request.RequesterID, bd.Request.Tier, bd.Request.Headcount())
			if d := bd.Displacement(); d > 0 {
				line += "  " + p.paint(warnStyle, fmt.Sprintf("moved %s", d))
			}
			fmt.Fprintf(&b, "    %s\n", strings.TrimRight(line, " "))
		}
	}
	return b.String()
}

// WriteDecision prints a single decision, as `labassist submit` does.
func WriteDecision(w io.Writer, d coordinator.Decision) {
	p := painter{styled: IsTerminal(w)}
	id := d.RequestID
	if id == "" {
		id = "-"
	}
	fmt.Fprintf(w, "%s  %s\n", id, formatOutcome(p, d))
	for _, line := range moveLines(d) {
		fmt.Fprintf(w, "    %s\n", p.paint(dimStyle, line))
	}
}

// WriteHistory prints a participant's commitments oldest first.
func WriteHistory(w io.Writer, participant string, commitments []ledger.Commitment) {
	p := painter{styled: IsTerminal(w)}
	fmt.Fprintln(w, p.paint(titleStyle, "Commitments for "+participant))
	if len(commitments) == 0 {
		fmt.Fprintf(w, "  %s\n", p.paint(dimStyle, "(none)"))
		return
	}
	for _, c := range commitments {
		st := dimStyle
		switch c.Status {
		case ledger.StatusAccepted:
			st = okStyle
		case ledger.StatusRejected, ledger.StatusExpired:
			st = errStyle
		}
		fmt.Fprintf(w, "  %s  %-10s %-10s %s  %s\n", c.RoundID, c.Kind, p.paint(st, string(c.Status)), c.ResourceID, c.Terms)
	}
}

// WriteRounds prints every negotiation round in id order.
func WriteRounds(w io.Writer, rounds []ledger.Round) {
	p := painter{styled: IsTerminal(w)}
	fmt.Fprintln(w, p.paint(titleStyle, "Rounds"))
	if len(rounds) == 0 {
		fmt.Fprintf(w, "  %s\n", p.paint(dimStyle, "(none)"))
		return
	}
	for _, r := range rounds {
		mode := "negotiated"
		if r.Direct {
			mode = "direct"
		}
		st := okStyle
		if r.Outcome != ledger.OutcomeAllocated {
			st = errStyle
		}
		fmt.Fprintf(w, "  %s  %s  %-10s  %s\n", r.ID, p.paint(st, fmt.Sprintf("%-9s", r.Outcome)), mode, strings.Join(r.Participants, ", "))
	}
}

func describeResource(r agent.Description) string {
	parts := []string{fmt.Sprintf("capacity %d", r.Capacity)}
	if len(r.Equipment) > 0 {
		parts = append(parts, strings.Join(r.Equipment, ","))
	}
	if !r.AlwaysOpen() {
		parts = append(parts, fmt.Sprintf("open %s-%s", clockString(r.Opens.Minutes()), clockString(r.Closes.Minutes())))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func clockString(minutes float64) string {
	m := int(minutes)
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// formatSpan renders a slot without its resource.
func formatSpan(s booking.TimeSlot) string {
	return strings.TrimPrefix(formatSlot(s), s.ResourceID+" ")
}
