package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/simulate"
)

// Tab represents the active tab.
type Tab int

const (
	TabDecisions Tab = iota
	TabSchedule
)

func (t Tab) String() string {
	if t == TabSchedule {
		return "Schedule"
	}
	return "Decisions"
}

// Model is the viewer state for one finished simulation.
type Model struct {
	Result    *simulate.Result
	ActiveTab Tab
	ShowHelp  bool
	Keys      KeyMap

	// Bubbles components
	Decisions table.Model
	Schedule  table.Model

	// Terminal dimensions
	Width  int
	Height int
}

// NewModel builds both tables from res.
func NewModel(res *simulate.Result) *Model {
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(dimColor)).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color(primaryColor))

	decisions := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 4},
			{Title: "Request", Width: 12},
			{Title: "Requester", Width: 12},
			{Title: "Tier", Width: 8},
			{Title: "Outcome", Width: 20},
			{Title: "Slot", Width: 30},
			{Title: "Round", Width: 7},
		}),
		table.WithRows(decisionRows(res)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	decisions.SetStyles(styles)

	schedule := table.New(
		table.WithColumns([]table.Column{
			{Title: "Resource", Width: 10},
			{Title: "Slot", Width: 24},
			{Title: "Booking", Width: 12},
			{Title: "Requester", Width: 12},
			{Title: "Tier", Width: 8},
			{Title: "People", Width: 6},
			{Title: "Moved", Width: 8},
		}),
		table.WithRows(scheduleRows(res)),
		table.WithHeight(10),
	)
	schedule.SetStyles(styles)

	return &Model{
		Result:    res,
		ActiveTab: TabDecisions,
		Keys:      DefaultKeyMap,
		Decisions: decisions,
		Schedule:  schedule,
		Width:     100,
		Height:    24,
	}
}

func decisionRows(res *simulate.Result) []table.Row {
	rows := make([]table.Row, 0, len(res.Entries))
	for _, e := range res.Entries {
		d := e.Decision
		outcome := string(d.Kind)
		if d.Kind == coordinator.Denied {
			outcome += " " + string(d.Reason)
		}
		id := d.RequestID
		if id == "" {
			id = e.Step.ID
		}
		rows = append(rows, table.Row{
			strconv.Itoa(e.Index),
			shorten(id, 12),
			e.Requester,
			e.Tier.String(),
			outcome,
			slotText(d.Slot, true),
			d.RoundID,
		})
	}
	return rows
}

func scheduleRows(res *simulate.Result) []table.Row {
	var rows []table.Row
	for _, r := range res.Resources {
		for _, b := range res.Schedule[r.ID] {
			moved := ""
			if d := b.Displacement(); d > 0 {
				moved = d.String()
			}
			rows = append(rows, table.Row{
				r.ID,
				slotText(b.Slot, false),
				shorten(b.ID, 12),
				b.Request.RequesterID,
				b.Request.Tier.String(),
				strconv.Itoa(b.Request.Headcount()),
				moved,
			})
		}
	}
	return rows
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
		h := max(3, msg.Height-12)
		m.Decisions.SetHeight(h)
		m.Schedule.SetHeight(h)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.Keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.Keys.Tab):
			m.switchTab()
			return m, nil
		case key.Matches(msg, m.Keys.Help):
			m.ShowHelp = !m.ShowHelp
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.ActiveTab == TabDecisions {
		m.Decisions, cmd = m.Decisions.Update(msg)
	} else {
		m.Schedule, cmd = m.Schedule.Update(msg)
	}
	return m, cmd
}

func (m *Model) switchTab() {
	if m.ActiveTab == TabDecisions {
		m.ActiveTab = TabSchedule
		m.Decisions.Blur()
		m.Schedule.Focus()
		return
	}
	m.ActiveTab = TabDecisions
	m.Schedule.Blur()
	m.Decisions.Focus()
}

// Selected returns the decision under the cursor.
func (m *Model) Selected() (simulate.Entry, bool) {
	i := m.Decisions.Cursor()
	if m.Result == nil || i < 0 || i >= len(m.Result.Entries) {
		return simulate.Entry{}, false
	}
	return m.Result.Entries[i], true
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("labassist · " + m.Result.Name))
	b.WriteString("\n\n")
	b.WriteString(m.tabs())
	b.WriteString("\n\n")

	if m.ActiveTab == TabDecisions {
		b.WriteString(m.Decisions.View())
		b.WriteString("\n")
		b.WriteString(m.detail())
	} else {
		b.WriteString(m.Schedule.View())
	}
	b.WriteString("\n")
	b.WriteString(m.statusBar())
	return b.String()
}

func (m *Model) tabs() string {
	var parts []string
	for _, t := range []Tab{TabDecisions, TabSchedule} {
		style := InactiveTabStyle
		if t == m.ActiveTab {
			style = ActiveTabStyle
		}
		parts = append(parts, style.Render(t.String()))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

// detail describes the selected decision: its reason or the moves it made,
// then the round's commitments.
func (m *Model) detail() string {
	e, ok := m.Selected()
	if !ok {
		return ""
	}
	d := e.Decision
	var lines []string
	switch d.Kind {
	case coordinator.Granted:
		lines = append(lines, SuccessStyle.Render("Granted directly"))
	case coordinator.Negotiated:
		lines = append(lines, WarningStyle.Render("Negotiated"))
		for _, ch := range d.Changes {
			lines = append(lines, DimStyle.Render(ch.Describe()))
		}
	default:
		lines = append(lines, ErrorStyle.Render(fmt.Sprintf("Denied: %s", d.Reason)))
		if d.Detail != "" {
			lines = append(lines, DimStyle.Render(d.Detail))
		}
	}
	for _, c := range d.Commitments {
		lines = append(lines, fmt.Sprintf("%-10s %-9s %s", c.Kind, c.Status, c.Terms))
	}
	width := max(40, m.Width-4)
	return BoxStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func (m *Model) statusBar() string {
	if !m.ShowHelp {
		return StatusBarStyle.Render("tab switch · ↑/↓ move · ? help · q quit")
	}
	var parts []string
	for _, k := range m.Keys.ShortHelp() {
		h := k.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	parts = append(parts, m.Keys.Help.Help().Key+" "+m.Keys.Help.Help().Desc)
	return StatusBarStyle.Render(strings.Join(parts, " · "))
}

func slotText(s booking.TimeSlot, withResource bool) string {
	if s.Start.IsZero() {
		return ""
	}
	text := s.Start.Format("01-02 15:04") + "-" + s.End.Format("15:04")
	if withResource {
		text = s.ResourceID + " " + text
	}
	return text
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
