// Package tui shows a finished simulation using Bubble Tea.
package tui

import (
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/chinanuj/AgenticLabAssistant/internal/simulate"
)

// IsTTY returns true if stdout is connected to a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Run starts the viewer for res. If stdout is a TTY, it runs in alternate
// screen mode. Otherwise it prints the plain rendering to out.
func Run(res *simulate.Result, out io.Writer) error {
	if IsTTY() {
		p := tea.NewProgram(NewModel(res), tea.WithAltScreen())
		_, err := p.Run()
		return err
	}
	return NewFallbackRunner(out).Run(res)
}
