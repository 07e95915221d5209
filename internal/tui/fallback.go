package tui

import (
	"errors"
	"fmt"
	"io"

	"github.com/chinanuj/AgenticLabAssistant/internal/simulate"
	"github.com/chinanuj/AgenticLabAssistant/internal/ui"
)

// ErrNoResult is returned when there is nothing to show.
var ErrNoResult = errors.New("no simulation result to show")

// FallbackRunner prints a finished simulation as plain text when no
// terminal is attached.
type FallbackRunner struct {
	out io.Writer
}

// NewFallbackRunner creates a FallbackRunner writing to out.
func NewFallbackRunner(out io.Writer) *FallbackRunner {
	return &FallbackRunner{out: out}
}

// Run prints the decisions and the final schedule.
func (f *FallbackRunner) Run(res *simulate.Result) error {
	if res == nil {
		return ErrNoResult
	}
	fmt.Fprintln(f.out, "Non-TTY environment detected; printing the run instead.")
	fmt.Fprintln(f.out)
	fmt.Fprint(f.out, ui.PlainEntries(res.Entries))
	fmt.Fprintln(f.out)
	fmt.Fprint(f.out, ui.PlainSchedule(res.Resources, res.Schedule))
	return nil
}
