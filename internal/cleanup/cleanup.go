// Package cleanup manages simulation run directories under .labassist/runs
// and prunes old ones.
package cleanup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// runTimestampLayout is the timestamp prefix of run directory names.
const runTimestampLayout = "20060102-150405"

// Run is one simulation run directory.
type Run struct {
	Name      string
	Scenario  string
	StartedAt time.Time
}

// Policy says which runs to keep. A zero field disables that rule.
type Policy struct {
	MaxAgeDays int
	Keep       int
}

// RunsDir returns .labassist/runs under the project root.
func RunsDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".labassist", "runs")
}

// RunName names a run directory "<timestamp>-<scenario>".
func RunName(scenario string, at time.Time) string {
	name := at.UTC().Format(runTimestampLayout)
	if s := sanitize(scenario); s != "" {
		name += "-" + s
	}
	return name
}

// NewRunDir creates a fresh run directory and returns its path. A second run
// of the same scenario within the same second gets a numeric suffix.
func NewRunDir(runsDir, scenario string, at time.Time) (string, error) {
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return "", fmt.Errorf("creating runs directory: %w", err)
	}
	base := filepath.Join(runsDir, RunName(scenario, at))
	path := base
	for n := 2; ; n++ {
		err := os.Mkdir(path, 0755)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("creating run directory: %w", err)
		}
		path = fmt.Sprintf("%s-%d", base, n)
	}
}

// parseRun reads a run directory name. Names without a timestamp prefix are
// not runs.
func parseRun(name string) (Run, bool) {
	if len(name) < len(runTimestampLayout) {
		return Run{}, false
	}
	t, err := time.Parse(runTimestampLayout, name[:len(runTimestampLayout)])
	if err != nil {
		return Run{}, false
	}
	rest := name[len(runTimestampLayout):]
	if rest != "" && !strings.HasPrefix(rest, "-") {
		return Run{}, false
	}
	return Run{Name: name, Scenario: strings.TrimPrefix(rest, "-"), StartedAt: t}, true
}

// List returns every run oldest first. A missing directory has no runs.
func List(runsDir string) ([]Run, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading runs directory: %w", err)
	}

	var runs []Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if r, ok := parseRun(entry.Name()); ok {
			runs = append(runs, r)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].Name < runs[j].Name
	})
	return runs, nil
}

// Prune removes runs older than MaxAgeDays as of now, then all but the Keep
// most recent of what remains. If dryRun is true nothing is deleted. Returns
// the names pruned, oldest first.
func Prune(runsDir string, policy Policy, now time.Time, dryRun bool) ([]string, error) {
	runs, err := List(runsDir)
	if err != nil {
		return nil, err
	}

	remove := make(map[string]bool)
	if policy.MaxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.MaxAgeDays)
		for _, r := range runs {
			if r.StartedAt.Before(cutoff) {
				remove[r.Name] = true
			}
		}
	}
	if policy.Keep > 0 {
		var kept []Run
		for _, r := range runs {
			if !remove[r.Name] {
				kept = append(kept, r)
			}
		}
		if len(kept) > policy.Keep {
			for _, r := range kept[:len(kept)-policy.Keep] {
				remove[r.Name] = true
			}
		}
	}

	var pruned []string
	for _, r := range runs {
		if !remove[r.Name] {
			continue
		}
		if !dryRun {
			if rmErr := os.RemoveAll(filepath.Join(runsDir, r.Name)); rmErr != nil {
				return pruned, fmt.Errorf("removing %s: %w", r.Name, rmErr)
			}
		}
		pruned = append(pruned, r.Name)
	}
	return pruned, nil
}

// sanitize keeps scenario names safe as a path segment.
func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '.', r == '/':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
