// Package testutil provides test helper utilities for labassist tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
)

// Day is the date every fixture is placed on.
const Day = "2025-10-07"

// TempProject creates a temporary directory with the given files and returns its path.
// Files is a map of relative path -> content. Directories are created as needed.
// The directory is automatically cleaned up when the test finishes.
func TempProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	for relPath, content := range files {
		absPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", relPath, err)
		}
	}

	return dir
}

// At returns hh:mm on Day in UTC. It panics on a malformed time.
func At(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", Day+" "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

// Clock returns a clock frozen at hh:mm on Day.
func Clock(hhmm string) func() time.Time {
	fixed := At(hhmm)
	return func() time.Time { return fixed }
}

// Request builds a request whose requester shares its id.
func Request(id string, tier booking.Tier, from, to string, headcount int) booking.Request {
	return booking.Request{
		ID:          id,
		RequesterID: id,
		Tier:        tier,
		Criteria:    booking.Criteria{Headcount: headcount},
		Start:       At(from),
		End:         At(to),
		SubmittedAt: At("08:00"),
	}
}

// Bound places a request on a resource at its requested slot.
func Bound(r booking.Request, resourceID string) booking.Binding {
	return booking.NewBinding(r, r.SlotOn(resourceID))
}

// StartAgent starts a resource agent that stops when the test ends.
func StartAgent(t *testing.T, desc agent.Description, opts ...agent.Option) *agent.Agent {
	t.Helper()
	if desc.Name == "" {
		desc.Name = desc.ID
	}
	a := agent.New(desc, opts...)
	a.Start(context.Background())
	t.Cleanup(a.Stop)
	return a
}

// ScenarioA is a simulation scenario in which a PhD request displaces an
// earlier BTech booking.
func ScenarioA() string {
	return `name: scenario-a
start: "` + Day + `T08:00:00Z"
resources:
  - id: lab-1
    name: AI Lab
    capacity: 30
requests:
  - id: A
    requester: alice
    tier: BTech
    resource: AI Lab
    from: "` + Day + `T10:00:00Z"
    to: "` + Day + `T11:00:00Z"
    headcount: 20
  - id: B
    requester: bob
    tier: PhD
    resource: AI Lab
    from: "` + Day + `T10:30:00Z"
    to: "` + Day + `T11:30:00Z"
    headcount: 25
`
}

// ScenarioB is a simulation scenario with two requests for two disjoint
// resources, one of them given as text.
func ScenarioB() string {
	return `name: scenario-b
start: "` + Day + `T08:00:00Z"
resources:
  - id: lab-1
    name: AI Lab
    capacity: 30
  - id: lab-2
    name: Robotics Lab
    capacity: 15
    equipment: [arm]
requests:
  - id: A
    requester: alice
    tier: BTech
    resource: AI Lab
    from: "` + Day + `T10:00:00Z"
    to: "` + Day + `T11:00:00Z"
    headcount: 20
  - requester: bob
    text: "{equipment: [arm], date: ` + Day + `, from: '10:00', to: '11:00', students: 5, tier: MTech}"
`
}
