// Package simulate loads booking scenarios and replays them through a
// coordinator on a deterministic clock.
package simulate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/config"
)

// Scenario is a scripted sequence of requests against a fixed set of
// resources.
type Scenario struct {
	Name      string                  `yaml:"name"`
	Start     time.Time               `yaml:"start"`
	Resources []config.ResourceConfig `yaml:"resources"`
	Requests  []Step                  `yaml:"requests"`
}

// Step is one request in a scenario. A step with Text is handed to the
// intent extractor and its structured fields, other than Requester, are
// ignored.
type Step struct {
	ID          string        `yaml:"id,omitempty"`
	Requester   string        `yaml:"requester"`
	Tier        string        `yaml:"tier,omitempty"`
	Resource    string        `yaml:"resource,omitempty"`
	Equipment   []string      `yaml:"equipment,omitempty"`
	From        time.Time     `yaml:"from,omitempty"`
	To          time.Time     `yaml:"to,omitempty"`
	Headcount   int           `yaml:"headcount,omitempty"`
	Flexibility time.Duration `yaml:"flexibility,omitempty"`
	Text        string        `yaml:"text,omitempty"`
}

// IsText reports whether the step is free text.
func (s Step) IsText() bool {
	return strings.TrimSpace(s.Text) != ""
}

// Request converts a structured step. submitted stamps SubmittedAt.
func (s Step) Request(submitted time.Time) booking.Request {
	tier := booking.ParseTier(s.Tier)
	return booking.Request{
		ID:          s.ID,
		RequesterID: s.Requester,
		Tier:        tier,
		Criteria: booking.Criteria{
			ResourceName: s.Resource,
			Equipment:    s.Equipment,
			Headcount:    s.Headcount,
		},
		Start:       s.From,
		End:         s.To,
		SubmittedAt: submitted,
		Flexibility: s.Flexibility,
	}
}

// Load reads a scenario file. An unnamed scenario takes the file's base name.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the scenario's shape. Request-level problems such as an
// inverted slot are left to the coordinator, which denies them.
func (sc *Scenario) Validate() error {
	var errs []error
	if sc.Start.IsZero() {
		errs = append(errs, errors.New("scenario: missing start"))
	}
	if len(sc.Resources) == 0 {
		errs = append(errs, errors.New("scenario: no resources"))
	}
	cfg := config.Config{Resources: sc.Resources}
	if _, err := cfg.Descriptions(); err != nil {
		errs = append(errs, fmt.Errorf("scenario: %w", err))
	}
	seen := make(map[string]bool, len(sc.Resources))
	for _, r := range sc.Resources {
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("scenario: duplicate resource %q", r.ID))
		}
		seen[r.ID] = true
	}
	for i, st := range sc.Requests {
		if st.IsText() {
			continue
		}
		if st.From.IsZero() || st.To.IsZero() {
			errs = append(errs, fmt.Errorf("scenario: requests[%d]: needs from and to, or text", i))
		}
	}
	return errors.Join(errs...)
}
