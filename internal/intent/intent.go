// Package intent turns free-form request text into a booking.Request.
// The Extractor interface is the seam for smarter parsers; the YAML
// extractor here is deterministic and needs no external service.
package intent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
)

// Extractor parses text into a request. Errors wrap booking.ErrParse.
type Extractor interface {
	Extract(ctx context.Context, text string) (booking.Request, error)
}

// fields is the accepted shape of a request mapping.
type fields struct {
	ID          string   `yaml:"id"`
	Lab         string   `yaml:"lab"`
	Date        string   `yaml:"date"`
	From        string   `yaml:"from"`
	To          string   `yaml:"to"`
	Students    int      `yaml:"students"`
	Equipment   []string `yaml:"equipment"`
	Tier        string   `yaml:"tier"`
	Requester   string   `yaml:"requester"`
	Flexibility string   `yaml:"flexibility"`
}

// YAMLExtractor reads a YAML mapping (flow or block style), e.g.
//
//	{lab: AI Lab, date: 2025-10-07, from: "10:00", to: "11:00", students: 20, requester: alice}
type YAMLExtractor struct {
	// Location interprets dates and times. Nil means UTC.
	Location *time.Location
	// DefaultDuration applies when "to" is missing. Zero means one hour.
	DefaultDuration time.Duration
	// Now stamps SubmittedAt. Nil means time.Now.
	Now func() time.Time
}

// Extract parses text. A missing date or start time is a parse failure;
// a missing headcount defaults to 1. Without a requester the request has
// neither requester nor derived id, and the caller must supply both.
func (x YAMLExtractor) Extract(_ context.Context, text string) (booking.Request, error) {
	var f fields
	if err := yaml.Unmarshal([]byte(strings.TrimSpace(text)), &f); err != nil {
		return booking.Request{}, fmt.Errorf("%w: %v", booking.ErrParse, err)
	}
	if f.Date == "" {
		return booking.Request{}, fmt.Errorf("%w: missing date", booking.ErrParse)
	}
	if f.From == "" {
		return booking.Request{}, fmt.Errorf("%w: missing start time", booking.ErrParse)
	}

	loc := x.Location
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", f.Date+" "+f.From, loc)
	if err != nil {
		return booking.Request{}, fmt.Errorf("%w: start %q: %v", booking.ErrParse, f.From, err)
	}
	var end time.Time
	if f.To == "" {
		d := x.DefaultDuration
		if d <= 0 {
			d = time.Hour
		}
		end = start.Add(d)
	} else if end, err = time.ParseInLocation("2006-01-02 15:04", f.Date+" "+f.To, loc); err != nil {
		return booking.Request{}, fmt.Errorf("%w: end %q: %v", booking.ErrParse, f.To, err)
	}

	flex, err := parseFlexibility(f.Flexibility)
	if err != nil {
		return booking.Request{}, err
	}

	tier := TierFromRequester(f.Requester)
	if f.Tier != "" {
		tier = booking.ParseTier(f.Tier)
	}
	headcount := f.Students
	if headcount <= 0 {
		headcount = 1
	}

	now := time.Now
	if x.Now != nil {
		now = x.Now
	}
	id := f.ID
	if id == "" && f.Requester != "" {
		id = booking.DeriveID("request", f.Requester, f.Lab, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}

	return booking.Request{
		ID:          id,
		RequesterID: f.Requester,
		Tier:        tier,
		Criteria: booking.Criteria{
			ResourceName: strings.TrimSpace(f.Lab),
			Equipment:    f.Equipment,
			Headcount:    headcount,
		},
		Start:       start,
		End:         end,
		SubmittedAt: now(),
		Flexibility: flex,
	}, nil
}

// parseFlexibility accepts a Go duration ("30m") or a bare number of minutes.
func parseFlexibility(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: flexibility %q: %v", booking.ErrParse, s, err)
	}
	return d, nil
}

// TierFromRequester infers a tier from an institutional email prefix:
// p… is PhD, b… is BTech, anything else is Student.
func TierFromRequester(requester string) booking.Tier {
	if !strings.Contains(requester, "@") {
		return booking.TierOther
	}
	switch strings.ToLower(requester[:1]) {
	case "p":
		return booking.TierPhD
	case "b":
		return booking.TierBTech
	default:
		return booking.TierStudent
	}
}
