// Package booking defines the values exchanged between the coordinator,
// resource agents and the negotiation engine: requests, time slots,
// bindings and the changes that mutate a resource's schedule.
package booking

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a requester's priority class.
type Tier int

// Tiers in default priority order, highest first.
const (
	TierPhD Tier = iota
	TierBTech
	TierMTech
	TierStudent
	TierOther
)

var tierNames = map[Tier]string{
	TierPhD:     "PhD",
	TierBTech:   "BTech",
	TierMTech:   "MTech",
	TierStudent: "Student",
	TierOther:   "Other",
}

// String returns the canonical tier name.
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "Other"
}

// ParseTier maps a case-insensitive tier name to a Tier.
// Unknown names map to TierOther.
func ParseTier(s string) Tier {
	needle := strings.TrimSpace(s)
	for t, name := range tierNames {
		if strings.EqualFold(name, needle) {
			return t
		}
	}
	return TierOther
}

// AllTiers returns every tier in default order.
func AllTiers() []Tier {
	return []Tier{TierPhD, TierBTech, TierMTech, TierStudent, TierOther}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	*t = ParseTier(string(b))
	return nil
}

// TimeSlot is a half-open interval [Start, End) on one resource.
type TimeSlot struct {
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Valid reports whether End is after Start.
func (s TimeSlot) Valid() bool {
	return s.End.After(s.Start)
}

// Duration returns the slot length.
func (s TimeSlot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps reports whether two slots on the same resource intersect.
// Adjacent slots never overlap.
func (s TimeSlot) Overlaps(o TimeSlot) bool {
	if s.ResourceID != o.ResourceID {
		return false
	}
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

// Shift returns the slot moved by d.
func (s TimeSlot) Shift(d time.Duration) TimeSlot {
	return TimeSlot{ResourceID: s.ResourceID, Start: s.Start.Add(d), End: s.End.Add(d)}
}

// On returns the same interval on another resource.
func (s TimeSlot) On(resourceID string) TimeSlot {
	s.ResourceID = resourceID
	return s
}

func (s TimeSlot) String() string {
	return fmt.Sprintf("%s[%s-%s)", s.ResourceID, s.Start.Format("2006-01-02 15:04"), s.End.Format("15:04"))
}

// Criteria describes what a requester needs from a resource.
type Criteria struct {
	ResourceName string   `json:"resource_name,omitempty" yaml:"resource,omitempty"`
	Equipment    []string `json:"equipment,omitempty" yaml:"equipment,omitempty"`
	Headcount    int      `json:"headcount" yaml:"headcount"`
}

// Request is an immutable booking request.
type Request struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	Tier        Tier          `json:"tier"`
	Criteria    Criteria      `json:"criteria"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Flexibility time.Duration `json:"flexibility,omitempty"`
}

// Headcount returns the requested headcount, defaulting to 1.
func (r Request) Headcount() int {
	if r.Criteria.Headcount <= 0 {
		return 1
	}
	return r.Criteria.Headcount
}

// SlotOn returns the requested interval on the given resource.
func (r Request) SlotOn(resourceID string) TimeSlot {
	return TimeSlot{ResourceID: resourceID, Start: r.Start, End: r.End}
}

// Validate checks the request's shape.
func (r Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidRequest)
	}
	if r.RequesterID == "" {
		return fmt.Errorf("%w: missing requester", ErrInvalidRequest)
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidRequest,
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Binding ties a committed slot to the request that holds it.
// The binding ID is the ID of the request that created it.
type Binding struct {
	ID      string   `json:"id"`
	Slot    TimeSlot `json:"slot"`
	Request Request  `json:"request"`
}

// NewBinding creates the binding for a request placed at slot.
func NewBinding(req Request, slot TimeSlot) Binding {
	return Binding{ID: req.ID, Slot: slot, Request: req}
}

// Moved returns a copy of the binding placed at slot.
func (b Binding) Moved(slot TimeSlot) Binding {
	b.Slot = slot
	return b
}

// Displacement is how far the binding sits from the slot its request asked for.
func (b Binding) Displacement() time.Duration {
	d := b.Slot.Start.Sub(b.Request.Start)
	if d < 0 {
		return -d
	}
	return d
}

// OpKind identifies a schedule mutation.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpMove   OpKind = "move"
	OpRemove OpKind = "remove"
)

// Op is one mutation inside a Change. For OpMove, Binding is the incumbent
// as currently committed and To is its new slot.
type Op struct {
	Kind    OpKind   `json:"kind"`
	Binding Binding  `json:"binding"`
	To      TimeSlot `json:"to,omitempty"`
}

// Result returns the binding as it would exist after the op.
func (o Op) Result() Binding {
	if o.Kind == OpMove {
		return o.Binding.Moved(o.To)
	}
	return o.Binding
}

// Change is the unit of mutation applied to one resource. Applying the same
// change ID twice is a no-op.
type Change struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Ops        []Op   `json:"ops"`
}

// Touches returns the IDs of bindings the change removes or moves.
func (c Change) Touches() map[string]bool {
	ids := make(map[string]bool, len(c.Ops))
	for _, op := range c.Ops {
		if op.Kind == OpMove || op.Kind == OpRemove {
			ids[op.Binding.ID] = true
		}
	}
	return ids
}

// Results returns the bindings the change places on the resource.
func (c Change) Results() []Binding {
	var out []Binding
	for _, op := range c.Ops {
		if op.Kind == OpRemove {
			continue
		}
		out = append(out, op.Result())
	}
	return out
}

// With returns a copy of the change with op appended.
func (c Change) With(op Op) Change {
	ops := make([]Op, 0, len(c.Ops)+1)
	ops = append(ops, c.Ops...)
	ops = append(ops, op)
	c.Ops = ops
	return c
}

// Describe renders the change's terms for audit records.
func (c Change) Describe() string {
	parts := make([]string, 0, len(c.Ops))
	for _, op := range c.Ops {
		switch op.Kind {
		case OpMove:
			parts = append(parts, fmt.Sprintf("move %s %s -> %s", op.Binding.ID, op.Binding.Slot, op.To))
		case OpAdd:
			parts = append(parts, fmt.Sprintf("add %s %s", op.Binding.ID, op.Binding.Slot))
		case OpRemove:
			parts = append(parts, fmt.Sprintf("remove %s %s", op.Binding.ID, op.Binding.Slot))
		}
	}
	return strings.Join(parts, "; ")
}
