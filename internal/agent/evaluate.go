package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
)

// Description is the static, shareable view of a resource.
type Description struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Capacity  int           `json:"capacity" yaml:"capacity"`
	Equipment []string      `json:"equipment,omitempty" yaml:"equipment,omitempty"`
	Opens     time.Duration `json:"opens,omitempty" yaml:"opens,omitempty"`
	Closes    time.Duration `json:"closes,omitempty" yaml:"closes,omitempty"`
}

// MatchesName reports whether name refers to this resource by name or ID.
func (d Description) MatchesName(name string) bool {
	name = strings.TrimSpace(name)
	return strings.EqualFold(d.Name, name) || strings.EqualFold(d.ID, name)
}

// HasEquipment reports whether every tag is present, ignoring case.
func (d Description) HasEquipment(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range d.Equipment {
			if strings.EqualFold(strings.TrimSpace(want), have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Admits reports whether a request's static needs fit this resource:
// the named resource if one is given, else the equipment tags.
func (d Description) Admits(c booking.Criteria) bool {
	if c.ResourceName != "" {
		return d.MatchesName(c.ResourceName)
	}
	return d.HasEquipment(c.Equipment)
}

// AlwaysOpen reports whether no operating hours are configured.
func (d Description) AlwaysOpen() bool {
	return d.Opens == 0 && d.Closes == 0
}

// InHours reports whether slot lies within one day's operating hours.
func (d Description) InHours(slot booking.TimeSlot) bool {
	if d.AlwaysOpen() {
		return true
	}
	y, m, day := slot.Start.Date()
	midnight := time.Date(y, m, day, 0, 0, 0, 0, slot.Start.Location())
	return !slot.Start.Before(midnight.Add(d.Opens)) && !slot.End.After(midnight.Add(d.Closes))
}

// check validates one binding against capacity and operating hours.
func (d Description) check(b booking.Binding) error {
	if n := b.Request.Headcount(); d.Capacity > 0 && n > d.Capacity {
		return fmt.Errorf("%w: %s needs %d, %s holds %d", booking.ErrCapacityExceeded, b.ID, n, d.ID, d.Capacity)
	}
	if !d.InHours(b.Slot) {
		return fmt.Errorf("%w: %s at %s", booking.ErrOutsideHours, b.ID, b.Slot)
	}
	return nil
}

func sortBindings(bs []booking.Binding) {
	sort.SliceStable(bs, func(i, j int) bool {
		if !bs[i].Slot.Start.Equal(bs[j].Slot.Start) {
			return bs[i].Slot.Start.Before(bs[j].Slot.Start)
		}
		return bs[i].ID < bs[j].ID
	})
}

func cloneBindings(bs []booking.Binding) []booking.Binding {
	out := make([]booking.Binding, len(bs))
	copy(out, bs)
	return out
}

func indexOf(bs []booking.Binding, id string) int {
	for i, b := range bs {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// conflicts returns the bindings overlapping slot, skipping the binding
// with ID skip.
func conflicts(bs []booking.Binding, slot booking.TimeSlot, skip string) []booking.Binding {
	var out []booking.Binding
	for _, b := range bs {
		if b.ID != skip && b.Slot.Overlaps(slot) {
			out = append(out, b)
		}
	}
	return out
}

// applyOps returns the schedule that results from ops, without touching bs.
func applyOps(bs []booking.Binding, ops []booking.Op) ([]booking.Binding, error) {
	out := cloneBindings(bs)
	for _, op := range ops {
		switch op.Kind {
		case booking.OpAdd:
			if indexOf(out, op.Binding.ID) >= 0 {
				return nil, fmt.Errorf("%w: %s already booked", booking.ErrConflict, op.Binding.ID)
			}
			out = append(out, op.Binding)
		case booking.OpMove:
			i := indexOf(out, op.Binding.ID)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", booking.ErrUnknownBinding, op.Binding.ID)
			}
			out[i] = out[i].Moved(op.To)
		case booking.OpRemove:
			i := indexOf(out, op.Binding.ID)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", booking.ErrUnknownBinding, op.Binding.ID)
			}
			out = append(out[:i], out[i+1:]...)
		default:
			return nil, fmt.Errorf("agent: unknown op %q", op.Kind)
		}
	}
	sortBindings(out)
	return out, nil
}

// validate checks a whole schedule: every binding admitted, no overlaps.
func validate(d Description, bs []booking.Binding) error {
	sorted := cloneBindings(bs)
	sortBindings(sorted)
	for i, b := range sorted {
		if b.Slot.ResourceID != d.ID {
			return fmt.Errorf("%w: %s is bound to %s, not %s", booking.ErrConflict, b.ID, b.Slot.ResourceID, d.ID)
		}
		if err := d.check(b); err != nil {
			return err
		}
		if i > 0 && sorted[i-1].Slot.Overlaps(b.Slot) {
			return fmt.Errorf("%w: %s overlaps %s", booking.ErrConflict, b.ID, sorted[i-1].ID)
		}
	}
	return nil
}

// nearestFree finds the free slot of want's length closest to want, on the
// same resource, no further than maxShift from origin. Ties go to the
// earlier slot.
func nearestFree(d Description, others []booking.Binding, want booking.TimeSlot, origin time.Time, maxShift time.Duration) (booking.TimeSlot, bool) {
	dur := want.Duration()
	starts := []time.Time{want.Start, origin}
	for _, o := range others {
		starts = append(starts, o.Slot.End, o.Slot.Start.Add(-dur))
	}
	if !d.AlwaysOpen() {
		y, m, day := want.Start.Date()
		midnight := time.Date(y, m, day, 0, 0, 0, 0, want.Start.Location())
		starts = append(starts, midnight.Add(d.Opens), midnight.Add(d.Closes-dur))
	}

	var candidates []booking.TimeSlot
	for _, s := range starts {
		slot := booking.TimeSlot{ResourceID: want.ResourceID, Start: s, End: s.Add(dur)}
		if abs(s.Sub(origin)) > maxShift || !d.InHours(slot) {
			continue
		}
		if len(conflicts(others, slot, "")) > 0 {
			continue
		}
		candidates = append(candidates, slot)
	}
	if len(candidates) == 0 {
		return booking.TimeSlot{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := abs(candidates[i].Start.Sub(want.Start)), abs(candidates[j].Start.Sub(want.Start))
		if di != dj {
			return di < dj
		}
		return candidates[i].Start.Before(candidates[j].Start)
	})
	return candidates[0], true
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
