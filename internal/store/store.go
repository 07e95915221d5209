// Package store pushes committed bookings to a persistence service. The
// negotiation core keeps no durable state of its own; a BookingStore is
// where applied results go.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
)

// Record is one booking as the persistence service sees it.
type Record struct {
	BookingID   string    `json:"booking_id"`
	ResourceID  string    `json:"resource_id"`
	RequesterID string    `json:"requester_id"`
	Tier        string    `json:"tier"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Headcount   int       `json:"headcount"`
	ChangeID    string    `json:"change_id"`
	RoundID     string    `json:"round_id,omitempty"`
}

// BookingStore persists booking records. Save upserts by booking id.
type BookingStore interface {
	Save(ctx context.Context, records []Record) error
	Delete(ctx context.Context, bookingID string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// FromBinding builds the record for a committed binding.
func FromBinding(b booking.Binding, changeID, roundID string) Record {
	return Record{
		BookingID:   b.ID,
		ResourceID:  b.Slot.ResourceID,
		RequesterID: b.Request.RequesterID,
		Tier:        b.Request.Tier.String(),
		Start:       b.Slot.Start,
		End:         b.Slot.End,
		Headcount:   b.Request.Headcount(),
		ChangeID:    changeID,
		RoundID:     roundID,
	}
}

// Binding rebuilds the committed binding a record describes. The original
// request window is lost, so the restored request asks for the slot it holds.
func (r Record) Binding() booking.Binding {
	req := booking.Request{
		ID:          r.BookingID,
		RequesterID: r.RequesterID,
		Tier:        booking.ParseTier(r.Tier),
		Criteria:    booking.Criteria{Headcount: r.Headcount},
		Start:       r.Start,
		End:         r.End,
	}
	return booking.NewBinding(req, booking.TimeSlot{ResourceID: r.ResourceID, Start: r.Start, End: r.End})
}

// Bindings groups records by resource id.
func Bindings(records []Record) map[string][]booking.Binding {
	out := make(map[string][]booking.Binding)
	for _, r := range records {
		out[r.ResourceID] = append(out[r.ResourceID], r.Binding())
	}
	return out
}

// RecordsFor returns the records for every binding an applied change placed,
// in resource then booking order.
func RecordsFor(changes []booking.Change, roundID string) []Record {
	var out []Record
	for _, c := range changes {
		for _, b := range c.Results() {
			out = append(out, FromBinding(b, c.ID, roundID))
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].ResourceID != rs[j].ResourceID {
			return rs[i].ResourceID < rs[j].ResourceID
		}
		return rs[i].BookingID < rs[j].BookingID
	})
}

// Open returns the store for a driver name: "memory", "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (BookingStore, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
