// Package notify delivers decision events to whoever is listening: an
// in-process bus for live consumers and a sink that writes to the event log.
package notify

import (
	"sync"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
)

// Kind mirrors the decision kind an event reports.
type Kind string

const (
	KindGranted    Kind = "Granted"
	KindDenied     Kind = "Denied"
	KindNegotiated Kind = "Negotiated"
	KindCancelled  Kind = "Cancelled"
	KindUpdated    Kind = "Updated"
)

// Event is one notification about a request or booking.
type Event struct {
	Kind        Kind              `json:"kind"`
	RequestID   string            `json:"request_id"`
	RequesterID string            `json:"requester_id,omitempty"`
	RoundID     string            `json:"round_id,omitempty"`
	Slot        booking.TimeSlot  `json:"slot"`
	Reason      booking.ErrorKind `json:"reason,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	At          time.Time         `json:"at"`
}

// Notifier receives events. Notify must not block the caller for long.
type Notifier interface {
	Notify(Event)
}

// Bus fans events out to buffered subscriber channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel buffered with 100 events. A subscriber that
// falls behind loses events rather than stalling the coordinator.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 100)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Notify publishes ev to every subscriber without blocking.
func (b *Bus) Notify(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Later events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
}

// LogSink writes each event to the JSONL event log.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Notify(ev Event) {
	if s.Logger == nil {
		return
	}
	_ = s.Logger.Append(log.LogEvent{
		Time:        ev.At,
		Event:       log.EventDecision,
		RequestID:   ev.RequestID,
		RequesterID: ev.RequesterID,
		ResourceID:  ev.Slot.ResourceID,
		RoundID:     ev.RoundID,
		Status:      string(ev.Kind),
		Slot:        slotString(ev.Slot),
		Reason:      string(ev.Reason),
		Error:       ev.Detail,
	})
}

func slotString(s booking.TimeSlot) string {
	if s.Start.IsZero() {
		return ""
	}
	return s.String()
}

// Multi sends every event to each notifier in order.
type Multi []Notifier

func (m Multi) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(Event) {}
