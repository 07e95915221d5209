// Package coordinator is the single entry point for booking requests. It
// matches a request to candidate resources, asks their agents for
// availability, grants directly when it can and opens a negotiation round
// when it cannot, then applies the outcome all-or-nothing.
package coordinator

import (
	"context"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/negotiate"
)

// ResourceAgent is everything the coordinator needs from a resource's agent.
type ResourceAgent interface {
	negotiate.Negotiator
	Query(ctx context.Context, req booking.Request) (agent.QueryResult, error)
	Apply(ctx context.Context, c booking.Change) error
	Revert(ctx context.Context, changeID string) error
	Cancel(ctx context.Context, bindingID string) error
	UpdateHeadcount(ctx context.Context, bindingID string, n int) error
	Snapshot(ctx context.Context) ([]booking.Binding, error)
}

// DecisionKind is how a request was resolved.
type DecisionKind string

const (
	Granted    DecisionKind = "Granted"
	Denied     DecisionKind = "Denied"
	Negotiated DecisionKind = "Negotiated"
)

// Decision is the coordinator's answer to one request.
type Decision struct {
	Kind        DecisionKind        `json:"kind"`
	RequestID   string              `json:"request_id"`
	Slot        booking.TimeSlot    `json:"slot"`
	Reason      booking.ErrorKind   `json:"reason,omitempty"`
	Detail      string              `json:"detail,omitempty"`
	RoundID     string              `json:"round_id,omitempty"`
	Commitments []ledger.Commitment `json:"commitments,omitempty"`
	Changes     []booking.Change    `json:"changes,omitempty"`
	Replies     []agent.QueryResult `json:"replies,omitempty"`
}

// OK reports whether the request ended up with a slot.
func (d Decision) OK() bool {
	return d.Kind == Granted || d.Kind == Negotiated
}

// Settings is the immutable coordinator configuration.
type Settings struct {
	QueryTimeout time.Duration
	Negotiation  negotiate.Settings
}

// DefaultSettings returns the stock coordinator settings.
func DefaultSettings() Settings {
	return Settings{
		QueryTimeout: 2 * time.Second,
		Negotiation:  negotiate.DefaultSettings(),
	}
}

// Claim is a resource held by one in-flight request.
type Claim struct {
	ResourceID string    `json:"resource_id"`
	HeldBy     string    `json:"held_by"`
	AcquiredAt time.Time `json:"acquired_at"`
}
