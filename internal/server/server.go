// Package server exposes a Coordinator over HTTP with JSON bodies. The
// negotiation core does not depend on it.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
)

// SubmitRequest is the wire form of a booking request.
type SubmitRequest struct {
	ID          string    `json:"id"`
	Requester   string    `json:"requester"`
	Tier        string    `json:"tier"`
	Resource    string    `json:"resource,omitempty"`
	Equipment   []string  `json:"equipment,omitempty"`
	Headcount   int       `json:"headcount,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Flexibility string    `json:"flexibility,omitempty"`
}

// Request converts the wire form. A bad flexibility is an invalid request.
func (s SubmitRequest) Request() (booking.Request, error) {
	var flex time.Duration
	if s.Flexibility != "" {
		d, err := time.ParseDuration(s.Flexibility)
		if err != nil {
			return booking.Request{}, fmt.Errorf("%w: flexibility %q", booking.ErrInvalidRequest, s.Flexibility)
		}
		flex = d
	}
	return booking.Request{
		ID:          s.ID,
		RequesterID: s.Requester,
		Tier:        booking.ParseTier(s.Tier),
		Criteria: booking.Criteria{
			ResourceName: s.Resource,
			Equipment:    s.Equipment,
			Headcount:    s.Headcount,
		},
		Start:       s.Start,
		End:         s.End,
		Flexibility: flex,
	}, nil
}

// TextRequest asks the server to parse and handle free text.
type TextRequest struct {
	Text      string `json:"text"`
	Requester string `json:"requester"`
}

// CancelRequest removes a booking.
type CancelRequest struct {
	ResourceID string `json:"resource_id"`
	BookingID  string `json:"booking_id"`
}

// HeadcountRequest changes a booking's headcount.
type HeadcountRequest struct {
	ResourceID string `json:"resource_id"`
	BookingID  string `json:"booking_id"`
	Headcount  int    `json:"headcount"`
}

// OKResponse acknowledges a mutation.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse carries a failure and its kind.
type ErrorResponse struct {
	Error string            `json:"error"`
	Kind  booking.ErrorKind `json:"kind,omitempty"`
}

// ScheduleResponse lists resources and their bookings.
type ScheduleResponse struct {
	Resources []agent.Description          `json:"resources"`
	Bookings  map[string][]booking.Binding `json:"bookings"`
}

// LedgerResponse is a participant's commitment history, or every round when
// no participant is given.
type LedgerResponse struct {
	Commitments []ledger.Commitment `json:"commitments,omitempty"`
	Rounds      []ledger.Round      `json:"rounds,omitempty"`
}

// HealthResponse reports liveness and in-flight claims.
type HealthResponse struct {
	Status string              `json:"status"`
	Claims []coordinator.Claim `json:"claims"`
}

// Server serves a coordinator over HTTP.
type Server struct {
	coord    *coordinator.Coordinator
	listener net.Listener
	server   *http.Server
}

// NewServer binds addr (e.g. "127.0.0.1:0" for a random port).
func NewServer(addr string, coord *coordinator.Coordinator) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: binding listener: %w", err)
	}
	s := &Server{coord: coord, listener: ln}
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /requests", s.handleSubmit)
	mux.HandleFunc("POST /requests/text", s.handleSubmitText)
	mux.HandleFunc("GET /schedule", s.handleSchedule)
	mux.HandleFunc("GET /ledger", s.handleLedger)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("POST /headcount", s.handleHeadcount)
	return mux
}

// Addr returns the address the server is listening on (e.g. "127.0.0.1:12345").
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Call in a goroutine.
func (s *Server) Start() error {
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	return s.server.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Claims: s.coord.Claims()})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in SubmitRequest
	if !readJSON(w, r, &in) {
		return
	}
	req, err := in.Request()
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" && req.RequesterID != "" {
		req.ID = booking.DeriveID("request", req.RequesterID, req.Criteria.ResourceName,
			req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, s.coord.Handle(r.Context(), req))
}

func (s *Server) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	var in TextRequest
	if !readJSON(w, r, &in) {
		return
	}
	writeJSON(w, http.StatusOK, s.coord.HandleText(r.Context(), in.Text, in.Requester))
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, err)
		return
	}
	bookings, err := s.coord.Schedule(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{Resources: s.coord.Resources(), Bookings: bookings})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	participant := strings.TrimSpace(r.URL.Query().Get("participant"))
	if participant == "" {
		rounds, err := s.coord.Ledger().Rounds(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, LedgerResponse{Rounds: rounds})
		return
	}
	history, err := s.coord.Ledger().History(r.Context(), participant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerResponse{Commitments: history})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in CancelRequest
	if !readJSON(w, r, &in) {
		return
	}
	if err := s.coord.Cancel(r.Context(), in.ResourceID, in.BookingID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleHeadcount(w http.ResponseWriter, r *http.Request) {
	var in HeadcountRequest
	if !readJSON(w, r, &in) {
		return
	}
	if err := s.coord.UpdateHeadcount(r.Context(), in.ResourceID, in.BookingID, in.Headcount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// --- Helpers ---

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q", booking.ErrInvalidRequest, name, v)
	}
	return t, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		// Allow empty body for requests with no fields.
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid JSON: %v", err), Kind: booking.KindInvalidRequest})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := booking.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case booking.KindInvalidRequest, booking.KindParseFailure:
		status = http.StatusBadRequest
	case booking.KindUnknownBinding, booking.KindNoCandidate:
		status = http.StatusNotFound
	case booking.KindCapacityExceeded, booking.KindOutsideHours, booking.KindConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}
