package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
)

// Client talks to a running server.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a client for addr ("127.0.0.1:7420" or a full URL).
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{base: base, hc: &http.Client{Timeout: 30 * time.Second}}
}

// Submit sends a structured request.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (coordinator.Decision, error) {
	var d coordinator.Decision
	err := c.do(ctx, http.MethodPost, "/requests", req, &d)
	return d, err
}

// SubmitText sends free text for the server to parse.
func (c *Client) SubmitText(ctx context.Context, text, requester string) (coordinator.Decision, error) {
	var d coordinator.Decision
	err := c.do(ctx, http.MethodPost, "/requests/text", TextRequest{Text: text, Requester: requester}, &d)
	return d, err
}

// Schedule fetches every resource's bookings.
func (c *Client) Schedule(ctx context.Context) (ScheduleResponse, error) {
	var out ScheduleResponse
	err := c.do(ctx, http.MethodGet, "/schedule", nil, &out)
	return out, err
}

// Ledger fetches a participant's commitments, or all rounds when
// participant is empty.
func (c *Client) Ledger(ctx context.Context, participant string) (LedgerResponse, error) {
	var out LedgerResponse
	path := "/ledger"
	if participant != "" {
		path += "?participant=" + url.QueryEscape(participant)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Cancel removes a booking.
func (c *Client) Cancel(ctx context.Context, resourceID, bookingID string) error {
	return c.do(ctx, http.MethodPost, "/cancel", CancelRequest{ResourceID: resourceID, BookingID: bookingID}, &OKResponse{})
}

// UpdateHeadcount changes a booking's headcount.
func (c *Client) UpdateHeadcount(ctx context.Context, resourceID, bookingID string, n int) error {
	return c.do(ctx, http.MethodPost, "/headcount",
		HeadcountRequest{ResourceID: resourceID, BookingID: bookingID, Headcount: n}, &OKResponse{})
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, e.Error, e.Kind)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
