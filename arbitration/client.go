package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBadVerdict signals that the adapter's winner field did not name one
	// of the two supplied parties. The decision is discarded; there is no
	// default winner.
	ErrBadVerdict = errors.New("arbitration: winner is not one of the parties")
	// ErrAdapterFailure signals a non-200 response from the adapter.
	ErrAdapterFailure = errors.New("arbitration: adapter request failed")
)

// Decision is the structured verdict returned by the arbitration adapter.
type Decision struct {
	Winner    string
	Analysis  string
	DisputeID int64
}

// Client talks to the external LLM-backed arbitration adapter. The adapter
// receives both parties' statements and must return an explicit winner
// identity; prose is never parsed for intent here.
type Client struct {
	url   string
	httpc *http.Client
}

// NewClient builds an adapter client with a bounded request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		url:   url,
		httpc: &http.Client{Timeout: timeout},
	}
}

type adapterRequest struct {
	ID   string             `json:"id"`
	Data adapterRequestData `json:"data"`
}

type adapterRequestData struct {
	DisputeID int64  `json:"disputeId"`
	PartyA    string `json:"partyA"`
	PartyB    string `json:"partyB"`
	CaseA     string `json:"caseA"`
	CaseB     string `json:"caseB"`
}

type adapterResponse struct {
	JobRunID string `json:"jobRunID"`
	Status   string `json:"status"`
	Error    any    `json:"error"`
	Data     struct {
		Winner    string `json:"winner"`
		Analysis  string `json:"analysis"`
		DisputeID int64  `json:"disputeId"`
	} `json:"data"`
}

// Decide submits the dispute to the adapter and returns its structured
// decision. Failures and malformed verdicts surface as errors and never
// default to a party.
func (c *Client) Decide(ctx context.Context, job Job) (Decision, error) {
	jobID := uuid.NewString()
	body, err := json.Marshal(adapterRequest{
		ID: jobID,
		Data: adapterRequestData{
			DisputeID: job.DisputeID,
			PartyA:    job.PartyA,
			PartyB:    job.PartyB,
			CaseA:     job.CaseA,
			CaseB:     job.CaseB,
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("arbitration: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("arbitration: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("arbitration: call adapter: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, fmt.Errorf("arbitration: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("%w: job %s status %d", ErrAdapterFailure, jobID, resp.StatusCode)
	}

	var parsed adapterResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Decision{}, fmt.Errorf("arbitration: decode response: %w", err)
	}

	if parsed.Data.Winner != job.PartyA && parsed.Data.Winner != job.PartyB {
		return Decision{}, fmt.Errorf("%w: job %s got %q", ErrBadVerdict, jobID, parsed.Data.Winner)
	}

	return Decision{
		Winner:    parsed.Data.Winner,
		Analysis:  parsed.Data.Analysis,
		DisputeID: parsed.Data.DisputeID,
	}, nil
}
