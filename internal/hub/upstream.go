package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrCostExceeded tags the one CREATE failure category that gets special
// retry handling (§4.5.2 step 7, §7 "Quota/cost exceeded").
var ErrCostExceeded = fmt.Errorf("eventsub: cost exceeded")

// ErrCredentialInvalid tags a 401 from upstream: the token the Credential
// Store handed back no longer works (§7 "Permanent credential failure").
var ErrCredentialInvalid = fmt.Errorf("eventsub: credential rejected by upstream")

// Upstream is what the reconciliation loop depends on; *UpstreamClient is
// the production implementation, tests substitute a fake.
type Upstream interface {
	Create(ctx context.Context, topic, channelID, sessionID, version string) (CreateResult, error)
	Delete(ctx context.Context, upstreamID string) error
	List(ctx context.Context) ([]ListedSubscription, error)
}

// UpstreamClient is the abstracted EventSub management surface (§6.2): a
// CREATE/DELETE/LIST HTTP interface bound to a session. It is the type
// production wires; tests substitute a fake Upstream instead.
type UpstreamClient struct {
	baseURL    string
	credential func(ctx context.Context) (string, error)
	http       *http.Client
}

// NewUpstreamClient builds an UpstreamClient. credential resolves a fresh
// access token per call, per §3 ("the core only observes valid tokens").
func NewUpstreamClient(baseURL string, credential func(ctx context.Context) (string, error)) *UpstreamClient {
	return &UpstreamClient{
		baseURL:    baseURL,
		credential: credential,
		http:       &http.Client{Timeout: 10 * time.Second}, // §5 "Upstream CREATE/DELETE: 10 s"
	}
}

// CreateResult is what a successful CREATE call reports.
type CreateResult struct {
	UpstreamID string
	Status     string
	Cost       int
}

func (c *UpstreamClient) Create(ctx context.Context, topic, channelID, sessionID, version string) (CreateResult, error) {
	body, err := json.Marshal(map[string]string{
		"topic": topic, "channel_id": channelID, "session_id": sessionID, "version": version,
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("marshal create body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/subscriptions", bytes.NewReader(body))
	if err != nil {
		return CreateResult{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create subscription: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired {
		return CreateResult{}, ErrCostExceeded
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return CreateResult{}, ErrCredentialInvalid
	}
	if resp.StatusCode >= 300 {
		return CreateResult{}, fmt.Errorf("create subscription: upstream status %d: %s", resp.StatusCode, string(data))
	}

	var out struct {
		UpstreamID string `json:"upstream_id"`
		Status     string `json:"status"`
		Cost       int    `json:"cost"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return CreateResult{}, fmt.Errorf("decode create response: %w", err)
	}
	if out.Error == "cost_exceeded" {
		return CreateResult{}, ErrCostExceeded
	}
	return CreateResult{UpstreamID: out.UpstreamID, Status: out.Status, Cost: out.Cost}, nil
}

func (c *UpstreamClient) Delete(ctx context.Context, upstreamID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/subscriptions/"+upstreamID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrCredentialInvalid
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete subscription: upstream status %d", resp.StatusCode)
	}
	return nil
}

// ListedSubscription is one row of a LIST response, used to re-hydrate
// Active after a Hub restart (§4.5.2 bootstrap, P6).
type ListedSubscription struct {
	UpstreamID string
	ChannelID  string
	Topic      string
	Status     string
	Cost       int
}

func (c *UpstreamClient) List(ctx context.Context) ([]ListedSubscription, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Data []struct {
			UpstreamID string `json:"upstream_id"`
			ChannelID  string `json:"channel_id"`
			Topic      string `json:"topic"`
			Status     string `json:"status"`
			Cost       int    `json:"cost"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}

	listed := make([]ListedSubscription, 0, len(out.Data))
	for _, d := range out.Data {
		listed = append(listed, ListedSubscription{
			UpstreamID: d.UpstreamID, ChannelID: d.ChannelID, Topic: d.Topic, Status: d.Status, Cost: d.Cost,
		})
	}
	return listed, nil
}

func (c *UpstreamClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.credential != nil {
		token, err := c.credential(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
