package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"raftmetrics/pkg/metricstate"
)

// Client talks to a metrics node over its public HTTP API. Writes sent to a
// follower come back as a redirect to the shard leader, which net/http
// follows transparently.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type recordRequest struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type valueResponse struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type aggregateResponse struct {
	Name      string               `json:"name"`
	Aggregate metricstate.Aggregate `json:"aggregate"`
}

// TotalsResponse is the cluster-wide rollup across all shards.
type TotalsResponse struct {
	Count   uint64  `json:"count"`
	Sum     float64 `json:"sum"`
	Average float64 `json:"average"`
}

// Record submits one observation of a metric.
func (c *Client) Record(ctx context.Context, name string, value float64) error {
	body, err := json.Marshal(recordRequest{Name: name, Value: value})
	if err != nil {
		return fmt.Errorf("marshal record request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/metrics", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute PUT request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("PUT failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Get reads the latest recorded value of a metric.
func (c *Client) Get(ctx context.Context, name string) (float64, bool, error) {
	reqURL := c.baseURL + "/api/metrics/" + url.PathEscape(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create GET request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("execute GET request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, false, fmt.Errorf("GET failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result valueResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, false, fmt.Errorf("decode response: %w", err)
	}
	return result.Value, true, nil
}

// Aggregate reads the running aggregate of a metric.
func (c *Client) Aggregate(ctx context.Context, name string) (metricstate.Aggregate, bool, error) {
	reqURL := c.baseURL + "/api/metrics/" + url.PathEscape(name) + "/aggregate"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return metricstate.Aggregate{}, false, fmt.Errorf("create GET request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return metricstate.Aggregate{}, false, fmt.Errorf("execute GET request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return metricstate.Aggregate{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return metricstate.Aggregate{}, false, fmt.Errorf("GET failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result aggregateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return metricstate.Aggregate{}, false, fmt.Errorf("decode response: %w", err)
	}
	return result.Aggregate, true, nil
}

// Delete removes a metric and its aggregates.
func (c *Client) Delete(ctx context.Context, name string) error {
	reqURL := c.baseURL + "/api/metrics/" + url.PathEscape(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create DELETE request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute DELETE request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("DELETE failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Totals reads the cross-shard rollup of the node.
func (c *Client) Totals(ctx context.Context) (TotalsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/aggregate", nil)
	if err != nil {
		return TotalsResponse{}, fmt.Errorf("create GET request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TotalsResponse{}, fmt.Errorf("execute GET request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return TotalsResponse{}, fmt.Errorf("GET failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result TotalsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TotalsResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
