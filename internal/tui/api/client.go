// Package api is the HTTP client the terminal view uses to read the advisor.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	server "killchain-advisor/internal/api"
	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/killchain"
)

// APIKeyHeader is sent when the client has a key configured.
const APIKeyHeader = "X-API-Key"

// Client reads the advisor's HTTP endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Cases         int    `json:"cases"`
	Entities      int    `json:"entities"`
	CachedReports int    `json:"cached_reports"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// Overview combines health and the latest pipeline gauges for the campaigns view.
type Overview struct {
	Healthy         bool
	Status          string
	StatusReason    string
	Cases           int
	Entities        int
	Uptime          string
	Runs            int64
	CriticalActions int64
}

// NewClient creates a client for baseURL. An empty apiKey sends no key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// BaseURL returns the server address the client reads from.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetHealth fetches health status.
func (c *Client) GetHealth() (*HealthResponse, error) {
	var health HealthResponse
	if err := c.getJSON("/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetIndex fetches the correlation index.
func (c *Client) GetIndex() (*correlation.Index, error) {
	var ix correlation.Index
	if err := c.getJSON("/v1/index", nil, &ix); err != nil {
		return nil, err
	}
	return &ix, nil
}

// GetKillChain fetches the kill chain summary, scoped to campaignID when set.
func (c *Client) GetKillChain(campaignID string) (*killchain.Summary, error) {
	var sum killchain.Summary
	if err := c.getJSON("/v1/killchain", campaignQuery(campaignID), &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// GetDecisions fetches recommendations, scoped to campaignID when set.
func (c *Client) GetDecisions(campaignID string) (*server.DecisionsResponse, error) {
	var resp server.DecisionsResponse
	if err := c.getJSON("/v1/decisions", campaignQuery(campaignID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOverview fetches health and, when reachable, the pipeline gauges. A
// connection failure is reported in the overview rather than as an error.
func (c *Client) GetOverview() (*Overview, error) {
	ov := &Overview{
		Status:       "unknown",
		StatusReason: "Unable to connect to advisor",
	}

	health, err := c.GetHealth()
	if err != nil {
		ov.StatusReason = err.Error()
		return ov, nil
	}

	ov.Status = health.Status
	ov.Healthy = health.Status == "healthy"
	ov.Cases = health.Cases
	ov.Entities = health.Entities
	ov.Uptime = formatUptime(float64(health.UptimeSeconds))
	if ov.Healthy {
		ov.StatusReason = "Stores readable"
	} else {
		ov.StatusReason = "A store is unreadable; results are partial"
	}

	if metrics, err := c.getMetrics(); err == nil {
		ov.Runs = int64(metrics["advisor_pipeline_runs_total"])
		ov.CriticalActions = int64(metrics["advisor_critical_recommendations"])
	}
	return ov, nil
}

func campaignQuery(campaignID string) url.Values {
	if campaignID == "" {
		return nil
	}
	return url.Values{"campaign": {campaignID}}
}

func (c *Client) get(path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(path string, query url.Values, v any) error {
	resp, err := c.get(path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &body) == nil {
			if body.Error != "" {
				return fmt.Errorf("%s: %s", resp.Status, body.Error)
			}
			if body.Message != "" {
				return fmt.Errorf("%s: %s", resp.Status, body.Message)
			}
		}
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) getMetrics() (map[string]float64, error) {
	resp, err := c.get("/metrics", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return parsePrometheusMetrics(resp.Body), nil
}

// parsePrometheusMetrics reads unlabeled samples from the text exposition format.
func parsePrometheusMetrics(r io.Reader) map[string]float64 {
	metrics := make(map[string]float64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			if val, err := strconv.ParseFloat(parts[1], 64); err == nil {
				metrics[parts[0]] = val
			}
		}
	}
	return metrics
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
