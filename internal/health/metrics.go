package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
)

// MetricsChecker evaluates component health from a Prometheus-compatible
// query API. A component is healthy when its error rate and P95 latency
// are both under the configured thresholds.
type MetricsChecker struct {
	baseURL            string
	errorRateThreshold float64
	latencyP95Seconds  float64
	client             *http.Client
}

// NewMetricsChecker creates a checker against cfg.MetricsURL.
func NewMetricsChecker(cfg config.HealthConfig) *MetricsChecker {
	return &MetricsChecker{
		baseURL:            cfg.MetricsURL,
		errorRateThreshold: cfg.ErrorRateThreshold,
		latencyP95Seconds:  cfg.LatencyP95Seconds,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// queryResult mirrors the Prometheus instant-query response shape.
type queryResult struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  [2]interface{}    `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// Query executes a PromQL instant query.
func (c *MetricsChecker) Query(ctx context.Context, query string) (float64, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/query")
	if err != nil {
		return 0, fmt.Errorf("invalid metrics URL: %w", err)
	}
	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("metrics query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code %d from metrics backend", resp.StatusCode)
	}

	var result queryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode metrics response: %w", err)
	}
	return extractFloatValue(result)
}

// ErrorRate queries the component's request error rate over one minute.
func (c *MetricsChecker) ErrorRate(ctx context.Context, component string) (float64, error) {
	query := fmt.Sprintf(
		`sum(rate(http_requests_total{component=%q,status=~"5.."}[1m])) / sum(rate(http_requests_total{component=%q}[1m]))`,
		component, component)
	return c.Query(ctx, query)
}

// LatencyP95 queries the component's P95 request latency in seconds.
func (c *MetricsChecker) LatencyP95(ctx context.Context, component string) (float64, error) {
	query := fmt.Sprintf(
		`histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket{component=%q}[1m])) by (le))`,
		component)
	return c.Query(ctx, query)
}

// IsHealthy applies the configured thresholds to the component's
// indicators.
func (c *MetricsChecker) IsHealthy(ctx context.Context, component string) (bool, error) {
	indicators, err := c.Indicators(ctx, component)
	if err != nil {
		return false, err
	}
	return indicators["error_rate"] <= c.errorRateThreshold &&
		indicators["latency_p95_seconds"] <= c.latencyP95Seconds, nil
}

// Indicators returns the raw values the health verdict is based on.
func (c *MetricsChecker) Indicators(ctx context.Context, component string) (Indicators, error) {
	errorRate, err := c.ErrorRate(ctx, component)
	if err != nil {
		return nil, fmt.Errorf("component %s: %w", component, err)
	}
	latency, err := c.LatencyP95(ctx, component)
	if err != nil {
		return nil, fmt.Errorf("component %s: %w", component, err)
	}
	return Indicators{
		"error_rate":          errorRate,
		"latency_p95_seconds": latency,
	}, nil
}

// extractFloatValue pulls the scalar out of an instant-query result.
// An empty result set reads as zero, which counts as healthy: absence of
// traffic is not a failure signal.
func extractFloatValue(result queryResult) (float64, error) {
	if result.Status != "success" {
		return 0, fmt.Errorf("metrics query returned status %q", result.Status)
	}
	if len(result.Data.Result) == 0 {
		return 0, nil
	}
	raw, ok := result.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected metrics value type %T", result.Data.Result[0].Value[1])
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse metrics value %q: %w", raw, err)
	}
	return v, nil
}
