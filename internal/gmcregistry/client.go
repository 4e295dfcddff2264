package gmcregistry

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/radhub-qip/radhub/internal/monitoring"
	"github.com/radhub-qip/radhub/internal/resilience"
)

// Client resolves GMC numbers to registered names by fetching the
// public register page for the doctor. There is no JSON API; the name
// is scraped from the page heading with a title fallback. The whole
// lookup is best-effort enrichment, so failures surface as errors the
// callers swallow.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	metrics    *monitoring.Metrics
	logger     *monitoring.Logger
}

// NewClient creates a register client. baseURL is the register's
// doctor-page prefix; the GMC number is appended to it.
func NewClient(baseURL string, metrics *monitoring.Metrics, logger *monitoring.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 2,
		}),
		metrics: metrics,
		logger:  logger,
	}
}

// BreakerStats exposes circuit breaker state for the metrics endpoint.
func (c *Client) BreakerStats() map[string]interface{} {
	return c.breaker.Stats()
}

// ResetBreaker forces the circuit breaker closed. Used by the admin
// metrics reset once a register outage is known to be over.
func (c *Client) ResetBreaker() {
	c.breaker.Reset()
}

var (
	headingPattern = regexp.MustCompile(`(?is)<h1[^>]*>\s*([^<]+?)\s*</h1>`)
	titlePattern   = regexp.MustCompile(`(?is)<title>\s*([^<|]+?)\s*(?:[|<]|-\s*The)`)

	// Registered names as the register renders them: letters plus the
	// punctuation that occurs in real names. Anything else means the
	// scrape grabbed the wrong element.
	namePattern = regexp.MustCompile(`^[\p{L}][\p{L} .,'-]{1,99}$`)
)

// ResolveName fetches the register page for a GMC number and extracts
// the registered name. Returns an empty string when the page renders
// but carries no recognizable name.
func (c *Client) ResolveName(ctx context.Context, gmc string) (string, error) {
	if c.metrics != nil {
		c.metrics.IncrementRegistryLookup()
	}

	before := c.breaker.State()
	start := time.Now()

	var name string
	var status int
	err := c.breaker.Call(func() error {
		var callErr error
		name, status, callErr = c.fetchName(ctx, gmc)
		return callErr
	})

	if c.logger != nil {
		c.logger.ExternalAPILogger("gmc_register", "/"+gmc, status, time.Since(start), err == nil)
	}
	if c.metrics != nil {
		c.metrics.RecordExternalAPIRequest("gmc_register", err == nil)
		switch after := c.breaker.State(); {
		case before != resilience.StateOpen && after == resilience.StateOpen:
			c.metrics.IncrementCircuitBreakerOpen()
		case before != resilience.StateClosed && after == resilience.StateClosed:
			c.metrics.IncrementCircuitBreakerClose()
		}
	}
	return name, err
}

// fetchName performs one register page fetch. The returned status code
// is zero when the request never reached the register.
func (c *Client) fetchName(ctx context.Context, gmc string) (string, int, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, gmc)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build register request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("register returned status %d", resp.StatusCode)
	}

	// Register pages are small; the cap guards against a misbehaving
	// upstream, not normal operation.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read register page: %w", err)
	}

	return extractName(string(body)), resp.StatusCode, nil
}

// extractName pulls the registered name out of a register page,
// preferring the page heading over the title.
func extractName(page string) string {
	for _, pattern := range []*regexp.Regexp{headingPattern, titlePattern} {
		m := pattern.FindStringSubmatch(page)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(html.UnescapeString(m[1]))
		if namePattern.MatchString(candidate) {
			return candidate
		}
	}
	return ""
}
