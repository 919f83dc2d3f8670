// Package predict calls the structure-prediction API that backs prediction jobs.
package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/go-chem-api/internal/config"
)

const maxBody = 8 << 20

// ErrNoPrediction is returned when the API has no model for the accession.
var ErrNoPrediction = errors.New("no prediction available for accession")

// Client fetches predicted structures, e.g. GET {base}/prediction/P12345.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

func NewClient(cfg *config.Config) *Client {
	return newClient(&http.Client{Timeout: cfg.UpstreamTimeout}, cfg.PredictBaseURL, cfg.PredictAPIKey, cfg.PredictRatePerSec)
}

func newClient(hc *http.Client, baseURL, apiKey string, perSec float64) *Client {
	lim := rate.NewLimiter(rate.Inf, 1)
	if perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		limiter: lim,
	}
}

// Compute returns the raw JSON the API holds for domainKey.
func (c *Client) Compute(ctx context.Context, domainKey string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	u := c.baseURL + "/prediction/" + url.PathEscape(domainKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prediction request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read prediction body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", domainKey, ErrNoPrediction)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("prediction API returned %d after %s", resp.StatusCode, time.Since(start).Round(time.Millisecond))
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("prediction API response exceeds %d bytes", maxBody)
	}
	if !json.Valid(body) {
		return nil, errors.New("prediction API returned invalid JSON")
	}
	return json.RawMessage(body), nil
}
