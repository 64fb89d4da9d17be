package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/streamplex/streamplex/pkg/config"
)

// analyticsWriter posts NDJSON point batches to the analytics ingest
// endpoint. Writes retry briefly with capped exponential backoff; a batch
// that still fails is dropped (the sink logs and moves on).
type analyticsWriter struct {
	ingestURL  string
	apiToken   string
	httpClient *http.Client
}

func newAnalyticsWriter(cfg config.AnalyticsConfig) *analyticsWriter {
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &analyticsWriter{
		ingestURL:  fmt.Sprintf("%s/accounts/%s/analytics_engine/%s/events", base, cfg.AccountID, cfg.Dataset),
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WriteBatch encodes points as NDJSON and posts them.
func (w *analyticsWriter) WriteBatch(ctx context.Context, points []Point) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range points {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encoding point: %w", err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), 3), ctx)

	body := buf.Bytes()
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.ingestURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-ndjson")
		req.Header.Set("Authorization", "Bearer "+w.apiToken)

		resp, err := w.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("analytics ingest returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors will not improve on retry.
			return backoff.Permanent(fmt.Errorf("analytics ingest rejected batch: %d", resp.StatusCode))
		}
		return nil
	}, policy)
}

// QueryClient is the read side of the analytics dataset, used by the expiry
// oracle. Queries are SQL posted to the analytics SQL endpoint.
type QueryClient struct {
	sqlURL     string
	apiToken   string
	dataset    string
	httpClient *http.Client
}

// NewQueryClient creates a query client. Returns nil when credentials are
// incomplete; callers treat a nil client as "analytics unavailable".
func NewQueryClient(cfg config.AnalyticsConfig) *QueryClient {
	if !cfg.Enabled() {
		return nil
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &QueryClient{
		sqlURL:     fmt.Sprintf("%s/accounts/%s/analytics_engine/sql", base, cfg.AccountID),
		apiToken:   cfg.APIToken,
		dataset:    cfg.Dataset,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Dataset returns the dataset name for interpolation into queries.
func (c *QueryClient) Dataset() string {
	return c.dataset
}

// QueryRows executes sql and returns the decoded result rows.
func (c *QueryClient) QueryRows(ctx context.Context, sql string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sqlURL, strings.NewReader(sql))
	if err != nil {
		return nil, fmt.Errorf("building analytics query: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analytics query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analytics query returned %d: %s", resp.StatusCode, string(body))
	}

	var decoded struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding analytics response: %w", err)
	}
	return decoded.Data, nil
}
