// Package meili implements the search backend over Meilisearch.
package meili

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tgsearch/internal/tgsearch"
)

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     tgsearch.Logger
}

// Client talks to a Meilisearch server. It retries transport errors, 429
// and 5xx responses with exponential backoff.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     tgsearch.Logger
}

var (
	_ tgsearch.SearchBackend   = (*Client)(nil)
	_ tgsearch.DocumentIndexer = (*Client)(nil)
	_ tgsearch.StatsReader     = (*Client)(nil)
)

// APIError is a non-retryable error response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("meilisearch request failed: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("meilisearch request failed: status=%d message=%s", e.Status, e.Message)
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:7700"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     tgsearch.OrNop(opts.Logger),
	}
}

type searchBody struct {
	Q                     string   `json:"q"`
	Filter                string   `json:"filter,omitempty"`
	Limit                 int      `json:"limit"`
	Offset                int      `json:"offset"`
	AttributesToHighlight []string `json:"attributesToHighlight,omitempty"`
	HighlightPreTag       string   `json:"highlightPreTag,omitempty"`
	HighlightPostTag      string   `json:"highlightPostTag,omitempty"`
}

type searchResponse struct {
	Hits               []map[string]any `json:"hits"`
	ProcessingTimeMs   int64            `json:"processingTimeMs"`
	EstimatedTotalHits int64            `json:"estimatedTotalHits"`
}

func (c *Client) Search(ctx context.Context, index string, req tgsearch.BackendSearchRequest) (*tgsearch.BackendSearchResult, error) {
	body := searchBody{
		Q:                     req.Q,
		Filter:                req.Filter,
		Limit:                 req.Limit,
		Offset:                req.Offset,
		AttributesToHighlight: req.AttributesToHighlight,
		HighlightPreTag:       req.HighlightPreTag,
		HighlightPostTag:      req.HighlightPostTag,
	}
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, indexPath(index, "search"), body, &resp); err != nil {
		return nil, fmt.Errorf("searching %s: %w", index, err)
	}
	if resp.Hits == nil {
		resp.Hits = []map[string]any{}
	}
	return &tgsearch.BackendSearchResult{
		Hits:               resp.Hits,
		ProcessingTimeMs:   resp.ProcessingTimeMs,
		EstimatedTotalHits: resp.EstimatedTotalHits,
	}, nil
}

// AddDocuments enqueues docs for indexing. Meilisearch applies them
// asynchronously.
func (c *Client) AddDocuments(ctx context.Context, index string, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, indexPath(index, "documents"), docs, nil); err != nil {
		return fmt.Errorf("adding %d documents to %s: %w", len(docs), index, err)
	}
	return nil
}

func (c *Client) DeleteByFilter(ctx context.Context, index string, filter string) error {
	body := map[string]string{"filter": filter}
	if err := c.do(ctx, http.MethodPost, indexPath(index, "documents/delete"), body, nil); err != nil {
		return fmt.Errorf("deleting documents from %s: %w", index, err)
	}
	return nil
}

// Health checks that the server is reachable and available.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return fmt.Errorf("checking health: %w", err)
	}
	if resp.Status != "available" {
		return fmt.Errorf("meilisearch status %q", resp.Status)
	}
	return nil
}

// IndexStats reads GET /indexes/{uid}/stats.
func (c *Client) IndexStats(ctx context.Context, index string) (*tgsearch.IndexStats, error) {
	var stats tgsearch.IndexStats
	if err := c.do(ctx, http.MethodGet, indexPath(index, "stats"), nil, &stats); err != nil {
		return nil, fmt.Errorf("reading stats of %s: %w", index, err)
	}
	return &stats, nil
}

// Stats reads GET /stats.
func (c *Client) Stats(ctx context.Context) (*tgsearch.BackendStats, error) {
	var stats tgsearch.BackendStats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, fmt.Errorf("reading server stats: %w", err)
	}
	return &stats, nil
}

func indexPath(index, suffix string) string {
	return "/indexes/" + url.PathEscape(index) + "/" + suffix
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var bodyBytes []byte
	if payload != nil {
		var err error
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}
	endpoint := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug("meilisearch request retrying", "path", path, "attempt", attempt+1, "error", err)
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("meilisearch request retrying", "path", path, "attempt", attempt+1, "status", resp.StatusCode)
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Code = parsed.Code
			if strings.TrimSpace(parsed.Message) != "" {
				apiErr.Message = parsed.Message
			}
		}
		return apiErr
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
