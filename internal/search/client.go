package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/pkg/logging"
)

// Metadata is the backend's description of how a search was executed.
type Metadata struct {
	Strategy     string `json:"strategy,omitempty"`
	SearchTimeMS int64  `json:"search_time_ms,omitempty"`
}

// Result is the decoded search backend response.
type Result struct {
	OK        bool                 `json:"ok"`
	Providers []flowstore.Provider `json:"providers"`
	Total     int                  `json:"total"`
	Metadata  Metadata             `json:"search_metadata"`
	Error     string               `json:"error,omitempty"`
}

// Client is a typed wrapper over the geo/search backend's token search.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a search backend client.
func NewClient(baseURL string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type searchRequest struct {
	Query            string `json:"query"`
	City             string `json:"city"`
	Limit            int    `json:"limit"`
	UseAIEnhancement bool   `json:"use_ai_enhancement"`
}

// Search runs a token-based provider search. Results are returned untouched
// for the AI validator to filter.
func (c *Client) Search(ctx context.Context, query, city string, limit int, useAIEnhancement bool) (*Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("search: client not configured")
	}
	if limit <= 0 {
		limit = 10
	}

	body, err := json.Marshal(searchRequest{
		Query:            query,
		City:             city,
		Limit:            limit,
		UseAIEnhancement: useAIEnhancement,
	})
	if err != nil {
		return nil, fmt.Errorf("search: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("search: backend returned status %d: %s", resp.StatusCode, snippet)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("search: failed to decode response: %w", err)
	}
	if !result.OK && result.Error != "" {
		c.logger.Warn("search backend reported failure", "error", result.Error)
	}
	return &result, nil
}

// BuildQuery composes the token query for a need: when expansion produced
// more than one term, all terms are searched together; otherwise the plain
// "{service} en {city}" form is used.
func BuildQuery(service, city string, expandedTerms []string) string {
	if len(expandedTerms) > 1 {
		return fmt.Sprintf("%s en %s", strings.Join(expandedTerms, " "), city)
	}
	return fmt.Sprintf("%s en %s", service, city)
}
