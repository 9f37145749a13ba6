package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tinkubot/client-ai/pkg/logging"
)

// Client pushes out-of-band text messages through the WhatsApp adapter.
// It is the push path of outbound messaging; the reply path returns Reply
// payloads from the inbound handler instead.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a WhatsApp adapter client.
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

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send delivers a text message to a phone via the adapter's /send endpoint.
func (c *Client) Send(ctx context.Context, phone, text string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("whatsapp: client not configured")
	}

	body, err := json.Marshal(sendRequest{To: phone, Message: text})
	if err != nil {
		return fmt.Errorf("whatsapp: failed to encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("whatsapp: send returned status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
