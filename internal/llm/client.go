package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"github.com/tinkubot/client-ai/pkg/logging"
)

// DefaultModel is the completion model every conversational helper uses.
const DefaultModel = openai.GPT3Dot5Turbo

// ChatClient is the slice of the OpenAI client the service depends on.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Caller serializes LLM access behind a concurrency cap and a per-call
// timeout. A nil Caller (or one with no client) reports unavailable, which
// every consumer treats as "degrade to the static path".
type Caller struct {
	client  ChatClient
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *logging.Logger
}

// NewCaller wires the shared LLM gate. client may be nil when no API key is
// configured.
func NewCaller(client ChatClient, maxConcurrency int, timeout time.Duration, logger *logging.Logger) *Caller {
	if logger == nil {
		logger = logging.Default()
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Caller{
		client:  client,
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		timeout: timeout,
		logger:  logger,
	}
}

// Available reports whether an LLM is configured.
func (c *Caller) Available() bool {
	return c != nil && c.client != nil
}

// Request is one bounded chat completion.
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Complete runs a chat completion under the semaphore and timeout and
// returns the trimmed assistant text.
func (c *Caller) Complete(ctx context.Context, req Request) (string, error) {
	if !c.Available() {
		return "", fmt.Errorf("llm: client not configured")
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("llm: failed to acquire slot: %w", err)
	}
	defer c.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: DefaultModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// StripCodeFence removes a surrounding markdown code fence, which models
// add around JSON despite instructions not to.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
