package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tinkubot/client-ai/pkg/logging"
)

type stubChatClient struct {
	response openai.ChatCompletionResponse
	err      error
	delay    time.Duration
}

func (s *stubChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return openai.ChatCompletionResponse{}, ctx.Err()
		}
	}
	return s.response, s.err
}

func reply(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: text}},
		},
	}
}

func TestCompleteReturnsTrimmedText(t *testing.T) {
	caller := NewCaller(&stubChatClient{response: reply("  plomero \n")}, 2, time.Second, logging.Default())
	got, err := caller.Complete(context.Background(), Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "plomero" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestCompleteTimesOut(t *testing.T) {
	caller := NewCaller(&stubChatClient{delay: time.Second, response: reply("late")}, 1, 20*time.Millisecond, logging.Default())
	if _, err := caller.Complete(context.Background(), Request{User: "u"}); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestCompletePropagatesClientError(t *testing.T) {
	caller := NewCaller(&stubChatClient{err: errors.New("rate limited")}, 1, time.Second, logging.Default())
	if _, err := caller.Complete(context.Background(), Request{User: "u"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnavailableCaller(t *testing.T) {
	caller := NewCaller(nil, 1, time.Second, logging.Default())
	if caller.Available() {
		t.Fatal("caller without client must be unavailable")
	}
	if _, err := caller.Complete(context.Background(), Request{User: "u"}); err == nil {
		t.Fatal("expected error from unavailable caller")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct{ in, want string }{
		{"[\"a\"]", "[\"a\"]"},
		{"```json\n[\"a\"]\n```", "[\"a\"]"},
		{"```\n[true, false]\n```", "[true, false]"},
	}
	for _, tt := range tests {
		if got := StripCodeFence(tt.in); got != tt.want {
			t.Fatalf("StripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
