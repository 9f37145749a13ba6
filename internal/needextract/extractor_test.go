package needextract

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tinkubot/client-ai/internal/llm"
	"github.com/tinkubot/client-ai/pkg/logging"
)

type stubChatClient struct {
	responses []string
	err       error
	calls     int
}

func (s *stubChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	content := ""
	if s.calls < len(s.responses) {
		content = s.responses[s.calls]
	}
	s.calls++
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}, nil
}

func newExtractor(stub *stubChatClient, useExpansion bool) *Extractor {
	var client llm.ChatClient
	if stub != nil {
		client = stub
	}
	return New(llm.NewCaller(client, 2, time.Second, logging.Default()), useExpansion, logging.Default())
}

func TestStaticExtraction(t *testing.T) {
	e := newExtractor(nil, false)

	tests := []struct {
		text        string
		wantService string
		wantCity    string
	}{
		{"necesito un plomero en Quito", "plomero", "Quito"},
		{"busco fontanero urgente", "plomero", ""},
		{"plomero en cueca", "plomero", "Cuenca"},
		{"clases particulares en gye", "profesor", "Guayaquil"},
		{"hola buenas tardes", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		service, city := e.Extract("", tt.text)
		if service != tt.wantService || city != tt.wantCity {
			t.Fatalf("Extract(%q) = (%q, %q), want (%q, %q)",
				tt.text, service, city, tt.wantService, tt.wantCity)
		}
	}
}

func TestExtractUsesHistory(t *testing.T) {
	e := newExtractor(nil, false)
	service, city := e.Extract("Usuario: necesito un electricista", "en Ambato por favor")
	if service != "electricista" || city != "Ambato" {
		t.Fatalf("unexpected extraction: %q %q", service, city)
	}
}

func TestExpansionAddsTerms(t *testing.T) {
	stub := &stubChatClient{responses: []string{`["plomero", "fontanero", "plumber"]`}}
	e := newExtractor(stub, true)

	need := e.ExtractWithExpansion(context.Background(), "", "necesito un plomero en Quito")
	if need.Service != "plomero" || need.City != "Quito" {
		t.Fatalf("unexpected need: %+v", need)
	}
	if len(need.ExpandedTerms) != 3 || need.ExpandedTerms[1] != "fontanero" {
		t.Fatalf("unexpected terms: %v", need.ExpandedTerms)
	}
}

func TestExpansionFailureFallsBackToService(t *testing.T) {
	stub := &stubChatClient{err: errors.New("timeout")}
	e := newExtractor(stub, true)

	need := e.ExtractWithExpansion(context.Background(), "", "necesito un plomero en Quito")
	if len(need.ExpandedTerms) != 1 || need.ExpandedTerms[0] != "plomero" {
		t.Fatalf("expected [plomero] fallback, got %v", need.ExpandedTerms)
	}
}

func TestExpansionGarbageFallsBack(t *testing.T) {
	stub := &stubChatClient{responses: []string{"claro, aquí tienes sinónimos"}}
	e := newExtractor(stub, true)

	need := e.ExtractWithExpansion(context.Background(), "", "necesito un plomero")
	if len(need.ExpandedTerms) != 1 || need.ExpandedTerms[0] != "plomero" {
		t.Fatalf("expected fallback, got %v", need.ExpandedTerms)
	}
}

func TestLLMServiceFallback(t *testing.T) {
	// Static scan finds nothing; LLM names the service, then the city,
	// then expands.
	stub := &stubChatClient{responses: []string{
		"community manager",
		"Quito",
		`["community manager", "social media manager"]`,
	}}
	e := newExtractor(stub, true)

	need := e.ExtractWithExpansion(context.Background(), "", "alguien que me lleve el instagram del negocio en la capital")
	if need.Service != "community manager" {
		t.Fatalf("expected LLM-extracted service, got %+v", need)
	}
	if need.City != "Quito" {
		t.Fatalf("expected LLM-extracted city, got %+v", need)
	}
}

func TestLLMServiceNullRejected(t *testing.T) {
	stub := &stubChatClient{responses: []string{"null"}}
	e := newExtractor(stub, true)

	need := e.ExtractWithExpansion(context.Background(), "", "asdf qwerty")
	if need.Service != "" || need.ExpandedTerms != nil {
		t.Fatalf("expected empty need, got %+v", need)
	}
}

func TestLLMCityOutsideKnownSetRejected(t *testing.T) {
	stub := &stubChatClient{responses: []string{"community manager", "Bogotá", `["community manager"]`}}
	e := newExtractor(stub, true)

	need := e.ExtractWithExpansion(context.Background(), "", "manejo de redes para mi tienda")
	if need.City != "" {
		t.Fatalf("city outside known set must be rejected, got %q", need.City)
	}
}

func TestExpansionDisabled(t *testing.T) {
	stub := &stubChatClient{responses: []string{`["should", "not", "be", "called"]`}}
	e := newExtractor(stub, false)

	need := e.ExtractWithExpansion(context.Background(), "", "necesito un plomero")
	if len(need.ExpandedTerms) != 1 || need.ExpandedTerms[0] != "plomero" {
		t.Fatalf("expansion must be skipped when disabled, got %v", need.ExpandedTerms)
	}
	if stub.calls != 0 {
		t.Fatalf("LLM must not be called, got %d calls", stub.calls)
	}
}
