// Command llmtest exercises the LLM-backed helpers against a live API key.
// It is a manual smoke tool, not part of the service:
//
//	OPENAI_API_KEY=sk-... go run ./cmd/llmtest "necesito alguien que arregle una fuga"
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tinkubot/client-ai/internal/aivalidate"
	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/llm"
	"github.com/tinkubot/client-ai/internal/needextract"
	"github.com/tinkubot/client-ai/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		log.Fatal("OPENAI_API_KEY is required")
	}
	text := "necesito un gestor de redes sociales en quito"
	if len(os.Args) > 1 {
		text = strings.Join(os.Args[1:], " ")
	}

	logger := logging.New("debug")
	caller := llm.NewCaller(openai.NewClient(apiKey), 2, 15*time.Second, logger)
	extractor := needextract.New(caller, true, logger)
	validator := aivalidate.New(caller, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	need := extractor.ExtractWithExpansion(ctx, "", text)
	fmt.Printf("text:     %q\n", text)
	fmt.Printf("service:  %q\n", need.Service)
	fmt.Printf("city:     %q\n", need.City)
	fmt.Printf("expanded: %v\n", need.ExpandedTerms)

	if need.Service == "" {
		return
	}

	sample := []flowstore.Provider{
		{Name: "Carla", Profession: "community manager", Services: []string{"redes sociales", "contenido"}},
		{Name: "Pedro", Profession: "plomero", Services: []string{"tuberías", "fugas"}},
		{Name: "Lucía", Profession: "publicista", Services: []string{"marketing digital"}},
	}
	kept := validator.Validate(ctx, need.Service, sample)
	fmt.Printf("validated %d/%d sample providers:\n", len(kept), len(sample))
	for _, p := range kept {
		fmt.Printf("  - %s (%s)\n", p.Name, p.Profession)
	}
}
