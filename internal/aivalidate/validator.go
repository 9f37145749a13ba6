package aivalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/llm"
	"github.com/tinkubot/client-ai/pkg/logging"
)

// Validator filters search results down to providers that can actually
// serve the user's need. It fails open: any LLM or parsing failure returns
// the full provider list, because the downstream availability probe will
// drop unwilling providers anyway, while dropping a valid provider here is
// unrecoverable.
type Validator struct {
	llm    *llm.Caller
	logger *logging.Logger
}

// New creates a validator.
func New(caller *llm.Caller, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Validator{llm: caller, logger: logger}
}

const systemPromptHeader = `Eres un experto en servicios profesionales. Tu tarea es analizar si cada proveedor PUEDE ayudar con esta necesidad del usuario.

IMPORTANTE: Los servicios pueden estar en español o inglés. Términos equivalentes en cualquiera de los dos idiomas cuentan como coincidencia.

Criterios:
1. La profesión del proveedor debe ser APROPIADA para la necesidad.
2. Los servicios que ofrece deben ser RELEVANTES y APLICABLES; no basta con mencionar palabras clave.

Responde SOLO con un JSON array de booleanos, uno por proveedor y en el mismo orden. Sin explicaciones.`

// Validate returns the subset of providers the LLM judges able to serve
// the need, preserving input order.
func (v *Validator) Validate(ctx context.Context, userNeed string, providers []flowstore.Provider) []flowstore.Provider {
	if len(providers) == 0 {
		return nil
	}
	if !v.llm.Available() {
		v.logger.Warn("provider validation skipped: no LLM configured")
		return providers
	}

	content, err := v.llm.Complete(ctx, llm.Request{
		System:      systemPromptHeader,
		User:        buildUserPrompt(userNeed, providers),
		Temperature: 0.2,
		MaxTokens:   100,
	})
	if err != nil {
		v.logger.Warn("provider validation failed open", "error", err, "need", userNeed)
		return providers
	}

	verdicts, err := parseVerdicts(content)
	if err != nil {
		v.logger.Warn("provider validation response unparseable, failing open", "error", err)
		return providers
	}

	// A length mismatch is resolved conservatively: zip over the shorter
	// side so no verdict is applied to the wrong provider.
	n := len(verdicts)
	if len(providers) < n {
		n = len(providers)
	}
	kept := make([]flowstore.Provider, 0, n)
	for i := 0; i < n; i++ {
		if verdicts[i] {
			kept = append(kept, providers[i])
		}
	}
	v.logger.Info("provider validation complete",
		"need", userNeed,
		"candidates", len(providers),
		"kept", len(kept),
	)
	return kept
}

func buildUserPrompt(userNeed string, providers []flowstore.Provider) string {
	var b strings.Builder
	fmt.Fprintf(&b, "NECESIDAD DEL USUARIO: %q\n\n", userNeed)
	for i, p := range providers {
		profession := p.Profession
		if profession == "" {
			profession = "N/A"
		}
		services := "N/A"
		if len(p.Services) > 0 {
			capped := p.Services
			if len(capped) > 5 {
				capped = capped[:5]
			}
			services = strings.Join(capped, ", ")
		}
		fmt.Fprintf(&b, "Proveedor %d:\n- Profesión: %s\n- Servicios: %s\n- Experiencia: %d años\n- Rating: %.1f\n\n",
			i+1, profession, services, p.Experience, p.Rating)
	}
	fmt.Fprintf(&b, "Responde con un JSON array de %d booleanos.", len(providers))
	return b.String()
}

func parseVerdicts(content string) ([]bool, error) {
	cleaned := llm.StripCodeFence(content)
	var verdicts []bool
	if err := json.Unmarshal([]byte(cleaned), &verdicts); err != nil {
		return nil, fmt.Errorf("aivalidate: not a boolean array: %w", err)
	}
	return verdicts, nil
}
