package needextract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tinkubot/client-ai/internal/llm"
	"github.com/tinkubot/client-ai/internal/textnorm"
	"github.com/tinkubot/client-ai/pkg/logging"
)

const maxSynonyms = 5

// Need is the outcome of extraction: the canonical service, the canonical
// city (both may be empty) and the expanded search terms when the LLM
// produced any.
type Need struct {
	Service       string
	City          string
	ExpandedTerms []string
}

// Extractor pulls (service, city) out of free text. The static synonym
// scan always runs first; the LLM only fills gaps and expands terms, and
// every LLM failure downgrades silently to the static result.
type Extractor struct {
	llm          *llm.Caller
	logger       *logging.Logger
	useExpansion bool
}

// New creates an extractor. caller may be unavailable; expansion can be
// switched off wholesale via useExpansion.
func New(caller *llm.Caller, useExpansion bool, logger *logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Extractor{llm: caller, logger: logger, useExpansion: useExpansion}
}

// Extract runs the static scan over history + last message: first service
// synonyms (first match wins), then exact service terms, then city
// synonyms.
func (e *Extractor) Extract(history, lastMessage string) (service, city string) {
	normalized := textnorm.Normalize(history + "\n" + lastMessage)
	if normalized == "" {
		return "", ""
	}

	for _, canonical := range textnorm.ServiceOrder {
		for _, syn := range textnorm.ServiceSynonyms[canonical] {
			if textnorm.ContainsTerm(normalized, syn) {
				service = canonical
				break
			}
		}
		if service != "" {
			break
		}
	}
	if service == "" {
		for _, candidate := range textnorm.CommonServices {
			if textnorm.ContainsTerm(normalized, candidate) {
				service = candidate
				break
			}
		}
	}

	for _, canonical := range textnorm.CityOrder {
		if textnorm.ContainsTerm(normalized, canonical) {
			city = canonical
			break
		}
		for _, syn := range textnorm.CitySynonyms[canonical] {
			if textnorm.ContainsTerm(normalized, syn) {
				city = canonical
				break
			}
		}
		if city != "" {
			break
		}
	}
	return service, city
}

// ExtractWithExpansion combines the static scan with LLM fallbacks: when
// the scan finds no service the LLM names one and, if the scan found no
// city either, picks a city from the known set; any found service is
// expanded into up to five equivalent search terms in Spanish and English.
// When the scan finds a service but no city, no LLM city pick is made.
func (e *Extractor) ExtractWithExpansion(ctx context.Context, history, lastMessage string) Need {
	service, city := e.Extract(history, lastMessage)

	if service == "" && e.llm.Available() {
		service = e.extractServiceWithLLM(ctx, lastMessage)
		if city == "" {
			city = e.extractCityWithLLM(ctx, lastMessage)
		}
	}
	if service == "" {
		return Need{}
	}

	need := Need{Service: service, City: city, ExpandedTerms: []string{service}}
	if e.useExpansion && e.llm.Available() {
		need.ExpandedTerms = e.expand(ctx, service)
	}
	return need
}

func (e *Extractor) extractServiceWithLLM(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	content, err := e.llm.Complete(ctx, llm.Request{
		System: `Eres un experto en identificar servicios profesionales. Extrae EL SERVICIO PRINCIPAL que el usuario necesita.

Reglas:
1. Responde SOLO con el nombre del servicio/profesión en español
2. Si mencionan múltiples servicios, extrae el PRINCIPAL
3. Usa términos estándar (ej: "community manager" en lugar de "gestor de redes")

Responde SOLO con el nombre del servicio, sin explicaciones.`,
		User:        fmt.Sprintf("¿Cuál es el servicio principal que necesita este usuario: %q", truncate(text, 200)),
		Temperature: 0.3,
		MaxTokens:   50,
	})
	if err != nil {
		e.logger.Warn("service extraction via LLM failed", "error", err)
		return ""
	}

	service := strings.Trim(content, `"'`)
	if service == "" || strings.EqualFold(service, "null") {
		return ""
	}
	e.logger.Info("service extracted via LLM", "service", service)
	return service
}

func (e *Extractor) extractCityWithLLM(ctx context.Context, text string) string {
	cities := textnorm.KnownCities()

	content, err := e.llm.Complete(ctx, llm.Request{
		System: fmt.Sprintf(`Eres un experto en identificar ciudades de Ecuador. Extrae LA CIUDAD mencionada en el texto.

Ciudades válidas: %s

Reglas:
1. Responde SOLO con el nombre de la ciudad si está en la lista
2. Si no se menciona ninguna ciudad válida, responde "null"

Responde SOLO con el nombre de la ciudad o "null", sin explicaciones.`, strings.Join(cities, ", ")),
		User:        fmt.Sprintf("¿Qué ciudad de Ecuador se menciona en: %q", truncate(text, 200)),
		Temperature: 0.3,
		MaxTokens:   30,
	})
	if err != nil {
		e.logger.Warn("city extraction via LLM failed", "error", err)
		return ""
	}

	city := strings.Trim(content, `"'`)
	if city == "" || strings.EqualFold(city, "null") {
		return ""
	}
	// Accept only cities from the known set, normalizing casing.
	for _, known := range cities {
		if strings.EqualFold(known, city) {
			return known
		}
	}
	return ""
}

// expand asks the LLM for equivalent search terms. The original term is
// prepended when the LLM's list lacks it (otherwise it keeps the LLM's
// position) and the list is cut to five terms; on any failure the result
// is just [service].
func (e *Extractor) expand(ctx context.Context, service string) []string {
	fallback := []string{service}

	content, err := e.llm.Complete(ctx, llm.Request{
		System: fmt.Sprintf(`Eres un experto en servicios profesionales. Genera %d términos de búsqueda que capturen:
1. La profesión/servicio principal
2. Sinónimos comunes en español
3. Términos equivalentes en inglés si aplica

Responde SOLO con un JSON array de strings. Sin explicaciones.`, maxSynonyms),
		User:        fmt.Sprintf("Genera %d sinónimos o términos equivalentes para: %q", maxSynonyms, truncate(service, 200)),
		Temperature: 0.5,
		MaxTokens:   150,
	})
	if err != nil {
		e.logger.Warn("synonym expansion failed", "service", service, "error", err)
		return fallback
	}

	var terms []string
	if err := json.Unmarshal([]byte(llm.StripCodeFence(content)), &terms); err != nil {
		e.logger.Warn("synonym expansion unparseable", "service", service, "error", err)
		return fallback
	}

	valid := make([]string, 0, len(terms))
	for _, term := range terms {
		if trimmed := strings.TrimSpace(term); trimmed != "" {
			valid = append(valid, trimmed)
		}
	}
	if len(valid) == 0 {
		return fallback
	}
	if !containsFold(valid, service) {
		valid = append([]string{service}, valid...)
	}
	if len(valid) > maxSynonyms {
		valid = valid[:maxSynonyms]
	}
	e.logger.Info("synonym expansion complete", "service", service, "terms", len(valid))
	return valid
}

func containsFold(list []string, target string) bool {
	for _, item := range list {
		if strings.EqualFold(item, target) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
