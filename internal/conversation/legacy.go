package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinkubot/client-ai/internal/aivalidate"
	"github.com/tinkubot/client-ai/internal/customers"
	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/llm"
	"github.com/tinkubot/client-ai/internal/needextract"
	"github.com/tinkubot/client-ai/internal/search"
	"github.com/tinkubot/client-ai/internal/session"
	"github.com/tinkubot/client-ai/pkg/logging"
)

// ProcessResult is the legacy /process-message response shape.
type ProcessResult struct {
	Response   string         `json:"response"`
	Intent     string         `json:"intent"`
	Entities   map[string]any `json:"entities"`
	Confidence float64        `json:"confidence"`
}

// LegacyProcessor serves the pre-flow /process-message contract: extract
// the need from context, answer with an inline provider summary when both
// service and city are known, otherwise guide the user.
type LegacyProcessor struct {
	sessions  *session.Store
	extractor *needextract.Extractor
	searcher  *search.Client
	validator *aivalidate.Validator
	customers *customers.Repository
	llm       *llm.Caller
	logger    *logging.Logger
}

// NewLegacyProcessor wires the legacy endpoint.
func NewLegacyProcessor(
	sessions *session.Store,
	extractor *needextract.Extractor,
	searcher *search.Client,
	validator *aivalidate.Validator,
	repo *customers.Repository,
	caller *llm.Caller,
	logger *logging.Logger,
) *LegacyProcessor {
	if logger == nil {
		logger = logging.Default()
	}
	return &LegacyProcessor{
		sessions:  sessions,
		extractor: extractor,
		searcher:  searcher,
		validator: validator,
		customers: repo,
		llm:       caller,
		logger:    logger,
	}
}

// Process handles one legacy message.
func (p *LegacyProcessor) Process(ctx context.Context, phone, message string) ProcessResult {
	if err := p.sessions.Save(ctx, phone, message, false, nil); err != nil {
		p.logger.Warn("legacy user turn not persisted", "phone", phone, "error", err)
	}

	history := p.sessions.Context(ctx, phone)
	service, city := p.extractor.Extract(history, message)

	if service != "" && city != "" {
		if result := p.directSearch(ctx, phone, service, city); result != nil {
			return *result
		}
	}

	if service == "" {
		guidance := "Estoy teniendo problemas para entender exactamente el servicio que necesitas. ¿Podrías decirlo en una palabra? Por ejemplo: marketing, publicidad, diseño, plomería."
		p.saveBotText(ctx, phone, guidance)
		return ProcessResult{
			Response:   guidance,
			Intent:     "service_request",
			Entities:   map[string]any{"profession": nil, "location": city},
			Confidence: 0.5,
		}
	}

	response := p.smallTalk(ctx, history, message)
	p.saveBotText(ctx, phone, response)
	return ProcessResult{
		Response:   response,
		Intent:     detectIntent(message),
		Entities:   map[string]any{"profession": service, "location": nil},
		Confidence: 0.85,
	}
}

func (p *LegacyProcessor) directSearch(ctx context.Context, phone, service, city string) *ProcessResult {
	result, err := p.searcher.Search(ctx, search.BuildQuery(service, city, nil), city, 10, false)
	if err != nil || !result.OK || len(result.Providers) == 0 {
		if err != nil {
			p.logger.Warn("legacy direct search failed", "error", err)
		}
		return nil
	}

	providers := result.Providers
	if p.validator != nil {
		providers = p.validator.Validate(ctx, service, providers)
	}
	if len(providers) == 0 {
		return nil
	}
	if len(providers) > 3 {
		providers = providers[:3]
	}

	response := buildProviderSummary(service, city, providers)
	p.saveBotText(ctx, phone, response)

	if err := p.customers.SaveServiceRequest(ctx, phone, service, city, len(providers)); err != nil {
		p.logger.Warn("service request not recorded", "phone", phone, "error", err)
	}

	return &ProcessResult{
		Response: response,
		Intent:   "service_request",
		Entities: map[string]any{
			"profession": service,
			"location":   city,
			"providers":  providers,
		},
		Confidence: 0.9,
	}
}

func (p *LegacyProcessor) smallTalk(ctx context.Context, history, message string) string {
	fallback := "Gracias por tu mensaje. Para ayudarte mejor, cuéntame el servicio que necesitas (por ejemplo, plomero, electricista) y tu ciudad."
	if !p.llm.Available() {
		return fallback
	}

	response, err := p.llm.Complete(ctx, llm.Request{
		System: fmt.Sprintf(`Eres un asistente de TinkuBot, un marketplace de servicios profesionales en Ecuador. Tu rol es entender las necesidades del cliente y extraer:
1. Tipo de servicio/profesión que necesita
2. Ubicación (si menciona)
3. Urgencia

CONTEXTO DE LA CONVERSACIÓN:
%s

Responde de manera amable y profesional, siempre en español.`, history),
		User:        message,
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil {
		p.logger.Warn("legacy smalltalk failed, using fallback", "error", err)
		return fallback
	}
	return response
}

func (p *LegacyProcessor) saveBotText(ctx context.Context, phone, text string) {
	if err := p.sessions.Save(ctx, phone, text, true, nil); err != nil {
		p.logger.Warn("legacy bot turn not persisted", "phone", phone, "error", err)
	}
}

func buildProviderSummary(service, city string, providers []flowstore.Provider) string {
	var b strings.Builder
	fmt.Fprintf(&b, "¡Excelente! He encontrado %d %ss en %s:\n\n", len(providers), service, city)
	for i, p := range providers {
		name := p.Name
		if name == "" {
			name = "Proveedor"
		}
		fmt.Fprintf(&b, "%d. %s", i+1, name)
		if p.Rating > 0 {
			fmt.Fprintf(&b, " ⭐%.1f", p.Rating)
		}
		b.WriteString("\n")
		if p.Phone != "" {
			fmt.Fprintf(&b, "   - Teléfono: %s\n", p.Phone)
		}
		if p.Experience > 0 {
			fmt.Fprintf(&b, "   - Experiencia: %d años\n", p.Experience)
		}
		if len(p.Services) > 0 {
			capped := p.Services
			if len(capped) > 3 {
				capped = capped[:3]
			}
			fmt.Fprintf(&b, "   - %s\n", strings.Join(capped, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("¿Quieres que te comparta el contacto de alguno?")
	return b.String()
}

func detectIntent(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "necesito") || strings.Contains(lower, "busco"):
		return "service_request"
	case strings.Contains(lower, "precio") || strings.Contains(lower, "costo"):
		return "pricing_inquiry"
	case strings.Contains(lower, "disponible"):
		return "availability_check"
	default:
		return "information_request"
	}
}
