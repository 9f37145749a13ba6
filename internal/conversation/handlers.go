package conversation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/tinkubot/client-ai/internal/availability"
	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/moderation"
	"github.com/tinkubot/client-ai/internal/textnorm"
	"github.com/tinkubot/client-ai/internal/whatsapp"
)

// feedbackDelay schedules the "how did it go" follow-up after a handoff.
const feedbackDelay = 2 * time.Hour

// handleStart covers the first message of a session (and anything typed
// after a completed conversation): greetings get the service prompt, real
// requests go straight through the service handler.
func (o *Orchestrator) handleStart(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	if turn.text == "" || textnorm.IsGreeting(turn.text) {
		flow.State = flowstore.StateAwaitingService
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgInitialPrompt))
	}
	flow.State = flowstore.StateAwaitingService
	return o.handleAwaitingService(ctx, turn, flow)
}

// handleAwaitingService validates, moderates and extracts the service from
// free text, then either asks for the city or dispatches the search.
func (o *Orchestrator) handleAwaitingService(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	if o.moderator != nil && o.moderator.CheckBanned(ctx, turn.phone) {
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(moderation.MsgBanned))
	}

	if turn.text == "" || textnorm.IsGreeting(turn.text) || len(textnorm.Normalize(turn.text)) < 3 {
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgServiceFormatError))
	}

	if o.moderator != nil {
		verdict := o.moderator.Validate(ctx, turn.text, turn.phone)
		if verdict.Ban != "" {
			return o.respond(ctx, turn.phone, flow, whatsapp.Text(verdict.Ban))
		}
		if verdict.Warning != "" {
			return o.respond(ctx, turn.phone, flow, whatsapp.Text(verdict.Warning))
		}
	}

	history := o.sessions.Context(ctx, turn.phone)
	need := o.extractor.ExtractWithExpansion(ctx, history, turn.text)
	if need.Service == "" {
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgServiceUnclear))
	}

	flow.Service = need.Service
	flow.ServiceFull = turn.text
	flow.ExpandedTerms = need.ExpandedTerms
	if need.City != "" {
		o.applyDetectedCity(ctx, &flow, turn.customer, need.City)
	}

	if flow.City != "" {
		return o.startSearching(ctx, turn.phone, flow)
	}

	flow.State = flowstore.StateAwaitingCity
	flow.CityConfirmed = false
	return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgAskCity))
}

// handleAwaitingCity resolves the city answer, rerouting when the user
// typed a service instead.
func (o *Orchestrator) handleAwaitingCity(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	if turn.text == "" {
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgAskCity))
	}

	// A service typed here while none is set means the previous turn never
	// landed; reroute instead of rejecting the city.
	if flow.Service == "" {
		if detectedService, _ := o.extractor.Extract("", turn.text); detectedService != "" {
			flow.ClearSearch()
			flow.Service = detectedService
			flow.ServiceFull = turn.text
			flow.State = flowstore.StateAwaitingCity
			return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgRerouteService(detectedService)))
		}
	}

	city := textnorm.NormalizeCityInput(turn.text)
	if city == "" {
		// The message may carry the city inside a sentence ("lo necesito
		// en cueca").
		_, city = o.extractor.Extract("", turn.text)
	}
	if city == "" {
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgUnknownCity))
	}

	o.applyDetectedCity(ctx, &flow, turn.customer, city)
	return o.startSearching(ctx, turn.phone, flow)
}

// handleSearching answers anything typed while the background pipeline is
// running and re-dispatches if the launch was lost.
func (o *Orchestrator) handleSearching(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	if flow.SearchingDispatched {
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgStillSearching))
	}
	if flow.Service != "" && flow.City != "" {
		return o.startSearching(ctx, turn.phone, flow)
	}
	return o.fallback(ctx, turn, flow)
}

// handleAwaitingResponses checks the availability record for the in-flight
// request and presents results as soon as any provider accepted.
func (o *Orchestrator) handleAwaitingResponses(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	state := o.flows.GetAvailability(ctx, flow.MQTTReqID)
	if state != nil && len(state.Accepted) > 0 {
		accepted := availability.FilterByResponse(flow.Providers, state.Accepted)
		if len(accepted) > 0 {
			if len(accepted) > 5 {
				accepted = accepted[:5]
			}
			flow.Providers = accepted
			flow.State = flowstore.StatePresentingResults
			flow.ProviderDetailIdx = nil
			flow.SearchingDispatched = false
			flow.MQTTReqID = ""
			return o.respond(ctx, turn.phone, flow, whatsapp.Multi(o.providerListMessages(flow)...))
		}
	}
	return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgStillSearching))
}

// handlePresentingResults turns a numeric selection into the provider
// detail view.
func (o *Orchestrator) handlePresentingResults(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	if len(flow.Providers) == 0 {
		// Results without providers is a programming error; recover by
		// restarting the request.
		o.logger.Error("presenting_results without providers", "phone", turn.phone)
		return o.fallback(ctx, turn, flow)
	}

	if n, ok := parseChoice(turn.selected, turn.text); ok {
		if n < 1 || n > len(flow.Providers) {
			prompt := whatsapp.Text(
				"Por favor selecciona un número entre 1 y " + strconv.Itoa(len(flow.Providers)) + ".")
			return o.respond(ctx, turn.phone, flow, prompt)
		}
		flow.SelectProvider(n - 1)
		flow.State = flowstore.StateViewingProviderDetail
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(ProviderDetailBlock(*flow.ChosenProvider)))
	}

	return o.respond(ctx, turn.phone, flow, whatsapp.Multi(o.providerListMessages(flow)...))
}

// handleViewingProviderDetail drives the contact / back / exit menu.
func (o *Orchestrator) handleViewingProviderDetail(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	if flow.ChosenProvider == nil || flow.ProviderDetailIdx == nil {
		o.logger.Error("viewing_provider_detail without selection", "phone", turn.phone)
		return o.fallback(ctx, turn, flow)
	}

	choice, _ := parseChoice(turn.selected, turn.text)
	normalized := textnorm.Normalize(firstNonEmpty(turn.selected, turn.text))

	switch {
	case choice == 1 || strings.Contains(normalized, "contactar"):
		return o.contactProvider(ctx, turn, flow)

	case choice == 2 || strings.Contains(normalized, "otro proveedor"):
		flow.State = flowstore.StatePresentingResults
		flow.ChosenProvider = nil
		flow.ProviderDetailIdx = nil
		return o.respond(ctx, turn.phone, flow, whatsapp.Multi(o.providerListMessages(flow)...))

	case choice == 3 || strings.Contains(normalized, "salir"):
		o.flows.Delete(ctx, turn.phone)
		reply := whatsapp.Text(MsgFarewell)
		o.saveBotReply(ctx, turn.phone, reply)
		return reply, nil
	}

	return o.respond(ctx, turn.phone, flow, whatsapp.Text(ProviderDetailMenu))
}

// contactProvider emits the formal connection message, records the lead
// and schedules the deferred feedback request.
func (o *Orchestrator) contactProvider(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	provider := *flow.ChosenProvider

	if leadID, err := o.customers.RecordLeadEvent(ctx, turn.phone, provider.ID, flow.Service, flow.City); err != nil {
		o.logger.Warn("lead event not recorded", "phone", turn.phone, "error", err)
	} else if leadID != "" {
		o.logger.Info("lead recorded", "phone", turn.phone, "lead_id", leadID)
	}
	if err := o.customers.ScheduleFeedbackTask(ctx, turn.phone, provider.Name, feedbackDelay); err != nil {
		o.logger.Warn("feedback task not scheduled", "phone", turn.phone, "error", err)
	}

	flow.State = flowstore.StateConfirmNewSearch
	flow.ConfirmAttempts = 0
	flow.ConfirmTitle = "¿Te ayudo con otro servicio?"
	flow.ConfirmIncludeCityOption = false

	messages := append(
		[]whatsapp.Message{{Response: MsgConnection(provider, flow.Service)}},
		o.confirmPromptMessages(flow)...,
	)
	return o.respond(ctx, turn.phone, flow, whatsapp.Multi(messages...))
}

// handleConfirmNewSearch drives the retry menu after a dead end or a
// completed handoff.
func (o *Orchestrator) handleConfirmNewSearch(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	options := ConfirmOptions(flow.ConfirmIncludeCityOption)
	input := firstNonEmpty(turn.selected, turn.text)
	normalized := textnorm.Normalize(input)

	label := ""
	if n, ok := parseChoice(turn.selected, turn.text); ok && n >= 1 && n <= len(options) {
		label = options[n-1]
	} else {
		for _, option := range options {
			if normalized == textnorm.Normalize(option) {
				label = option
				break
			}
		}
	}

	// Back to the previous result list when it is still around.
	if label == "" && len(flow.Providers) > 0 && strings.Contains(normalized, "proveedor") {
		flow.State = flowstore.StatePresentingResults
		return o.respond(ctx, turn.phone, flow, whatsapp.Multi(o.providerListMessages(flow)...))
	}

	switch label {
	case "Buscar otro servicio":
		return o.restartKeepingCity(ctx, turn, flow)
	case "Cambiar de ciudad":
		if flow.ConfirmIncludeCityOption {
			flow.City = ""
			flow.CityConfirmed = false
			flow.Providers = nil
			flow.State = flowstore.StateAwaitingCity
			return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgAskCity))
		}
	case "No, por ahora está bien":
		o.flows.Delete(ctx, turn.phone)
		reply := whatsapp.Text(MsgSoftClose)
		o.saveBotReply(ctx, turn.phone, reply)
		return reply, nil
	}

	// "otro servicio" carries the negative word "otro"; catch the intent
	// before the yes/no reading turns it into a farewell.
	if strings.Contains(normalized, "servicio") {
		return o.restartKeepingCity(ctx, turn, flow)
	}

	if yn := textnorm.InterpretYesNo(input); yn != nil {
		if *yn {
			return o.restartKeepingCity(ctx, turn, flow)
		}
		o.flows.Delete(ctx, turn.phone)
		reply := whatsapp.Text(MsgFarewell)
		o.saveBotReply(ctx, turn.phone, reply)
		return reply, nil
	}

	if flow.ConfirmAttempts >= maxConfirmAttempts {
		flow = flowstore.Flow{
			State:          flowstore.StateAwaitingService,
			City:           flow.City,
			CityConfirmed:  flow.CityConfirmed,
			CustomerID:     flow.CustomerID,
			HasConsent:     flow.HasConsent,
			LastSeenAt:     flow.LastSeenAt,
			LastSeenAtPrev: flow.LastSeenAtPrev,
		}
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgInitialPrompt))
	}

	flow.ConfirmAttempts++
	return o.respond(ctx, turn.phone, flow, whatsapp.Multi(o.confirmPromptMessages(flow)...))
}

func (o *Orchestrator) restartKeepingCity(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	fresh := flowstore.Flow{
		State:          flowstore.StateAwaitingService,
		City:           flow.City,
		CityConfirmed:  flow.CityConfirmed,
		CustomerID:     flow.CustomerID,
		HasConsent:     flow.HasConsent,
		LastSeenAt:     flow.LastSeenAt,
		LastSeenAtPrev: flow.LastSeenAtPrev,
	}
	return o.respond(ctx, turn.phone, fresh, whatsapp.Text(MsgInitialPrompt))
}

// fallback guides the user according to what the flow already has; it is
// the reply of last resort for broken states.
func (o *Orchestrator) fallback(ctx context.Context, turn *turnContext, flow flowstore.Flow) (*whatsapp.Reply, error) {
	if flow.Service == "" {
		flow = flowstore.Flow{
			State:          flowstore.StateAwaitingService,
			CustomerID:     flow.CustomerID,
			HasConsent:     flow.HasConsent,
			LastSeenAt:     flow.LastSeenAt,
			LastSeenAtPrev: flow.LastSeenAtPrev,
		}
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgInitialPrompt))
	}
	if flow.City == "" {
		flow.State = flowstore.StateAwaitingCity
		return o.respond(ctx, turn.phone, flow, whatsapp.Text(MsgAskCity))
	}
	return whatsapp.Text(MsgRephrase), nil
}

// providerListMessages renders the intro block plus the hinted selection
// prompt for the flow's providers.
func (o *Orchestrator) providerListMessages(flow flowstore.Flow) []whatsapp.Message {
	header := MsgProviderListIntro(flow.City) + "\n\n" + ProviderListBlock(flow.Providers)
	return []whatsapp.Message{
		{Response: header},
		whatsapp.ProviderResults(MsgSelectProvider, flow.Providers),
	}
}

// confirmPromptMessages renders the confirm-new-search title, menu and
// numeric footer with button hints.
func (o *Orchestrator) confirmPromptMessages(flow flowstore.Flow) []whatsapp.Message {
	title := flow.ConfirmTitle
	if title == "" {
		title = ConfirmTitleDefault
	}
	return []whatsapp.Message{
		{Response: BoldTitle(title) + "\n\n" + ConfirmMenuBlock(flow.ConfirmIncludeCityOption)},
		{
			Response: MsgNumericFooter,
			UI: &whatsapp.UIHint{
				Type:    "buttons",
				Buttons: ConfirmOptions(flow.ConfirmIncludeCityOption),
			},
		},
	}
}

func parseChoice(selected, text string) (int, bool) {
	for _, candidate := range []string{selected, text} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if n, err := strconv.Atoi(candidate); err == nil {
			return n, true
		}
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
