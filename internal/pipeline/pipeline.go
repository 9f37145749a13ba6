package pipeline

import (
	"context"
	"time"

	"github.com/tinkubot/client-ai/internal/aivalidate"
	"github.com/tinkubot/client-ai/internal/availability"
	"github.com/tinkubot/client-ai/internal/conversation"
	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/profilecache"
	"github.com/tinkubot/client-ai/internal/search"
	"github.com/tinkubot/client-ai/internal/session"
	"github.com/tinkubot/client-ai/pkg/logging"
)

// maxPresented caps how many accepted providers are shown to the user.
const maxPresented = 5

// Sender is the push path used to reach the user after the inbound request
// has already returned.
type Sender interface {
	Send(ctx context.Context, phone, text string) error
}

// AvailabilityCoordinator is the slice of the coordinator the pipeline
// needs.
type AvailabilityCoordinator interface {
	RequestAndWait(ctx context.Context, req availability.Request) availability.Result
}

// Pipeline runs the off-request search sequence: search, AI-validate,
// coordinate availability, present results. Failures never surface to the
// caller; every outbound message is best-effort.
type Pipeline struct {
	flows       *flowstore.Store
	sessions    *session.Store
	searcher    *search.Client
	validator   *aivalidate.Validator
	coordinator AvailabilityCoordinator
	sender      Sender
	profiles    *profilecache.Cache
	logger      *logging.Logger
}

// WithProfileCache write-throughs presented provider profiles into the
// provider profile cache. Nothing in this service reads those entries
// back; the detail view works from the providers stored on the flow.
func (p *Pipeline) WithProfileCache(cache *profilecache.Cache) *Pipeline {
	p.profiles = cache
	return p
}

// New wires the pipeline.
func New(
	flows *flowstore.Store,
	sessions *session.Store,
	searcher *search.Client,
	validator *aivalidate.Validator,
	coordinator AvailabilityCoordinator,
	sender Sender,
	logger *logging.Logger,
) *Pipeline {
	if flows == nil {
		panic("pipeline: flow store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		flows:       flows,
		sessions:    sessions,
		searcher:    searcher,
		validator:   validator,
		coordinator: coordinator,
		sender:      sender,
		logger:      logger,
	}
}

// Launch starts the pipeline as a detached task for a flow that just
// entered the searching state.
func (p *Pipeline) Launch(phone string, flow flowstore.Flow) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("search pipeline panicked", "phone", phone, "panic", r)
			}
		}()
		p.run(phone, flow)
	}()
}

func (p *Pipeline) run(phone string, launched flowstore.Flow) {
	ctx := context.Background()

	// Re-read: the launcher's copy may already be stale.
	flow := p.flows.Get(ctx, phone)
	if flow.IsZero() {
		flow = launched
	}
	service := flow.Service
	city := flow.City
	if service == "" || city == "" {
		p.logger.Warn("search aborted: incomplete flow", "phone", phone, "service", service, "city", city)
		return
	}

	p.logger.Info("background search started", "phone", phone, "service", service, "city", city)
	p.notify(ctx, phone, conversation.MsgSearching)

	providers := p.findProviders(ctx, service, city, flow)
	p.notify(ctx, phone, conversation.MsgFoundCount(len(providers), city))

	var accepted []flowstore.Provider
	if len(providers) > 0 && p.coordinator != nil {
		result := p.coordinator.RequestAndWait(ctx, availability.Request{
			Phone:       phone,
			Service:     service,
			City:        city,
			NeedSummary: flow.ServiceFull,
			Providers:   providers,
			OnRequest: func(reqID string) {
				p.flows.UpdateField(ctx, phone, func(f *flowstore.Flow) {
					f.State = flowstore.StateAwaitingResponses
					f.MQTTReqID = reqID
				})
			},
		})
		accepted = result.Accepted
		if len(accepted) > maxPresented {
			accepted = accepted[:maxPresented]
		}
		p.logger.Info("availability round finished",
			"phone", phone,
			"req_id", result.ReqID,
			"accepted", len(accepted),
		)
	}

	if len(accepted) > 0 {
		p.presentResults(ctx, phone, city, accepted)
		return
	}
	p.presentDeadEnd(ctx, phone, service, city, len(providers))
}

// findProviders runs search plus AI validation.
func (p *Pipeline) findProviders(ctx context.Context, service, city string, flow flowstore.Flow) []flowstore.Provider {
	if p.searcher == nil {
		return nil
	}
	query := search.BuildQuery(service, city, flow.ExpandedTerms)
	result, err := p.searcher.Search(ctx, query, city, 10, false)
	if err != nil {
		p.logger.Warn("provider search failed", "error", err, "query", query)
		return nil
	}
	if !result.OK || len(result.Providers) == 0 {
		return nil
	}
	if p.validator == nil {
		return result.Providers
	}
	return p.validator.Validate(ctx, service, result.Providers)
}

// presentResults transitions the flow and pushes the provider list.
func (p *Pipeline) presentResults(ctx context.Context, phone, city string, accepted []flowstore.Provider) {
	p.flows.UpdateField(ctx, phone, func(f *flowstore.Flow) {
		f.Providers = accepted
		f.State = flowstore.StatePresentingResults
		f.ProviderDetailIdx = nil
		f.ChosenProvider = nil
		f.SearchingDispatched = false
		f.MQTTReqID = ""
	})

	for _, provider := range accepted {
		if provider.Phone != "" {
			p.profiles.Put(ctx, profilecache.ProviderKey(provider.Phone), provider)
		}
	}

	header := conversation.MsgProviderListIntro(city) + "\n\n" +
		conversation.ProviderListBlock(accepted)
	p.notify(ctx, phone, header)
	p.notify(ctx, phone, conversation.MsgSelectProvider)
}

// presentDeadEnd transitions to the retry prompt when nothing came back.
func (p *Pipeline) presentDeadEnd(ctx context.Context, phone, service, city string, found int) {
	title := conversation.ConfirmTitleDefault
	if found > 0 {
		title = conversation.MsgNoAvailability(service, city)
	} else {
		p.notify(ctx, phone, conversation.MsgNoResults(city))
	}

	p.flows.UpdateField(ctx, phone, func(f *flowstore.Flow) {
		f.State = flowstore.StateConfirmNewSearch
		f.ConfirmAttempts = 0
		f.ConfirmTitle = title
		f.ConfirmIncludeCityOption = true
		f.SearchingDispatched = false
		f.MQTTReqID = ""
		f.Providers = nil
	})

	p.notify(ctx, phone, conversation.BoldTitle(title)+"\n\n"+conversation.ConfirmMenuBlock(true))
	p.notify(ctx, phone, conversation.MsgNumericFooter)
}

// notify pushes one message and records it in the session log; failures
// are logged and swallowed.
func (p *Pipeline) notify(ctx context.Context, phone, text string) {
	if text == "" {
		return
	}
	if p.sender != nil {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := p.sender.Send(sendCtx, phone, text); err != nil {
			p.logger.Warn("progress message not delivered", "phone", phone, "error", err)
		}
		cancel()
	}
	if p.sessions != nil {
		if err := p.sessions.Save(ctx, phone, text, true, nil); err != nil {
			p.logger.Warn("progress message not persisted", "phone", phone, "error", err)
		}
	}
}
