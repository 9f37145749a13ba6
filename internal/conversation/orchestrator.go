package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tinkubot/client-ai/internal/consent"
	"github.com/tinkubot/client-ai/internal/customers"
	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/moderation"
	"github.com/tinkubot/client-ai/internal/needextract"
	"github.com/tinkubot/client-ai/internal/profilecache"
	"github.com/tinkubot/client-ai/internal/session"
	"github.com/tinkubot/client-ai/internal/textnorm"
	"github.com/tinkubot/client-ai/internal/whatsapp"
	"github.com/tinkubot/client-ai/pkg/logging"
)

const (
	// idleResetAfter wipes the conversation when the user goes quiet.
	idleResetAfter = 180 * time.Second

	maxConfirmAttempts = 2
)

// SearchLauncher dispatches the background search pipeline for a flow that
// just entered the searching state.
type SearchLauncher interface {
	Launch(phone string, flow flowstore.Flow)
}

// Inbound is one WhatsApp message delivered by the adapter.
type Inbound struct {
	FromNumber     string         `json:"from_number"`
	Content        string         `json:"content"`
	SelectedOption string         `json:"selected_option,omitempty"`
	MessageType    string         `json:"message_type,omitempty"`
	Location       map[string]any `json:"location,omitempty"`
	ID             string         `json:"id,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

// Orchestrator is the per-message dispatcher: it resolves the customer,
// gates on consent, applies the idle reset, and routes the payload to the
// handler for the flow's current state. All collaborators are injected.
type Orchestrator struct {
	flows     *flowstore.Store
	sessions  *session.Store
	customers *customers.Repository
	profiles  *profilecache.Cache
	consent   *consent.Service
	moderator *moderation.Moderator
	extractor *needextract.Extractor
	launcher  SearchLauncher
	logger    *logging.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Flows     *flowstore.Store
	Sessions  *session.Store
	Customers *customers.Repository
	Profiles  *profilecache.Cache
	Consent   *consent.Service
	Moderator *moderation.Moderator
	Extractor *needextract.Extractor
	Launcher  SearchLauncher
	Logger    *logging.Logger
}

// New creates the orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Flows == nil {
		panic("conversation: flow store cannot be nil")
	}
	if deps.Sessions == nil {
		panic("conversation: session store cannot be nil")
	}
	if deps.Consent == nil {
		panic("conversation: consent service cannot be nil")
	}
	if deps.Extractor == nil {
		panic("conversation: extractor cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Orchestrator{
		flows:     deps.Flows,
		sessions:  deps.Sessions,
		customers: deps.Customers,
		profiles:  deps.Profiles,
		consent:   deps.Consent,
		moderator: deps.Moderator,
		extractor: deps.Extractor,
		launcher:  deps.Launcher,
		logger:    deps.Logger,
	}
}

// HandleInbound processes one message and returns the reply payload. It
// never fails for conversational problems; only a missing phone is
// rejected.
func (o *Orchestrator) HandleInbound(ctx context.Context, in Inbound) (*whatsapp.Reply, error) {
	phone := strings.TrimSpace(in.FromNumber)
	if phone == "" {
		return nil, fmt.Errorf("conversation: from_number is required")
	}

	customer := o.resolveCustomer(ctx, phone)

	// Consent gate: until the user decides, every inbound is answered by
	// the consent subflow and no service or city is written to the flow.
	consentReply, accepted := o.consent.ValidateAndHandle(ctx, phone, customer, consent.Payload{
		FromNumber:     in.FromNumber,
		Content:        in.Content,
		SelectedOption: in.SelectedOption,
		MessageType:    in.MessageType,
		MessageID:      in.ID,
		Timestamp:      in.Timestamp,
	}, MsgInitialPrompt)
	if consentReply != nil {
		if accepted {
			if customer != nil {
				customer.HasConsent = true
				o.profiles.Put(ctx, profilecache.CustomerKey(phone), customer)
			}
			now := nowISO()
			o.flows.Set(ctx, phone, flowstore.Flow{
				State:          flowstore.StateAwaitingService,
				HasConsent:     true,
				LastSeenAt:     now,
				LastSeenAtPrev: now,
				CustomerID:     customerID(customer),
			})
		}
		o.saveBotReply(ctx, phone, consentReply)
		return consentReply, nil
	}

	flow := o.flows.Get(ctx, phone)

	// Idle reset: a long silence means the old context is stale.
	now := time.Now().UTC()
	if prev := parseISO(flow.LastSeenAtPrev); prev != nil && now.Sub(*prev) > idleResetAfter {
		o.flows.Delete(ctx, phone)
		nowStr := now.Format(time.RFC3339)
		o.flows.Set(ctx, phone, flowstore.Flow{
			State:          flowstore.StateAwaitingService,
			LastSeenAt:     nowStr,
			LastSeenAtPrev: nowStr,
			CustomerID:     customerID(customer),
		})
		reply := whatsapp.Multi(
			whatsapp.Message{Response: MsgInactivityReset},
			whatsapp.Message{Response: MsgInitialPrompt},
		)
		o.saveBotReply(ctx, phone, reply)
		return reply, nil
	}
	flow.LastSeenAt = now.Format(time.RFC3339)
	flow.LastSeenAtPrev = flow.LastSeenAt

	// Sync the customer profile into the flow.
	if customer != nil {
		if flow.CustomerID == "" {
			flow.CustomerID = customer.ID
		}
		if flow.City == "" && customer.City != "" {
			flow.City = customer.City
			flow.CityConfirmed = true
		}
		flow.HasConsent = customer.HasConsent
	}

	text := strings.TrimSpace(in.Content)
	selected := strings.TrimSpace(in.SelectedOption)

	// Opportunistic city detection: a city typed anywhere updates the
	// profile immediately.
	if _, detectedCity := o.extractor.Extract("", text); detectedCity != "" {
		o.applyDetectedCity(ctx, &flow, customer, detectedCity)
	}

	// Reset command: wipe flow, city and consent to simulate first use.
	if textnorm.IsResetKeyword(text) {
		o.flows.Delete(ctx, phone)
		if customer != nil {
			if err := o.customers.ClearCityAndConsent(ctx, customer.ID); err != nil {
				o.logger.Warn("reset: profile clear failed", "phone", phone, "error", err)
			} else {
				customer.City = ""
				customer.CityConfirmedAt = nil
				customer.HasConsent = false
				o.profiles.Put(ctx, profilecache.CustomerKey(phone), customer)
			}
		}
		o.flows.Set(ctx, phone, flowstore.Flow{State: flowstore.StateAwaitingService})
		return whatsapp.Text(MsgNewSession), nil
	}

	if text != "" {
		meta := map[string]string{}
		if in.ID != "" {
			meta["message_id"] = in.ID
		}
		if err := o.sessions.Save(ctx, phone, text, false, meta); err != nil {
			o.logger.Warn("user turn not persisted", "phone", phone, "error", err)
		}
	}

	o.logger.Info("processing inbound message",
		"phone", phone,
		"state", flow.State,
		"selected", selected,
		"type", in.MessageType,
	)

	turn := &turnContext{
		phone:    phone,
		text:     text,
		selected: selected,
		customer: customer,
	}

	switch flow.State {
	case "", flowstore.StateCompleted:
		return o.handleStart(ctx, turn, flow)
	case flowstore.StateAwaitingService:
		return o.handleAwaitingService(ctx, turn, flow)
	case flowstore.StateAwaitingCity:
		return o.handleAwaitingCity(ctx, turn, flow)
	case flowstore.StateSearching:
		return o.handleSearching(ctx, turn, flow)
	case flowstore.StateAwaitingResponses:
		return o.handleAwaitingResponses(ctx, turn, flow)
	case flowstore.StatePresentingResults:
		return o.handlePresentingResults(ctx, turn, flow)
	case flowstore.StateViewingProviderDetail:
		return o.handleViewingProviderDetail(ctx, turn, flow)
	case flowstore.StateConfirmNewSearch:
		return o.handleConfirmNewSearch(ctx, turn, flow)
	default:
		o.logger.Error("unknown conversation state", "phone", phone, "state", flow.State)
		return o.fallback(ctx, turn, flow)
	}
}

// turnContext carries the per-message inputs through the state handlers.
type turnContext struct {
	phone    string
	text     string
	selected string
	customer *customers.Customer
}

func (o *Orchestrator) resolveCustomer(ctx context.Context, phone string) *customers.Customer {
	customer, err := profilecache.GetOrLoad(ctx, o.profiles, profilecache.CustomerKey(phone),
		func(ctx context.Context) (*customers.Customer, error) {
			return o.customers.GetOrCreate(ctx, phone)
		})
	if err != nil {
		o.logger.Warn("customer resolution failed", "phone", phone, "error", err)
		return nil
	}
	return customer
}

func (o *Orchestrator) applyDetectedCity(ctx context.Context, flow *flowstore.Flow, customer *customers.Customer, city string) {
	if strings.EqualFold(flow.City, city) {
		flow.CityConfirmed = true
		return
	}
	flow.City = city
	flow.CityConfirmed = true
	if customer == nil {
		return
	}
	updated, err := o.customers.UpdateCity(ctx, customer.ID, city)
	if err != nil {
		o.logger.Warn("customer city update failed", "customer_id", customer.ID, "error", err)
		return
	}
	if updated != nil {
		*customer = *updated
		if updated.CityConfirmedAt != nil {
			flow.CityConfirmedAt = updated.CityConfirmedAt.Format(time.RFC3339)
		}
		o.profiles.Put(ctx, profilecache.CustomerKey(customer.Phone), customer)
	}
}

// respond persists the flow and logs every bot text before returning the
// reply.
func (o *Orchestrator) respond(ctx context.Context, phone string, flow flowstore.Flow, reply *whatsapp.Reply) (*whatsapp.Reply, error) {
	o.flows.Set(ctx, phone, flow)
	o.saveBotReply(ctx, phone, reply)
	return reply, nil
}

func (o *Orchestrator) saveBotReply(ctx context.Context, phone string, reply *whatsapp.Reply) {
	for _, text := range reply.Texts() {
		if err := o.sessions.Save(ctx, phone, text, true, nil); err != nil {
			o.logger.Warn("bot turn not persisted", "phone", phone, "error", err)
		}
	}
}

// startSearching flips the flow into the searching state, guards against
// double dispatch, and launches the background pipeline.
func (o *Orchestrator) startSearching(ctx context.Context, phone string, flow flowstore.Flow) (*whatsapp.Reply, error) {
	flow.State = flowstore.StateSearching
	flow.SearchingDispatched = true
	o.flows.Set(ctx, phone, flow)

	if o.launcher != nil {
		o.launcher.Launch(phone, flow)
	} else {
		o.logger.Error("search pipeline not wired; flow stuck in searching", "phone", phone)
	}

	reply := whatsapp.Text(MsgConfirming)
	o.saveBotReply(ctx, phone, reply)
	return reply, nil
}

func customerID(c *customers.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseISO(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}
