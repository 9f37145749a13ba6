package consent

import (
	"context"
	"strings"

	"github.com/tinkubot/client-ai/internal/customers"
	"github.com/tinkubot/client-ai/internal/textnorm"
	"github.com/tinkubot/client-ai/internal/whatsapp"
	"github.com/tinkubot/client-ai/pkg/logging"
)

// Consent prompt copy and quick-reply labels.
const (
	msgIntro = "*Antes de continuar* 🔐\n\nPara conectarte con proveedores necesito compartir tu número de contacto con ellos."
	msgAsk   = "¿Autorizas el uso de tu número para ese fin?\n\n*1.* Acepto\n*2.* No acepto"

	msgRejected = "Entiendo. Sin tu autorización no puedo conectarte con proveedores. Si cambias de opinión, solo escríbeme. *¡Gracias!*"
)

// Buttons are the quick-reply labels rendered with the consent prompt.
var Buttons = []string{"Acepto", "No acepto"}

// Payload is the slice of the inbound WhatsApp message the consent record
// keeps for legal traceability.
type Payload struct {
	FromNumber     string
	Content        string
	SelectedOption string
	MessageType    string
	MessageID      string
	Timestamp      string
}

// Service captures and persists consent responses and gates the
// conversation until the user has decided.
type Service struct {
	customers *customers.Repository
	logger    *logging.Logger
}

// New creates a consent service. The repository may be nil; decisions are
// then honored in-flow but not persisted.
func New(repo *customers.Repository, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{customers: repo, logger: logger}
}

// Prompt returns the two-part consent request.
func (s *Service) Prompt() *whatsapp.Reply {
	return whatsapp.Multi(
		whatsapp.Message{Response: msgIntro},
		whatsapp.Message{Response: msgAsk, UI: &whatsapp.UIHint{Type: "buttons", Buttons: Buttons}},
	)
}

// ValidateAndHandle gates the conversation on consent. It returns nil when
// the customer has already consented (pass-through); otherwise it
// interprets the payload as a consent response, records it, and returns the
// reply to send. accepted reports whether consent was granted on this turn.
func (s *Service) ValidateAndHandle(ctx context.Context, phone string, customer *customers.Customer, payload Payload, initialPrompt string) (reply *whatsapp.Reply, accepted bool) {
	// Without a profile there is nothing to gate on (no relational store
	// configured); the conversation proceeds.
	if customer == nil || customer.HasConsent {
		return nil, false
	}

	decision := interpret(payload)
	if decision == nil {
		s.logger.Info("consent prompt sent", "phone", phone)
		return s.Prompt(), false
	}

	customerID := ""
	if customer != nil {
		customerID = customer.ID
	}
	record := customers.ConsentRecord{
		UserID:   customerID,
		UserType: "customer",
		Metadata: map[string]any{
			"consent_timestamp": payload.Timestamp,
			"phone":             payload.FromNumber,
			"message_id":        payload.MessageID,
			"exact_response":    payload.Content,
			"consent_type":      "provider_contact",
			"platform":          "whatsapp",
			"message_type":      payload.MessageType,
		},
	}

	if *decision {
		record.Response = "accepted"
		if err := s.customers.SetConsent(ctx, customerID, true); err != nil {
			s.logger.Error("consent mirror failed", "phone", phone, "error", err)
		}
		if err := s.customers.RecordConsent(ctx, record); err != nil {
			s.logger.Error("consent record failed", "phone", phone, "error", err)
		}
		s.logger.Info("consent accepted", "phone", phone)
		return whatsapp.Text(initialPrompt), true
	}

	record.Response = "declined"
	if err := s.customers.RecordConsent(ctx, record); err != nil {
		s.logger.Error("consent rejection record failed", "phone", phone, "error", err)
	}
	s.logger.Info("consent declined", "phone", phone)
	return whatsapp.Text(msgRejected), false
}

// interpret resolves the user's answer: button label, numeric option or a
// yes/no phrase. nil means uninterpretable.
func interpret(payload Payload) *bool {
	yes, no := true, false

	selected := strings.TrimSpace(payload.SelectedOption)
	switch {
	case selected == "1" || strings.EqualFold(selected, Buttons[0]):
		return &yes
	case selected == "2" || strings.EqualFold(selected, Buttons[1]):
		return &no
	}

	content := strings.TrimSpace(payload.Content)
	switch content {
	case "1":
		return &yes
	case "2":
		return &no
	}
	if strings.EqualFold(content, Buttons[0]) {
		return &yes
	}
	if strings.EqualFold(content, Buttons[1]) {
		return &no
	}
	return textnorm.InterpretYesNo(content)
}
