package whatsapp

import "github.com/tinkubot/client-ai/internal/flowstore"

// UIHint is an advisory rendering hint attached to a reply. Adapters are
// free to render or ignore it.
type UIHint struct {
	Type      string               `json:"type"` // "buttons" | "provider_results" | "silent"
	Buttons   []string             `json:"buttons,omitempty"`
	Providers []flowstore.Provider `json:"providers,omitempty"`
}

// Message is one user-visible reply with an optional UI hint.
type Message struct {
	Response string  `json:"response,omitempty"`
	UI       *UIHint `json:"ui,omitempty"`
}

// Reply is the payload returned to the adapter from the inbound handler:
// either a single response or an ordered list of messages.
type Reply struct {
	Response string    `json:"response,omitempty"`
	UI       *UIHint   `json:"ui,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// Text builds a single-message reply.
func Text(response string) *Reply {
	return &Reply{Response: response}
}

// Multi builds a multi-message reply.
func Multi(messages ...Message) *Reply {
	return &Reply{Messages: messages}
}

// Buttons builds a reply with button hints.
func Buttons(response string, labels []string) *Reply {
	return &Reply{Response: response, UI: &UIHint{Type: "buttons", Buttons: labels}}
}

// Silent builds a reply that instructs the adapter to send nothing; used
// when the actual messages were already pushed out-of-band.
func Silent() *Reply {
	return &Reply{UI: &UIHint{Type: "silent"}}
}

// ProviderResults attaches the provider list hint to a selection prompt.
func ProviderResults(response string, providers []flowstore.Provider) Message {
	capped := providers
	if len(capped) > 5 {
		capped = capped[:5]
	}
	return Message{
		Response: response,
		UI:       &UIHint{Type: "provider_results", Providers: capped},
	}
}

// Texts lists every user-visible text in the reply, in emission order.
func (r *Reply) Texts() []string {
	if r == nil {
		return nil
	}
	var texts []string
	if r.Response != "" {
		texts = append(texts, r.Response)
	}
	for _, m := range r.Messages {
		if m.Response != "" {
			texts = append(texts, m.Response)
		}
	}
	return texts
}
