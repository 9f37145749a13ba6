package flowstore

// Conversation states. Every transition in the orchestrator writes one of
// these into Flow.State; the flow store itself treats them as opaque.
const (
	StateAwaitingConsent       = "awaiting_consent"
	StateAwaitingService       = "awaiting_service"
	StateAwaitingCity          = "awaiting_city"
	StateSearching             = "searching"
	StateAwaitingResponses     = "awaiting_responses"
	StatePresentingResults     = "presenting_results"
	StateViewingProviderDetail = "viewing_provider_detail"
	StateConfirmNewSearch      = "confirm_new_search"
	StateCompleted             = "completed"
)

// Provider is the projection of a search-backend provider record that the
// conversation engine needs. Unknown backend fields are dropped at decode
// time; the record is treated as opaque once validated.
type Provider struct {
	ID         string   `json:"id,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Name       string   `json:"name,omitempty"`
	City       string   `json:"city,omitempty"`
	Rating     float64  `json:"rating,omitempty"`
	Services   []string `json:"services,omitempty"`
	Profession string   `json:"profession,omitempty"`
	Experience int      `json:"experience_years,omitempty"`
	Verified   bool     `json:"verified,omitempty"`
}

// Flow is the per-phone conversation state record. It is created on first
// contact, rewritten on every turn, deleted by reset commands and replaced
// wholesale on idle reset. TTL expiry is handled by the store.
type Flow struct {
	State                    string     `json:"state,omitempty"`
	Service                  string     `json:"service,omitempty"`
	ServiceFull              string     `json:"service_full,omitempty"`
	City                     string     `json:"city,omitempty"`
	CityConfirmed            bool       `json:"city_confirmed,omitempty"`
	CityConfirmedAt          string     `json:"city_confirmed_at,omitempty"`
	Providers                []Provider `json:"providers,omitempty"`
	ChosenProvider           *Provider  `json:"chosen_provider,omitempty"`
	ProviderDetailIdx        *int       `json:"provider_detail_idx,omitempty"`
	SearchingDispatched      bool       `json:"searching_dispatched,omitempty"`
	MQTTReqID                string     `json:"mqtt_req_id,omitempty"`
	ExpandedTerms            []string   `json:"expanded_terms,omitempty"`
	ConfirmAttempts          int        `json:"confirm_attempts,omitempty"`
	ConfirmTitle             string     `json:"confirm_title,omitempty"`
	ConfirmIncludeCityOption bool       `json:"confirm_include_city_option,omitempty"`
	HasConsent               bool       `json:"has_consent,omitempty"`
	LastSeenAt               string     `json:"last_seen_at,omitempty"`
	LastSeenAtPrev           string     `json:"last_seen_at_prev,omitempty"`
	CustomerID               string     `json:"customer_id,omitempty"`
}

// IsZero reports whether the flow is the empty record returned for absent
// or unreadable keys.
func (f Flow) IsZero() bool {
	return f.State == "" && f.Service == "" && f.City == "" &&
		len(f.Providers) == 0 && f.LastSeenAt == "" && f.CustomerID == ""
}

// ClearSearch drops every search-related field, keeping identity and
// timestamps. Used when the user reroutes to a different service.
func (f *Flow) ClearSearch() {
	f.Providers = nil
	f.ChosenProvider = nil
	f.ProviderDetailIdx = nil
	f.City = ""
	f.CityConfirmed = false
	f.CityConfirmedAt = ""
	f.SearchingDispatched = false
	f.MQTTReqID = ""
	f.ExpandedTerms = nil
}

// SelectProvider sets chosen_provider and provider_detail_idx for a
// 0-based index into Providers. Callers must have validated the range;
// out-of-range indexes leave the flow untouched and return false.
func (f *Flow) SelectProvider(idx int) bool {
	if idx < 0 || idx >= len(f.Providers) {
		return false
	}
	p := f.Providers[idx]
	f.ChosenProvider = &p
	f.ProviderDetailIdx = &idx
	return true
}

// Candidate is the slim provider identity published in an availability
// request and echoed back by provider agents.
type Candidate struct {
	ID    string `json:"id,omitempty"`
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ResponseRecord is one accept/decline reply stored under an availability
// request. Uniqueness is enforced by (ProviderID, ProviderPhone).
type ResponseRecord struct {
	ProviderID    string `json:"provider_id,omitempty"`
	ProviderPhone string `json:"provider_phone,omitempty"`
	Status        string `json:"status"`
	ReceivedAt    string `json:"received_at"`
}

// AvailabilityState is the scatter/gather record for one availability
// request, keyed by availability:{req_id} with a short TTL.
type AvailabilityState struct {
	ReqID     string           `json:"req_id"`
	Phone     string           `json:"phone,omitempty"`
	Service   string           `json:"service,omitempty"`
	City      string           `json:"city,omitempty"`
	CreatedAt string           `json:"created_at,omitempty"`
	Providers []Candidate      `json:"providers"`
	Accepted  []ResponseRecord `json:"accepted"`
	Declined  []ResponseRecord `json:"declined"`
}

// AppendResponse adds a reply to the accepted or declined list, keeping
// appends idempotent by (provider_id, provider_phone). It returns true when
// the record was actually added.
func (s *AvailabilityState) AppendResponse(accepted bool, rec ResponseRecord) bool {
	target := &s.Declined
	if accepted {
		target = &s.Accepted
	}
	for _, existing := range *target {
		if existing.ProviderID == rec.ProviderID && existing.ProviderPhone == rec.ProviderPhone {
			return false
		}
	}
	*target = append(*target, rec)
	return true
}
