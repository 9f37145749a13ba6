package availability

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/pkg/logging"
)

const (
	listenerRetryBackoff = 3 * time.Second
	publishRetryBackoff  = 500 * time.Millisecond
	publishQueueSize     = 64
)

// Status vocabularies accepted from provider agents. Anything else is
// dropped without being stored.
var (
	acceptedLabels = map[string]bool{
		"accepted": true, "yes": true, "si": true, "1": true,
		"disponible": true, "available": true,
	}
	declinedLabels = map[string]bool{
		"declined": true, "no": true, "0": true,
		"not_available": true, "ocupado": true,
	}
)

// Config carries the broker and timing knobs of the coordinator.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	QoS            byte
	PublishTimeout time.Duration
	TopicRequest   string
	TopicResponse  string

	Timeout      time.Duration
	AcceptGrace  time.Duration
	StateTTL     time.Duration
	PollInterval time.Duration

	LogSamplingRate int
}

// Request is one availability probe over the provider pool.
type Request struct {
	Phone       string
	Service     string
	City        string
	NeedSummary string
	Providers   []flowstore.Provider

	// OnRequest, when set, is invoked with the request id right after the
	// state record is written, so callers can persist the correlation id
	// before the gather starts.
	OnRequest func(reqID string)
}

// Result is the outcome of a scatter/gather round.
type Result struct {
	Accepted []flowstore.Provider
	ReqID    string
	State    *flowstore.AvailabilityState
}

type publishJob struct {
	reqID    string
	payload  []byte
	deadline time.Time
}

// Coordinator scatters availability requests over MQTT and gathers
// accept/decline replies into the shared availability state, applying a
// first-accept grace window before closing the wait.
//
// Listener and publisher are singleton goroutines per process, started
// lazily on first use and stopped only at process exit. Caller cancellation
// does not cancel an in-flight request: late replies keep landing in the
// state record until its TTL, which is harmless and useful.
type Coordinator struct {
	cfg    Config
	store  *flowstore.Store
	logger *logging.Logger

	// newClient exists so tests can swap the broker transport.
	newClient func(opts *mqtt.ClientOptions) mqtt.Client

	listenerOnce  sync.Once
	publisherOnce sync.Once
	publishCh     chan publishJob

	pubMu     sync.Mutex
	publisher mqtt.Client
}

// New creates a coordinator.
func New(cfg Config, store *flowstore.Store, logger *logging.Logger) *Coordinator {
	if store == nil {
		panic("availability: flow store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout < 10*time.Second {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AcceptGrace <= 0 {
		cfg.AcceptGrace = 2 * time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		newClient: mqtt.NewClient,
		publishCh: make(chan publishJob, publishQueueSize),
	}
}

// Enabled reports whether a broker is configured. When disabled, probes
// resolve immediately with no accepted providers and searches degrade to
// search-only results.
func (c *Coordinator) Enabled() bool {
	return c.cfg.Host != "" && c.cfg.Port != 0
}

// RequestAndWait publishes an availability request for the candidate set
// and waits for replies, closing early a grace window after the first
// accept. The returned accepted list preserves the candidate order.
func (c *Coordinator) RequestAndWait(ctx context.Context, req Request) Result {
	if !c.Enabled() {
		c.logger.Warn("mqtt broker not configured; skipping live availability")
		return Result{}
	}
	c.StartListener()
	c.startPublisher()

	reqID := "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	candidates := normalizeCandidates(req.Providers)

	state := &flowstore.AvailabilityState{
		ReqID:     reqID,
		Phone:     req.Phone,
		Service:   req.Service,
		City:      req.City,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Providers: candidates,
		Accepted:  []flowstore.ResponseRecord{},
		Declined:  []flowstore.ResponseRecord{},
	}
	c.store.SetAvailability(ctx, state, c.cfg.StateTTL)
	if req.OnRequest != nil {
		req.OnRequest(reqID)
	}

	needText := req.NeedSummary
	if needText == "" {
		needText = req.Service
	}
	payload, err := json.Marshal(requestPayload{
		ReqID:       reqID,
		Servicio:    needText,
		Ciudad:      req.City,
		Candidatos:  candidates,
		WaitSeconds: int(c.cfg.Timeout.Seconds()),
	})
	if err != nil {
		c.logger.Error("availability request encode failed", "req_id", reqID, "error", err)
		return Result{ReqID: reqID, State: state}
	}
	c.enqueuePublish(publishJob{
		reqID:    reqID,
		payload:  payload,
		deadline: time.Now().Add(c.cfg.Timeout),
	})

	finalState := c.gather(ctx, reqID)
	if finalState == nil {
		finalState = state
	}
	return Result{
		Accepted: FilterByResponse(req.Providers, finalState.Accepted),
		ReqID:    reqID,
		State:    finalState,
	}
}

// gather polls the availability state until the timeout, shortening the
// deadline to the grace window once the first accept is observed.
func (c *Coordinator) gather(ctx context.Context, reqID string) *flowstore.AvailabilityState {
	deadline := time.Now().Add(c.cfg.Timeout)
	earlyDeadline := deadline

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		state := c.store.GetAvailability(ctx, reqID)
		if state != nil && len(state.Accepted) > 0 {
			if earlyDeadline.Equal(deadline) {
				grace := time.Now().Add(c.cfg.AcceptGrace)
				if grace.Before(deadline) {
					earlyDeadline = grace
				}
			}
			if !time.Now().Before(earlyDeadline) {
				break
			}
		}

		select {
		case <-ctx.Done():
			// The caller gave up; the request itself stays in flight and
			// late replies remain in the state record until TTL.
			return c.store.GetAvailability(context.Background(), reqID)
		case <-ticker.C:
		}
	}
	return c.store.GetAvailability(ctx, reqID)
}

// FilterByResponse maps accepted response records back onto the original
// provider set, by id or by normalized phone, preserving the original
// order. No accepted records means no providers.
func FilterByResponse(providers []flowstore.Provider, accepted []flowstore.ResponseRecord) []flowstore.Provider {
	if len(accepted) == 0 {
		return nil
	}

	acceptedIDs := make(map[string]bool, len(accepted))
	acceptedPhones := make(map[string]bool, len(accepted))
	for _, rec := range accepted {
		if rec.ProviderID != "" {
			acceptedIDs[rec.ProviderID] = true
		}
		if phone := normalizePhone(rec.ProviderPhone); phone != "" {
			acceptedPhones[phone] = true
		}
	}

	var filtered []flowstore.Provider
	for _, p := range providers {
		if p.ID != "" && acceptedIDs[p.ID] {
			filtered = append(filtered, p)
			continue
		}
		if phone := normalizePhone(p.Phone); phone != "" && acceptedPhones[phone] {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// normalizeCandidates dedupes the candidate set by id and by normalized
// phone, dropping entries that carry neither.
func normalizeCandidates(providers []flowstore.Provider) []flowstore.Candidate {
	seenIDs := make(map[string]bool)
	seenPhones := make(map[string]bool)

	candidates := make([]flowstore.Candidate, 0, len(providers))
	for _, p := range providers {
		phone := normalizePhone(p.Phone)
		if p.ID == "" && phone == "" {
			continue
		}
		if p.ID != "" && seenIDs[p.ID] {
			continue
		}
		if phone != "" && seenPhones[phone] {
			continue
		}
		if p.ID != "" {
			seenIDs[p.ID] = true
		}
		if phone != "" {
			seenPhones[phone] = true
		}
		candidates = append(candidates, flowstore.Candidate{
			ID:    p.ID,
			Phone: p.Phone,
			Name:  p.Name,
		})
	}
	return candidates
}

type requestPayload struct {
	ReqID       string                `json:"req_id"`
	Servicio    string                `json:"servicio"`
	Ciudad      string                `json:"ciudad"`
	Candidatos  []flowstore.Candidate `json:"candidatos"`
	WaitSeconds int                   `json:"tiempo_espera_segundos"`
}

// responsePayload accepts the field aliases provider agents actually send.
type responsePayload struct {
	ReqID     string `json:"req_id"`
	RequestID string `json:"request_id"`

	ProviderID  string `json:"provider_id"`
	ID          string `json:"id"`
	ProveedorID string `json:"proveedor_id"`

	ProviderPhone  string `json:"provider_phone"`
	Phone          string `json:"phone"`
	ProviderNumber string `json:"provider_number"`

	Estado string `json:"estado"`
	Status string `json:"status"`
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// handleResponse ingests one reply from the response topic. Unknown
// request ids and unrecognized statuses are dropped; appends are
// idempotent by (provider_id, provider_phone).
func (c *Coordinator) handleResponse(raw []byte) {
	var payload responsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn("invalid availability response payload", "error", err)
		return
	}

	reqID := coalesce(payload.ReqID, payload.RequestID)
	if reqID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state := c.store.GetAvailability(ctx, reqID)
	if state == nil {
		return
	}

	status := strings.ToLower(strings.TrimSpace(coalesce(payload.Estado, payload.Status)))
	accepted := acceptedLabels[status]
	if !accepted && !declinedLabels[status] {
		return
	}

	added := state.AppendResponse(accepted, flowstore.ResponseRecord{
		ProviderID:    coalesce(payload.ProviderID, payload.ID, payload.ProveedorID),
		ProviderPhone: coalesce(payload.ProviderPhone, payload.Phone, payload.ProviderNumber),
		Status:        status,
		ReceivedAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if added {
		c.store.SetAvailability(ctx, state, c.cfg.StateTTL)
	}
	if logging.Sampled(reqID, c.cfg.LogSamplingRate) {
		c.logger.Info("availability response recorded",
			"req_id", reqID,
			"status", status,
			"accepted_total", len(state.Accepted),
		)
	}
}
