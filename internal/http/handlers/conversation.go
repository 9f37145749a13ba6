package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tinkubot/client-ai/internal/conversation"
	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/observability/metrics"
	"github.com/tinkubot/client-ai/internal/session"
	"github.com/tinkubot/client-ai/pkg/logging"
)

// ConversationHandler serves the inbound message endpoints consumed by the
// WhatsApp adapter.
type ConversationHandler struct {
	orchestrator *conversation.Orchestrator
	legacy       *conversation.LegacyProcessor
	sessions     *session.Store
	flows        *flowstore.Store
	metrics      *metrics.ConversationMetrics
	logger       *logging.Logger
}

// NewConversationHandler wires the handler.
func NewConversationHandler(
	orchestrator *conversation.Orchestrator,
	legacy *conversation.LegacyProcessor,
	sessions *session.Store,
	flows *flowstore.Store,
	m *metrics.ConversationMetrics,
	logger *logging.Logger,
) *ConversationHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ConversationHandler{
		orchestrator: orchestrator,
		legacy:       legacy,
		sessions:     sessions,
		flows:        flows,
		metrics:      m,
		logger:       logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleWhatsAppMessage is POST /handle-whatsapp-message.
func (h *ConversationHandler) HandleWhatsAppMessage(w http.ResponseWriter, r *http.Request) {
	var in conversation.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.metrics.ObserveInbound("handle-whatsapp-message", "bad_request")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}
	if in.FromNumber == "" {
		h.metrics.ObserveInbound("handle-whatsapp-message", "bad_request")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from_number is required"})
		return
	}

	reply, err := h.orchestrator.HandleInbound(r.Context(), in)
	if err != nil {
		// Conversational errors never surface as failures; this is the
		// reply of last resort.
		h.logger.Error("inbound handling failed", "phone", in.FromNumber, "error", err)
		h.metrics.ObserveInbound("handle-whatsapp-message", "error")
		writeJSON(w, http.StatusOK, map[string]string{"response": "¿Podrías reformular tu mensaje?"})
		return
	}

	h.metrics.ObserveInbound("handle-whatsapp-message", "ok")
	if state := h.flows.Get(r.Context(), in.FromNumber).State; state != "" {
		h.metrics.ObserveTransition(state)
	}
	writeJSON(w, http.StatusOK, reply)
}

type processMessageRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context"`
}

// ProcessMessage is POST /process-message, the legacy extraction endpoint.
func (h *ConversationHandler) ProcessMessage(w http.ResponseWriter, r *http.Request) {
	var req processMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.metrics.ObserveInbound("process-message", "bad_request")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}

	phone := "unknown"
	if raw, ok := req.Context["phone"].(string); ok && raw != "" {
		phone = raw
	}

	result := h.legacy.Process(r.Context(), phone, req.Message)
	h.metrics.ObserveInbound("process-message", "ok")
	writeJSON(w, http.StatusOK, result)
}

type sessionCreateRequest struct {
	Phone     string `json:"phone"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CreateSession is POST /sessions.
func (h *ConversationHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}
	if req.Phone == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "phone and message are required"})
		return
	}

	meta := map[string]string{}
	if req.Timestamp != "" {
		meta["timestamp"] = req.Timestamp
	}
	if err := h.sessions.Save(r.Context(), req.Phone, req.Message, false, meta); err != nil {
		h.logger.Error("session save failed", "phone", req.Phone, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to save session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "phone": req.Phone})
}

// GetSessions is GET /sessions/{phone}.
func (h *ConversationHandler) GetSessions(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	turns, err := h.sessions.History(r.Context(), phone, limit)
	if err != nil {
		h.logger.Error("session read failed", "phone", phone, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read sessions"})
		return
	}

	entries := make([]map[string]any, 0, len(turns))
	for _, turn := range turns {
		ts := turn.Timestamp.Format(time.RFC3339)
		entry := map[string]any{
			"phone":      phone,
			"message":    turn.Message,
			"timestamp":  ts,
			"created_at": ts,
			"is_bot":     turn.IsBot,
		}
		// Metadata keys are spread into the entry, matching the legacy
		// session service contract.
		for k, v := range turn.Metadata {
			if _, reserved := entry[k]; !reserved {
				entry[k] = v
			}
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

// DeleteSessions is DELETE /sessions/{phone}.
func (h *ConversationHandler) DeleteSessions(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if err := h.sessions.Delete(r.Context(), phone); err != nil {
		h.logger.Error("session delete failed", "phone", phone, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to delete sessions"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "phone": phone})
}

// SessionStats is GET /sessions/stats.
func (h *ConversationHandler) SessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		h.logger.Error("session stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read stats"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health is GET /health; it reports 503 when the KV store is unreachable.
func (h *ConversationHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"redis":   "disconnected",
			"service": "ai-clientes",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"redis":   "connected",
		"service": "ai-clientes",
	})
}
