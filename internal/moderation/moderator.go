package moderation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinkubot/client-ai/internal/llm"
	"github.com/tinkubot/client-ai/pkg/logging"
)

const (
	maxWarnings = 2
	banDuration = 24 * time.Hour
	// warningTTL keeps stale strikes from following a user forever.
	warningTTL = 24 * time.Hour
)

// Messages shown to the user for each moderation outcome.
const (
	MsgNonsense = "🤔 No logré entender tu mensaje. Cuéntame en una palabra el servicio que necesitas (ejemplo: plomero, electricista)."
	MsgBan      = "🚫 Tu cuenta ha sido suspendida por 24 horas por uso indebido del servicio."
	MsgBanned   = "🚫 Tu cuenta está temporalmente suspendida."
)

// WarningMessage renders the strike warning with the running count.
func WarningMessage(count int) string {
	return fmt.Sprintf(
		"⚠️ Advertencia %d/%d: tu mensaje solicita algo que no podemos atender. Otra solicitud de ese tipo suspenderá tu cuenta.",
		count, maxWarnings+1,
	)
}

// Verdict is the outcome of validating one message.
type Verdict struct {
	OK      bool
	Warning string
	Ban     string
}

// Moderator gates free-text input through an LLM policy check and tracks
// per-phone warnings and bans in Redis. The check fails open: if the LLM is
// unavailable or unparseable the message is allowed through.
type Moderator struct {
	redis  *redis.Client
	llm    *llm.Caller
	logger *logging.Logger
}

// New creates a moderator.
func New(client *redis.Client, caller *llm.Caller, logger *logging.Logger) *Moderator {
	if client == nil {
		panic("moderation: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Moderator{redis: client, llm: caller, logger: logger}
}

func warningsKey(phone string) string { return fmt.Sprintf("warnings:%s", phone) }
func banKey(phone string) string      { return fmt.Sprintf("ban:%s", phone) }

// CheckBanned reports whether the phone is currently suspended.
func (m *Moderator) CheckBanned(ctx context.Context, phone string) bool {
	raw, err := m.redis.Get(ctx, banKey(phone)).Result()
	if err != nil {
		if err != redis.Nil {
			m.logger.Warn("ban check failed, allowing through", "phone", phone, "error", err)
		}
		return false
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return time.Now().Before(until)
}

// WarningCount returns the current strike count for a phone.
func (m *Moderator) WarningCount(ctx context.Context, phone string) int {
	raw, err := m.redis.Get(ctx, warningsKey(phone)).Result()
	if err != nil {
		return 0
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return count
}

// Validate classifies the text and applies the strike policy:
// valid passes, nonsense gets a friendly error without a strike, illegal
// increments warnings and bans on the third strike.
func (m *Moderator) Validate(ctx context.Context, text, phone string) Verdict {
	classification := m.classify(ctx, text)

	switch classification {
	case "nonsense":
		return Verdict{Warning: MsgNonsense}
	case "illegal":
		return m.recordStrike(ctx, phone)
	default:
		return Verdict{OK: true}
	}
}

func (m *Moderator) recordStrike(ctx context.Context, phone string) Verdict {
	count, err := m.redis.Incr(ctx, warningsKey(phone)).Result()
	if err != nil {
		m.logger.Warn("warning increment failed", "phone", phone, "error", err)
		return Verdict{Warning: WarningMessage(1)}
	}
	_ = m.redis.Expire(ctx, warningsKey(phone), warningTTL).Err()

	if count <= maxWarnings {
		m.logger.Info("moderation warning issued", "phone", phone, "count", count)
		return Verdict{Warning: WarningMessage(int(count))}
	}

	until := time.Now().Add(banDuration).UTC().Format(time.RFC3339)
	if err := m.redis.Set(ctx, banKey(phone), until, banDuration).Err(); err != nil {
		m.logger.Warn("ban write failed", "phone", phone, "error", err)
	}
	m.logger.Info("moderation ban issued", "phone", phone, "until", until)
	return Verdict{Ban: MsgBan}
}

// classify asks the LLM for one of valid/nonsense/illegal, failing open to
// valid on any error.
func (m *Moderator) classify(ctx context.Context, text string) string {
	if !m.llm.Available() {
		return "valid"
	}

	content, err := m.llm.Complete(ctx, llm.Request{
		System: `Eres un moderador de contenido de un marketplace de servicios profesionales. Clasifica el mensaje del usuario en exactamente una de estas categorías:

- "valid": una solicitud legítima de servicio, aunque esté mal escrita
- "nonsense": texto sin sentido o ininteligible
- "illegal": solicita actividades ilegales o dañinas

Sé conservador: en caso de duda, clasifica como "valid". Responde SOLO con la palabra de la categoría.`,
		User:        text,
		Temperature: 0,
		MaxTokens:   5,
	})
	if err != nil {
		m.logger.Warn("content classification failed open", "error", err)
		return "valid"
	}

	switch strings.ToLower(strings.Trim(content, `"'.`)) {
	case "nonsense":
		return "nonsense"
	case "illegal":
		return "illegal"
	case "valid":
		return "valid"
	default:
		m.logger.Warn("unexpected moderation label, failing open", "label", content)
		return "valid"
	}
}
