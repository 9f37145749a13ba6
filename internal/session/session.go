package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinkubot/client-ai/pkg/logging"
)

const (
	// maxTurns caps the per-phone transcript; older turns are dropped on push.
	maxTurns   = 20
	sessionTTL = time.Hour
)

// Turn is one transcript entry, bot or user.
type Turn struct {
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	IsBot     bool              `json:"is_bot"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store keeps a capped, TTL-bound per-phone conversation transcript in
// Redis. Reads are only consumed as LLM context and by the sessions API;
// writes are best-effort.
type Store struct {
	redis  *redis.Client
	logger *logging.Logger
	tracer trace.Tracer
}

// New creates a session store.
func New(client *redis.Client, logger *logging.Logger) *Store {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		redis:  client,
		logger: logger,
		tracer: otel.Tracer("tinkubot.internal.session"),
	}
}

func sessionKey(phone string) string {
	return fmt.Sprintf("session:%s", phone)
}

// Save appends a turn to the transcript, trimming to the cap.
func (s *Store) Save(ctx context.Context, phone, message string, isBot bool, metadata map[string]string) error {
	ctx, span := s.tracer.Start(ctx, "session.save")
	defer span.End()

	if strings.TrimSpace(message) == "" {
		return nil
	}

	turn := Turn{
		Message:   message,
		Timestamp: time.Now().UTC(),
		IsBot:     isBot,
		Metadata:  metadata,
	}
	data, err := json.Marshal(turn)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to encode turn: %w", err)
	}

	key := sessionKey(phone)
	pipe := s.redis.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxTurns-1)
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to persist turn: %w", err)
	}
	return nil
}

// History returns up to limit turns in chronological order (oldest first).
func (s *Store) History(ctx context.Context, phone string, limit int) ([]Turn, error) {
	ctx, span := s.tracer.Start(ctx, "session.history")
	defer span.End()

	if limit <= 0 || limit > maxTurns {
		limit = maxTurns
	}

	raw, err := s.redis.LRange(ctx, sessionKey(phone), 0, int64(limit-1)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: failed to read history: %w", err)
	}

	// LPUSH stores newest-first; reverse into conversation order.
	turns := make([]Turn, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var turn Turn
		if err := json.Unmarshal([]byte(raw[i]), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Context renders recent history as prompt context for LLM calls.
func (s *Store) Context(ctx context.Context, phone string) string {
	turns, err := s.History(ctx, phone, maxTurns)
	if err != nil {
		s.logger.Warn("session context unavailable", "phone", phone, "error", err)
		return ""
	}
	var b strings.Builder
	for _, turn := range turns {
		if turn.IsBot {
			b.WriteString("Bot: ")
		} else {
			b.WriteString("Usuario: ")
		}
		b.WriteString(turn.Message)
		b.WriteString("\n")
	}
	return b.String()
}

// Delete removes the whole transcript for a phone.
func (s *Store) Delete(ctx context.Context, phone string) error {
	ctx, span := s.tracer.Start(ctx, "session.delete")
	defer span.End()

	if err := s.redis.Del(ctx, sessionKey(phone)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to delete: %w", err)
	}
	return nil
}

// Stats reports how many active transcripts exist.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	ctx, span := s.tracer.Start(ctx, "session.stats")
	defer span.End()

	count := 0
	iter := s.redis.Scan(ctx, 0, "session:*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: failed to scan sessions: %w", err)
	}
	return map[string]int{"active_sessions": count}, nil
}
