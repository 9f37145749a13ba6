package flowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinkubot/client-ai/pkg/logging"
)

const defaultFlowTTL = time.Hour

// Store persists ConversationFlow and AvailabilityState records in Redis
// with TTLs, falling back to a process-local map when Redis is unreachable.
// The fallback is per-process and unshared; the orchestrator tolerates the
// resulting per-node stickiness because every transition re-reads state.
//
// Errors never propagate to callers: reads degrade to empty records and
// writes are best-effort, both logged.
type Store struct {
	redis  *redis.Client
	logger *logging.Logger
	tracer trace.Tracer

	flowTTL time.Duration

	mu  sync.Mutex
	mem map[string]memEntry
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// Option configures the store.
type Option func(*Store)

// WithFlowTTL overrides the TTL applied to flow writes.
func WithFlowTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.flowTTL = ttl
		}
	}
}

// WithTracer overrides the OTel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// New creates a flow store. The Redis client may be nil, in which case the
// store runs entirely on the in-memory fallback (useful in tests and
// degraded deployments).
func New(client *redis.Client, logger *logging.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		redis:   client,
		logger:  logger,
		tracer:  otel.Tracer("tinkubot.internal.flowstore"),
		flowTTL: defaultFlowTTL,
		mem:     make(map[string]memEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func flowKey(phone string) string {
	return fmt.Sprintf("flow:%s", phone)
}

func availabilityKey(reqID string) string {
	return fmt.Sprintf("availability:%s", reqID)
}

// Get returns the flow for a phone, or the empty flow when absent or when
// the backing store cannot be read.
func (s *Store) Get(ctx context.Context, phone string) Flow {
	ctx, span := s.tracer.Start(ctx, "flowstore.get")
	defer span.End()

	var flow Flow
	data, ok := s.getRaw(ctx, flowKey(phone))
	if !ok {
		return flow
	}
	if err := json.Unmarshal(data, &flow); err != nil {
		span.RecordError(err)
		s.logger.Warn("flow decode failed, returning empty flow", "phone", phone, "error", err)
		return Flow{}
	}
	return flow
}

// Set writes the flow with the configured TTL.
func (s *Store) Set(ctx context.Context, phone string, flow Flow) {
	ctx, span := s.tracer.Start(ctx, "flowstore.set")
	defer span.End()

	data, err := json.Marshal(flow)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("flow encode failed", "phone", phone, "error", err)
		return
	}
	s.setRaw(ctx, flowKey(phone), data, s.flowTTL)
}

// Delete removes the flow for a phone.
func (s *Store) Delete(ctx context.Context, phone string) {
	ctx, span := s.tracer.Start(ctx, "flowstore.delete")
	defer span.End()
	s.deleteRaw(ctx, flowKey(phone))
}

// UpdateField reads the flow, applies the mutation and writes it back.
// The read-modify-write is best-effort; concurrent writers are resolved by
// last-writer-wins, which the short TTL makes tolerable.
func (s *Store) UpdateField(ctx context.Context, phone string, mutate func(*Flow)) Flow {
	flow := s.Get(ctx, phone)
	mutate(&flow)
	s.Set(ctx, phone, flow)
	return flow
}

// MGet returns flows for several phones in one round trip. Missing or
// undecodable entries are simply absent from the result.
func (s *Store) MGet(ctx context.Context, phones []string) map[string]Flow {
	result := make(map[string]Flow, len(phones))
	if len(phones) == 0 {
		return result
	}

	keys := make([]string, len(phones))
	for i, p := range phones {
		keys[i] = flowKey(p)
	}

	if s.redis != nil {
		values, err := s.redis.MGet(ctx, keys...).Result()
		if err == nil {
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var flow Flow
				if err := json.Unmarshal([]byte(raw), &flow); err == nil {
					result[phones[i]] = flow
				}
			}
			return result
		}
		s.logger.Warn("redis mget failed, using fallback", "error", err)
	}

	for i, key := range keys {
		if data, ok := s.memGet(key); ok {
			var flow Flow
			if err := json.Unmarshal(data, &flow); err == nil {
				result[phones[i]] = flow
			}
		}
	}
	return result
}

// Keys returns all keys matching the given prefix ("flow:" yields every
// active conversation). Used by the session stats endpoint.
func (s *Store) Keys(ctx context.Context, prefix string) []string {
	if s.redis != nil {
		var keys []string
		iter := s.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		err := iter.Err()
		if err == nil {
			return keys
		}
		s.logger.Warn("redis scan failed, using fallback", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var keys []string
	for key, entry := range s.mem {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(s.mem, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

// GetAvailability returns the scatter/gather record for a request id, or
// nil when absent.
func (s *Store) GetAvailability(ctx context.Context, reqID string) *AvailabilityState {
	ctx, span := s.tracer.Start(ctx, "flowstore.get_availability")
	defer span.End()

	data, ok := s.getRaw(ctx, availabilityKey(reqID))
	if !ok {
		return nil
	}
	var state AvailabilityState
	if err := json.Unmarshal(data, &state); err != nil {
		span.RecordError(err)
		s.logger.Warn("availability decode failed", "req_id", reqID, "error", err)
		return nil
	}
	return &state
}

// SetAvailability writes the scatter/gather record with the given TTL.
func (s *Store) SetAvailability(ctx context.Context, state *AvailabilityState, ttl time.Duration) {
	ctx, span := s.tracer.Start(ctx, "flowstore.set_availability")
	defer span.End()

	if state == nil || state.ReqID == "" {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("availability encode failed", "req_id", state.ReqID, "error", err)
		return
	}
	s.setRaw(ctx, availabilityKey(state.ReqID), data, ttl)
}

// Ping reports whether the Redis backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("flowstore: redis not configured")
	}
	return s.redis.Ping(ctx).Err()
}

func (s *Store) getRaw(ctx context.Context, key string) ([]byte, bool) {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			return data, true
		case err == redis.Nil:
			return nil, false
		default:
			s.logger.Warn("redis get failed, using fallback", "key", key, "error", err)
		}
	}
	return s.memGet(key)
}

func (s *Store) setRaw(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if s.redis != nil {
		err := s.redis.Set(ctx, key, data, ttl).Err()
		if err == nil {
			return
		}
		s.logger.Warn("redis set failed, using fallback", "key", key, "error", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.mem[key] = entry
}

func (s *Store) deleteRaw(ctx context.Context, key string) {
	if s.redis != nil {
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			s.logger.Warn("redis delete failed", "key", key, "error", err)
		}
	}
	// The fallback copy is always removed, mirroring the dual-delete the
	// degraded mode requires.
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()
}

func (s *Store) memGet(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.mem[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.mem, key)
		return nil, false
	}
	return entry.data, true
}
