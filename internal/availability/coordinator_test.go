package availability

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/pkg/logging"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *flowstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := flowstore.New(client, logging.Default())

	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		logger:    logging.Default(),
		publishCh: make(chan publishJob, publishQueueSize),
	}
	return c, store
}

func sampleProviders() []flowstore.Provider {
	return []flowstore.Provider{
		{ID: "p1", Phone: "+593 911 111", Name: "Juan"},
		{ID: "p2", Phone: "+593922222", Name: "Ana"},
		{ID: "p3", Phone: "593933333@c.us", Name: "Luis"},
		{ID: "p4", Phone: "+593944444", Name: "Mara"},
		{ID: "p5", Phone: "+593955555", Name: "Pepe"},
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct{ in, want string }{
		{"+593 999 111 222", "593999111222"},
		{"593999111222@c.us", "593999111222"},
		{"  +593999111222  ", "593999111222"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizePhone(tt.in); got != tt.want {
			t.Fatalf("normalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeCandidatesDedupes(t *testing.T) {
	providers := []flowstore.Provider{
		{ID: "p1", Phone: "+593911", Name: "Juan"},
		{ID: "p1", Phone: "+593912", Name: "Juan dup id"},
		{ID: "p9", Phone: "593 911", Name: "dup phone"},
		{Name: "neither id nor phone"},
		{Phone: "+593933", Name: "phone only"},
	}
	candidates := normalizeCandidates(providers)
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(candidates), candidates)
	}
	if candidates[0].ID != "p1" || candidates[1].Phone != "+593933" {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
}

func TestFilterByResponseProperties(t *testing.T) {
	providers := sampleProviders()

	// Empty accepted list yields nothing.
	if got := FilterByResponse(providers, nil); len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}

	// Accepting every candidate returns the original set in order.
	var all []flowstore.ResponseRecord
	for _, p := range providers {
		all = append(all, flowstore.ResponseRecord{ProviderID: p.ID, Status: "accepted"})
	}
	got := FilterByResponse(providers, all)
	if len(got) != len(providers) {
		t.Fatalf("expected all providers, got %d", len(got))
	}
	for i := range got {
		if got[i].ID != providers[i].ID {
			t.Fatalf("order not preserved at %d: %+v", i, got)
		}
	}
}

func TestFilterByResponseMatchesByPhone(t *testing.T) {
	providers := sampleProviders()
	accepted := []flowstore.ResponseRecord{
		{ProviderPhone: "593933333@c.us", Status: "accepted"},
	}
	got := FilterByResponse(providers, accepted)
	if len(got) != 1 || got[0].ID != "p3" {
		t.Fatalf("expected p3 by phone match, got %+v", got)
	}
}

func writeState(t *testing.T, store *flowstore.Store, reqID string) {
	t.Helper()
	store.SetAvailability(context.Background(), &flowstore.AvailabilityState{
		ReqID:     reqID,
		Providers: normalizeCandidates(sampleProviders()),
	}, time.Minute)
}

func responseJSON(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestHandleResponseAppendsAccepted(t *testing.T) {
	c, store := newTestCoordinator(t, Config{})
	writeState(t, store, "req-1")

	c.handleResponse(responseJSON(t, map[string]any{
		"req_id": "req-1", "provider_id": "p1", "provider_phone": "+593911111", "estado": "disponible",
	}))

	state := store.GetAvailability(context.Background(), "req-1")
	if len(state.Accepted) != 1 || state.Accepted[0].Status != "disponible" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestHandleResponseIdempotent(t *testing.T) {
	c, store := newTestCoordinator(t, Config{})
	writeState(t, store, "req-1")

	msg := responseJSON(t, map[string]any{
		"req_id": "req-1", "provider_id": "p1", "provider_phone": "+593911111", "status": "yes",
	})
	for i := 0; i < 4; i++ {
		c.handleResponse(msg)
	}

	state := store.GetAvailability(context.Background(), "req-1")
	if len(state.Accepted) != 1 {
		t.Fatalf("expected single accepted record, got %d", len(state.Accepted))
	}
}

func TestHandleResponseAliasKeysAndDecline(t *testing.T) {
	c, store := newTestCoordinator(t, Config{})
	writeState(t, store, "req-1")

	c.handleResponse(responseJSON(t, map[string]any{
		"request_id": "req-1", "proveedor_id": "p2", "provider_number": "+593922", "status": "ocupado",
	}))

	state := store.GetAvailability(context.Background(), "req-1")
	if len(state.Declined) != 1 || state.Declined[0].ProviderID != "p2" {
		t.Fatalf("alias keys not honored: %+v", state)
	}
}

func TestHandleResponseDropsUnknownStatusAndReqID(t *testing.T) {
	c, store := newTestCoordinator(t, Config{})
	writeState(t, store, "req-1")

	c.handleResponse(responseJSON(t, map[string]any{
		"req_id": "req-1", "provider_id": "p1", "estado": "maybe later",
	}))
	c.handleResponse(responseJSON(t, map[string]any{
		"req_id": "req-unknown", "provider_id": "p1", "estado": "accepted",
	}))
	c.handleResponse([]byte("not json"))

	state := store.GetAvailability(context.Background(), "req-1")
	if len(state.Accepted) != 0 || len(state.Declined) != 0 {
		t.Fatalf("unexpected records: %+v", state)
	}
}

func TestGatherGraceWindow(t *testing.T) {
	// Scaled-down version of the partial-acceptance scenario: accepts at
	// 120ms and 180ms close the gather ~200ms after the first accept is
	// observed; a third accept at 600ms lands in the state but not in the
	// returned set.
	cfg := Config{
		Timeout:      2 * time.Second,
		AcceptGrace:  200 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		StateTTL:     time.Minute,
	}
	c, store := newTestCoordinator(t, cfg)
	writeState(t, store, "req-1")

	accept := func(id, phone string) []byte {
		return responseJSON(t, map[string]any{
			"req_id": "req-1", "provider_id": id, "provider_phone": phone, "estado": "accepted",
		})
	}
	go func() {
		time.Sleep(120 * time.Millisecond)
		c.handleResponse(accept("p1", "+593911111"))
		time.Sleep(60 * time.Millisecond)
		c.handleResponse(accept("p3", "+593933333"))
		time.Sleep(420 * time.Millisecond)
		c.handleResponse(accept("p2", "+593922222"))
	}()

	start := time.Now()
	state := c.gather(context.Background(), "req-1")
	elapsed := time.Since(start)

	if elapsed >= 600*time.Millisecond {
		t.Fatalf("gather did not close within the grace window, took %s", elapsed)
	}

	accepted := FilterByResponse(sampleProviders(), state.Accepted)
	if len(accepted) != 2 || accepted[0].ID != "p1" || accepted[1].ID != "p3" {
		t.Fatalf("expected [p1 p3] in original order, got %+v", accepted)
	}

	// The late reply still lands in the stored state.
	time.Sleep(500 * time.Millisecond)
	final := store.GetAvailability(context.Background(), "req-1")
	if len(final.Accepted) != 3 {
		t.Fatalf("late reply must be persisted, got %d accepted", len(final.Accepted))
	}
}

func TestGatherTimesOutWithoutAccepts(t *testing.T) {
	cfg := Config{
		Timeout:      300 * time.Millisecond,
		AcceptGrace:  100 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		StateTTL:     time.Minute,
	}
	c, store := newTestCoordinator(t, cfg)
	writeState(t, store, "req-1")

	start := time.Now()
	state := c.gather(context.Background(), "req-1")
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("gather returned before the timeout: %s", elapsed)
	}
	if state == nil || len(state.Accepted) != 0 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestRequestAndWaitDisabledBroker(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	result := c.RequestAndWait(context.Background(), Request{
		Phone:     "+593999",
		Service:   "plomero",
		City:      "Quito",
		Providers: sampleProviders(),
	})
	if result.ReqID != "" || len(result.Accepted) != 0 {
		t.Fatalf("disabled broker must return empty result, got %+v", result)
	}
}
