package conversation

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tinkubot/client-ai/internal/consent"
	"github.com/tinkubot/client-ai/internal/customers"
	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/llm"
	"github.com/tinkubot/client-ai/internal/moderation"
	"github.com/tinkubot/client-ai/internal/needextract"
	"github.com/tinkubot/client-ai/internal/profilecache"
	"github.com/tinkubot/client-ai/internal/session"
	"github.com/tinkubot/client-ai/pkg/logging"
)

const testPhone = "+593999111222"

type fakeLauncher struct {
	mu       sync.Mutex
	launches []flowstore.Flow
}

func (f *fakeLauncher) Launch(_ string, flow flowstore.Flow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, flow)
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

type moderationStub struct {
	label string
}

func (s *moderationStub) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.label}},
		},
	}, nil
}

type fixture struct {
	orchestrator *Orchestrator
	flows        *flowstore.Store
	sessions     *session.Store
	launcher     *fakeLauncher
	redis        *redis.Client
	mr           *miniredis.Miniredis
}

// newFixture builds an orchestrator on miniredis. repo may be nil (no
// relational store; consent passes through) and moderatorChat may be nil
// (moderation fails open).
func newFixture(t *testing.T, repo *customers.Repository, moderatorChat llm.ChatClient) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logging.Default()

	flows := flowstore.New(client, logger)
	sessions := session.New(client, logger)
	profiles := profilecache.New(client, logger, 300*time.Second)
	caller := llm.NewCaller(moderatorChat, 2, time.Second, logger)

	launcher := &fakeLauncher{}
	orchestrator := New(Deps{
		Flows:     flows,
		Sessions:  sessions,
		Customers: repo,
		Profiles:  profiles,
		Consent:   consent.New(repo, logger),
		Moderator: moderation.New(client, caller, logger),
		Extractor: needextract.New(llm.NewCaller(nil, 1, time.Second, logger), false, logger),
		Launcher:  launcher,
		Logger:    logger,
	})
	return &fixture{
		orchestrator: orchestrator,
		flows:        flows,
		sessions:     sessions,
		launcher:     launcher,
		redis:        client,
		mr:           mr,
	}
}

func (f *fixture) inbound(t *testing.T, text string) (replyTexts []string, flow flowstore.Flow) {
	t.Helper()
	reply, err := f.orchestrator.HandleInbound(context.Background(), Inbound{
		FromNumber: testPhone,
		Content:    text,
		ID:         "m-" + text,
	})
	if err != nil {
		t.Fatalf("HandleInbound(%q): %v", text, err)
	}
	return reply.Texts(), f.flows.Get(context.Background(), testPhone)
}

func TestHappyPathDirectSearch(t *testing.T) {
	f := newFixture(t, nil, nil)

	texts, flow := f.inbound(t, "necesito un plomero en Quito")

	if flow.State != flowstore.StateSearching {
		t.Fatalf("expected searching, got %s", flow.State)
	}
	if flow.Service != "plomero" || flow.City != "Quito" || !flow.CityConfirmed {
		t.Fatalf("unexpected flow: %+v", flow)
	}
	if !flow.SearchingDispatched {
		t.Fatal("expected searching_dispatched guard")
	}
	if f.launcher.count() != 1 {
		t.Fatalf("expected one pipeline launch, got %d", f.launcher.count())
	}
	if len(texts) != 1 || texts[0] != MsgConfirming {
		t.Fatalf("unexpected reply: %v", texts)
	}
}

func TestGreetingPromptsForService(t *testing.T) {
	f := newFixture(t, nil, nil)

	texts, flow := f.inbound(t, "hola")
	if flow.State != flowstore.StateAwaitingService {
		t.Fatalf("expected awaiting_service, got %s", flow.State)
	}
	if len(texts) != 1 || texts[0] != MsgInitialPrompt {
		t.Fatalf("unexpected reply: %v", texts)
	}
}

func TestServiceThenCity(t *testing.T) {
	f := newFixture(t, nil, nil)

	texts, flow := f.inbound(t, "busco un electricista")
	if flow.State != flowstore.StateAwaitingCity || flow.Service != "electricista" {
		t.Fatalf("unexpected flow after service: %+v", flow)
	}
	if texts[0] != MsgAskCity {
		t.Fatalf("expected city prompt, got %v", texts)
	}

	_, flow = f.inbound(t, "cueca")
	if flow.State != flowstore.StateSearching || flow.City != "Cuenca" || !flow.CityConfirmed {
		t.Fatalf("city synonym not resolved: %+v", flow)
	}
}

func TestCitySynonymInSentence(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, flow := f.inbound(t, "plomero en cueca")
	if flow.State != flowstore.StateSearching {
		t.Fatalf("expected searching, got %+v", flow)
	}
	if flow.Service != "plomero" || flow.City != "Cuenca" || !flow.CityConfirmed {
		t.Fatalf("unexpected flow: %+v", flow)
	}
}

func TestInactivityReset(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-200 * time.Second).Format(time.RFC3339)
	f.flows.Set(ctx, testPhone, flowstore.Flow{
		State:          flowstore.StateAwaitingCity,
		Service:        "electricista",
		LastSeenAt:     stale,
		LastSeenAtPrev: stale,
	})

	texts, flow := f.inbound(t, "hola de nuevo")
	if flow.State != flowstore.StateAwaitingService || flow.Service != "" {
		t.Fatalf("expected fresh flow, got %+v", flow)
	}
	if len(texts) != 2 || texts[0] != MsgInactivityReset || texts[1] != MsgInitialPrompt {
		t.Fatalf("expected reset notice + prompt, got %v", texts)
	}
	if flow.LastSeenAt == "" || flow.LastSeenAtPrev == "" {
		t.Fatalf("timestamps must be reseeded: %+v", flow)
	}
}

func TestNoDoubleDispatchWhileSearching(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.flows.Set(ctx, testPhone, flowstore.Flow{
		State:               flowstore.StateSearching,
		Service:             "plomero",
		City:                "Quito",
		SearchingDispatched: true,
		LastSeenAt:          nowISO(),
		LastSeenAtPrev:      nowISO(),
	})

	texts, flow := f.inbound(t, "¿ya?")
	if flow.State != flowstore.StateSearching {
		t.Fatalf("state must stay searching, got %s", flow.State)
	}
	if f.launcher.count() != 0 {
		t.Fatalf("no pipeline launch expected, got %d", f.launcher.count())
	}
	if texts[0] != MsgStillSearching {
		t.Fatalf("expected still-searching notice, got %v", texts)
	}

	// Second concurrent-ish message: still exactly zero extra launches.
	f.inbound(t, "hola?")
	if f.launcher.count() != 0 {
		t.Fatalf("double dispatch: %d launches", f.launcher.count())
	}
}

func TestResetKeyword(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.flows.Set(ctx, testPhone, flowstore.Flow{
		State:          flowstore.StateAwaitingCity,
		Service:        "plomero",
		LastSeenAt:     nowISO(),
		LastSeenAtPrev: nowISO(),
	})

	texts, flow := f.inbound(t, "reiniciar")
	if texts[0] != MsgNewSession {
		t.Fatalf("expected new-session reply, got %v", texts)
	}
	if flow.State != flowstore.StateAwaitingService || flow.Service != "" {
		t.Fatalf("expected reseeded flow, got %+v", flow)
	}
}

func seedResults(f *fixture, t *testing.T) {
	t.Helper()
	f.flows.Set(context.Background(), testPhone, flowstore.Flow{
		State:         flowstore.StatePresentingResults,
		Service:       "plomero",
		City:          "Quito",
		CityConfirmed: true,
		Providers: []flowstore.Provider{
			{ID: "p1", Name: "Juan", Phone: "+593911", Rating: 4.8},
			{ID: "p2", Name: "Ana", Phone: "+593922"},
			{ID: "p3", Name: "Luis", Phone: "+593933"},
		},
		LastSeenAt:     nowISO(),
		LastSeenAtPrev: nowISO(),
	})
}

func TestProviderSelection(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedResults(f, t)

	texts, flow := f.inbound(t, "2")
	if flow.State != flowstore.StateViewingProviderDetail {
		t.Fatalf("expected detail view, got %s", flow.State)
	}
	if flow.ChosenProvider == nil || flow.ChosenProvider.ID != "p2" {
		t.Fatalf("unexpected chosen provider: %+v", flow.ChosenProvider)
	}
	if flow.ProviderDetailIdx == nil || *flow.ProviderDetailIdx != 1 {
		t.Fatalf("unexpected detail idx: %v", flow.ProviderDetailIdx)
	}
	if !strings.Contains(texts[0], "Ana") || !strings.Contains(texts[0], "Contactar") {
		t.Fatalf("expected detail block, got %v", texts)
	}
}

func TestProviderSelectionOutOfRange(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedResults(f, t)

	texts, flow := f.inbound(t, "9")
	if flow.State != flowstore.StatePresentingResults {
		t.Fatalf("state must not change on invalid selection, got %s", flow.State)
	}
	if !strings.Contains(texts[0], "entre 1 y 3") {
		t.Fatalf("expected range hint, got %v", texts)
	}
}

func TestDetailBackToList(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedResults(f, t)
	f.inbound(t, "1") // into detail

	texts, flow := f.inbound(t, "2")
	if flow.State != flowstore.StatePresentingResults {
		t.Fatalf("expected back to list, got %s", flow.State)
	}
	if flow.ChosenProvider != nil || flow.ProviderDetailIdx != nil {
		t.Fatalf("selection must be cleared: %+v", flow)
	}
	if !strings.Contains(strings.Join(texts, "\n"), "Juan") {
		t.Fatalf("expected provider list, got %v", texts)
	}
}

func TestDetailExitFarewell(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedResults(f, t)
	f.inbound(t, "1")

	texts, flow := f.inbound(t, "3")
	if texts[0] != MsgFarewell {
		t.Fatalf("expected farewell, got %v", texts)
	}
	if !flow.IsZero() {
		t.Fatalf("flow must be deleted, got %+v", flow)
	}
}

func TestContactTransitionsToConfirm(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedResults(f, t)
	f.inbound(t, "1")

	texts, flow := f.inbound(t, "1")
	if flow.State != flowstore.StateConfirmNewSearch {
		t.Fatalf("expected confirm_new_search after contact, got %s", flow.State)
	}
	joined := strings.Join(texts, "\n")
	if !strings.Contains(joined, "Te he conectado con Juan") {
		t.Fatalf("expected connection message, got %v", texts)
	}
	if !strings.Contains(joined, "Buscar otro servicio") {
		t.Fatalf("expected confirm menu, got %v", texts)
	}
}

func seedConfirm(f *fixture, t *testing.T, includeCity bool, attempts int) {
	t.Helper()
	f.flows.Set(context.Background(), testPhone, flowstore.Flow{
		State:                    flowstore.StateConfirmNewSearch,
		Service:                  "plomero",
		City:                     "Quito",
		CityConfirmed:            true,
		ConfirmAttempts:          attempts,
		ConfirmIncludeCityOption: includeCity,
		LastSeenAt:               nowISO(),
		LastSeenAtPrev:           nowISO(),
	})
}

func TestConfirmAffirmativeKeepsCity(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedConfirm(f, t, true, 0)

	texts, flow := f.inbound(t, "si")
	if flow.State != flowstore.StateAwaitingService {
		t.Fatalf("expected awaiting_service, got %s", flow.State)
	}
	if flow.City != "Quito" || !flow.CityConfirmed {
		t.Fatalf("city must be kept: %+v", flow)
	}
	if flow.Service != "" {
		t.Fatalf("service must be cleared: %+v", flow)
	}
	if texts[0] != MsgInitialPrompt {
		t.Fatalf("expected initial prompt, got %v", texts)
	}
}

func TestConfirmChangeCity(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedConfirm(f, t, true, 0)

	texts, flow := f.inbound(t, "2")
	if flow.State != flowstore.StateAwaitingCity {
		t.Fatalf("expected awaiting_city, got %s", flow.State)
	}
	if flow.City != "" || flow.CityConfirmed {
		t.Fatalf("city must be cleared: %+v", flow)
	}
	if texts[0] != MsgAskCity {
		t.Fatalf("expected city prompt, got %v", texts)
	}
}

func TestConfirmNegativeFarewell(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedConfirm(f, t, false, 0)

	texts, flow := f.inbound(t, "no")
	if texts[0] != MsgFarewell {
		t.Fatalf("expected farewell, got %v", texts)
	}
	if !flow.IsZero() {
		t.Fatalf("flow must be deleted, got %+v", flow)
	}
}

func TestConfirmOtherServiceTextRestarts(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedConfirm(f, t, false, 0)

	texts, flow := f.inbound(t, "otro servicio")
	if flow.State != flowstore.StateAwaitingService {
		t.Fatalf("expected restart, got %+v", flow)
	}
	if texts[0] != MsgInitialPrompt {
		t.Fatalf("expected initial prompt, got %v", texts)
	}
}

func TestConfirmUnrecognizedEscalation(t *testing.T) {
	f := newFixture(t, nil, nil)
	seedConfirm(f, t, false, 0)

	_, flow := f.inbound(t, "qué?")
	if flow.ConfirmAttempts != 1 || flow.State != flowstore.StateConfirmNewSearch {
		t.Fatalf("expected attempt 1, got %+v", flow)
	}

	_, flow = f.inbound(t, "cómo?")
	if flow.ConfirmAttempts != 2 {
		t.Fatalf("expected attempt 2, got %+v", flow)
	}

	texts, flow := f.inbound(t, "hmm")
	if flow.State != flowstore.StateAwaitingService {
		t.Fatalf("expected reset after max attempts, got %+v", flow)
	}
	if texts[0] != MsgInitialPrompt {
		t.Fatalf("expected initial prompt after reset, got %v", texts)
	}
}

func TestAwaitingResponsesPresentsAccepted(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	providers := []flowstore.Provider{
		{ID: "p1", Name: "Juan", Phone: "+593911"},
		{ID: "p2", Name: "Ana", Phone: "+593922"},
	}
	f.flows.Set(ctx, testPhone, flowstore.Flow{
		State:               flowstore.StateAwaitingResponses,
		Service:             "plomero",
		City:                "Quito",
		Providers:           providers,
		MQTTReqID:           "req-42",
		SearchingDispatched: true,
		LastSeenAt:          nowISO(),
		LastSeenAtPrev:      nowISO(),
	})
	f.flows.SetAvailability(ctx, &flowstore.AvailabilityState{
		ReqID: "req-42",
		Accepted: []flowstore.ResponseRecord{
			{ProviderID: "p2", Status: "accepted"},
		},
	}, time.Minute)

	texts, flow := f.inbound(t, "¿ya?")
	if flow.State != flowstore.StatePresentingResults {
		t.Fatalf("expected presenting_results, got %s", flow.State)
	}
	if len(flow.Providers) != 1 || flow.Providers[0].ID != "p2" {
		t.Fatalf("expected accepted subset, got %+v", flow.Providers)
	}
	if flow.SearchingDispatched || flow.MQTTReqID != "" {
		t.Fatalf("search bookkeeping must be cleared: %+v", flow)
	}
	if !strings.Contains(strings.Join(texts, "\n"), "Ana") {
		t.Fatalf("expected provider list, got %v", texts)
	}
}

func TestModeratorBanFlow(t *testing.T) {
	f := newFixture(t, nil, &moderationStub{label: "illegal"})
	ctx := context.Background()

	f.flows.Set(ctx, testPhone, flowstore.Flow{
		State:          flowstore.StateAwaitingService,
		LastSeenAt:     nowISO(),
		LastSeenAtPrev: nowISO(),
	})
	// Two strikes already on record.
	f.redis.Set(ctx, "warnings:"+testPhone, "2", time.Hour)

	texts, flow := f.inbound(t, "algo claramente ilegal")
	if texts[0] != moderation.MsgBan {
		t.Fatalf("expected ban message, got %v", texts)
	}
	if flow.State != flowstore.StateAwaitingService {
		t.Fatalf("state must be unchanged, got %s", flow.State)
	}

	// Any message within the ban window is answered with the suspension
	// notice immediately.
	texts, _ = f.inbound(t, "necesito un plomero")
	if texts[0] != moderation.MsgBanned {
		t.Fatalf("expected suspension message, got %v", texts)
	}
}

func TestSessionLogRecordsTurns(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.inbound(t, "necesito un plomero en Quito")

	turns, err := f.sessions.History(context.Background(), testPhone, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) < 2 {
		t.Fatalf("expected user + bot turns, got %d", len(turns))
	}
	if turns[0].IsBot || turns[0].Message != "necesito un plomero en Quito" {
		t.Fatalf("first turn must be the user text, got %+v", turns[0])
	}
	last := turns[len(turns)-1]
	if !last.IsBot || last.Message != MsgConfirming {
		t.Fatalf("last turn must be the bot reply, got %+v", last)
	}
}

func newConsentFixture(t *testing.T) (*fixture, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := customers.New(db, logging.Default())
	return newFixture(t, repo, nil), mock, db
}

func expectCustomerLookup(mock sqlmock.Sqlmock, hasConsent bool) {
	mock.ExpectQuery(`SELECT id, phone_number`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "phone_number", "full_name", "city", "city_confirmed_at", "has_consent"},
		).AddRow("c1", testPhone, "Cliente TinkuBot", "", nil, hasConsent))
}

func TestConsentGateBlocksUntilAccepted(t *testing.T) {
	f, mock, _ := newConsentFixture(t)

	// First contact: no consent yet, any text gets the consent prompt and
	// no service lands on the flow.
	expectCustomerLookup(mock, false)
	texts, flow := f.inbound(t, "necesito un plomero en Quito")
	if len(texts) != 2 || !strings.Contains(texts[1], "Acepto") {
		t.Fatalf("expected consent prompt, got %v", texts)
	}
	if flow.Service != "" || flow.City != "" {
		t.Fatalf("consent gate leaked flow data: %+v", flow)
	}

	// Acceptance mirrors the profile and opens the conversation. The
	// cached profile from the first turn is reused, so no second lookup.
	mock.ExpectExec(`UPDATE customers SET has_consent`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO consents`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	texts, flow = f.inbound(t, "1")
	if texts[0] != MsgInitialPrompt {
		t.Fatalf("expected initial prompt after acceptance, got %v", texts)
	}
	if flow.State != flowstore.StateAwaitingService || !flow.HasConsent {
		t.Fatalf("expected consented awaiting_service flow, got %+v", flow)
	}
}
