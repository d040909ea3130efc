package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atelierai/backend/internal/ledger"
	"github.com/atelierai/backend/internal/models"
	"github.com/atelierai/backend/internal/provider"
)

// ---------------------------------------------------------------------------
// In-memory Store. Same shape as the ledger tests: tx ignored, guarded
// transitions enforced under a mutex.
// ---------------------------------------------------------------------------

type memStore struct {
	mu    sync.Mutex
	units map[uuid.UUID]*models.Generation
}

func newMemStore() *memStore {
	return &memStore{units: make(map[uuid.UUID]*models.Generation)}
}

func (m *memStore) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error { return fn(nil) }

func (m *memStore) Insert(_ context.Context, _ pgx.Tx, g *models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.units[g.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.units[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) GetByHandle(_ context.Context, handle string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.units {
		if g.JobHandle != nil && *g.JobHandle == handle {
			cp := *g
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memStore) ListByCorrelation(_ context.Context, correlationID uuid.UUID) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, g := range m.units {
		if g.CorrelationID == correlationID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListByUser(_ context.Context, userID uuid.UUID, _ int) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Generation
	for _, g := range m.units {
		if g.UserID == userID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SetStatus(_ context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.units[id]
	if !ok {
		return false, pgx.ErrNoRows
	}
	for _, f := range from {
		if g.Status == f {
			g.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) SetReservation(_ context.Context, id, reservationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	resID := reservationID
	m.units[id].ReservationID = &resID
	return nil
}

func (m *memStore) MarkDispatched(_ context.Context, _ pgx.Tx, id uuid.UUID, handle *string, deadline *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.units[id]
	if !ok || g.Status != models.GenerationReserving {
		return false, nil
	}
	g.Status = models.GenerationDispatched
	g.JobHandle = handle
	g.Deadline = deadline
	return true, nil
}

func (m *memStore) MarkCompleted(_ context.Context, id uuid.UUID, result json.RawMessage, credits float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.units[id]
	if !ok || g.Terminal() {
		return false, nil
	}
	g.Status = models.GenerationCompleted
	g.Result = result
	g.Credits = &credits
	now := time.Now()
	g.CompletedAt = &now
	return true, nil
}

func (m *memStore) MarkFailed(_ context.Context, id uuid.UUID, reason string, result json.RawMessage, credits *float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.units[id]
	if !ok || g.Terminal() {
		return false, nil
	}
	g.Status = models.GenerationFailed
	g.FailureReason = reason
	g.Result = result
	g.Credits = credits
	now := time.Now()
	g.CompletedAt = &now
	return true, nil
}

func (m *memStore) setDeadline(id uuid.UUID, d time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[id].Deadline = &d
}

// ---------------------------------------------------------------------------
// Fake ledger: enough of ledger.Service to count money movements.
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu           sync.Mutex
	balance      float64
	reservations map[uuid.UUID]*models.Reservation
	settles      int
	refunds      int
	lastCharged  float64
	beforeRefund func() // runs once before the next refund takes effect
}

func newFakeLedger(balance float64) *fakeLedger {
	return &fakeLedger{balance: balance, reservations: make(map[uuid.UUID]*models.Reservation)}
}

func (f *fakeLedger) Reserve(_ context.Context, generationID uuid.UUID, src ledger.Source, amount float64) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance < amount {
		return uuid.Nil, ledger.ErrInsufficientCredits
	}
	f.balance -= amount
	id := uuid.New()
	f.reservations[id] = &models.Reservation{
		ID: id, GenerationID: generationID, SourceType: src.Type,
		UserID: src.UserID, WorkspaceID: src.WorkspaceID,
		Amount: amount, Status: models.ReservationHeld,
	}
	return id, nil
}

func (f *fakeLedger) Settle(_ context.Context, reservationID uuid.UUID, actual float64) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.reservations[reservationID]
	if !ok || res.Status != models.ReservationHeld {
		return 0, 0, ledger.ErrReservationClosed
	}
	charged := actual
	if charged > res.Amount {
		charged = res.Amount
	}
	f.balance += res.Amount - charged
	res.Status = models.ReservationSettled
	f.settles++
	f.lastCharged = charged
	return charged, f.balance, nil
}

func (f *fakeLedger) Refund(_ context.Context, reservationID uuid.UUID) error {
	if hook := f.takeBeforeRefund(); hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.reservations[reservationID]
	if !ok || res.Status != models.ReservationHeld {
		return ledger.ErrReservationClosed
	}
	f.balance += res.Amount
	res.Status = models.ReservationRefunded
	f.refunds++
	return nil
}

func (f *fakeLedger) takeBeforeRefund() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	hook := f.beforeRefund
	f.beforeRefund = nil
	return hook
}

func (f *fakeLedger) Reservation(_ context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.reservations[reservationID]
	if !ok {
		return nil, errors.New("reservation not found")
	}
	cp := *res
	return &cp, nil
}

func (f *fakeLedger) Balance(_ context.Context, _ ledger.Source) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeLedger) ListByUser(context.Context, uuid.UUID, int) ([]*models.LedgerEntry, error) {
	return nil, nil
}

func (f *fakeLedger) ListByWorkspace(context.Context, uuid.UUID, int) ([]*models.LedgerEntry, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// Fake catalog, settings, resolver, adapters.
// ---------------------------------------------------------------------------

type fakeCatalog struct{ byID map[string]*models.Model }

func (f *fakeCatalog) Model(id string) (*models.Model, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown model %s", id)
	}
	return m, nil
}

func (f *fakeCatalog) ValidateInput(string, []byte) error { return nil }

type fakeSettings struct{ s models.PricingSettings }

func (f *fakeSettings) Current(context.Context) (models.PricingSettings, error) { return f.s, nil }

// flakySettings serves failAfter reads, then errors. Models a settings store
// that goes down between reservation and settlement.
type flakySettings struct {
	mu        sync.Mutex
	s         models.PricingSettings
	failAfter int
	calls     int
}

func (f *flakySettings) Current(context.Context) (models.PricingSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls > f.failAfter {
		return models.PricingSettings{}, errors.New("settings store down")
	}
	return f.s, nil
}

type fakeResolver struct{ src ledger.Source }

func (f *fakeResolver) ResolveSource(context.Context, uuid.UUID, uuid.UUID) (ledger.Source, error) {
	return f.src, nil
}

type fakeSync struct {
	mu     sync.Mutex
	calls  int
	err    error
	failOn map[string]error // per-model failures for fan-out tests
}

func (f *fakeSync) Name() string { return "fake" }

func (f *fakeSync) Generate(_ context.Context, req *provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err, ok := f.failOn[req.Model.ID]; ok {
		return nil, err
	}
	return &provider.Result{URLs: []string{"https://cdn.example/" + req.UnitID.String() + ".png"}}, nil
}

type fakeAsync struct {
	mu        sync.Mutex
	submitErr error
	handles   int
	statuses  map[string][]*provider.JobStatus // consumed in order
}

func (f *fakeAsync) Name() string { return "fake" }

func (f *fakeAsync) Submit(context.Context, *provider.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.handles++
	return fmt.Sprintf("job-%d", f.handles), nil
}

func (f *fakeAsync) Status(_ context.Context, handle string) (*provider.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.statuses[handle]
	if len(queue) == 0 {
		return &provider.JobStatus{State: provider.JobRunning}, nil
	}
	st := queue[0]
	if len(queue) > 1 {
		f.statuses[handle] = queue[1:]
	}
	return st, nil
}

type scriptedStream struct {
	events []*provider.StreamEvent
	err    error
	onErr  func() // runs before the error is returned, e.g. to cancel ctx
	i      int
}

func (s *scriptedStream) Recv() (*provider.StreamEvent, error) {
	if s.i < len(s.events) {
		ev := s.events[s.i]
		s.i++
		return ev, nil
	}
	if s.onErr != nil {
		s.onErr()
	}
	if s.err == nil {
		s.err = errors.New("stream exhausted")
	}
	return nil, s.err
}

func (s *scriptedStream) Close() error { return nil }

type fakeStream struct{ stream *scriptedStream }

func (f *fakeStream) Name() string { return "fake" }

func (f *fakeStream) Open(context.Context, *provider.Request) (provider.Stream, error) {
	return f.stream, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	svc      *Service
	store    *memStore
	ledger   *fakeLedger
	registry *provider.Registry
	polls    []PollVideoArgs
	src      ledger.Source
}

func imageModel(id string) *models.Model {
	return &models.Model{ID: id, Type: models.ModelTypeImage, Provider: "fake", BaseCost: 0.003, Enabled: true}
}

func videoModel(id string) *models.Model {
	return &models.Model{ID: id, Type: models.ModelTypeVideo, Provider: "fake", BaseCost: 0.05, Enabled: true}
}

func chatModel(id string) *models.Model {
	return &models.Model{ID: id, Type: models.ModelTypeChat, Provider: "fake", BaseCost: 0.002, MaxOutputTokens: 100, Enabled: true}
}

func newHarness(t *testing.T, balance float64, catalogModels ...*models.Model) *harness {
	t.Helper()
	byID := make(map[string]*models.Model)
	for _, m := range catalogModels {
		byID[m.ID] = m
	}
	h := &harness{
		store:    newMemStore(),
		ledger:   newFakeLedger(balance),
		registry: provider.NewRegistry(),
		src:      ledger.Source{Type: models.SourcePersonal, UserID: uuid.New()},
	}
	insertPoll := func(_ context.Context, _ pgx.Tx, args PollVideoArgs) error {
		h.polls = append(h.polls, args)
		return nil
	}
	// Credit price 0.01 USD, no margin: one image at base cost 0.003 costs
	// 0.3 credits.
	settings := &fakeSettings{s: models.PricingSettings{CreditPrice: 0.01}}
	h.svc = NewService(h.store, h.ledger, &fakeCatalog{byID: byID}, settings,
		h.registry, &fakeResolver{src: h.src}, insertPoll, time.Minute, slog.Default())
	return h
}

func (h *harness) startUnit(t *testing.T, m *models.Model) *models.Generation {
	t.Helper()
	g := &models.Generation{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		UserID:        h.src.UserID,
		WorkspaceID:   uuid.New(),
		ModelID:       m.ID,
		Type:          m.Type,
		Prompt:        "a red fox",
		Quantity:      1,
		Status:        models.GenerationPending,
		CreditSource:  h.src.Type,
		StartedAt:     time.Now(),
	}
	if err := h.store.Insert(context.Background(), nil, g); err != nil {
		t.Fatalf("insert unit: %v", err)
	}
	return g
}

func waitTerminal(t *testing.T, store *memStore, ids ...uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		done := true
		for _, id := range ids {
			g, err := store.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("get unit: %v", err)
			}
			if !g.Terminal() {
				done = false
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("units did not reach a terminal state")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func mustUnit(t *testing.T, store *memStore, id uuid.UUID) *models.Generation {
	t.Helper()
	g, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	return g
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFanOutIsolatesFailures(t *testing.T) {
	h := newHarness(t, 10, imageModel("img-a"), imageModel("img-b"), imageModel("img-c"))
	// Only the middle model fails.
	sync := &fakeSync{failOn: map[string]error{"img-b": provider.ErrRejected}}
	h.registry.RegisterSync(sync)

	units, err := h.svc.Start(context.Background(), &Request{
		UserID:      h.src.UserID,
		WorkspaceID: uuid.New(),
		ModelIDs:    []string{"img-a", "img-b", "img-c"},
		Prompt:      "a red fox",
		Quantity:    1,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("units = %d, want 3", len(units))
	}

	var ids []uuid.UUID
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	waitTerminal(t, h.store, ids...)

	a, b, c := mustUnit(t, h.store, units[0].ID), mustUnit(t, h.store, units[1].ID), mustUnit(t, h.store, units[2].ID)
	if a.Status != models.GenerationCompleted || c.Status != models.GenerationCompleted {
		t.Fatalf("siblings = %s/%s, want completed/completed", a.Status, c.Status)
	}
	if b.Status != models.GenerationFailed || b.FailureReason != models.ReasonProviderRejected {
		t.Fatalf("failed unit = %s/%s", b.Status, b.FailureReason)
	}
	if a.CorrelationID != b.CorrelationID || b.CorrelationID != c.CorrelationID {
		t.Fatal("units do not share a correlation id")
	}
	// Two settles at 0.3 each plus one refund: 10 - 0.6.
	if got, _ := h.ledger.Balance(context.Background(), h.src); !approx(got, 9.4) {
		t.Fatalf("balance = %v, want 9.4", got)
	}
	if h.ledger.refunds != 1 {
		t.Fatalf("refunds = %d, want 1", h.ledger.refunds)
	}
}

func TestFanOutLimit(t *testing.T) {
	h := newHarness(t, 10, imageModel("img-a"))
	_, err := h.svc.Start(context.Background(), &Request{
		UserID:   h.src.UserID,
		ModelIDs: []string{"a", "b", "c", "d", "e"},
		Prompt:   "x",
	})
	if !errors.Is(err, ErrTooManyModels) {
		t.Fatalf("err = %v, want ErrTooManyModels", err)
	}
}

func TestInsufficientCreditsSkipsProvider(t *testing.T) {
	h := newHarness(t, 0.1, imageModel("img-a"))
	sync := &fakeSync{}
	h.registry.RegisterSync(sync)

	unit := h.startUnit(t, imageModel("img-a"))
	h.svc.runSyncUnit(context.Background(), unit, imageModel("img-a"), h.src)

	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationFailed || g.FailureReason != models.ReasonInsufficientCredits {
		t.Fatalf("unit = %s/%s, want failed/insufficient_credits", g.Status, g.FailureReason)
	}
	if sync.calls != 0 {
		t.Fatalf("provider called %d times, want 0", sync.calls)
	}
	if got, _ := h.ledger.Balance(context.Background(), h.src); !approx(got, 0.1) {
		t.Fatalf("balance = %v, want untouched 0.1", got)
	}
}

func TestAsyncResolveIsIdempotent(t *testing.T) {
	h := newHarness(t, 10, videoModel("vid-a"))
	async := &fakeAsync{statuses: map[string][]*provider.JobStatus{}}
	h.registry.RegisterAsync(async)

	unit := h.startUnit(t, videoModel("vid-a"))
	h.svc.runAsyncUnit(context.Background(), unit, videoModel("vid-a"), h.src)

	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationDispatched || g.JobHandle == nil {
		t.Fatalf("unit = %s handle=%v, want dispatched with handle", g.Status, g.JobHandle)
	}
	if len(h.polls) != 1 {
		t.Fatalf("poll jobs = %d, want 1", len(h.polls))
	}

	done := &provider.JobStatus{State: provider.JobSucceeded, Result: &provider.Result{URLs: []string{"https://cdn.example/v.mp4"}}}
	// Webhook delivery, then a redundant poll observation of the same state.
	if err := h.svc.ResolveAsync(context.Background(), *g.JobHandle, done); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := h.svc.ResolveAsync(context.Background(), *g.JobHandle, done); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	g = mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationCompleted {
		t.Fatalf("unit = %s, want completed", g.Status)
	}
	if h.ledger.settles != 1 {
		t.Fatalf("settles = %d, want exactly 1", h.ledger.settles)
	}
	// Video price: 0.05 / 0.01 = 5 credits.
	if g.Credits == nil || !approx(*g.Credits, 5) {
		t.Fatalf("credits = %v, want 5", g.Credits)
	}
}

func TestUnknownHandleIgnored(t *testing.T) {
	h := newHarness(t, 10)
	err := h.svc.ResolveAsync(context.Background(), "job-unknown",
		&provider.JobStatus{State: provider.JobSucceeded, Result: &provider.Result{}})
	if err != nil {
		t.Fatalf("unknown handle should be ignored, got %v", err)
	}
}

func TestPollTimeoutRefunds(t *testing.T) {
	h := newHarness(t, 10, videoModel("vid-a"))
	async := &fakeAsync{statuses: map[string][]*provider.JobStatus{}}
	h.registry.RegisterAsync(async)

	unit := h.startUnit(t, videoModel("vid-a"))
	h.svc.runAsyncUnit(context.Background(), unit, videoModel("vid-a"), h.src)
	h.store.setDeadline(unit.ID, time.Now().Add(-time.Second))

	done, err := h.svc.PollUnit(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("PollUnit: %v", err)
	}
	if !done {
		t.Fatal("expected poll to finish after deadline")
	}
	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationFailed || g.FailureReason != models.ReasonTimeout {
		t.Fatalf("unit = %s/%s, want failed/timeout", g.Status, g.FailureReason)
	}
	if h.ledger.refunds != 1 {
		t.Fatalf("refunds = %d, want 1", h.ledger.refunds)
	}
	if got, _ := h.ledger.Balance(context.Background(), h.src); !approx(got, 10) {
		t.Fatalf("balance = %v, want fully refunded 10", got)
	}

	// A late provider success after the timeout must not charge anything.
	if err := h.svc.ResolveAsync(context.Background(), *g.JobHandle,
		&provider.JobStatus{State: provider.JobSucceeded, Result: &provider.Result{}}); err != nil {
		t.Fatalf("late resolve: %v", err)
	}
	if h.ledger.settles != 0 {
		t.Fatalf("settles = %d, want 0", h.ledger.settles)
	}
}

func TestLateSuccessDuringTimeoutRefundDoesNotCharge(t *testing.T) {
	h := newHarness(t, 10, videoModel("vid-a"))
	async := &fakeAsync{statuses: map[string][]*provider.JobStatus{}}
	h.registry.RegisterAsync(async)

	unit := h.startUnit(t, videoModel("vid-a"))
	h.svc.runAsyncUnit(context.Background(), unit, videoModel("vid-a"), h.src)
	// A webhook's view of the unit loaded just before the timeout fires.
	stale := mustUnit(t, h.store, unit.ID)
	h.store.setDeadline(unit.ID, time.Now().Add(-time.Second))

	// The provider success lands in the window between the timeout marking
	// the unit failed and its refund reaching the ledger.
	h.ledger.beforeRefund = func() {
		if err := h.svc.resolveUnit(context.Background(), stale,
			&provider.JobStatus{State: provider.JobSucceeded, Result: &provider.Result{URLs: []string{"https://cdn.example/v.mp4"}}}); err != nil {
			t.Errorf("stale resolve: %v", err)
		}
	}

	done, err := h.svc.PollUnit(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("PollUnit: %v", err)
	}
	if !done {
		t.Fatal("expected poll to finish after deadline")
	}

	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationFailed || g.FailureReason != models.ReasonTimeout {
		t.Fatalf("unit = %s/%s, want failed/timeout to stand", g.Status, g.FailureReason)
	}
	if h.ledger.settles != 0 || h.ledger.refunds != 1 {
		t.Fatalf("settles=%d refunds=%d, want the refund to stand", h.ledger.settles, h.ledger.refunds)
	}
	if got, _ := h.ledger.Balance(context.Background(), h.src); !approx(got, 10) {
		t.Fatalf("balance = %v, want fully refunded 10", got)
	}
}

func TestPollProgressStates(t *testing.T) {
	h := newHarness(t, 10, videoModel("vid-a"))
	async := &fakeAsync{statuses: map[string][]*provider.JobStatus{}}
	h.registry.RegisterAsync(async)

	unit := h.startUnit(t, videoModel("vid-a"))
	h.svc.runAsyncUnit(context.Background(), unit, videoModel("vid-a"), h.src)
	g := mustUnit(t, h.store, unit.ID)
	async.statuses[*g.JobHandle] = []*provider.JobStatus{
		{State: provider.JobQueued},
		{State: provider.JobRunning},
		{State: provider.JobSucceeded, Result: &provider.Result{URLs: []string{"https://cdn.example/v.mp4"}}},
	}

	for _, want := range []string{models.GenerationQueued, models.GenerationRunning, models.GenerationCompleted} {
		if _, err := h.svc.PollUnit(context.Background(), unit.ID); err != nil {
			t.Fatalf("PollUnit: %v", err)
		}
		if got := mustUnit(t, h.store, unit.ID).Status; got != want {
			t.Fatalf("status = %s, want %s", got, want)
		}
	}
}

func TestStreamUnitSettlesReportedUsage(t *testing.T) {
	h := newHarness(t, 10, chatModel("chat-a"))
	stream := &scriptedStream{events: []*provider.StreamEvent{
		{Delta: "Hel"},
		{Delta: "lo!"},
		{Done: true, InputTokens: 3, OutputTokens: 2},
	}}
	h.registry.RegisterStream(&fakeStream{stream: stream})

	unit := h.startUnit(t, chatModel("chat-a"))
	var got string
	err := h.svc.StreamUnit(context.Background(), unit, func(_ uuid.UUID, ev *provider.StreamEvent) {
		got += ev.Delta
	})
	if err != nil {
		t.Fatalf("StreamUnit: %v", err)
	}
	if got != "Hello!" {
		t.Fatalf("streamed text = %q", got)
	}
	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationCompleted {
		t.Fatalf("unit = %s, want completed", g.Status)
	}
	// 5 tokens at 0.002/1K over 0.01 credit price.
	want := 0.002 * 5 / 1000 / 0.01
	if g.Credits == nil || !approx(*g.Credits, want) {
		t.Fatalf("credits = %v, want %v", g.Credits, want)
	}
	var res models.GenerationResult
	if err := json.Unmarshal(g.Result, &res); err != nil || res.Text != "Hello!" {
		t.Fatalf("result = %s (%v)", g.Result, err)
	}
}

func TestStreamCancelSettlesPartial(t *testing.T) {
	h := newHarness(t, 10, chatModel("chat-a"))
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		events: []*provider.StreamEvent{{Delta: "Once upon a "}, {Delta: "time"}},
		err:    errors.New("connection reset"),
		onErr:  cancel, // the client went away mid-stream
	}
	h.registry.RegisterStream(&fakeStream{stream: stream})

	unit := h.startUnit(t, chatModel("chat-a"))
	err := h.svc.StreamUnit(ctx, unit, func(uuid.UUID, *provider.StreamEvent) {})
	if !errors.Is(err, provider.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationFailed || g.FailureReason != models.ReasonCancelled {
		t.Fatalf("unit = %s/%s, want failed/cancelled", g.Status, g.FailureReason)
	}
	var res models.GenerationResult
	if err := json.Unmarshal(g.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.Partial || res.Text != "Once upon a time" {
		t.Fatalf("result = %+v, want partial accumulated text", res)
	}
	if h.ledger.settles != 1 || h.ledger.refunds != 0 {
		t.Fatalf("settles=%d refunds=%d, want one partial settle", h.ledger.settles, h.ledger.refunds)
	}
	if g.Credits == nil || *g.Credits <= 0 {
		t.Fatalf("credits = %v, want a positive partial charge", g.Credits)
	}
	// The partial charge must be below the pessimistic estimate.
	res2, _ := h.ledger.Reservation(context.Background(), *mustUnit(t, h.store, unit.ID).ReservationID)
	if *g.Credits >= res2.Amount {
		t.Fatalf("partial charge %v not below reservation %v", *g.Credits, res2.Amount)
	}
}

func TestStreamCancelRefundsWhenPricingUnavailable(t *testing.T) {
	h := newHarness(t, 10, chatModel("chat-a"))
	// The reserve-time settings read succeeds; every later read fails, so the
	// partial usage cannot be priced at cancellation.
	h.svc.settings = &flakySettings{s: models.PricingSettings{CreditPrice: 0.01}, failAfter: 1}
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		events: []*provider.StreamEvent{{Delta: "Once upon a "}},
		err:    errors.New("connection reset"),
		onErr:  cancel,
	}
	h.registry.RegisterStream(&fakeStream{stream: stream})

	unit := h.startUnit(t, chatModel("chat-a"))
	err := h.svc.StreamUnit(ctx, unit, func(uuid.UUID, *provider.StreamEvent) {})
	if !errors.Is(err, provider.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationFailed || g.FailureReason != models.ReasonCancelled {
		t.Fatalf("unit = %s/%s, want failed/cancelled", g.Status, g.FailureReason)
	}
	// Unpriceable partial usage releases the hold instead of leaving it open.
	if h.ledger.settles != 0 || h.ledger.refunds != 1 {
		t.Fatalf("settles=%d refunds=%d, want the hold refunded", h.ledger.settles, h.ledger.refunds)
	}
	if got, _ := h.ledger.Balance(context.Background(), h.src); !approx(got, 10) {
		t.Fatalf("balance = %v, want fully restored 10", got)
	}
	res, err := h.ledger.Reservation(context.Background(), *g.ReservationID)
	if err != nil {
		t.Fatalf("reservation: %v", err)
	}
	if res.Status != models.ReservationRefunded {
		t.Fatalf("reservation = %s, want REFUNDED", res.Status)
	}
}

func TestStreamProviderErrorRefunds(t *testing.T) {
	h := newHarness(t, 10, chatModel("chat-a"))
	stream := &scriptedStream{
		events: []*provider.StreamEvent{{Delta: "He"}},
		err:    fmt.Errorf("%w: stream closed early", provider.ErrUnavailable),
	}
	h.registry.RegisterStream(&fakeStream{stream: stream})

	unit := h.startUnit(t, chatModel("chat-a"))
	err := h.svc.StreamUnit(context.Background(), unit, func(uuid.UUID, *provider.StreamEvent) {})
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationFailed || g.FailureReason != models.ReasonProviderUnavailable {
		t.Fatalf("unit = %s/%s, want failed/provider_unavailable", g.Status, g.FailureReason)
	}
	if h.ledger.refunds != 1 || h.ledger.settles != 0 {
		t.Fatalf("settles=%d refunds=%d, want one refund", h.ledger.settles, h.ledger.refunds)
	}
	if got, _ := h.ledger.Balance(context.Background(), h.src); !approx(got, 10) {
		t.Fatalf("balance = %v, want fully refunded 10", got)
	}
}

func TestSubmitFailureRefundsBeforeDispatch(t *testing.T) {
	h := newHarness(t, 10, videoModel("vid-a"))
	async := &fakeAsync{submitErr: fmt.Errorf("%w: status 503", provider.ErrUnavailable)}
	h.registry.RegisterAsync(async)

	unit := h.startUnit(t, videoModel("vid-a"))
	h.svc.runAsyncUnit(context.Background(), unit, videoModel("vid-a"), h.src)

	g := mustUnit(t, h.store, unit.ID)
	if g.Status != models.GenerationFailed || g.FailureReason != models.ReasonProviderUnavailable {
		t.Fatalf("unit = %s/%s, want failed/provider_unavailable", g.Status, g.FailureReason)
	}
	if got, _ := h.ledger.Balance(context.Background(), h.src); !approx(got, 10) {
		t.Fatalf("balance = %v, want fully refunded 10", got)
	}
	if len(h.polls) != 0 {
		t.Fatalf("poll jobs = %d, want 0", len(h.polls))
	}
}
