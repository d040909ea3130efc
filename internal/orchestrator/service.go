// Package orchestrator drives a generation request through its lifecycle:
// validate, reserve credits, dispatch to the provider adapter, and resolve to
// exactly one terminal state with exactly one settle or refund. A request
// fans out into one unit per selected model; units are isolated, so one
// model's failure never disturbs its siblings.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atelierai/backend/internal/ledger"
	"github.com/atelierai/backend/internal/models"
	"github.com/atelierai/backend/internal/pricing"
	"github.com/atelierai/backend/internal/provider"
)

// MaxFanOut bounds how many models one request may target.
const MaxFanOut = 4

const defaultAsyncMaxWait = 10 * time.Minute

// ErrTooManyModels is returned when a request selects more than MaxFanOut
// models.
var ErrTooManyModels = fmt.Errorf("a request may target at most %d models", MaxFanOut)

// Store is the persistence contract for generation units.
type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	Insert(ctx context.Context, tx pgx.Tx, g *models.Generation) error
	Get(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	GetByHandle(ctx context.Context, handle string) (*models.Generation, error)
	ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*models.Generation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error)
	SetStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	SetReservation(ctx context.Context, id, reservationID uuid.UUID) error
	MarkDispatched(ctx context.Context, tx pgx.Tx, id uuid.UUID, handle *string, deadline *time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, credits float64) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, result json.RawMessage, credits *float64) (bool, error)
}

// Catalog is the model catalog subset the orchestrator needs.
type Catalog interface {
	Model(id string) (*models.Model, error)
	ValidateInput(modelID string, payload []byte) error
}

// SettingsSource supplies the current pricing snapshot.
type SettingsSource interface {
	Current(ctx context.Context) (models.PricingSettings, error)
}

// SourceResolver maps a (workspace, user) pair to the credit source the
// request bills.
type SourceResolver interface {
	ResolveSource(ctx context.Context, workspaceID, userID uuid.UUID) (ledger.Source, error)
}

// InsertPollVideoTxFunc enqueues a poll job within the given transaction.
// Provided by main as a closure over river.Client.InsertTx.
type InsertPollVideoTxFunc func(ctx context.Context, tx pgx.Tx, args PollVideoArgs) error

// Request is one validated generation request before fan-out.
type Request struct {
	UserID      uuid.UUID
	WorkspaceID uuid.UUID
	ModelIDs    []string
	Prompt      string
	Options     map[string]string
	Quantity    int
}

// StreamSink receives chat deltas for one unit as they arrive.
type StreamSink func(unitID uuid.UUID, ev *provider.StreamEvent)

type Service struct {
	store        Store
	ledger       ledger.Service
	catalog      Catalog
	settings     SettingsSource
	registry     *provider.Registry
	resolver     SourceResolver
	insertPoll   InsertPollVideoTxFunc
	asyncMaxWait time.Duration
	log          *slog.Logger
}

func NewService(
	store Store,
	led ledger.Service,
	cat Catalog,
	settings SettingsSource,
	registry *provider.Registry,
	resolver SourceResolver,
	insertPoll InsertPollVideoTxFunc,
	asyncMaxWait time.Duration,
	log *slog.Logger,
) *Service {
	if asyncMaxWait <= 0 {
		asyncMaxWait = defaultAsyncMaxWait
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:        store,
		ledger:       led,
		catalog:      cat,
		settings:     settings,
		registry:     registry,
		resolver:     resolver,
		insertPoll:   insertPoll,
		asyncMaxWait: asyncMaxWait,
		log:          log,
	}
}

// Start validates the request, persists one unit per model under a shared
// correlation id, and dispatches image and video units in the background.
// Chat units are returned still pending; the caller runs them with
// StreamUnit so deltas flow to the client and disconnects cancel the stream.
// Validation failures reject the whole request before any unit exists or any
// credits move.
func (s *Service) Start(ctx context.Context, req *Request) ([]*models.Generation, error) {
	if len(req.ModelIDs) == 0 {
		return nil, fmt.Errorf("no models selected")
	}
	if len(req.ModelIDs) > MaxFanOut {
		return nil, ErrTooManyModels
	}
	selected := make([]*models.Model, 0, len(req.ModelIDs))
	for _, id := range req.ModelIDs {
		m, err := s.catalog.Model(id)
		if err != nil {
			return nil, err
		}
		payload, err := inputPayload(req)
		if err != nil {
			return nil, err
		}
		if err := s.catalog.ValidateInput(m.ID, payload); err != nil {
			return nil, err
		}
		if m.Type != models.ModelTypeChat {
			if _, err := pricing.OptionMultiplier(m, req.Options); err != nil {
				return nil, err
			}
		}
		selected = append(selected, m)
	}

	src, err := s.resolver.ResolveSource(ctx, req.WorkspaceID, req.UserID)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.New()
	optsJSON, err := json.Marshal(req.Options)
	if err != nil {
		return nil, err
	}
	units := make([]*models.Generation, len(selected))
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		for i, m := range selected {
			g := &models.Generation{
				ID:            uuid.New(),
				CorrelationID: correlationID,
				UserID:        req.UserID,
				WorkspaceID:   req.WorkspaceID,
				ModelID:       m.ID,
				Type:          m.Type,
				Prompt:        req.Prompt,
				Options:       optsJSON,
				Quantity:      req.Quantity,
				Status:        models.GenerationPending,
				CreditSource:  src.Type,
				StartedAt:     time.Now().UTC(),
			}
			if err := s.store.Insert(ctx, tx, g); err != nil {
				return err
			}
			units[i] = g
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, m := range selected {
		unit := units[i]
		switch m.Type {
		case models.ModelTypeImage:
			go s.runSyncUnit(context.WithoutCancel(ctx), unit, m, src)
		case models.ModelTypeVideo:
			go s.runAsyncUnit(context.WithoutCancel(ctx), unit, m, src)
		case models.ModelTypeChat:
			// dispatched by the caller via StreamUnit
		default:
			s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		}
	}
	return units, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*models.Generation, error) {
	return s.store.ListByCorrelation(ctx, correlationID)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// reserve estimates the unit's charge, places the credit hold, and moves the
// unit to reserving. On insufficient credits the unit fails terminally
// without any provider call.
func (s *Service) reserve(ctx context.Context, unit *models.Generation, m *models.Model, src ledger.Source, req *provider.Request) (float64, bool) {
	if ok, err := s.store.SetStatus(ctx, unit.ID, []string{models.GenerationPending}, models.GenerationReserving); err != nil || !ok {
		if err != nil {
			s.log.Error("unit transition to reserving failed", "unit_id", unit.ID, "error", err)
		}
		return 0, false
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		s.log.Error("pricing settings unavailable", "unit_id", unit.ID, "error", err)
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return 0, false
	}
	var estimate float64
	if m.Type == models.ModelTypeChat {
		estimate, err = pricing.EstimateChat(cfg, m, unit.Prompt)
	} else {
		estimate, err = pricing.Estimate(cfg, m, req.Options, req.Quantity)
	}
	if err != nil {
		s.log.Error("estimate failed", "unit_id", unit.ID, "model", m.ID, "error", err)
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return 0, false
	}
	resID, err := s.ledger.Reserve(ctx, unit.ID, src, estimate)
	if err != nil {
		reason := models.ReasonInternal
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			reason = models.ReasonInsufficientCredits
		} else {
			s.log.Error("reserve failed", "unit_id", unit.ID, "error", err)
		}
		s.failUnit(ctx, unit, reason, nil, nil)
		return 0, false
	}
	unit.ReservationID = &resID
	if err := s.store.SetReservation(ctx, unit.ID, resID); err != nil {
		s.log.Error("persist reservation id failed", "unit_id", unit.ID, "error", err)
	}
	return estimate, true
}

// runSyncUnit executes an image unit: the provider call completes within the
// request, so the estimate is also the settled amount.
func (s *Service) runSyncUnit(ctx context.Context, unit *models.Generation, m *models.Model, src ledger.Source) {
	req := s.providerRequest(unit, m)
	estimate, ok := s.reserve(ctx, unit, m, src, req)
	if !ok {
		return
	}
	adapter, err := s.registry.SyncFor(m)
	if err != nil {
		s.log.Error("no adapter", "unit_id", unit.ID, "model", m.ID, "error", err)
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return
	}
	if ok, err := s.store.SetStatus(ctx, unit.ID, []string{models.GenerationReserving}, models.GenerationDispatched); err != nil || !ok {
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return
	}
	res, err := adapter.Generate(ctx, req)
	if err != nil {
		s.failUnit(ctx, unit, provider.FailureReason(err), nil, nil)
		return
	}
	s.completeUnit(ctx, unit, &models.GenerationResult{URLs: res.URLs, Text: res.Text}, estimate)
}

// runAsyncUnit submits a video job, then hands resolution to the poll worker
// and the provider webhook, whichever reports first.
func (s *Service) runAsyncUnit(ctx context.Context, unit *models.Generation, m *models.Model, src ledger.Source) {
	req := s.providerRequest(unit, m)
	if _, ok := s.reserve(ctx, unit, m, src, req); !ok {
		return
	}
	adapter, err := s.registry.AsyncFor(m)
	if err != nil {
		s.log.Error("no adapter", "unit_id", unit.ID, "model", m.ID, "error", err)
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return
	}
	handle, err := adapter.Submit(ctx, req)
	if err != nil {
		s.failUnit(ctx, unit, provider.FailureReason(err), nil, nil)
		return
	}
	deadline := time.Now().UTC().Add(s.asyncMaxWait)
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		ok, err := s.store.MarkDispatched(ctx, tx, unit.ID, &handle, &deadline)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("unit %s not in reserving", unit.ID)
		}
		return s.insertPoll(ctx, tx, PollVideoArgs{UnitID: unit.ID, Handle: handle})
	})
	if err != nil {
		// The provider job keeps running but nothing tracks it anymore.
		s.log.Error("async dispatch bookkeeping failed, abandoning provider job",
			"unit_id", unit.ID, "handle", handle, "error", err)
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
	}
}

// StreamUnit runs a chat unit against the caller's context: deltas flow to
// sink as they arrive, and a client disconnect cancels the stream. A
// cancelled stream settles for the tokens already generated and ends failed
// with the cancelled reason, keeping the partial text.
func (s *Service) StreamUnit(ctx context.Context, unit *models.Generation, sink StreamSink) error {
	m, err := s.catalog.Model(unit.ModelID)
	if err != nil {
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return err
	}
	src := ledger.Source{Type: unit.CreditSource, UserID: unit.UserID}
	if src.Type != models.SourcePersonal {
		wsID := unit.WorkspaceID
		src.WorkspaceID = &wsID
	}
	req := s.providerRequest(unit, m)
	if _, ok := s.reserve(ctx, unit, m, src, req); !ok {
		return nil
	}
	adapter, err := s.registry.StreamFor(m)
	if err != nil {
		s.log.Error("no adapter", "unit_id", unit.ID, "model", m.ID, "error", err)
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return err
	}
	if ok, err := s.store.SetStatus(ctx, unit.ID, []string{models.GenerationReserving}, models.GenerationDispatched); err != nil || !ok {
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return err
	}
	stream, err := adapter.Open(ctx, req)
	if err != nil {
		s.failUnit(ctx, unit, provider.FailureReason(err), nil, nil)
		return err
	}
	defer stream.Close()

	var text []byte
	for {
		ev, err := stream.Recv()
		if err != nil {
			classified := err
			if ctx.Err() != nil {
				classified = fmt.Errorf("%w: %v", provider.ErrCancelled, ctx.Err())
			}
			if errors.Is(classified, provider.ErrCancelled) {
				s.settlePartialChat(context.WithoutCancel(ctx), unit, m, string(text))
				return classified
			}
			s.failUnit(context.WithoutCancel(ctx), unit, provider.FailureReason(classified), nil, nil)
			return classified
		}
		if ev.Delta != "" {
			text = append(text, ev.Delta...)
			sink(unit.ID, ev)
		}
		if ev.Done {
			sink(unit.ID, ev)
			s.settleChat(ctx, unit, m, string(text), ev.InputTokens, ev.OutputTokens)
			return nil
		}
	}
}

// settleChat charges a finished chat unit for the provider-reported usage.
func (s *Service) settleChat(ctx context.Context, unit *models.Generation, m *models.Model, text string, inputTokens, outputTokens int) {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		s.log.Error("pricing settings unavailable at settle", "unit_id", unit.ID, "error", err)
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return
	}
	actual, err := pricing.ActualChat(cfg, m, inputTokens, outputTokens)
	if err != nil {
		s.log.Error("chat settle pricing failed", "unit_id", unit.ID, "error", err)
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return
	}
	s.completeUnit(ctx, unit, &models.GenerationResult{
		Text:         text,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, actual)
}

// settlePartialChat settles a cancelled chat unit for the tokens generated so
// far, estimated from the accumulated text since the provider never reported
// usage. The unit ends failed with the cancelled reason but keeps the partial
// text. When the partial usage cannot be priced or settled the hold is
// refunded instead: the reservation closes on every path.
func (s *Service) settlePartialChat(ctx context.Context, unit *models.Generation, m *models.Model, text string) {
	inputTokens := len(unit.Prompt)/4 + 1
	outputTokens := len(text) / 4
	var charged *float64
	if unit.ReservationID != nil {
		actual, err := s.partialChatCharge(ctx, m, inputTokens, outputTokens)
		if err != nil {
			s.log.Error("cannot price partial chat usage, refunding hold", "unit_id", unit.ID, "error", err)
			s.refundHold(ctx, unit)
		} else if c, _, serr := s.ledger.Settle(ctx, *unit.ReservationID, actual); serr == nil {
			charged = &c
		} else if !errors.Is(serr, ledger.ErrReservationClosed) {
			s.log.Error("partial settle failed, refunding hold", "unit_id", unit.ID, "error", serr)
			s.refundHold(ctx, unit)
		}
	}
	result, _ := json.Marshal(&models.GenerationResult{
		Text:         text,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Partial:      true,
	})
	ok, err := s.store.MarkFailed(ctx, unit.ID, models.ReasonCancelled, result, charged)
	if err != nil {
		s.log.Error("mark cancelled failed", "unit_id", unit.ID, "error", err)
	}
	if !ok {
		s.log.Debug("cancelled unit already terminal", "unit_id", unit.ID)
	}
}

func (s *Service) partialChatCharge(ctx context.Context, m *models.Model, inputTokens, outputTokens int) (float64, error) {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return 0, err
	}
	return pricing.ActualChat(cfg, m, inputTokens, outputTokens)
}

// ResolveAsync applies one provider observation to an async unit. Duplicate
// deliveries (webhook then poll, or retried webhooks) are no-ops: the
// reservation closes exactly once and the terminal transition is guarded.
func (s *Service) ResolveAsync(ctx context.Context, handle string, st *provider.JobStatus) error {
	unit, err := s.store.GetByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.log.Warn("status report for unknown job handle", "handle", handle)
			return nil
		}
		return err
	}
	return s.resolveUnit(ctx, unit, st)
}

func (s *Service) resolveUnit(ctx context.Context, unit *models.Generation, st *provider.JobStatus) error {
	if unit.Terminal() {
		return nil
	}
	switch st.State {
	case provider.JobSucceeded:
		if st.Result == nil {
			s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
			return nil
		}
		reserved, err := s.reservedAmount(ctx, unit)
		if err != nil {
			return err
		}
		s.completeUnit(ctx, unit, &models.GenerationResult{URLs: st.Result.URLs}, reserved)
		return nil
	case provider.JobFailed:
		s.failUnit(ctx, unit, provider.FailureReason(st.Err), nil, nil)
		return nil
	case provider.JobRunning:
		_, err := s.store.SetStatus(ctx, unit.ID,
			[]string{models.GenerationDispatched, models.GenerationQueued}, models.GenerationRunning)
		return err
	default: // queued
		_, err := s.store.SetStatus(ctx, unit.ID,
			[]string{models.GenerationDispatched}, models.GenerationQueued)
		return err
	}
}

// PollUnit is the poll worker's entry point. It returns done=true once the
// unit is terminal, so the worker stops snoozing.
func (s *Service) PollUnit(ctx context.Context, unitID uuid.UUID) (bool, error) {
	unit, err := s.store.Get(ctx, unitID)
	if err != nil {
		return false, err
	}
	if unit.Terminal() {
		return true, nil
	}
	if unit.Deadline != nil && time.Now().After(*unit.Deadline) {
		s.log.Warn("async unit exceeded max wait", "unit_id", unit.ID, "deadline", unit.Deadline)
		s.failUnit(ctx, unit, models.ReasonTimeout, nil, nil)
		return true, nil
	}
	m, err := s.catalog.Model(unit.ModelID)
	if err != nil {
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return true, nil
	}
	adapter, err := s.registry.AsyncFor(m)
	if err != nil {
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return true, nil
	}
	if unit.JobHandle == nil {
		s.failUnit(ctx, unit, models.ReasonInternal, nil, nil)
		return true, nil
	}
	st, err := adapter.Status(ctx, *unit.JobHandle)
	if err != nil {
		// Transient: the job may still finish; keep polling until the deadline.
		s.log.Warn("status poll failed", "unit_id", unit.ID, "error", err)
		return false, nil
	}
	if err := s.resolveUnit(ctx, unit, st); err != nil {
		return false, err
	}
	return st.State == provider.JobSucceeded || st.State == provider.JobFailed, nil
}

// completeUnit wins the guarded terminal transition first and only then
// settles the reservation, mirroring failUnit's mark-then-refund order.
// Whichever delivery takes the terminal state owns the reservation close; the
// loser backs off without touching the money, so a success racing a timeout
// can never settle a reservation the timeout is about to refund.
func (s *Service) completeUnit(ctx context.Context, unit *models.Generation, res *models.GenerationResult, actual float64) {
	payload, err := json.Marshal(res)
	if err != nil {
		s.log.Error("marshal result failed", "unit_id", unit.ID, "error", err)
		return
	}
	ok, err := s.store.MarkCompleted(ctx, unit.ID, payload, actual)
	if err != nil {
		s.log.Error("mark completed failed", "unit_id", unit.ID, "error", err)
		return
	}
	if !ok {
		// Another delivery reached a terminal state first.
		return
	}
	if unit.ReservationID == nil {
		return
	}
	charged, _, err := s.ledger.Settle(ctx, *unit.ReservationID, actual)
	if err != nil {
		if !errors.Is(err, ledger.ErrReservationClosed) {
			s.log.Error("settle after completion failed", "unit_id", unit.ID, "reservation_id", *unit.ReservationID, "error", err)
		}
		return
	}
	if charged != actual {
		s.log.Warn("settle capped below requested charge", "unit_id", unit.ID, "requested", actual, "charged", charged)
	}
}

// failUnit moves the unit to failed with a user-visible reason and refunds
// its reservation, if one was placed. The guarded transition makes duplicate
// failure deliveries no-ops.
func (s *Service) failUnit(ctx context.Context, unit *models.Generation, reason string, result json.RawMessage, credits *float64) {
	ok, err := s.store.MarkFailed(ctx, unit.ID, reason, result, credits)
	if err != nil {
		s.log.Error("mark failed errored", "unit_id", unit.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	s.refundHold(ctx, unit)
}

func (s *Service) refundHold(ctx context.Context, unit *models.Generation) {
	if unit.ReservationID == nil {
		return
	}
	if err := s.ledger.Refund(ctx, *unit.ReservationID); err != nil && !errors.Is(err, ledger.ErrReservationClosed) {
		s.log.Error("refund failed", "unit_id", unit.ID, "reservation_id", *unit.ReservationID, "error", err)
	}
}

// reservedAmount reads the hold for a unit that resolves through the async
// path, where the settle amount equals the reservation.
func (s *Service) reservedAmount(ctx context.Context, unit *models.Generation) (float64, error) {
	if unit.ReservationID == nil {
		return 0, nil
	}
	res, err := s.ledger.Reservation(ctx, *unit.ReservationID)
	if err != nil {
		return 0, err
	}
	return res.Amount, nil
}

func (s *Service) providerRequest(unit *models.Generation, m *models.Model) *provider.Request {
	opts := map[string]string{}
	if len(unit.Options) > 0 {
		_ = json.Unmarshal(unit.Options, &opts)
	}
	return &provider.Request{
		UnitID:   unit.ID,
		Model:    m,
		Prompt:   unit.Prompt,
		Options:  opts,
		Quantity: unit.Quantity,
	}
}

// inputPayload rebuilds the JSON document schema validation runs against.
func inputPayload(req *Request) ([]byte, error) {
	doc := map[string]any{
		"prompt": req.Prompt,
	}
	if req.Quantity > 0 {
		doc["quantity"] = req.Quantity
	}
	for k, v := range req.Options {
		doc[k] = v
	}
	return json.Marshal(doc)
}
