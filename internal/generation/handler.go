// Package generation exposes the HTTP surface of the orchestrator: starting
// requests, streaming chat units over SSE, reading unit state, and the
// provider webhook for async jobs.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atelierai/backend/internal/auth"
	"github.com/atelierai/backend/internal/catalog"
	"github.com/atelierai/backend/internal/ledger"
	"github.com/atelierai/backend/internal/models"
	"github.com/atelierai/backend/internal/orchestrator"
	"github.com/atelierai/backend/internal/provider"
	"github.com/atelierai/backend/internal/workspace"
)

const defaultListLimit = 50

// Orchestrator is the orchestrator surface the handler drives.
type Orchestrator interface {
	Start(ctx context.Context, req *orchestrator.Request) ([]*models.Generation, error)
	StreamUnit(ctx context.Context, unit *models.Generation, sink orchestrator.StreamSink) error
	Get(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*models.Generation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error)
	ResolveAsync(ctx context.Context, handle string, st *provider.JobStatus) error
}

// ModelLister serves the catalog listing.
type ModelLister interface {
	List() []*models.Model
}

// SourceResolver resolves the credit source billed for a workspace, used to
// report the remaining balance after a request.
type SourceResolver interface {
	ResolveSource(ctx context.Context, workspaceID, userID uuid.UUID) (ledger.Source, error)
}

type Handler struct {
	orch     Orchestrator
	catalog  ModelLister
	ledger   ledger.Service
	resolver SourceResolver
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(orch Orchestrator, cat ModelLister, led ledger.Service, resolver SourceResolver, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		orch:     orch,
		catalog:  cat,
		ledger:   led,
		resolver: resolver,
		validate: validator.New(),
		log:      log,
	}
}

// ListModels handles GET /api/v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.List())
}

type generateRequest struct {
	WorkspaceID string            `json:"workspace_id" validate:"required,uuid4"`
	ModelIDs    []string          `json:"model_ids" validate:"required,min=1,max=4,dive,required"`
	Prompt      string            `json:"prompt" validate:"required"`
	Options     map[string]string `json:"options"`
	Quantity    int               `json:"quantity" validate:"omitempty,min=1,max=10"`
}

type generateResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Units         []*models.Generation `json:"units"`
}

// Generate handles POST /api/v1/generate. Requests containing a chat model
// answer as an SSE stream; anything else answers 202 and resolves in the
// background.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromCtx(r.Context())

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	workspaceID, err := uuid.Parse(req.WorkspaceID)
	if err != nil {
		http.Error(w, `{"error":"invalid workspace_id"}`, http.StatusBadRequest)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	units, err := h.orch.Start(r.Context(), &orchestrator.Request{
		UserID:      userID,
		WorkspaceID: workspaceID,
		ModelIDs:    req.ModelIDs,
		Prompt:      req.Prompt,
		Options:     req.Options,
		Quantity:    req.Quantity,
	})
	if err != nil {
		h.writeStartError(w, err)
		return
	}

	var chatUnits []*models.Generation
	for _, u := range units {
		if u.Type == models.ModelTypeChat {
			chatUnits = append(chatUnits, u)
		}
	}
	if len(chatUnits) == 0 {
		writeJSON(w, http.StatusAccepted, generateResponse{
			CorrelationID: units[0].CorrelationID.String(),
			Units:         units,
		})
		return
	}
	h.streamChat(w, r, units, chatUnits, workspaceID, userID)
}

func (h *Handler) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTooManyModels):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, catalog.ErrUnknownModel):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, catalog.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, workspace.ErrNotMember):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not a workspace member"})
	default:
		h.log.Error("start generation", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// streamChat runs chat units against the request context so a client
// disconnect cancels them, interleaving each unit's deltas on one SSE stream.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, all, chatUnits []*models.Generation, workspaceID, userID uuid.UUID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	emit := func(event string, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			return
		}
		mu.Lock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
		mu.Unlock()
	}

	emit("start", generateResponse{CorrelationID: all[0].CorrelationID.String(), Units: all})

	sink := func(unitID uuid.UUID, ev *provider.StreamEvent) {
		if ev.Delta != "" {
			emit("delta", map[string]string{"unit_id": unitID.String(), "text": ev.Delta})
		}
	}
	var wg sync.WaitGroup
	for _, unit := range chatUnits {
		wg.Add(1)
		go func(u *models.Generation) {
			defer wg.Done()
			if err := h.orch.StreamUnit(r.Context(), u, sink); err != nil {
				h.log.Warn("chat unit ended with error", "unit_id", u.ID, "error", err)
			}
		}(unit)
	}
	wg.Wait()

	// Final snapshot: chat units are terminal now, image/video units report
	// whatever state they reached.
	final, err := h.orch.ListByCorrelation(r.Context(), all[0].CorrelationID)
	if err != nil {
		final = all
	}
	done := map[string]any{"units": final}
	if src, err := h.resolver.ResolveSource(r.Context(), workspaceID, userID); err == nil {
		if balance, err := h.ledger.Balance(r.Context(), src); err == nil {
			done["balance"] = balance
		}
	}
	emit("done", done)
}

// GetGeneration handles GET /api/v1/generations/{id}.
func (h *Handler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid generation id"}`, http.StatusBadRequest)
		return
	}
	g, err := h.orch.Get(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"generation not found"}`, http.StatusNotFound)
		return
	}
	if g.UserID != auth.UserIDFromCtx(r.Context()) {
		http.Error(w, `{"error":"generation not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ListGenerations handles GET /api/v1/generations, optionally filtered by
// correlation_id.
func (h *Handler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromCtx(r.Context())
	if raw := r.URL.Query().Get("correlation_id"); raw != "" {
		correlationID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid correlation_id"}`, http.StatusBadRequest)
			return
		}
		units, err := h.orch.ListByCorrelation(r.Context(), correlationID)
		if err != nil {
			h.log.Error("list by correlation", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		owned := units[:0]
		for _, u := range units {
			if u.UserID == userID {
				owned = append(owned, u)
			}
		}
		writeJSON(w, http.StatusOK, owned)
		return
	}
	units, err := h.orch.ListByUser(r.Context(), userID, listLimit(r))
	if err != nil {
		h.log.Error("list generations", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, units)
}

// CreditLedger handles GET /api/v1/credit-ledger.
func (h *Handler) CreditLedger(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromCtx(r.Context())
	entries, err := h.ledger.ListByUser(r.Context(), userID, listLimit(r))
	if err != nil {
		h.log.Error("list credit ledger", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type videoWebhookPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// VideoWebhook handles POST /webhooks/video. The endpoint always answers 200
// so providers stop retrying: an unknown handle or duplicate delivery is
// logged, never an error to the caller.
func (h *Handler) VideoWebhook(w http.ResponseWriter, r *http.Request) {
	var payload videoWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ID == "" {
		h.log.Warn("malformed video webhook", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	st := webhookStatus(payload)
	if st == nil {
		h.log.Warn("video webhook with unknown status", "handle", payload.ID, "status", payload.Status)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.orch.ResolveAsync(r.Context(), payload.ID, st); err != nil {
		h.log.Error("video webhook resolution failed", "handle", payload.ID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func webhookStatus(p videoWebhookPayload) *provider.JobStatus {
	switch p.Status {
	case "queued":
		return &provider.JobStatus{State: provider.JobQueued}
	case "running", "processing":
		return &provider.JobStatus{State: provider.JobRunning}
	case "succeeded", "completed":
		return &provider.JobStatus{State: provider.JobSucceeded, Result: &provider.Result{URLs: []string{p.URL}}}
	case "failed":
		return &provider.JobStatus{State: provider.JobFailed, Err: fmt.Errorf("%w: %s", provider.ErrRejected, p.Error)}
	default:
		return nil
	}
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			return n
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
