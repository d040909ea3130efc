package workspace

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atelierai/backend/internal/auth"
	"github.com/atelierai/backend/internal/ledger"
	"github.com/atelierai/backend/internal/models"
)

// Handler serves /api/v1/workspaces endpoints.
type Handler struct {
	svc      *Service
	ledger   ledger.Service
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(svc *Service, led ledger.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, ledger: led, validate: validator.New(), log: log}
}

type createWorkspaceRequest struct {
	Name       string `json:"name" validate:"required,min=1,max=120"`
	CreditMode string `json:"credit_mode" validate:"required,oneof=shared individual"`
}

// Create handles POST /api/v1/workspaces.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	ws, err := h.svc.Create(r.Context(), auth.UserIDFromCtx(r.Context()), req.Name, req.CreditMode)
	if err != nil {
		h.log.Error("create workspace", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

// List handles GET /api/v1/workspaces.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListForUser(r.Context(), auth.UserIDFromCtx(r.Context()))
	if err != nil {
		h.log.Error("list workspaces", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/v1/workspaces/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// Members handles GET /api/v1/workspaces/{id}/members.
func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	members, err := h.svc.Members(r.Context(), ws.ID)
	if err != nil {
		h.log.Error("list members", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

type addMemberRequest struct {
	UserID string `json:"user_id" validate:"required,uuid4"`
	Role   string `json:"role" validate:"required,oneof=owner member"`
}

// AddMember handles POST /api/v1/workspaces/{id}/members. Owner only.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	userID, _ := uuid.Parse(req.UserID)
	m, err := h.svc.AddMember(r.Context(), ws.ID, userID, req.Role)
	if err != nil {
		if errors.Is(err, ErrDefaultWorkspace) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		h.log.Error("add member", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type creditModeRequest struct {
	CreditMode string `json:"credit_mode" validate:"required,oneof=shared individual"`
}

// SetCreditMode handles PATCH /api/v1/workspaces/{id}. Owner only.
func (h *Handler) SetCreditMode(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	var req creditModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	if err := h.svc.SetCreditMode(r.Context(), ws.ID, req.CreditMode); err != nil {
		if errors.Is(err, ErrDefaultWorkspace) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		h.log.Error("set credit mode", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type allocationRequest struct {
	UserID string  `json:"user_id" validate:"required,uuid4"`
	Amount float64 `json:"amount" validate:"gte=0"`
}

// SetAllocation handles PUT /api/v1/workspaces/{id}/allocations. Owner only.
func (h *Handler) SetAllocation(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	var req allocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	userID, _ := uuid.Parse(req.UserID)
	if err := h.svc.SetAllocation(r.Context(), ws.ID, userID, req.Amount); err != nil {
		switch {
		case errors.Is(err, ErrInsufficientPool):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrNotMember):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			h.log.Error("set allocation", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ledger handles GET /api/v1/workspaces/{id}/credit-ledger.
func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	entries, err := h.ledger.ListByWorkspace(r.Context(), ws.ID, limit)
	if err != nil {
		h.log.Error("workspace ledger", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// authorize loads the workspace from the URL and checks the caller's
// membership, optionally requiring the owner role.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, ownerOnly bool) (*models.Workspace, *models.WorkspaceMember, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid workspace id"}`, http.StatusBadRequest)
		return nil, nil, false
	}
	ws, err := h.svc.Get(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"workspace not found"}`, http.StatusNotFound)
		return nil, nil, false
	}
	member, err := h.svc.store.GetMember(r.Context(), ws.ID, auth.UserIDFromCtx(r.Context()))
	if err != nil {
		http.Error(w, `{"error":"workspace not found"}`, http.StatusNotFound)
		return nil, nil, false
	}
	if ownerOnly && member.Role != models.RoleOwner {
		http.Error(w, `{"error":"owner role required"}`, http.StatusForbidden)
		return nil, nil, false
	}
	return ws, member, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
