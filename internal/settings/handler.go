package settings

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/atelierai/backend/internal/models"
)

// Handler serves the admin pricing endpoints.
type Handler struct {
	svc      *Service
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validate: validator.New(), log: log}
}

// Get handles GET /api/v1/admin/pricing.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Current(r.Context())
	if err != nil {
		h.log.Error("read pricing settings", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type updatePricingRequest struct {
	ProfitMargin      float64 `json:"profit_margin" validate:"gte=0"`
	ProfitMarginImage float64 `json:"profit_margin_image" validate:"gte=0"`
	ProfitMarginVideo float64 `json:"profit_margin_video" validate:"gte=0"`
	ProfitMarginChat  float64 `json:"profit_margin_chat" validate:"gte=0"`
	CreditPrice       float64 `json:"credit_price" validate:"gt=0"`
	FreeCreditGrant   float64 `json:"free_credit_grant" validate:"gte=0"`
}

// Update handles PUT /api/v1/admin/pricing. In-flight generations keep the
// snapshot they reserved under; only new reads observe the change.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req updatePricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	next := models.PricingSettings{
		ProfitMargin:      req.ProfitMargin,
		ProfitMarginImage: req.ProfitMarginImage,
		ProfitMarginVideo: req.ProfitMarginVideo,
		ProfitMarginChat:  req.ProfitMarginChat,
		CreditPrice:       req.CreditPrice,
		FreeCreditGrant:   req.FreeCreditGrant,
	}
	if err := h.svc.Update(r.Context(), next); err != nil {
		h.log.Error("update pricing settings", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
