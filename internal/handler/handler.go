package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/auth"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	service "github.com/honeynil/PropertyTransactionService/internal/services"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/shopspring/decimal"
)

type Handler struct {
	machine   service.TransactionStateMachine
	ledger    service.MilestoneLedger
	htb       service.HTBClaimWorkflow
	inventory service.InventoryCoordinator
}

func NewHandler(
	machine service.TransactionStateMachine,
	ledger service.MilestoneLedger,
	htb service.HTBClaimWorkflow,
	inventory service.InventoryCoordinator,
) *Handler {
	return &Handler{machine: machine, ledger: ledger, htb: htb, inventory: inventory}
}

type errorResponse struct {
	Error string `json:"error"`
}

var errUnauthenticated = errors.New("user not authenticated")

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/transactions", h.CreateDraft).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/transitions", h.RequestTransition).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/outstanding", h.Outstanding).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/htb-claims", h.OpenClaim).Methods(http.MethodPost)

	r.HandleFunc("/milestones/{id}/payments", h.RecordPayment).Methods(http.MethodPost)
	r.HandleFunc("/milestones/{id}/waive", h.WaiveMilestone).Methods(http.MethodPost)

	r.HandleFunc("/htb-claims/{id}", h.GetClaim).Methods(http.MethodGet)
	r.HandleFunc("/htb-claims/{id}/access-code", h.IssueAccessCode).Methods(http.MethodPost)
	r.HandleFunc("/htb-claims/{id}/confirm", h.ConfirmFunds).Methods(http.MethodPost)
	r.HandleFunc("/htb-claims/{id}/reject", h.RejectClaim).Methods(http.MethodPost)
	r.HandleFunc("/htb-claims/{id}/withdraw", h.WithdrawClaim).Methods(http.MethodPost)

	r.HandleFunc("/developments", h.RegisterDevelopment).Methods(http.MethodPost)
	r.HandleFunc("/developments/{id}", h.GetDevelopment).Methods(http.MethodGet)
	r.HandleFunc("/developments/{id}/units", h.AddUnit).Methods(http.MethodPost)
	r.HandleFunc("/units/{id}", h.GetUnit).Methods(http.MethodGet)
}

func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UnitID  string `json:"unit_id"`
		BuyerID string `json:"buyer_id"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	tx, err := h.machine.CreateDraft(r.Context(), req.UnitID, req.BuyerID, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.begin(w, r, nil)
	if !ok {
		return
	}
	agg, err := h.machine.Get(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (h *Handler) RequestTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To          models.TransactionState `json:"to"`
		AgreedPrice *decimal.Decimal        `json:"agreed_price,omitempty"`
		Note        string                  `json:"note,omitempty"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	tx, err := h.machine.RequestTransition(r.Context(), mux.Vars(r)["id"], req.To, actor, service.TransitionPayload{
		AgreedPrice: req.AgreedPrice,
		Note:        req.Note,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Outstanding is readable by whoever may read the transaction.
func (h *Handler) Outstanding(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.begin(w, r, nil)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := h.machine.Get(r.Context(), id, actor); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	amount, err := h.ledger.Outstanding(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": id, "outstanding": amount})
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount         decimal.Decimal `json:"amount"`
		IdempotencyKey string          `json:"idempotency_key"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleSolicitor {
		h.writeServiceError(w, r, fmt.Errorf("%w: %s cannot record payments", pkgerrors.ErrRoleNotPermitted, actor.Role))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	m, err := h.ledger.RecordPayment(r.Context(), mux.Vars(r)["id"], req.Amount, req.IdempotencyKey)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) WaiveMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	m, err := h.ledger.WaiveMilestone(r.Context(), mux.Vars(r)["id"], actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// OpenClaim opts in to Help-to-Buy, submitting straight away when asked to.
func (h *Handler) OpenClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestedAmount decimal.Decimal `json:"requested_amount"`
		Submit          bool            `json:"submit"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	open := h.htb.OptIn
	if req.Submit {
		open = h.htb.Submit
	}
	claim, err := open(r.Context(), mux.Vars(r)["id"], req.RequestedAmount, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.begin(w, r, nil)
	if !ok {
		return
	}
	claim, err := h.htb.Get(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) IssueAccessCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code      string    `json:"code"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	claim, err := h.htb.IssueAccessCode(r.Context(), mux.Vars(r)["id"], req.Code, req.ExpiresAt, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) ConfirmFunds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfirmedAmount decimal.Decimal `json:"confirmed_amount"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	claim, err := h.htb.ConfirmFunds(r.Context(), mux.Vars(r)["id"], req.ConfirmedAmount, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) RejectClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	claim, err := h.htb.Reject(r.Context(), mux.Vars(r)["id"], req.Reason, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) WithdrawClaim(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.begin(w, r, nil)
	if !ok {
		return
	}
	claim, err := h.htb.Withdraw(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) RegisterDevelopment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	dev, err := h.inventory.RegisterDevelopment(r.Context(), req.Name, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (h *Handler) GetDevelopment(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.begin(w, r, nil); !ok {
		return
	}
	dev, err := h.inventory.GetDevelopment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (h *Handler) AddUnit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListPrice decimal.Decimal `json:"list_price"`
	}
	actor, ok := h.begin(w, r, &req)
	if !ok {
		return
	}
	unit, err := h.inventory.AddUnit(r.Context(), mux.Vars(r)["id"], req.ListPrice, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, unit)
}

func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.begin(w, r, nil); !ok {
		return
	}
	unit, err := h.inventory.GetUnit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// begin resolves the actor and decodes the body into req when req is non-nil.
// It writes the error response itself and reports whether to continue.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, req any) (models.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errUnauthenticated)
		return models.Actor{}, false
	}
	if req != nil {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
			return models.Actor{}, false
		}
	}
	return actor, true
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrRoleNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, pkgerrors.ErrUnitNoLongerAvailable), errors.Is(err, pkgerrors.ErrClaimExists):
		return http.StatusConflict
	}
	switch pkgerrors.KindOf(err) {
	case pkgerrors.KindValidation:
		return http.StatusUnprocessableEntity
	case pkgerrors.KindNotFound:
		return http.StatusNotFound
	case pkgerrors.KindConflict:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeError(w, status, err)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
