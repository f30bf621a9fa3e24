package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/fraud"
	"github.com/opensource-finance/cardguard/internal/rules"
)

// Evaluator scores and commits one transaction.
type Evaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.EvaluationResult, error)
}

// ProfileInvalidator drops cached customer profiles.
type ProfileInvalidator interface {
	Invalidate(ctx context.Context, customerID string)
}

// Deps are the collaborators of the API. Cache, Bus, Profiles and Swipes
// are optional.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Engine    *rules.Engine
	Evaluator Evaluator
	Profiles  ProfileInvalidator
	Swipes    domain.TransactionSource
	Version   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ctx := r.Context()

	if err := h.Repo.Ping(ctx); err != nil {
		slog.Warn("repository health check failed", "error", err)
		status = "degraded"
	}
	if h.Cache != nil {
		if err := h.Cache.Ping(ctx); err != nil {
			slog.Warn("cache health check failed", "error", err)
			status = "degraded"
		}
	}
	if h.Bus != nil {
		if err := h.Bus.Ping(ctx); err != nil {
			slog.Warn("event bus health check failed", "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.Version,
	})
}

// Ready reports whether the store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.Repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateCustomer handles POST /customers.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var c domain.Customer
	if !decode(w, r, &c) {
		return
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	if err := h.Repo.SaveCustomer(r.Context(), &c); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("customer created", "customer_id", c.ID)
	writeJSON(w, http.StatusCreated, c)
}

// GetCustomer handles GET /customers/{id}.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Repo.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateCustomer handles PUT /customers/{id}. The path id wins over the body.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	var c domain.Customer
	if !decode(w, r, &c) {
		return
	}
	c.ID = chi.URLParam(r, "id")

	if err := h.Repo.UpdateCustomer(r.Context(), &c); err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(r.Context(), c.ID)

	updated, err := h.Repo.GetCustomer(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteCustomer handles DELETE /customers/{id}.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Repo.DeleteCustomer(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(r.Context(), id)

	slog.Info("customer deleted", "customer_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ListCustomerTransactions handles GET /customers/{id}/transactions.
func (h *Handler) ListCustomerTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, h.Repo.ListTransactionsByCustomer)
}

// ListCustomerFraud handles GET /customers/{id}/fraud.
func (h *Handler) ListCustomerFraud(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, h.Repo.ListFraudByCustomer)
}

// ListCustomerDeclined handles GET /customers/{id}/declined.
func (h *Handler) ListCustomerDeclined(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, h.Repo.ListDeclinedByCustomer)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, list func(context.Context, string) ([]*domain.Transaction, error)) {
	txs, err := list(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, txs)
}

// CreateTransaction handles POST /transactions. The charge is stored
// Undetermined and announced on the ingested topic for background scoring.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if err := h.Repo.SaveTransaction(ctx, tx); err != nil {
		writeError(w, err)
		return
	}

	if h.Bus != nil {
		payload, err := json.Marshal(tx)
		if err == nil {
			err = h.Bus.Publish(ctx, domain.TopicTransactionIngested, payload)
		}
		if err != nil {
			slog.Warn("failed to publish ingested transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Repo.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// DeleteTransaction handles DELETE /transactions/{id}.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Repo.DeleteTransaction(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("transaction deleted", "tx_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ListMissingTimestamps handles GET /transactions/missing-timestamps.
func (h *Handler) ListMissingTimestamps(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Repo.ListMissingTimestamps(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, txs)
}

func (h *Handler) decodeTransaction(w http.ResponseWriter, r *http.Request) (*domain.Transaction, bool) {
	var req domain.TransactionRequest
	if !decode(w, r, &req) {
		return nil, false
	}
	if msg := validateRequest(&req); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return nil, false
	}

	tx := req.ToTransaction()
	if tx.ID == "" {
		tx.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if tx.Location == "" {
		tx.Location = domain.UnknownLocation
	}
	return tx, true
}

func validateRequest(req *domain.TransactionRequest) string {
	switch {
	case req.CustomerID == "":
		return "customerId is required"
	case req.MerchantName == "":
		return "merchantName is required"
	case req.Amount.IsNegative():
		return "amount must not be negative"
	case !req.CardType.Valid():
		return "cardType must be one of Visa, Mastercard, American Express, Discover"
	case req.ApprovalStatus != "" && !req.ApprovalStatus.Valid():
		return "approvalStatus must be Approved, Declined or Pending"
	case !req.PaymentMethod.Valid():
		return "paymentMethod is not recognised"
	}
	return ""
}

func (h *Handler) invalidate(ctx context.Context, customerID string) {
	if h.Profiles != nil {
		h.Profiles.Invalidate(ctx, customerID)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

func writeList(w http.ResponseWriter, txs []*domain.Transaction) {
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, fraud.ErrCommitFailed):
		msg = "failed to commit disposition"
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
