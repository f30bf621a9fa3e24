package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/cardguard/internal/domain"
)

// EvaluateResponse wraps an evaluation result with request metadata.
type EvaluateResponse struct {
	*domain.EvaluationResult
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	TraceID     string              `json:"traceId"`
	Version     string              `json:"version"`
}

// Evaluate handles POST /evaluate: store the charge, then score it. A
// charge whose id is already stored is evaluated from the stored row.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	err := h.Repo.SaveTransaction(ctx, tx)
	if errors.Is(err, domain.ErrConflict) {
		tx, err = h.Repo.GetTransaction(ctx, tx.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	h.evaluate(w, r, tx, false)
}

// EvaluateTransaction handles POST /transactions/{id}/evaluate.
func (h *Handler) EvaluateTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Repo.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.evaluate(w, r, tx, false)
}

// SimulateSwipe handles POST /simulate/swipe: generate a random charge for
// a stored customer, record it and score it.
func (h *Handler) SimulateSwipe(w http.ResponseWriter, r *http.Request) {
	if h.Swipes == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "swipe simulator not available",
		})
		return
	}

	tx, err := h.Swipes.Next(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("simulated swipe",
		"tx_id", tx.ID,
		"customer_id", tx.CustomerID,
		"amount", tx.Amount.StringFixed(2),
	)
	h.evaluate(w, r, tx, true)
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request, tx *domain.Transaction, withTx bool) {
	result, err := h.Evaluator.Evaluate(r.Context(), tx)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := EvaluateResponse{
		EvaluationResult: result,
		TraceID:          GetTraceID(r.Context()),
		Version:          h.Version,
	}
	if withTx {
		resp.Transaction = tx
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEvaluation handles GET /evaluations/{id}.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	eval, err := h.Repo.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// ListTransactionEvaluations handles GET /transactions/{id}/evaluations.
func (h *Handler) ListTransactionEvaluations(w http.ResponseWriter, r *http.Request) {
	evals, err := h.Repo.ListEvaluations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if evals == nil {
		evals = []*domain.Evaluation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": evals,
		"count":       len(evals),
	})
}
