package api

import (
	"log/slog"
	"net/http"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Expression  string `json:"expression"`
	Reason      string `json:"reason"`
	Enabled     bool   `json:"enabled"`
}

// ListRules handles GET /rules and reports the rules currently loaded.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.Engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateRule validates and stores a rule. It takes effect after
// POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	cfg := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}

	if err := h.Engine.ValidateRule(cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Repo.SaveRuleConfig(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule created", "rule_id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    cfg,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules swaps the engine's rules for the enabled rules in the store.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	configs, err := h.Repo.ListRuleConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.Engine.ReloadRules(configs); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, err)
		return
	}

	slog.Info("rules reloaded from database", "count", len(configs))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(configs),
	})
}
