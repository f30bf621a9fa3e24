package domain

import (
	"time"
)

// Outcome describes what an evaluation call did.
type Outcome string

const (
	// OutcomeEvaluated means the rule battery ran and a disposition was committed.
	OutcomeEvaluated Outcome = "evaluated"

	// OutcomeAlreadyDetermined means the transaction was terminal before the call.
	OutcomeAlreadyDetermined Outcome = "already_determined"

	// OutcomeSkipped means the charge was declined and never scored.
	OutcomeSkipped Outcome = "skipped"
)

// EvaluationResult is returned from every evaluation call.
type EvaluationResult struct {
	TxID        string       `json:"txId"`
	CustomerID  string       `json:"customerId"`
	Outcome     Outcome      `json:"outcome"`
	Disposition Disposition  `json:"disposition"`
	Score       int          `json:"score"`
	Reasons     []string     `json:"reasons,omitempty"`
	Rules       []RuleResult `json:"rules,omitempty"`

	// Note carries the decline note for skipped charges.
	Note string `json:"note,omitempty"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
	DurationMs  int64     `json:"durationMs"`
}

// Evaluation is the audit record persisted with each committed disposition.
type Evaluation struct {
	ID          string       `json:"id"`
	TxID        string       `json:"txId"`
	Disposition Disposition  `json:"disposition"`
	Score       int          `json:"score"`
	Reasons     []string     `json:"reasons"`
	Rules       []RuleResult `json:"rules"`
	TraceID     string       `json:"traceId,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Failed returns the ids of the rules that fired.
func (r *EvaluationResult) Failed() []string {
	var ids []string
	for _, rr := range r.Rules {
		if rr.Failed {
			ids = append(ids, rr.RuleID)
		}
	}
	return ids
}
