package domain

// RuleConfig is an operator-defined CEL rule. The expression must
// evaluate to a bool; true means the charge looks fraudulent.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Reason reported when the rule fires
	Reason string `json:"reason"`

	Enabled bool `json:"enabled"`
}

// RuleResult is the output of one check against one transaction.
type RuleResult struct {
	RuleID    string `json:"ruleId"`
	Failed    bool   `json:"failed"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	ProcessMs int64  `json:"processMs"`
}

// Built-in rule identifiers.
const (
	RuleCategoryBound = "category-bound"
	RuleOutlier       = "spending-outlier"
	RuleDuplicate     = "duplicate-charge"
	RuleLocation      = "location-anomaly"
	RuleAgeCategory   = "age-restricted-category"
)
