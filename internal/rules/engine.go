// Package rules provides the CEL engine for operator-defined fraud rules.
// Each rule is a boolean expression over one transaction and its customer
// context; a true result fails the rule.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/cardguard/internal/domain"
)

// Engine holds compiled CEL programs keyed by rule id.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Input is the activation one transaction exposes to expressions.
type Input struct {
	TxID           string
	Amount         float64
	Category       string
	Merchant       string
	Location       string
	HomeLocation   string
	CardType       string
	PaymentMethod  string
	Age            int
	ZScore         float64
	DuplicateCount int
}

// NewEngine creates an engine evaluating at most maxWorkers rules at once.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("category", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("home_location", cel.StringType),
		cel.Variable("card_type", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("age", cel.IntType),
		cel.Variable("z_score", cel.DoubleType),
		cel.Variable("duplicate_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule, replacing any rule with the same id.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiledRules[cfg.ID] = compiled
	e.mu.Unlock()
	return nil
}

// ReloadRules atomically swaps the loaded set for the enabled configs.
// On a compile error nothing changes.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// EvaluateAll runs every loaded rule against in, in parallel, and returns
// the results ordered by rule id. A rule that errors is reported as passed
// with the error attached.
func (e *Engine) EvaluateAll(ctx context.Context, in *Input) []domain.RuleResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	activation := map[string]any{
		"amount":          in.Amount,
		"category":        in.Category,
		"merchant":        in.Merchant,
		"location":        in.Location,
		"home_location":   in.HomeLocation,
		"card_type":       in.CardType,
		"payment_method":  in.PaymentMethod,
		"age":             int64(in.Age),
		"z_score":         in.ZScore,
		"duplicate_count": int64(in.DuplicateCount),
	}

	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[idx] = domain.RuleResult{RuleID: r.Config.ID, Error: ctx.Err().Error()}
				return
			}
			defer func() { <-sem }()

			results[idx] = evaluateRule(r, activation, in.TxID)
		}(i, rule)
	}

	wg.Wait()
	return results
}

func evaluateRule(rule *CompiledRule, activation map[string]any, txID string) domain.RuleResult {
	start := time.Now()
	result := domain.RuleResult{RuleID: rule.Config.ID}

	out, _, err := rule.Program.Eval(activation)
	result.ProcessMs = time.Since(start).Milliseconds()
	if err != nil {
		slog.Warn("rule evaluation failed, treating as pass",
			"rule_id", rule.Config.ID,
			"tx_id", txID,
			"error", err,
		)
		result.Error = err.Error()
		return result
	}

	if fired, ok := out.(types.Bool); ok && bool(fired) {
		result.Failed = true
		result.Reason = rule.Config.Reason
		if result.Reason == "" {
			result.Reason = "Rule " + rule.Config.ID + " matched"
		}
	}
	return result
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rule configurations ordered by id.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" || cfg.Expression == "" {
		return nil, fmt.Errorf("%w: rule id and expression are required", domain.ErrInvalidInput)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, cfg.ID, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: rule %s must return bool, got %s", domain.ErrInvalidInput, cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}
