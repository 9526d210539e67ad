package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/telemetry"
)

// Engine evaluates Rego policies against target entries. It implements
// engine.EntryGuard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	params   map[string]interface{}
	builtins bool
	logger   *telemetry.Logger
}

var _ engine.EntryGuard = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.NewComponentLogger("policy-engine")
		}
	}
}

// WithParams sets input.context.params for every evaluation.
func WithParams(params map[string]interface{}) Option {
	return func(e *Engine) { e.params = params }
}

// WithoutBuiltins starts the engine with no policies loaded.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtins = false }
}

// NewEngine creates a new policy engine with the built-in policies compiled.
func NewEngine(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		params:   map[string]interface{}{},
		builtins: true,
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.builtins {
		if err := e.loadBuiltinPolicies(ctx); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// Check implements engine.EntryGuard. Blocking violations become the skip reason
// and other violations are logged. A policy that fails to evaluate is an error.
func (e *Engine) Check(ctx context.Context, pos int, entry engine.TargetEntry) (string, error) {
	result, err := e.Evaluate(ctx, &Input{Service: entry, Position: pos})
	if err != nil {
		return "", err
	}

	if len(result.Warnings) > 0 {
		return "", errors.New(strings.Join(result.Warnings, "; "))
	}

	logger := e.logger.WithService(entry.Name)
	var denied []string
	for _, v := range result.Violations {
		if v.Severity.Blocks() {
			denied = append(denied, fmt.Sprintf("denied by policy %s: %s", v.Policy, v.Message))
			continue
		}
		logger.WithField("policy", v.Policy).Warn(v.Message)
	}
	return strings.Join(denied, "; "), nil
}

// EvaluateList evaluates every entry of list and returns all violations in list order.
func (e *Engine) EvaluateList(ctx context.Context, list *engine.TargetList) ([]Violation, error) {
	var out []Violation
	if list == nil {
		return out, nil
	}
	for i, entry := range list.Entries {
		result, err := e.Evaluate(ctx, &Input{Service: entry, Position: i})
		if err != nil {
			return out, err
		}
		out = append(out, result.Violations...)
	}
	return out, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported in Warnings and the entry is not allowed.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Context == nil {
		input.Context = &Context{Timestamp: startTime, Params: e.params}
	}
	doc, err := toDocument(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	result := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(e.policies))}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, doc, input)
		if err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"policy":  name,
				"service": input.Service.Name,
			}).Error("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			result.Allowed = false
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
			}
		}
		result.Violations = append(result.Violations, violations...)
	}
	result.Duration = time.Since(startTime)

	e.logger.WithFields(map[string]interface{}{
		"service":    input.Service.Name,
		"violations": len(result.Violations),
		"duration":   result.Duration,
	}).Debug("Entry policy evaluation completed")

	return result, nil
}

// LoadPolicies loads and compiles policy files. A policy with the name of one
// already loaded replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.WithField("count", len(policies)).Info("Policies loaded")
	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, doc interface{}, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny set member.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Position: input.Position,
		Service:  input.Service.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if raw, ok := v["severity"].(string); ok {
			if sev, ok := ParseSeverity(raw); ok {
				violation.Severity = sev
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compileAndStorePolicy parses and prepares the deny query of a policy.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.WithField("policy", policy.Name).Debug("Policy compiled successfully")
	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.WithField("count", len(builtins)).Debug("Built-in policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithFields(map[string]interface{}{
		"policy":  name,
		"enabled": enabled,
	}).Info("Policy updated")
	return nil
}

// sortedNames gives evaluation a stable order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toDocument converts input into the plain JSON shape Rego sees.
func toDocument(input *Input) (interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
