package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/regionctl/pkg/engine"
)

var approversPath = storage.MustParsePath("/regionctl/approvers")

// Engine evaluates change sets against Rego deny policies and authorizes
// approval decisions. It implements engine.ChangeSetPolicy and engine.Authorizer.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	authz           rego.PreparedEvalQuery
	logger          zerolog.Logger
	builtinPolicies []Policy
	disabled        map[string]struct{}
	limits          Limits
	approvers       map[string][]string
	now             func() time.Time
}

var (
	_ engine.ChangeSetPolicy = (*Engine)(nil)
	_ engine.Authorizer      = (*Engine)(nil)
)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits sets the thresholds exposed to policies as input.limits.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithApprovers sets the approver lists consulted by Authorize.
func WithApprovers(approvers map[string][]string) Option {
	return func(e *Engine) { e.approvers = approvers }
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
		disabled:        make(map[string]struct{}),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.store = inmem.NewFromObject(map[string]interface{}{
		"regionctl": map[string]interface{}{
			"approvers": approversDocument(e.approvers),
		},
	})

	ctx := context.Background()
	authz, err := rego.New(
		rego.Module("authz.rego", authzModule),
		rego.Store(e.store),
		rego.Query(authzQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare authorization policy: %w", err)
	}
	e.authz = authz

	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateChangeSet runs every enabled policy against a change set. An
// evaluation failure is returned as an error rather than treated as a pass.
func (e *Engine) EvaluateChangeSet(ctx context.Context, cs *engine.ChangeSet) (*engine.PolicyDecision, error) {
	result, err := e.Evaluate(ctx, cs)
	if err != nil {
		return nil, err
	}
	return result.Decision(), nil
}

// Evaluate runs every enabled policy against a change set and returns the
// detailed result.
func (e *Engine) Evaluate(ctx context.Context, cs *engine.ChangeSet) (*PolicyResult, error) {
	return e.evaluateInput(ctx, e.buildInput(cs))
}

func (e *Engine) evaluateInput(ctx context.Context, input *PolicyInput) (*PolicyResult, error) {
	startTime := e.now()
	cs := input.ChangeSet

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{
		Allowed:           true,
		EvaluatedAt:       startTime,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
		Context:           input.Context,
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("region", cs.Region).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = e.now().Sub(startTime)
	e.logger.Debug().
		Str("region", cs.Region).
		Str("change_set", cs.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Change set policy evaluation completed")

	return result, nil
}

// buildInput assembles the policy input document for a change set.
func (e *Engine) buildInput(cs *engine.ChangeSet) *PolicyInput {
	params := map[string]interface{}{}
	if ps := cs.Params(); ps != nil {
		params = ps.Redacted()
	}
	changes := cs.Changes
	if changes == nil {
		changes = []engine.ResourceChange{}
	}
	limits := e.limits
	if limits.ProtectedResources == nil {
		limits.ProtectedResources = []string{}
	}

	operation := "rollout"
	if cs.Destroy {
		operation = "destroy"
	}

	return &PolicyInput{
		ChangeSet: &ChangeSetInput{
			ID:           cs.ID,
			Region:       string(cs.Region),
			Destroy:      cs.Destroy,
			Hash:         cs.Hash,
			StateVersion: cs.StateVersion,
			Changes:      changes,
			Summary:      cs.Summary(),
			Params:       params,
		},
		Limits: limits,
		Context: &PolicyContext{
			Timestamp: e.now(),
			Operation: operation,
		},
	}
}

// Authorize reports whether actor may approve or reject the pending change set.
func (e *Engine) Authorize(ctx context.Context, actor string, pending engine.PendingApproval) (bool, error) {
	input := &AuthzInput{
		Actor:         actor,
		Region:        string(pending.Region),
		Destroy:       pending.Destroy,
		ChangeSetHash: pending.ChangeSetHash,
		Summary:       pending.Summary,
	}

	e.mu.RLock()
	query := e.authz
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("authorization evaluation error: %w", err)
	}

	allowed := results.Allowed()
	e.logger.Debug().
		Str("actor", actor).
		Str("region", string(pending.Region)).
		Bool("allowed", allowed).
		Msg("Approval authorization evaluated")

	return allowed, nil
}

// SetApprovers replaces the approver lists consulted by Authorize.
func (e *Engine) SetApprovers(ctx context.Context, approvers map[string][]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, approversPath, approversDocument(approvers)); err != nil {
		return fmt.Errorf("failed to store approvers: %w", err)
	}
	e.approvers = approvers

	e.logger.Info().Int("entries", len(approvers)).Msg("Approvers updated")
	return nil
}

// approversDocument converts approver lists into a JSON-compatible document.
func approversDocument(approvers map[string][]string) map[string]interface{} {
	doc := make(map[string]interface{}, len(approvers))
	for key, actors := range approvers {
		list := make([]interface{}, len(actors))
		for i, a := range actors {
			list[i] = a
		}
		doc[key] = list
	}
	return doc
}

// LoadPolicies loads policy files and adds them to the built-in set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, e.policies, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	e.applyDisabled(e.policies)

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps the loaded policy set for the built-ins plus the given
// policies. The current set stays in place if any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(e.builtinPolicies)+len(policies))
	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		if err := e.compileAndStorePolicy(ctx, next, &p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, next, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.mu.Lock()
	e.applyDisabled(next)
	e.policies = next
	e.mu.Unlock()

	e.logger.Info().Int("count", len(next)).Msg("Policy set replaced")
	return nil
}

// WatchPolicies loads policies from paths and reloads them whenever a policy
// file changes, until ctx is done.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.ReplacePolicies(ctx, policies); err != nil {
		return nil, err
	}

	err = loader.Watch(ctx, paths, func(reloaded []Policy) error {
		return e.ReplacePolicies(ctx, reloaded)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation

	for _, result := range results {
		if len(result.Expressions) > 0 {
			// deny is a set, which evaluates to a slice
			if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
				for _, d := range denySet {
					violations = append(violations, e.createViolation(cp.policy, d))
				}
			}
		}
	}

	return violations, nil
}

// createViolation creates a PolicyViolation from a deny set member. Members
// may be plain strings or objects with message, severity and resource keys.
func (e *Engine) createViolation(policy *Policy, result interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: e.now(),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		for key, val := range v {
			switch key {
			case "message":
				violation.Message, _ = val.(string)
			case "severity":
				if sev, ok := val.(string); ok && sev != "" {
					violation.Severity = Severity(sev)
				}
			case "resource":
				violation.Resource, _ = val.(string)
			case "remediation":
				violation.Remediation, _ = val.(string)
			default:
				if violation.Details == nil {
					violation.Details = make(map[string]interface{})
				}
				violation.Details[key] = val
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it in dst.
func (e *Engine) compileAndStorePolicy(ctx context.Context, dst map[string]*compiledPolicy, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if !definesDeny(module) {
		return fmt.Errorf("policy %s does not define a deny rule", policy.Name)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	dst[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: e.now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

func definesDeny(module *ast.Module) bool {
	for _, rule := range module.Rules {
		if rule.Head.Ref().String() == "deny" {
			return true
		}
	}
	return false
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		if err := e.compileAndStorePolicy(ctx, e.policies, &p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// DisablePolicy skips a policy in every later evaluation. The policy stays
// disabled when the policy set is reloaded.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[name]; !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	e.disabled[name] = struct{}{}
	e.applyDisabled(e.policies)
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}

// applyDisabled marks disabled policies in set. Callers hold e.mu.
func (e *Engine) applyDisabled(set map[string]*compiledPolicy) {
	for name := range e.disabled {
		cp, ok := set[name]
		if !ok || !cp.policy.Enabled {
			continue
		}
		p := *cp.policy
		p.Enabled = false
		cp.policy = &p
	}
}
