package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// denyRule is the rule every policy document exposes its violations under.
const denyRule = "deny"

// Evaluator compiles Rego documents and evaluates them against deployment plans.
// Prepared queries are cached by document content.
type Evaluator struct {
	mu     sync.Mutex
	cache  map[string]*compiledPolicy
	logger zerolog.Logger
}

// compiledPolicy is a prepared deny query for one document.
type compiledPolicy struct {
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEvaluator creates a new policy evaluator.
func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		cache:  make(map[string]*compiledPolicy),
		logger: logger.With().Str("component", "policy-evaluator").Logger(),
	}
}

// Evaluate runs every policy against the plan and aggregates their deny
// results. Any violation, or a document that fails to compile or evaluate,
// yields an error matching engine.ErrPoliciesEvaluationFailed.
func (e *Evaluator) Evaluate(ctx context.Context, policies []string, planJSON string) error {
	startTime := time.Now()

	var input interface{}
	if err := json.Unmarshal([]byte(planJSON), &input); err != nil {
		return engine.NewPolicyViolationError([]string{fmt.Sprintf("plan is not valid JSON: %v", err)})
	}

	var violations []string
	for i, doc := range policies {
		cp, err := e.compile(ctx, doc)
		if err != nil {
			e.logger.Warn().Err(err).Int("policy", i).Msg("Policy failed to compile")
			violations = append(violations, fmt.Sprintf("policy #%d: %v", i+1, err))
			continue
		}

		found, err := e.evaluate(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.pkg).Msg("Policy evaluation failed")
			violations = append(violations, fmt.Sprintf("%s: evaluation error: %v", cp.pkg, err))
			continue
		}
		for _, v := range found {
			violations = append(violations, v.String())
		}
	}

	e.logger.Debug().
		Int("policies", len(policies)).
		Int("violations", len(violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Plan policy evaluation completed")

	if len(violations) > 0 {
		return engine.NewPolicyViolationError(violations)
	}
	return nil
}

// ValidatePolicy compiles a document without evaluating it. The error lists
// the compiler findings and matches engine.ErrValidation.
func (e *Evaluator) ValidatePolicy(ctx context.Context, doc string) error {
	if strings.TrimSpace(doc) == "" {
		return engine.NewValidationError("invalid policy", []string{"policy document is empty"})
	}
	if _, err := e.compile(ctx, doc); err != nil {
		return engine.NewValidationError("invalid policy", []string{err.Error()})
	}
	return nil
}

// evaluate runs a prepared query and converts the deny set into violations.
func (e *Evaluator) evaluate(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
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
			violations = append(violations, Violation{Policy: cp.pkg, Message: denyMessage(d)})
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// compile parses and prepares the deny query of a document, using the cache.
func (e *Evaluator) compile(ctx context.Context, doc string) (*compiledPolicy, error) {
	key := documentKey(doc)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cp, ok := e.cache[key]; ok {
		return cp, nil
	}

	module, err := ast.ParseModule("policy.rego", doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("failed to parse policy: no package declaration")
	}

	pkg := module.Package.Path.String()
	query, err := rego.New(
		rego.Module(pkg+".rego", doc),
		rego.Query(pkg+"."+denyRule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	cp := &compiledPolicy{
		pkg:      strings.TrimPrefix(pkg, "data."),
		query:    query,
		compiled: time.Now(),
	}
	e.cache[key] = cp

	e.logger.Debug().
		Str("policy", cp.pkg).
		Msg("Policy compiled successfully")

	return cp, nil
}

// denyMessage extracts a message from a deny entry. Entries are either
// strings or objects carrying a "msg" or "message" field.
func denyMessage(result interface{}) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]interface{}:
		for _, k := range []string{"msg", "message"} {
			if msg, ok := v[k].(string); ok {
				return msg
			}
		}
	}
	return fmt.Sprintf("%v", result)
}

func documentKey(doc string) string {
	sum := sha256.Sum256([]byte(doc))
	return hex.EncodeToString(sum[:])
}
