// internal/rules/compile.go
package rules

import (
	"sync"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Expression compilation and caching.
 *
 * Parses rule expressions into immutable ASTs once and reuses them across
 * evaluations. Config snapshots are replaced wholesale but most refreshes
 * carry the same expressions, so the cache is keyed by expression text
 * rather than snapshot identity.
 *
 * Why compile-time validation: parsing at compilation moves malformed
 * expression detection ahead of the per-placement hot path, and a parse
 * failure is reported identically on every evaluation (determinism).
 */

// compiledRule pairs a parsed expression with the computed properties the
// rule requested, indexed by identifier for O(1) lookup at eval time.
type compiledRule struct {
	root     *node
	computed map[string]types.ComputedPropertyRequest
}

// exprCache caches parsed ASTs by expression text. Parse failures are
// cached too so repeated evaluation of a broken rule stays cheap.
type exprCache struct {
	mu    sync.Mutex
	nodes map[string]*node
	errs  map[string]error
}

func newExprCache() *exprCache {
	return &exprCache{
		nodes: make(map[string]*node),
		errs:  make(map[string]error),
	}
}

// parse returns the cached AST for the expression, parsing on first use.
func (c *exprCache) parse(expression string) (*node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.nodes[expression]; ok {
		return n, nil
	}
	if err, ok := c.errs[expression]; ok {
		return nil, err
	}

	n, err := parseExpression(expression)
	if err != nil {
		c.errs[expression] = err
		return nil, err
	}
	c.nodes[expression] = n
	return n, nil
}

// compileRule resolves a trigger rule into its evaluable form.
func (c *exprCache) compileRule(rule types.TriggerRule) (compiledRule, error) {
	root, err := c.parse(rule.Expression)
	if err != nil {
		return compiledRule{}, err
	}
	computed := make(map[string]types.ComputedPropertyRequest, len(rule.ComputedProperties))
	for _, req := range rule.ComputedProperties {
		computed[req.Identifier()] = req
	}
	return compiledRule{root: root, computed: computed}, nil
}
