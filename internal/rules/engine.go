package rules

import (
	"regexp"
	"sync"

	"github.com/solatis/l7plane/internal/types"
)

// Engine compiles plans with a shared parse cache. Expressions are parsed
// on every reconciliation pass, and most of them never change, so parsed
// predicates are memoized by expression text. Safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]parseResult
	max   int
}

type parseResult struct {
	pred Predicate
	err  error
}

// DefaultCacheSize bounds the number of memoized expressions.
const DefaultCacheSize = 4096

// NewEngine creates a new rules engine instance.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]parseResult), max: DefaultCacheSize}
}

// Compile builds the plan for set using the engine's parse cache.
func (e *Engine) Compile(set *types.EntitySet) (*Plan, error) {
	c := compiler{parse: e.parse}
	return c.compile(set)
}

// Evaluate returns the first active step in plan that matches req.
func (e *Engine) Evaluate(plan *Plan, req Request) MatchResult {
	return Evaluate(plan, req)
}

func (e *Engine) parse(expr string) (Predicate, error) {
	e.mu.RLock()
	r, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return r.pred, r.err
	}

	pred, err := ParsePredicate(expr)

	e.mu.Lock()
	if len(e.cache) >= e.max {
		// Reset when full.
		e.cache = make(map[string]parseResult)
	}
	e.cache[expr] = parseResult{pred: pred, err: err}
	e.mu.Unlock()
	return pred, err
}

var (
	regexpMu    sync.Mutex
	regexpCache = make(map[string]*regexp.Regexp)
)

// compiledRegexp returns a cached compiled operand, or nil if it is invalid.
func compiledRegexp(expr string) *regexp.Regexp {
	regexpMu.Lock()
	defer regexpMu.Unlock()
	if re, ok := regexpCache[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		re = nil
	}
	if len(regexpCache) >= DefaultCacheSize {
		regexpCache = make(map[string]*regexp.Regexp)
	}
	regexpCache[expr] = re
	return re
}
