// internal/rules/evaluate.go
package rules

import (
	"net/netip"
	"regexp"
	"strings"
)

/*
 * Plan evaluation.
 *
 * Evaluates a compiled Plan against one request the way the data plane
 * would: steps are tried in plan order, only active steps count, and the
 * first matching step wins. Used by `l7plane plan --probe-*` and tests to
 * check a plan before it is dispatched.
 *
 * Custom expressions are opaque to the control plane and never match here.
 */

// Request is the subset of an HTTP request that predicates can fetch.
type Request struct {
	Method string
	Host   string
	// Path excludes the query string; URL includes it.
	Path    string
	URL     string
	Headers map[string]string
	Source  netip.Addr
}

// MatchResult contains the outcome of plan evaluation.
type MatchResult struct {
	Matched bool
	Index   int
	Step    Step
}

// Evaluate returns the first active step whose predicate matches req.
func Evaluate(plan *Plan, req Request) MatchResult {
	for i, step := range plan.Steps {
		if !step.Dispatchable() {
			continue
		}
		if EvaluatePredicate(step.Predicate, req) {
			return MatchResult{Matched: true, Index: i, Step: step}
		}
	}
	return MatchResult{Index: -1}
}

// EvaluatePredicate checks one predicate against req.
func EvaluatePredicate(p Predicate, req Request) bool {
	p = p.withDefaultOp()
	var matched bool

	switch p.Kind {
	case AlwaysMatch:
		matched = true
	case CustomExpr:
		return false
	case SourceMatch:
		matched = MatchSource(req.Source, p.Operand)
	default:
		value, caseFold, ok := fetch(p, req)
		if !ok {
			matched = false
			break
		}
		var re *regexp.Regexp
		if p.Op == OpReg {
			re = compiledRegexp(p.Operand)
		}
		matched = Match(p.Op, value, p.Operand, caseFold, re)
	}

	if p.Negate {
		return !matched
	}
	return matched
}

// fetch extracts the value a predicate compares. ok is false when the
// request has no such value (missing header).
func fetch(p Predicate, req Request) (value string, caseFold bool, ok bool) {
	switch p.Kind {
	case PathMatch:
		return req.Path, false, true
	case URLMatch:
		if req.URL == "" {
			return req.Path, false, true
		}
		return req.URL, false, true
	case HostMatch:
		return stripPort(req.Host), true, true
	case MethodMatch:
		return req.Method, false, true
	case HeaderMatch:
		if p.Arg == "host" {
			return stripPort(req.Host), true, req.Host != ""
		}
		for k, v := range req.Headers {
			if strings.EqualFold(k, p.Arg) {
				return v, true, true
			}
		}
		return "", false, false
	}
	return "", false, false
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
