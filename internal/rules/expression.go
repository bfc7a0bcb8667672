// internal/rules/expression.go
package rules

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

/*
 * Expression parsing.
 *
 * Condition expressions, ACL criteria and rule predicates are stored as
 * opaque strings. They are parsed into a Predicate at the compiler boundary
 * and nowhere else.
 *
 * Predicate grammar (HAProxy flavoured):
 *
 *   [!]<fetch>[_<op>][(<arg>)] <operand>
 *   [!]/bare/path
 *   always
 *
 * fetch: path, url, host, hdr(<name>), method, src
 * op:    eq, beg, end, sub, dir, reg, ip
 *
 * A bare operand starting with "/" is a path match with no operator; the
 * ACL criterion supplies one, otherwise it defaults to beg. Operands may be
 * double-quoted. Any other identifier fetch is kept verbatim as a custom
 * expression that only the data plane interprets.
 *
 * Rule grammar:
 *
 *   <verb> [<target>] [if|unless <predicate>]
 */

// PredicateKind discriminates the predicate variants.
type PredicateKind string

const (
	PathMatch   PredicateKind = "path"
	URLMatch    PredicateKind = "url"
	HostMatch   PredicateKind = "host"
	HeaderMatch PredicateKind = "hdr"
	MethodMatch PredicateKind = "method"
	SourceMatch PredicateKind = "src"
	AlwaysMatch PredicateKind = "always"
	CustomExpr  PredicateKind = "custom"
)

// MatchOp is the comparison applied to the fetched value.
type MatchOp string

const (
	OpNone MatchOp = ""
	OpEq   MatchOp = "eq"
	OpBeg  MatchOp = "beg"
	OpEnd  MatchOp = "end"
	OpSub  MatchOp = "sub"
	OpDir  MatchOp = "dir"
	OpReg  MatchOp = "reg"
	OpIP   MatchOp = "ip"
)

// allowed ops per fetch; the first entry is the default.
var fetchOps = map[PredicateKind][]MatchOp{
	PathMatch:   {OpBeg, OpEq, OpEnd, OpSub, OpDir, OpReg},
	URLMatch:    {OpBeg, OpEq, OpEnd, OpSub, OpDir, OpReg},
	HostMatch:   {OpEq, OpBeg, OpEnd, OpSub, OpReg},
	HeaderMatch: {OpEq, OpBeg, OpEnd, OpSub, OpReg},
	MethodMatch: {OpEq},
	SourceMatch: {OpIP},
}

// Predicate is a parsed, normalized match expression.
type Predicate struct {
	Kind    PredicateKind `json:"kind" cbor:"1,keyasint"`
	Op      MatchOp       `json:"op,omitempty" cbor:"2,keyasint,omitempty"`
	Arg     string        `json:"arg,omitempty" cbor:"3,keyasint,omitempty"`
	Operand string        `json:"operand,omitempty" cbor:"4,keyasint,omitempty"`
	Negate  bool          `json:"negate,omitempty" cbor:"5,keyasint,omitempty"`
	// Raw holds the normalized text of a CustomExpr.
	Raw string `json:"raw,omitempty" cbor:"6,keyasint,omitempty"`
}

// Fetch returns the fetch token without operand ("hdr_sub(user-agent)").
func (p Predicate) Fetch() string {
	var b strings.Builder
	if p.Negate {
		b.WriteByte('!')
	}
	b.WriteString(string(p.Kind))
	if p.Op != OpNone {
		b.WriteByte('_')
		b.WriteString(string(p.Op))
	}
	if p.Arg != "" {
		fmt.Fprintf(&b, "(%s)", p.Arg)
	}
	return b.String()
}

// Canonical returns the normalized text form. Two predicates match the same
// traffic when their canonical forms are equal.
func (p Predicate) Canonical() string {
	switch p.Kind {
	case AlwaysMatch:
		if p.Negate {
			return "!always"
		}
		return "always"
	case CustomExpr:
		return p.Raw
	}
	return p.Fetch() + " " + quoteOperand(p.Operand)
}

func (p Predicate) String() string { return p.Canonical() }

// withDefaultOp fills a missing operator with the fetch default.
func (p Predicate) withDefaultOp() Predicate {
	if p.Op == OpNone {
		if ops, ok := fetchOps[p.Kind]; ok {
			p.Op = ops[0]
		}
	}
	return p
}

// Validate checks operand constraints for the predicate's fetch and op.
func (p Predicate) Validate() error {
	switch p.Kind {
	case AlwaysMatch:
		return nil
	case CustomExpr:
		if strings.TrimSpace(p.Raw) == "" {
			return fmt.Errorf("empty custom expression")
		}
		return nil
	}

	ops, ok := fetchOps[p.Kind]
	if !ok {
		return fmt.Errorf("unknown fetch %q", p.Kind)
	}
	if p.Op != OpNone && !containsOp(ops, p.Op) {
		return fmt.Errorf("operator %q not supported for %s", p.Op, p.Kind)
	}
	if p.Kind == HeaderMatch && p.Arg == "" {
		return fmt.Errorf("hdr requires a header name")
	}
	if p.Kind != HeaderMatch && p.Arg != "" {
		return fmt.Errorf("%s takes no argument", p.Kind)
	}
	if p.Operand == "" {
		return fmt.Errorf("%s requires an operand", p.Fetch())
	}

	switch {
	case p.Op == OpReg:
		if _, err := regexp.Compile(p.Operand); err != nil {
			return fmt.Errorf("invalid regex %q: %w", p.Operand, err)
		}
	case p.Kind == SourceMatch:
		if _, err := parseSource(p.Operand); err != nil {
			return err
		}
	case p.Kind == MethodMatch:
		if !methodPattern.MatchString(p.Operand) {
			return fmt.Errorf("method %q must be an upper-case token", p.Operand)
		}
	case p.Kind == PathMatch && (p.Op == OpNone || p.Op == OpEq || p.Op == OpBeg || p.Op == OpDir):
		if !strings.HasPrefix(p.Operand, "/") {
			return fmt.Errorf("path operand %q must start with /", p.Operand)
		}
	}
	return nil
}

var (
	methodPattern = regexp.MustCompile(`^[A-Z]+$`)
	headerPattern = regexp.MustCompile(`^[A-Za-z0-9!#$%&'*+.^_|~\-]+$`)
	fetchPattern  = regexp.MustCompile(`^[a-z][a-z0-9_.\-]*(\([^()]*\))?$`)
)

func containsOp(ops []MatchOp, op MatchOp) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// parseSource accepts a single address or a CIDR prefix.
func parseSource(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid source prefix %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid source address %q: %w", s, err)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// ParsePredicate parses a predicate expression and validates its operand.
// A bare path keeps OpNone so that an ACL criterion can supply the operator.
func ParsePredicate(expr string) (Predicate, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Predicate{}, fmt.Errorf("empty expression")
	}

	var negate bool
	if strings.HasPrefix(s, "!") {
		negate = true
		s = strings.TrimSpace(s[1:])
		if s == "" {
			return Predicate{}, fmt.Errorf("negation without expression")
		}
	}

	if s == "always" || s == "TRUE" {
		return Predicate{Kind: AlwaysMatch, Negate: negate}, nil
	}

	// Bare path operand.
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, `"/`) {
		operand, err := parseOperand(s)
		if err != nil {
			return Predicate{}, err
		}
		p := Predicate{Kind: PathMatch, Operand: operand, Negate: negate}
		if err := p.Validate(); err != nil {
			return Predicate{}, err
		}
		return p, nil
	}

	token, rest := splitToken(s)
	p, known, err := parseFetch(token)
	if err != nil {
		return Predicate{}, err
	}
	if !known {
		return customPredicate(negate, token, rest), nil
	}

	p.Negate = negate
	if p.Operand, err = parseOperand(rest); err != nil {
		return Predicate{}, err
	}
	if err := p.Validate(); err != nil {
		return Predicate{}, err
	}
	return p, nil
}

// ParseCriterion parses an ACL action such as "url_end" or "hdr_beg(host)"
// into a predicate without operand. Unknown fetches yield a CustomExpr
// whose Raw is the criterion itself.
func ParseCriterion(criterion string) (Predicate, error) {
	s := strings.TrimSpace(criterion)
	if s == "" {
		return Predicate{}, fmt.Errorf("empty match criterion")
	}
	var negate bool
	if strings.HasPrefix(s, "!") {
		negate = true
		s = strings.TrimSpace(s[1:])
	}
	if strings.ContainsAny(s, " \t") {
		return Predicate{}, fmt.Errorf("match criterion %q must be a single token", criterion)
	}
	p, known, err := parseFetch(s)
	if err != nil {
		return Predicate{}, err
	}
	if !known {
		return customPredicate(negate, s, ""), nil
	}
	p.Negate = negate
	return p, nil
}

// Bind applies an ACL criterion to a condition predicate. The condition may
// be a bare path (a path fetch without operator counts as bare), or name the
// same fetch and, if it has one, the same op.
func Bind(criterion, cond Predicate) (Predicate, error) {
	if criterion.Kind == CustomExpr {
		raw := criterion.Raw
		operand := cond.Operand
		if cond.Kind == CustomExpr {
			operand = cond.Raw
		}
		return customPredicate(false, raw, operand), nil
	}
	if cond.Kind == CustomExpr || cond.Kind == AlwaysMatch {
		return Predicate{}, fmt.Errorf("criterion %s cannot be applied to %q", criterion.Fetch(), cond.Canonical())
	}

	bare := cond.Kind == PathMatch && cond.Op == OpNone
	if !bare {
		if cond.Kind != criterion.Kind || cond.Arg != criterion.Arg {
			return Predicate{}, fmt.Errorf("criterion %s conflicts with condition fetch %s", criterion.Fetch(), cond.Fetch())
		}
		if criterion.Op != OpNone && cond.Op != OpNone && cond.Op != criterion.Op {
			return Predicate{}, fmt.Errorf("criterion %s conflicts with condition operator %s", criterion.Fetch(), cond.Op)
		}
	}

	p := Predicate{
		Kind:    criterion.Kind,
		Op:      criterion.Op,
		Arg:     criterion.Arg,
		Operand: cond.Operand,
		Negate:  criterion.Negate != cond.Negate,
	}
	if p.Op == OpNone {
		p.Op = cond.Op
	}
	p = p.withDefaultOp()
	if err := p.Validate(); err != nil {
		return Predicate{}, err
	}
	return p, nil
}

// parseFetch splits "hdr_sub(user-agent)" into kind, op and arg. known is
// false for fetches outside the built-in set.
func parseFetch(token string) (Predicate, bool, error) {
	if !fetchPattern.MatchString(token) {
		return Predicate{}, false, fmt.Errorf("malformed fetch %q", token)
	}

	name, arg := token, ""
	if i := strings.IndexByte(token, '('); i >= 0 {
		name, arg = token[:i], strings.TrimSpace(token[i+1:len(token)-1])
	}

	base, op := name, OpNone
	if i := strings.LastIndexByte(name, '_'); i > 0 {
		if candidate := MatchOp(name[i+1:]); isMatchOp(candidate) {
			base, op = name[:i], candidate
		}
	}

	kind := PredicateKind(base)
	if _, ok := fetchOps[kind]; !ok {
		return Predicate{}, false, nil
	}
	if kind == HeaderMatch {
		if !headerPattern.MatchString(arg) {
			return Predicate{}, false, fmt.Errorf("invalid header name %q", arg)
		}
		arg = strings.ToLower(arg)
	}
	return Predicate{Kind: kind, Op: op, Arg: arg}, true, nil
}

func isMatchOp(op MatchOp) bool {
	switch op {
	case OpEq, OpBeg, OpEnd, OpSub, OpDir, OpReg, OpIP:
		return true
	}
	return false
}

func customPredicate(negate bool, fetch, rest string) Predicate {
	raw := strings.Join(strings.Fields(fetch+" "+rest), " ")
	if negate {
		raw = "!" + raw
	}
	return Predicate{Kind: CustomExpr, Raw: raw}
}

// splitToken returns the first whitespace-delimited token and the trimmed rest.
func splitToken(s string) (string, string) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

// parseOperand accepts one unquoted token or one double-quoted string.
func parseOperand(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if strings.HasPrefix(s, `"`) {
		v, err := strconv.Unquote(s)
		if err != nil {
			return "", fmt.Errorf("malformed quoted operand %s", s)
		}
		return v, nil
	}
	if strings.ContainsAny(s, " \t") {
		return "", fmt.Errorf("operand %q contains whitespace; quote it", s)
	}
	return s, nil
}

func quoteOperand(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"\\") {
		return strconv.Quote(s)
	}
	return s
}

// Action is the proxy verb and target of a plan step.
type Action struct {
	Verb   string `json:"verb" cbor:"1,keyasint"`
	Target string `json:"target,omitempty" cbor:"2,keyasint,omitempty"`
}

// Canonical returns "verb target" with collapsed whitespace.
func (a Action) Canonical() string {
	if a.Target == "" {
		return a.Verb
	}
	return a.Verb + " " + a.Target
}

func (a Action) String() string { return a.Canonical() }

// verbs lists known verbs and whether they require a target.
var verbs = map[string]bool{
	"redirect location": true,
	"redirect prefix":   true,
	"redirect scheme":   true,
	"use_backend":       true,
	"set-header":        true,
	"deny":              false,
	"allow":             false,
	"tarpit":            false,
	"return":            false,
}

// KnownVerb reports whether verb is supported and whether it needs a target.
func KnownVerb(verb string) (known, needsTarget bool) {
	needsTarget, known = verbs[normalizeSpace(verb)]
	return known, needsTarget
}

// ParseAction validates an ACL operator and match pair.
func ParseAction(verb, target string) (Action, error) {
	verb = normalizeSpace(verb)
	known, needsTarget := KnownVerb(verb)
	if !known {
		return Action{}, fmt.Errorf("unknown verb %q", verb)
	}
	target = normalizeSpace(target)
	if needsTarget && target == "" {
		return Action{}, fmt.Errorf("%s requires a target", verb)
	}
	return Action{Verb: verb, Target: target}, nil
}

// RuleExpr is a parsed rule: action plus predicate.
type RuleExpr struct {
	Action    Action
	Predicate Predicate
}

// ParseRule parses "<verb> [<target>] [if|unless <predicate>]". A rule
// without condition is a catch-all.
func ParseRule(expr string) (RuleExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return RuleExpr{}, fmt.Errorf("empty rule")
	}

	verbLen := 1
	if len(fields) > 1 {
		if known, _ := KnownVerb(fields[0] + " " + fields[1]); known {
			verbLen = 2
		}
	}
	verb := strings.Join(fields[:verbLen], " ")

	cond := -1
	for i := verbLen; i < len(fields); i++ {
		if fields[i] == "if" || fields[i] == "unless" {
			cond = i
			break
		}
	}

	targetEnd := len(fields)
	if cond >= 0 {
		targetEnd = cond
	}
	action, err := ParseAction(verb, strings.Join(fields[verbLen:targetEnd], " "))
	if err != nil {
		return RuleExpr{}, err
	}

	if cond < 0 {
		return RuleExpr{Action: action, Predicate: Predicate{Kind: AlwaysMatch}}, nil
	}

	// Re-slice the original text so quoted operands keep their spacing.
	predText := predicateText(expr, fields[cond])
	if predText == "" {
		return RuleExpr{}, fmt.Errorf("%s without predicate", fields[cond])
	}
	pred, err := ParsePredicate(predText)
	if err != nil {
		return RuleExpr{}, err
	}
	pred = pred.withDefaultOp()
	if fields[cond] == "unless" {
		pred = negate(pred)
	}
	return RuleExpr{Action: action, Predicate: pred}, nil
}

// predicateText returns the text after the first keyword delimited by
// whitespace or the ends of expr.
func predicateText(expr, keyword string) string {
	from := 0
	for {
		i := strings.Index(expr[from:], keyword)
		if i < 0 {
			return ""
		}
		start := from + i
		end := start + len(keyword)
		if spaceBefore(expr, start) && spaceAfter(expr, end) {
			return strings.TrimSpace(expr[end:])
		}
		from = end
	}
}

func spaceBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsSpace(r)
}

func spaceAfter(s string, i int) bool {
	if i == len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsSpace(r)
}

func negate(p Predicate) Predicate {
	if p.Kind == CustomExpr {
		if strings.HasPrefix(p.Raw, "!") {
			p.Raw = strings.TrimPrefix(p.Raw, "!")
		} else {
			p.Raw = "!" + p.Raw
		}
		return p
	}
	p.Negate = !p.Negate
	return p
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
