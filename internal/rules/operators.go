// internal/rules/operators.go
package rules

import (
	"net/netip"
	"regexp"
	"strings"
)

/*
 * Match operators.
 *
 *   eq:  exact match
 *   beg: prefix match
 *   end: suffix match
 *   sub: substring match
 *   dir: a slash-delimited portion of the value equals the operand
 *   reg: RE2 regular expression
 *   ip:  address equals or falls inside a CIDR (source fetch only)
 *
 * Host and header values compare case-insensitively for eq/beg/end/sub,
 * matching how proxies treat them; paths and URLs are case-sensitive.
 */

// Match applies op to value. caseFold lowers both sides first. re is the
// pre-compiled operand for OpReg and may be nil for other operators.
func Match(op MatchOp, value, operand string, caseFold bool, re *regexp.Regexp) bool {
	if caseFold && op != OpReg {
		value = strings.ToLower(value)
		operand = strings.ToLower(operand)
	}
	switch op {
	case OpEq:
		return value == operand
	case OpBeg:
		return strings.HasPrefix(value, operand)
	case OpEnd:
		return strings.HasSuffix(value, operand)
	case OpSub:
		return strings.Contains(value, operand)
	case OpDir:
		return matchDir(value, operand)
	case OpReg:
		if re == nil {
			var err error
			if re, err = regexp.Compile(operand); err != nil {
				return false
			}
		}
		return re.MatchString(value)
	default:
		return false
	}
}

// matchDir reports whether operand's segments appear as whole segments of value.
func matchDir(value, operand string) bool {
	seg := strings.Trim(operand, "/")
	if seg == "" {
		return strings.HasPrefix(value, "/")
	}
	return strings.Contains("/"+strings.Trim(value, "/")+"/", "/"+seg+"/")
}

// MatchSource reports whether addr equals or falls inside operand.
func MatchSource(addr netip.Addr, operand string) bool {
	if !addr.IsValid() {
		return false
	}
	prefix, err := parseSource(operand)
	if err != nil {
		return false
	}
	return prefix.Contains(addr.Unmap())
}
