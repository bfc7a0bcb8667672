// internal/rules/render.go
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

var labelUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)

// Render returns the plan as proxy configuration lines: one acl line per
// distinct predicate followed by the action lines in plan order. Only
// dispatchable steps are rendered.
//
//	acl is_login path_end /login
//	redirect location http://example.com if is_login
func Render(plan *Plan) []string {
	lines := []string{fmt.Sprintf("# listener %s digest %s", plan.ListenerID, plan.Digest)}

	labels := make(map[string]string) // canonical predicate -> label
	used := make(map[string]bool)
	var acls, actions []string

	for _, step := range plan.Dispatchable() {
		action := step.Action.Canonical()
		if step.Predicate.Kind == AlwaysMatch && !step.Predicate.Negate {
			actions = append(actions, action)
			continue
		}

		positive := step.Predicate
		negated := false
		if positive.Kind == CustomExpr {
			if strings.HasPrefix(positive.Raw, "!") {
				positive.Raw = strings.TrimPrefix(positive.Raw, "!")
				negated = true
			}
		} else if positive.Negate {
			positive.Negate = false
			negated = true
		}

		key := positive.Canonical()
		label, ok := labels[key]
		if !ok {
			label = uniqueLabel(step, used)
			labels[key] = label
			acls = append(acls, fmt.Sprintf("acl %s %s", label, key))
		}

		cond := label
		if negated {
			cond = "!" + label
		}
		actions = append(actions, fmt.Sprintf("%s if %s", action, cond))
	}

	lines = append(lines, acls...)
	return append(lines, actions...)
}

func uniqueLabel(step Step, used map[string]bool) string {
	base := labelUnsafe.ReplaceAllString(step.Label, "_")
	if base == "" {
		base = fmt.Sprintf("l7_%d", step.Seq)
	}
	label := base
	for n := 2; used[label]; n++ {
		label = fmt.Sprintf("%s_%d", base, n)
	}
	used[label] = true
	return label
}
